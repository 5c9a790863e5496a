package mcpserver

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/engineerr"
)

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected mcp.TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestJSONResultEncodesValue(t *testing.T) {
	result, err := jsonResult(map[string]string{"jobId": "abc-123"})
	require.NoError(t, err)
	require.NotNil(t, result)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &decoded))
	assert.Equal(t, "abc-123", decoded["jobId"])
}

func TestErrorResultIncludesEngineErrorKind(t *testing.T) {
	err := engineerr.New(engineerr.NotFound, "task not found")
	result, callErr := errorResult(err)
	require.NoError(t, callErr)
	require.True(t, result.IsError)

	text := textOf(t, result)
	assert.Contains(t, text, string(engineerr.NotFound))
	assert.Contains(t, text, "task not found")
}

func TestErrorResultDefaultsToInternalErrorKind(t *testing.T) {
	result, callErr := errorResult(errors.New("plain failure"))
	require.NoError(t, callErr)
	assert.Contains(t, textOf(t, result), string(engineerr.InternalError))
}
