package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kandev/taskforge/internal/engineerr"
)

// jsonResult marshals v as indented JSON and wraps it in a text tool result.
// A marshal failure is itself reported as a tool error rather than panicking.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders err as a tool error, prefixed with its EngineError kind
// (internal_error when it carries none) so callers can branch on a stable
// string.
func errorResult(err error) (*mcp.CallToolResult, error) {
	kind := engineerr.KindOf(err)
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", kind, err.Error())), nil
}
