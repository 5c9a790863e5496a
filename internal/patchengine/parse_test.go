package patchengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/types"
)

func TestParseNameStatus(t *testing.T) {
	out := "A\tnew.go\nM\tmain.go\nD\told.go\nR100\tfoo.go\tbar.go\n"
	files := parseNameStatus(out)

	require.Len(t, files, 4)
	assert.Equal(t, types.FileAdded, files[0].Status)
	assert.Equal(t, types.FileModified, files[1].Status)
	assert.Equal(t, types.FileDeleted, files[2].Status)
	assert.Equal(t, types.FileRenamed, files[3].Status)
	assert.Equal(t, "foo.go", files[3].OldPath)
	assert.Equal(t, "bar.go", files[3].Path)
}

func TestComputeStats(t *testing.T) {
	files := []types.FileChange{{Path: "main.go", Status: types.FileModified}}
	diff := "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,2 +1,3 @@\n line1\n+line2\n-line3\n"

	stats := computeStats(files, diff)
	assert.Equal(t, 1, stats.FilesChanged)
	assert.Equal(t, 1, stats.Additions)
	assert.Equal(t, 1, stats.Deletions)
	assert.Equal(t, 1, files[0].Additions)
	assert.Equal(t, 1, files[0].Deletions)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "no changes", summarize(nil))

	files := []types.FileChange{
		{Status: types.FileAdded},
		{Status: types.FileAdded},
		{Status: types.FileModified},
		{Status: types.FileDeleted},
	}
	assert.Equal(t, "2 added, 1 modified, 1 deleted", summarize(files))
}

func TestCollectBinaryPaths(t *testing.T) {
	files := []types.FileChange{
		{Path: "logo.png"},
		{Path: "main.go"},
		{Path: "font.woff2"},
	}
	paths := collectBinaryPaths(files)
	assert.ElementsMatch(t, []string{"logo.png", "font.woff2"}, paths)
}
