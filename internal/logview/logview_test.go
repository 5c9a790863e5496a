package logview

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestListSortsByNameAndSize(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "b.log", "short")
	writeLogFile(t, dir, "a.log", "a much longer line of content")

	byName, err := List(dir, 0, "name")
	require.NoError(t, err)
	require.Len(t, byName, 2)
	assert.Equal(t, "a.log", byName[0].Name)
	assert.Equal(t, "b.log", byName[1].Name)

	bySize, err := List(dir, 0, "size")
	require.NoError(t, err)
	assert.Equal(t, "a.log", bySize[0].Name)
}

func TestListMissingDirReturnsEmpty(t *testing.T) {
	entries, err := List(filepath.Join(t.TempDir(), "missing"), 0, "mtime")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestListAppliesLimit(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "a.log", "x")
	writeLogFile(t, dir, "b.log", "x")
	writeLogFile(t, dir, "c.log", "x")

	entries, err := List(dir, 2, "name")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTailReturnsLastNLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.log")
	writeLogFile(t, dir, "job.log", "line1\nline2\nline3\nline4\n")

	lines, err := Tail(path, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"line3", "line4"}, lines)
}

func TestTailFiltersBySubstring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.log")
	writeLogFile(t, dir, "job.log", "info: started\nerror: boom\ninfo: done\n")

	lines, err := Tail(path, 0, "error")
	require.NoError(t, err)
	assert.Equal(t, []string{"error: boom"}, lines)
}

func TestResolvePrefersExactMatch(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "job-123.log", "x")
	writeLogFile(t, dir, "job-123.log.old", "x")

	path, err := Resolve(dir, "job-123.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job-123.log"), path)
}

func TestResolveFallsBackToSubstring(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "job-456-sandbox.log", "x")

	path, err := Resolve(dir, "456")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job-456-sandbox.log"), path)
}

func TestResolveNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "job-456.log", "x")

	_, err := Resolve(dir, "nope")
	require.Error(t, err)
}

func TestEntryModTimeIsSortableString(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, "a.log", "x")
	entries, err := List(dir, 0, "mtime")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = time.Parse("2006-01-02T15:04:05Z", entries[0].ModTime)
	assert.NoError(t, err)
}
