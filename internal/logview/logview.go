// Package logview reads the per-execution log files the Agent Execution
// Manager writes under <engine-root>/logs, backing the view_container_logs
// and list_container_logs tools.
package logview

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry describes one available log file.
type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	ModTime string `json:"modTime"`
}

// List enumerates log files under dir, sorted by name/size/mtime (default
// mtime, descending), capped at limit (0 means unlimited).
func List(dir string, limit int, sortBy string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:      f.Name(),
			Path:      filepath.Join(dir, f.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	switch sortBy {
	case "name":
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	case "size":
		sort.Slice(entries, func(i, j int) bool { return entries[i].SizeBytes > entries[j].SizeBytes })
	default: // "mtime" or unset
		sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime > entries[j].ModTime })
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Tail returns the last n lines of the log file at path, optionally keeping
// only lines containing filter (case-sensitive substring match). n <= 0
// returns every matching line.
func Tail(path string, n int, filter string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Resolve finds the log file matching identifier, which may be a bare
// filename, a sandbox short-id, or a task identifier: the lookup matches
// any log file whose name contains identifier as a substring, preferring
// an exact filename match.
func Resolve(dir, identifier string) (string, error) {
	entries, err := List(dir, 0, "mtime")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == identifier {
			return e.Path, nil
		}
	}
	for _, e := range entries {
		if strings.Contains(e.Name, identifier) {
			return e.Path, nil
		}
	}
	return "", fmt.Errorf("no log file matching %q", identifier)
}
