package patchengine

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kandev/taskforge/internal/types"
)

// parseNameStatus parses `git diff --name-status` output, including rename
// lines of the form "R<similarity>\told\tnew".
func parseNameStatus(out string) []types.FileChange {
	var files []types.FileChange
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		code := parts[0]

		switch {
		case strings.HasPrefix(code, "R"):
			if len(parts) < 3 {
				continue
			}
			files = append(files, types.FileChange{Path: parts[2], OldPath: parts[1], Status: types.FileRenamed})
		case strings.HasPrefix(code, "A"):
			files = append(files, types.FileChange{Path: parts[1], Status: types.FileAdded})
		case strings.HasPrefix(code, "D"):
			files = append(files, types.FileChange{Path: parts[1], Status: types.FileDeleted})
		default:
			files = append(files, types.FileChange{Path: parts[1], Status: types.FileModified})
		}
	}
	return files
}

// computeStats derives per-file and aggregate add/delete counts by counting
// the unified diff's added and removed lines under each file header.
func computeStats(files []types.FileChange, diffText string) types.PatchStats {
	additions := map[string]int{}
	deletions := map[string]int{}

	var currentFile string
	scanner := bufio.NewScanner(strings.NewReader(diffText))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "--- a/"):
			currentFile = strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "+++ b/"):
			currentFile = strings.TrimPrefix(line, "+++ b/")
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			additions[currentFile]++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deletions[currentFile]++
		}
	}

	stats := types.PatchStats{FilesChanged: len(files)}
	for i := range files {
		files[i].Additions = additions[files[i].Path]
		files[i].Deletions = deletions[files[i].Path]
		stats.Additions += files[i].Additions
		stats.Deletions += files[i].Deletions
	}
	return stats
}

func summarize(files []types.FileChange) string {
	if len(files) == 0 {
		return "no changes"
	}
	var added, modified, deleted, renamed int
	for _, f := range files {
		switch f.Status {
		case types.FileAdded:
			added++
		case types.FileModified:
			modified++
		case types.FileDeleted:
			deleted++
		case types.FileRenamed:
			renamed++
		}
	}
	var parts []string
	if added > 0 {
		parts = append(parts, fmt.Sprintf("%d added", added))
	}
	if modified > 0 {
		parts = append(parts, fmt.Sprintf("%d modified", modified))
	}
	if deleted > 0 {
		parts = append(parts, fmt.Sprintf("%d deleted", deleted))
	}
	if renamed > 0 {
		parts = append(parts, fmt.Sprintf("%d renamed", renamed))
	}
	return strings.Join(parts, ", ")
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".woff": true, ".woff2": true,
	".ttf": true, ".exe": true, ".bin": true, ".so": true, ".dylib": true,
}

func collectBinaryPaths(files []types.FileChange) []string {
	var paths []string
	for _, f := range files {
		if binaryExtensions[strings.ToLower(filepath.Ext(f.Path))] {
			paths = append(paths, f.Path)
		}
	}
	return paths
}
