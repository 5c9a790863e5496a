package patchengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kandev/taskforge/internal/types"
)

// ApplyResult is the outcome of applying a Patch to a host workspace.
type ApplyResult struct {
	Success bool
	Stderr  string
}

// Apply writes the patch text to a temporary file and attempts application
// via git apply; on failure, retries with the generic patch utility at
// strip-level one. If backup is true, the target tree is copied aside first
// with a timestamp suffix.
func Apply(ctx context.Context, patch *types.Patch, targetWorkspace string, backup bool) (*ApplyResult, error) {
	if backup {
		if err := backupTree(targetWorkspace); err != nil {
			return nil, fmt.Errorf("failed to back up target workspace: %w", err)
		}
	}

	patchFile, err := os.CreateTemp("", "taskforge-patch-*.diff")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary patch file: %w", err)
	}
	defer os.Remove(patchFile.Name())

	if _, err := patchFile.WriteString(patch.DiffText); err != nil {
		_ = patchFile.Close()
		return nil, fmt.Errorf("failed to write patch file: %w", err)
	}
	if err := patchFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close patch file: %w", err)
	}

	gitApply := exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", patchFile.Name())
	gitApply.Dir = targetWorkspace
	if out, err := gitApply.CombinedOutput(); err == nil {
		return &ApplyResult{Success: true}, nil
	} else {
		gitStderr := string(out)

		patchCmd := exec.CommandContext(ctx, "patch", "-p1", "--input="+patchFile.Name())
		patchCmd.Dir = targetWorkspace
		if out, err := patchCmd.CombinedOutput(); err == nil {
			return &ApplyResult{Success: true}, nil
		} else {
			return &ApplyResult{Success: false, Stderr: gitStderr + "\n" + string(out)}, nil
		}
	}
}

func backupTree(workspace string) error {
	dest := workspace + ".bak-" + time.Now().UTC().Format("20060102-150405")
	return filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
