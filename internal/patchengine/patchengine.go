// Package patchengine drives git inside an already-running sandbox to track
// a baseline commit and extract unified diffs against it, and applies
// extracted patches back onto host workspaces.
package patchengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/types"
)

// ErrGitCommandFailed wraps any non-zero exit from a git invocation.
var ErrGitCommandFailed = errors.New("git command failed")

const (
	committerName  = "Taskforge Agent"
	committerEmail = "agent@taskforge.local"
)

// Engine drives git plumbing inside sandbox containers via docker exec.
type Engine struct {
	docker *dockerutil.Client
	log    *logger.Logger
}

func New(docker *dockerutil.Client, log *logger.Logger) *Engine {
	return &Engine{docker: docker, log: log}
}

// InitializeTracking configures a committer identity, trusts /workspace,
// initializes a repository if absent, and creates a baseline commit
// (empty-allowed) so later diffs have a reference point. Safe to call once
// per sandbox; the baseline commit is created exactly once.
func (e *Engine) InitializeTracking(ctx context.Context, containerID string) error {
	steps := [][]string{
		{"git", "config", "--global", "user.email", committerEmail},
		{"git", "config", "--global", "user.name", committerName},
		{"git", "config", "--global", "--add", "safe.directory", "/workspace"},
	}
	for _, cmd := range steps {
		if _, err := e.git(ctx, containerID, cmd); err != nil {
			return fmt.Errorf("failed to configure git identity: %w", err)
		}
	}

	statusOut, err := e.git(ctx, containerID, []string{"git", "-C", "/workspace", "rev-parse", "--is-inside-work-tree"})
	if err != nil || strings.TrimSpace(statusOut) != "true" {
		if _, err := e.git(ctx, containerID, []string{"git", "-C", "/workspace", "init"}); err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
	}

	if _, err := e.git(ctx, containerID, []string{"git", "-C", "/workspace", "add", "-A"}); err != nil {
		return fmt.Errorf("failed to stage baseline tree: %w", err)
	}

	_, err = e.git(ctx, containerID, []string{
		"git", "-C", "/workspace", "commit", "--allow-empty", "-m", "taskforge baseline",
	})
	if err != nil && !strings.Contains(err.Error(), "nothing to commit") {
		return fmt.Errorf("failed to create baseline commit: %w", err)
	}
	return nil
}

// ExtractPatch refreshes the index, stages all changes, and computes a
// unified diff against the baseline commit (or an "all staged files added"
// diff if no baseline exists). A run with no staged changes returns a Patch
// with empty statistics and file list, never an error.
func (e *Engine) ExtractPatch(ctx context.Context, containerID string, meta PatchMeta, opts types.DiffOptions) (*types.Patch, error) {
	// Refresh ignoring permission-related failures (common for bind mounts).
	_, _ = e.git(ctx, containerID, []string{"git", "-C", "/workspace", "update-index", "-q", "--refresh"})

	if _, err := e.git(ctx, containerID, []string{"git", "-C", "/workspace", "add", "-A"}); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}

	hasBaseline := true
	if _, err := e.git(ctx, containerID, []string{"git", "-C", "/workspace", "rev-parse", "--verify", "HEAD"}); err != nil {
		hasBaseline = false
	}

	diffArgs := []string{"git", "-C", "/workspace", "diff", "--staged"}
	if opts.ContextLines > 0 {
		diffArgs = append(diffArgs, fmt.Sprintf("-U%d", opts.ContextLines))
	}
	if opts.IgnoreWhitespace {
		diffArgs = append(diffArgs, "-w")
	}
	if !opts.IncludeBinary {
		diffArgs = append(diffArgs, "--text")
	}

	var diffText string
	var err error
	if hasBaseline {
		diffText, err = e.git(ctx, containerID, append(diffArgs, "HEAD"))
	} else {
		diffText, err = e.git(ctx, containerID, diffArgs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff: %w", err)
	}

	nameStatusArgs := []string{"git", "-C", "/workspace", "diff", "--staged", "--name-status"}
	if hasBaseline {
		nameStatusArgs = append(nameStatusArgs, "HEAD")
	}
	nameStatus, err := e.git(ctx, containerID, nameStatusArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to compute file status: %w", err)
	}

	files := parseNameStatus(nameStatus)
	stats := computeStats(files, diffText)

	var binaryPaths []string
	if opts.IncludeBinary {
		binaryPaths = collectBinaryPaths(files)
	}

	return &types.Patch{
		ID:          uuid.New().String(),
		SandboxID:   meta.SandboxID,
		DiffText:    diffText,
		Summary:     summarize(files),
		Files:       files,
		Stats:       stats,
		CreatedAt:   time.Now().UTC(),
		BinaryPaths: binaryPaths,
		Workspace:   meta.Workspace,
		SessionID:   meta.SessionID,
		TaskID:      meta.TaskID,
		Status:      types.PatchPending,
	}, nil
}

// PatchMeta annotates an extracted patch with its originating context.
type PatchMeta struct {
	SandboxID string
	Workspace string
	TaskID    string
	SessionID string
}

func (e *Engine) git(ctx context.Context, containerID string, cmd []string) (string, error) {
	res, err := e.docker.Exec(ctx, containerID, cmd, "/")
	if err != nil {
		return "", engineerr.Wrap(engineerr.InternalError, "failed to exec git in sandbox", err)
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
