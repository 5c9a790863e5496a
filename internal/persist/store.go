// Package persist implements the engine's embedded relational store: the
// single cross-component source of truth for background jobs, patches,
// sandbox records, and execution log references, surviving process restart.
package persist

import (
	"context"
	"time"

	"github.com/kandev/taskforge/internal/types"
)

// Store is the persistence contract shared by every engine component that
// needs durable state. Implementations must be safe for concurrent use.
type Store interface {
	SaveJob(ctx context.Context, job *types.BackgroundJob) error
	GetJob(ctx context.Context, id string) (*types.BackgroundJob, error)
	ListIncompleteJobs(ctx context.Context) ([]*types.BackgroundJob, error)

	SavePatch(ctx context.Context, patch *types.Patch) error
	GetPatch(ctx context.Context, id string) (*types.Patch, error)
	ListPendingPatches(ctx context.Context) ([]*types.Patch, error)
	UpdatePatchStatus(ctx context.Context, id string, status types.PatchStatus, appliedTo string) error

	SaveSandboxRecord(ctx context.Context, rec *types.SandboxRecord) error
	GetSandboxRecord(ctx context.Context, id string) (*types.SandboxRecord, error)
	ListActiveSandboxRecords(ctx context.Context) ([]*types.SandboxRecord, error)

	SaveLogReference(ctx context.Context, ref *LogReference) error

	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)

	Close() error
}

// LogReference points at the on-disk per-execution log file for a job.
type LogReference struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	TaskID    string    `json:"taskId,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}
