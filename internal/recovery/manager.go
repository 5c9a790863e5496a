// Package recovery implements a one-shot boot-time reconciliation pass
// between the persistence store and whatever sandbox containers and
// in-flight jobs actually exist on the host.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/types"
)

// staleContainerAge is the age past which a stopped, unrecorded container is
// removed. Running unrecorded containers are adopted whatever their age.
const staleContainerAge = time.Hour

// PruneAge is the age past which terminal-state jobs and patches are purged.
const PruneAge = 7 * 24 * time.Hour

// DockerLister is the subset of the Docker client the Recovery Manager needs.
type DockerLister interface {
	ListByLabel(ctx context.Context, labels map[string]string) ([]dockerutil.ContainerInfo, error)
	Inspect(ctx context.Context, id string) (*dockerutil.ContainerInfo, error)
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Manager runs the boot-time reconciliation pass.
type Manager struct {
	docker DockerLister
	store  persist.Store
	log    *logger.Logger
}

// New builds a Recovery Manager.
func New(docker DockerLister, store persist.Store, log *logger.Logger) *Manager {
	return &Manager{docker: docker, store: store, log: log}
}

// Result summarizes what the recovery pass did, for startup logging.
type Result struct {
	SandboxesAdopted  int
	SandboxesRemoved  int
	JobsMarkedFailed  int
	PrunedRows        int64
	PatchesRejected   int
}

// Run executes the full reconciliation pass exactly once. Every step is
// best-effort: individual failures are logged and swallowed so the engine
// still starts even if reconciliation is partially unsuccessful.
func (m *Manager) Run(ctx context.Context) Result {
	var result Result

	m.reconcileSandboxes(ctx, &result)
	m.reconcileJobs(ctx, &result)
	m.pruneStale(ctx, &result)

	m.log.Info("recovery pass complete",
		zap.Int("sandboxesAdopted", result.SandboxesAdopted),
		zap.Int("sandboxesRemoved", result.SandboxesRemoved),
		zap.Int("jobsMarkedFailed", result.JobsMarkedFailed),
		zap.Int64("prunedRows", result.PrunedRows),
		zap.Int("patchesRejected", result.PatchesRejected),
	)
	return result
}

// reconcileSandboxes lists every host container tagged with the engine's
// ownership label. For each: if it has no persisted record, adopt it (if
// running) or remove it (if exited and older than staleContainerAge). For
// each persisted record whose container is still running, refresh its
// last-used timestamp.
func (m *Manager) reconcileSandboxes(ctx context.Context, result *Result) {
	live, err := m.docker.ListByLabel(ctx, map[string]string{dockerutil.LabelOwner: dockerutil.LabelOwnerTrue})
	if err != nil {
		m.log.Warn("recovery: failed to list owned containers, skipping sandbox reconciliation", zap.Error(err))
		return
	}

	persisted, err := m.store.ListActiveSandboxRecords(ctx)
	if err != nil {
		m.log.Warn("recovery: failed to list persisted sandbox records", zap.Error(err))
		persisted = nil
	}
	byContainerID := make(map[string]*types.SandboxRecord, len(persisted))
	for _, rec := range persisted {
		byContainerID[rec.DockerContainerID] = rec
	}

	for _, ctr := range live {
		rec, known := byContainerID[ctr.ID]
		if !known {
			m.reconcileUnrecordedContainer(ctx, ctr, result)
			continue
		}
		if ctr.State == "running" {
			rec.LastUsedAt = time.Now().UTC()
			if err := m.store.SaveSandboxRecord(ctx, rec); err != nil {
				m.log.Warn("recovery: failed to refresh sandbox last-used timestamp", zap.String("sandbox", rec.ID), zap.Error(err))
			}
		}
	}
}

func (m *Manager) reconcileUnrecordedContainer(ctx context.Context, ctr dockerutil.ContainerInfo, result *Result) {
	if ctr.State == "running" {
		rec := &types.SandboxRecord{
			ID:                ctr.Name,
			Name:              ctr.Name,
			DockerContainerID: ctr.ID,
			PoolStatus:        types.PoolInUse,
			LifecycleStatus:   types.LifecycleRunning,
			CreatedAt:         ctr.StartedAt,
			LastUsedAt:        time.Now().UTC(),
		}
		if err := m.store.SaveSandboxRecord(ctx, rec); err != nil {
			m.log.Warn("recovery: failed to adopt orphaned running sandbox", zap.String("container", ctr.ID), zap.Error(err))
			return
		}
		result.SandboxesAdopted++
		m.log.Info("recovery: adopted orphaned running sandbox", zap.String("container", ctr.ID))
		return
	}

	finishedAt := ctr.FinishedAt
	if finishedAt.IsZero() {
		if info, err := m.docker.Inspect(ctx, ctr.ID); err == nil {
			finishedAt = info.FinishedAt
		}
	}
	if time.Since(finishedAt) < staleContainerAge {
		return
	}
	if err := m.docker.RemoveContainer(ctx, ctr.ID, true); err != nil {
		m.log.Warn("recovery: failed to remove stale unrecorded container", zap.String("container", ctr.ID), zap.Error(err))
		return
	}
	result.SandboxesRemoved++
	m.log.Info("recovery: removed stale exited sandbox", zap.String("container", ctr.ID))
}

// reconcileJobs marks every persisted job in a non-terminal state failed,
// with the fixed interruption message, when its sandbox no longer exists or
// is not running. A job whose sandbox is confirmed running is left alone —
// the engine does not attempt to reconnect to a still-running agent across
// a host restart (declared out of scope).
func (m *Manager) reconcileJobs(ctx context.Context, result *Result) {
	jobs, err := m.store.ListIncompleteJobs(ctx)
	if err != nil {
		m.log.Warn("recovery: failed to list incomplete jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if m.sandboxIsRunning(ctx, job.SandboxID) {
			continue
		}

		job.Status = types.JobFailed
		job.Error = "interrupted by restart"
		job.Progress = "interrupted by restart"
		now := time.Now().UTC()
		job.EndedAt = &now
		if err := m.store.SaveJob(ctx, job); err != nil {
			m.log.Warn("recovery: failed to mark interrupted job failed", zap.String("job", job.ID), zap.Error(err))
			continue
		}
		result.JobsMarkedFailed++
	}
}

func (m *Manager) sandboxIsRunning(ctx context.Context, sandboxID string) bool {
	if sandboxID == "" {
		return false
	}
	rec, err := m.store.GetSandboxRecord(ctx, sandboxID)
	if err != nil || rec == nil || rec.DockerContainerID == "" {
		return false
	}
	info, err := m.docker.Inspect(ctx, rec.DockerContainerID)
	if err != nil {
		return false
	}
	return info.State == "running"
}

// pruneStale removes persisted jobs and patches in terminal states older
// than PruneAge, and rejects any pending patch whose referenced sandbox has
// vanished.
func (m *Manager) pruneStale(ctx context.Context, result *Result) {
	n, err := m.store.PruneOlderThan(ctx, PruneAge)
	if err != nil {
		m.log.Warn("recovery: failed to prune stale rows", zap.Error(err))
	} else {
		result.PrunedRows = n
	}

	pending, err := m.store.ListPendingPatches(ctx)
	if err != nil {
		m.log.Warn("recovery: failed to list pending patches for vanished-sandbox sweep", zap.Error(err))
		return
	}
	for _, p := range pending {
		if m.sandboxIsRunning(ctx, p.SandboxID) {
			continue
		}
		if err := m.store.UpdatePatchStatus(ctx, p.ID, types.PatchRejected, ""); err != nil {
			m.log.Warn("recovery: failed to reject patch with vanished sandbox", zap.String("patch", p.ID), zap.Error(err))
			continue
		}
		result.PatchesRejected++
	}
}
