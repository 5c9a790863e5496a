package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/types"
)

// fakeDocker is a scripted container daemon for recovery tests.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]dockerutil.ContainerInfo
	removed    []string
}

func newFakeDocker(containers ...dockerutil.ContainerInfo) *fakeDocker {
	f := &fakeDocker{containers: make(map[string]dockerutil.ContainerInfo)}
	for _, c := range containers {
		f.containers[c.ID] = c
	}
	return f
}

func (f *fakeDocker) ListByLabel(_ context.Context, _ map[string]string) ([]dockerutil.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dockerutil.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeDocker) Inspect(_ context.Context, id string) (*dockerutil.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return &c, nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func newTestStore(t *testing.T) persist.Store {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "recovery.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunAdoptsOrphanedRunningSandbox(t *testing.T) {
	store := newTestStore(t)
	docker := newFakeDocker(dockerutil.ContainerInfo{
		ID:        "ctr-orphan",
		Name:      "taskforge-sandbox-orphan",
		State:     "running",
		StartedAt: time.Now().Add(-10 * time.Minute),
	})

	result := New(docker, store, logger.Default()).Run(context.Background())

	assert.Equal(t, 1, result.SandboxesAdopted)
	records, err := store.ListActiveSandboxRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ctr-orphan", records[0].DockerContainerID)
}

func TestRunRemovesStaleExitedContainer(t *testing.T) {
	store := newTestStore(t)
	docker := newFakeDocker(
		dockerutil.ContainerInfo{
			ID:         "ctr-stale",
			State:      "exited",
			FinishedAt: time.Now().Add(-2 * time.Hour),
		},
		dockerutil.ContainerInfo{
			ID:         "ctr-fresh",
			State:      "exited",
			FinishedAt: time.Now().Add(-5 * time.Minute),
		},
	)

	result := New(docker, store, logger.Default()).Run(context.Background())

	assert.Equal(t, 1, result.SandboxesRemoved)
	assert.Equal(t, []string{"ctr-stale"}, docker.removed)
}

func TestRunMarksInterruptedJobsFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A job whose sandbox record points at a container that no longer exists.
	require.NoError(t, store.SaveSandboxRecord(ctx, &types.SandboxRecord{
		ID:                "sb-gone",
		DockerContainerID: "ctr-gone",
		PoolStatus:        types.PoolInUse,
		LifecycleStatus:   types.LifecycleRunning,
		CreatedAt:         time.Now().UTC(),
		LastUsedAt:        time.Now().UTC(),
	}))
	require.NoError(t, store.SaveJob(ctx, &types.BackgroundJob{
		ID:        "job-interrupted",
		Status:    types.JobRunning,
		SandboxID: "sb-gone",
		StartedAt: time.Now().UTC(),
	}))

	// A job whose sandbox is still running is left alone.
	require.NoError(t, store.SaveSandboxRecord(ctx, &types.SandboxRecord{
		ID:                "sb-live",
		DockerContainerID: "ctr-live",
		PoolStatus:        types.PoolInUse,
		LifecycleStatus:   types.LifecycleRunning,
		CreatedAt:         time.Now().UTC(),
		LastUsedAt:        time.Now().UTC(),
	}))
	require.NoError(t, store.SaveJob(ctx, &types.BackgroundJob{
		ID:        "job-live",
		Status:    types.JobRunning,
		SandboxID: "sb-live",
		StartedAt: time.Now().UTC(),
	}))

	docker := newFakeDocker(dockerutil.ContainerInfo{ID: "ctr-live", State: "running"})
	result := New(docker, store, logger.Default()).Run(ctx)

	assert.Equal(t, 1, result.JobsMarkedFailed)

	interrupted, err := store.GetJob(ctx, "job-interrupted")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, interrupted.Status)
	assert.Equal(t, "interrupted by restart", interrupted.Error)
	require.NotNil(t, interrupted.EndedAt)

	live, err := store.GetJob(ctx, "job-live")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, live.Status)
}

func TestRunRejectsPendingPatchWithVanishedSandbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePatch(ctx, &types.Patch{
		ID:        "patch-orphan",
		SandboxID: "sb-vanished",
		Status:    types.PatchPending,
		CreatedAt: time.Now().UTC(),
		Workspace: "/w",
	}))

	result := New(newFakeDocker(), store, logger.Default()).Run(ctx)

	assert.Equal(t, 1, result.PatchesRejected)
	patch, err := store.GetPatch(ctx, "patch-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.PatchRejected, patch.Status)
}
