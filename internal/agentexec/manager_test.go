package agentexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/patchengine"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/pool"
	"github.com/kandev/taskforge/internal/streaming"
	"github.com/kandev/taskforge/internal/types"
)

// memStore is an in-memory persist.Store for tests.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*types.BackgroundJob
	patches map[string]*types.Patch
	boxes   map[string]*types.SandboxRecord
	logs    map[string]*persist.LogReference
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*types.BackgroundJob),
		patches: make(map[string]*types.Patch),
		boxes:   make(map[string]*types.SandboxRecord),
		logs:    make(map[string]*persist.LogReference),
	}
}

func (s *memStore) SaveJob(_ context.Context, job *types.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*types.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("no such job: %s", id)
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) ListIncompleteJobs(_ context.Context) ([]*types.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundJob
	for _, j := range s.jobs {
		if !j.IsTerminal() {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) SavePatch(_ context.Context, patch *types.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *patch
	s.patches[patch.ID] = &copied
	return nil
}

func (s *memStore) GetPatch(_ context.Context, id string) (*types.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patches[id]
	if !ok {
		return nil, fmt.Errorf("no such patch: %s", id)
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) ListPendingPatches(_ context.Context) ([]*types.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Patch
	for _, p := range s.patches {
		if p.Status == types.PatchPending {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) UpdatePatchStatus(_ context.Context, id string, status types.PatchStatus, appliedTo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patches[id]
	if !ok {
		return fmt.Errorf("no such patch: %s", id)
	}
	p.Status = status
	p.AppliedTo = appliedTo
	return nil
}

func (s *memStore) SaveSandboxRecord(_ context.Context, rec *types.SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.boxes[rec.ID] = &copied
	return nil
}

func (s *memStore) GetSandboxRecord(_ context.Context, id string) (*types.SandboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.boxes[id]
	if !ok {
		return nil, fmt.Errorf("no such sandbox record: %s", id)
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) ListActiveSandboxRecords(_ context.Context) ([]*types.SandboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SandboxRecord
	for _, rec := range s.boxes {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) SaveLogReference(_ context.Context, ref *persist.LogReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[ref.ID] = ref
	return nil
}

func (s *memStore) PruneOlderThan(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *memStore) Close() error { return nil }

// fakePool hands out sandboxes with fresh IDs and records releases.
type fakePool struct {
	mu       sync.Mutex
	acquired []*pool.Sandbox
	released []string
}

func (f *fakePool) AcquireForExtraction(_ context.Context, workspacePath string, opts pool.AcquireOptions) (*pool.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New().String()
	sb := &pool.Sandbox{Record: &types.SandboxRecord{
		ID:                id,
		Name:              "test-sandbox-" + id,
		DockerContainerID: "ctr-" + id,
		PoolStatus:        types.PoolInUse,
		LifecycleStatus:   types.LifecycleRunning,
		WorkspacePath:     workspacePath,
		TaskID:            opts.TaskID,
		CreatedAt:         time.Now().UTC(),
		LastUsedAt:        time.Now().UTC(),
	}}
	f.acquired = append(f.acquired, sb)
	return sb, nil
}

func (f *fakePool) Release(_ context.Context, sb *pool.Sandbox, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sb.Record.ID)
	return nil
}

// fakeExtractor returns the next scripted patch per ExtractPatch call,
// stamped with the meta the manager passed in.
type fakeExtractor struct {
	mu      sync.Mutex
	patches []*types.Patch
	initIDs []string
}

func (f *fakeExtractor) InitializeTracking(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initIDs = append(f.initIDs, containerID)
	return nil
}

func (f *fakeExtractor) queuePatch(p *types.Patch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
}

func (f *fakeExtractor) ExtractPatch(_ context.Context, _ string, meta patchengine.PatchMeta, _ types.DiffOptions) (*types.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p types.Patch
	if len(f.patches) > 0 {
		p = *f.patches[0]
		f.patches = f.patches[1:]
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.SandboxID = meta.SandboxID
	p.Workspace = meta.Workspace
	p.TaskID = meta.TaskID
	p.SessionID = meta.SessionID
	p.Status = types.PatchPending
	p.CreatedAt = time.Now().UTC()
	return &p, nil
}

// fakeDocker streams one scripted agent output per StreamExec call and
// records container stop/remove requests.
type fakeDocker struct {
	mu      sync.Mutex
	outputs []string
	stopped []string
	removed []string
}

func (f *fakeDocker) queueOutput(out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, out)
}

func (f *fakeDocker) StreamExec(_ context.Context, _ string, _ []string, _ string, onLine func(stream, line string)) (*dockerutil.ExecResult, error) {
	f.mu.Lock()
	var out string
	if len(f.outputs) > 0 {
		out = f.outputs[0]
		f.outputs = f.outputs[1:]
	}
	f.mu.Unlock()
	for _, line := range strings.Split(out, "\n") {
		onLine("stdout", line)
	}
	return &dockerutil.ExecResult{ExitCode: 0, Stdout: out}, nil
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fixture struct {
	manager   *Manager
	store     *memStore
	pool      *fakePool
	extractor *fakeExtractor
	docker    *fakeDocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	p := &fakePool{}
	ex := &fakeExtractor{}
	dk := &fakeDocker{}
	hub := streaming.NewHub(logger.Default())
	cfg := DefaultConfig(t.TempDir())
	m := New(p, ex, dk, store, hub, logger.Default(), cfg)
	t.Cleanup(m.Close)
	return &fixture{manager: m, store: store, pool: p, extractor: ex, docker: dk}
}

func onePatchFile() *types.Patch {
	return &types.Patch{
		DiffText: "diff --git a/README.md b/README.md\n",
		Summary:  "1 file changed",
		Files:    []types.FileChange{{Path: "README.md", Status: types.FileAdded, Additions: 3}},
		Stats:    types.PatchStats{FilesChanged: 1, Additions: 3},
	}
}

func TestIsQuestion(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"plain question", "Which database should I use?", true},
		{"no question mark", "Done. Created the README.", false},
		{"empty output", "   \n", false},
		{"question inside code fence", "Should this work?\n```go\nfunc main() {}\n```", false},
		{"long output with question mark", strings.Repeat("x", 500) + "?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isQuestion(tt.output))
		})
	}
}

func TestRunProducesPendingPatch(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created README.md with project overview."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a README",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, res.Status)
	require.NotEmpty(t, res.PatchID)
	assert.Contains(t, res.Result, "Next Steps")
	assert.Contains(t, res.Result, "1 files changed")

	stored, err := fx.store.GetPatch(context.Background(), res.PatchID)
	require.NoError(t, err)
	assert.Equal(t, types.PatchPending, stored.Status)
	assert.NotEmpty(t, stored.SessionID)

	// The sandbox stays pinned to the session until the patch is resolved.
	assert.Zero(t, fx.docker.removedCount())

	job, err := fx.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, res.PatchID, job.PatchID)
}

func TestRunWithNoChangesReleasesSandbox(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Nothing needed doing. The file already exists as requested and matches the description exactly, so no edits were made during this run at all."}
	fx.extractor.patches = []*types.Patch{{}}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "noop",
		Workspace:  "/w",
		ReturnMode: types.ReturnSummary,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, res.Status)
	assert.Empty(t, res.PatchID)

	// No pending patch means the sandbox is stopped and removed immediately.
	require.Eventually(t, func() bool { return fx.docker.removedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunSummaryModeTruncates(t *testing.T) {
	fx := newFixture(t)
	long := strings.Repeat("All work and no play makes the agent a dull subprocess. ", 20)
	fx.docker.outputs = []string{long}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "long run",
		Workspace:  "/w",
		ReturnMode: types.ReturnSummary,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Result), 500)
}

func TestRunEntersQuestionMode(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Which language should I use?"}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "write a fizzbuzz",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobNeedsInput, res.Status)
	assert.Equal(t, "Which language should I use?", res.PendingQuestion)
	require.NotEmpty(t, res.SessionID)

	job, err := fx.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobNeedsInput, job.Status)
	assert.NotEmpty(t, job.PendingQuestion)

	// The sandbox stays alive awaiting the answer.
	assert.Zero(t, fx.docker.removedCount())
}

func TestAnswerQuestionResumesAndCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Which language should I use?", "Wrote fizzbuzz in Go."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "write a fizzbuzz",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobNeedsInput, res.Status)

	resumed, err := fx.manager.AnswerQuestion(context.Background(), res.JobID, "Go")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, resumed.Status)

	require.Eventually(t, func() bool {
		job, err := fx.store.GetJob(context.Background(), res.JobID)
		return err == nil && job.Status == types.JobCompleted && job.PatchID != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnswerQuestionRequiresNeedsInput(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, res.Status)

	_, err = fx.manager.AnswerQuestion(context.Background(), res.JobID, "anything")
	require.Error(t, err)
	assert.Equal(t, engineerr.PreconditionFailed, engineerr.KindOf(err))
}

func TestAnswerQuestionUnknownJob(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.manager.AnswerQuestion(context.Background(), "no-such-job", "answer")
	require.Error(t, err)
	assert.Equal(t, engineerr.NotFound, engineerr.KindOf(err))
}

func TestRequestRevisionTagsLineage(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Wrote the parser.", "Reworked the parser with tabs."}
	fx.extractor.patches = []*types.Patch{onePatchFile(), onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "write a parser",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, res.Status)
	parentID := res.PatchID

	rev, err := fx.manager.RequestRevision(context.Background(), RevisionOptions{
		PatchID:  parentID,
		Feedback: "use tabs",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rev.JobID)

	require.Eventually(t, func() bool {
		job, err := fx.store.GetJob(context.Background(), rev.JobID)
		return err == nil && job.Status == types.JobCompleted && job.PatchID != ""
	}, 2*time.Second, 10*time.Millisecond)

	job, err := fx.store.GetJob(context.Background(), rev.JobID)
	require.NoError(t, err)

	child, err := fx.store.GetPatch(context.Background(), job.PatchID)
	require.NoError(t, err)
	assert.True(t, child.IsRevision)
	assert.Equal(t, parentID, child.ParentDiffID)
	assert.Equal(t, 1, child.RevisionNumber)

	parent, err := fx.store.GetPatch(context.Background(), parentID)
	require.NoError(t, err)
	require.Len(t, parent.RevisionHistory, 1)
	assert.Equal(t, child.ID, parent.RevisionHistory[0].SuccessorPatch)
	assert.Equal(t, "use tabs", parent.RevisionHistory[0].Feedback)
}

func TestRequestRevisionBoundedAcrossChain(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Wrote the parser."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "write a parser",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, res.Status)
	current := res.PatchID

	// Revise the newest patch each round, the way a reviewer naturally
	// iterates; the cumulative session count must still enforce the cap.
	for i := 1; i <= fx.manager.cfg.MaxRevisions; i++ {
		fx.docker.queueOutput(fmt.Sprintf("Reworked the parser, round %d.", i))
		fx.extractor.queuePatch(onePatchFile())

		rev, err := fx.manager.RequestRevision(context.Background(), RevisionOptions{
			PatchID:  current,
			Feedback: fmt.Sprintf("feedback round %d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, i, rev.RevisionNumber)

		prev := current
		require.Eventually(t, func() bool {
			job, err := fx.store.GetJob(context.Background(), rev.JobID)
			return err == nil && job.Status == types.JobCompleted && job.PatchID != "" && job.PatchID != prev
		}, 2*time.Second, 10*time.Millisecond)

		job, err := fx.store.GetJob(context.Background(), rev.JobID)
		require.NoError(t, err)
		child, err := fx.store.GetPatch(context.Background(), job.PatchID)
		require.NoError(t, err)
		assert.Equal(t, prev, child.ParentDiffID)
		assert.Equal(t, i, child.RevisionNumber)
		current = job.PatchID
	}

	_, err = fx.manager.RequestRevision(context.Background(), RevisionOptions{
		PatchID:  current,
		Feedback: "one more round",
	})
	require.Error(t, err)
	assert.Equal(t, engineerr.PreconditionFailed, engineerr.KindOf(err))

	session, ok := fx.manager.sessionByID(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, fx.manager.cfg.MaxRevisions, session.RevisionCount)
}

func TestRejectPatchTerminatesSessionAndSandbox(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)

	require.NoError(t, fx.manager.RejectPatch(context.Background(), res.PatchID, "not wanted"))

	stored, err := fx.store.GetPatch(context.Background(), res.PatchID)
	require.NoError(t, err)
	assert.Equal(t, types.PatchRejected, stored.Status)

	pending, err := fx.store.ListPendingPatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Rejecting tears down the pinned sandbox.
	require.Eventually(t, func() bool { return fx.docker.removedCount() == 1 }, time.Second, 10*time.Millisecond)

	// A second reject of the same patch is a conflict, not idempotent success.
	err = fx.manager.RejectPatch(context.Background(), res.PatchID, "again")
	require.Error(t, err)
	assert.Equal(t, engineerr.Conflict, engineerr.KindOf(err))
}

func TestReviewChangesListsAndFormatsPending(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)

	listed, err := fx.manager.ReviewChanges(context.Background(), "")
	require.NoError(t, err)
	patches, ok := listed.([]*types.Patch)
	require.True(t, ok)
	require.Len(t, patches, 1)
	assert.Equal(t, res.PatchID, patches[0].ID)

	single, err := fx.manager.ReviewChanges(context.Background(), res.PatchID)
	require.NoError(t, err)
	patch, ok := single.(*types.Patch)
	require.True(t, ok)
	assert.Equal(t, types.PatchPending, patch.Status)
}

func TestReviewChangesRejectedPatchIsNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)

	require.NoError(t, fx.manager.RejectPatch(context.Background(), res.PatchID, "not wanted"))

	_, err = fx.manager.ReviewChanges(context.Background(), res.PatchID)
	require.Error(t, err)
	assert.Equal(t, engineerr.NotFound, engineerr.KindOf(err))
}

func TestApplyPatchNotPendingIsConflict(t *testing.T) {
	fx := newFixture(t)
	patch := onePatchFile()
	patch.ID = uuid.New().String()
	patch.Status = types.PatchApplied
	require.NoError(t, fx.store.SavePatch(context.Background(), patch))

	_, err := fx.manager.ApplyPatch(context.Background(), patch.ID, "/w")
	require.Error(t, err)
	assert.Equal(t, engineerr.Conflict, engineerr.KindOf(err))
}

func TestRunBackgroundReturnsImmediately(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	jobID, err := fx.manager.RunBackground(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		job, err := fx.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == types.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepIdleSessionsTerminatesStale(t *testing.T) {
	fx := newFixture(t)
	fx.docker.outputs = []string{"Created the file."}
	fx.extractor.patches = []*types.Patch{onePatchFile()}

	res, err := fx.manager.Run(context.Background(), RunOptions{
		Prompt:     "create a file",
		Workspace:  "/w",
		ReturnMode: types.ReturnFull,
	})
	require.NoError(t, err)

	stored, err := fx.store.GetPatch(context.Background(), res.PatchID)
	require.NoError(t, err)

	// Age the session past the idle timeout, then sweep.
	fx.manager.mu.Lock()
	fx.manager.sessions[stored.SessionID].LastActivity = time.Now().Add(-2 * fx.manager.cfg.IdleSessionTimeout)
	fx.manager.mu.Unlock()

	fx.manager.sweepIdleSessions(context.Background())

	session, ok := fx.manager.sessionByID(stored.SessionID)
	require.True(t, ok)
	assert.Equal(t, types.SessionTerminated, session.Status)
	require.Eventually(t, func() bool { return fx.docker.removedCount() == 1 }, time.Second, 10*time.Millisecond)
}
