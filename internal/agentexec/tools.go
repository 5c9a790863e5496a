package agentexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/patchengine"
	"github.com/kandev/taskforge/internal/types"
)

// GetJob returns a Background Job's current persisted state.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*types.BackgroundJob, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("job not found: %s", jobID), err)
	}
	return job, nil
}

// AnswerQuestion resumes a job parked in needs_input: it verifies the job's
// state, locates its Conversation Session, transitions the job back to
// running, and re-invokes the agent inside the same sandbox on a detached
// goroutine with a follow-up prompt. The result is either another
// needs_input state (loop) or a final patch extraction and terminal state.
func (m *Manager) AnswerQuestion(ctx context.Context, jobID, answer string) (*RunResult, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("job not found: %s", jobID), err)
	}
	if job.Status != types.JobNeedsInput {
		return nil, engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("job %s is not awaiting input", jobID))
	}

	session, ok := m.sessionByID(job.SessionID)
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("conversation session not found: %s", job.SessionID))
	}
	sb, ok := m.sandboxByID(session.SandboxID)
	if !ok {
		m.fail(ctx, job, engineerr.New(engineerr.Unavailable, "session sandbox is no longer available"))
		return nil, engineerr.New(engineerr.Unavailable, "session sandbox is no longer available")
	}

	question := job.PendingQuestion
	followup := fmt.Sprintf("Previous question: %s. Answer: %s. Now please proceed with the original task.", question, answer)
	m.touchSession(session.ID, followup)

	job.PendingQuestion = ""
	m.transition(ctx, job, types.JobRunning, "resuming after answer")

	opts := RunOptions{
		Prompt:     session.OriginalPrompt,
		Workspace:  session.Workspace,
		TaskID:     session.TaskID,
		ReturnMode: types.ReturnFull,
	}

	go func() {
		m.runRound(context.Background(), job, opts, sb, followup, session.ID)
	}()

	return &RunResult{JobID: job.ID, Status: job.Status, SessionID: session.ID}, nil
}

// RevisionOptions describes a request_revision invocation.
type RevisionOptions struct {
	PatchID             string
	Feedback            string
	PreserveCorrectParts bool
	ExtraContext        string
}

// RequestRevision iterates on a previously-extracted patch: it locates the
// patch and its (still-live) Conversation Session, composes a revision
// prompt restating the original task, the feedback, any extra context, and
// the list of currently modified files, then starts a new background job
// against the existing sandbox. The resulting patch is tagged as a revision
// of the original and appended to its revision history. Bounded at
// cfg.MaxRevisions cumulatively across the whole lineage: the count lives on
// the Conversation Session shared by every patch in the chain, so revising
// the newest patch each round does not reset it.
func (m *Manager) RequestRevision(ctx context.Context, opts RevisionOptions) (*RunResult, error) {
	patch, ok := m.pendingPatchByID(opts.PatchID)
	if !ok {
		stored, err := m.store.GetPatch(ctx, opts.PatchID)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("patch not found: %s", opts.PatchID), err)
		}
		patch = stored
	}
	if patch.Status != types.PatchPending {
		return nil, engineerr.New(engineerr.Conflict, fmt.Sprintf("patch %s is not pending", opts.PatchID))
	}

	if patch.SessionID == "" {
		return nil, engineerr.New(engineerr.PreconditionFailed, "revision requires the patch's originating session")
	}
	session, ok := m.sessionByID(patch.SessionID)
	if !ok {
		return nil, engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("session %s is no longer live; revisions require a live sandbox", patch.SessionID))
	}
	sb, ok := m.sandboxByID(session.SandboxID)
	if !ok {
		return nil, engineerr.New(engineerr.Unavailable, "revision sandbox is no longer available")
	}

	revisionNumber := m.reserveSessionRevision(session.ID, m.cfg.MaxRevisions)
	if revisionNumber == 0 {
		return nil, engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("session %s has reached the maximum of %d revisions", session.ID, m.cfg.MaxRevisions))
	}

	prompt := buildRevisionPrompt(session.OriginalPrompt, opts, patch)
	m.touchSession(session.ID, prompt)

	jobID := uuid.New().String()
	job := &types.BackgroundJob{
		ID:        jobID,
		Prompt:    prompt,
		Workspace: session.Workspace,
		TaskID:    session.TaskID,
		Status:    types.JobStarted,
		StartedAt: time.Now().UTC(),
		SessionID: session.ID,
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to register revision job: %w", err)
	}

	runOpts := RunOptions{
		Prompt:           session.OriginalPrompt,
		Workspace:        session.Workspace,
		TaskID:           session.TaskID,
		ReturnMode:       types.ReturnFull,
		RevisionOf:       opts.PatchID,
		RevisionFeedback: opts.Feedback,
		RevisionNumber:   revisionNumber,
	}

	go func() {
		m.runRound(context.Background(), job, runOpts, sb, prompt, session.ID)
	}()

	return &RunResult{JobID: jobID, Status: types.JobRunning, SessionID: session.ID, RevisionNumber: revisionNumber}, nil
}

func buildRevisionPrompt(originalPrompt string, opts RevisionOptions, patch *types.Patch) string {
	var b strings.Builder
	b.WriteString("You previously worked on this task:\n")
	b.WriteString(originalPrompt)
	b.WriteString("\n\nThe reviewer provided this feedback on your changes:\n")
	b.WriteString(opts.Feedback)
	if opts.PreserveCorrectParts {
		b.WriteString("\n\nPreserve any parts of your previous change that the feedback does not call out as wrong.")
	}
	if opts.ExtraContext != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(opts.ExtraContext)
	}
	if len(patch.Files) > 0 {
		b.WriteString("\n\nFiles you previously modified:\n")
		for _, f := range patch.Files {
			fmt.Fprintf(&b, "- %s (%s)\n", f.Path, f.Status)
		}
	}
	return b.String()
}

// ApplyPatch applies a pending patch to targetWorkspace via the Patch
// Engine and records the outcome in the Persistence Store. Applying an
// already-applied-or-rejected patch is a Conflict, by design not idempotent.
func (m *Manager) ApplyPatch(ctx context.Context, diffID, targetWorkspace string) (*patchengine.ApplyResult, error) {
	patch, err := m.store.GetPatch(ctx, diffID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("patch not found: %s", diffID), err)
	}
	if patch.Status != types.PatchPending {
		return nil, engineerr.New(engineerr.Conflict, fmt.Sprintf("patch %s is not pending (status=%s)", diffID, patch.Status))
	}

	result, err := patchengine.Apply(ctx, patch, targetWorkspace, false)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.InternalError, "failed to apply patch", err)
	}

	// A stderr line beginning with "warning:" is treated as success.
	if !result.Success && strings.HasPrefix(strings.ToLower(strings.TrimSpace(result.Stderr)), "warning:") {
		result.Success = true
	}

	if !result.Success {
		return result, engineerr.New(engineerr.InternalError, "patch application failed: "+result.Stderr)
	}

	if err := m.store.UpdatePatchStatus(ctx, diffID, types.PatchApplied, targetWorkspace); err != nil {
		m.log.Warn("failed to persist applied patch status", zap.String("patch", diffID), zap.Error(err))
	}
	m.removePendingPatch(diffID)
	if patch.SessionID != "" {
		m.terminateSession(ctx, patch.SessionID)
	}
	return result, nil
}

// RejectPatch marks a pending patch rejected and terminates any session
// referring to it, best-effort stopping and removing its sandbox.
func (m *Manager) RejectPatch(ctx context.Context, diffID, reason string) error {
	patch, err := m.store.GetPatch(ctx, diffID)
	if err != nil {
		return engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("patch not found: %s", diffID), err)
	}
	if patch.Status != types.PatchPending {
		return engineerr.New(engineerr.Conflict, fmt.Sprintf("patch %s is not pending (status=%s)", diffID, patch.Status))
	}

	if err := m.store.UpdatePatchStatus(ctx, diffID, types.PatchRejected, ""); err != nil {
		return fmt.Errorf("failed to mark patch rejected: %w", err)
	}
	m.removePendingPatch(diffID)
	m.log.Info("patch rejected", zap.String("patch", diffID), zap.String("reason", reason))

	if patch.SessionID != "" {
		m.terminateSession(ctx, patch.SessionID)
	}
	return nil
}

// terminateSession closes a Conversation Session and, best-effort, stops and
// removes its pinned sandbox. Stop/remove failures are swallowed with a
// debug log; the sandbox is garbage-collected by the next Recovery pass.
func (m *Manager) terminateSession(ctx context.Context, sessionID string) {
	session, ok := m.sessionByID(sessionID)
	if !ok {
		return
	}
	m.closeSession(sessionID, types.SessionTerminated)

	sb, ok := m.sandboxByID(session.SandboxID)
	if !ok {
		return
	}
	m.cleanupSandbox(ctx, sb, false)
}

// ReviewChanges lists every pending patch, or returns a single patch by
// identifier when diffID is non-empty. Only pending patches are reviewable:
// an applied or rejected patch is gone from the review surface, so looking
// it up by identifier reports NotFound rather than resurrecting it.
func (m *Manager) ReviewChanges(ctx context.Context, diffID string) (interface{}, error) {
	if diffID == "" {
		patches, err := m.store.ListPendingPatches(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending patches: %w", err)
		}
		return patches, nil
	}
	patch, err := m.store.GetPatch(ctx, diffID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("patch not found: %s", diffID), err)
	}
	if patch.Status != types.PatchPending {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("patch not found: %s", diffID))
	}
	return patch, nil
}

// StartSweeper begins the periodic idle-session and completed-job cleanup
// loop, running until the manager's Close is called. Idempotent: a second
// call is a no-op.
func (m *Manager) StartSweeper(ctx context.Context) {
	m.sweepOnce.Do(func() {
		go m.sweepLoop(ctx)
	})
}

// Close stops the sweeper loop.
func (m *Manager) Close() {
	select {
	case <-m.sweepDone:
	default:
		close(m.sweepDone)
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdleSessions(ctx)
			m.sweepCompletedJobs(ctx)
		}
	}
}

// sweepIdleSessions terminates sessions hibernated (idle) longer than the
// configured idle timeout.
func (m *Manager) sweepIdleSessions(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleSessionTimeout)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.Status != types.SessionTerminated && s.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Info("sweeping idle conversation session", zap.String("session", id))
		m.terminateSession(ctx, id)
	}
}

// sweepCompletedJobs prunes persisted terminal-state jobs/patches older than
// the store's standard age threshold. Errors are logged and swallowed.
func (m *Manager) sweepCompletedJobs(ctx context.Context) {
	n, err := m.store.PruneOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		m.log.Warn("failed to prune old jobs and patches", zap.Error(err))
		return
	}
	if n > 0 {
		m.log.Debug("pruned stale terminal records", zap.Int64("count", n))
	}
}
