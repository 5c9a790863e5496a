// Package agentexec implements the Agent Execution Manager: the scheduling
// heart of the engine, driving a single agent invocation from prompt to
// patch, coordinating background jobs, question/answer sessions, revisions,
// and the apply/reject surface exposed to clients.
package agentexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/common/tracing"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/patchengine"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/pool"
	"github.com/kandev/taskforge/internal/streaming"
	"github.com/kandev/taskforge/internal/types"
)

// SandboxPool is the subset of the Container Pool the manager drives.
// Narrowed to an interface so tests can substitute a fake container daemon.
type SandboxPool interface {
	AcquireForExtraction(ctx context.Context, workspacePath string, opts pool.AcquireOptions) (*pool.Sandbox, error)
	Release(ctx context.Context, sb *pool.Sandbox, cleanup bool) error
}

// PatchExtractor is the subset of the In-Container Patch Engine the manager drives.
type PatchExtractor interface {
	InitializeTracking(ctx context.Context, containerID string) error
	ExtractPatch(ctx context.Context, containerID string, meta patchengine.PatchMeta, opts types.DiffOptions) (*types.Patch, error)
}

// DockerExecutor is the subset of the Docker client needed to run the agent
// subprocess inside a sandbox and to tear the sandbox down afterward.
type DockerExecutor interface {
	StreamExec(ctx context.Context, containerID string, cmd []string, workDir string, onLine func(stream, line string)) (*dockerutil.ExecResult, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Config holds the manager's tunable knobs.
type Config struct {
	AllowedTools       []string
	AgentBinary        string
	DebugNoCleanup     bool
	HeartbeatInterval  time.Duration
	IdleSessionTimeout time.Duration
	SweepInterval      time.Duration
	MaxRevisions       int
	LogDir             string
}

// DefaultConfig returns the manager's fixed default tuning.
func DefaultConfig(logDir string) Config {
	return Config{
		AllowedTools:       defaultAllowedTools,
		AgentBinary:        "agent",
		DebugNoCleanup:     false,
		HeartbeatInterval:  30 * time.Second,
		IdleSessionTimeout: time.Hour,
		SweepInterval:      5 * time.Minute,
		MaxRevisions:       3,
		LogDir:             logDir,
	}
}

// defaultAllowedTools is the fixed allow-list of tool patterns passed to every
// agent invocation: edit/read/write/search/task operations plus a bounded set
// of shell commands, primarily version control and package managers.
var defaultAllowedTools = []string{
	"edit", "read", "write", "search", "task",
	"shell(git *)", "shell(npm *)", "shell(yarn *)", "shell(pnpm *)",
	"shell(go *)", "shell(pip *)", "shell(cargo *)", "shell(make *)",
}

// Manager orchestrates agent runs end to end.
type Manager struct {
	pool    SandboxPool
	patches PatchExtractor
	docker  DockerExecutor
	store   persist.Store
	hub     *streaming.Hub
	log     *logger.Logger
	cfg     Config

	mu             sync.Mutex
	pendingPatches map[string]*types.Patch
	sessions       map[string]*types.ConversationSession
	extractionBoxes map[string]*pool.Sandbox // keyed by sandbox id, owned outside the warm pool

	sweepOnce sync.Once
	sweepDone chan struct{}
}

// New constructs a Manager. Call StartSweeper to begin the periodic idle
// session and completed job cleanup.
func New(p SandboxPool, patches PatchExtractor, docker DockerExecutor, store persist.Store, hub *streaming.Hub, log *logger.Logger, cfg Config) *Manager {
	return &Manager{
		pool:            p,
		patches:         patches,
		docker:          docker,
		store:           store,
		hub:             hub,
		log:             log,
		cfg:             cfg,
		pendingPatches:  make(map[string]*types.Patch),
		sessions:        make(map[string]*types.ConversationSession),
		extractionBoxes: make(map[string]*pool.Sandbox),
		sweepDone:       make(chan struct{}),
	}
}

// RunOptions describes a single agent invocation.
type RunOptions struct {
	Prompt       string
	Workspace    string
	Description  string
	ParentTaskID string
	TaskID       string
	CPUCores     int64
	MemoryBytes  int64
	ReturnMode   types.ReturnMode

	// RevisionOf, when non-empty, marks the produced patch as a revision of
	// the named parent patch: the parent's revision history is appended to
	// and the new patch is tagged isRevision/parentDiffId/revisionNumber.
	// RevisionNumber is the cumulative position in the session's revision
	// chain, assigned by RequestRevision when it bumps the session count.
	RevisionOf       string
	RevisionFeedback string
	RevisionNumber   int
}

// RunResult is returned from a completed synchronous run.
type RunResult struct {
	JobID           string
	Status          types.JobStatus
	Result          string
	PatchID         string
	PendingQuestion string
	SessionID       string
	RevisionNumber  int
}

func (m *Manager) validate() error {
	if m.pool == nil {
		return engineerr.New(engineerr.Unavailable, "container pool is not initialized")
	}
	if m.patches == nil {
		return engineerr.New(engineerr.Unavailable, "patch engine is not initialized")
	}
	return nil
}

// Run drives a full agent invocation synchronously: acquire sandbox, seed
// workspace, run the agent, extract any patch. The sandbox stays pinned to a
// Conversation Session when the run asks a question or produces a pending
// patch, and is released otherwise. Returns once the run terminates
// (completed, failed, or needs_input).
func (m *Manager) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if opts.TaskID == "" {
		opts.TaskID = uuid.New().String()
	}
	jobID := uuid.New().String()
	job := &types.BackgroundJob{
		ID:        jobID,
		Prompt:    opts.Prompt,
		Workspace: opts.Workspace,
		TaskID:    opts.TaskID,
		Status:    types.JobStarted,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.log.Warn("failed to persist job at start", zap.Error(err))
	}

	result := m.execute(ctx, job, opts)
	return result, nil
}

// RunBackground registers a Background Job and runs it on a detached
// goroutine, returning the job identifier immediately.
func (m *Manager) RunBackground(ctx context.Context, opts RunOptions) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	if opts.TaskID == "" {
		opts.TaskID = uuid.New().String()
	}
	jobID := uuid.New().String()
	job := &types.BackgroundJob{
		ID:        jobID,
		Prompt:    opts.Prompt,
		Workspace: opts.Workspace,
		TaskID:    opts.TaskID,
		Status:    types.JobStarted,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to register background job: %w", err)
	}
	m.hub.Publish(streaming.EventTaskProgress, progressPayload(job))

	go func() {
		bgCtx := context.Background()
		m.execute(bgCtx, job, opts)
	}()

	return jobID, nil
}

// execute runs the strictly-ordered acquire -> seed -> initialize-tracking ->
// run-agent -> extract-patch -> persist-patch -> release-sandbox sequence.
func (m *Manager) execute(ctx context.Context, job *types.BackgroundJob, opts RunOptions) *RunResult {
	ctx, span := tracing.TraceAgentRun(ctx, job.ID, opts.TaskID)
	defer span.End()

	m.transition(ctx, job, types.JobRunning, "acquiring sandbox")

	sb, err := m.pool.AcquireForExtraction(ctx, opts.Workspace, pool.AcquireOptions{
		TaskID:      opts.TaskID,
		CPUCores:    opts.CPUCores,
		MemoryBytes: opts.MemoryBytes,
	})
	if err != nil {
		return m.fail(ctx, job, engineerr.Wrap(engineerr.Unavailable, "failed to acquire sandbox", err))
	}
	job.SandboxID = sb.Record.ID
	m.registerExtractionBox(sb)

	if err := m.patches.InitializeTracking(ctx, sb.Record.DockerContainerID); err != nil {
		m.cleanupSandbox(ctx, sb, false)
		return m.fail(ctx, job, engineerr.Wrap(engineerr.InternalError, "failed to initialize patch tracking", err))
	}

	prompt := composePrompt(opts.Prompt, opts.Description, opts.Workspace, m.cfg.AllowedTools)
	return m.runRound(ctx, job, opts, sb, prompt, "")
}

// runRound invokes the agent once inside an already-seeded, already-tracked
// sandbox and interprets its output: either a new question-mode Conversation
// Session (job parked in needs_input) or a final patch extraction. Used both
// by the initial run and by the answer-question and revision resume paths,
// which re-enter the same agent subprocess pattern against an existing
// sandbox rather than acquiring a fresh one.
func (m *Manager) runRound(ctx context.Context, job *types.BackgroundJob, opts RunOptions, sb *pool.Sandbox, prompt, sessionID string) *RunResult {
	m.transition(ctx, job, types.JobRunning, "invoking agent")
	agentOutput, err := m.invokeAgent(ctx, job, sb, prompt)
	if err != nil {
		m.cleanupSandbox(ctx, sb, false)
		return m.fail(ctx, job, engineerr.Wrap(engineerr.InternalError, "agent invocation failed", err))
	}

	if isQuestion(agentOutput) {
		if sessionID == "" {
			session := &types.ConversationSession{
				ID:             uuid.New().String(),
				SandboxID:      sb.Record.ID,
				Workspace:      opts.Workspace,
				OriginalPrompt: opts.Prompt,
				LatestPrompt:   opts.Prompt,
				Status:         types.SessionActive,
				TaskID:         opts.TaskID,
				LastActivity:   time.Now().UTC(),
			}
			m.saveSession(session)
			sessionID = session.ID
		} else {
			m.touchSession(sessionID, prompt)
		}

		job.Status = types.JobNeedsInput
		job.SessionID = sessionID
		job.PendingQuestion = strings.TrimSpace(agentOutput)
		job.Progress = "awaiting answer to agent question"
		if err := m.store.SaveJob(ctx, job); err != nil {
			m.log.Warn("failed to persist needs_input job", zap.Error(err))
		}
		m.hub.Publish(streaming.EventTaskProgress, progressPayload(job))

		return &RunResult{JobID: job.ID, Status: job.Status, PendingQuestion: job.PendingQuestion, SessionID: sessionID}
	}

	return m.finishWithPatch(ctx, job, opts, sb, sessionID, agentOutput)
}

// finishWithPatch extracts the patch and registers it if non-empty. A
// sandbox producing a pending patch is pinned to a Conversation Session
// (created here if the run never entered question mode) so that
// request_revision can re-enter it later; the sandbox is only stopped once
// the patch is applied or rejected. A run with no changed files releases the
// sandbox immediately.
func (m *Manager) finishWithPatch(ctx context.Context, job *types.BackgroundJob, opts RunOptions, sb *pool.Sandbox, sessionID, agentOutput string) *RunResult {
	m.transition(ctx, job, types.JobRunning, "extracting patch")

	extractCtx, span := tracing.TracePatchExtract(ctx, sb.Record.ID)
	patch, err := m.patches.ExtractPatch(extractCtx, sb.Record.DockerContainerID, patchengine.PatchMeta{
		SandboxID: sb.Record.ID,
		Workspace: opts.Workspace,
		TaskID:    opts.TaskID,
		SessionID: sessionID,
	}, types.DiffOptions{})
	tracing.RecordResult(span, err)
	span.End()
	if err != nil {
		m.cleanupSandbox(ctx, sb, false)
		return m.fail(ctx, job, engineerr.Wrap(engineerr.InternalError, "failed to extract patch", err))
	}

	hasChanges := len(patch.Files) > 0
	if hasChanges {
		if sessionID == "" {
			session := &types.ConversationSession{
				ID:             uuid.New().String(),
				SandboxID:      sb.Record.ID,
				Workspace:      opts.Workspace,
				OriginalPrompt: opts.Prompt,
				LatestPrompt:   opts.Prompt,
				Status:         types.SessionActive,
				TaskID:         opts.TaskID,
				LastActivity:   time.Now().UTC(),
			}
			m.saveSession(session)
			sessionID = session.ID
		} else {
			m.touchSession(sessionID, agentOutput)
		}
		patch.SessionID = sessionID
		job.SessionID = sessionID

		if opts.RevisionOf != "" {
			m.applyRevisionLineage(ctx, opts.RevisionOf, opts.RevisionFeedback, opts.RevisionNumber, patch)
		}

		m.registerPendingPatch(patch)
		if err := m.store.SavePatch(ctx, patch); err != nil {
			m.log.Warn("failed to persist patch", zap.Error(err))
		}
		job.PatchID = patch.ID
		m.hub.Publish(streaming.EventDiffCreated, patch)
		m.updateSessionPatch(sessionID, patch.ID)
	}

	if !hasChanges && !m.cfg.DebugNoCleanup {
		m.cleanupSandbox(ctx, sb, false)
	}

	job.Status = types.JobCompleted
	now := time.Now().UTC()
	job.EndedAt = &now
	job.Result = buildResult(opts.ReturnMode, agentOutput, patch)
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.log.Warn("failed to persist completed job", zap.Error(err))
	}
	m.hub.Publish(streaming.EventTaskCompleted, progressPayload(job))

	return &RunResult{JobID: job.ID, Status: job.Status, Result: job.Result, PatchID: job.PatchID, SessionID: job.SessionID}
}

// applyRevisionLineage tags patch as a revision of parentID and appends a
// new entry to the parent's revision history in both the pending map and
// the Persistence Store. revisionNumber is the cumulative chain position
// assigned at request time; a zero falls back to one past the parent's
// history length, which only happens for a first-generation revision anyway.
func (m *Manager) applyRevisionLineage(ctx context.Context, parentID, feedback string, revisionNumber int, patch *types.Patch) {
	parent, ok := m.pendingPatchByID(parentID)
	if !ok {
		stored, err := m.store.GetPatch(ctx, parentID)
		if err != nil {
			m.log.Warn("failed to load parent patch for revision lineage", zap.String("parent", parentID), zap.Error(err))
			return
		}
		parent = stored
	}

	if revisionNumber <= 0 {
		revisionNumber = len(parent.RevisionHistory) + 1
	}
	patch.IsRevision = true
	patch.ParentDiffID = parentID
	patch.RevisionNumber = revisionNumber

	parent.RevisionHistory = append(parent.RevisionHistory, types.Revision{
		Timestamp:      time.Now().UTC(),
		Feedback:       feedback,
		SuccessorPatch: patch.ID,
		RevisionNumber: revisionNumber,
	})

	m.mu.Lock()
	if _, ok := m.pendingPatches[parentID]; ok {
		m.pendingPatches[parentID] = parent
	}
	m.mu.Unlock()

	if err := m.store.SavePatch(ctx, parent); err != nil {
		m.log.Warn("failed to persist parent patch revision history", zap.String("parent", parentID), zap.Error(err))
	}
}

func (m *Manager) invokeAgent(ctx context.Context, job *types.BackgroundJob, sb *pool.Sandbox, prompt string) (string, error) {
	cmd := []string{m.cfg.AgentBinary, "--allow", strings.Join(m.cfg.AllowedTools, ","), "--prompt", prompt}

	logPath, logger, closeLog, err := openJobLog(m.cfg.LogDir, sb.Record.ID, job.TaskID)
	if err != nil {
		return "", err
	}
	defer closeLog()

	if err := m.store.SaveLogReference(ctx, &persist.LogReference{
		ID: uuid.New().String(), JobID: job.ID, TaskID: job.TaskID, Path: logPath, CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("failed to persist log reference", zap.Error(err))
	}

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go func() {
		for {
			select {
			case <-stopHeartbeat:
				return
			case t := <-heartbeat.C:
				logger.writeLine("heartbeat", t.Format(time.RFC3339))
			}
		}
	}()

	var output strings.Builder
	_, err = m.docker.StreamExec(ctx, sb.Record.DockerContainerID, cmd, "/workspace", func(stream, line string) {
		logger.writeLine(stream, line)
		if stream == "stdout" {
			output.WriteString(line)
			output.WriteString("\n")
		}
	})
	if err != nil {
		return "", err
	}
	return output.String(), nil
}

// isQuestion decides whether agent output should be treated as a blocking
// question rather than a finished turn: short, contains a question mark, and
// has no fenced code block. This is a deliberately cheap heuristic and can
// misfire on short non-question outputs; a sentinel line or structured
// output from the agent would be a sturdier signal.
func isQuestion(output string) bool {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return false
	}
	if len(trimmed) >= 500 {
		return false
	}
	if strings.Contains(trimmed, "```") {
		return false
	}
	return strings.Contains(trimmed, "?")
}

func (m *Manager) transition(ctx context.Context, job *types.BackgroundJob, status types.JobStatus, progress string) {
	job.Status = status
	job.Progress = progress
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.log.Warn("failed to persist job transition", zap.Error(err))
	}
	m.hub.Publish(streaming.EventTaskProgress, progressPayload(job))
}

func (m *Manager) fail(ctx context.Context, job *types.BackgroundJob, err error) *RunResult {
	job.Status = types.JobFailed
	job.Error = err.Error()
	now := time.Now().UTC()
	job.EndedAt = &now
	if saveErr := m.store.SaveJob(ctx, job); saveErr != nil {
		m.log.Warn("failed to persist failed job", zap.Error(saveErr))
	}
	m.hub.Publish(streaming.EventTaskProgress, progressPayload(job))
	m.log.Error("agent run failed", zap.String("job", job.ID), zap.Error(err))
	return &RunResult{JobID: job.ID, Status: job.Status}
}

func (m *Manager) cleanupSandbox(ctx context.Context, sb *pool.Sandbox, keep bool) {
	m.unregisterExtractionBox(sb.Record.ID)
	if keep {
		return
	}
	if err := m.docker.StopContainer(ctx, sb.Record.DockerContainerID, 5*time.Second); err != nil {
		m.log.Debug("sandbox stop failed on cleanup path, leaving to recovery pass", zap.Error(err))
	}
	if err := m.docker.RemoveContainer(ctx, sb.Record.DockerContainerID, true); err != nil {
		m.log.Debug("sandbox remove failed on cleanup path, leaving to recovery pass", zap.Error(err))
	}
}

func (m *Manager) registerExtractionBox(sb *pool.Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractionBoxes[sb.Record.ID] = sb
}

func (m *Manager) unregisterExtractionBox(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.extractionBoxes, id)
}

func (m *Manager) sandboxByID(id string) (*pool.Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.extractionBoxes[id]
	return sb, ok
}

func (m *Manager) registerPendingPatch(p *types.Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingPatches[p.ID] = p
}

func (m *Manager) saveSession(s *types.ConversationSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) updateSessionPatch(sessionID, patchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.PatchID = patchID
	}
}

func (m *Manager) sessionByID(id string) (*types.ConversationSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) touchSession(id, latestPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LatestPrompt = latestPrompt
		s.LastActivity = time.Now().UTC()
	}
}

// reserveSessionRevision atomically claims the next slot in the session's
// bounded revision chain, returning the claimed chain position, or 0 when
// the session is gone or the cap is already reached. The count is shared by
// every patch in the session's lineage.
func (m *Manager) reserveSessionRevision(id string, max int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevisionCount >= max {
		return 0
	}
	s.RevisionCount++
	return s.RevisionCount
}

func (m *Manager) closeSession(id string, status types.ConversationSessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = status
	}
}

func (m *Manager) pendingPatchByID(id string) (*types.Patch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pendingPatches[id]
	return p, ok
}

func (m *Manager) removePendingPatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingPatches, id)
}

func progressPayload(job *types.BackgroundJob) map[string]interface{} {
	return map[string]interface{}{
		"jobId":    job.ID,
		"taskId":   job.TaskID,
		"status":   job.Status,
		"progress": job.Progress,
	}
}

func buildResult(mode types.ReturnMode, agentOutput string, patch *types.Patch) string {
	if mode == types.ReturnSummary {
		if len(agentOutput) > 500 {
			return agentOutput[:500]
		}
		return agentOutput
	}
	var b strings.Builder
	b.WriteString(agentOutput)
	b.WriteString("\n\n## Change Summary\n")
	if patch != nil {
		b.WriteString(fmt.Sprintf("%d files changed, +%d -%d\n", patch.Stats.FilesChanged, patch.Stats.Additions, patch.Stats.Deletions))
	} else {
		b.WriteString("no changes\n")
	}
	b.WriteString("\n## Next Steps\n")
	b.WriteString("- Review the proposed changes with review_changes\n")
	b.WriteString("- Apply with apply_changes once satisfied\n")
	b.WriteString("- Or request_revision with specific feedback\n")
	return b.String()
}
