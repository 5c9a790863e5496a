package types

import "time"

// JobStatus is the lifecycle state of a Background Job.
type JobStatus string

const (
	JobStarted     JobStatus = "started"
	JobRunning     JobStatus = "running"
	JobNeedsInput  JobStatus = "needs_input"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
)

// ReturnMode controls how much of the agent's output a synchronous run returns.
type ReturnMode string

const (
	ReturnSummary ReturnMode = "summary"
	ReturnFull    ReturnMode = "full"
)

// BackgroundJob is a long-running agent invocation.
type BackgroundJob struct {
	ID                string     `json:"id"`
	Prompt            string     `json:"prompt"`
	Workspace         string     `json:"workspace"`
	TaskID            string     `json:"taskId,omitempty"`
	Status            JobStatus  `json:"status"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	SandboxID         string     `json:"sandboxId,omitempty"`
	Result            string     `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	Progress          string     `json:"progress,omitempty"`
	SessionID         string     `json:"sessionId,omitempty"`
	PendingQuestion   string     `json:"pendingQuestion,omitempty"`
	PatchID           string     `json:"diffId,omitempty"`
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *BackgroundJob) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
