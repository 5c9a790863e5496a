// Package types holds the shared data model for the orchestration engine:
// tasks, background jobs, patches, sandbox records, and conversation sessions.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority orders the ready frontier.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

func (p TaskPriority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Rank returns a smaller-is-higher-priority ordering key.
func (p TaskPriority) Rank() int { return p.rank() }

// Task is a unit of developer work tracked in the manifest.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Instructions string       `json:"instructions,omitempty"`
	Verification string       `json:"verification,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`
	Dependencies []string     `json:"dependencies"`
	Error        string       `json:"error,omitempty"`
	Subtasks     []Subtask    `json:"subtasks,omitempty"`
	JobID        string       `json:"jobId,omitempty"`
	PatchID      string       `json:"diffId,omitempty"`
}

// Subtask is a Task minus its own subtasks field.
type Subtask struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Instructions string       `json:"instructions,omitempty"`
	Verification string       `json:"verification,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`
	Dependencies []string     `json:"dependencies"`
	Error        string       `json:"error,omitempty"`
	JobID        string       `json:"jobId,omitempty"`
	PatchID      string       `json:"diffId,omitempty"`
}

// Manifest is the on-disk shape of <workspace>/tasks.json.
type Manifest struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Tasks     []Task    `json:"tasks"`
}
