// Package taskgraph reads, writes, and queries the task manifest at
// <workspace>/tasks.json: validation, dependency-ordered status transitions,
// and the ready frontier that drives parallel execution.
package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/types"
)

// Manager owns the task manifest for a single workspace, serializing all
// writes behind a mutex.
type Manager struct {
	path string

	mu       sync.Mutex
	manifest *types.Manifest
}

// New builds a Manager rooted at <workspace>/tasks.json, loading the
// manifest if it exists.
func New(workspace string) (*Manager, error) {
	m := &Manager{path: filepath.Join(workspace, "tasks.json")}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.manifest = &types.Manifest{Version: 1, UpdatedAt: time.Now().UTC()}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task manifest: %w", err)
	}
	var manifest types.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return engineerr.Wrap(engineerr.InvalidParams, "task manifest is not valid JSON", err)
	}
	m.manifest = &manifest
	return nil
}

func (m *Manager) save() error {
	m.manifest.Version++
	m.manifest.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize task manifest: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task manifest: %w", err)
	}
	return nil
}

// ValidationResult holds the outcome of Validate.
type ValidationResult struct {
	Errors   []string
	Warnings []string
	Stats    map[string]int
}

// Validate checks the manifest for structural and referential integrity:
// duplicate identifiers, dangling prerequisites, and dependency cycles
// (via depth-first search, reporting the offending cycle).
func (m *Manager) Validate() ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := ValidationResult{Stats: map[string]int{}}
	seen := map[string]bool{}
	ids := map[string]bool{}

	for _, t := range m.manifest.Tasks {
		if t.ID == "" {
			result.Errors = append(result.Errors, "task missing id")
			continue
		}
		if seen[t.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate task id: %s", t.ID))
		}
		seen[t.ID] = true
		ids[t.ID] = true
		result.Stats[string(t.Status)]++
	}

	for _, t := range m.manifest.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}

	if cycle := findCycle(m.manifest.Tasks); len(cycle) > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if result.Stats[string(types.TaskInProgress)] > 5 {
		result.Warnings = append(result.Warnings, "too many in-progress tasks: consider limiting concurrency")
	}

	return result
}

// findCycle runs depth-first search over the dependency graph and returns
// the node path of the first cycle found, or nil if the graph is acyclic.
func findCycle(tasks []types.Task) []string {
	byID := make(map[string]types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				idx := indexOf(path, dep)
				cycle = append(append([]string{}, path[idx:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// UpdateStatus transitions the comma-separated list of task/subtask
// identifiers (subtask syntax: <taskId>.<subtaskId>) to status, enforcing
// that a move to in-progress requires every prerequisite done and a
// currently pending source, while done/failed/reset-to-pending are
// unconstrained.
func (m *Manager) UpdateStatus(ids string, status types.TaskStatus, errMsg string) error {
	if errMsg != "" && status != types.TaskFailed {
		return engineerr.New(engineerr.InvalidParams, "error message is only valid when transitioning to failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doneSet := map[string]bool{}
	for _, t := range m.manifest.Tasks {
		if t.Status == types.TaskDone {
			doneSet[t.ID] = true
		}
	}

	for _, rawID := range strings.Split(ids, ",") {
		id := strings.TrimSpace(rawID)
		if id == "" {
			continue
		}
		if err := m.applyStatusTransition(id, status, errMsg, doneSet); err != nil {
			return err
		}
	}

	return m.save()
}

func (m *Manager) applyStatusTransition(id string, status types.TaskStatus, errMsg string, doneSet map[string]bool) error {
	taskID, subtaskID, isSubtask := strings.Cut(id, ".")

	for ti := range m.manifest.Tasks {
		t := &m.manifest.Tasks[ti]
		if t.ID != taskID {
			continue
		}

		if !isSubtask {
			if status == types.TaskInProgress {
				if t.Status != types.TaskPending {
					return engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("task %s is not pending", taskID))
				}
				for _, dep := range t.Dependencies {
					if !doneSet[dep] {
						return engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("task %s has unmet prerequisite %s", taskID, dep))
					}
				}
			}
			t.Status = status
			if status == types.TaskFailed {
				t.Error = errMsg
			}
			return nil
		}

		for si := range t.Subtasks {
			st := &t.Subtasks[si]
			if st.ID != subtaskID {
				continue
			}
			if status == types.TaskInProgress {
				if st.Status != types.TaskPending {
					return engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("subtask %s is not pending", id))
				}
				for _, dep := range st.Dependencies {
					if !doneSet[dep] {
						return engineerr.New(engineerr.PreconditionFailed, fmt.Sprintf("subtask %s has unmet prerequisite %s", id, dep))
					}
				}
			}
			st.Status = status
			if status == types.TaskFailed {
				st.Error = errMsg
			}
			return nil
		}
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("subtask not found: %s", id))
	}
	return engineerr.New(engineerr.NotFound, fmt.Sprintf("task not found: %s", taskID))
}

// NextReady returns every pending task whose prerequisites are all done,
// sorted by priority, then by dependency count ascending, then by identifier.
func (m *Manager) NextReady() []types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	doneSet := map[string]bool{}
	for _, t := range m.manifest.Tasks {
		if t.Status == types.TaskDone {
			doneSet[t.ID] = true
		}
	}

	var ready []types.Task
	for _, t := range m.manifest.Tasks {
		if t.Status != types.TaskPending {
			continue
		}
		if allDone(t.Dependencies, doneSet) {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		if len(ready[i].Dependencies) != len(ready[j].Dependencies) {
			return len(ready[i].Dependencies) < len(ready[j].Dependencies)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func allDone(deps []string, doneSet map[string]bool) bool {
	for _, d := range deps {
		if !doneSet[d] {
			return false
		}
	}
	return true
}

// Get fetches a single task by identifier.
func (m *Manager) Get(id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.manifest.Tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("task not found: %s", id))
}

// TaskDetail is a single task annotated with the status of each prerequisite
// and whether any of them still blocks it.
type TaskDetail struct {
	Task             types.Task                  `json:"task"`
	DependencyStatus map[string]types.TaskStatus `json:"dependencyStatus,omitempty"`
	Blocked          bool                        `json:"blocked"`
}

// GetDetail fetches a task with its dependency-status annotation.
func (m *Manager) GetDetail(id string) (*TaskDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusByID := make(map[string]types.TaskStatus, len(m.manifest.Tasks))
	for _, t := range m.manifest.Tasks {
		statusByID[t.ID] = t.Status
	}

	for _, t := range m.manifest.Tasks {
		if t.ID != id {
			continue
		}
		detail := &TaskDetail{Task: t}
		if len(t.Dependencies) > 0 {
			detail.DependencyStatus = make(map[string]types.TaskStatus, len(t.Dependencies))
			for _, dep := range t.Dependencies {
				detail.DependencyStatus[dep] = statusByID[dep]
				if statusByID[dep] != types.TaskDone {
					detail.Blocked = true
				}
			}
		}
		return detail, nil
	}
	return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("task not found: %s", id))
}

// StatusBucket groups tasks for dashboards: in-progress, ready, blocked,
// done, failed.
type StatusBucket struct {
	InProgress []types.Task
	Ready      []types.Task
	Blocked    []types.Task
	Done       []types.Task
	Failed     []types.Task
}

// List groups every task into its status bucket.
func (m *Manager) List() StatusBucket {
	ready := m.NextReady()
	readySet := map[string]bool{}
	for _, t := range ready {
		readySet[t.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var bucket StatusBucket
	bucket.Ready = ready
	for _, t := range m.manifest.Tasks {
		switch t.Status {
		case types.TaskInProgress:
			bucket.InProgress = append(bucket.InProgress, t)
		case types.TaskDone:
			bucket.Done = append(bucket.Done, t)
		case types.TaskFailed:
			bucket.Failed = append(bucket.Failed, t)
		case types.TaskPending:
			if !readySet[t.ID] {
				bucket.Blocked = append(bucket.Blocked, t)
			}
		}
	}
	return bucket
}

// Manifest returns a snapshot of the full manifest.
func (m *Manager) Manifest() types.Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.manifest
}

// Save persists the given tasks as the full manifest contents, replacing any
// previously loaded tasks, bumping the manifest version.
func (m *Manager) Save(tasks []types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest.Tasks = tasks
	return m.save()
}
