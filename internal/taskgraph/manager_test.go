package taskgraph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/types"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	return m, dir
}

func sampleTasks() []types.Task {
	return []types.Task{
		{ID: "a", Status: types.TaskPending, Priority: types.PriorityHigh},
		{ID: "b", Status: types.TaskPending, Priority: types.PriorityMedium, Dependencies: []string{"a"}},
		{ID: "c", Status: types.TaskPending, Priority: types.PriorityLow, Dependencies: []string{"b"}},
	}
}

func TestNewLoadsExistingManifest(t *testing.T) {
	m, dir := newTestManager(t)
	require.NoError(t, m.Save(sampleTasks()))

	reloaded, err := New(dir)
	require.NoError(t, err)
	assert.Len(t, reloaded.Manifest().Tasks, 3)
	assert.FileExists(t, filepath.Join(dir, "tasks.json"))
}

func TestValidateDetectsDuplicateAndDanglingAndCycle(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save([]types.Task{
		{ID: "a", Status: types.TaskPending, Dependencies: []string{"missing"}},
		{ID: "a", Status: types.TaskPending},
		{ID: "x", Status: types.TaskPending, Dependencies: []string{"y"}},
		{ID: "y", Status: types.TaskPending, Dependencies: []string{"x"}},
	}))

	result := m.Validate()
	assert.Contains(t, result.Errors, "duplicate task id: a")

	found := false
	for _, e := range result.Errors {
		if e == "task a depends on unknown task missing" {
			found = true
		}
	}
	assert.True(t, found, "expected dangling prerequisite error")

	cycleFound := false
	for _, e := range result.Errors {
		if len(e) > 0 && e[:16] == "dependency cycle" {
			cycleFound = true
		}
	}
	assert.True(t, cycleFound, "expected a dependency cycle error")
}

func TestUpdateStatusEnforcesPrerequisites(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save(sampleTasks()))

	err := m.UpdateStatus("b", types.TaskInProgress, "")
	assert.Error(t, err, "b should not start until a is done")

	require.NoError(t, m.UpdateStatus("a", types.TaskInProgress, ""))
	require.NoError(t, m.UpdateStatus("a", types.TaskDone, ""))
	require.NoError(t, m.UpdateStatus("b", types.TaskInProgress, ""))

	task, err := m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, task.Status)
}

func TestUpdateStatusFailedRequiresErrorOnlyOnFailed(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save(sampleTasks()))

	err := m.UpdateStatus("a", types.TaskDone, "boom")
	assert.Error(t, err)

	require.NoError(t, m.UpdateStatus("a", types.TaskFailed, "boom"))
	task, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "boom", task.Error)
}

func TestNextReadyOrdersByPriorityThenDependencyCountThenID(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save([]types.Task{
		{ID: "z", Status: types.TaskPending, Priority: types.PriorityHigh},
		{ID: "y", Status: types.TaskPending, Priority: types.PriorityHigh},
		{ID: "low", Status: types.TaskPending, Priority: types.PriorityLow},
	}))

	ready := m.NextReady()
	require.Len(t, ready, 3)
	assert.Equal(t, "y", ready[0].ID)
	assert.Equal(t, "z", ready[1].ID)
	assert.Equal(t, "low", ready[2].ID)
}

func TestListGroupsIntoBuckets(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save(sampleTasks()))

	buckets := m.List()
	assert.Len(t, buckets.Ready, 1)
	assert.Len(t, buckets.Blocked, 2)
	assert.Empty(t, buckets.Done)
	assert.Empty(t, buckets.Failed)
}

func TestNextReadyExcludesTasksWithFailedPrerequisite(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save([]types.Task{
		{ID: "a", Status: types.TaskFailed, Priority: types.PriorityHigh},
		{ID: "b", Status: types.TaskPending, Priority: types.PriorityHigh, Dependencies: []string{"a"}},
	}))

	ready := m.NextReady()
	assert.Empty(t, ready, "a failed prerequisite must keep its dependents out of the frontier")
}

func TestGetDetailAnnotatesDependencyStatus(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save(sampleTasks()))

	detail, err := m.GetDetail("b")
	require.NoError(t, err)
	assert.True(t, detail.Blocked)
	assert.Equal(t, types.TaskPending, detail.DependencyStatus["a"])

	require.NoError(t, m.UpdateStatus("a", types.TaskInProgress, ""))
	require.NoError(t, m.UpdateStatus("a", types.TaskDone, ""))

	detail, err = m.GetDetail("b")
	require.NoError(t, err)
	assert.False(t, detail.Blocked)
	assert.Equal(t, types.TaskDone, detail.DependencyStatus["a"])
}

func TestUpdateStatusOnSubtask(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Save([]types.Task{
		{ID: "parent", Status: types.TaskPending, Subtasks: []types.Subtask{
			{ID: "sub1", Status: types.TaskPending},
		}},
	}))

	require.NoError(t, m.UpdateStatus("parent.sub1", types.TaskInProgress, ""))
	task, err := m.Get("parent")
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 1)
	assert.Equal(t, types.TaskInProgress, task.Subtasks[0].Status)
}
