package dockerutil

// Sandbox container labels, used by the Recovery Manager to distinguish
// taskforge-owned containers from anything else running on the daemon.
// Every sandbox the Container Pool creates (extraction sandboxes included)
// carries LabelOwner, LabelSandboxID and LabelPooled; LabelTaskID and
// LabelWorkspace are not set on any container.
const (
	LabelOwner     = "taskforge.owner"
	LabelOwnerTrue = "true"

	LabelSandboxID = "taskforge.sandbox"
	LabelTaskID    = "taskforge.task"
	LabelWorkspace = "taskforge.workspace"
	LabelPooled    = "taskforge.pooled"
)
