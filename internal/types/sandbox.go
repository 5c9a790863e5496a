package types

import "time"

// PoolStatus is the Container Pool's view of a sandbox's membership state.
type PoolStatus string

const (
	PoolCreating PoolStatus = "creating"
	PoolReady    PoolStatus = "ready"
	PoolInUse    PoolStatus = "in-use"
	PoolCleanup  PoolStatus = "cleanup"
	PoolError    PoolStatus = "error"
)

// LifecycleStatus is the patch lifecycle's orthogonal view of a sandbox.
type LifecycleStatus string

const (
	LifecycleRunning        LifecycleStatus = "running"
	LifecycleStopped        LifecycleStatus = "stopped"
	LifecyclePendingReview  LifecycleStatus = "pending_review"
	LifecycleApplied        LifecycleStatus = "applied"
	LifecycleRejected       LifecycleStatus = "rejected"
)

// SandboxRecord is a tracked execution container.
type SandboxRecord struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	DockerContainerID string          `json:"dockerContainerId"`
	TaskID            string          `json:"taskId,omitempty"`
	PoolStatus        PoolStatus      `json:"poolStatus"`
	LifecycleStatus   LifecycleStatus `json:"lifecycleStatus"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastUsedAt        time.Time       `json:"lastUsedAt"`
	WorkspaceConfigured bool          `json:"workspaceConfigured"`
	AuthConfigured    bool            `json:"authConfigured"`
	WorkspacePath     string          `json:"workspacePath,omitempty"`
}

// ConversationSessionStatus is the lifecycle state of a ConversationSession.
type ConversationSessionStatus string

const (
	SessionActive      ConversationSessionStatus = "active"
	SessionHibernated  ConversationSessionStatus = "hibernated"
	SessionTerminated  ConversationSessionStatus = "terminated"
)

// ConversationSession is a pinned sandbox plus its original and latest
// prompt and revision count.
type ConversationSession struct {
	ID             string                    `json:"id"`
	SandboxID      string                    `json:"sandboxId"`
	Workspace      string                    `json:"workspace"`
	OriginalPrompt string                    `json:"originalPrompt"`
	LatestPrompt   string                    `json:"latestPrompt"`
	RevisionCount  int                       `json:"revisionCount"`
	Status         ConversationSessionStatus `json:"status"`
	TaskID         string                    `json:"taskId,omitempty"`
	PatchID        string                    `json:"diffId,omitempty"`
	LastActivity   time.Time                 `json:"lastActivity"`
}
