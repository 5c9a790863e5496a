package types

import "time"

// PatchStatus is the lifecycle state of a Patch.
type PatchStatus string

const (
	PatchPending  PatchStatus = "pending"
	PatchApplied  PatchStatus = "applied"
	PatchRejected PatchStatus = "rejected"
)

// FileChangeStatus classifies one file within a Patch.
type FileChangeStatus string

const (
	FileAdded    FileChangeStatus = "added"
	FileModified FileChangeStatus = "modified"
	FileDeleted  FileChangeStatus = "deleted"
	FileRenamed  FileChangeStatus = "renamed"
)

// FileChange is one per-file entry in a Patch.
type FileChange struct {
	Path      string           `json:"path"`
	Status    FileChangeStatus `json:"status"`
	Additions int              `json:"additions"`
	Deletions int              `json:"deletions"`
	OldPath   string           `json:"oldPath,omitempty"`
}

// PatchStats are the aggregate statistics of a Patch.
type PatchStats struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// Revision is one entry in a Patch's revision history.
type Revision struct {
	Timestamp       time.Time `json:"timestamp"`
	Feedback        string    `json:"feedback"`
	SuccessorPatch  string    `json:"successorPatchId"`
	RevisionNumber  int       `json:"revisionNumber"`
}

// Patch is a captured change set over a sandbox's /workspace.
type Patch struct {
	ID                string       `json:"id"`
	SandboxID         string       `json:"sandboxId"`
	DiffText          string       `json:"diff"`
	Summary           string       `json:"summary"`
	Files             []FileChange `json:"files"`
	Stats             PatchStats   `json:"stats"`
	CreatedAt         time.Time    `json:"createdAt"`
	BinaryPaths       []string     `json:"binaryPaths,omitempty"`
	Workspace         string       `json:"workspace"`
	SessionID         string       `json:"sessionId,omitempty"`
	TaskID            string       `json:"taskId,omitempty"`
	Status            PatchStatus  `json:"status"`
	AppliedTo         string       `json:"appliedTo,omitempty"`
	IsRevision        bool         `json:"isRevision,omitempty"`
	ParentDiffID      string       `json:"parentDiffId,omitempty"`
	RevisionNumber    int          `json:"revisionNumber,omitempty"`
	RevisionHistory   []Revision   `json:"revisionHistory,omitempty"`
}

// DiffOptions configures patch extraction.
type DiffOptions struct {
	IncludeBinary bool
	ContextLines  int
	IgnoreWhitespace bool
}
