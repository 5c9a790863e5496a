// Package authreader resolves a usable agent credential from the environment,
// the platform secure store, or well-known config files, in that priority
// order, with a short-lived in-memory cache.
package authreader

import (
	"context"

	"github.com/kandev/taskforge/internal/types"
)

// Provider resolves a credential from one source. A provider that finds
// nothing returns (nil, nil), not an error — only unexpected failures
// (malformed file, I/O error) are errors, and those are logged and skipped
// by the Reader rather than propagated.
type Provider interface {
	Name() string
	Resolve(ctx context.Context) (*types.AuthToken, error)
}
