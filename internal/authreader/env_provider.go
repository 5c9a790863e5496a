package authreader

import (
	"context"
	"os"

	"github.com/kandev/taskforge/internal/types"
)

// EnvVarName is the single well-known environment variable holding a
// long-lived agent key.
const EnvVarName = "ANTHROPIC_API_KEY"

// EnvProvider resolves a credential from the process environment.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Resolve(_ context.Context) (*types.AuthToken, error) {
	v := os.Getenv(EnvVarName)
	if v == "" {
		return nil, nil
	}
	return &types.AuthToken{
		Kind:         types.AuthKindLongLivedKey,
		AccessSecret: v,
		Source:       "env",
	}, nil
}
