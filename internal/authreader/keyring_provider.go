package authreader

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/kandev/taskforge/internal/types"
)

const (
	keyringService = "taskforge"
	keyringAccount = "agent-api-key"
)

// KeyringProvider resolves a credential from the host's platform-native
// secure store (macOS Keychain, Windows Credential Manager, Secret Service
// on Linux via D-Bus).
type KeyringProvider struct{}

func (KeyringProvider) Name() string { return "keyring" }

func (KeyringProvider) Resolve(_ context.Context) (*types.AuthToken, error) {
	v, err := keyring.Get(keyringService, keyringAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if v == "" {
		return nil, nil
	}
	return &types.AuthToken{
		Kind:         types.AuthKindLongLivedKey,
		AccessSecret: v,
		Source:       "keyring",
	}, nil
}
