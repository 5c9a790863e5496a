package authreader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kandev/taskforge/internal/types"
)

// configFileCredential is the well-known on-disk credential shape, found at
// ~/.taskforge/credentials.json or ~/.config/taskforge/credentials.json.
type configFileCredential struct {
	AccessSecret  string     `json:"accessSecret"`
	RefreshSecret string     `json:"refreshSecret,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// FileProvider resolves a credential from the first of several well-known
// config-file paths in the user's home directory.
type FileProvider struct {
	paths []string
}

// NewFileProvider builds a FileProvider over the default search paths,
// falling back to an empty path list if the home directory can't be resolved.
func NewFileProvider() *FileProvider {
	home, err := os.UserHomeDir()
	if err != nil {
		return &FileProvider{}
	}
	return &FileProvider{paths: []string{
		filepath.Join(home, ".taskforge", "credentials.json"),
		filepath.Join(home, ".config", "taskforge", "credentials.json"),
	}}
}

func (FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context) (*types.AuthToken, error) {
	for _, path := range p.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
		}

		var raw configFileCredential
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
		}
		if raw.AccessSecret == "" {
			continue
		}

		kind := types.AuthKindLongLivedKey
		if raw.Kind == string(types.AuthKindShortLivedToken) {
			kind = types.AuthKindShortLivedToken
		}
		return &types.AuthToken{
			Kind:          kind,
			AccessSecret:  raw.AccessSecret,
			RefreshSecret: raw.RefreshSecret,
			Source:        "file:" + path,
			ExpiresAt:     raw.ExpiresAt,
		}, nil
	}
	return nil, nil
}
