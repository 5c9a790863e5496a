package authreader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileProviderResolvesFirstExistingPath(t *testing.T) {
	dir := t.TempDir()
	credPath := filepath.Join(dir, "credentials.json")

	data, err := json.Marshal(configFileCredential{AccessSecret: "sk-test-123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(credPath, data, 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := &FileProvider{paths: []string{filepath.Join(dir, "missing.json"), credPath}}
	tok, err := p.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok == nil {
		t.Fatal("expected a token")
	}
	if tok.AccessSecret != "sk-test-123" {
		t.Errorf("expected access secret sk-test-123, got %s", tok.AccessSecret)
	}
}

func TestFileProviderReturnsNilWhenNoPathsExist(t *testing.T) {
	dir := t.TempDir()
	p := &FileProvider{paths: []string{filepath.Join(dir, "missing.json")}}

	tok, err := p.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != nil {
		t.Errorf("expected nil token, got %+v", tok)
	}
}
