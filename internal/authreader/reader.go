package authreader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/types"
)

const cacheTTL = 5 * time.Minute

// Status is the Auth Reader's status() contract result.
type Status struct {
	Authenticated bool
	Source        string
	Kind          types.AuthTokenKind
	Expiry        *time.Time
}

// Reader resolves a usable agent credential by consulting providers in
// priority order, caching the first hit for a short TTL.
type Reader struct {
	providers []Provider
	log       *logger.Logger

	mu        sync.Mutex
	cached    *types.AuthToken
	cachedAt  time.Time
}

// New builds a Reader over the default provider chain: environment, platform
// keyring, then config file.
func New(log *logger.Logger) *Reader {
	return &Reader{
		providers: []Provider{EnvProvider{}, KeyringProvider{}, NewFileProvider()},
		log:       log,
	}
}

// Resolve returns the first valid, non-expired token across providers, or
// nil if none is available.
func (r *Reader) Resolve(ctx context.Context) (*types.AuthToken, error) {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < cacheTTL {
		if !r.cached.Expired(time.Now()) {
			tok := r.cached
			r.mu.Unlock()
			return tok, nil
		}
		r.cached = nil
	}
	r.mu.Unlock()

	for _, p := range r.providers {
		tok, err := p.Resolve(ctx)
		if err != nil {
			r.log.Warn("auth provider failed, skipping", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		if tok == nil {
			continue
		}
		if tok.Expired(time.Now()) {
			continue
		}

		r.mu.Lock()
		r.cached = tok
		r.cachedAt = time.Now()
		r.mu.Unlock()
		return tok, nil
	}
	return nil, nil
}

// Status reports the reader's current view without forcing re-resolution
// beyond the normal cache policy.
func (r *Reader) Status(ctx context.Context) (Status, error) {
	tok, err := r.Resolve(ctx)
	if err != nil {
		return Status{}, err
	}
	if tok == nil {
		return Status{Authenticated: false}, nil
	}
	return Status{
		Authenticated: true,
		Source:        tok.Source,
		Kind:          tok.Kind,
		Expiry:        tok.ExpiresAt,
	}, nil
}

// Validate reports whether a usable credential currently resolves.
func (r *Reader) Validate(ctx context.Context) bool {
	tok, err := r.Resolve(ctx)
	return err == nil && tok != nil
}

// ClearCache forces the next Resolve to re-consult every provider.
func (r *Reader) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}
