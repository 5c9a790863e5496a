// Package pool implements the Container Pool: a warm set of pre-authenticated
// sandbox containers handed out to the Agent Execution Manager on demand,
// replenished in the background after every hand-out.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/taskforge/internal/authreader"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/types"
)

// Sandbox is a handle to a running sandbox container.
type Sandbox struct {
	Record *types.SandboxRecord
}

// AcquireOptions configures a hand-out.
type AcquireOptions struct {
	TaskID       string
	ForceNew     bool
	CPUCores     int64
	MemoryBytes  int64
}

// Pool maintains the warm and in-use sandbox sets.
type Pool struct {
	docker *dockerutil.Client
	store  persist.Store
	auth   *authreader.Reader
	log    *logger.Logger
	cfg    config.PoolConfig
	image  string

	mu      sync.Mutex
	warm    []*Sandbox
	inUse   map[string]*Sandbox
	pending sync.WaitGroup

	shutdownOnce sync.Once
	closed       bool
}

// New constructs a Pool. Call Start to build the execution image (if
// missing) and fill the warm pool.
func New(docker *dockerutil.Client, store persist.Store, auth *authreader.Reader, log *logger.Logger, cfg config.PoolConfig, image string) *Pool {
	return &Pool{
		docker: docker,
		store:  store,
		auth:   auth,
		log:    log,
		cfg:    cfg,
		image:  image,
		inUse:  make(map[string]*Sandbox),
	}
}

// Start ensures the execution image is present, then fills the warm pool to
// its target size, creating sandboxes concurrently with a bounded group.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.docker.EnsureImage(ctx, p.image); err != nil {
		return fmt.Errorf("failed to ensure execution image: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.WarmSize)

	results := make([]*Sandbox, p.cfg.WarmSize)
	for i := 0; i < p.cfg.WarmSize; i++ {
		i := i
		group.Go(func() error {
			sb, err := p.createSandbox(gctx, AcquireOptions{})
			if err != nil {
				return err
			}
			results[i] = sb
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to fill warm pool: %w", err)
	}

	p.mu.Lock()
	for _, sb := range results {
		if sb != nil {
			p.warm = append(p.warm, sb)
		}
	}
	p.mu.Unlock()

	p.log.Info("warm pool filled", zap.Int("size", len(p.warm)))
	return nil
}

// Acquire hands out a configured sandbox, copying workspacePath into
// /workspace inside it. Returns quickly from the warm pool, or creates a
// fresh sandbox synchronously if the pool is empty.
func (p *Pool) Acquire(ctx context.Context, workspacePath string, opts AcquireOptions) (*Sandbox, error) {
	sb := p.popWarm()

	if sb == nil || opts.ForceNew {
		created, err := p.createSandboxWithTimeout(ctx, opts)
		if err != nil {
			return nil, err
		}
		sb = created
	}

	if opts.TaskID != "" {
		sb.Record.TaskID = opts.TaskID
	}
	sb.Record.PoolStatus = types.PoolInUse

	p.mu.Lock()
	p.inUse[sb.Record.ID] = sb
	p.mu.Unlock()

	if err := p.seedWorkspace(ctx, sb, workspacePath); err != nil {
		p.mu.Lock()
		delete(p.inUse, sb.Record.ID)
		p.mu.Unlock()
		if derr := p.destroy(ctx, sb); derr != nil {
			p.log.Warn("failed to destroy sandbox after seed failure", zap.String("sandbox", sb.Record.ID), zap.Error(derr))
		}
		return nil, err
	}

	p.replenishAsync()
	return sb, nil
}

// AcquireForExtraction creates a fresh sandbox never drawn from the pool,
// for exclusive management by the Agent Execution Manager through its
// entire lifecycle, including patch extraction.
func (p *Pool) AcquireForExtraction(ctx context.Context, workspacePath string, opts AcquireOptions) (*Sandbox, error) {
	sb, err := p.createSandbox(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.TaskID != "" {
		sb.Record.TaskID = opts.TaskID
	}
	if err := p.seedWorkspace(ctx, sb, workspacePath); err != nil {
		if derr := p.destroy(ctx, sb); derr != nil {
			p.log.Warn("failed to destroy sandbox after seed failure", zap.String("sandbox", sb.Record.ID), zap.Error(derr))
		}
		return nil, err
	}
	return sb, nil
}

// Release returns a sandbox to the pool, or destroys it if cleanup is
// requested or the warm pool is already full.
func (p *Pool) Release(ctx context.Context, sb *Sandbox, cleanup bool) error {
	p.mu.Lock()
	delete(p.inUse, sb.Record.ID)
	atCapacity := len(p.warm) >= p.cfg.MaxSize
	p.mu.Unlock()

	if cleanup || atCapacity {
		return p.destroy(ctx, sb)
	}

	if err := p.resetWorkspace(ctx, sb); err != nil {
		p.log.Warn("sandbox reset failed, destroying", zap.String("sandbox", sb.Record.ID), zap.Error(err))
		sb.Record.PoolStatus = types.PoolError
		return p.destroy(ctx, sb)
	}

	sb.Record.PoolStatus = types.PoolReady
	sb.Record.LastUsedAt = time.Now().UTC()
	if err := p.store.SaveSandboxRecord(ctx, sb.Record); err != nil {
		p.log.Warn("failed to persist sandbox record on release", zap.Error(err))
	}

	p.mu.Lock()
	p.warm = append(p.warm, sb)
	p.mu.Unlock()
	return nil
}

// Shutdown awaits all pending background creations, then stops and removes
// every sandbox in either set.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.pending.Wait()

		p.mu.Lock()
		all := append([]*Sandbox{}, p.warm...)
		for _, sb := range p.inUse {
			all = append(all, sb)
		}
		p.warm = nil
		p.inUse = make(map[string]*Sandbox)
		p.closed = true
		p.mu.Unlock()

		for _, sb := range all {
			if err := p.destroy(ctx, sb); err != nil {
				p.log.Warn("failed to destroy sandbox during shutdown", zap.String("sandbox", sb.Record.ID), zap.Error(err))
			}
		}
	})
}

// Stats is a point-in-time snapshot of the pool's warm/in-use sets, used by
// the system_status tool.
type Stats struct {
	Warm    int
	InUse   int
	MaxSize int
}

// Stats reports the current size of the warm and in-use sets.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Warm: len(p.warm), InUse: len(p.inUse), MaxSize: p.cfg.MaxSize}
}

func (p *Pool) popWarm() *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.warm) == 0 {
		return nil
	}
	sb := p.warm[len(p.warm)-1]
	p.warm = p.warm[:len(p.warm)-1]
	return sb
}

func (p *Pool) replenishAsync() {
	p.mu.Lock()
	belowTarget := len(p.warm) < p.cfg.WarmSize
	p.mu.Unlock()
	if !belowTarget {
		return
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		sb, err := p.createSandbox(context.Background(), AcquireOptions{})
		if err != nil {
			p.log.Warn("background sandbox replenishment failed", zap.Error(err))
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = p.destroy(context.Background(), sb)
			return
		}
		p.warm = append(p.warm, sb)
		p.mu.Unlock()
	}()
}

func (p *Pool) createSandboxWithTimeout(ctx context.Context, opts AcquireOptions) (*Sandbox, error) {
	timeout := p.cfg.CredentialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sb, err := p.createSandbox(cctx, opts)
	if err != nil {
		if cctx.Err() != nil {
			return nil, engineerr.Wrap(engineerr.TimedOut, "credential configuration timed out", cctx.Err())
		}
		return nil, err
	}
	return sb, nil
}

func (p *Pool) createSandbox(ctx context.Context, opts AcquireOptions) (*Sandbox, error) {
	cpu := opts.CPUCores
	if cpu == 0 {
		cpu = p.cfg.DefaultCPUCores
	}
	mem := opts.MemoryBytes
	if mem == 0 {
		mem = p.cfg.DefaultMemoryBytes
	}

	id := newSandboxID()
	name := "taskforge-sandbox-" + id
	now := time.Now().UTC()

	rec := &types.SandboxRecord{
		ID:              id,
		Name:            name,
		PoolStatus:      types.PoolCreating,
		LifecycleStatus: types.LifecycleStopped,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	networkMode := ""
	if p.cfg.SecureExecution {
		networkMode = "none"
	}
	spec := dockerutil.ContainerSpec{
		Name:        name,
		Image:       p.image,
		NetworkMode: networkMode,
		CPUQuota:    cpu * 100000,
		Memory:      mem,
		Labels: map[string]string{
			dockerutil.LabelOwner:     dockerutil.LabelOwnerTrue,
			dockerutil.LabelSandboxID: id,
			dockerutil.LabelPooled:    "true",
		},
	}

	containerID, err := p.docker.CreateContainer(ctx, spec)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Unavailable, "failed to create sandbox container", err)
	}
	rec.DockerContainerID = containerID

	if err := p.docker.StartContainer(ctx, containerID); err != nil {
		_ = p.docker.RemoveContainer(ctx, containerID, true)
		return nil, engineerr.Wrap(engineerr.Unavailable, "failed to start sandbox container", err)
	}
	rec.LifecycleStatus = types.LifecycleRunning

	if err := p.configureCredential(ctx, containerID); err != nil {
		rec.PoolStatus = types.PoolError
		_ = p.docker.StopContainer(ctx, containerID, 5*time.Second)
		_ = p.docker.RemoveContainer(ctx, containerID, true)
		return nil, err
	}
	rec.AuthConfigured = true
	rec.PoolStatus = types.PoolReady

	if err := p.store.SaveSandboxRecord(ctx, rec); err != nil {
		p.log.Warn("failed to persist new sandbox record", zap.Error(err))
	}

	return &Sandbox{Record: rec}, nil
}

// configureCredential injects the resolved credential using the strategy
// matching its kind: a long-lived key as a shell-rc exported environment
// variable, a short-lived token as a JSON blob at two well-known paths with
// owner-only permissions.
func (p *Pool) configureCredential(ctx context.Context, containerID string) error {
	tok, err := p.auth.Resolve(ctx)
	if err != nil || tok == nil {
		return engineerr.Wrap(engineerr.AuthUnavailable, "no usable agent credential resolved", err)
	}

	switch tok.Kind {
	case types.AuthKindShortLivedToken:
		blob, err := json.Marshal(map[string]string{
			"accessSecret":  tok.AccessSecret,
			"refreshSecret": tok.RefreshSecret,
		})
		if err != nil {
			return engineerr.Wrap(engineerr.AuthUnavailable, "failed to encode credential blob", err)
		}
		for _, path := range []string{"/root/.taskforge/credentials.json", "/home/agent/.taskforge/credentials.json"} {
			cmd := []string{"sh", "-c", fmt.Sprintf(
				"mkdir -p %s && printf '%%s' %s > %s && chmod 600 %s",
				filepath.Dir(path), shellQuote(string(blob)), path, path,
			)}
			if _, err := p.docker.Exec(ctx, containerID, cmd, "/"); err != nil {
				return engineerr.Wrap(engineerr.AuthUnavailable, "failed to write credential blob", err)
			}
		}
	default:
		cmd := []string{"sh", "-c", fmt.Sprintf("echo 'export %s=%s' >> /etc/profile.d/taskforge-auth.sh", authreader.EnvVarName, tok.AccessSecret)}
		if _, err := p.docker.Exec(ctx, containerID, cmd, "/"); err != nil {
			return engineerr.Wrap(engineerr.AuthUnavailable, "failed to export credential into sandbox", err)
		}
	}
	return nil
}

func (p *Pool) seedWorkspace(ctx context.Context, sb *Sandbox, workspacePath string) error {
	if err := p.docker.CopyToContainer(ctx, sb.Record.DockerContainerID, workspacePath, "/workspace"); err != nil {
		return engineerr.Wrap(engineerr.InternalError, "failed to seed sandbox workspace", err)
	}
	if _, err := p.docker.Exec(ctx, sb.Record.DockerContainerID, []string{"chown", "-R", "agent:agent", "/workspace"}, "/"); err != nil {
		return engineerr.Wrap(engineerr.InternalError, "failed to normalize workspace ownership", err)
	}
	sb.Record.WorkspaceConfigured = true
	sb.Record.WorkspacePath = workspacePath
	sb.Record.LastUsedAt = time.Now().UTC()
	if err := p.store.SaveSandboxRecord(ctx, sb.Record); err != nil {
		p.log.Warn("failed to persist sandbox record after seeding", zap.Error(err))
	}
	return nil
}

func (p *Pool) resetWorkspace(ctx context.Context, sb *Sandbox) error {
	_, err := p.docker.Exec(ctx, sb.Record.DockerContainerID, []string{"sh", "-c", "rm -rf /workspace/* /workspace/.[!.]*"}, "/")
	if err != nil {
		return fmt.Errorf("failed to empty sandbox workspace: %w", err)
	}
	sb.Record.WorkspaceConfigured = false
	sb.Record.WorkspacePath = ""
	return nil
}

func (p *Pool) destroy(ctx context.Context, sb *Sandbox) error {
	_ = p.docker.StopContainer(ctx, sb.Record.DockerContainerID, 5*time.Second)
	if err := p.docker.RemoveContainer(ctx, sb.Record.DockerContainerID, true); err != nil {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}
	return nil
}

func newSandboxID() string {
	return uuid.New().String()
}

// shellQuote wraps s in single quotes for use as a literal sh argument.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
