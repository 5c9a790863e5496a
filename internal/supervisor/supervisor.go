// Package supervisor wraps the engine binary in a crash-resilient parent
// process: it spawns the child, pipes its stdio through transparently,
// restarts it on unexpected exit with exponential backoff bounded by a
// crash window, forwards termination signals with a grace period, and pings
// the child's liveness on an interval.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
)

// defaultMaxBackoff caps the exponential delay between restart attempts when
// no cap is configured.
const defaultMaxBackoff = 30 * time.Second

// Supervisor restarts a child process on crash, forwarding signals and
// stdio transparently.
type Supervisor struct {
	cmdPath string
	cmdArgs []string
	cfg     config.SupervisorConfig
	log     *logger.Logger
}

// New builds a Supervisor that repeatedly runs the named command.
func New(cmdPath string, cmdArgs []string, cfg config.SupervisorConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{cmdPath: cmdPath, cmdArgs: cmdArgs, cfg: cfg, log: log}
}

// Run drives the supervise loop until ctx is cancelled (by a forwarded
// termination signal, honoring the configured grace period) or the crash
// budget within the crash window is exhausted. Returns the error that ended
// supervision, or nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var crashes []time.Time
	backoff := time.Second
	maxBackoff := s.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	for {
		start := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.log.Info("supervised process exited cleanly")
			return nil
		}

		crashes = s.recordCrash(crashes, start)
		if len(crashes) > s.cfg.MaxCrashes {
			return fmt.Errorf("supervised process crashed %d times within %s, giving up: %w", len(crashes), s.cfg.CrashWindow, err)
		}

		s.log.Warn("supervised process exited, restarting",
			zap.Error(err),
			zap.Int("crashesInWindow", len(crashes)),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// recordCrash appends the crash time and drops entries older than the
// configured crash window, so the budget only counts recent crashes.
func (s *Supervisor) recordCrash(crashes []time.Time, at time.Time) []time.Time {
	window := s.cfg.CrashWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	cutoff := at.Add(-window)
	kept := crashes[:0]
	for _, t := range crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, at)
}

// runOnce spawns the child, pipes stdio through, and waits for it to exit
// or for ctx to be cancelled, in which case it signals the child and waits
// up to the grace period before killing it outright.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.cmdPath, s.cmdArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start supervised process: %w", err)
	}
	s.log.Info("supervised process started", zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	healthInterval := s.cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = 2 * time.Second
	}
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case err := <-done:
			return err

		case <-healthTicker.C:
			if !processAlive(cmd.Process.Pid) {
				return fmt.Errorf("supervised process pid %d vanished without reporting exit", cmd.Process.Pid)
			}

		case <-ctx.Done():
			return s.shutdown(cmd, done)
		}
	}
}

// shutdown forwards a termination signal to the child and waits up to the
// grace period before a hard kill.
func (s *Supervisor) shutdown(cmd *exec.Cmd, done chan error) error {
	s.log.Info("forwarding termination to supervised process", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		s.log.Warn("supervised process did not exit within grace period, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// processAlive reports whether pid still exists, by sending signal 0 (a
// no-op delivery that only checks the target is reachable).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
