package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
)

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		CrashWindow:    time.Minute,
		MaxCrashes:     2,
		GracePeriod:    200 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	}
}

func TestRunReturnsNilOnCleanExit(t *testing.T) {
	sup := New("true", nil, testConfig(), logger.Default())
	err := sup.Run(context.Background())
	assert.NoError(t, err)
}

func TestRunGivesUpAfterCrashBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCrashes = 1
	sup := New("false", nil, cfg, logger.Default())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up")
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not give up within the crash budget")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sup := New("sleep", []string{"5"}, testConfig(), logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}

func TestRecordCrashDropsEntriesOutsideWindow(t *testing.T) {
	sup := &Supervisor{cfg: config.SupervisorConfig{CrashWindow: time.Minute}, log: logger.Default()}

	base := time.Now()
	crashes := sup.recordCrash(nil, base.Add(-2*time.Minute))
	crashes = sup.recordCrash(crashes, base)

	require.Len(t, crashes, 1)
	assert.Equal(t, base, crashes[0])
}

func TestProcessAliveReflectsOwnProcess(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

func TestProcessAliveFalseForImplausiblePID(t *testing.T) {
	assert.False(t, processAlive(999999))
}
