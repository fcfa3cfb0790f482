package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/internal/config"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/process"
	"github.com/hrygo/dbgmux/session"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := New()
	reg.SessionsOpened.Inc()

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunSamplerRefreshesGaugesUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.DumpCheckTimeout = 0
	cfg.StartupDelay = 0
	cfg.CleanupInterval = time.Hour

	fabric := notify.New()
	mgr, err := session.NewManager(slog.Default(), cfg, fabric)
	require.NoError(t, err)
	mgr.SetSpawnForTest(func(logger *slog.Logger, opts process.Options) (process.Conn, error) {
		return process.NewFake(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	reg := New()
	done := make(chan struct{})
	go func() {
		reg.RunSampler(ctx, mgr, fabric, 5*time.Millisecond)
		close(done)
	}()

	_, err = mgr.Create(context.Background(), "a.dmp", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutilGatherValue(t, reg, "dbgmux_session_active") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	_ = mgr.Shutdown(shutdownCtx)
}

func TestSessionHooksIncrementTransitionCounters(t *testing.T) {
	reg := New()
	hooks := reg.SessionHooks()

	hooks.SessionOpened()
	hooks.SessionClosed("IdleTimeout")
	hooks.SessionFaulted()
	hooks.RecoveryAttempt()

	now := time.Now()
	hooks.CommandTerminal(command.Snapshot{
		State:       command.Completed,
		StartedAt:   now.Add(-2 * time.Second),
		CompletedAt: now,
	})

	mfs, err := reg.registry.Gather()
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				byName[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 1.0, byName["dbgmux_session_opened_total"])
	assert.Equal(t, 1.0, byName["dbgmux_session_closed_total"])
	assert.Equal(t, 1.0, byName["dbgmux_session_faulted_total"])
	assert.Equal(t, 1.0, byName["dbgmux_recovery_attempts_total"])
	assert.Equal(t, 1.0, byName["dbgmux_command_terminal_total"])
	assert.Equal(t, 1.0, byName["dbgmux_command_duration_seconds"])
}

// testutilGatherValue reads back a single-sample gauge's current value
// via the registry's own Gather, keeping the test free of extra
// dependencies.
func testutilGatherValue(t *testing.T, reg *Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
