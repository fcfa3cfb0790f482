package executor

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dbgmux/apierr"
	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/framer"
	"github.com/hrygo/dbgmux/internal/config"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/process"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DefaultCommandTimeout = 200 * time.Millisecond
	cfg.MaxCommandTimeout = 500 * time.Millisecond
	cfg.SimpleCommandTimeout = 100 * time.Millisecond
	cfg.MaxRecoveryAttempts = 0
	return cfg
}

func newTestExecutor(t *testing.T, conn *process.Fake, store *command.Store, fabric *notify.Fabric, cfg *config.Config) *Executor {
	t.Helper()
	safety, err := NewBatchSafety(cfg)
	require.NoError(t, err)
	return New(Options{
		Logger:    slog.Default(),
		SessionID: "sess-1",
		Conn:      conn,
		Framer:    framer.New(conn),
		Store:     store,
		Fabric:    fabric,
		Config:    cfg,
		Safety:    safety,
	})
}

// echoOutput simulates the debugger executing a .echo directive: the
// output is the echoed text, not the directive line itself.
func echoOutput(line string) string {
	return strings.TrimPrefix(line, ".echo ")
}

// drainEvents reads every pending event off sub without blocking once
// events stop arriving within a short window.
func drainEvents(t *testing.T, sub *notify.Subscriber) []notify.Event {
	t.Helper()
	var out []notify.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		ev, ok := sub.Next(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestExecutorSingleCommandCompletes(t *testing.T) {
	conn := process.NewFake()
	store := command.NewStore()
	fabric := notify.New()
	cfg := testConfig()
	ex := newTestExecutor(t, conn, store, fabric, cfg)

	sub := fabric.Subscribe("sess-1")
	defer fabric.Unsubscribe(sub)

	rec := command.New("c1", "sess-1", "version")
	store.Enqueue(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)
	defer ex.Stop()

	// Feed the sentinel-framed response once the executor has written it.
	// The executor writes .echo directives; a real debugger would emit the
	// bare marker in its output, so the test strips the directive prefix.
	require.Eventually(t, func() bool { return len(conn.Written()) == 3 }, time.Second, time.Millisecond)
	written := conn.Written()
	conn.Feed(echoOutput(written[0]))
	conn.Feed("dbgmux version 1.0")
	conn.Feed(echoOutput(written[2]))

	require.Eventually(t, func() bool {
		snap := rec.Snapshot()
		return snap.State == command.Completed
	}, time.Second, time.Millisecond)

	snap := rec.Snapshot()
	assert.Equal(t, "dbgmux version 1.0", snap.Result)

	events := drainEvents(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, notify.MethodCommandStatus, events[0].Method)

	// Exactly one executing event precedes exactly one terminal event.
	var statuses []string
	for _, ev := range events {
		if ev.Method == notify.MethodCommandStatus {
			statuses = append(statuses, ev.WireParams()["status"].(string))
		}
	}
	assert.Equal(t, []string{"executing", "completed"}, statuses)

	last := events[len(events)-1]
	require.True(t, last.Terminal)
	params := last.WireParams()
	assert.Equal(t, "completed", params["status"])
	assert.Equal(t, "version", params["command"])
	assert.Equal(t, "dbgmux version 1.0", params["result"])
	assert.Equal(t, "sess-1", params["sessionId"])
	assert.Equal(t, "c1", params["commandId"])
}

func TestExecutorBatchesContiguousSafeCommands(t *testing.T) {
	conn := process.NewFake()
	store := command.NewStore()
	fabric := notify.New()
	cfg := testConfig()
	ex := newTestExecutor(t, conn, store, fabric, cfg)

	a := command.New("a", "sess-1", "!threads")
	b := command.New("b", "sess-1", "version")
	store.Enqueue(a)
	store.Enqueue(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)
	defer ex.Stop()

	// outer-begin, then (inner-begin, command, inner-end) per item, then
	// outer-end: 2 + 3*len(batch) lines.
	require.Eventually(t, func() bool { return len(conn.Written()) == 8 }, time.Second, time.Millisecond)
	for _, line := range conn.Written() {
		conn.Feed(echoOutput(line))
	}

	require.Eventually(t, func() bool {
		return a.Snapshot().State.IsTerminal() && b.Snapshot().State.IsTerminal()
	}, time.Second, time.Millisecond)
}

func TestRunBatchSkipsRecordsCancelledBeforeExecuting(t *testing.T) {
	conn := process.NewFake()
	store := command.NewStore()
	fabric := notify.New()
	cfg := testConfig()
	ex := newTestExecutor(t, conn, store, fabric, cfg)

	sub := fabric.Subscribe("sess-1")
	defer fabric.Unsubscribe(sub)

	a := command.New("a", "sess-1", "version")
	b := command.New("b", "sess-1", "!threads")
	// b was cancelled (and its terminal event published by the canceller)
	// after being popped but before the batch ran: it must get no
	// executing event and must not be dispatched to the debugger.
	b.TryCancel()

	done := make(chan struct{})
	go func() {
		ex.runBatch([]*command.Record{a, b})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conn.Written()) == 3 }, time.Second, time.Millisecond)
	written := conn.Written()
	conn.Feed(echoOutput(written[0]))
	conn.Feed("ok")
	conn.Feed(echoOutput(written[2]))
	<-done

	assert.Equal(t, command.Completed, a.Snapshot().State)
	assert.Equal(t, "version", written[1])

	for _, ev := range drainEvents(t, sub) {
		assert.NotEqual(t, "b", ev.CommandID)
	}
}

func TestExecutorProcessDeathFailsQueuedAndEscalates(t *testing.T) {
	conn := process.NewFake()
	store := command.NewStore()
	fabric := notify.New()
	cfg := testConfig()

	faulted := make(chan string, 1)
	safety, err := NewBatchSafety(cfg)
	require.NoError(t, err)
	ex := New(Options{
		Logger:    slog.Default(),
		SessionID: "sess-1",
		Conn:      conn,
		Framer:    framer.New(conn),
		Store:     store,
		Fabric:    fabric,
		Config:    cfg,
		Safety:    safety,
		OnFault:   func(reason string) { faulted <- reason },
	})

	rec := command.New("c1", "sess-1", "!analyze -v")
	other := command.New("c2", "sess-1", "version")
	store.Enqueue(rec)
	store.Enqueue(other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)

	require.Eventually(t, func() bool { return len(conn.Written()) >= 1 }, time.Second, time.Millisecond)
	conn.Kill()

	select {
	case <-faulted:
	case <-time.After(time.Second):
		t.Fatal("expected OnFault to fire")
	}

	assert.Equal(t, command.Failed, rec.Snapshot().State)
	assert.Equal(t, apierr.ProcessFailed, rec.Snapshot().ErrCode)
	assert.Equal(t, command.Failed, other.Snapshot().State)
}

func TestExecutorCancelDuringExecutingYieldsCancelled(t *testing.T) {
	origPoll, origDrain := pollInterval, drainWindow
	pollInterval = 10 * time.Millisecond
	drainWindow = 50 * time.Millisecond
	defer func() { pollInterval, drainWindow = origPoll, origDrain }()

	conn := process.NewFake()
	store := command.NewStore()
	fabric := notify.New()
	cfg := testConfig()
	cfg.DefaultCommandTimeout = 200 * time.Millisecond
	cfg.MaxCommandTimeout = 200 * time.Millisecond
	cfg.CdbPromptDelay = 50 * time.Millisecond
	ex := newTestExecutor(t, conn, store, fabric, cfg)

	rec := command.New("c1", "sess-1", "g")
	store.Enqueue(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)
	defer ex.Stop()

	require.Eventually(t, func() bool { return rec.State() == command.Executing }, time.Second, time.Millisecond)
	rec.RequestCancel()

	require.Eventually(t, func() bool { return rec.Snapshot().State == command.Cancelled }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.Interrupted > 0)
}

func TestBatchSafetyExcludesAnalyzeAndMetacharacters(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSafeCommands = []string{"!threads", "!analyze -v", "dir > out.txt"}
	safety, err := NewBatchSafety(cfg)
	require.NoError(t, err)

	assert.True(t, safety.IsSafe("!threads"))
	assert.False(t, safety.IsSafe("!analyze -v"))
	assert.False(t, safety.IsSafe("dir > out.txt"))
	assert.False(t, safety.IsSafe("version")) // not on the allow-list, no CEL rule
}

func TestBatchSafetyCELRule(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSafeCommands = nil
	cfg.BatchSafeRule = `command.startsWith("!")`
	safety, err := NewBatchSafety(cfg)
	require.NoError(t, err)

	assert.True(t, safety.IsSafe("!runaway"))
	assert.False(t, safety.IsSafe("version"))
	assert.False(t, safety.IsSafe("!analyze -v")) // unconditional exclusion beats the CEL rule
}
