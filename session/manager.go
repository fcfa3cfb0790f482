package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hrygo/dbgmux/apierr"
	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/executor"
	"github.com/hrygo/dbgmux/framer"
	"github.com/hrygo/dbgmux/internal/clock"
	"github.com/hrygo/dbgmux/internal/config"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/process"
)

// deleteDump removes a closed session's dump file when DeleteDumpOnClose
// is configured.
func deleteDump(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("session: failed to delete dump on close", "path", path, "error", err)
	}
}

// Manager owns every live Session, enforcing capacity and reaping idle
// ones: a map of sessions guarded by one RWMutex, a semaphore gating
// concurrent children, and a single idle-sweep goroutine started at
// construction.
type Manager struct {
	logger *slog.Logger
	cfg    *config.Config
	fabric *notify.Fabric
	clock  *clock.Clock
	safety *executor.BatchSafety

	sem   *semaphore.Weighted
	hooks Hooks

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepLimiter *rate.Limiter

	// spawn constructs the Debugger Process Adapter for a new session. It
	// is a field rather than a direct process.Spawn call so tests can
	// substitute a process.Fake instead of launching a real CDB binary.
	spawn func(logger *slog.Logger, opts process.Options) (process.Conn, error)

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewManager constructs a Manager and starts its idle-sweep goroutine. The
// returned Manager owns that goroutine's lifetime; callers stop it with
// Shutdown.
func NewManager(logger *slog.Logger, cfg *config.Config, fabric *notify.Fabric) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	safety, err := executor.NewBatchSafety(cfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger:       logger,
		cfg:          cfg,
		fabric:       fabric,
		clock:        clock.New(),
		safety:       safety,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		sessions:     make(map[string]*Session),
		sweepLimiter: rate.NewLimiter(rate.Every(cfg.CleanupInterval/time.Duration(max(1, cfg.MaxConcurrentSessions))), 1),
		spawn: func(logger *slog.Logger, opts process.Options) (process.Conn, error) {
			return process.Spawn(logger, opts)
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Create spawns a new session against dumpPath. It fails
// with CapacityExceeded if the session cap is already reached, or
// InvalidArgument/ProcessFailed if the debugger cannot be started.
func (m *Manager) Create(ctx context.Context, dumpPath, symbolPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !m.sem.TryAcquire(1) {
		return "", apierr.New(apierr.CapacityExceeded, "max_concurrent_sessions reached (%d)", m.cfg.MaxConcurrentSessions)
	}

	id := m.clock.NextSessionID()
	adapter, err := m.spawn(m.logger, process.Options{
		DebuggerPath: m.cfg.DebuggerPath,
		DumpPath:     dumpPath,
		SymbolPath:   symbolPath,
		StartupDelay: m.cfg.StartupDelay,
	})
	if err != nil {
		m.sem.Release(1)
		return "", err
	}

	fr := framer.New(adapter)
	fr.CapturePrelude(m.cfg.StartupDelay)

	if m.cfg.DumpCheckTimeout > 0 {
		if derr := dumpCheck(adapter, fr, m.cfg.DumpCheckTimeout); derr != nil {
			adapter.Terminate(m.cfg.DisposalTimeout)
			m.sem.Release(1)
			return "", apierr.New(apierr.InvalidArgument, "dump failed validation: %v", derr).WithSession(id)
		}
	}

	store := command.NewStore()
	sess := &Session{
		ID:         id,
		DumpPath:   dumpPath,
		SymbolPath: symbolPath,
		CreatedAt:  time.Now(),
		conn:       adapter,
		store:      store,
	}
	sess.Touch()

	sess.exec = executor.New(executor.Options{
		Logger:     m.logger,
		SessionID:  id,
		Conn:       adapter,
		Framer:     fr,
		Store:      store,
		Fabric:     m.fabric,
		Config:     m.cfg,
		Safety:     m.safety,
		Touch:      sess.Touch,
		OnFault:    func(reason string) { m.onFault(id, reason) },
		OnTerminal: m.hooks.CommandTerminal,
		OnRecovery: m.hooks.RecoveryAttempt,
	})

	execCtx, cancel := context.WithCancel(context.Background())
	sess.cancelFn = cancel
	go sess.exec.Run(execCtx)

	sess.setStatus(Active)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.hooks.SessionOpened != nil {
		m.hooks.SessionOpened()
	}
	m.logger.Info("session: created", "session", id, "dump", dumpPath)
	return id, nil
}

// dumpCheck runs a bounded validation probe before a session goes
// Active: it issues a framed `.lastevent` and waits up to timeout for the
// framed response, proving the debugger loaded the dump and reached an
// interactive prompt. A timeout is treated as "skip validation, proceed";
// the debugger dying before or during the probe is the only failure this
// reports.
func dumpCheck(conn process.Conn, fr *framer.Framer, timeout time.Duration) error {
	if !conn.IsAlive() {
		return errors.New("debugger exited before validation")
	}
	probeID := shortuuid.New()
	for _, line := range []string{framer.EchoBegin(probeID), ".lastevent", framer.EchoEnd(probeID)} {
		if err := conn.WriteLine(line); err != nil {
			return errors.Wrap(err, "validation probe write")
		}
	}
	_, err := fr.ReadBlock(probeID, time.Now().Add(timeout))
	if errors.Is(err, framer.ErrProcessDead) {
		return errors.New("debugger exited during validation")
	}
	if err != nil {
		return err
	}
	// A timed-out block means the probe never came back within the
	// window: validation is skipped and session creation proceeds.
	return nil
}

// Get returns the session by id, bumping its last-activity timestamp on a
// successful lookup.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		sess.Touch()
	}
	return sess, ok
}

// ListActive returns a summary of every session still known to the
// Manager.
func (m *Manager) ListActive() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Summary())
	}
	return out
}

// AggregateStats sums every live session's command.Stats, for health.get's
// process-wide queueSize/activeCommands fields.
func (m *Manager) AggregateStats() command.Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	var total command.Stats
	for _, sess := range sessions {
		st := sess.Store().Stats()
		total.Queued += st.Queued
		total.Executing += st.Executing
		total.Completed += st.Completed
		total.Failed += st.Failed
		total.Cancelled += st.Cancelled
		total.Timeout += st.Timeout
	}
	return total
}

// Count returns the number of sessions currently known to the Manager.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetSpawnForTest overrides how new sessions construct their Debugger
// Process Adapter, so callers outside this package can substitute a
// process.Fake instead of spawning a real CDB binary.
func (m *Manager) SetSpawnForTest(spawn func(logger *slog.Logger, opts process.Options) (process.Conn, error)) {
	m.spawn = spawn
}

// AtCapacity reports whether the Manager is at its configured
// max_concurrent_sessions limit, for health.get's degraded-status signal.
// Faulted shells retained for post-mortem reads do not hold a slot.
func (m *Manager) AtCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sess := range m.sessions {
		if st := sess.Status(); st != Closed && st != Faulted {
			n++
		}
	}
	return n >= m.cfg.MaxConcurrentSessions
}

// Close disposes of a session: cancels queued work, waits (bounded) for
// any in-flight command, terminates the debugger, and removes the
// session. Idempotent: closing an unknown or already-terminal session
// reports closed=false; for a faulted session it also drops the retained
// shell from the table.
func (m *Manager) Close(id string) (bool, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if st := sess.Status(); st == Closed || st == Faulted {
		m.removeSession(id)
		return false, nil
	}
	m.disposeSession(sess, Closed, "")
	return true, nil
}

// removeSession drops a terminal session's shell from the table. The
// capacity slot was already released when the session was disposed.
func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// disposeSession runs the teardown sequence exactly once per session,
// regardless of whether it was triggered by an explicit close, an idle
// sweep, or a fault escalation. target is the terminal status to land on
// (Closed or Faulted); reason is used for logging only. Faulted can be
// reached directly from any non-terminal state, so it is set up front;
// Closed must pass through Closing first.
func (m *Manager) disposeSession(sess *Session, target Status, reason string) {
	if target == Faulted {
		if !sess.setStatus(Faulted) {
			return // already terminal: another caller got there first
		}
	} else if !sess.setStatus(Closing) {
		return // already closing/closed/faulted: another caller got there first
	}

	affected := sess.store.CancelAllQueued()
	for _, id := range affected {
		if rec, ok := sess.store.Get(id); ok {
			m.fabric.Publish(notify.Event{
				Method:    notify.MethodCommandStatus,
				SessionID: sess.ID,
				CommandID: rec.ID(),
				Terminal:  true,
				Params: map[string]any{
					"status":  string(notify.StatusCancelled),
					"command": rec.Text(),
					"error":   "cancelled",
				},
			})
			if m.hooks.CommandTerminal != nil {
				m.hooks.CommandTerminal(rec.Snapshot())
			}
		}
	}

	stopped := make(chan struct{})
	go func() {
		sess.exec.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(m.cfg.DisposalTimeout):
		m.logger.Warn("session: executor did not stop within disposal_timeout", "session", sess.ID)
	}
	if sess.cancelFn != nil {
		sess.cancelFn()
	}

	sess.conn.Terminate(m.cfg.DisposalTimeout)
	if target == Faulted {
		// The faulted shell stays in the table so status/result reads keep
		// working and enqueue is rejected with PreconditionFailed rather
		// than NotFound; the idle sweep drops it once it goes stale.
	} else {
		sess.setStatus(Closed)
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	}
	m.sem.Release(1)

	if m.cfg.DeleteDumpOnClose {
		go deleteDump(m.logger, sess.DumpPath)
	}

	if target == Faulted {
		if m.hooks.SessionFaulted != nil {
			m.hooks.SessionFaulted()
		}
	} else if m.hooks.SessionClosed != nil {
		label := reason
		if label == "" {
			label = "explicit"
		}
		m.hooks.SessionClosed(label)
	}

	m.logger.Info("session: disposed", "session", sess.ID, "status", string(target), "reason", reason)
}

func (m *Manager) onFault(id, reason string) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.logger.Warn("session: faulted", "session", id, "reason", reason)
	// OnFault is invoked from the executor's own goroutine; disposal waits
	// on that goroutine stopping, so it must run elsewhere.
	go m.disposeSession(sess, Faulted, reason)
}

// sweepLoop is the Manager's own idle-sweep goroutine.
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, sess := range sessions {
		_ = m.sweepLimiter.Wait(context.Background())
		stale := now.Sub(sess.LastActivity()) > m.cfg.SessionIdleTimeout
		switch sess.Status() {
		case Active:
			if stale {
				m.disposeSession(sess, Closed, "IdleTimeout")
				continue
			}
		case Closed, Faulted:
			if stale {
				m.removeSession(sess.ID)
				continue
			}
		}
		sess.store.Sweep(m.cfg.Retention, now)
	}
}

// Shutdown closes every session concurrently, waiting up to
// service_shutdown_timeout per session, then stops the sweep loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				m.disposeSession(sess, Closed, "shutdown")
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-time.After(m.cfg.ServiceShutdownTimeout):
				return apierr.New(apierr.Timeout, "session %s did not close within service_shutdown_timeout", sess.ID)
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	return err
}
