// Package session implements the Session Manager: session lifecycle,
// identity, capacity enforcement, and idle reaping. Live sessions sit in
// a map guarded by a single RWMutex, with one debugger child process per
// session and a single idle-sweep goroutine for the whole table.
package session

import (
	"time"

	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/executor"
	"github.com/hrygo/dbgmux/process"
)

// Status is a Session's lifecycle state. Transitions are
// monotone along Initializing → Active → Closing → Closed, with Faulted
// reachable from any non-terminal state.
type Status string

const (
	Initializing Status = "initializing"
	Active       Status = "active"
	Closing      Status = "closing"
	Closed       Status = "closed"
	Faulted      Status = "faulted"
)

// Session is one (dump file, debugger child process) pair with its own
// command queue. Status is mutated only by the Session Manager;
// LastActivity is touched by both the Manager (on every successful
// lookup) and the Executor (on command activity).
type Session struct {
	ID         string
	DumpPath   string
	SymbolPath string
	CreatedAt  time.Time

	conn     process.Conn
	store    *command.Store
	exec     *executor.Executor
	cancelFn func()

	status       atomicStatus
	lastActivity atomicTime
}

// Summary is the read-only shape handed back by session.list.
type Summary struct {
	SessionID    string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
}

// Touch stamps LastActivity to now, called by the Manager on every
// successful dispatcher lookup and by the Executor on command activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now())
}

// LastActivity returns the last touched time.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity.Load()
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	return s.status.Load()
}

// Store returns the session's Command Record Store.
func (s *Session) Store() *command.Store {
	return s.store
}

// Wake nudges the session's executor to re-check the queue immediately,
// instead of waiting out its poll interval, after a dispatcher enqueue.
func (s *Session) Wake() {
	s.exec.Wake()
}

// Summary returns a read-only snapshot for session.list.
func (s *Session) Summary() Summary {
	return Summary{
		SessionID:    s.ID,
		Status:       s.Status(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

// setStatus enforces the monotone status lattice: Initializing → Active
// → Closing → Closed, with Faulted reachable from any non-terminal state.
// Returns whether the transition was applied.
func (s *Session) setStatus(to Status) bool {
	return s.status.CompareAndTransition(to)
}
