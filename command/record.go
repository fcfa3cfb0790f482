// Package command holds the Command Record — the per-session unit of
// queued/executing/terminal debugger work — and its Store, a concurrent
// map with retention sweeping.
package command

import (
	"sync"
	"time"

	"github.com/hrygo/dbgmux/apierr"
)

// State is one point in the command state lattice: Queued →
// Executing → exactly one of {Completed, Failed, Cancelled, Timeout}.
type State string

const (
	Queued    State = "queued"
	Executing State = "executing"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	Timeout   State = "timeout"
)

// IsTerminal reports whether s is one of the lattice's terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Timeout:
		return true
	default:
		return false
	}
}

// Snapshot is an immutable copy of a Record's fields, safe to read without
// holding any lock — exactly the shape toolsurface hands back to clients.
type Snapshot struct {
	ID          string
	SessionID   string
	Text        string
	State       State
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      string
	ErrCode     apierr.Code
	ErrMessage  string
}

// Record is one command's life story. All mutation goes through its
// Try* methods: a Cancel racing with a natural Complete resolves to
// whichever observes first, and the other operation becomes a no-op.
type Record struct {
	mu sync.Mutex

	id          string
	sessionID   string
	text        string
	state       State
	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time
	result      string
	errCode     apierr.Code
	errMessage  string

	cancelRequested bool
	timeout         time.Duration
}

// New creates a Record in the Queued state.
func New(id, sessionID, text string) *Record {
	return &Record{
		id:        id,
		sessionID: sessionID,
		text:      text,
		state:     Queued,
		queuedAt:  time.Now(),
	}
}

// ID returns the command's id.
func (r *Record) ID() string { return r.id }

// Text returns the command's literal text.
func (r *Record) Text() string { return r.text }

// SetTimeout records a caller-requested per-command timeout (e.g. from
// command.enqueue's optional `timeoutMs`). Zero means "use the server
// default". Only effective while the record is still Queued.
func (r *Record) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Queued {
		return
	}
	r.timeout = d
}

// Timeout returns the caller-requested per-command timeout, or zero if
// none was set.
func (r *Record) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Snapshot returns the current state without blocking: a read before
// terminal state sees the current state and an empty result.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:          r.id,
		SessionID:   r.sessionID,
		Text:        r.text,
		State:       r.state,
		QueuedAt:    r.queuedAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Result:      r.result,
		ErrCode:     r.errCode,
		ErrMessage:  r.errMessage,
	}
}

// TryExecuting transitions Queued → Executing and stamps startedAt.
func (r *Record) TryExecuting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Queued {
		return false
	}
	r.state = Executing
	r.startedAt = time.Now()
	return true
}

// TryComplete transitions Executing → Completed with the given result.
func (r *Record) TryComplete(result string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Executing {
		return false
	}
	r.state = Completed
	r.result = result
	r.completedAt = time.Now()
	return true
}

// TryFail transitions Queued or Executing → Failed, recording the taxonomy
// code and message. Used for ProcessDead and other fatal errors.
func (r *Record) TryFail(code apierr.Code, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Queued && r.state != Executing {
		return false
	}
	r.state = Failed
	r.errCode = code
	r.errMessage = message
	r.completedAt = time.Now()
	return true
}

// TryTimeout transitions Executing → Timeout, keeping whatever partial
// result the framer captured.
func (r *Record) TryTimeout(partial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Executing {
		return false
	}
	r.state = Timeout
	r.result = partial
	r.errCode = apierr.Timeout
	r.errMessage = "command exceeded its deadline"
	r.completedAt = time.Now()
	return true
}

// TryCancel transitions Queued or Executing → Cancelled. A Queued record
// cancels immediately; an Executing one still needs the executor to call
// Interrupt() on the debugger — this only records the terminal state.
func (r *Record) TryCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Queued && r.state != Executing {
		return false
	}
	r.state = Cancelled
	r.errCode = apierr.Cancelled
	r.errMessage = "cancelled"
	r.completedAt = time.Now()
	return true
}

// RequestCancel marks that a cancel was requested for this record without
// changing its state lattice position. The executor consults this flag
// when the record reaches the front of the queue or while it executes, so
// a cancel racing ahead of dequeue still takes effect.
func (r *Record) RequestCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRequested = true
}

// CancelRequested reports whether RequestCancel was called.
func (r *Record) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// State returns the current state without a full snapshot copy.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
