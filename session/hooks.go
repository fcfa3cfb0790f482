package session

import "github.com/hrygo/dbgmux/command"

// Hooks are optional instrumentation callbacks fired at session and
// command state transitions. The Manager and each session's executor
// invoke them inline; whoever constructs the Manager (the metrics
// registry, a test) decides what they do. All fields may be nil.
type Hooks struct {
	SessionOpened  func()
	SessionClosed  func(reason string)
	SessionFaulted func()

	CommandTerminal func(command.Snapshot)
	RecoveryAttempt func()
}

// SetHooks installs h. Call before the first Create; hooks are read
// without a lock on the hot path.
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}
