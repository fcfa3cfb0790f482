// Package toolsurface is the thin dispatcher binding the JSON-RPC
// methods onto the Session Manager, Command Record Store, and
// Notification Fabric: one struct wiring every request to the underlying
// service calls, validating input and translating errors at the
// boundary, with no long-running work on the dispatcher's own
// goroutine.
package toolsurface

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/dbgmux/apierr"
	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/internal/version"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/rpc"
	"github.com/hrygo/dbgmux/session"
)

// Dispatcher binds every exposed method to the Session Manager. One
// Dispatcher is constructed at startup and shared by every transport
// (stdio and HTTP both call the same Dispatch).
type Dispatcher struct {
	logger    *slog.Logger
	sessions  *session.Manager
	fabric    *notify.Fabric
	startedAt time.Time
}

// New constructs a Dispatcher. startedAt feeds health.get's uptime field.
func New(logger *slog.Logger, sessions *session.Manager, fabric *notify.Fabric) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, sessions: sessions, fabric: fabric, startedAt: time.Now()}
}

type handlerFunc func(d *Dispatcher, ctx context.Context, params json.RawMessage) (any, *apierr.Error)

var handlers = map[string]handlerFunc{
	"session.open":          (*Dispatcher).sessionOpen,
	"session.close":         (*Dispatcher).sessionClose,
	"session.list":          (*Dispatcher).sessionList,
	"command.enqueue":       (*Dispatcher).commandEnqueue,
	"command.enqueue_batch": (*Dispatcher).commandEnqueueBatch,
	"command.status":        (*Dispatcher).commandStatus,
	"command.status_bulk":   (*Dispatcher).commandStatusBulk,
	"command.result":        (*Dispatcher).commandResult,
	"command.cancel":        (*Dispatcher).commandCancel,
	"queue.stats":           (*Dispatcher).queueStats,
	"health.get":            (*Dispatcher).healthGet,
}

// Dispatch routes req to its handler and always returns a well-formed
// Response — transport errors (unknown method, bad params) use the
// standard JSON-RPC protocol-level codes; domain errors use the
// apierr-derived codes.
func (d *Dispatcher) Dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	h, ok := handlers[req.Method]
	if !ok {
		return rpc.Failure(req.ID, rpc.ErrMethodNotFound)
	}
	result, apiErr := h(d, ctx, req.Params)
	if apiErr != nil {
		d.logger.Warn("toolsurface: call failed", "method", req.Method, "code", string(apiErr.Code), "message", apiErr.Message)
		return rpc.Failure(req.ID, rpc.FromAPIError(apiErr))
	}
	return rpc.Success(req.ID, result)
}

func decodeParams[T any](raw json.RawMessage) (T, *apierr.Error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apierr.New(apierr.InvalidArgument, "invalid params: %v", err)
	}
	return v, nil
}

// requireActiveSession resolves sessionID and verifies it is Active,
// bumping last-activity on success.
func (d *Dispatcher) requireActiveSession(sessionID string) (*session.Session, *apierr.Error) {
	if sessionID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "sessionId is required")
	}
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown session %q", sessionID).WithSession(sessionID)
	}
	if sess.Status() != session.Active {
		return nil, apierr.New(apierr.PreconditionFailed, "session %q is not active (status=%s)", sessionID, sess.Status()).WithSession(sessionID)
	}
	return sess, nil
}

// requireSession resolves sessionID without requiring Active status, for
// operations (status, result, cancel, queue.stats) that remain valid against a
// Closing/Faulted session until its records are swept.
func (d *Dispatcher) requireSession(sessionID string) (*session.Session, *apierr.Error) {
	if sessionID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "sessionId is required")
	}
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown session %q", sessionID).WithSession(sessionID)
	}
	return sess, nil
}

func requireCommand(sess *session.Session, commandID string) (*command.Record, *apierr.Error) {
	if commandID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "commandId is required")
	}
	rec, ok := sess.Store().Get(commandID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown command %q", commandID).WithSession(sess.ID).WithCommand(commandID)
	}
	return rec, nil
}

func (d *Dispatcher) sessionOpen(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[sessionOpenParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	if p.DumpPath == "" {
		return nil, apierr.New(apierr.InvalidArgument, "dumpPath is required")
	}
	id, err := d.sessions.Create(ctx, p.DumpPath, p.SymbolsPath)
	if err != nil {
		if ae, ok := err.(*apierr.Error); ok {
			return nil, ae
		}
		return nil, apierr.New(apierr.Internal, "%v", err)
	}
	return sessionOpenResult{SessionID: id}, nil
}

func (d *Dispatcher) sessionClose(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[sessionCloseParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	if p.SessionID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "sessionId is required")
	}
	closed, err := d.sessions.Close(p.SessionID)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "%v", err)
	}
	return sessionCloseResult{Closed: closed}, nil
}

func (d *Dispatcher) sessionList(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	summaries := d.sessions.ListActive()
	out := make([]sessionSummary, len(summaries))
	for i, s := range summaries {
		out[i] = sessionSummary{
			SessionID:    s.SessionID,
			Status:       string(s.Status),
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
		}
	}
	return sessionListResult{Sessions: out}, nil
}

func (d *Dispatcher) commandEnqueue(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandEnqueueParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireActiveSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	if p.Command == "" {
		return nil, apierr.New(apierr.InvalidArgument, "command is required").WithSession(p.SessionID)
	}

	rec := command.New(uuid.NewString(), p.SessionID, p.Command)
	if p.TimeoutMs > 0 {
		rec.SetTimeout(time.Duration(p.TimeoutMs) * time.Millisecond)
	}
	sess.Store().Enqueue(rec)
	d.fabric.Publish(notify.Event{
		Method:    notify.MethodCommandStatus,
		SessionID: p.SessionID,
		CommandID: rec.ID(),
		Params:    map[string]any{"status": string(notify.StatusQueued), "command": p.Command},
	})
	sess.Wake()
	return commandEnqueueResult{CommandID: rec.ID()}, nil
}

func (d *Dispatcher) commandEnqueueBatch(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandEnqueueBatchParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireActiveSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	if len(p.Commands) == 0 {
		return nil, apierr.New(apierr.InvalidArgument, "commands must be non-empty").WithSession(p.SessionID)
	}

	ids := make([]string, len(p.Commands))
	for i, text := range p.Commands {
		rec := command.New(uuid.NewString(), p.SessionID, text)
		if p.TimeoutMs > 0 {
			rec.SetTimeout(time.Duration(p.TimeoutMs) * time.Millisecond)
		}
		sess.Store().Enqueue(rec)
		d.fabric.Publish(notify.Event{
			Method:    notify.MethodCommandStatus,
			SessionID: p.SessionID,
			CommandID: rec.ID(),
			Params:    map[string]any{"status": string(notify.StatusQueued), "command": text},
		})
		ids[i] = rec.ID()
	}
	sess.Wake()
	return commandEnqueueBatchResult{CommandIDs: ids}, nil
}

func commandTimes(snap command.Snapshot) (started, completed *time.Time) {
	if !snap.StartedAt.IsZero() {
		started = &snap.StartedAt
	}
	if !snap.CompletedAt.IsZero() {
		completed = &snap.CompletedAt
	}
	return
}

func (d *Dispatcher) commandStatus(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandStatusParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	rec, aerr := requireCommand(sess, p.CommandID)
	if aerr != nil {
		return nil, aerr
	}
	snap := rec.Snapshot()
	started, completed := commandTimes(snap)
	return commandStatusResult{
		State:       string(snap.State),
		QueuedAt:    snap.QueuedAt,
		StartedAt:   started,
		CompletedAt: completed,
	}, nil
}

func (d *Dispatcher) commandStatusBulk(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandStatusBulkParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	items := make([]commandStatusItem, 0, len(p.CommandIDs))
	for _, id := range p.CommandIDs {
		rec, ok := sess.Store().Get(id)
		if !ok {
			continue
		}
		snap := rec.Snapshot()
		started, completed := commandTimes(snap)
		items = append(items, commandStatusItem{
			CommandID:   id,
			State:       string(snap.State),
			QueuedAt:    snap.QueuedAt,
			StartedAt:   started,
			CompletedAt: completed,
		})
	}
	return commandStatusBulkResult{Items: items}, nil
}

func (d *Dispatcher) commandResult(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandResultParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	rec, aerr := requireCommand(sess, p.CommandID)
	if aerr != nil {
		return nil, aerr
	}
	snap := rec.Snapshot()
	return commandResultResult{
		State:  string(snap.State),
		Result: snap.Result,
		Error:  snap.ErrMessage,
	}, nil
}

// commandCancel cancels a Queued record atomically and publishes its
// terminal event here (the executor's own PopQueued silently drops
// anything no longer Queued, so the dispatcher is the only one who will
// ever publish for this case); an Executing record is only flagged and the
// executor publishes the eventual terminal event. For a command running on
// its own, the executor's poll loop calls interrupt(); a record inside a
// coalesced batch is not interrupted and is resolved as cancelled once the
// batch's frame completes or times out.
func (d *Dispatcher) commandCancel(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[commandCancelParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	rec, aerr := requireCommand(sess, p.CommandID)
	if aerr != nil {
		return nil, aerr
	}

	switch rec.State() {
	case command.Queued:
		rec.RequestCancel()
		if rec.TryCancel() {
			snap := rec.Snapshot()
			d.fabric.Publish(notify.Event{
				Method:    notify.MethodCommandStatus,
				SessionID: p.SessionID,
				CommandID: rec.ID(),
				Terminal:  true,
				Params: map[string]any{
					"status":  string(notify.StatusCancelled),
					"command": snap.Text,
					"error":   snap.ErrMessage,
				},
			})
		}
		return commandCancelResult{Cancelled: true}, nil
	case command.Executing:
		rec.RequestCancel()
		return commandCancelResult{Cancelled: true}, nil
	default:
		return commandCancelResult{Cancelled: false}, nil
	}
}

func (d *Dispatcher) queueStats(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	p, aerr := decodeParams[queueStatsParams](raw)
	if aerr != nil {
		return nil, aerr
	}
	sess, aerr := d.requireSession(p.SessionID)
	if aerr != nil {
		return nil, aerr
	}
	st := sess.Store().Stats()
	return queueStatsResult{
		Queued:    st.Queued,
		Executing: st.Executing,
		Completed: st.Completed,
		Failed:    st.Failed,
	}, nil
}

// healthGet reports process-wide status: "degraded" once every session
// slot is in use (operators can no longer open new sessions), "healthy"
// otherwise. There is no true "unhealthy" signal at this layer — that
// would require probing each live debugger subprocess — so the value is
// part of the wire contract but never emitted by this dispatcher.
func (d *Dispatcher) healthGet(ctx context.Context, raw json.RawMessage) (any, *apierr.Error) {
	status, st := d.healthSnapshot()
	return healthGetResult{
		Status:         status,
		QueueSize:      st.Queued,
		ActiveCommands: st.Executing,
		Uptime:         time.Since(d.startedAt).Seconds(),
		Version:        version.String(),
		Timestamp:      time.Now(),
	}, nil
}

func (d *Dispatcher) healthSnapshot() (string, command.Stats) {
	st := d.sessions.AggregateStats()
	status := "healthy"
	if d.sessions.Count() > 0 && d.sessions.AtCapacity() {
		status = "degraded"
	}
	return status, st
}

// RunHealthPublisher emits a notifications/serverHealth event to wildcard
// subscribers every interval until ctx is cancelled. One publisher runs
// for the life of the process, alongside the metrics sampler.
func (d *Dispatcher) RunHealthPublisher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, st := d.healthSnapshot()
			d.fabric.Publish(notify.Event{
				Method:    notify.MethodServerHealth,
				SessionID: notify.WildcardSession,
				Params: map[string]any{
					"status":         status,
					"queueSize":      st.Queued,
					"activeCommands": st.Executing,
					"uptime":         time.Since(d.startedAt).Seconds(),
				},
			})
		}
	}
}
