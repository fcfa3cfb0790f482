// Package executor implements the Per-Session Executor: the single writer
// into one session's debugger process, driving ordering, timeouts,
// cancellation, optional batching, and result recording. One goroutine
// per session runs the loop; it is the only writer into that session's
// debugger stdin.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/dbgmux/apierr"
	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/framer"
	"github.com/hrygo/dbgmux/internal/config"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/process"
)

// heartbeatInterval, pollInterval and drainWindow are package-level vars
// (not consts) so tests can shrink them instead of waiting out real
// 30-second cadences.
var (
	// heartbeatInterval is the cadence of command-heartbeat events while a
	// command is still Executing.
	heartbeatInterval = 30 * time.Second
	// pollInterval is how often the read-wait loop checks for a live cancel
	// request; much finer than heartbeatInterval so cancellation stays
	// responsive without flooding the Fabric with heartbeats.
	pollInterval = 1 * time.Second
	// drainWindow bounds the post-interrupt drain when
	// Config.CdbPromptDelay is unset.
	drainWindow = 5 * time.Second
)

// Options configures a new Executor. All fields are required except
// Logger (New falls back to slog.Default), Touch, OnFault, OnTerminal and
// OnRecovery.
type Options struct {
	Logger    *slog.Logger
	SessionID string
	Conn      process.Conn
	Framer    *framer.Framer
	Store     *command.Store
	Fabric    *notify.Fabric
	Config    *config.Config
	Safety    *BatchSafety

	// Touch is called on any command activity, so the Session Manager's
	// idle sweep sees an up to date last-activity timestamp").
	Touch func()
	// OnFault is called exactly once if the session must escalate to
	// Faulted (ProcessDead, or a failed post-timeout drain).
	OnFault func(reason string)
	// OnTerminal and OnRecovery are optional instrumentation hooks fired
	// at state transitions; the metrics registry hangs its counters off them.
	OnTerminal func(command.Snapshot)
	OnRecovery func()
}

// Executor drives one session's single-writer command loop.
type Executor struct {
	opts Options

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	heartbeatLimiter *rate.Limiter
	recoveryAttempts map[string]int
}

// New constructs an Executor ready to Run.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		opts:             opts,
		wake:             make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		heartbeatLimiter: rate.NewLimiter(rate.Every(heartbeatInterval), 1),
		recoveryAttempts: make(map[string]int),
	}
}

// Wake signals the loop that a new record may be available, waking it
// from its park-on-empty-queue wait.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) requestStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Stop requests the loop to exit and blocks until it has, for the Session
// Manager's disposal-timeout-bounded close sequence.
func (e *Executor) Stop() {
	e.requestStop()
	<-e.doneCh
}

// Run is the main loop; it blocks until Stop is called, ctx is cancelled,
// or the session is escalated to Faulted. Callers run it in its own
// goroutine, one per session.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, ok := e.opts.Store.PopQueued()
		if !ok {
			select {
			case <-e.wake:
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		if rec.CancelRequested() {
			// Publish only when this TryCancel lands the terminal state; a
			// dispatcher cancel that won the race already published it.
			if rec.TryCancel() {
				e.publishTerminal(rec)
			}
			continue
		}

		batch := e.collectBatch(rec)
		e.runBatch(batch)
	}
}

// collectBatch claims a contiguous run of batch-safe commands at the
// head of the queue; a run of length ≥ 2 is dispatched as one framed
// block.
func (e *Executor) collectBatch(first *command.Record) []*command.Record {
	batch := []*command.Record{first}
	if !e.opts.Config.BatchingEnabled || !e.opts.Safety.IsSafe(first.Text()) {
		return batch
	}
	// The queue can change between the peek and each pop (a cancel can
	// drop a vetted record), so every pop re-checks safety rather than
	// trusting the peeked run.
	more := e.opts.Store.PeekBatchRun(e.opts.Safety.IsSafe)
	for range more {
		rec, ok := e.opts.Store.PopQueuedIf(e.opts.Safety.IsSafe)
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	if len(batch) < 2 {
		return batch[:1]
	}
	return batch
}

func (e *Executor) effectiveTimeout(rec *command.Record) time.Duration {
	if d := rec.Timeout(); d > 0 {
		if d > e.opts.Config.MaxCommandTimeout {
			return e.opts.Config.MaxCommandTimeout
		}
		return d
	}
	if e.opts.Safety.IsSimple(rec.Text()) {
		return e.opts.Config.SimpleCommandTimeout
	}
	return e.opts.Config.DefaultCommandTimeout
}

func (e *Executor) batchDeadline(batch []*command.Record) time.Time {
	var longest time.Duration
	for _, rec := range batch {
		if d := e.effectiveTimeout(rec); d > longest {
			longest = d
		}
	}
	return time.Now().Add(longest)
}

// runBatch transitions every record in batch to Executing and dispatches
// it as either a single command or one coalesced block. A record the
// dispatcher cancelled between pop and here loses the Queued → Executing
// race; it gets no executing event (its terminal cancelled event was
// already published by whoever cancelled it) and is not dispatched.
func (e *Executor) runBatch(batch []*command.Record) {
	live := make([]*command.Record, 0, len(batch))
	for _, rec := range batch {
		if rec.TryExecuting() {
			e.publish(rec, notify.StatusExecuting, nil)
			live = append(live, rec)
		}
	}
	if len(live) == 0 {
		return
	}
	if e.opts.Touch != nil {
		e.opts.Touch()
	}

	deadline := e.batchDeadline(live)
	if len(live) == 1 {
		e.runSingle(live[0], deadline)
		return
	}
	e.runCoalesced(live, deadline)
}

func (e *Executor) writeFramed(id, text string) error {
	for _, line := range []string{framer.EchoBegin(id), text, framer.EchoEnd(id)} {
		if err := e.opts.Conn.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runSingle(rec *command.Record, deadline time.Time) {
	id := shortuuid.New()
	if err := e.writeFramed(id, rec.Text()); err != nil {
		e.handleProcessDead([]*command.Record{rec}, err)
		return
	}

	block, err := e.readWithHeartbeat(rec, func() (framer.Block, error) {
		return e.opts.Framer.ReadBlock(id, deadline)
	})
	if errors.Is(err, framer.ErrProcessDead) {
		e.handleProcessDead([]*command.Record{rec}, err)
		return
	}
	if err != nil {
		rec.TryFail(apierr.Internal, err.Error())
		e.publishTerminal(rec)
		return
	}

	e.finishOne(rec, block)
}

func (e *Executor) runCoalesced(batch []*command.Record, deadline time.Time) {
	outerID := shortuuid.New()
	items := make([]framer.BatchItem, len(batch))
	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = shortuuid.New()
		items[i] = framer.BatchItem{ID: ids[i]}
	}

	if err := e.opts.Conn.WriteLine(framer.EchoBegin(outerID)); err != nil {
		e.handleProcessDead(batch, err)
		return
	}
	for i, rec := range batch {
		if err := e.writeFramed(ids[i], rec.Text()); err != nil {
			e.handleProcessDead(batch, err)
			return
		}
	}
	if err := e.opts.Conn.WriteLine(framer.EchoEnd(outerID)); err != nil {
		e.handleProcessDead(batch, err)
		return
	}

	result, err := e.readBatchWithHeartbeat(batch[0], func() (framer.BatchResult, error) {
		return e.opts.Framer.ReadBatch(outerID, items, deadline)
	})
	if errors.Is(err, framer.ErrProcessDead) {
		e.handleProcessDead(batch, err)
		return
	}
	if err != nil {
		for _, rec := range batch {
			rec.TryFail(apierr.Internal, err.Error())
			e.publishTerminal(rec)
		}
		return
	}

	var timedRecs []*command.Record
	var timedBlocks []framer.Block
	for i, rec := range batch {
		if result.Items[i].TimedOut {
			timedRecs = append(timedRecs, rec)
			timedBlocks = append(timedBlocks, result.Items[i])
			continue
		}
		if rec.CancelRequested() {
			rec.TryCancel()
		} else {
			rec.TryComplete(strings.Join(result.Items[i].Body, "\n"))
		}
		e.publishTerminal(rec)
	}
	if len(timedRecs) > 0 {
		e.afterInterrupt(timedRecs, timedBlocks)
	}
}

// finishOne applies the outcome of a single (non-batched, or already-
// drained) Block to rec: cancel wins over a natural completion, otherwise Complete.
func (e *Executor) finishOne(rec *command.Record, block framer.Block) {
	if block.TimedOut {
		e.afterInterrupt([]*command.Record{rec}, []framer.Block{block})
		return
	}
	if rec.CancelRequested() {
		rec.TryCancel()
	} else {
		rec.TryComplete(strings.Join(block.Body, "\n"))
	}
	e.publishTerminal(rec)
}

// afterInterrupt runs the shared interrupt-then-bounded-drain sequence
// for every record whose block timed out, then assigns Cancelled (if a
// cancel was requested) or Timeout (otherwise) to each — or escalates the
// whole session to Faulted if the drain fails.
func (e *Executor) afterInterrupt(records []*command.Record, blocks []framer.Block) {
	e.opts.Conn.Interrupt()
	alive := e.drainUntilQuiet(e.drainGrace())

	if !alive {
		for _, rec := range records {
			rec.TryFail(apierr.ProcessFailed, "debugger did not recover after interrupt")
			e.publishTerminal(rec)
		}
		e.escalateFaulted("drain failed after command timeout")
		return
	}

	for i, rec := range records {
		partial := strings.Join(blocks[i].Body, "\n")
		if rec.CancelRequested() {
			rec.TryCancel()
			e.publishTerminal(rec)
			continue
		}
		rec.TryTimeout(partial)
		e.publishTerminal(rec)
		e.maybeRecover(rec)
	}
}

// drainGrace is the secondary grace window after an interrupt: the
// configured prompt-settle delay, or the package fallback when unset.
func (e *Executor) drainGrace() time.Duration {
	if d := e.opts.Config.CdbPromptDelay; d > 0 {
		return d
	}
	return drainWindow
}

// drainUntilQuiet consumes and discards stray output for up to window,
// returning whether the process is still alive at the end of the window —
// the success signal for the bounded drain.
func (e *Executor) drainUntilQuiet(window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		_, err := e.opts.Conn.ReadLine(deadline)
		switch {
		case errors.Is(err, process.ErrTimeout):
			return e.opts.Conn.IsAlive()
		case errors.Is(err, process.ErrEOF):
			return false
		case err != nil:
			return false
		}
	}
}

// maybeRecover re-issues rec's text as a brand new queued record, up to
// Config.MaxRecoveryAttempts times. The original rec stays Timeout;
// recovery is a fresh attempt, not a retry-in-place (the lattice has no
// path back out of a terminal state).
func (e *Executor) maybeRecover(rec *command.Record) {
	if e.opts.Config.MaxRecoveryAttempts <= 0 {
		return
	}
	attempts := e.recoveryAttempts[rec.ID()]
	if attempts >= e.opts.Config.MaxRecoveryAttempts {
		return
	}
	delete(e.recoveryAttempts, rec.ID())
	if e.opts.OnRecovery != nil {
		e.opts.OnRecovery()
	}

	retry := command.New(shortuuid.New(), e.opts.SessionID, rec.Text())
	// The re-issued record carries the attempt count forward, so a command
	// that keeps timing out stops after MaxRecoveryAttempts re-issues.
	e.recoveryAttempts[retry.ID()] = attempts + 1
	e.opts.Store.Enqueue(retry)
	e.opts.Logger.Info("executor: recovering timed-out command",
		"session", e.opts.SessionID, "command", rec.ID(), "attempt", attempts+1, "retry", retry.ID())

	e.opts.Fabric.Publish(notify.Event{
		Method:    notify.MethodSessionRecovery,
		SessionID: e.opts.SessionID,
		Params: map[string]any{
			"reason":           "timeout",
			"recoveryStep":     attempts + 1,
			"success":          true,
			"message":          "re-issuing command after timeout",
			"affectedCommands": []string{rec.ID(), retry.ID()},
		},
	})

	time.Sleep(e.opts.Config.RecoveryDelay)
	e.Wake()
}

func (e *Executor) handleProcessDead(batch []*command.Record, cause error) {
	for _, rec := range batch {
		rec.TryFail(apierr.ProcessFailed, "debugger process exited unexpectedly")
		e.publishTerminal(rec)
	}
	reason := "process exited"
	if cause != nil {
		reason = "process exited: " + cause.Error()
	}
	e.escalateFaulted(reason)
}

// escalateFaulted fails every still-Queued record, notifies the Session
// Manager via OnFault, and stops the loop. It must never be called from
// outside Run's own goroutine.
func (e *Executor) escalateFaulted(reason string) {
	e.opts.Logger.Warn("executor: escalating session to faulted", "session", e.opts.SessionID, "reason", reason)
	affected := e.opts.Store.FailAllQueued(apierr.ProcessFailed, "session faulted")
	for _, id := range affected {
		if rec, ok := e.opts.Store.Get(id); ok {
			e.publishTerminal(rec)
		}
	}
	if e.opts.OnFault != nil {
		e.opts.OnFault(reason)
	}
	e.requestStop()
}

// readWithHeartbeat runs read in the background and emits throttled
// command-heartbeat events (and polls for a live cancel request) while it
// blocks.
func (e *Executor) readWithHeartbeat(rec *command.Record, read func() (framer.Block, error)) (framer.Block, error) {
	type outcome struct {
		block framer.Block
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		b, err := read()
		resultCh <- outcome{b, err}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	start := time.Now()
	interrupted := false

	for {
		select {
		case res := <-resultCh:
			return res.block, res.err
		case <-ticker.C:
			if rec.CancelRequested() && !interrupted {
				e.opts.Conn.Interrupt()
				interrupted = true
			}
			if e.heartbeatLimiter.Allow() {
				e.publishHeartbeat(rec, time.Since(start))
			}
		}
	}
}

func (e *Executor) readBatchWithHeartbeat(lead *command.Record, read func() (framer.BatchResult, error)) (framer.BatchResult, error) {
	type outcome struct {
		result framer.BatchResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		r, err := read()
		resultCh <- outcome{r, err}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case res := <-resultCh:
			return res.result, res.err
		case <-ticker.C:
			if e.heartbeatLimiter.Allow() {
				e.publishHeartbeat(lead, time.Since(start))
			}
		}
	}
}

func (e *Executor) publish(rec *command.Record, status notify.Status, extra map[string]any) {
	params := map[string]any{"status": string(status), "command": rec.Text()}
	for k, v := range extra {
		params[k] = v
	}
	e.opts.Fabric.Publish(notify.Event{
		Method:    notify.MethodCommandStatus,
		SessionID: e.opts.SessionID,
		CommandID: rec.ID(),
		Terminal:  status.IsTerminal(),
		Params:    params,
	})
}

func (e *Executor) publishTerminal(rec *command.Record) {
	snap := rec.Snapshot()
	extra := map[string]any{}
	if snap.Result != "" {
		extra["result"] = snap.Result
	}
	if snap.ErrMessage != "" {
		extra["error"] = snap.ErrMessage
	}
	e.publish(rec, notify.Status(snap.State), extra)
	if e.opts.OnTerminal != nil {
		e.opts.OnTerminal(snap)
	}
	if e.opts.Touch != nil {
		e.opts.Touch()
	}
}

func (e *Executor) publishHeartbeat(rec *command.Record, elapsed time.Duration) {
	e.opts.Fabric.Publish(notify.Event{
		Method:    notify.MethodCommandHeartbeat,
		SessionID: e.opts.SessionID,
		CommandID: rec.ID(),
		Params: map[string]any{
			"command":        rec.Text(),
			"elapsedSeconds": int64(elapsed.Seconds()),
			"elapsedDisplay": elapsed.Truncate(time.Second).String(),
			"details":        "still executing",
		},
	})
}
