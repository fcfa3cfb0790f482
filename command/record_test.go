package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/dbgmux/apierr"
)

func TestRecordHappyPathLattice(t *testing.T) {
	r := New("cmd-1", "sess-1", "!analyze -v")
	assert.Equal(t, Queued, r.State())

	assert.True(t, r.TryExecuting())
	assert.Equal(t, Executing, r.State())

	assert.True(t, r.TryComplete("faulting IP: nt!KiPageFault"))
	assert.Equal(t, Completed, r.State())

	snap := r.Snapshot()
	assert.Equal(t, "faulting IP: nt!KiPageFault", snap.Result)
	assert.False(t, snap.StartedAt.IsZero())
	assert.False(t, snap.CompletedAt.IsZero())
}

func TestRecordNoStateRevisited(t *testing.T) {
	r := New("cmd-2", "sess-1", "version")
	require := assert.New(t)

	require.True(r.TryExecuting())
	require.True(r.TryComplete("ok"))

	// Once terminal, no further transition succeeds.
	require.False(r.TryExecuting())
	require.False(r.TryComplete("again"))
	require.False(r.TryTimeout("partial"))
	require.False(r.TryCancel())
	require.False(r.TryFail(apierr.Internal, "late"))
}

func TestRecordCancelRacesCompleteFirstWins(t *testing.T) {
	r := New("cmd-3", "sess-1", "!locks")
	assert.True(t, r.TryExecuting())

	// Complete observes first.
	assert.True(t, r.TryComplete("locks output"))
	// Cancel racing in becomes a no-op.
	assert.False(t, r.TryCancel())
	assert.Equal(t, Completed, r.State())
}

func TestRecordTimeoutKeepsPartialResult(t *testing.T) {
	r := New("cmd-4", "sess-1", "!analyze -v")
	assert.True(t, r.TryExecuting())
	assert.True(t, r.TryTimeout("partial output so far"))

	snap := r.Snapshot()
	assert.Equal(t, Timeout, snap.State)
	assert.Equal(t, "partial output so far", snap.Result)
	assert.Equal(t, apierr.Timeout, snap.ErrCode)
}

func TestRecordCancelQueuedIsImmediate(t *testing.T) {
	r := New("cmd-5", "sess-1", "!threads")
	assert.True(t, r.TryCancel())
	assert.Equal(t, Cancelled, r.State())
}

func TestRecordQueuedReadNeverBlocksAndIsEmpty(t *testing.T) {
	r := New("cmd-6", "sess-1", "!runaway")
	snap := r.Snapshot()
	assert.Equal(t, Queued, snap.State)
	assert.Empty(t, snap.Result)
}

func TestRecordCancelRequestedFlag(t *testing.T) {
	r := New("cmd-7", "sess-1", "~*k")
	assert.False(t, r.CancelRequested())
	r.RequestCancel()
	assert.True(t, r.CancelRequested())
}

func TestStoreFIFOOrderAndRetention(t *testing.T) {
	store := NewStore()
	a := New("a", "sess-1", "!threads")
	b := New("b", "sess-1", "!locks")
	store.Enqueue(a)
	store.Enqueue(b)

	popped, ok := store.PopQueued()
	assert.True(t, ok)
	assert.Equal(t, "a", popped.ID())

	popped, ok = store.PopQueued()
	assert.True(t, ok)
	assert.Equal(t, "b", popped.ID())

	_, ok = store.PopQueued()
	assert.False(t, ok)

	a.TryExecuting()
	a.TryComplete("result")
	dropped := store.Sweep(time.Hour, time.Now().Add(2*time.Hour))
	assert.Equal(t, 1, dropped)
	_, ok = store.Get("a")
	assert.False(t, ok)
}

func TestStorePopQueuedIfStopsAtUnsafeHead(t *testing.T) {
	store := NewStore()
	safe := func(text string) bool { return text != "!analyze -v" }
	b := New("b", "s", "version")
	c := New("c", "s", "!analyze -v")
	store.Enqueue(b)
	store.Enqueue(c)

	// b is cancelled between peek and pop; the pop must not slide past it
	// onto the unsafe command behind it.
	b.TryCancel()
	rec, ok := store.PopQueuedIf(safe)
	assert.False(t, ok)
	assert.Nil(t, rec)

	// The unsafe command is still at the head for a plain PopQueued.
	rec, ok = store.PopQueued()
	assert.True(t, ok)
	assert.Equal(t, "c", rec.ID())
}

func TestStorePeekBatchRunStopsAtUnsafeCommand(t *testing.T) {
	store := NewStore()
	safe := map[string]bool{"!threads": true, "version": true}
	store.Enqueue(New("1", "s", "!threads"))
	store.Enqueue(New("2", "s", "version"))
	store.Enqueue(New("3", "s", "!analyze -v"))
	store.Enqueue(New("4", "s", "version"))

	run := store.PeekBatchRun(func(text string) bool { return safe[text] })
	assert.Len(t, run, 2)
	assert.Equal(t, "1", run[0].ID())
	assert.Equal(t, "2", run[1].ID())
}

func TestStoreFailAllQueued(t *testing.T) {
	store := NewStore()
	store.Enqueue(New("1", "s", "!threads"))
	store.Enqueue(New("2", "s", "version"))

	affected := store.FailAllQueued(apierr.ProcessFailed, "session faulted")
	assert.ElementsMatch(t, []string{"1", "2"}, affected)

	rec, _ := store.Get("1")
	assert.Equal(t, Failed, rec.State())
}

func TestStoreStats(t *testing.T) {
	store := NewStore()
	store.Enqueue(New("1", "s", "a"))
	r2 := New("2", "s", "b")
	store.Enqueue(r2)
	r2.TryExecuting()

	st := store.Stats()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Executing)
}
