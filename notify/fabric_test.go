package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSessionOnly(t *testing.T) {
	f := New()
	subA := f.Subscribe("sess-a")
	subB := f.Subscribe("sess-b")
	defer f.Unsubscribe(subA)
	defer f.Unsubscribe(subB)

	f.Publish(Event{Method: MethodCommandStatus, SessionID: "sess-a", CommandID: "c1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, ok := subA.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "c1", ev.CommandID)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, ok = subB.Next(ctx2)
	assert.False(t, ok)
}

func TestWildcardSubscriberReceivesEveryEvent(t *testing.T) {
	f := New()
	wild := f.Subscribe(WildcardSession)
	defer f.Unsubscribe(wild)

	f.Publish(Event{Method: MethodServerHealth, SessionID: WildcardSession})
	f.Publish(Event{Method: MethodCommandStatus, SessionID: "sess-x", CommandID: "c9"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := wild.Next(ctx)
	require.True(t, ok)
	ev2, ok := wild.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "c9", ev2.CommandID)
}

func TestUnsubscribeIsIdempotentAndCancelsPendingReads(t *testing.T) {
	f := New()
	sub := f.Subscribe("sess-a")
	f.Unsubscribe(sub)
	f.Unsubscribe(sub) // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestTerminalEventsNeverDropped(t *testing.T) {
	f := New()
	f.bufferSize = 2
	sub := f.Subscribe("sess-a")
	defer f.Unsubscribe(sub)

	// Fill buffer with non-terminal heartbeats.
	f.Publish(Event{Method: MethodCommandHeartbeat, SessionID: "sess-a", CommandID: "c1"})
	f.Publish(Event{Method: MethodCommandHeartbeat, SessionID: "sess-a", CommandID: "c1"})
	// This terminal event must not be dropped; it evicts a heartbeat.
	f.Publish(Event{Method: MethodCommandStatus, SessionID: "sess-a", CommandID: "c1", Terminal: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var sawTerminal bool
	for i := 0; i < 2; i++ {
		ev, ok := sub.Next(ctx)
		require.True(t, ok)
		if ev.Terminal {
			sawTerminal = true
		}
	}
	assert.True(t, sawTerminal)
}

func TestNonTerminalDroppedWhenBufferFull(t *testing.T) {
	f := New()
	f.bufferSize = 1
	sub := f.Subscribe("sess-a")
	defer f.Unsubscribe(sub)

	f.Publish(Event{Method: MethodCommandHeartbeat, SessionID: "sess-a", CommandID: "c1"})
	f.Publish(Event{Method: MethodCommandHeartbeat, SessionID: "sess-a", CommandID: "c1"})

	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, uint64(1), f.DroppedTotal())
}

func TestWireParamsMergesAddressingAndTimestamp(t *testing.T) {
	ev := Event{
		Method:    MethodCommandStatus,
		SessionID: "sess-a",
		CommandID: "c1",
		Timestamp: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		Params:    map[string]any{"status": "completed", "result": "ok"},
	}
	p := ev.WireParams()
	assert.Equal(t, "completed", p["status"])
	assert.Equal(t, "ok", p["result"])
	assert.Equal(t, "sess-a", p["sessionId"])
	assert.Equal(t, "c1", p["commandId"])
	assert.Equal(t, "2026-07-31T12:00:00Z", p["timestamp"])
}

func TestWireParamsOmitsWildcardSessionID(t *testing.T) {
	ev := Event{
		Method:    MethodServerHealth,
		SessionID: WildcardSession,
		Params:    map[string]any{"status": "healthy"},
	}
	p := ev.WireParams()
	_, hasSession := p["sessionId"]
	assert.False(t, hasSession)
	assert.NotEmpty(t, p["timestamp"])
}
