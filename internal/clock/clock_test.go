package clock

import "testing"

func TestNextSessionID_StrictlyIncreasing(t *testing.T) {
	c := New()
	prev := c.NextSessionID()
	for i := 0; i < 10_000; i++ {
		id := c.NextSessionID()
		if id <= prev {
			t.Fatalf("id %q is not strictly greater than previous %q", id, prev)
		}
		prev = id
	}
}

func TestNextSessionID_Format(t *testing.T) {
	c := New()
	id := c.NextSessionID()
	if len(id) != len("sess-2026-07-31-12-00-00-0000000") {
		t.Fatalf("unexpected id length: %q", id)
	}
	if id[:5] != "sess-" {
		t.Fatalf("expected sess- prefix, got %q", id)
	}
}
