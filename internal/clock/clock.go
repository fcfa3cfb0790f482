// Package clock generates strictly increasing session identifiers of the
// form sess-YYYY-MM-DD-HH-mm-ss-fffffff, with a monotonic tick tie-break
// so two ids generated back-to-back in the same process never collide and
// always sort in generation order.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// ticksPerSecond matches the 7-digit fractional-second field: 100ns ticks.
const ticksPerSecond = 10_000_000

// Clock hands out session ids. The zero value is not usable; use New.
type Clock struct {
	mu   sync.Mutex
	last int64 // last-issued tick count since the Unix epoch, in 100ns units
}

// New returns a ready Clock.
func New() *Clock {
	return &Clock{}
}

// NextSessionID returns the next session id, guaranteed strictly greater
// (lexicographically, and therefore in generation order) than every id
// this Clock has previously issued.
func (c *Clock) NextSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ticks := time.Now().UTC().UnixNano() / 100
	if ticks <= c.last {
		ticks = c.last + 1
	}
	c.last = ticks

	t := time.Unix(0, ticks*100).UTC()
	frac := ticks % ticksPerSecond
	return fmt.Sprintf("sess-%04d-%02d-%02d-%02d-%02d-%02d-%07d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), frac)
}
