// Package framer turns a stream of debugger output lines into discrete
// per-command output blocks using sentinel markers, without relying on
// prompt detection. Prompt strings vary by debugger build and symbol
// state; the sentinel markers do not.
package framer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/dbgmux/process"
)

// BeginSentinel and EndSentinel produce the exact marker text the executor
// must `echo` before/after a command so the debugger's own output carries
// the frame boundary.
func BeginSentinel(id string) string { return fmt.Sprintf("<<<WADBG_BEGIN %s>>>", id) }
func EndSentinel(id string) string   { return fmt.Sprintf("<<<WADBG_END %s>>>", id) }

// EchoBegin and EchoEnd are the actual command lines the executor writes
// to the debugger's stdin: a .echo directive whose output is the bare
// sentinel marker the framer then matches in the output stream.
func EchoBegin(id string) string { return ".echo " + BeginSentinel(id) }
func EchoEnd(id string) string   { return ".echo " + EndSentinel(id) }

// ErrProcessDead is returned when the underlying process hits EOF before
// the end sentinel arrives; the caller (executor) must transition the
// session to Faulted.
var ErrProcessDead = errors.New("framer: process died before end sentinel")

// ErrDuplicateID is a trapped programming error: the same sentinel id was
// used for two in-flight blocks, which can only happen if the executor's
// single-writer invariant was violated.
type ErrDuplicateID struct{ ID string }

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("framer: duplicate sentinel id %q", e.ID)
}

// Block is the result of framing one command's output.
type Block struct {
	ID       string
	Body     []string
	TimedOut bool
}

// Framer consumes a process.Conn's merged line stream and assembles
// per-command blocks. One Framer belongs to exactly one session's
// executor, mirroring the adapter's single-writer discipline.
type Framer struct {
	conn process.Conn

	mu      sync.Mutex
	seen    map[string]bool
	prelude []string
}

// New wraps a process.Conn.
func New(conn process.Conn) *Framer {
	return &Framer{conn: conn, seen: make(map[string]bool)}
}

// CapturePrelude drains lines for window, treating everything read as
// startup banner (no sentinel expected yet). Used once at session
// creation to capture the debugger's startup banner.
func (f *Framer) CapturePrelude(window time.Duration) []string {
	deadline := time.Now().Add(window)
	var lines []string
	for {
		line, err := f.conn.ReadLine(deadline)
		if err != nil {
			break
		}
		lines = append(lines, line.Text)
	}
	f.mu.Lock()
	f.prelude = append(f.prelude, lines...)
	f.mu.Unlock()
	return lines
}

// Prelude returns every line captured by CapturePrelude so far.
func (f *Framer) Prelude() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prelude))
	copy(out, f.prelude)
	return out
}

func (f *Framer) markSeen(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return &ErrDuplicateID{ID: id}
	}
	f.seen[id] = true
	return nil
}

// ReadBlock reads lines from the connection until it has observed both the
// start and end sentinels for id, returning everything in between
// (exclusive of the sentinel lines). The caller must already have written
// the begin sentinel, command, and end sentinel lines to the process's
// stdin before calling ReadBlock.
//
// If the deadline passes before the end sentinel arrives, Block.TimedOut
// is set and Body holds whatever was captured so far. If the process dies
// first, ErrProcessDead is returned.
func (f *Framer) ReadBlock(id string, deadline time.Time) (Block, error) {
	if err := f.markSeen(id); err != nil {
		return Block{}, err
	}

	begin := BeginSentinel(id)
	end := EndSentinel(id)

	started := false
	var body []string

	for {
		line, err := f.conn.ReadLine(deadline)
		switch {
		case errors.Is(err, process.ErrTimeout):
			return Block{ID: id, Body: body, TimedOut: true}, nil
		case errors.Is(err, process.ErrEOF):
			return Block{ID: id, Body: body}, ErrProcessDead
		case err != nil:
			return Block{ID: id, Body: body}, err
		}

		text := line.Text
		switch {
		case !started && text == begin:
			started = true
		case started && text == end:
			return Block{ID: id, Body: body}, nil
		case started:
			body = append(body, text)
		default:
			// Stray output before our begin sentinel: discard. This
			// happens when a prior command's drain leaked a trailing line.
		}
	}
}

// BatchItem names one inner sentinel id within a batched block, in the
// order the executor wrote the corresponding commands.
type BatchItem struct {
	ID string
}

// BatchResult holds one Block per requested BatchItem, in order. When the
// batch times out, the item in progress (if any) keeps its partial body,
// and it and every later item have TimedOut set, matching the single-
// command ReadBlock contract so the executor can treat both uniformly.
// When the process dies, ProcessDead is set instead and no item is marked
// TimedOut.
type BatchResult struct {
	Items       []Block
	ProcessDead bool
}

// ReadBatch frames a batched run: one outer sentinel pair wrapping several
// inner sentinel pairs, one per coalesced command.
// The caller must already have written the outer begin sentinel, each
// command preceded/followed by its own inner sentinels, and the outer end
// sentinel.
func (f *Framer) ReadBatch(outerID string, items []BatchItem, deadline time.Time) (BatchResult, error) {
	if err := f.markSeen(outerID); err != nil {
		return BatchResult{}, err
	}
	for _, it := range items {
		if err := f.markSeen(it.ID); err != nil {
			return BatchResult{}, err
		}
	}

	outerBegin := BeginSentinel(outerID)
	outerEnd := EndSentinel(outerID)

	result := BatchResult{Items: make([]Block, len(items))}
	for i, it := range items {
		result.Items[i] = Block{ID: it.ID}
	}

	outerStarted := false
	cursor := -1
	var curBody []string
	innerStarted := false

	finishCurrent := func() {
		if cursor >= 0 {
			result.Items[cursor].Body = curBody
		}
		curBody = nil
		innerStarted = false
	}

	for {
		line, err := f.conn.ReadLine(deadline)
		switch {
		case errors.Is(err, process.ErrTimeout):
			if innerStarted {
				result.Items[cursor].Body = curBody
				result.Items[cursor].TimedOut = true
			}
			for i := cursor + 1; i < len(result.Items); i++ {
				result.Items[i].TimedOut = true
			}
			return result, nil
		case errors.Is(err, process.ErrEOF):
			if innerStarted {
				result.Items[cursor].Body = curBody
			}
			result.ProcessDead = true
			return result, ErrProcessDead
		case err != nil:
			return result, err
		}

		text := line.Text
		switch {
		case !outerStarted && text == outerBegin:
			outerStarted = true
		case !outerStarted:
			// discard stray prelude-ish output
		case outerStarted && text == outerEnd:
			if innerStarted {
				finishCurrent()
			}
			return result, nil
		case innerStarted && cursor >= 0 && text == EndSentinel(items[cursor].ID):
			finishCurrent()
		case !innerStarted && cursor+1 < len(items) && text == BeginSentinel(items[cursor+1].ID):
			cursor++
			innerStarted = true
		case innerStarted:
			curBody = append(curBody, text)
		default:
			// stray line between inner blocks: discard
		}
	}
}
