package command

import (
	"sync"
	"time"

	"github.com/hrygo/dbgmux/apierr"
)

// Store holds every Command Record belonging to one session: queued,
// executing, and terminal-but-still-retained. It allows many concurrent
// readers and a single writer, the session's executor.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	fifo    []string // queued ids in enqueue order
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Enqueue adds rec to the store and to the tail of the FIFO queue.
func (s *Store) Enqueue(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID()] = rec
	s.fifo = append(s.fifo, rec.ID())
}

// Get returns the record by id, or (nil, false) if unknown — including
// records already swept past their retention window.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// PopQueued removes and returns the head of the FIFO queue, skipping (and
// dropping) any ids whose record already left the Queued state (e.g. it
// was cancelled while still waiting). Returns (nil, false) if the queue is
// empty of genuinely-still-queued records.
func (s *Store) PopQueued() (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.fifo) > 0 {
		id := s.fifo[0]
		s.fifo = s.fifo[1:]
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.State() == Queued {
			return rec, true
		}
	}
	return nil, false
}

// PopQueuedIf removes and returns the head of the FIFO queue like
// PopQueued, but only when the first genuinely-still-Queued record
// satisfies pred; otherwise nothing is removed. The executor's batch
// collector uses this so that a record cancelled between peek and pop
// cannot let the pop slide forward onto a command the peek never vetted.
func (s *Store) PopQueuedIf(pred func(text string) bool) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.fifo) > 0 {
		id := s.fifo[0]
		rec, ok := s.records[id]
		if !ok || rec.State() != Queued {
			s.fifo = s.fifo[1:]
			continue
		}
		if !pred(rec.text) {
			return nil, false
		}
		s.fifo = s.fifo[1:]
		return rec, true
	}
	return nil, false
}

// PeekBatchRun returns the longest contiguous run at the head of the FIFO
// queue for which safe(record.text) is true, without removing anything.
// The executor uses this to decide whether to coalesce; it must still
// pop (PopQueuedIf) each record it actually dispatches.
func (s *Store) PeekBatchRun(safe func(text string) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var run []*Record
	for _, id := range s.fifo {
		rec, ok := s.records[id]
		if !ok || rec.State() != Queued {
			break
		}
		if !safe(rec.text) {
			break
		}
		run = append(run, rec)
	}
	return run
}

// RemoveFromQueue drops id from the FIFO queue (not the map) — used when
// the executor has claimed a record for dispatch so a later PopQueued
// does not see it twice.
func (s *Store) RemoveFromQueue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qid := range s.fifo {
		if qid == id {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			return
		}
	}
}

// QueuedIDs returns every id still sitting in the FIFO queue, in order.
func (s *Store) QueuedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.fifo))
	copy(out, s.fifo)
	return out
}

// Stats tallies each record by its current state, for queue.stats.
type Stats struct {
	Queued    int
	Executing int
	Completed int
	Failed    int
	Cancelled int
	Timeout   int
}

// Stats computes a point-in-time count of every record by state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, rec := range s.records {
		switch rec.State() {
		case Queued:
			st.Queued++
		case Executing:
			st.Executing++
		case Completed:
			st.Completed++
		case Failed:
			st.Failed++
		case Cancelled:
			st.Cancelled++
		case Timeout:
			st.Timeout++
		}
	}
	return st
}

// All returns every record currently held, in no particular order.
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Sweep drops terminal records whose completedAt is older than
// retention. Returns the number of records dropped.
func (s *Store) Sweep(retention time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, rec := range s.records {
		snap := rec.Snapshot()
		if !snap.State.IsTerminal() {
			continue
		}
		if now.Sub(snap.CompletedAt) > retention {
			delete(s.records, id)
			dropped++
		}
	}
	return dropped
}

// FailAllQueued transitions every still-Queued record to Failed with the
// given taxonomy code and reason — used when a session faults. Returns the ids
// affected, for the caller to publish terminal notifications.
func (s *Store) FailAllQueued(code apierr.Code, reason string) []string {
	s.mu.Lock()
	ids := make([]string, len(s.fifo))
	copy(ids, s.fifo)
	s.fifo = nil
	s.mu.Unlock()

	var affected []string
	for _, id := range ids {
		rec, ok := s.Get(id)
		if !ok {
			continue
		}
		if rec.TryFail(code, reason) {
			affected = append(affected, id)
		}
	}
	return affected
}

// CancelAllQueued transitions every still-Queued record to Cancelled —
// used on session close. Returns the ids affected.
func (s *Store) CancelAllQueued() []string {
	s.mu.Lock()
	ids := make([]string, len(s.fifo))
	copy(ids, s.fifo)
	s.fifo = nil
	s.mu.Unlock()

	var affected []string
	for _, id := range ids {
		rec, ok := s.Get(id)
		if !ok {
			continue
		}
		if rec.TryCancel() {
			affected = append(affected, id)
		}
	}
	return affected
}
