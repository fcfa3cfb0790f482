package stdio

import (
	"bytes"
	"sync"
)

// syncBuffer is a concurrency-safe io.Writer backing bytes.Buffer, since
// the transport's write mutex only serializes writes to the same sink —
// tests still need to read the sink safely from the main goroutine while
// handler goroutines may still be writing.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) buf() *bytes.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := bytes.NewBuffer(append([]byte(nil), s.b.Bytes()...))
	return cp
}
