// Package stdio implements the line-delimited stdin/stdout transport:
// one JSON-RPC object per line on stdin, one response or notification
// object per line on stdout, nothing else ever written to stdout (logs go
// to a file sink).
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/rpc"
	"github.com/hrygo/dbgmux/toolsurface"
)

const (
	scannerInitialBufSize = 64 * 1024
	scannerMaxBufSize     = 8 * 1024 * 1024
)

// Server drives the stdio transport: one goroutine scans stdin for
// requests and dispatches each on its own goroutine (so a slow session
// call never blocks the next line from being read); a second goroutine
// drains a wildcard Fabric subscription and writes notification lines.
// Both goroutines share one write mutex since stdout is a single stream
// that must never interleave partial JSON lines.
type Server struct {
	logger     *slog.Logger
	dispatcher *toolsurface.Dispatcher
	fabric     *notify.Fabric

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// New constructs a Server reading requests from in and writing responses/
// notifications to out.
func New(logger *slog.Logger, dispatcher *toolsurface.Dispatcher, fabric *notify.Fabric, in io.Reader, out io.Writer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, dispatcher: dispatcher, fabric: fabric, in: in, out: out}
}

// Serve blocks until stdin reaches EOF or ctx is cancelled, dispatching
// every well-formed request it reads and fanning out every notification
// published by the Fabric's wildcard subscriber in the meantime.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()

	sub := s.fabric.Subscribe(notify.WildcardSession)
	defer s.fabric.Unsubscribe(sub)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpNotifications(notifyCtx, sub)
	}()

	err := s.readLoop(ctx, &wg)
	cancelNotify()
	wg.Wait()
	return err
}

// readLoop is the scanner side: one JSON object per line, dispatched on
// its own goroutine so requests never serialize behind a long-running
// session call.
func (s *Server) readLoop(ctx context.Context, wg *sync.WaitGroup) error {
	scanner := bufio.NewScanner(s.in)
	buf := make([]byte, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, raw)
		}()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, raw []byte) {
	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeJSON(rpc.Failure(rpc.ID{}, rpc.ErrParse))
		return
	}
	if req.JSONRPC != rpc.Version {
		s.writeJSON(rpc.Failure(req.ID, rpc.ErrInvalidRequest))
		return
	}
	resp := s.dispatcher.Dispatch(ctx, req)
	s.writeJSON(resp)
}

func (s *Server) pumpNotifications(ctx context.Context, sub *notify.Subscriber) {
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		s.writeJSON(rpc.NewNotification(ev.Method, ev.WireParams()))
	}
}

// writeJSON marshals v to one compact JSON line, guarding against
// interleaving with the write mutex. Marshal failures and write failures
// are logged, never propagated; a notification send must not raise an
// error to the producer.
func (s *Server) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("stdio: failed to marshal outbound message", "error", err)
		return
	}
	b = append(b, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(b); err != nil {
		s.logger.Error("stdio: failed to write outbound message", "error", err)
	}
}
