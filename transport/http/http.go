// Package http implements the HTTP transport: a POST /rpc endpoint
// carrying a single JSON-RPC envelope (always HTTP 200, JSON-RPC errors
// included), a GET /rpc/notifications Server-Sent-Events stream for
// server-to-client push, and a /metrics endpoint.
package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/dbgmux/metrics"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/rpc"
	"github.com/hrygo/dbgmux/toolsurface"
)

// sseHeartbeat keeps idle SSE connections from being reaped by
// intermediate proxies.
const sseHeartbeat = 15 * time.Second

// NewEcho builds the echo.Echo instance wired with every route this
// transport exposes. logger, dispatcher, fabric and metrics are all
// shared with the stdio transport and the rest of the process — nothing
// here owns process-wide state of its own.
func NewEcho(logger *slog.Logger, dispatcher *toolsurface.Dispatcher, fabric *notify.Fabric, reg *metrics.Registry) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) { return true, nil },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"*"},
	}))

	h := &handler{logger: logger, dispatcher: dispatcher, fabric: fabric}
	e.POST("/rpc", h.handleRPC)
	e.GET("/rpc/notifications", h.handleNotifications)
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(reg.Handler()))
	}
	return e
}

type handler struct {
	logger     *slog.Logger
	dispatcher *toolsurface.Dispatcher
	fabric     *notify.Fabric
}

// handleRPC decodes one JSON-RPC envelope from the request body and
// always replies with HTTP 200; a JSON-RPC error is a payload, not a
// transport failure.
func (h *handler) handleRPC(c echo.Context) error {
	var req rpc.Request
	dec := json.NewDecoder(c.Request().Body)
	if err := dec.Decode(&req); err != nil {
		return c.JSON(http.StatusOK, rpc.Failure(rpc.ID{}, rpc.ErrParse))
	}
	if req.JSONRPC != rpc.Version {
		return c.JSON(http.StatusOK, rpc.Failure(req.ID, rpc.ErrInvalidRequest))
	}
	resp := h.dispatcher.Dispatch(c.Request().Context(), req)
	return c.JSON(http.StatusOK, resp)
}

// handleNotifications upgrades the connection to a Server-Sent-Events
// stream, subscribing to a single session (or the wildcard) for the
// lifetime of the connection. The query parameter `sessionId` selects the
// subscription; omitting it subscribes to notify.WildcardSession.
func (h *handler) handleNotifications(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		sessionID = notify.WildcardSession
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	sub := h.fabric.Subscribe(sessionID)
	defer h.fabric.Unsubscribe(sub)

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	eventCh := make(chan notify.Event)
	go func() {
		defer close(eventCh)
		for {
			ev, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}
			if err := h.sendSSE(w, ev); err != nil {
				h.logger.Warn("http: failed to write SSE event", "error", err)
				return nil
			}
			w.Flush()
		}
	}
}

// sendSSE writes one JSON-RPC notification envelope as an SSE `data:`
// frame.
func (h *handler) sendSSE(w http.ResponseWriter, ev notify.Event) error {
	b, err := json.Marshal(rpc.NewNotification(ev.Method, ev.WireParams()))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
