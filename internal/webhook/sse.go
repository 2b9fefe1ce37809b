package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"bookbot/internal/eventbus"
	logx "bookbot/pkg/logx"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams delivery lifecycle events as server-sent events.
// Keep-alive comments are emitted during idle periods so intermediaries
// don't drop the connection.
func (s *Server) handleEvents(c echo.Context) error {
	if s.bus == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "event bus unavailable"})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, unsub := s.bus.Subscribe(32)
	defer unsub()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				s.log.Debug("sse client gone", logx.Err(err))
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSE(w *echo.Response, ev eventbus.Event) error {
	payload, err := json.Marshal(map[string]any{
		"type": ev.Type,
		"time": ev.Time.UTC().Format(time.RFC3339),
		"data": ev.Data,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}
