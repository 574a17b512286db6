package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// runEvents streams the run snapshot after every mutation as Server-Sent
// Events. Each event id is the run's change sequence, so a reconnecting
// client resumes with Last-Event-ID (or ?since=). The stream ends after the
// terminal event.
// (GET /run/:id/events)
func (s *Server) runEvents(c echo.Context) error {
	since, err := resumePoint(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	runID := c.Param("id")
	updates, err := s.deps.RunStates.Subscribe(ctx, runID, since)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.Sequence, u.EventType, u.Snapshot); err != nil {
				s.deps.Logger.DebugContext(ctx, "SSE write failed",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			w.Flush()
		}
	}
}

func resumePoint(c echo.Context) (int64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("since")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, badRequest("invalid resume point %q", raw)
	}
	return n, nil
}
