package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

const heartbeatInterval = 15 * time.Second

// GetRunEvents lists the events of a run. Clients asking for
// text/event-stream, or upgrading to WebSocket, get a stream instead that
// ends once the run finishes.
// GET /v1/runs/:run_id/events?since_seq=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	sinceSeq, ok := intQuery(c, "since_seq")
	if !ok {
		return respond.BadRequest(c, "since_seq must be a non-negative integer")
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return respond.BadRequest(c, "limit must be a non-negative integer")
	}

	req := c.Request()
	switch {
	case strings.EqualFold(req.Header.Get(echo.HeaderUpgrade), "websocket"):
		return h.streamRunWS(c, sinceSeq)
	case strings.Contains(req.Header.Get(echo.HeaderAccept), "text/event-stream"):
		if last := req.Header.Get("Last-Event-ID"); last != "" {
			if v, err := strconv.ParseInt(last, 10, 64); err == nil && v > sinceSeq {
				sinceSeq = v
			}
		}
		return h.streamRunSSE(c, sinceSeq)
	}

	resp, err := h.service.ListRunEvents(req.Context(), c.Param("run_id"), sinceSeq, int(limit))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSessionEvents lists the events of a session.
// GET /v1/sessions/:session_id/events?since_seq=&limit=
func (h *Handler) GetSessionEvents(c echo.Context) error {
	sinceSeq, ok := intQuery(c, "since_seq")
	if !ok {
		return respond.BadRequest(c, "since_seq must be a non-negative integer")
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return respond.BadRequest(c, "limit must be a non-negative integer")
	}
	resp, err := h.service.ListSessionEvents(c.Request().Context(), c.Param("session_id"), sinceSeq, int(limit))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// sseWriter serializes writes from the stream and the heartbeat ticker.
type sseWriter struct {
	mu sync.Mutex
	c  echo.Context
}

func (w *sseWriter) event(ev *domain.SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.c.Response()
	if ev.Persisted() {
		if _, err := fmt.Fprintf(out, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}

func (h *Handler) streamRunSSE(c echo.Context, sinceSeq int64) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	run, err := h.service.GetRun(ctx, runID)
	if err != nil {
		return respond.Error(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	w := &sseWriter{c: c}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				payload, _ := json.Marshal(domain.HeartbeatPayload{Ts: now.UnixMilli()})
				_ = w.event(&domain.SessionEvent{
					SessionID: run.SessionID,
					RunID:     runID,
					Type:      domain.EventTypeHeartbeat,
					Source:    domain.EventSourceSession,
					Payload:   payload,
					CreatedAt: now.UTC(),
				})
			}
		}
	}()

	if err := h.service.StreamRun(ctx, runID, sinceSeq, w.event); err != nil {
		// Headers are sent; the client sees the stream end.
		log.WithError(err).WithField("run_id", runID).Info("event stream ended early")
	}
	return nil
}
