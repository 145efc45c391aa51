package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client message types accepted on a run stream.
const (
	wsTypeCancelRun = "cancel_run"
	wsTypeResumeRun = "resume_run"
	wsTypeError     = "error"
)

type wsClientMessage struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type wsErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsConn serializes writes from the stream, the pinger and replies to client
// messages.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeControl(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(messageType, data, time.Now().Add(wsWriteTimeout))
}

func (h *Handler) streamRunWS(c echo.Context, sinceSeq int64) error {
	runID := c.Param("run_id")
	if _, err := h.service.GetRun(c.Request().Context(), runID); err != nil {
		return respond.Error(c, err)
	}

	raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade websocket")
		return nil
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	// The request context is not cancelled on hijacked connections.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := log.WithField("run_id", runID)

	go h.wsReadPump(ctx, cancel, conn, runID)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.writeControl(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = h.service.StreamRun(ctx, runID, sinceSeq, func(ev *domain.SessionEvent) error {
		return conn.writeJSON(ev)
	})
	if err != nil {
		logger.WithError(err).Info("websocket stream ended early")
	}
	_ = conn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
	return nil
}

// wsReadPump handles pongs and client commands until the client goes away.
func (h *Handler) wsReadPump(ctx context.Context, cancel context.CancelFunc, conn *wsConn, runID string) {
	defer cancel()
	raw := conn.conn
	raw.SetReadLimit(wsMaxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("run_id", runID).Debug("websocket closed")
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.writeJSON(wsErrorMessage{Type: wsTypeError, Code: "invalid_message", Message: "invalid JSON message"})
			continue
		}
		switch msg.Type {
		case wsTypeCancelRun:
			_, err = h.service.CancelRun(ctx, runID, msg.Reason)
		case wsTypeResumeRun:
			_, err = h.service.ResumeRun(ctx, runID, msg.Input)
		default:
			_ = conn.writeJSON(wsErrorMessage{Type: wsTypeError, Code: "invalid_message", Message: "unknown message type: " + msg.Type})
			continue
		}
		if err != nil {
			_ = conn.writeJSON(wsErrorMessage{Type: wsTypeError, Code: domain.ErrorCode(err), Message: err.Error()})
		}
	}
}
