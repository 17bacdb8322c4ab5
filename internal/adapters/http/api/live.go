package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/realtime"
	"github.com/okian/formlab/pkg/logger"
)

// Websocket timings.
const (
	liveWriteTimeout = 5 * time.Second
	livePongTimeout  = 60 * time.Second
	livePingInterval = 30 * time.Second
	liveMaxFrameSize = 8 << 20
	liveOutbox       = 8
)

// Live message types sent to the client.
const (
	liveTypeSession    = "session"
	liveTypePrediction = "prediction"
	liveTypeError      = "error"
)

type liveMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Result    *realtime.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// LiveHandler streams frames from a websocket client into a realtime
// session and sends predictions back as JSON text messages.
type LiveHandler struct {
	sessions LiveSessions
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewLiveHandler creates a new live handler.
func NewLiveHandler(sessions LiveSessions, log logger.Logger) *LiveHandler {
	return &LiveHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
		},
		logger: log,
	}
}

// HandleSessions handles GET /live/sessions requests.
func (h *LiveHandler) HandleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// HandleLive handles GET /live websocket upgrades. Every binary message is
// one encoded image; an optional session_id query parameter names the
// session.
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	out := make(chan liveMessage, liveOutbox)
	send := func(m liveMessage) {
		select {
		case out <- m:
		default:
		}
	}

	session, err := h.sessions.Start(ctx, r.URL.Query().Get("session_id"), func(res realtime.Result) {
		send(liveMessage{Type: liveTypePrediction, SessionID: res.SessionID, Result: &res})
	})
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		_ = conn.WriteJSON(liveMessage{Type: liveTypeError, Error: err.Error()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session rejected"),
			time.Now().Add(liveWriteTimeout))
		return
	}
	id := session.ID()
	send(liveMessage{Type: liveTypeSession, SessionID: id})

	quit := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(ctx, conn, out, quit, writerDone)

	h.readLoop(ctx, conn, session)

	if err := h.sessions.Stop(id); err != nil && !errors.Is(err, realtime.ErrSessionNotFound) {
		h.logger.Warn(ctx, "stopping live session", logger.String("session_id", id), logger.Error(err))
	}
	close(quit)
	<-writerDone
}

func (h *LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *realtime.Session) {
	conn.SetReadLimit(liveMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(livePongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongTimeout))
	})

	var seq uint64
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug(ctx, "live read ended", logger.String("session_id", session.ID()), logger.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(livePongTimeout))
		if kind != websocket.BinaryMessage {
			continue
		}
		session.Offer(model.Frame{Seq: seq, Data: data, Timestamp: time.Now()})
		seq++
	}
}

// writeLoop owns all writes to conn. out is never closed since session
// callbacks may still be sending while the session shuts down.
func (h *LiveHandler) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan liveMessage, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case m := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				h.logger.Debug(ctx, "live write failed", logger.Error(err))
				_ = conn.Close()
				<-quit
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				_ = conn.Close()
				<-quit
				return
			}
		}
	}
}
