package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

const wsWriteWait = 5 * time.Second

// controlMessage is a client text frame. {"eof": 1} ends the stream; a
// config frame may announce the sample rate, which must be 16000.
type controlMessage struct {
	EOF    int `json:"eof"`
	Config *struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type wsReply struct {
	Text string `json:"text"`
}

// WebSocketHandler serves GET /speech-to-text-ws. Binary frames carry PCM
// chunks; transcripts are returned as text frames.
type WebSocketHandler struct {
	mgr      *session.Manager
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWebSocketHandler(mgr *session.Manager, readBuffer int, log *slog.Logger) *WebSocketHandler {
	if readBuffer <= 0 {
		readBuffer = 8192
	}
	return &WebSocketHandler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With(slog.String("component", "ws-transport")),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.mgr.Accepting() {
		WriteError(w, http.StatusServiceUnavailable, session.ErrManagerClosed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	// The upgraded connection outlives r.Context(); disconnects surface as
	// read errors instead.
	sess, err := h.mgr.Open(context.WithoutCancel(r.Context()), session.OpenRequest{Transport: "websocket", RemoteAddr: r.RemoteAddr}, sink)
	if err != nil {
		h.log.Warn("rejecting stream", slog.String("remote_addr", r.RemoteAddr), slogError(err))
		sink.closeWith(err, true)
		return
	}

	stop := context.AfterFunc(sess.Context(), func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	h.pump(r.Context(), conn, sess)

	out := sess.Wait()
	sink.closeWith(out.Err, out.Err != nil && !sink.wrote())
}

func (h *WebSocketHandler) pump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.End()
				return
			}
			sess.Fail(fmt.Errorf("%w: read websocket: %v", session.ErrTransport, err))
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if err := sess.Feed(ctx, data); err != nil {
				if !errors.Is(err, session.ErrSessionClosed) {
					sess.Fail(fmt.Errorf("%w: %v", session.ErrTransport, err))
				}
				return
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Debug("ignoring malformed control frame", slogError(err))
				continue
			}
			if msg.Config != nil && msg.Config.SampleRate != 0 && msg.Config.SampleRate != engine.SampleRate {
				sess.Fail(fmt.Errorf("%w: unsupported sample rate %d", session.ErrTransport, msg.Config.SampleRate))
				return
			}
			if msg.EOF != 0 {
				sess.End()
				return
			}
		}
	}
}

type wsSink struct {
	conn *websocket.Conn

	mu      sync.Mutex
	written bool
}

func (s *wsSink) Emit(_ context.Context, res engine.Result) error {
	data, err := json.Marshal(wsReply{Text: res.Text})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.written = true
	return nil
}

func (s *wsSink) wrote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// closeWith sends the close frame for cause. With report set the error is
// also sent as a {"message": ...} text frame first.
func (s *wsSink) closeWith(cause error, report bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	_ = s.conn.SetWriteDeadline(deadline)
	code, reason := websocket.CloseNormalClosure, ""
	if cause != nil {
		if report {
			if data, err := json.Marshal(protocol.ErrorMessage{Message: cause.Error()}); err == nil {
				_ = s.conn.WriteMessage(websocket.TextMessage, data)
			}
		}
		code, reason = websocket.CloseInternalServerErr, "stream failed"
		if StatusFor(cause) == http.StatusServiceUnavailable {
			code = websocket.CloseTryAgainLater
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
