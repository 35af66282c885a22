package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stream-stt/internal/config"
)

// vosk-server compares the end-of-stream marker byte for byte.
const voskEOF = `{"eof" : 1}`

type voskConfigMessage struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

// voskEngine bridges sessions to a vosk-server websocket endpoint. The
// server holds the model; every recognizer is one websocket connection and
// every binary message is answered with exactly one result document.
type voskEngine struct {
	url          string
	dialer       *websocket.Dialer
	replyTimeout time.Duration
	log          *slog.Logger
}

func NewVoskEngine(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid vosk server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("vosk server URL must use ws or wss, got %q", u.Scheme)
	}
	return &voskEngine{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		},
		replyTimeout: time.Duration(cfg.ReplyTimeoutMS) * time.Millisecond,
		log:          log,
	}, nil
}

func (e *voskEngine) Name() string { return "vosk-ws" }

func (e *voskEngine) Close() error { return nil }

func (e *voskEngine) NewRecognizer(ctx context.Context, sampleRate int) (Recognizer, error) {
	if err := checkSampleRate(sampleRate); err != nil {
		return nil, err
	}
	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect vosk server %s: %w", e.url, err)
	}

	var msg voskConfigMessage
	msg.Config.SampleRate = sampleRate
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send vosk config: %w", err)
	}
	return &voskRecognizer{conn: conn, timeout: e.replyTimeout, log: e.log}, nil
}

type voskRecognizer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger
	last    Result
	eofSent bool
	freed   bool
	broken  error
}

func (r *voskRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.exchange(ctx, websocket.BinaryMessage, pcm)
	if err != nil {
		return false, err
	}
	boundary, res, err := decodeReply(data)
	if err != nil {
		return false, err
	}
	if boundary {
		r.last = res
	}
	return boundary, nil
}

func (r *voskRecognizer) Result(context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return Result{}, ErrRecognizerFreed
	}
	return r.last, nil
}

func (r *voskRecognizer) FinalResult(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.exchange(ctx, websocket.TextMessage, []byte(voskEOF))
	if err != nil {
		return Result{}, err
	}
	r.eofSent = true
	_, res, err := decodeReply(data)
	if err != nil {
		return Result{}, err
	}
	res.Final = true
	return res, nil
}

// exchange sends one message and reads its reply. Must be called with r.mu
// held.
func (r *voskRecognizer) exchange(ctx context.Context, messageType int, payload []byte) ([]byte, error) {
	if r.freed {
		return nil, ErrRecognizerFreed
	}
	if r.broken != nil {
		return nil, r.broken
	}
	if r.eofSent {
		return nil, fmt.Errorf("vosk stream already finalized")
	}

	deadline := time.Time{}
	if r.timeout > 0 {
		deadline = time.Now().Add(r.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = r.conn.SetWriteDeadline(deadline)
	_ = r.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = r.conn.SetWriteDeadline(now)
		_ = r.conn.SetReadDeadline(now)
	})
	defer stop()

	// gorilla/websocket errors are sticky: once a write or read fails the
	// connection never recovers.
	if err := r.conn.WriteMessage(messageType, payload); err != nil {
		r.broken = fmt.Errorf("%w: send to vosk server: %v", ErrRecognizerBroken, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.broken
	}
	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			r.broken = fmt.Errorf("%w: read vosk reply: %v", ErrRecognizerBroken, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, r.broken
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (r *voskRecognizer) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return ErrRecognizerFreed
	}
	r.freed = true

	deadline := time.Now().Add(time.Second)
	if err := r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		r.log.Debug("vosk close handshake failed", slogError(err))
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("close vosk connection: %w", err)
	}
	return nil
}
