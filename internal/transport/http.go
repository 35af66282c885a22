package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

// Framing selects how transcripts are laid out on the response body.
type Framing string

const (
	FramingRaw    Framing = "raw"
	FramingSSE    Framing = "sse"
	FramingNDJSON Framing = "ndjson"
)

func (f Framing) contentType() string {
	switch f {
	case FramingSSE:
		return "text/event-stream"
	case FramingNDJSON:
		return "application/x-ndjson"
	default:
		return "text/plain; charset=utf-8"
	}
}

// HTTPHandler serves POST /speech-to-text-stream. The request body is raw
// PCM (s16le, mono, 16 kHz); transcripts stream back on the response as
// utterances complete.
type HTTPHandler struct {
	mgr        *session.Manager
	framing    Framing
	readBuffer int
	log        *slog.Logger
}

func NewHTTPHandler(mgr *session.Manager, cfg config.HTTPConfig, log *slog.Logger) *HTTPHandler {
	size := cfg.ReadBufferBytes
	if size <= 0 {
		size = 8192
	}
	framing := Framing(cfg.Framing)
	if framing == "" {
		framing = FramingRaw
	}
	return &HTTPHandler{
		mgr:        mgr,
		framing:    framing,
		readBuffer: size,
		log:        log.With(slog.String("component", "http-transport")),
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// HTTP/1 servers stop reading the body once the response starts unless
	// full duplex is enabled. Recorders and HTTP/2 do not need it.
	_ = rc.EnableFullDuplex()

	sink := &httpSink{w: w, rc: rc, framing: h.framing}
	sess, err := h.mgr.Open(r.Context(), session.OpenRequest{Transport: "http", RemoteAddr: r.RemoteAddr}, sink)
	if err != nil {
		h.log.Warn("rejecting stream", slog.String("remote_addr", r.RemoteAddr), slogError(err))
		WriteError(w, StatusFor(err), err)
		return
	}
	sink.sessionID = sess.ID()

	// Unblock a pending body read once the session is torn down.
	stop := context.AfterFunc(sess.Context(), func() {
		_ = rc.SetReadDeadline(time.Now())
	})
	defer stop()

	h.pump(r, sess)

	out := sess.Wait()
	if sink.started {
		return
	}
	if out.Err != nil {
		WriteError(w, StatusFor(out.Err), out.Err)
		return
	}
	sink.writeHeaders()
}

// pump forwards body reads to the session until EOF or a read fault.
func (h *HTTPHandler) pump(r *http.Request, sess *session.Session) {
	buf := make([]byte, h.readBuffer)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(r.Context(), bytes.Clone(buf[:n])); ferr != nil {
				if !errors.Is(ferr, session.ErrSessionClosed) {
					sess.Fail(fmt.Errorf("%w: %v", session.ErrTransport, ferr))
				}
				return
			}
		}
		if errors.Is(err, io.EOF) {
			sess.End()
			return
		}
		if err != nil {
			sess.Fail(fmt.Errorf("%w: read request body: %v", session.ErrTransport, err))
			return
		}
	}
}

type httpSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	framing   Framing
	sessionID string
	started   bool
	sequence  int64
}

func (s *httpSink) writeHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", s.framing.contentType())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *httpSink) Emit(_ context.Context, res engine.Result) error {
	if !s.started {
		s.writeHeaders()
	}
	s.sequence++
	if err := s.write(res); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *httpSink) write(res engine.Result) error {
	switch s.framing {
	case FramingSSE:
		var b strings.Builder
		for _, line := range strings.Split(res.Text, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		_, err := io.WriteString(s.w, b.String())
		return err
	case FramingNDJSON:
		return json.NewEncoder(s.w).Encode(protocol.Transcript{
			SessionID: s.sessionID,
			Sequence:  s.sequence,
			Text:      res.Text,
			Partial:   !res.Final,
			Timestamp: time.Now().UTC(),
		})
	default:
		_, err := io.WriteString(s.w, res.Text)
		return err
	}
}
