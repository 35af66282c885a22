package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

// utterance is 3200 bytes of PCM at 16 kHz.
const utterance = 100 * time.Millisecond

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T, cfg session.Config) *session.Manager {
	t.Helper()
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4
	}
	m := session.NewManager(context.Background(), cfg, engine.NewMockEngine(utterance), newLogger())
	t.Cleanup(m.Close)
	return m
}

func newHTTPHandler(m *session.Manager, framing string) *HTTPHandler {
	return NewHTTPHandler(m, config.HTTPConfig{Framing: framing, ReadBufferBytes: 3200}, newLogger())
}

func post(h http.Handler, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/speech-to-text-stream", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPRawStream(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "raw")
	rec := post(h, bytes.NewReader(make([]byte, 6400)))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if got, want := rec.Body.String(), "[utterance 1 bytes=3200][utterance 2 bytes=3200]"; got != want {
		t.Fatalf("body %q, want %q", got, want)
	}
	hdr := rec.Header()
	if hdr.Get("Cache-Control") != "no-cache" || hdr.Get("Connection") != "keep-alive" || hdr.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing streaming headers: %v", hdr)
	}
	if !rec.Flushed {
		t.Fatal("expected emissions to be flushed")
	}
}

func TestHTTPNDJSONStream(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "ndjson")
	rec := post(h, bytes.NewReader(make([]byte, 6400)))

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
	scanner := bufio.NewScanner(rec.Body)
	var got []protocol.Transcript
	for scanner.Scan() {
		var tr protocol.Transcript
		if err := json.Unmarshal(scanner.Bytes(), &tr); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		got = append(got, tr)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(got))
	}
	for i, tr := range got {
		if tr.Sequence != int64(i+1) || tr.SessionID == "" || tr.Partial {
			t.Fatalf("unexpected transcript %d: %+v", i, tr)
		}
	}
	if got[0].SessionID != got[1].SessionID {
		t.Fatal("transcripts of one stream must share a session id")
	}
}

func TestHTTPSSEStream(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "sse")
	rec := post(h, bytes.NewReader(make([]byte, 3200)))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got, want := rec.Body.String(), "data: [utterance 1 bytes=3200]\n\n"; got != want {
		t.Fatalf("body %q, want %q", got, want)
	}
}

func TestHTTPEmptyBody(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "raw")
	rec := post(h, http.NoBody)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 200, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHTTPShortStreamNoOutput(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "raw")
	rec := post(h, bytes.NewReader(make([]byte, 1000)))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("expected silent 200, got %d %q", rec.Code, rec.Body.String())
	}
}

type failingReader struct {
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, make([]byte, 100)), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestHTTPReadErrorBeforeOutput(t *testing.T) {
	h := newHTTPHandler(newManager(t, session.Config{}), "raw")
	rec := post(h, &failingReader{})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if !strings.Contains(msg.Message, "connection reset") {
		t.Fatalf("unexpected message %q", msg.Message)
	}
}

func TestHTTPRejectsWhenFull(t *testing.T) {
	m := newManager(t, session.Config{MaxSessions: 1})
	held, err := m.Open(context.Background(), session.OpenRequest{Transport: "test"}, session.SinkFunc(func(context.Context, engine.Result) error { return nil }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer held.End()

	rec := post(newHTTPHandler(m, "raw"), bytes.NewReader(make([]byte, 10)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHTTPAfterShutdown(t *testing.T) {
	m := newManager(t, session.Config{})
	m.Close()
	rec := post(newHTTPHandler(m, "raw"), bytes.NewReader(make([]byte, 10)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHTTPStreamsWhileUploading(t *testing.T) {
	srv := httptest.NewServer(newHTTPHandler(newManager(t, session.Config{}), "raw"))
	defer srv.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write(make([]byte, 3200))
	}()

	req, err := http.NewRequest(http.MethodPost, srv.URL, pr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	first := make([]byte, len("[utterance 1 bytes=3200]"))
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first transcript: %v", err)
	}
	if string(first) != "[utterance 1 bytes=3200]" {
		t.Fatalf("unexpected first transcript %q", first)
	}

	go func() {
		_, _ = pw.Write(make([]byte, 3200))
		_ = pw.Close()
	}()
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "[utterance 2 bytes=3200]" {
		t.Fatalf("unexpected tail %q", rest)
	}
}

func TestHTTPIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(newHTTPHandler(newManager(t, session.Config{IdleTimeout: 50 * time.Millisecond}), "raw"))
	defer srv.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	req, err := http.NewRequest(http.MethodPost, srv.URL, pr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", resp.StatusCode)
	}
}

// brokenEngine hands out recognizers whose backend connection is gone.
type brokenEngine struct{}

func (brokenEngine) Name() string { return "broken" }
func (brokenEngine) Close() error { return nil }
func (brokenEngine) NewRecognizer(context.Context, int) (engine.Recognizer, error) {
	return brokenRecognizer{}, nil
}

type brokenRecognizer struct{}

func (brokenRecognizer) AcceptWaveform(context.Context, []byte) (bool, error) {
	return false, fmt.Errorf("%w: read vosk reply: i/o timeout", engine.ErrRecognizerBroken)
}
func (brokenRecognizer) Result(context.Context) (engine.Result, error)      { return engine.Result{}, nil }
func (brokenRecognizer) FinalResult(context.Context) (engine.Result, error) { return engine.Result{}, nil }
func (brokenRecognizer) Free() error                                        { return nil }

func TestHTTPBrokenRecognizerBeforeOutput(t *testing.T) {
	m := session.NewManager(context.Background(), session.Config{QueueDepth: 4}, brokenEngine{}, newLogger())
	t.Cleanup(m.Close)
	rec := post(newHTTPHandler(m, "raw"), bytes.NewReader(make([]byte, 6400)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %q", rec.Code, rec.Body.String())
	}
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if !strings.Contains(msg.Message, "recognizer failed") {
		t.Fatalf("unexpected message %q", msg.Message)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		session.ErrIdleTimeout:      http.StatusRequestTimeout,
		session.ErrTooManySessions:  http.StatusServiceUnavailable,
		session.ErrShutdown:         http.StatusServiceUnavailable,
		session.ErrTransport:        http.StatusInternalServerError,
		session.ErrRecognizerFailed: http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
