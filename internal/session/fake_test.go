package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/engine"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// step decides what the recognizer does with the n-th chunk (1-based).
type step func(ctx context.Context, n int, chunk []byte) (bool, string, error)

type fakeEngine struct {
	script  step
	newErr  error
	freeErr error

	mu   sync.Mutex
	recs []*fakeRecognizer
}

func (e *fakeEngine) Name() string { return "fake" }
func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) NewRecognizer(_ context.Context, sampleRate int) (engine.Recognizer, error) {
	if e.newErr != nil {
		return nil, e.newErr
	}
	if sampleRate != engine.SampleRate {
		return nil, errors.New("bad sample rate")
	}
	r := &fakeRecognizer{script: e.script, freeErr: e.freeErr}
	e.mu.Lock()
	e.recs = append(e.recs, r)
	e.mu.Unlock()
	return r, nil
}

func (e *fakeEngine) recognizer(t *testing.T, i int) *fakeRecognizer {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.recs) {
		t.Fatalf("recognizer %d not created", i)
	}
	return e.recs[i]
}

type fakeRecognizer struct {
	script   step
	freeErr  error
	finalErr error

	fed      atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	frees    atomic.Int32
	last     engine.Result
}

func (r *fakeRecognizer) AcceptWaveform(ctx context.Context, chunk []byte) (bool, error) {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)
	if r.frees.Load() > 0 {
		return false, engine.ErrRecognizerFreed
	}
	n := int(r.fed.Add(1))
	if r.script == nil {
		return false, nil
	}
	boundary, text, err := r.script(ctx, n, chunk)
	if err != nil {
		return false, err
	}
	if boundary {
		r.last = engine.Result{Text: text, Final: true}
	}
	return boundary, nil
}

func (r *fakeRecognizer) Result(context.Context) (engine.Result, error) { return r.last, nil }

func (r *fakeRecognizer) FinalResult(context.Context) (engine.Result, error) {
	if r.finalErr != nil {
		return engine.Result{}, r.finalErr
	}
	return engine.Result{Text: "tail", Final: true}, nil
}

func (r *fakeRecognizer) Free() error {
	r.frees.Add(1)
	return r.freeErr
}

// emission records a transcript together with how many chunks the
// recognizer had seen when it was written.
type emission struct {
	text      string
	afterFeed int32
}

type recordingSink struct {
	rec *fakeEngine
	err error

	mu    sync.Mutex
	items []emission
}

func (s *recordingSink) Emit(_ context.Context, res engine.Result) error {
	if s.err != nil {
		return s.err
	}
	var fed int32
	if s.rec != nil {
		s.rec.mu.Lock()
		if n := len(s.rec.recs); n > 0 {
			fed = s.rec.recs[n-1].fed.Load()
		}
		s.rec.mu.Unlock()
	}
	s.mu.Lock()
	s.items = append(s.items, emission{text: res.Text, afterFeed: fed})
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.text)
	}
	return out
}

func newTestManager(t *testing.T, eng engine.Engine, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 8
	}
	m := NewManager(context.Background(), cfg, eng, newLogger(), opts...)
	t.Cleanup(m.Close)
	return m
}

func waitOutcome(t *testing.T, s *Session) Outcome {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	return s.Wait()
}

func feedAll(t *testing.T, s *Session, chunks ...[]byte) {
	t.Helper()
	for i, c := range chunks {
		if err := s.Feed(context.Background(), c); err != nil {
			t.Fatalf("feed chunk %d: %v", i+1, err)
		}
	}
}
