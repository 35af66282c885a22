// Package session implements the streaming session manager: one recognizer
// per inbound stream, ordered chunk ingestion, transcript emission and
// exactly-once teardown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes session behaviour.
type Config struct {
	QueueDepth  int
	IdleTimeout time.Duration
	MaxSessions int
	FlushOnEnd  bool
}

// ConfigFrom converts the process configuration section.
func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		QueueDepth:  cfg.QueueDepth,
		IdleTimeout: time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		MaxSessions: cfg.MaxSessions,
		FlushOnEnd:  cfg.FlushOnEnd,
	}
}

// OpenRequest describes the stream being opened.
type OpenRequest struct {
	Transport  string
	RemoteAddr string
}

type Option func(*Manager)

// WithObserver registers an observer for every session.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

type Manager struct {
	cfg       Config
	engine    engine.Engine
	log       *slog.Logger
	observers []Observer
	metrics   *sessionMetrics
	tracer    trace.Tracer
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	closed   bool
	wg       sync.WaitGroup

	stopParent func() bool
}

// NewManager creates a manager. Cancelling parent shuts every session down.
func NewManager(parent context.Context, cfg Config, eng engine.Engine, log *slog.Logger, opts ...Option) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	m := &Manager{
		cfg:      cfg,
		engine:   eng,
		log:      log.With(slog.String("component", "session-manager")),
		metrics:  defaultMetrics(),
		tracer:   otel.Tracer(instrumentationName),
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mu.Lock()
	m.stopParent = context.AfterFunc(parent, m.Close)
	m.mu.Unlock()
	return m
}

// Open allocates a session with a fresh recognizer and starts its
// processing goroutine. Cancelling ctx later fails the session.
func (m *Manager) Open(ctx context.Context, req OpenRequest, sink Sink) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions)+m.pending >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.pending++
	m.mu.Unlock()

	rec, err := m.engine.NewRecognizer(ctx, engine.SampleRate)

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	if m.closed {
		m.mu.Unlock()
		if ferr := rec.Free(); ferr != nil {
			m.log.Warn("failed to release recognizer", slogError(ferr))
		}
		return nil, ErrManagerClosed
	}

	id := m.newID()
	spanCtx, span := m.tracer.Start(ctx, "stt.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("stt.session.id", id),
			attribute.String("stt.transport", req.Transport),
			attribute.String("stt.engine", m.engine.Name()),
		))
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(spanCtx))

	s := &Session{
		id:         id,
		transport:  req.Transport,
		remoteAddr: req.RemoteAddr,
		startedAt:  time.Now().UTC(),
		mgr:        m,
		rec:        rec,
		sink:       sink,
		log: m.log.With(
			slog.String("session_id", id),
			slog.String("transport", req.Transport),
		),
		span:    span,
		chunks:  make(chan []byte, m.cfg.QueueDepth),
		endCh:   make(chan struct{}),
		drainCh: make(chan struct{}),
		ctx:     sessCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateOpen))
	s.stopParent = context.AfterFunc(ctx, func() {
		s.Fail(fmt.Errorf("%w: client disconnected: %v", ErrTransport, context.Cause(ctx)))
	})

	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.opened(sessCtx, req.Transport)
	s.log.Info("session opened", slog.String("remote_addr", req.RemoteAddr), slog.String("engine", m.engine.Name()))
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

func (m *Manager) forget(s *Session, outcome Outcome) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.metrics.closed(context.Background(), s.transport, outcome.State, outcome.Duration)
	info := s.Info()
	for _, o := range m.observers {
		o.SessionClosed(info, outcome)
	}
}

// Sessions returns snapshots of the active sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// Get returns the active session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Accepting reports whether Open can still succeed.
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close fails every open session and waits for all of them to release
// their recognizers. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	stop := m.stopParent
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, s := range list {
		s.Fail(ErrShutdown)
	}
	m.wg.Wait()
}
