package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is one inbound audio stream bound to its own recognizer. Chunks
// are consumed by a single goroutine in arrival order; End and Fail may be
// called from any goroutine and only the first one counts.
type Session struct {
	id         string
	transport  string
	remoteAddr string
	startedAt  time.Time

	mgr  *Manager
	rec  engine.Recognizer
	sink Sink
	log  *slog.Logger
	span trace.Span

	chunks     chan []byte
	endCh      chan struct{}
	drainCh    chan struct{}
	feedMu     sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	done       chan struct{}

	state       atomic.Int32
	terminating atomic.Bool
	released    atomic.Bool

	bytes       atomic.Int64
	chunkCount  atomic.Int64
	chunkFaults atomic.Int64
	emissions   atomic.Int64
	lastChunk   atomic.Int64

	mu      sync.Mutex
	cause   error
	outcome Outcome
}

func (s *Session) ID() string { return s.id }

// Done is closed once the recognizer has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session fails or finishes.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State { return State(s.state.Load()) }

// Feed hands chunk over to the session. It blocks while the queue is full.
// The caller must not modify chunk afterwards.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	s.feedMu.RLock()
	defer s.feedMu.RUnlock()
	if s.terminating.Load() {
		return ErrSessionClosed
	}
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.endCh:
		return ErrSessionClosed
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End signals a clean end of stream. Queued chunks are still processed,
// including those of Feed calls racing with End.
func (s *Session) End() {
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}
	close(s.endCh)
	// Wait for in-flight Feed calls so drain sees every accepted chunk.
	s.feedMu.Lock()
	s.feedMu.Unlock()
	close(s.drainCh)
}

// Fail aborts the stream: in-flight recognition is cancelled and queued
// chunks are dropped.
func (s *Session) Fail(cause error) {
	if cause == nil {
		cause = ErrTransport
	}
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}
	s.abort(cause)
}

// Wait blocks until the session has been torn down.
func (s *Session) Wait() Outcome {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) Info() Info {
	info := Info{
		ID:            s.id,
		Transport:     s.transport,
		RemoteAddr:    s.remoteAddr,
		State:         s.State(),
		StartedAt:     s.startedAt,
		BytesConsumed: s.bytes.Load(),
		Chunks:        s.chunkCount.Load(),
		ChunkFaults:   s.chunkFaults.Load(),
		Emissions:     s.emissions.Load(),
	}
	if ts := s.lastChunk.Load(); ts > 0 {
		info.LastChunkAt = time.Unix(0, ts).UTC()
	}
	return info
}

// abort records the first failure cause and cancels the session context.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) advance(to State) {
	for {
		from := State(s.state.Load())
		if from == to || !canTransition(from, to) {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return
		}
	}
}

func (s *Session) run() {
	defer s.finish()

	info := s.Info()
	for _, o := range s.mgr.observers {
		o.SessionOpened(info)
	}

	var idleC <-chan time.Time
	var idle *time.Timer
	if s.mgr.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.mgr.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.drainCh:
			s.drain()
			if s.mgr.cfg.FlushOnEnd {
				s.flushFinal()
			}
			return
		case chunk := <-s.chunks:
			s.process(chunk)
			if idle != nil {
				idle.Reset(s.mgr.cfg.IdleTimeout)
			}
		case <-idleC:
			s.log.Warn("session idle, closing", slog.Duration("idle_timeout", s.mgr.cfg.IdleTimeout))
			s.Fail(ErrIdleTimeout)
		}
	}
}

func (s *Session) drain() {
	for s.ctx.Err() == nil {
		select {
		case chunk := <-s.chunks:
			s.process(chunk)
		default:
			return
		}
	}
}

func (s *Session) process(chunk []byte) {
	if s.ctx.Err() != nil {
		return
	}
	s.advance(StateStreaming)
	s.bytes.Add(int64(len(chunk)))
	s.chunkCount.Add(1)
	s.lastChunk.Store(time.Now().UnixNano())
	s.mgr.metrics.chunks.Add(s.ctx, 1)
	s.mgr.metrics.bytes.Add(s.ctx, int64(len(chunk)))

	boundary, res, err := s.accept(chunk)
	for _, o := range s.mgr.observers {
		o.ChunkProcessed(s.Info(), chunk, err)
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.chunkFaults.Add(1)
		s.mgr.metrics.chunkFaults.Add(s.ctx, 1)
		s.log.Warn("error processing audio chunk", slog.Int("bytes", len(chunk)), slogError(err))
		s.failIfBroken(err)
		return
	}
	if boundary && res.HasText() {
		s.emit(res)
	}
}

// accept runs one recognizer step. Recognizer panics are converted into
// chunk faults.
func (s *Session) accept(chunk []byte) (boundary bool, res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRecognizerPanic, r)
		}
	}()
	boundary, err = s.rec.AcceptWaveform(s.ctx, chunk)
	if err != nil || !boundary {
		return boundary, res, err
	}
	res, err = s.rec.Result(s.ctx)
	return boundary, res, err
}

func (s *Session) flushFinal() {
	if s.ctx.Err() != nil {
		return
	}
	res, err := func() (res engine.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrRecognizerPanic, r)
			}
		}()
		return s.rec.FinalResult(s.ctx)
	}()
	if err != nil {
		s.log.Warn("final result failed", slogError(err))
		s.failIfBroken(err)
		return
	}
	if res.HasText() {
		s.emit(res)
	}
}

// failIfBroken fails the session when the recognizer can no longer
// process audio. It bypasses the End/Fail race so a draining session fails
// too.
func (s *Session) failIfBroken(err error) {
	if errors.Is(err, engine.ErrRecognizerBroken) {
		s.abort(fmt.Errorf("%w: %w", ErrRecognizerFailed, err))
	}
}

func (s *Session) emit(res engine.Result) {
	if err := s.sink.Emit(s.ctx, res); err != nil {
		s.log.Warn("failed to write transcript", slogError(err))
		s.abort(fmt.Errorf("%w: write transcript: %v", ErrTransport, err))
		return
	}
	seq := s.emissions.Add(1)
	s.mgr.metrics.transcripts.Add(s.ctx, 1)
	s.log.Debug("transcript emitted", slog.Int64("sequence", seq), slog.String("text", res.Text))
	for _, o := range s.mgr.observers {
		o.TranscriptEmitted(s.Info(), seq, res)
	}
}

func (s *Session) release() (err error) {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: free: %v", ErrRecognizerPanic, r)
		}
	}()
	return s.rec.Free()
}

func (s *Session) finish() {
	s.stopParent()

	cause := s.failure()
	state := StateClosed
	if cause != nil {
		state = StateFailed
	}
	s.advance(state)

	releaseErr := s.release()
	if releaseErr != nil {
		s.mgr.metrics.releaseFaults.Add(context.Background(), 1)
		s.log.Error("failed to release recognizer", slogError(releaseErr))
	}
	s.cancel()

	outcome := Outcome{
		State:      state,
		Err:        cause,
		Emitted:    s.emissions.Load() > 0,
		ReleaseErr: releaseErr,
		Duration:   time.Since(s.startedAt),
	}
	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()

	s.span.SetAttributes(
		attribute.String("stt.session.state", state.String()),
		attribute.Int64("stt.session.bytes", s.bytes.Load()),
		attribute.Int64("stt.session.emissions", s.emissions.Load()),
	)
	if cause != nil {
		s.span.RecordError(cause)
		s.span.SetStatus(codes.Error, cause.Error())
	}
	s.span.End()

	attrs := []any{
		slog.String("state", state.String()),
		slog.Int64("bytes_consumed", s.bytes.Load()),
		slog.Int64("chunks", s.chunkCount.Load()),
		slog.Int64("emissions", s.emissions.Load()),
		slog.Duration("duration", outcome.Duration),
	}
	switch {
	case cause == nil:
		s.log.Info("audio stream ended", attrs...)
	case errors.Is(cause, ErrShutdown):
		s.log.Info("session closed by shutdown", attrs...)
	default:
		s.log.Warn("audio stream failed", append(attrs, slogError(cause))...)
	}

	s.mgr.forget(s, outcome)
	close(s.done)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
