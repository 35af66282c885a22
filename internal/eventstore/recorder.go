package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

const writeTimeout = 5 * time.Second

type op struct {
	record *SessionRecord
	event  *Event
	prune  bool
}

// Recorder persists session timelines. It implements session.Observer and
// writes from a single goroutine so session processing never waits on
// sqlite. Writes are dropped when the queue is full.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	queue   chan op
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewRecorder(store *Store, depth int, log *slog.Logger) *Recorder {
	if depth <= 0 {
		depth = 1
	}
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "event-recorder")),
		queue: make(chan op, depth),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for o := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case o.record != nil:
			err = r.store.UpsertSession(ctx, *o.record)
		case o.event != nil:
			err = r.store.AppendEvent(ctx, *o.event)
		case o.prune:
			err = r.store.Prune(ctx)
		}
		cancel()
		if err != nil {
			r.log.Warn("event store write failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) enqueue(o op) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- o:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("event store queue full, dropping records", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns how many writes were discarded.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close flushes queued writes and stops the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *Recorder) SessionOpened(info session.Info) {
	rec := recordFromInfo(info)
	r.enqueue(op{record: &rec})
	r.appendEvent(info.ID, EventSessionOpened, map[string]any{
		"transport":   info.Transport,
		"remote_addr": info.RemoteAddr,
	})
}

func (r *Recorder) ChunkProcessed(info session.Info, chunk []byte, err error) {
	if err == nil {
		return
	}
	r.appendEvent(info.ID, EventChunkFault, map[string]any{
		"bytes": len(chunk),
		"error": err.Error(),
	})
}

func (r *Recorder) TranscriptEmitted(info session.Info, sequence int64, res engine.Result) {
	r.appendEvent(info.ID, EventTranscript, map[string]any{
		"sequence": sequence,
		"text":     res.Text,
	})
}

func (r *Recorder) SessionClosed(info session.Info, outcome session.Outcome) {
	rec := recordFromInfo(info)
	rec.State = outcome.State.String()
	rec.ClosedAt = time.Now().UTC()
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	payload := map[string]any{
		"state":       rec.State,
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	if outcome.ReleaseErr != nil {
		payload["release_error"] = outcome.ReleaseErr.Error()
	}
	r.appendEvent(info.ID, EventSessionClosed, payload)
	r.enqueue(op{record: &rec})
	r.enqueue(op{prune: true})
}

func (r *Recorder) appendEvent(sessionID, typ string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode event payload", slog.String("error", err.Error()))
		return
	}
	r.enqueue(op{event: &Event{SessionID: sessionID, Type: typ, Payload: data, CreatedAt: time.Now().UTC()}})
}

func recordFromInfo(info session.Info) SessionRecord {
	return SessionRecord{
		ID:            info.ID,
		Transport:     info.Transport,
		RemoteAddr:    info.RemoteAddr,
		State:         info.State.String(),
		BytesConsumed: info.BytesConsumed,
		Chunks:        info.Chunks,
		ChunkFaults:   info.ChunkFaults,
		Emissions:     info.Emissions,
		StartedAt:     info.StartedAt,
	}
}
