package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/engine"
)

// Sink receives the transcripts of one session. Emit must deliver (and
// flush) the text before returning; an error fails the session.
type Sink interface {
	Emit(ctx context.Context, res engine.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res engine.Result) error

func (f SinkFunc) Emit(ctx context.Context, res engine.Result) error { return f(ctx, res) }

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastChunkAt   time.Time `json:"last_chunk_at,omitempty"`
	BytesConsumed int64     `json:"bytes_consumed"`
	Chunks        int64     `json:"chunks"`
	ChunkFaults   int64     `json:"chunk_faults"`
	Emissions     int64     `json:"emissions"`
}

// Outcome describes how a session ended.
type Outcome struct {
	State State
	// Err is the failure cause; nil when State is StateClosed.
	Err error
	// Emitted reports whether any transcript reached the sink.
	Emitted    bool
	ReleaseErr error
	Duration   time.Duration
}

// Observer is notified from the session goroutine, in order: SessionOpened
// first, SessionClosed last. Calls must
// not block for long; slow work belongs on the observer's own queue.
type Observer interface {
	SessionOpened(info Info)
	ChunkProcessed(info Info, chunk []byte, err error)
	TranscriptEmitted(info Info, sequence int64, res engine.Result)
	SessionClosed(info Info, outcome Outcome)
}
