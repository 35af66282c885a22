package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
	"github.com/nats-io/nats.go"
)

// Publisher fans transcripts and session lifecycle events out on NATS. It
// implements session.Observer. nats.Conn.Publish only buffers, so calls do
// not block the session goroutine.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func NewPublisher(conn *nats.Conn, prefix string, log *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		log:    log.With(slog.String("component", "transcript-publisher")),
	}
}

func (p *Publisher) SessionOpened(info session.Info) {
	p.publish(protocol.SubjectSessionOpened, sessionEvent(info, info.State.String(), nil))
}

func (p *Publisher) ChunkProcessed(session.Info, []byte, error) {}

func (p *Publisher) TranscriptEmitted(info session.Info, sequence int64, res engine.Result) {
	p.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: info.ID,
		Sequence:  sequence,
		Text:      res.Text,
		Partial:   !res.Final,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) SessionClosed(info session.Info, outcome session.Outcome) {
	p.publish(protocol.SubjectSessionClosed, sessionEvent(info, outcome.State.String(), outcome.Err))
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("encode bus message", slog.String("error", err.Error()))
		return
	}
	full := protocol.Subject(p.prefix, subject)
	if err := p.conn.Publish(full, data); err != nil {
		p.log.Warn("publish failed", slog.String("subject", full), slog.String("error", err.Error()))
	}
}

func sessionEvent(info session.Info, state string, cause error) protocol.SessionEvent {
	evt := protocol.SessionEvent{
		SessionID:     info.ID,
		Transport:     info.Transport,
		State:         state,
		BytesConsumed: info.BytesConsumed,
		Emissions:     info.Emissions,
		Timestamp:     time.Now().UTC(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	return evt
}
