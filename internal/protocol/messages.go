package protocol

import "time"

// Transcript is one emitted utterance. It is the ndjson line written to
// HTTP clients and the payload published on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent announces session lifecycle changes on the bus.
type SessionEvent struct {
	SessionID     string    `json:"session_id"`
	Transport     string    `json:"transport"`
	State         string    `json:"state"`
	BytesConsumed int64     `json:"bytes_consumed"`
	Emissions     int64     `json:"emissions"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorMessage is the body sent to a client whose stream failed before any
// transcript was written.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Subjects are relative to the configured bus prefix.
const (
	SubjectTranscriptFinal = "text.final"
	SubjectSessionOpened   = "session.opened"
	SubjectSessionClosed   = "session.closed"
)

// Subject joins prefix and a relative subject.
func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}
