// Package transport adapts inbound HTTP bodies and websocket connections
// into streaming sessions.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

// StatusFor maps a session failure to the HTTP status reported to clients
// that have not received any output yet.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrIdleTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, session.ErrTooManySessions),
		errors.Is(err, session.ErrShutdown),
		errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError sends the JSON error body {"message": ...}.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorMessage{Message: err.Error()})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
