package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-stream-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.manager.Accepting()
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type sessionsResponse struct {
	Active []session.Info             `json:"active"`
	Recent []eventstore.SessionRecord `json:"recent,omitempty"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	resp := sessionsResponse{Active: r.manager.Sessions()}
	if r.store != nil {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		recent, err := r.store.ListSessions(req.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, protocol.ErrorMessage{Message: err.Error()})
			return
		}
		resp.Recent = recent
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionEventsResponse struct {
	Session eventstore.SessionRecord `json:"session"`
	Events  []eventstore.Event       `json:"events"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.store == nil || !r.store.Persistent() {
		writeJSON(w, http.StatusNotFound, protocol.ErrorMessage{Message: "event store disabled"})
		return
	}
	id := chi.URLParam(req, "id")
	rec, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, protocol.ErrorMessage{Message: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorMessage{Message: err.Error()})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorMessage{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionEventsResponse{Session: rec, Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
