package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stream-stt/internal/model"
	"github.com/loqalabs/loqa-stream-stt/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Model.Path = t.TempDir()
	cfg.Engine.Mode = "mock"
	cfg.Engine.MockUtteranceMS = 100
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, string) {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-errCh:
		cancel()
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("runtime did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt, "http://" + rt.Addr()
}

func TestStartFailsWithoutModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing-model")
	err := New(cfg, newLogger()).Start(context.Background())
	if !errors.Is(err, model.ErrModelMissing) {
		t.Fatalf("expected ErrModelMissing, got %v", err)
	}
	if !strings.Contains(err.Error(), "alphacephei.com/vosk/models") {
		t.Fatalf("expected download hint in %q", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	_, base := startRuntime(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
}

func TestStreamAndMetrics(t *testing.T) {
	_, base := startRuntime(t, testConfig(t))

	resp, err := http.Post(base+"/speech-to-text-stream", "application/octet-stream", bytes.NewReader(make([]byte, 3200)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "[utterance 1 bytes=3200]" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metrics), "stt_chunks_processed") {
		t.Fatalf("metrics missing session counters:\n%s", metrics)
	}
}

func TestSessionTimelineEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Framing = "ndjson"
	cfg.EventStore.Enabled = true
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	_, base := startRuntime(t, cfg)

	resp, err := http.Post(base+"/speech-to-text-stream", "application/octet-stream", bytes.NewReader(make([]byte, 3200)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatalf("expected one transcript line: %v", scanner.Err())
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(scanner.Bytes(), &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/sessions/" + tr.SessionID + "/events")
		if err != nil {
			t.Fatalf("get events: %v", err)
		}
		var timeline sessionEventsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&timeline)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && decodeErr == nil && timeline.Session.State == "closed" {
			if len(timeline.Events) != 3 || timeline.Events[1].Type != eventstore.EventTranscript {
				t.Fatalf("unexpected timeline %+v", timeline.Events)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeline not recorded, last status %d", resp.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err = http.Get(base + "/sessions/unknown/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	_, base := startRuntime(t, testConfig(t))
	resp, err := http.Get(base + "/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	defer resp.Body.Close()
	var out sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Active) != 0 {
		t.Fatalf("expected no active sessions, got %+v", out.Active)
	}
}
