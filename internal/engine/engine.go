// Package engine holds the speech recognition backends. An Engine owns the
// shared, read-only model; every session gets its own Recognizer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/model"
)

// SampleRate is the only input rate accepted: 16-bit little-endian mono PCM.
const SampleRate = 16000

var (
	// ErrRecognizerFreed is returned by recognizers used after Free.
	ErrRecognizerFreed = errors.New("recognizer already freed")
	// ErrRecognizerBroken wraps faults that leave a recognizer unable to
	// process any further audio.
	ErrRecognizerBroken = errors.New("recognizer broken")
)

// Result is the recognizer output for one utterance boundary.
type Result struct {
	Text  string
	Final bool
}

// HasText reports whether the result carries a non-blank transcript.
func (r Result) HasText() bool {
	return strings.TrimSpace(r.Text) != ""
}

// Recognizer is a per-session decoding state. Implementations are not safe
// for concurrent use; the session drives them from a single goroutine.
type Recognizer interface {
	// AcceptWaveform feeds pcm and reports whether an utterance boundary
	// was reached.
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)
	// Result returns the transcript of the utterance completed by the last
	// AcceptWaveform call that returned true.
	Result(ctx context.Context) (Result, error)
	// FinalResult flushes whatever audio is still pending.
	FinalResult(ctx context.Context) (Result, error)
	Free() error
}

// Engine creates recognizers bound to the loaded model.
type Engine interface {
	Name() string
	NewRecognizer(ctx context.Context, sampleRate int) (Recognizer, error)
	Close() error
}

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig, bundle model.Bundle, log *slog.Logger) (Engine, error) {
	log = log.With(slog.String("component", "engine"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(time.Duration(cfg.MockUtteranceMS) * time.Millisecond), nil
	case "exec":
		return NewExecEngine(cfg, bundle, log)
	case "vosk-ws":
		return NewVoskEngine(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

func checkSampleRate(rate int) error {
	if rate != SampleRate {
		return fmt.Errorf("unsupported sample rate %d, want %d", rate, SampleRate)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
