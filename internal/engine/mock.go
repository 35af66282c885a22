package engine

import (
	"context"
	"fmt"
	"time"
)

type mockEngine struct {
	utteranceBytes int
}

// NewMockEngine returns an engine that closes an utterance every time the
// given duration of audio has been fed. Useful for wiring checks without a
// model.
func NewMockEngine(utterance time.Duration) Engine {
	n := int(utterance.Seconds() * SampleRate * 2)
	if n <= 0 {
		n = SampleRate * 2
	}
	return &mockEngine{utteranceBytes: n}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) NewRecognizer(_ context.Context, sampleRate int) (Recognizer, error) {
	if err := checkSampleRate(sampleRate); err != nil {
		return nil, err
	}
	return &mockRecognizer{limit: m.utteranceBytes}, nil
}

func (m *mockEngine) Close() error { return nil }

type mockRecognizer struct {
	limit     int
	pending   int
	utterance int
	last      Result
	freed     bool
}

func (r *mockRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	if r.freed {
		return false, ErrRecognizerFreed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.pending += len(pcm)
	if r.pending < r.limit {
		return false, nil
	}
	r.utterance++
	r.last = Result{Text: fmt.Sprintf("[utterance %d bytes=%d]", r.utterance, r.pending), Final: true}
	r.pending = 0
	return true, nil
}

func (r *mockRecognizer) Result(context.Context) (Result, error) {
	if r.freed {
		return Result{}, ErrRecognizerFreed
	}
	return r.last, nil
}

func (r *mockRecognizer) FinalResult(context.Context) (Result, error) {
	if r.freed {
		return Result{}, ErrRecognizerFreed
	}
	if r.pending == 0 {
		return Result{Final: true}, nil
	}
	r.utterance++
	res := Result{Text: fmt.Sprintf("[utterance %d bytes=%d]", r.utterance, r.pending), Final: true}
	r.pending = 0
	return res, nil
}

func (r *mockRecognizer) Free() error {
	if r.freed {
		return ErrRecognizerFreed
	}
	r.freed = true
	return nil
}
