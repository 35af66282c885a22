package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-stream-stt/session"

type sessionMetrics struct {
	active        metric.Int64UpDownCounter
	sessions      metric.Int64Counter
	chunks        metric.Int64Counter
	chunkFaults   metric.Int64Counter
	bytes         metric.Int64Counter
	transcripts   metric.Int64Counter
	releaseFaults metric.Int64Counter
	duration      metric.Float64Histogram
}

func newSessionMetrics(meter metric.Meter) (*sessionMetrics, error) {
	var (
		m   sessionMetrics
		err error
	)
	if m.active, err = meter.Int64UpDownCounter("stt.sessions.active", metric.WithDescription("Sessions currently streaming")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64Counter("stt.sessions.total", metric.WithDescription("Sessions finished, by terminal state")); err != nil {
		return nil, err
	}
	if m.chunks, err = meter.Int64Counter("stt.chunks.processed", metric.WithDescription("Audio chunks fed to recognizers")); err != nil {
		return nil, err
	}
	if m.chunkFaults, err = meter.Int64Counter("stt.chunks.faults", metric.WithDescription("Chunks whose processing failed")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("stt.audio.bytes", metric.WithDescription("PCM bytes consumed"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.transcripts, err = meter.Int64Counter("stt.transcripts.emitted", metric.WithDescription("Transcripts written to clients")); err != nil {
		return nil, err
	}
	if m.releaseFaults, err = meter.Int64Counter("stt.release.faults", metric.WithDescription("Recognizer release failures")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("stt.session.duration", metric.WithDescription("Session lifetime"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func defaultMetrics() *sessionMetrics {
	m, err := newSessionMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = newSessionMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *sessionMetrics) opened(ctx context.Context, transport string) {
	m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

func (m *sessionMetrics) closed(ctx context.Context, transport string, state State, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.active.Add(ctx, -1, attrs)
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport), attribute.String("state", state.String())))
	m.duration.Record(ctx, d.Seconds(), attrs)
}
