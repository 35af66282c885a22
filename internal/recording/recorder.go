// Package recording keeps a WAV copy of the audio each session consumed.
package recording

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
)

type track struct {
	file  *os.File
	enc   *wav.Encoder
	carry []byte
}

// Recorder writes one 16-bit mono WAV file per session, named after the
// session id. It implements session.Observer.
type Recorder struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	tracks map[string]*track
}

func New(dir string, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{
		dir:    dir,
		log:    log.With(slog.String("component", "recorder")),
		tracks: make(map[string]*track),
	}, nil
}

// Path returns the file a session is recorded to.
func (r *Recorder) Path(sessionID string) string {
	return filepath.Join(r.dir, sessionID+".wav")
}

func (r *Recorder) SessionOpened(info session.Info) {
	file, err := os.Create(r.Path(info.ID))
	if err != nil {
		r.log.Warn("open recording failed", slog.String("session_id", info.ID), slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	r.tracks[info.ID] = &track{
		file: file,
		enc:  wav.NewEncoder(file, engine.SampleRate, 16, 1, 1),
	}
	r.mu.Unlock()
}

func (r *Recorder) ChunkProcessed(info session.Info, chunk []byte, _ error) {
	r.mu.Lock()
	t := r.tracks[info.ID]
	r.mu.Unlock()
	if t == nil || len(chunk) == 0 {
		return
	}

	pcm := chunk
	if len(t.carry) > 0 {
		pcm = append(t.carry, chunk...)
		t.carry = nil
	}
	if len(pcm)%2 != 0 {
		t.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: engine.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := t.enc.Write(buf); err != nil {
		r.log.Warn("write recording failed", slog.String("session_id", info.ID), slog.String("error", err.Error()))
	}
}

func (r *Recorder) TranscriptEmitted(session.Info, int64, engine.Result) {}

func (r *Recorder) SessionClosed(info session.Info, _ session.Outcome) {
	r.mu.Lock()
	t := r.tracks[info.ID]
	delete(r.tracks, info.ID)
	r.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.enc.Close(); err != nil {
		r.log.Warn("finalize recording failed", slog.String("session_id", info.ID), slog.String("error", err.Error()))
	}
	if err := t.file.Close(); err != nil {
		r.log.Warn("close recording failed", slog.String("session_id", info.ID), slog.String("error", err.Error()))
	}
}

// Close finalizes recordings of sessions that never reported closing.
func (r *Recorder) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.SessionClosed(session.Info{ID: id}, session.Outcome{})
	}
}
