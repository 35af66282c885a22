package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/model"
	"github.com/mattn/go-shellwords"
)

const execStopTimeout = 2 * time.Second

var errWorkerDesynced = fmt.Errorf("%w: stt worker reply abandoned", ErrRecognizerBroken)

// execEngine runs one worker process per session. The worker receives
// frames on stdin (little-endian uint32 length followed by PCM; a zero
// length asks for the final result) and answers every frame with one JSON
// line in vosk format on stdout.
type execEngine struct {
	cmd          []string
	bundle       model.Bundle
	replyTimeout time.Duration
	log          *slog.Logger
}

func NewExecEngine(cfg config.EngineConfig, bundle model.Bundle, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{
		cmd:          args,
		bundle:       bundle,
		replyTimeout: time.Duration(cfg.ReplyTimeoutMS) * time.Millisecond,
		log:          log,
	}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Close() error { return nil }

func (e *execEngine) NewRecognizer(ctx context.Context, sampleRate int) (Recognizer, error) {
	if err := checkSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", e.bundle.Path, "--sample-rate", strconv.Itoa(sampleRate))
	command := exec.Command(e.cmd[0], args...)

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stt worker stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stt worker stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	command.Stderr = stderr

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start stt worker: %w", err)
	}

	r := &execRecognizer{
		cmd:     command,
		stdin:   stdin,
		stderr:  stderr,
		lines:   make(chan []byte, 1),
		readErr: make(chan error, 1),
		timeout: e.replyTimeout,
	}
	r.readerDone = make(chan struct{})
	go r.readLoop(stdout)
	e.log.Debug("stt worker started", slog.Int("pid", command.Process.Pid))
	return r, nil
}

type execRecognizer struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *tailBuffer
	lines      chan []byte
	readErr    chan error
	readerDone chan struct{}
	timeout    time.Duration
	last       Result
	broken     error
	freed      bool
}

func (r *execRecognizer) readLoop(stdout io.Reader) {
	defer close(r.readerDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		r.lines <- append([]byte(nil), scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		r.readErr <- err
		return
	}
	r.readErr <- io.EOF
}

func (r *execRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.roundTrip(ctx, pcm)
	if err != nil {
		return false, err
	}
	boundary, res, err := decodeReply(data)
	if err != nil {
		return false, err
	}
	if boundary {
		r.last = res
	}
	return boundary, nil
}

func (r *execRecognizer) Result(context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return Result{}, ErrRecognizerFreed
	}
	return r.last, nil
}

func (r *execRecognizer) FinalResult(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.roundTrip(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	_, res, err := decodeReply(data)
	if err != nil {
		return Result{}, err
	}
	res.Final = true
	return res, nil
}

// roundTrip writes one frame and waits for its reply line. Must be called
// with r.mu held.
func (r *execRecognizer) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	if r.freed {
		return nil, ErrRecognizerFreed
	}
	if r.broken != nil {
		return nil, r.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	// A cancelled session must not stay stuck on a full stdin pipe.
	stop := context.AfterFunc(ctx, func() { _ = r.stdin.Close() })
	_, err := r.stdin.Write(frame)
	stop()
	if err != nil {
		r.broken = fmt.Errorf("%w: write to stt worker: %v", ErrRecognizerBroken, err)
		return nil, r.broken
	}

	var timeout <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case line := <-r.lines:
		return line, nil
	case err := <-r.readErr:
		r.broken = fmt.Errorf("%w: stt worker exited: %v: %s", ErrRecognizerBroken, err, r.stderr.String())
		return nil, r.broken
	case <-timeout:
		r.broken = errWorkerDesynced
		return nil, fmt.Errorf("%w: stt worker reply timed out after %s", ErrRecognizerBroken, r.timeout)
	case <-ctx.Done():
		r.broken = errWorkerDesynced
		return nil, ctx.Err()
	}
}

func (r *execRecognizer) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return ErrRecognizerFreed
	}
	r.freed = true

	closeErr := r.stdin.Close()

	drained := make(chan struct{})
	go func() {
		// Drop unread replies so the reader can reach EOF.
		for {
			select {
			case <-r.lines:
			case <-r.readerDone:
				close(drained)
				return
			}
		}
	}()

	killed := false
	select {
	case <-drained:
	case <-time.After(execStopTimeout):
		killed = true
		_ = r.cmd.Process.Kill()
		<-drained
	}

	waitErr := r.cmd.Wait()
	if killed {
		return fmt.Errorf("stt worker did not exit within %s, killed", execStopTimeout)
	}
	if waitErr != nil {
		return fmt.Errorf("stt worker exit: %w: %s", waitErr, r.stderr.String())
	}
	if closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe) {
		return fmt.Errorf("close stt worker stdin: %w", closeErr)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
