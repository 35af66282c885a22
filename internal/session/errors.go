package session

import "errors"

var (
	// ErrSessionClosed is returned by Feed once End or Fail has been called.
	ErrSessionClosed = errors.New("session closed")
	// ErrIdleTimeout fails sessions that stop receiving chunks.
	ErrIdleTimeout = errors.New("session idle timeout")
	// ErrTransport wraps inbound or outbound transport faults.
	ErrTransport = errors.New("transport error")
	// ErrShutdown fails sessions still open when the manager closes.
	ErrShutdown = errors.New("session manager shutting down")
	// ErrTooManySessions rejects Open when the session limit is reached.
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrManagerClosed rejects Open after Close.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrRecognizerPanic marks a recovered panic inside a recognizer call.
	ErrRecognizerPanic = errors.New("recognizer panic")
	// ErrRecognizerFailed fails sessions whose recognizer stopped working.
	ErrRecognizerFailed = errors.New("recognizer failed")
)
