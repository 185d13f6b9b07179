package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Stream passes the upstream event-stream body through unmodified.
//
// When the upstream body is exhausted a "Streaming completed" status is sent.
// A read error sends an "Error: ..." status and ends the stream with io.EOF.
// Either terminal status is sent at most once. Close releases the upstream
// connection and the call's timeout; it is safe to call more than once and
// from another goroutine.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	notify func(Status)
	logger *slog.Logger

	finished  bool
	pending   error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.finished || s.closed.Load() {
		return 0, io.EOF
	}
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		return 0, s.finish(err)
	}

	n, err := s.body.Read(p)
	if err == nil {
		return n, nil
	}
	if n > 0 {
		// Hand over the last bytes first; the terminal status follows on
		// the next Read.
		s.pending = err
		return n, nil
	}
	return 0, s.finish(err)
}

// finish sends the terminal status for err and ends the stream.
func (s *Stream) finish(err error) error {
	s.finished = true
	if errors.Is(err, io.EOF) {
		s.notify(Status{Description: StatusStreamCompleted, Done: true})
		return io.EOF
	}
	if s.closed.Load() {
		return io.EOF
	}

	s.logger.Error("error processing stream", "error", err)
	s.notify(Status{Description: "Error: " + err.Error(), Done: true})
	return io.EOF
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
		s.cancel()
	})
	return s.closeErr
}
