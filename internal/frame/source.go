package frame

import (
	"context"
	"sync"
)

// Source produces timestamped frames for one capture stream.
//
// Next blocks until a frame is available. It returns ErrStreamChanged once
// when the stream switches (camera change, resolution change) and keeps
// producing frames afterwards; consumers must reset every analyzer buffer
// on that signal. ErrStreamEnded means no further frames will arrive. Any
// other error is an acquisition failure.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Resolution() (width, height int)
	Close() error
}

type item struct {
	frame   *Frame
	changed bool
}

// ChanSource is a push-driven Source fed by an external producer such as a
// WebSocket connection.
type ChanSource struct {
	ch        chan item
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	width  int
	height int
	err    error
}

// NewChanSource creates a source that buffers up to depth frames. When the
// buffer is full the newest frame is dropped; analyzers prefer a gap to
// latency.
func NewChanSource(depth int) *ChanSource {
	if depth < 1 {
		depth = 1
	}
	return &ChanSource{
		ch:   make(chan item, depth),
		done: make(chan struct{}),
	}
}

// Publish hands a frame to the consumer. It reports false when the frame
// was dropped because the consumer is behind.
func (s *ChanSource) Publish(f *Frame) (bool, error) {
	s.mu.Lock()
	changed := s.width != 0 && (s.width != f.Width || s.height != f.Height)
	s.width, s.height = f.Width, f.Height
	s.mu.Unlock()

	select {
	case <-s.done:
		return false, ErrSourceClosed
	default:
	}

	if changed {
		// The change marker must not be lost even if the queue is full.
		select {
		case s.ch <- item{changed: true}:
		case <-s.done:
			return false, ErrSourceClosed
		}
	}

	select {
	case s.ch <- item{frame: f}:
		return true, nil
	case <-s.done:
		return false, ErrSourceClosed
	default:
		return false, nil
	}
}

// Change signals a stream switch without a frame.
func (s *ChanSource) Change() error {
	select {
	case s.ch <- item{changed: true}:
		return nil
	case <-s.done:
		return ErrSourceClosed
	}
}

// Fail ends the stream with an acquisition error. Next returns err once the
// queued frames have been drained.
func (s *ChanSource) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// Next implements Source.
func (s *ChanSource) Next(ctx context.Context) (*Frame, error) {
	select {
	case it := <-s.ch:
		return it.unpack()
	case <-s.done:
		// Drain what was queued before the close.
		select {
		case it := <-s.ch:
			return it.unpack()
		default:
		}
		s.mu.RLock()
		err := s.err
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrStreamEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (it item) unpack() (*Frame, error) {
	if it.changed {
		return nil, ErrStreamChanged
	}
	return it.frame, nil
}

// Resolution implements Source.
func (s *ChanSource) Resolution() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// Close ends the stream. Frames already queued are still delivered.
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
