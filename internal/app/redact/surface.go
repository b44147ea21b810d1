package redact

import (
	"image"
	"io"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/core"
)

// Surface is the drawable output of the engine. It is the frame reader behind
// the synthetic video track: Read blocks until a frame newer than the last one
// read is published.
type Surface struct {
	mu      sync.Mutex
	frame   *image.RGBA
	ts      time.Duration
	seq     uint64
	readSeq uint64
	closed  bool
	notify  chan struct{}
}

var _ core.FrameReader = (*Surface)(nil)

func newSurface() *Surface {
	return &Surface{notify: make(chan struct{})}
}

// publish takes ownership of frame.
func (s *Surface) publish(frame *image.RGBA, ts time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frame, s.ts = frame, ts
	s.seq++
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Surface) Read() (image.Image, func(), error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, func() {}, io.EOF
		}
		if s.seq != s.readSeq {
			s.readSeq = s.seq
			f := s.frame
			s.mu.Unlock()
			return f, func() {}, nil
		}
		wait := s.notify
		s.mu.Unlock()
		<-wait
	}
}

// Latest returns the most recent published frame without consuming it.
func (s *Surface) Latest() (image.Image, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, 0, false
	}
	return s.frame, s.ts, true
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.frame = nil
	close(s.notify)
	return nil
}
