// Package devices captures camera and microphone tracks and builds the
// synthetic video track that carries redacted frames.
package devices

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

var ErrUnsupported = errors.New("devices: capture is not supported on this platform")

type Options struct {
	Width        int
	Height       int
	FrameRate    float64
	VideoBitRate int
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	return o
}

// classify maps a capture failure onto the domain errors callers match on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, fs.ErrPermission) ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNoDevice, err)
}

// blackFrame is what a disabled camera transmits.
func blackFrame(r image.Rectangle) *image.YCbCr {
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

type readFunc func() (image.Image, func(), error)

// frameBuffer keeps the latest frame pulled from a video reader.
type frameBuffer struct {
	mu     sync.Mutex
	img    image.Image
	ts     time.Duration
	ok     bool
	closed bool
	start  time.Time
	done   chan struct{}
}

var _ core.FrameSource = (*frameBuffer)(nil)

func newFrameBuffer(read readFunc) *frameBuffer {
	fb := &frameBuffer{start: time.Now(), done: make(chan struct{})}
	go fb.pull(read)
	return fb
}

func (fb *frameBuffer) pull(read readFunc) {
	defer close(fb.done)
	for {
		img, release, err := read()
		if err != nil {
			return
		}
		if !fb.store(img) {
			if release != nil {
				release()
			}
			return
		}
		if release != nil {
			release()
		}
	}
}

// store records img with a strictly increasing timestamp. It reports false
// once the buffer is closed.
func (fb *frameBuffer) store(img image.Image) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed {
		return false
	}
	ts := time.Since(fb.start)
	if fb.ok && ts <= fb.ts {
		ts = fb.ts + 1
	}
	fb.img, fb.ts, fb.ok = img, ts, true
	return true
}

func (fb *frameBuffer) Latest() (image.Image, time.Duration, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed || !fb.ok {
		return nil, 0, false
	}
	return fb.img, fb.ts, true
}

func (fb *frameBuffer) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.closed = true
	fb.img = nil
	return nil
}
