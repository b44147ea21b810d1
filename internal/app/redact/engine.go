// Package redact blurs detected face regions on outgoing video frames.
package redact

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/rs/zerolog"
)

type Options struct {
	FrameInterval time.Duration
	BlurSigma     float64
	// Padding grows each face box by this fraction of its size per side.
	Padding float64
}

func (o Options) withDefaults() Options {
	if o.FrameInterval <= 0 {
		o.FrameInterval = 33 * time.Millisecond
	}
	if o.BlurSigma <= 0 {
		o.BlurSigma = 12
	}
	if o.Padding < 0 {
		o.Padding = 0
	}
	return o
}

type Stats struct {
	Frames       int64
	Skipped      int64
	Faces        int64
	DetectErrors int64
}

// Engine owns the face detector, the offscreen buffer and the output surface.
// The detector is loaded on the first successful Start and kept until Close.
type Engine struct {
	load core.DetectorLoader
	opts Options
	log  zerolog.Logger

	// loadMu serialises detector loads; mu is never held across one.
	loadMu sync.Mutex

	mu       sync.Mutex
	detector core.Detector
	surface  *Surface
	cancel   context.CancelFunc
	done     chan struct{}

	// Owned by the frame loop goroutine while it runs.
	buf    *image.RGBA
	lastTS time.Duration
	seenTS bool

	frames, skipped, faces, detectErrs atomic.Int64
}

func NewEngine(load core.DetectorLoader, opts Options, lg zerolog.Logger) *Engine {
	return &Engine{
		load: load,
		opts: opts.withDefaults(),
		log:  lg.With().Str("module", "redact").Logger(),
	}
}

// EnsureDetector loads the face detector unless one is already held. Stop,
// Close and Running do not wait for a load in progress.
func (e *Engine) EnsureDetector(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.Lock()
	loaded := e.detector != nil
	e.mu.Unlock()
	if loaded {
		return nil
	}
	if e.load == nil {
		return &domain.DetectorInitError{Err: domain.ErrDetectorUnavailable}
	}
	d, err := e.load(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("face detector load")
		return &domain.DetectorInitError{Err: err}
	}

	e.mu.Lock()
	e.detector = d
	e.mu.Unlock()
	return nil
}

// Start begins redacting frames pulled from src and returns the surface the
// redacted frames are drawn to. A second Start while running returns the
// same surface.
func (e *Engine) Start(ctx context.Context, src core.FrameSource) (*Surface, error) {
	if src == nil {
		return nil, errors.New("redact: nil frame source")
	}
	if err := e.EnsureDetector(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return e.surface, nil
	}
	// Close may have released the detector since the load.
	if e.detector == nil {
		return nil, &domain.DetectorInitError{Err: domain.ErrDetectorUnavailable}
	}

	e.surface = newSurface()
	e.buf = nil
	e.seenTS = false

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(loopCtx, src, e.detector, e.surface, e.done)

	e.log.Info().Dur("interval", e.opts.FrameInterval).Msg("redaction started")
	return e.surface, nil
}

func (e *Engine) run(ctx context.Context, src core.FrameSource, d core.Detector, out *Surface, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, src, d, out)
		}
	}
}

func (e *Engine) tick(ctx context.Context, src core.FrameSource, d core.Detector, out *Surface) {
	img, ts, ok := src.Latest()
	if !ok {
		return
	}
	if e.seenTS && ts == e.lastTS {
		e.skipped.Add(1)
		return
	}
	e.lastTS, e.seenTS = ts, true

	faces, err := d.Detect(ctx, img, ts)
	if ctx.Err() != nil {
		return
	}

	b := img.Bounds()
	if e.buf == nil || e.buf.Rect.Dx() != b.Dx() || e.buf.Rect.Dy() != b.Dy() {
		e.buf = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(e.buf, e.buf.Rect, img, b.Min, draw.Src)

	if err != nil {
		e.detectErrs.Add(1)
		e.log.Warn().Err(err).Dur("ts", ts).Msg("detect failed, frame passed through")
	} else {
		for _, face := range faces {
			r := BoundingBox(face, b.Dx(), b.Dy(), e.opts.Padding)
			blurRegion(e.buf, r, e.opts.BlurSigma)
		}
		e.faces.Add(int64(len(faces)))
	}

	frame := image.NewRGBA(e.buf.Rect)
	copy(frame.Pix, e.buf.Pix)
	out.publish(frame, ts)
	e.frames.Add(1)
}

// Stop cancels the frame loop and waits for it to exit, then releases the
// buffer and surface. The detector is kept for the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	e.buf = nil
	if e.surface != nil {
		_ = e.surface.Close()
		e.surface = nil
	}
	e.log.Info().Msg("redaction stopped")
}

// Close stops the loop and releases the detector.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	if e.detector == nil {
		return nil
	}
	err := e.detector.Close()
	e.detector = nil
	return err
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Frames:       e.frames.Load(),
		Skipped:      e.skipped.Load(),
		Faces:        e.faces.Load(),
		DetectErrors: e.detectErrs.Load(),
	}
}
