package redact

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/core/coretest"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/2+y/2)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	return img
}

func loaderFor(d core.Detector) core.DetectorLoader {
	return func(context.Context) (core.Detector, error) { return d, nil }
}

func newTestEngine(load core.DetectorLoader) *Engine {
	return NewEngine(load, Options{FrameInterval: tick, BlurSigma: 3}, zerolog.Nop())
}

func waitFrame(t *testing.T, s *Surface, ts time.Duration) *image.RGBA {
	t.Helper()
	var out *image.RGBA
	require.Eventually(t, func() bool {
		img, got, ok := s.Latest()
		if !ok || got != ts {
			return false
		}
		out = img.(*image.RGBA)
		return true
	}, 2*time.Second, tick)
	return out
}

func TestBoundingBox(t *testing.T) {
	face := core.Landmarks{{X: 0.25, Y: 0.25}, {X: 0.75, Y: 0.5}, {X: 0.5, Y: 0.3}}

	assert.Equal(t, image.Rect(25, 25, 75, 50), BoundingBox(face, 100, 100, 0))
	assert.Equal(t, image.Rect(20, 22, 80, 53), BoundingBox(face, 100, 100, 0.1))

	whole := core.Landmarks{{X: 0, Y: 0}, {X: 1, Y: 1}}
	assert.Equal(t, image.Rect(0, 0, 100, 50), BoundingBox(whole, 100, 50, 0.2))

	assert.True(t, BoundingBox(nil, 100, 100, 0).Empty())
	assert.True(t, BoundingBox(face, 0, 100, 0).Empty())
}

func TestZeroFacesPassthrough(t *testing.T) {
	src := &coretest.FrameSource{}
	frame := checkerboard(32, 24)
	src.Put(frame, time.Millisecond)

	e := newTestEngine(loaderFor(coretest.NewDetector()))
	s, err := e.Start(context.Background(), src)
	require.NoError(t, err)
	defer e.Close()

	out := waitFrame(t, s, time.Millisecond)
	assert.Equal(t, frame.Pix, out.Pix)
	assert.Equal(t, frame.Rect, out.Rect)
}

func TestFaceRegionIsBlurred(t *testing.T) {
	src := &coretest.FrameSource{}
	frame := checkerboard(40, 40)
	src.Put(frame, time.Millisecond)

	d := coretest.NewDetector(core.Landmarks{{X: 0.25, Y: 0.25}, {X: 0.5, Y: 0.5}})
	e := newTestEngine(loaderFor(d))
	s, err := e.Start(context.Background(), src)
	require.NoError(t, err)
	defer e.Close()

	out := waitFrame(t, s, time.Millisecond)
	assert.NotEqual(t, frame.RGBAAt(15, 15), out.RGBAAt(15, 15), "inside the box")
	assert.Equal(t, frame.RGBAAt(35, 35), out.RGBAAt(35, 35), "outside the box")
	assert.Equal(t, frame.RGBAAt(2, 2), out.RGBAAt(2, 2), "outside the box")
	assert.Equal(t, int64(1), e.Stats().Faces)
}

func TestSameTimestampIsSkipped(t *testing.T) {
	src := &coretest.FrameSource{}
	src.Put(checkerboard(8, 8), time.Millisecond)
	d := coretest.NewDetector()

	e := newTestEngine(loaderFor(d))
	s, err := e.Start(context.Background(), src)
	require.NoError(t, err)
	defer e.Close()

	waitFrame(t, s, time.Millisecond)
	require.Eventually(t, func() bool { return e.Stats().Skipped >= 3 }, 2*time.Second, tick)
	assert.Equal(t, 1, d.Calls())

	src.Put(checkerboard(8, 8), 2*time.Millisecond)
	waitFrame(t, s, 2*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, d.Timestamps())
}

func TestDetectErrorPassesFrameThrough(t *testing.T) {
	src := &coretest.FrameSource{}
	frame := checkerboard(16, 16)
	src.Put(frame, time.Millisecond)
	d := coretest.NewDetector(core.Landmarks{{X: 0, Y: 0}, {X: 1, Y: 1}})
	d.SetErr(errors.New("inference failed"))

	e := newTestEngine(loaderFor(d))
	s, err := e.Start(context.Background(), src)
	require.NoError(t, err)
	defer e.Close()

	out := waitFrame(t, s, time.Millisecond)
	assert.Equal(t, frame.Pix, out.Pix)
	assert.Equal(t, int64(1), e.Stats().DetectErrors)
}

func TestStopLeavesNoTicks(t *testing.T) {
	src := &coretest.FrameSource{}
	src.Put(checkerboard(8, 8), time.Millisecond)
	d := coretest.NewDetector()

	e := newTestEngine(loaderFor(d))
	s, err := e.Start(context.Background(), src)
	require.NoError(t, err)
	waitFrame(t, s, time.Millisecond)

	e.Stop()
	assert.False(t, e.Running())
	calls := d.Calls()

	src.Put(checkerboard(8, 8), 5*time.Millisecond)
	time.Sleep(10 * tick)
	assert.Equal(t, calls, d.Calls())

	_, _, err = s.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, d.Closed(), "detector outlives Stop")

	require.NoError(t, e.Close())
	assert.True(t, d.Closed())
}

func TestDetectorInitError(t *testing.T) {
	loads := 0
	d := coretest.NewDetector()
	load := func(context.Context) (core.Detector, error) {
		loads++
		if loads == 1 {
			return nil, errors.New("model fetch failed")
		}
		return d, nil
	}
	e := newTestEngine(load)
	src := &coretest.FrameSource{}

	_, err := e.Start(context.Background(), src)
	var die *domain.DetectorInitError
	require.ErrorAs(t, err, &die)
	assert.False(t, domain.Fatal(err))
	assert.False(t, e.Running())

	_, err = e.Start(context.Background(), src)
	require.NoError(t, err)
	e.Stop()
	_, err = e.Start(context.Background(), src)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 2, loads, "detector is loaded once and kept")
}

func TestNoLoader(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.Start(context.Background(), &coretest.FrameSource{})
	assert.ErrorIs(t, err, domain.ErrDetectorUnavailable)
}

func TestSurfaceReadWaitsForNewFrame(t *testing.T) {
	s := newSurface()
	got := make(chan time.Duration, 1)
	go func() {
		img, release, err := s.Read()
		if err == nil {
			release()
			got <- time.Duration(img.Bounds().Dx())
		}
	}()

	select {
	case <-got:
		t.Fatal("read returned before any frame")
	case <-time.After(20 * time.Millisecond):
	}

	s.publish(image.NewRGBA(image.Rect(0, 0, 7, 7)), time.Millisecond)
	select {
	case w := <-got:
		assert.Equal(t, time.Duration(7), w)
	case <-time.After(time.Second):
		t.Fatal("read did not wake up")
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestCloseDoesNotWaitForLoad(t *testing.T) {
	release := make(chan struct{})
	d := coretest.NewDetector()
	e := newTestEngine(func(ctx context.Context) (core.Detector, error) {
		select {
		case <-release:
			return d, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	loaded := make(chan error, 1)
	go func() { loaded <- e.EnsureDetector(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, e.Close())
	assert.False(t, e.Running())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	require.NoError(t, <-loaded)

	s, err := e.Start(context.Background(), &coretest.FrameSource{})
	require.NoError(t, err)
	assert.NotNil(t, s)
	require.NoError(t, e.Close())
	assert.True(t, d.Closed())
}
