// Package detector finds faces with a pigo cascade classifier.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dkeye/televisit/internal/core"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog"
)

var ErrNoModel = errors.New("detector: no cascade model configured")

type Options struct {
	// ModelURL is an http(s) URL or a local path of the facefinder cascade.
	ModelURL string
	// CachePath keeps a fetched cascade so later loads skip the network.
	CachePath string

	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float32
	// MaxWidth downscales wider frames before detection.
	MaxWidth int

	FetchTimeout time.Duration
	Client       *http.Client
}

func (o Options) withDefaults() Options {
	if o.MinSize <= 0 {
		o.MinSize = 40
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.ShiftFactor <= 0 {
		o.ShiftFactor = 0.1
	}
	if o.ScaleFactor <= 0 {
		o.ScaleFactor = 1.1
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = 0.2
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = 5
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = 320
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return o
}

// Loader returns a loader that reads the cascade and unpacks a classifier.
// Each call performs a fresh load; the redaction engine keeps the result.
func Loader(opts Options, lg zerolog.Logger) core.DetectorLoader {
	opts = opts.withDefaults()
	log := lg.With().Str("module", "detector").Logger()
	return func(ctx context.Context) (core.Detector, error) {
		data, err := readModel(ctx, opts, log)
		if err != nil {
			return nil, err
		}
		classifier, err := unpack(data)
		if err != nil {
			return nil, err
		}
		log.Info().Int("bytes", len(data)).Msg("cascade loaded")
		return &Pigo{classifier: classifier, opts: opts}, nil
	}
}

func unpack(data []byte) (c *pigo.Pigo, err error) {
	// Unpack indexes the packet without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector: malformed cascade: %v", r)
		}
	}()
	c, err = pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("detector: unpack cascade: %w", err)
	}
	return c, nil
}

func readModel(ctx context.Context, opts Options, log zerolog.Logger) ([]byte, error) {
	if opts.ModelURL == "" {
		return nil, ErrNoModel
	}
	u, err := url.Parse(opts.ModelURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return os.ReadFile(opts.ModelURL)
	}

	if opts.CachePath != "" {
		if data, err := os.ReadFile(opts.CachePath); err == nil && len(data) > 0 {
			log.Debug().Str("path", opts.CachePath).Msg("cascade read from cache")
			return data, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ModelURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector: fetch cascade: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector: fetch cascade: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("detector: fetch cascade: %w", err)
	}
	log.Info().Str("url", opts.ModelURL).Int("bytes", len(data)).Msg("cascade fetched")

	if opts.CachePath != "" {
		if err := writeCache(opts.CachePath, data); err != nil {
			log.Warn().Err(err).Str("path", opts.CachePath).Msg("cascade cache write failed")
		}
	}
	return data, nil
}

func writeCache(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Pigo implements core.Detector.
type Pigo struct {
	classifier *pigo.Pigo
	opts       Options
}

var _ core.Detector = (*Pigo)(nil)

func (p *Pigo) Detect(ctx context.Context, img image.Image, _ time.Duration) ([]core.Landmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, errors.New("detector: nil frame")
	}
	src := img
	b := img.Bounds()
	switch {
	case b.Empty():
		return nil, nil
	case b.Dx() > p.opts.MaxWidth:
		src = imaging.Resize(img, p.opts.MaxWidth, 0, imaging.Linear)
	case b.Min != image.Point{}:
		src = imaging.Clone(img)
	}
	sb := src.Bounds()
	cols, rows := sb.Dx(), sb.Dy()

	params := pigo.CascadeParams{
		MinSize:     p.opts.MinSize,
		MaxSize:     p.opts.MaxSize,
		ShiftFactor: p.opts.ShiftFactor,
		ScaleFactor: p.opts.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := p.classifier.RunCascade(params, 0)
	dets = p.classifier.ClusterDetections(dets, p.opts.IoUThreshold)
	return toLandmarks(dets, cols, rows, p.opts.QualityThreshold), nil
}

func (p *Pigo) Close() error { return nil }

// toLandmarks turns each detection square into its four corners, normalised
// to the frame size and clamped to [0,1].
func toLandmarks(dets []pigo.Detection, cols, rows int, minQ float32) []core.Landmarks {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	var out []core.Landmarks
	for _, d := range dets {
		if d.Q < minQ {
			continue
		}
		half := float64(d.Scale) / 2
		x0 := clamp((float64(d.Col) - half) / float64(cols))
		x1 := clamp((float64(d.Col) + half) / float64(cols))
		y0 := clamp((float64(d.Row) - half) / float64(rows))
		y1 := clamp((float64(d.Row) + half) / float64(rows))
		out = append(out, core.Landmarks{
			{X: x0, Y: y0}, {X: x1, Y: y0},
			{X: x1, Y: y1}, {X: x0, Y: y1},
		})
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
