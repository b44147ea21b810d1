package redact

import (
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dkeye/televisit/internal/core"
)

// BoundingBox maps normalised landmarks to a pixel rectangle on a w x h frame.
// The box grows by pad times its own size on every side and is clamped to the frame.
func BoundingBox(face core.Landmarks, w, h int, pad float64) image.Rectangle {
	if len(face) == 0 || w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range face {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	x0, x1 := minX*float64(w), maxX*float64(w)
	y0, y1 := minY*float64(h), maxY*float64(h)
	padX, padY := (x1-x0)*pad, (y1-y0)*pad

	r := image.Rect(
		int(math.Floor(x0-padX)),
		int(math.Floor(y0-padY)),
		int(math.Ceil(x1+padX)),
		int(math.Ceil(y1+padY)),
	)
	return r.Intersect(image.Rect(0, 0, w, h))
}

// blurRegion replaces r on dst with a Gaussian blurred copy of itself.
func blurRegion(dst *image.RGBA, r image.Rectangle, sigma float64) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	blurred := imaging.Blur(dst.SubImage(r), sigma)
	draw.Draw(dst, r, blurred, image.Point{}, draw.Src)
}
