// Package render draws diagnostic images of a conditioned mapping: a quiver
// plot of the distortion displacements and a heatmap of the predictive
// uncertainty.
package render

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/colornames"
	xdraw "golang.org/x/image/draw"

	"astromap/pkg/geometry"
)

// ErrBadGrid reports render input whose value count does not match the grid.
var ErrBadGrid = errors.New("render: values do not match grid")

// Options sizes the output image.
type Options struct {
	// Size is the output edge length in pixels. Zero means 800.
	Size int

	// ArrowScale multiplies displacement lengths in the quiver plot. Zero
	// means autoscale so the longest arrow spans about two grid cells.
	ArrowScale float64
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = 800
	}
	return o
}

// Quiver draws one arrow per grid node showing the displacement (dx, dy) at
// that node, on a white background.
func Quiver(frame geometry.GridFrame, dx, dy []float64, opts Options) (*image.RGBA, error) {
	if len(dx) != frame.Len() || len(dy) != frame.Len() {
		return nil, errors.Wrapf(ErrBadGrid, "got %d/%d values for %d nodes", len(dx), len(dy), frame.Len())
	}
	opts = opts.withDefaults()

	img := image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size))
	fill(img, colornames.White)

	scale := opts.ArrowScale
	if scale <= 0 {
		var maxLen float64
		for i := range dx {
			if l := math.Hypot(dx[i], dy[i]); l > maxLen {
				maxLen = l
			}
		}
		cell := math.Max(frame.Bounds.Width/float64(frame.Cols-1), frame.Bounds.Height/float64(frame.Rows-1))
		if maxLen > 0 {
			scale = 2 * cell / maxLen
		} else {
			scale = 1
		}
	}

	for r := 0; r < frame.Rows; r++ {
		for c := 0; c < frame.Cols; c++ {
			i := frame.Index(r, c)
			p := frame.At(r, c)
			x0, y0 := toPixel(frame.Bounds, p, opts.Size)
			x1, y1 := toPixel(frame.Bounds, geometry.Point2D{
				X: p.X + scale*dx[i],
				Y: p.Y + scale*dy[i],
			}, opts.Size)
			line(img, x0, y0, x1, y1, colornames.Steelblue)
			dot(img, x0, y0, colornames.Darkslategray)
		}
	}
	return img, nil
}

// Heatmap colours each grid node by its value, dark blue for the minimum
// through red for the maximum, and upscales to the output size.
func Heatmap(frame geometry.GridFrame, values []float64, opts Options) (*image.RGBA, error) {
	if len(values) != frame.Len() {
		return nil, errors.Wrapf(ErrBadGrid, "got %d values for %d nodes", len(values), frame.Len())
	}
	opts = opts.withDefaults()

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	small := image.NewRGBA(image.Rect(0, 0, frame.Cols, frame.Rows))
	for r := 0; r < frame.Rows; r++ {
		for c := 0; c < frame.Cols; c++ {
			t := (values[frame.Index(r, c)] - lo) / span
			// Image rows grow downward, grid rows upward.
			small.Set(c, frame.Rows-1-r, ramp(t))
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size))
	xdraw.ApproxBiLinear.Scale(img, img.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return img, nil
}

// WritePNG encodes the image.
func WritePNG(w io.Writer, img image.Image) error {
	return errors.Wrap(png.Encode(w, img), "encode png")
}

// toPixel maps a world position into image coordinates, y axis flipped.
func toPixel(bounds geometry.Rect, p geometry.Point2D, size int) (int, int) {
	margin := 0.05
	w, h := bounds.Width, bounds.Height
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	fx := margin + (1-2*margin)*(p.X-bounds.X)/w
	fy := margin + (1-2*margin)*(p.Y-bounds.Y)/h
	return int(fx * float64(size-1)), int((1 - fy) * float64(size-1))
}

func ramp(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	return color.RGBA{
		R: uint8(255 * t),
		G: uint8(64 * (1 - math.Abs(2*t-1))),
		B: uint8(255 * (1 - t)),
		A: 255,
	}
}

func fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func line(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	steps := max(abs(x1-x0), abs(y1-y0))
	if steps == 0 {
		img.SetRGBA(x0, y0, c)
		return
	}
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		x := x0 + int(math.Round(t*float64(x1-x0)))
		y := y0 + int(math.Round(t*float64(y1-y0)))
		img.SetRGBA(x, y, c)
	}
}

func dot(img *image.RGBA, x, y int, c color.RGBA) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			img.SetRGBA(x+dx, y+dy, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
