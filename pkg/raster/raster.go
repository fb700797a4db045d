// Package raster provides the float64 pixel buffer shared by the renderer,
// the PSF code and the measurement images.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"sourcefit/pkg/geometry"
)

// Raster is a row-major float64 image. Pixel (x, y) covers
// [x-0.5, x+0.5) x [y-0.5, y+0.5) in its own coordinates.
type Raster struct {
	Width  int
	Height int
	Pix    []float64
}

// New allocates a zeroed raster.
func New(width, height int) *Raster {
	return &Raster{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// FromSlice wraps pix, which must hold width*height values.
func FromSlice(width, height int, pix []float64) (*Raster, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("raster size %dx%d is empty", width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("raster %dx%d needs %d values, got %d", width, height, width*height, len(pix))
	}
	return &Raster{Width: width, Height: height, Pix: pix}, nil
}

// At returns the value at (x, y), or 0 outside the raster.
func (r *Raster) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return 0
	}
	return r.Pix[y*r.Width+x]
}

// Set stores v at (x, y). Out-of-range writes are ignored.
func (r *Raster) Set(x, y int, v float64) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Pix[y*r.Width+x] = v
}

// Add accumulates v at (x, y). Out-of-range writes are ignored.
func (r *Raster) Add(x, y int, v float64) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Pix[y*r.Width+x] += v
}

// Bounds returns the raster rectangle at the origin.
func (r *Raster) Bounds() geometry.RectInt {
	return geometry.RectInt{Width: r.Width, Height: r.Height}
}

// Sum returns the total of all pixels using compensated summation.
func (r *Raster) Sum() float64 {
	var sum, c float64
	for _, v := range r.Pix {
		y := v - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return sum
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	return &Raster{Width: r.Width, Height: r.Height, Pix: append([]float64(nil), r.Pix...)}
}

// Fill sets every pixel to v.
func (r *Raster) Fill(v float64) {
	for i := range r.Pix {
		r.Pix[i] = v
	}
}

// Scale multiplies every pixel by f.
func (r *Raster) Scale(f float64) {
	for i := range r.Pix {
		r.Pix[i] *= f
	}
}

// AddRaster accumulates o into r. Both must have the same size.
func (r *Raster) AddRaster(o *Raster) {
	for i, v := range o.Pix {
		r.Pix[i] += v
	}
}

// Finite reports whether every pixel is finite, returning the first
// offending coordinate otherwise.
func (r *Raster) Finite() (bool, int, int) {
	for i, v := range r.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, i % r.Width, i / r.Width
		}
	}
	return true, 0, 0
}

// Crop copies the sub-rectangle rect. Pixels outside r read as zero.
func (r *Raster) Crop(rect geometry.RectInt) *Raster {
	out := New(rect.Width, rect.Height)
	for y := 0; y < rect.Height; y++ {
		for x := 0; x < rect.Width; x++ {
			out.Pix[y*rect.Width+x] = r.At(rect.X+x, rect.Y+y)
		}
	}
	return out
}

// Downsample sums factor x factor blocks into one pixel, so total flux is
// unchanged. Width and height must be multiples of factor.
func (r *Raster) Downsample(factor int) (*Raster, error) {
	if factor == 1 {
		return r, nil
	}
	if factor < 1 || r.Width%factor != 0 || r.Height%factor != 0 {
		return nil, fmt.Errorf("cannot downsample %dx%d by %d", r.Width, r.Height, factor)
	}
	w, h := r.Width/factor, r.Height/factor
	out := New(w, h)
	for y := 0; y < r.Height; y++ {
		row := r.Pix[y*r.Width : (y+1)*r.Width]
		oy := y / factor
		for x, v := range row {
			out.Pix[oy*w+x/factor] += v
		}
	}
	return out, nil
}

// Gray16 maps the raster to a 16-bit grayscale image using a linear stretch
// between lo and hi. When lo == hi the raster's own extrema are used.
func (r *Raster) Gray16(lo, hi float64) *image.Gray16 {
	if lo == hi {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, v := range r.Pix {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi <= lo {
			hi = lo + 1
		}
	}
	img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
	span := hi - lo
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := (r.Pix[y*r.Width+x] - lo) / span
			if math.IsNaN(v) {
				v = 0
			}
			v = math.Max(0, math.Min(1, v))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535 + 0.5)})
		}
	}
	return img
}
