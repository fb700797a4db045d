// Package colorutil maps scalar pixel values to display colours.
package colorutil

import (
	"image/color"
	"math"
)

var (
	Black     = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Blue      = color.RGBA{R: 33, G: 102, B: 172, A: 255}
	Red       = color.RGBA{R: 178, G: 24, B: 43, A: 255}
	Backdrop  = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	Undefined = color.RGBA{R: 0, G: 160, B: 0, A: 255}
)

// Asinh maps v to [0, 1] with an asinh stretch between lo and hi. soft sets
// the value, relative to hi-lo, where the stretch turns from linear to
// logarithmic.
func Asinh(v, lo, hi, soft float64) float64 {
	if hi <= lo {
		return 0
	}
	if soft <= 0 {
		soft = 0.1
	}
	t := (v - lo) / (hi - lo)
	t = math.Asinh(t/soft) / math.Asinh(1/soft)
	return math.Max(0, math.Min(1, t))
}

// Gray returns the grey level of t in [0, 1].
func Gray(t float64) color.RGBA {
	if math.IsNaN(t) {
		return Undefined
	}
	g := uint8(math.Max(0, math.Min(1, t))*255 + 0.5)
	return color.RGBA{R: g, G: g, B: g, A: 255}
}

// Diverging maps v in [-limit, limit] from blue through white to red.
func Diverging(v, limit float64) color.RGBA {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined
	}
	t := math.Max(-1, math.Min(1, v/limit))
	end := Red
	if t < 0 {
		end, t = Blue, -t
	}
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a) + (float64(b)-float64(a))*t + 0.5)
	}
	return color.RGBA{R: mix(White.R, end.R), G: mix(White.G, end.G), B: mix(White.B, end.B), A: 255}
}
