// Package loss turns a rendered model and a measurement into the residual
// vector the minimizer squares and sums. Residuals are normalized by the
// per-pixel noise and compressed with u0*asinh(r/u0), which is least
// squares near zero and grows only logarithmically in the tails.
package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"sourcefit/internal/image"
	"sourcefit/pkg/raster"
)

// DefaultScale is the residual, in units of sigma, where the robust loss
// starts to depart from least squares.
const DefaultScale = 10

// Options configures residual weighting.
type Options struct {
	Scale  float64 // u0 of the asinh compression
	Linear bool    // plain chi residuals, no compression
}

// DefaultOptions returns default loss options.
func DefaultOptions() Options {
	return Options{Scale: DefaultScale}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if !o.Linear && !(o.Scale > 0) {
		return fmt.Errorf("loss scale %g must be > 0", o.Scale)
	}
	return nil
}

// Robust compresses a normalized residual.
func Robust(r, scale float64) float64 {
	return scale * math.Asinh(r/scale)
}

// Block holds the usable pixels of one measurement with their
// background-subtracted values and noise.
type Block struct {
	meas  *image.Measurement
	opts  Options
	index []int
	data  []float64
	sigma []float64
}

// NewBlock selects the usable pixels of m.
func NewBlock(m *image.Measurement, opts Options) (*Block, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := &Block{meas: m, opts: opts}
	for i := range m.Pixels.Pix {
		if !m.Usable(i) {
			continue
		}
		d := m.Pixels.Pix[i] - m.BackgroundAt(i)
		v := m.Variance.Pix[i]
		if m.Gain > 0 && d > 0 {
			v += d / m.Gain
		}
		b.index = append(b.index, i)
		b.data = append(b.data, d)
		b.sigma = append(b.sigma, math.Sqrt(v))
	}
	return b, nil
}

// Len returns the number of residuals the block contributes.
func (b *Block) Len() int { return len(b.index) }

// Measurement returns the measurement the block was built from.
func (b *Block) Measurement() *image.Measurement { return b.meas }

// Residuals writes the residual of each usable pixel into out.
func (b *Block) Residuals(model *raster.Raster, out []float64) {
	for k, i := range b.index {
		r := (b.data[k] - model.Pix[i]) / b.sigma[k]
		if !b.opts.Linear {
			r = Robust(r, b.opts.Scale)
		}
		out[k] = r
	}
}

// Project writes the derivative of each residual given the derivative image
// of the model, evaluated at model.
func (b *Block) Project(model, partial *raster.Raster, out []float64) {
	for k, i := range b.index {
		d := -partial.Pix[i] / b.sigma[k]
		if !b.opts.Linear {
			r := (b.data[k] - model.Pix[i]) / b.sigma[k] / b.opts.Scale
			d /= math.Sqrt(1 + r*r)
		}
		out[k] = d
	}
}

// ChiSquare returns the plain sum of squared normalized residuals.
func (b *Block) ChiSquare(model *raster.Raster) float64 {
	sum := 0.0
	for k, i := range b.index {
		r := (b.data[k] - model.Pix[i]) / b.sigma[k]
		sum += r * r
	}
	return sum
}

// Residual returns the observed-minus-model image over the usable pixels,
// zero elsewhere.
func (b *Block) Residual(model *raster.Raster) *raster.Raster {
	out := raster.New(model.Width, model.Height)
	for k, i := range b.index {
		out.Pix[i] = b.data[k] - model.Pix[i]
	}
	return out
}

// Sum returns the sum of squares of residuals.
func Sum(res []float64) float64 {
	return floats.Dot(res, res)
}
