package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/internal/image"
	"sourcefit/internal/psf"
	"sourcefit/pkg/raster"
)

func testMeasurement(t *testing.T) *image.Measurement {
	t.Helper()
	k, err := psf.Gaussian(1, 1)
	require.NoError(t, err)
	pix, err := raster.FromSlice(3, 2, []float64{11, 12, 13, 14, 15, 16})
	require.NoError(t, err)
	vr, err := raster.FromSlice(3, 2, []float64{4, 4, 4, 4, 4, 4})
	require.NoError(t, err)
	m, err := image.New("r", pix, vr, k)
	require.NoError(t, err)
	m.BackgroundLevel = 10
	return m
}

func TestRobustShape(t *testing.T) {
	// Least squares near zero.
	assert.InDelta(t, 0.01, Robust(0.01, 10), 1e-9)
	// Odd and monotone.
	assert.Equal(t, -Robust(3, 10), Robust(-3, 10))
	prev := math.Inf(-1)
	for r := -100.0; r <= 100; r += 0.5 {
		v := Robust(r, 10)
		assert.Greater(t, v, prev)
		prev = v
	}
	// Logarithmic tails: a 1000 sigma outlier weighs far less than its square.
	big := Robust(1000, 10)
	assert.Less(t, big*big, 3000.0)
}

func TestResidualsExcludeFlaggedPixels(t *testing.T) {
	m := testMeasurement(t)
	m.Flags = []image.Flag{0, image.FlagBad, 0, image.FlagSaturated, 0, 0}
	b, err := NewBlock(m, Options{Linear: true})
	require.NoError(t, err)
	require.Equal(t, 4, b.Len())

	model := raster.New(3, 2)
	res := make([]float64, b.Len())
	b.Residuals(model, res)
	// (obs - bg - 0) / 2 for pixels 0, 2, 4, 5.
	assert.Equal(t, []float64{0.5, 1.5, 2.5, 3}, res)
	assert.InDelta(t, 0.25+2.25+6.25+9, b.ChiSquare(model), 1e-12)
	assert.InDelta(t, 0.25+2.25+6.25+9, Sum(res), 1e-12)

	r := b.Residual(model)
	assert.Equal(t, 0.0, r.Pix[1])
	assert.Equal(t, 3.0, r.Pix[2])
}

func TestAllFlaggedBlockIsEmpty(t *testing.T) {
	m := testMeasurement(t)
	m.Flags = make([]image.Flag, 6)
	for i := range m.Flags {
		m.Flags[i] = image.FlagBad
	}
	b, err := NewBlock(m, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestGainAddsSourceNoise(t *testing.T) {
	m := testMeasurement(t)
	m.Gain = 2
	b, err := NewBlock(m, Options{Linear: true})
	require.NoError(t, err)
	res := make([]float64, b.Len())
	b.Residuals(raster.New(3, 2), res)
	// pixel 5: d = 6, var = 4 + 6/2
	assert.InDelta(t, 6/math.Sqrt(7), res[5], 1e-12)
}

func TestProjectMatchesFiniteDifference(t *testing.T) {
	m := testMeasurement(t)
	b, err := NewBlock(m, DefaultOptions())
	require.NoError(t, err)
	model, err := raster.FromSlice(3, 2, []float64{-40, 1, 2, 30, 4, 5})
	require.NoError(t, err)
	partial, err := raster.FromSlice(3, 2, []float64{1, 2, -1, 0.5, 3, 1})
	require.NoError(t, err)

	got := make([]float64, b.Len())
	b.Project(model, partial, got)

	const h = 1e-6
	hi, lo := model.Clone(), model.Clone()
	for i := range hi.Pix {
		hi.Pix[i] += h * partial.Pix[i]
		lo.Pix[i] -= h * partial.Pix[i]
	}
	rh := make([]float64, b.Len())
	rl := make([]float64, b.Len())
	b.Residuals(hi, rh)
	b.Residuals(lo, rl)
	for k := range got {
		assert.InDelta(t, (rh[k]-rl[k])/(2*h), got[k], 1e-7)
	}
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	assert.Error(t, Options{Scale: 0}.Validate())
	assert.NoError(t, Options{Linear: true}.Validate())
}
