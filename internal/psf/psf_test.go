package psf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/pkg/raster"
)

func TestNewKernelValidation(t *testing.T) {
	_, err := NewKernel(4, 3, make([]float64, 12), 1)
	assert.ErrorIs(t, err, ErrInvalidKernel)

	_, err = NewKernel(3, 3, make([]float64, 9), 1)
	assert.ErrorIs(t, err, ErrInvalidKernel, "zero total")

	_, err = NewKernel(3, 3, []float64{1, 1, 1, 1, math.NaN(), 1, 1, 1, 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidKernel)

	_, err = NewKernel(3, 3, make([]float64, 8), 1)
	assert.ErrorIs(t, err, ErrInvalidKernel)

	k, err := NewKernel(3, 3, []float64{0, 1, 0, 1, 4, 1, 0, 1, 0}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1, k.Raster().Sum(), 1e-15)
	assert.InDelta(t, 0.5, k.Data[4], 1e-15)
}

func TestResampleKeepsUnitSumAndCentre(t *testing.T) {
	k, err := Gaussian(1.5, 1)
	require.NoError(t, err)

	for _, s := range []float64{2, 3, 0.5} {
		r, err := k.Resample(s, CatmullRom)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Width%2)
		assert.InDelta(t, 1, r.Raster().Sum(), 1e-12)
		assert.Equal(t, s, r.Sampling)

		// The peak stays on the centre pixel.
		peak := 0
		for i, v := range r.Data {
			if v > r.Data[peak] {
				peak = i
			}
		}
		assert.Equal(t, r.Height/2*r.Width+r.Width/2, peak)
	}

	same, err := k.Resample(1, None)
	require.NoError(t, err)
	assert.Same(t, k, same)

	_, err = k.Resample(2, None)
	assert.ErrorIs(t, err, ErrSamplingMismatch)
}

func TestSplatConservesFlux(t *testing.T) {
	k, err := Moffat(3, 2.5, 1)
	require.NoError(t, err)
	dst := raster.New(80, 80)
	for _, pos := range [][2]float64{{40, 40}, {39.3, 41.7}, {40.5, 40.5}} {
		dst.Fill(0)
		k.Splat(dst, pos[0], pos[1], 250, CatmullRom)
		assert.InDelta(t, 250, dst.Sum(), 1e-9, "position %v", pos)
	}
}

func TestSplatIntegerPositionReproducesKernel(t *testing.T) {
	k, err := Gaussian(1, 1)
	require.NoError(t, err)
	dst := raster.New(k.Width+10, k.Height+10)
	k.Splat(dst, float64(k.Width/2+5), float64(k.Height/2+5), 1, CatmullRom)
	for y := 0; y < k.Height; y++ {
		for x := 0; x < k.Width; x++ {
			assert.InDelta(t, k.Data[y*k.Width+x], dst.At(x+5, y+5), 1e-14)
		}
	}
}

func TestConvolutionFluxConservation(t *testing.T) {
	k, err := Gaussian(2, 1)
	require.NoError(t, err)
	src := raster.New(64, 64)
	for y := 24; y < 40; y++ {
		for x := 24; x < 40; x++ {
			src.Set(x, y, float64((x*7+y*3)%11)+1)
		}
	}

	direct := ConvolveDirect(src, k)
	fft := ConvolveFFT(src, k)
	assert.InDelta(t, src.Sum(), direct.Sum(), 1e-9*src.Sum())
	assert.InDelta(t, src.Sum(), fft.Sum(), 1e-9*src.Sum())
	for i := range direct.Pix {
		require.InDelta(t, direct.Pix[i], fft.Pix[i], 1e-9)
	}
}

func TestConvolveIsDeterministic(t *testing.T) {
	k, err := Gaussian(3, 1)
	require.NoError(t, err)
	src := raster.New(40, 40)
	src.Set(20, 20, 10)
	src.Set(13, 22, 3)
	a := Convolve(src, k)
	b := Convolve(src, k)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, CatmullRom, m)
	m, err = ParseMethod("linear")
	require.NoError(t, err)
	assert.Equal(t, Linear, m)
	_, err = ParseMethod("lanczos")
	assert.Error(t, err)
}
