// Package psf holds point-spread-function kernels, their resampling onto a
// model grid, and the flux-conserving convolutions used by the renderer.
package psf

import (
	"errors"
	"fmt"
	"math"

	"sourcefit/pkg/raster"
)

// ErrInvalidKernel is returned for kernels that cannot be used for
// convolution.
var ErrInvalidKernel = errors.New("invalid PSF kernel")

// Kernel is a normalized PSF image centred on its middle pixel.
type Kernel struct {
	Width  int
	Height int
	Data   []float64 // row-major, sums to 1
	// Sampling is the number of kernel pixels per image pixel.
	Sampling float64
}

// NewKernel validates and normalizes a PSF image. Dimensions must be odd so
// that the kernel has a centre pixel.
func NewKernel(width, height int, data []float64, sampling float64) (*Kernel, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d", ErrInvalidKernel, width, height)
	}
	if width%2 == 0 || height%2 == 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d must be odd", ErrInvalidKernel, width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%w: %dx%d needs %d values, got %d", ErrInvalidKernel, width, height, width*height, len(data))
	}
	if !(sampling > 0) || math.IsInf(sampling, 0) {
		return nil, fmt.Errorf("%w: sampling %g", ErrInvalidKernel, sampling)
	}
	sum := 0.0
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite value", ErrInvalidKernel)
		}
		sum += v
	}
	if !(sum > 0) {
		return nil, fmt.Errorf("%w: total %g is not positive", ErrInvalidKernel, sum)
	}
	norm := make([]float64, len(data))
	for i, v := range data {
		norm[i] = v / sum
	}
	return &Kernel{Width: width, Height: height, Data: norm, Sampling: sampling}, nil
}

// Gaussian builds a circular Gaussian PSF with the given sigma in image
// pixels, truncated at 4 sigma.
func Gaussian(sigma, sampling float64) (*Kernel, error) {
	if !(sigma > 0) {
		return nil, fmt.Errorf("%w: gaussian sigma %g", ErrInvalidKernel, sigma)
	}
	s := sigma * sampling
	half := int(math.Ceil(4 * s))
	size := 2*half + 1
	data := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x-half), float64(y-half)
			data[y*size+x] = math.Exp(-(dx*dx + dy*dy) / (2 * s * s))
		}
	}
	return NewKernel(size, size, data, sampling)
}

// Moffat builds a circular Moffat PSF with the given FWHM (image pixels)
// and beta, truncated where the profile falls below 1e-4 of its peak.
func Moffat(fwhm, beta, sampling float64) (*Kernel, error) {
	if !(fwhm > 0) || !(beta > 1) {
		return nil, fmt.Errorf("%w: moffat fwhm %g beta %g", ErrInvalidKernel, fwhm, beta)
	}
	alpha := fwhm * sampling / (2 * math.Sqrt(math.Pow(2, 1/beta)-1))
	// (1 + (r/alpha)^2)^-beta = 1e-4
	rmax := alpha * math.Sqrt(math.Pow(1e4, 1/beta)-1)
	half := int(math.Ceil(rmax))
	size := 2*half + 1
	data := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x-half), float64(y-half)
			data[y*size+x] = math.Pow(1+(dx*dx+dy*dy)/(alpha*alpha), -beta)
		}
	}
	return NewKernel(size, size, data, sampling)
}

// Raster returns the kernel as a raster.
func (k *Kernel) Raster() *raster.Raster {
	return &raster.Raster{Width: k.Width, Height: k.Height, Pix: k.Data}
}

// HalfWidth returns the kernel radius in image pixels, rounded up.
func (k *Kernel) HalfWidth() int {
	return int(math.Ceil(float64(max(k.Width, k.Height)/2) / k.Sampling))
}

// at returns the kernel value at integer kernel pixel (x, y) relative to the
// top-left corner, zero outside.
func (k *Kernel) at(x, y int) float64 {
	if x < 0 || y < 0 || x >= k.Width || y >= k.Height {
		return 0
	}
	return k.Data[y*k.Width+x]
}
