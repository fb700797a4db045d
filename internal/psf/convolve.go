package psf

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"sourcefit/pkg/raster"
)

// directLimit is the largest kernel area convolved directly; larger kernels
// go through the FFT.
const directLimit = 15 * 15

// Convolve returns src convolved with k, cropped to the size of src
// ("same" mode, zero padding). The kernel sampling is assumed to match
// the raster's.
func Convolve(src *raster.Raster, k *Kernel) *raster.Raster {
	if k.Width*k.Height <= directLimit {
		return ConvolveDirect(src, k)
	}
	return ConvolveFFT(src, k)
}

// ConvolveDirect convolves in the spatial domain.
func ConvolveDirect(src *raster.Raster, k *Kernel) *raster.Raster {
	out := raster.New(src.Width, src.Height)
	cx, cy := k.Width/2, k.Height/2
	// Scatter each source pixel; skipping zero pixels keeps compact models
	// cheap on large stamps.
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			v := src.Pix[y*src.Width+x]
			if v == 0 {
				continue
			}
			for j := 0; j < k.Height; j++ {
				oy := y + j - cy
				if oy < 0 || oy >= out.Height {
					continue
				}
				orow := out.Pix[oy*out.Width : (oy+1)*out.Width]
				krow := k.Data[j*k.Width : (j+1)*k.Width]
				for i, kv := range krow {
					ox := x + i - cx
					if ox < 0 || ox >= out.Width {
						continue
					}
					orow[ox] += v * kv
				}
			}
		}
	}
	return out
}

// ConvolveFFT convolves through 2D FFTs (rows then columns).
func ConvolveFFT(src *raster.Raster, k *Kernel) *raster.Raster {
	fh := nextPow2(src.Height + k.Height - 1)
	fw := nextPow2(src.Width + k.Width - 1)

	a := make([]complex128, fh*fw)
	b := make([]complex128, fh*fw)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			a[y*fw+x] = complex(src.Pix[y*src.Width+x], 0)
		}
	}
	for y := 0; y < k.Height; y++ {
		for x := 0; x < k.Width; x++ {
			b[y*fw+x] = complex(k.Data[y*k.Width+x], 0)
		}
	}

	rowFFT := fourier.NewCmplxFFT(fw)
	colFFT := fourier.NewCmplxFFT(fh)
	fft2(a, fw, fh, rowFFT, colFFT, true)
	fft2(b, fw, fh, rowFFT, colFFT, true)
	for i := range a {
		a[i] *= b[i]
	}
	fft2(a, fw, fh, rowFFT, colFFT, false)

	// gonum transforms are unnormalized.
	scale := 1 / float64(fw*fh)
	offX, offY := k.Width/2, k.Height/2
	out := raster.New(src.Width, src.Height)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			out.Pix[y*src.Width+x] = real(a[(y+offY)*fw+x+offX]) * scale
		}
	}
	return out
}

func fft2(a []complex128, w, h int, rowFFT, colFFT *fourier.CmplxFFT, forward bool) {
	for y := 0; y < h; y++ {
		row := a[y*w : (y+1)*w]
		if forward {
			rowFFT.Coefficients(row, row)
		} else {
			rowFFT.Sequence(row, row)
		}
	}
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = a[y*w+x]
		}
		if forward {
			colFFT.Coefficients(col, col)
		} else {
			colFFT.Sequence(col, col)
		}
		for y := 0; y < h; y++ {
			a[y*w+x] = col[y]
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
