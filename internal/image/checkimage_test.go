package image

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"sourcefit/pkg/colorutil"
	"sourcefit/pkg/raster"
)

func TestFitCheckLayout(t *testing.T) {
	pix := raster.New(6, 4)
	for i := range pix.Pix {
		pix.Pix[i] = float64(i)
	}
	vr := raster.New(6, 4)
	vr.Fill(4)
	m, err := New("g", pix, vr, testKernel(t))
	require.NoError(t, err)
	m.Flags = make([]Flag, 24)
	m.Flags[5] = FlagSaturated

	model := pix.Clone()
	model.Pix[0] += 20 // residual -10 sigma

	c := NewFitCheck(m, model)
	require.Len(t, c.Panels, 3)
	img := c.Render()
	assert.Equal(t, 3*6+2*2, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	resX := 2 * (6 + 2)
	assert.Equal(t, colorutil.Blue, img.RGBAAt(resX, 0))
	assert.Equal(t, colorutil.White, img.RGBAAt(resX+1, 0))
	assert.Equal(t, colorutil.Undefined, img.RGBAAt(resX+5, 0))
	// gap
	assert.Equal(t, colorutil.Backdrop, img.RGBAAt(6, 0))
}

func TestCheckImageTIFF(t *testing.T) {
	r := raster.New(5, 5)
	r.Set(2, 2, 100)
	c := NewCheckImage()
	c.AddPanel(r, PanelFlux)

	var buf bytes.Buffer
	require.NoError(t, c.EncodeTIFF(&buf))
	img, err := tiff.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())

	path := filepath.Join(t.TempDir(), "raw.tiff")
	require.NoError(t, WriteGray16TIFF(path, r, 0, 0))
}

func TestColourMaps(t *testing.T) {
	assert.Equal(t, colorutil.Red, colorutil.Diverging(9, 5))
	assert.Equal(t, colorutil.White, colorutil.Diverging(0, 5))
	assert.InDelta(t, 1, colorutil.Asinh(10, 0, 10, 0.1), 1e-12)
	assert.Equal(t, 0.0, colorutil.Asinh(-3, 0, 10, 0.1))
	assert.Equal(t, "residual", PanelResidual.String())
}
