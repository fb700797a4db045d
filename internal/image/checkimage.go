package image

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/image/tiff"

	"sourcefit/pkg/colorutil"
	"sourcefit/pkg/raster"
)

// PanelMode selects how a check panel maps values to colours.
type PanelMode int

const (
	// PanelFlux is an asinh-stretched grey image.
	PanelFlux PanelMode = iota
	// PanelResidual is a diverging map of residuals in units of sigma.
	PanelResidual
)

func (m PanelMode) String() string {
	switch m {
	case PanelFlux:
		return "flux"
	case PanelResidual:
		return "residual"
	default:
		return "unknown"
	}
}

// CheckImage places several rasters of one measurement side by side, for
// visual inspection of a fit.
type CheckImage struct {
	Gap       int
	Panels    []Panel
	BackColor color.Color
	// ResidualLimit is the residual, in sigma, drawn at full colour.
	ResidualLimit float64
}

// Panel is one raster of a check image.
type Panel struct {
	Raster *raster.Raster
	Mode   PanelMode
}

// NewCheckImage returns an empty check image.
func NewCheckImage() *CheckImage {
	return &CheckImage{Gap: 2, BackColor: colorutil.Backdrop, ResidualLimit: 5}
}

// AddPanel appends a raster.
func (c *CheckImage) AddPanel(r *raster.Raster, mode PanelMode) {
	c.Panels = append(c.Panels, Panel{Raster: r, Mode: mode})
}

// NewFitCheck builds the usual data | model | residual check image. The flux
// panels share one stretch so they are directly comparable; unusable pixels
// are left undefined in the residual panel.
func NewFitCheck(m *Measurement, model *raster.Raster) *CheckImage {
	c := NewCheckImage()
	data := m.Pixels.Clone()
	res := raster.New(m.Width(), m.Height())
	for i := range data.Pix {
		data.Pix[i] -= m.BackgroundAt(i)
		res.Pix[i] = math.NaN()
		if m.Usable(i) {
			res.Pix[i] = (data.Pix[i] - model.Pix[i]) / math.Sqrt(m.Variance.Pix[i])
		}
	}
	c.AddPanel(data, PanelFlux)
	c.AddPanel(model, PanelFlux)
	c.AddPanel(res, PanelResidual)
	return c
}

// Render produces the composed image.
func (c *CheckImage) Render() *image.RGBA {
	w, h := 0, 0
	for i, p := range c.Panels {
		if i > 0 {
			w += c.Gap
		}
		w += p.Raster.Width
		h = max(h, p.Raster.Height)
	}
	result := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(result, result.Bounds(), &image.Uniform{c.BackColor}, image.Point{}, draw.Src)

	lo, hi := c.fluxRange()
	x := 0
	for _, p := range c.Panels {
		c.renderPanel(result, p, x, lo, hi)
		x += p.Raster.Width + c.Gap
	}
	return result
}

func (c *CheckImage) renderPanel(dst *image.RGBA, p Panel, offsetX int, lo, hi float64) {
	r := p.Raster
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := r.At(x, y)
			var col color.RGBA
			switch p.Mode {
			case PanelResidual:
				col = colorutil.Diverging(v, c.ResidualLimit)
			default:
				col = colorutil.Gray(colorutil.Asinh(v, lo, hi, 0.05))
			}
			dst.SetRGBA(offsetX+x, y, col)
		}
	}
}

// fluxRange returns the 0.5 and 99.5 percentiles over every flux panel.
func (c *CheckImage) fluxRange() (float64, float64) {
	var vals []float64
	for _, p := range c.Panels {
		if p.Mode != PanelFlux {
			continue
		}
		for _, v := range p.Raster.Pix {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals = append(vals, v)
			}
		}
	}
	if len(vals) == 0 {
		return 0, 1
	}
	sort.Float64s(vals)
	lo := vals[int(0.005*float64(len(vals)-1))]
	hi := vals[int(0.995*float64(len(vals)-1))]
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// EncodeTIFF writes the rendered check image as a deflate-compressed TIFF.
func (c *CheckImage) EncodeTIFF(w io.Writer) error {
	return tiff.Encode(w, c.Render(), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// WriteTIFF saves the rendered check image.
func (c *CheckImage) WriteTIFF(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create check image: %w", err)
	}
	if err := c.EncodeTIFF(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode check image: %w", err)
	}
	return f.Close()
}

// WriteGray16TIFF saves a raster as a linear 16-bit TIFF; lo == hi uses the
// raster's extrema.
func WriteGray16TIFF(path string, r *raster.Raster, lo, hi float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	if err := tiff.Encode(f, r.Gray16(lo, hi), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return f.Close()
}
