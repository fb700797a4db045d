// Package image holds the measurement images a fit is run against: observed
// pixels with their variance, flags, background, PSF and footprint.
package image

import (
	"errors"
	"fmt"
	"math"

	"sourcefit/internal/psf"
	"sourcefit/pkg/geometry"
	"sourcefit/pkg/raster"
)

var (
	// ErrMissingPSF is returned for a measurement without a PSF kernel.
	ErrMissingPSF = errors.New("measurement has no PSF")
	// ErrShape is returned when the per-pixel planes disagree in size.
	ErrShape = errors.New("measurement plane size mismatch")
)

// Flag marks per-pixel conditions reported by image ingestion.
type Flag uint16

const (
	FlagBad Flag = 1 << iota
	FlagSaturated
	FlagCosmicRay
	FlagEdge
)

// DefaultBadMask excludes bad, saturated and cosmic-ray pixels from the loss.
const DefaultBadMask = FlagBad | FlagSaturated | FlagCosmicRay

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"bad", "saturated", "cosmic", "edge"}
	s := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	if s == "" {
		return fmt.Sprintf("flag(%d)", uint16(f))
	}
	return s
}

// Measurement is one calibrated image of a group in one band. It is built
// by the caller before any fit starts and only read afterwards, so a single
// Measurement may be shared by concurrent fits.
type Measurement struct {
	Band     string
	Pixels   *raster.Raster
	Variance *raster.Raster

	Flags   []Flag // nil when no flag map is available
	BadMask Flag   // 0 selects DefaultBadMask

	// Background is subtracted from Pixels before residuals are formed. A nil
	// map falls back to the flat BackgroundLevel.
	Background      *raster.Raster
	BackgroundLevel float64

	// Gain in e-/ADU. When positive the source Poisson noise of the observed
	// signal is added to Variance.
	Gain float64

	PSF *psf.Kernel

	// Footprint restricts the pixels taking part in the loss; nil keeps all.
	Footprint []bool

	// Transform maps scene coordinates, in which model positions are
	// expressed, to this image's pixel coordinates. nil is the identity.
	Transform *geometry.AffineTransform
}

// New builds a measurement from its mandatory planes.
func New(band string, pixels, variance *raster.Raster, kernel *psf.Kernel) (*Measurement, error) {
	m := &Measurement{Band: band, Pixels: pixels, Variance: variance, PSF: kernel}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the planes are present and consistent.
func (m *Measurement) Validate() error {
	if m.Pixels == nil || m.Variance == nil {
		return fmt.Errorf("band %q: %w: pixels and variance are required", m.Band, ErrShape)
	}
	n := m.Pixels.Width * m.Pixels.Height
	if n == 0 {
		return fmt.Errorf("band %q: %w: empty image", m.Band, ErrShape)
	}
	if m.Variance.Width != m.Pixels.Width || m.Variance.Height != m.Pixels.Height {
		return fmt.Errorf("band %q: %w: variance %dx%d, pixels %dx%d", m.Band, ErrShape,
			m.Variance.Width, m.Variance.Height, m.Pixels.Width, m.Pixels.Height)
	}
	if m.Background != nil && (m.Background.Width != m.Pixels.Width || m.Background.Height != m.Pixels.Height) {
		return fmt.Errorf("band %q: %w: background map", m.Band, ErrShape)
	}
	if m.Flags != nil && len(m.Flags) != n {
		return fmt.Errorf("band %q: %w: %d flags for %d pixels", m.Band, ErrShape, len(m.Flags), n)
	}
	if m.Footprint != nil && len(m.Footprint) != n {
		return fmt.Errorf("band %q: %w: footprint of %d for %d pixels", m.Band, ErrShape, len(m.Footprint), n)
	}
	if m.PSF == nil {
		return fmt.Errorf("band %q: %w", m.Band, ErrMissingPSF)
	}
	if m.Transform != nil {
		if _, ok := m.Transform.Inverse(); !ok {
			return fmt.Errorf("band %q: singular scene transform", m.Band)
		}
	}
	if m.Gain < 0 || math.IsNaN(m.Gain) {
		return fmt.Errorf("band %q: gain %g", m.Band, m.Gain)
	}
	return nil
}

// Width returns the image width in pixels.
func (m *Measurement) Width() int { return m.Pixels.Width }

// Height returns the image height in pixels.
func (m *Measurement) Height() int { return m.Pixels.Height }

// BackgroundAt returns the background level of pixel i.
func (m *Measurement) BackgroundAt(i int) float64 {
	if m.Background != nil {
		return m.Background.Pix[i]
	}
	return m.BackgroundLevel
}

func (m *Measurement) badMask() Flag {
	if m.BadMask == 0 {
		return DefaultBadMask
	}
	return m.BadMask
}

// Usable reports whether pixel i takes part in the loss: inside the
// footprint, not flagged by the bad mask, with a finite value and a finite
// positive variance.
func (m *Measurement) Usable(i int) bool {
	if m.Footprint != nil && !m.Footprint[i] {
		return false
	}
	if m.Flags != nil && m.Flags[i]&m.badMask() != 0 {
		return false
	}
	v := m.Variance.Pix[i]
	if !(v > 0) || math.IsInf(v, 0) {
		return false
	}
	obs := m.Pixels.Pix[i]
	return !math.IsNaN(obs) && !math.IsInf(obs, 0)
}

// UsableCount returns the number of usable pixels.
func (m *Measurement) UsableCount() int {
	n := 0
	for i := range m.Pixels.Pix {
		if m.Usable(i) {
			n++
		}
	}
	return n
}

// ToPixel maps a scene position to pixel coordinates.
func (m *Measurement) ToPixel(x, y float64) (float64, float64) {
	if m.Transform == nil {
		return x, y
	}
	p := m.Transform.Apply(geometry.NewPoint2D(x, y))
	return p.X, p.Y
}

// ToScene maps pixel coordinates back to the scene.
func (m *Measurement) ToScene(px, py float64) (float64, float64) {
	if m.Transform == nil {
		return px, py
	}
	inv, _ := m.Transform.Inverse()
	p := inv.Apply(geometry.NewPoint2D(px, py))
	return p.X, p.Y
}

// PixelArea returns the scene area covered by one pixel.
func (m *Measurement) PixelArea() float64 {
	if m.Transform == nil {
		return 1
	}
	return 1 / math.Abs(m.Transform.Det())
}

// PixelScale returns the scene length of one pixel side (square root of
// the pixel area).
func (m *Measurement) PixelScale() float64 {
	return math.Sqrt(m.PixelArea())
}

// VarianceFromRMS squares a background RMS map into a variance plane.
func VarianceFromRMS(rms *raster.Raster) *raster.Raster {
	out := rms.Clone()
	for i, v := range out.Pix {
		out.Pix[i] = v * v
	}
	return out
}

// VarianceFromWeight converts an inverse-variance weight map. Zero weights
// become +Inf variance, which Usable rejects.
func VarianceFromWeight(w *raster.Raster) *raster.Raster {
	out := w.Clone()
	for i, v := range out.Pix {
		if v > 0 {
			out.Pix[i] = 1 / v
		} else {
			out.Pix[i] = math.Inf(1)
		}
	}
	return out
}
