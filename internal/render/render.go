// Package render rasterizes a model onto a measurement image grid: extended
// components are sampled on an oversampled grid, convolved with the PSF and
// block-summed back to native pixels, point sources are drawn as the shifted
// PSF, and flat components are added last. Pixels near the centre of a
// cusped profile are integrated on a sub-pixel grid.
package render

import (
	"errors"
	"fmt"
	"math"

	"sourcefit/internal/image"
	"sourcefit/internal/model"
	"sourcefit/internal/param"
	"sourcefit/internal/psf"
	"sourcefit/pkg/geometry"
	"sourcefit/pkg/raster"
)

var (
	// ErrPSFMismatch is returned when the PSF sampling cannot serve the
	// planned model grid.
	ErrPSFMismatch = errors.New("PSF kernel does not match the model grid")
	// ErrNonFinite is returned when the rendered image holds NaN or Inf.
	ErrNonFinite = errors.New("non-finite model image")
)

// Options configures rendering.
type Options struct {
	// OversampleBelow is the profile scale, in native pixels, under which the
	// model grid is oversampled.
	OversampleBelow float64
	// MaxOversampling caps the oversampling factor.
	MaxOversampling int
	// SharpTolerance is the relative error of linear interpolation across
	// one grid pixel above which pixels near a profile centre are
	// integrated on a sub-pixel grid. 0 samples pixel centres only.
	SharpTolerance float64
	// SharpSampling is the sub-pixel grid size, per axis, of the pixel
	// holding a profile centre. It falls off with distance from the centre.
	SharpSampling int
	// Resample selects the kernel used to resample and shift the PSF.
	Resample psf.Method
}

// DefaultOptions returns default rendering options.
func DefaultOptions() Options {
	return Options{
		OversampleBelow: 2,
		MaxOversampling: 8,
		SharpTolerance:  0.05,
		SharpSampling:   16,
		Resample:        psf.CatmullRom,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if !(o.OversampleBelow >= 0) {
		return fmt.Errorf("oversample threshold %g must be >= 0", o.OversampleBelow)
	}
	if o.MaxOversampling < 1 {
		return fmt.Errorf("max oversampling %d must be >= 1", o.MaxOversampling)
	}
	if !(o.SharpTolerance >= 0) {
		return fmt.Errorf("sharp tolerance %g must be >= 0", o.SharpTolerance)
	}
	if o.SharpTolerance > 0 && o.SharpSampling < 2 {
		return fmt.Errorf("sharp sampling %d must be >= 2", o.SharpSampling)
	}
	return nil
}

// plan fixes the model grid for the duration of a fit.
type plan struct {
	factor int
	pad    int // native pixels added on each side
	kernel *psf.Kernel
	// grid size in oversampled pixels
	gw, gh int
}

// Renderer renders one model onto one measurement. It is not safe for
// concurrent use; Fork one per goroutine.
type Renderer struct {
	model   model.Model
	meas    *image.Measurement
	opts    Options
	sersics []*model.Sersic
	points  []*model.PointSource
	flats   []*model.Constant
	params  []*param.Parameter
	inverse *geometry.AffineTransform // pixel to scene, nil for identity

	plan  *plan
	cache cache
}

// sorter splits a model into its leaf variants.
type sorter struct{ r *Renderer }

func (s sorter) VisitPoint(p *model.PointSource) { s.r.points = append(s.r.points, p) }
func (s sorter) VisitConstant(c *model.Constant) { s.r.flats = append(s.r.flats, c) }
func (s sorter) VisitSersic(m *model.Sersic)     { s.r.sersics = append(s.r.sersics, m) }
func (s sorter) VisitComposite(c *model.Composite) {
	for _, sub := range c.Components() {
		model.Walk(sub, s)
	}
}

// New prepares a renderer. The oversampling plan is made on the first Render
// unless Plan is called first.
func New(m model.Model, meas *image.Measurement, opts Options) (*Renderer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := meas.Validate(); err != nil {
		return nil, err
	}
	r := &Renderer{model: m, meas: meas, opts: opts, params: m.Parameters()}
	if meas.Transform != nil {
		inv, _ := meas.Transform.Inverse()
		r.inverse = &inv
	}
	model.Walk(m, sorter{r})
	return r, nil
}

// Model returns the rendered model.
func (r *Renderer) Model() model.Model { return r.model }

// Measurement returns the target image.
func (r *Renderer) Measurement() *image.Measurement { return r.meas }

// Fork returns a renderer sharing the plan with its own cache.
func (r *Renderer) Fork() *Renderer {
	c := *r
	c.cache = cache{}
	return &c
}

// Factor returns the planned oversampling factor, or 0 before planning.
func (r *Renderer) Factor() int {
	if r.plan == nil {
		return 0
	}
	return r.plan.factor
}

// Plan chooses the oversampling factor from the current parameter values and
// resamples the PSF to the resulting grid. The plan stays fixed until Plan is
// called again, so the rendered image is a smooth function of the values
// during a fit.
func (r *Renderer) Plan(v param.Values) error {
	factor := 1
	scale := r.meas.PixelScale()
	for _, s := range r.sersics {
		sc := s.Scale(v) / scale
		if !(sc > 0) {
			continue
		}
		factor = max(factor, int(math.Ceil(r.opts.OversampleBelow/sc)))
	}
	// An integer-sampled PSF is used at its own sampling when the cap allows,
	// which avoids resampling it altogether.
	k := r.meas.PSF
	if s := math.Round(k.Sampling); math.Abs(s-k.Sampling) < 1e-9 && int(s) > factor {
		factor = int(s)
	}
	factor = min(max(factor, 1), r.opts.MaxOversampling)

	kernel, err := k.Resample(float64(factor), r.opts.Resample)
	if err != nil {
		if errors.Is(err, psf.ErrSamplingMismatch) {
			return fmt.Errorf("band %q: %w: %v", r.meas.Band, ErrPSFMismatch, err)
		}
		return fmt.Errorf("band %q: %w", r.meas.Band, err)
	}
	pad := kernel.HalfWidth() + 1
	r.plan = &plan{
		factor: factor,
		pad:    pad,
		kernel: kernel,
		gw:     (r.meas.Width() + 2*pad) * factor,
		gh:     (r.meas.Height() + 2*pad) * factor,
	}
	r.cache = cache{}
	return nil
}

// Render returns the model image at native sampling. Repeated calls with
// unchanged values return the cached raster, which callers must not modify.
func (r *Renderer) Render(v param.Values) (*raster.Raster, error) {
	if r.plan == nil {
		if err := r.Plan(v); err != nil {
			return nil, err
		}
	}
	vals := make([]float64, len(r.params))
	for i, p := range r.params {
		vals[i] = v.Value(p)
	}
	if out, ok := r.cache.get(vals); ok {
		return out, nil
	}
	out, err := r.render(v)
	if err != nil {
		return nil, err
	}
	r.cache.put(vals, out)
	return out, nil
}

func (r *Renderer) render(v param.Values) (*raster.Raster, error) {
	pl := r.plan
	grid := raster.New(pl.gw, pl.gh)
	if len(r.sersics) > 0 {
		for _, s := range r.sersics {
			prof := s.Bind(v)
			r.sample(grid, s, prof, r.sersicBox(v, s), r.sharpRegion(prof, s.Radius(v)), nil, nil)
		}
		grid = psf.Convolve(grid, pl.kernel)
	}
	for _, p := range r.points {
		x, y := p.Position(v)
		gx, gy := r.toGrid(x, y)
		pl.kernel.Splat(grid, gx, gy, v.Value(p.Flux()), r.opts.Resample)
	}
	out, err := r.native(grid)
	if err != nil {
		return nil, err
	}
	if len(r.flats) > 0 {
		level := 0.0
		for _, c := range r.flats {
			level += c.Evaluate(v, 0, 0)
		}
		area := r.meas.PixelArea()
		for i := range out.Pix {
			out.Pix[i] += level * area
		}
	}
	if ok, x, y := out.Finite(); !ok {
		return nil, fmt.Errorf("band %q pixel (%d, %d): %w", r.meas.Band, x, y, ErrNonFinite)
	}
	return out, nil
}

// native block-sums the model grid and crops the padding.
func (r *Renderer) native(grid *raster.Raster) (*raster.Raster, error) {
	pl := r.plan
	down, err := grid.Downsample(pl.factor)
	if err != nil {
		return nil, err
	}
	return down.Crop(geometry.RectInt{X: pl.pad, Y: pl.pad, Width: r.meas.Width(), Height: r.meas.Height()}), nil
}

// toGrid maps a scene position to model-grid coordinates.
func (r *Renderer) toGrid(x, y float64) (float64, float64) {
	px, py := r.meas.ToPixel(x, y)
	f := float64(r.plan.factor)
	pad := float64(r.plan.pad)
	return (px+pad+0.5)*f - 0.5, (py+pad+0.5)*f - 0.5
}

// sersicBox returns the model-grid rectangle outside which the profile holds
// a negligible flux fraction.
func (r *Renderer) sersicBox(v param.Values, s *model.Sersic) geometry.RectInt {
	all := geometry.RectInt{Width: r.plan.gw, Height: r.plan.gh}
	rad := s.Radius(v)
	if !(rad > 0) || math.IsInf(rad, 0) {
		return all
	}
	x, y := s.Position(v)
	// The transform may shear, so bound every corner of the scene square.
	var xs, ys []float64
	for _, d := range [][2]float64{{-rad, -rad}, {rad, -rad}, {-rad, rad}, {rad, rad}} {
		gx, gy := r.toGrid(x+d[0], y+d[1])
		xs = append(xs, gx)
		ys = append(ys, gy)
	}
	x0, x1 := minMax(xs)
	y0, y1 := minMax(ys)
	if math.IsNaN(x0) || math.IsNaN(y0) {
		return all
	}
	if x1-x0 > float64(2*r.plan.gw) || y1-y0 > float64(2*r.plan.gh) {
		return all
	}
	box := geometry.RectInt{
		X:      int(math.Floor(x0)),
		Y:      int(math.Floor(y0)),
		Width:  int(math.Ceil(x1)) - int(math.Floor(x0)) + 1,
		Height: int(math.Ceil(y1)) - int(math.Floor(y0)) + 1,
	}
	return box.Intersect(all)
}

func minMax(v []float64) (float64, float64) {
	lo, hi := v[0], v[0]
	for _, x := range v[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// sample adds the pixel-integrated flux of prof inside box to grid. Pixels
// in the sharp region sh are integrated on a sub-pixel grid, the others are
// sampled at their centre. When partial rasters are given, the leaf's field
// partials are accumulated into them the same way.
func (r *Renderer) sample(grid *raster.Raster, leaf model.Leaf, prof model.Profile, box geometry.RectInt, sh *sharp, fields []int, partials []*raster.Raster) {
	pl := r.plan
	f := float64(pl.factor)
	pad := float64(pl.pad)
	sm := &sampler{
		r: r, prof: prof, grid: grid, fields: fields, partials: partials,
		area: r.meas.PixelArea(), sh: sh,
	}
	if partials != nil {
		sm.buf = make([]float64, len(leaf.Fields()))
	}
	size := 1 / f
	for gy := box.Y; gy < box.Y+box.Height; gy++ {
		py := (float64(gy)+0.5)/f - 0.5 - pad
		for gx := box.X; gx < box.X+box.Width; gx++ {
			px := (float64(gx)+0.5)/f - 0.5 - pad
			sm.i = gy*pl.gw + gx
			sx, sy := r.toScene(px, py)
			if m := sh.nodes(gx, gy, sx, sy); m > 0 {
				sm.integrate(px-size/2, py-size/2, size, m, sharpDepth)
				continue
			}
			sm.add(px, py, size*size)
		}
	}
}

// toScene maps native pixel coordinates to the scene.
func (r *Renderer) toScene(px, py float64) (float64, float64) {
	if r.inverse == nil {
		return px, py
	}
	p := r.inverse.Apply(geometry.NewPoint2D(px, py))
	return p.X, p.Y
}
