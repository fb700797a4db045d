package model

import (
	"math"

	"sourcefit/internal/param"
)

// PointSource is an unresolved source. Rendered images draw it as the PSF
// shifted to its position; Evaluate gives the bilinear deposit of its flux
// onto unit pixels, which integrates to the flux.
type PointSource struct {
	name          string
	x, y, flux    *param.Parameter
	fields, plist []*param.Parameter
}

// NewPointSource builds a point source at (x, y) with total flux.
func NewPointSource(name string, x, y, flux *param.Parameter) (*PointSource, error) {
	if err := required(name, map[string]*param.Parameter{"x": x, "y": y, "flux": flux}); err != nil {
		return nil, err
	}
	fields := []*param.Parameter{x, y, flux}
	return &PointSource{name: name, x: x, y: y, flux: flux, fields: fields, plist: distinct(fields)}, nil
}

func (p *PointSource) Kind() Kind                     { return KindPoint }
func (p *PointSource) Name() string                   { return p.name }
func (p *PointSource) Parameters() []*param.Parameter { return p.plist }
func (p *PointSource) Fields() []*param.Parameter     { return p.fields }
func (p *PointSource) accept(v Visitor)               { v.VisitPoint(p) }
func (p *PointSource) X() *param.Parameter            { return p.x }
func (p *PointSource) Y() *param.Parameter            { return p.y }
func (p *PointSource) Flux() *param.Parameter         { return p.flux }

// Position returns the current position.
func (p *PointSource) Position(v param.Values) (float64, float64) {
	return v.Value(p.x), v.Value(p.y)
}

func (p *PointSource) Evaluate(v param.Values, x, y float64) float64 {
	return p.Bind(v).At(x, y)
}

func (p *PointSource) Gradient(v param.Values, x, y float64) map[*param.Parameter]float64 {
	return leafGradient(p, v, x, y)
}

func (p *PointSource) Bind(v param.Values) Profile {
	return pointProfile{x0: v.Value(p.x), y0: v.Value(p.y), flux: v.Value(p.flux)}
}

type pointProfile struct{ x0, y0, flux float64 }

func tent(d float64) float64 {
	return math.Max(0, 1-math.Abs(d))
}

// dtent is the derivative of tent(x - x0) with respect to x0.
func dtent(d float64) float64 {
	if d == 0 || math.Abs(d) >= 1 {
		return 0
	}
	if d > 0 {
		return 1
	}
	return -1
}

func (pp pointProfile) At(x, y float64) float64 {
	return pp.flux * tent(x-pp.x0) * tent(y-pp.y0)
}

func (pp pointProfile) Partials(x, y float64, out []float64) {
	dx, dy := x-pp.x0, y-pp.y0
	tx, ty := tent(dx), tent(dy)
	out[0] = pp.flux * dtent(dx) * ty
	out[1] = pp.flux * tx * dtent(dy)
	out[2] = tx * ty
}
