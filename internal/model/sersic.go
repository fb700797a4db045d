package model

import (
	"math"

	"gonum.org/v1/gonum/mathext"

	"sourcefit/internal/param"
)

// tailFraction is the flux fraction left outside Sersic.Radius.
const tailFraction = 1e-7

// SersicParams names the parameters of a Sersic profile. Ellipticity and
// Angle default to constant zero when nil. Index is ignored by the fixed-n
// constructors.
type SersicParams struct {
	X, Y        *param.Parameter
	Flux        *param.Parameter // total flux
	Radius      *param.Parameter // effective (half-light) radius, major axis
	Index       *param.Parameter // Sersic index n
	Ellipticity *param.Parameter // 1 - b/a
	Angle       *param.Parameter // position angle of the major axis, radians from +x
}

// Sersic is the profile I(r) = I0 exp(-k r^(1/n)) on elliptical radius r,
// normalized so that it integrates to Flux over the plane.
type Sersic struct {
	name   string
	p      SersicParams
	fields []*param.Parameter
	plist  []*param.Parameter
}

const (
	fieldX = iota
	fieldY
	fieldFlux
	fieldRadius
	fieldIndex
	fieldEllipticity
	fieldAngle
)

// NewSersic builds a general Sersic model with a free or dependent index.
func NewSersic(name string, p SersicParams) (*Sersic, error) {
	if err := required(name, map[string]*param.Parameter{
		"x": p.X, "y": p.Y, "flux": p.Flux, "radius": p.Radius, "index": p.Index,
	}); err != nil {
		return nil, err
	}
	if p.Ellipticity == nil {
		p.Ellipticity = param.MustConstant(name+".e", 0)
	}
	if p.Angle == nil {
		p.Angle = param.MustConstant(name+".theta", 0)
	}
	fields := []*param.Parameter{p.X, p.Y, p.Flux, p.Radius, p.Index, p.Ellipticity, p.Angle}
	return &Sersic{name: name, p: p, fields: fields, plist: distinct(fields)}, nil
}

// NewExponential builds a disk profile (n = 1).
func NewExponential(name string, p SersicParams) (*Sersic, error) {
	p.Index = param.MustConstant(name+".n", 1)
	return NewSersic(name, p)
}

// NewDeVaucouleurs builds a bulge profile (n = 4).
func NewDeVaucouleurs(name string, p SersicParams) (*Sersic, error) {
	p.Index = param.MustConstant(name+".n", 4)
	return NewSersic(name, p)
}

func (s *Sersic) Kind() Kind                     { return KindSersic }
func (s *Sersic) Name() string                   { return s.name }
func (s *Sersic) Parameters() []*param.Parameter { return s.plist }
func (s *Sersic) Fields() []*param.Parameter     { return s.fields }
func (s *Sersic) Params() SersicParams           { return s.p }
func (s *Sersic) accept(v Visitor)               { v.VisitSersic(s) }

func (s *Sersic) Evaluate(v param.Values, x, y float64) float64 {
	return s.Bind(v).At(x, y)
}

func (s *Sersic) Gradient(v param.Values, x, y float64) map[*param.Parameter]float64 {
	return leafGradient(s, v, x, y)
}

// Scale returns the effective radius along the minor axis, the smallest
// length scale of the profile.
func (s *Sersic) Scale(v param.Values) float64 {
	return v.Value(s.p.Radius) * (1 - v.Value(s.p.Ellipticity))
}

// Radius returns the major-axis radius outside which less than 1e-7 of the
// flux lies.
func (s *Sersic) Radius(v param.Values) float64 {
	n := v.Value(s.p.Index)
	re := v.Value(s.p.Radius)
	bn := SersicB(n)
	t := mathext.GammaIncRegCompInv(2*n, tailFraction)
	return re * math.Pow(t/bn, n)
}

// Position returns the current centre.
func (s *Sersic) Position(v param.Values) (float64, float64) {
	return v.Value(s.p.X), v.Value(s.p.Y)
}

// SersicB returns b_n, defined by P(2n, b_n) = 1/2 so that r_e encloses half
// of the flux.
func SersicB(n float64) float64 {
	return mathext.GammaIncRegInv(2*n, 0.5)
}

func (s *Sersic) Bind(v param.Values) Profile {
	sp := bindSersic(v.Value(s.p.X), v.Value(s.p.Y), v.Value(s.p.Flux), v.Value(s.p.Radius),
		v.Value(s.p.Index), v.Value(s.p.Ellipticity), v.Value(s.p.Angle))
	if s.p.Index.Kind() == param.Constant {
		return sp
	}
	// The index partial is a central difference over two bound neighbours.
	h := 1e-5 * math.Max(1, sp.n)
	lo := bindSersic(sp.x0, sp.y0, sp.flux, sp.re, sp.n-h, sp.e, sp.theta)
	hi := bindSersic(sp.x0, sp.y0, sp.flux, sp.re, sp.n+h, sp.e, sp.theta)
	return &sersicIndexProfile{sersicProfile: sp, lo: lo, hi: hi, h: h}
}

type sersicProfile struct {
	x0, y0, flux, re, n, e, theta float64

	q, cos, sin float64
	k           float64
	norm        float64 // I0 / flux
	invN        float64
}

func bindSersic(x0, y0, flux, re, n, e, theta float64) *sersicProfile {
	sp := &sersicProfile{x0: x0, y0: y0, flux: flux, re: re, n: n, e: e, theta: theta}
	sp.q = 1 - e
	sp.sin, sp.cos = math.Sincos(theta)
	sp.invN = 1 / n
	if !(re > 0) || !(n > 0) || !(sp.q > 0) {
		sp.norm = math.NaN()
		return sp
	}
	sp.k = SersicB(n) / math.Pow(re, sp.invN)
	lg, _ := math.Lgamma(2 * n)
	sp.norm = math.Exp(2*n*math.Log(sp.k) - math.Log(2*math.Pi*n*sp.q) - lg)
	return sp
}

// coords returns the rotated offsets and the elliptical radius.
func (sp *sersicProfile) coords(x, y float64) (u, w, r float64) {
	dx, dy := x-sp.x0, y-sp.y0
	u = dx*sp.cos + dy*sp.sin
	w = -dx*sp.sin + dy*sp.cos
	wq := w / sp.q
	return u, w, math.Hypot(u, wq)
}

func (sp *sersicProfile) Centre() (float64, float64) { return sp.x0, sp.y0 }
func (sp *sersicProfile) AxisRatio() float64          { return sp.q }

func (sp *sersicProfile) EllipticalRadius(x, y float64) float64 {
	_, _, r := sp.coords(x, y)
	return r
}

func (sp *sersicProfile) Radial(rho float64) float64 {
	return math.Exp(-sp.k * math.Pow(rho, sp.invN))
}

func (sp *sersicProfile) At(x, y float64) float64 {
	_, _, r := sp.coords(x, y)
	return sp.flux * sp.norm * math.Exp(-sp.k*math.Pow(r, sp.invN))
}

func (sp *sersicProfile) Partials(x, y float64, out []float64) {
	u, w, r := sp.coords(x, y)
	rn := math.Pow(r, sp.invN)
	shape := sp.norm * math.Exp(-sp.k*rn)
	val := sp.flux * shape

	// dI/dr, zero at the centre where the profile is symmetric.
	var dIdr float64
	if r > 0 {
		dIdr = -val * sp.k * sp.invN * rn / r
	}
	q2 := sp.q * sp.q
	var drdx0, drdy0, drdth, drdq float64
	if r > 0 {
		drdx0 = (-u*sp.cos + w*sp.sin/q2) / r
		drdy0 = (-u*sp.sin - w*sp.cos/q2) / r
		drdth = u * w * (1 - 1/q2) / r
		drdq = -w * w / (q2 * sp.q * r)
	}

	out[fieldX] = dIdr * drdx0
	out[fieldY] = dIdr * drdy0
	out[fieldFlux] = shape
	out[fieldRadius] = val * (-2 + sp.k*rn*sp.invN) / sp.re
	out[fieldIndex] = 0
	// q = 1 - e.
	out[fieldEllipticity] = -(-val/sp.q + dIdr*drdq)
	out[fieldAngle] = dIdr * drdth
}

type sersicIndexProfile struct {
	*sersicProfile
	lo, hi *sersicProfile
	h      float64
}

func (sp *sersicIndexProfile) Partials(x, y float64, out []float64) {
	sp.sersicProfile.Partials(x, y, out)
	out[fieldIndex] = (sp.hi.At(x, y) - sp.lo.At(x, y)) / (2 * sp.h)
}
