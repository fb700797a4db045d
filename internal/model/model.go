// Package model defines the generative light-distribution models fitted to
// measurement images. The vocabulary is closed: point sources, flat
// constants, the Sersic family and sums of those.
package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"sourcefit/internal/param"
)

// ErrMissingParameter is returned when a required model parameter is nil.
var ErrMissingParameter = errors.New("missing model parameter")

// Kind identifies a model variant.
type Kind int

const (
	KindPoint Kind = iota
	KindConstant
	KindSersic
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindConstant:
		return "constant"
	case KindSersic:
		return "sersic"
	case KindComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// Model maps a scene coordinate and parameter values to a flux density.
// The set of implementations is closed; use Walk to dispatch on it.
type Model interface {
	Kind() Kind
	Name() string
	// Parameters returns the distinct parameters the model reads.
	Parameters() []*param.Parameter
	// Evaluate returns the flux density at (x, y).
	Evaluate(v param.Values, x, y float64) float64
	// Gradient returns the partial derivatives of Evaluate at (x, y) with
	// respect to each parameter, or nil when the model provides none.
	Gradient(v param.Values, x, y float64) map[*param.Parameter]float64

	accept(Visitor)
}

// Leaf is a non-composite model. Its Fields are the parameters in a fixed
// per-variant order (possibly repeating one parameter), matching the
// partials written by the bound Profile.
type Leaf interface {
	Model
	Fields() []*param.Parameter
	Bind(v param.Values) Profile
}

// Profile is a leaf model with its parameter values resolved, evaluated
// per pixel without further lookups.
type Profile interface {
	At(x, y float64) float64
	// Partials writes the derivative with respect to each field of the
	// leaf at (x, y) into out, which has len(Fields()).
	Partials(x, y float64, out []float64)
}

// RadialProfile is a Profile whose brightness depends on position only
// through an elliptical radius about one centre. Renderers use it to find
// where pixel-centre sampling stops being accurate.
type RadialProfile interface {
	Profile
	Centre() (x, y float64)
	// AxisRatio returns the minor-to-major axis ratio.
	AxisRatio() float64
	// EllipticalRadius returns the radius of the ellipse through (x, y).
	EllipticalRadius(x, y float64) float64
	// Radial returns the brightness at elliptical radius rho relative to
	// the centre.
	Radial(rho float64) float64
}

// Visitor dispatches on the model variants.
type Visitor interface {
	VisitPoint(*PointSource)
	VisitConstant(*Constant)
	VisitSersic(*Sersic)
	VisitComposite(*Composite)
}

// Walk calls the Visitor method matching m's variant. Composites are not
// descended into; the visitor recurses through Components if it needs to.
func Walk(m Model, v Visitor) {
	m.accept(v)
}

// Leaves returns the non-composite models of m in depth-first order.
func Leaves(m Model) []Leaf {
	var out []Leaf
	var rec func(Model)
	rec = func(m Model) {
		if c, ok := m.(*Composite); ok {
			for _, sub := range c.components {
				rec(sub)
			}
			return
		}
		out = append(out, m.(Leaf))
	}
	rec(m)
	return out
}

func distinct(fields []*param.Parameter) []*param.Parameter {
	out := make([]*param.Parameter, 0, len(fields))
	seen := make(map[*param.Parameter]bool, len(fields))
	for _, p := range fields {
		if p == nil || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func required(model string, fields map[string]*param.Parameter) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if fields[name] == nil {
			return fmt.Errorf("model %q: %w: %s", model, ErrMissingParameter, name)
		}
	}
	return nil
}

// leafGradient evaluates a bound profile's partials and folds repeated
// fields onto their parameter.
func leafGradient(l Leaf, v param.Values, x, y float64) map[*param.Parameter]float64 {
	fields := l.Fields()
	out := make([]float64, len(fields))
	l.Bind(v).Partials(x, y, out)
	g := make(map[*param.Parameter]float64, len(fields))
	for i, p := range fields {
		g[p] += out[i]
	}
	return g
}
