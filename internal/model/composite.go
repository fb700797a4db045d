package model

import (
	"fmt"

	"sourcefit/internal/param"
)

// Composite is the sum of its components, e.g. a bulge plus a disk.
type Composite struct {
	name       string
	components []Model
	plist      []*param.Parameter
}

// NewComposite sums components. Nested composites are allowed.
func NewComposite(name string, components ...Model) (*Composite, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("model %q: %w: composite without components", name, ErrMissingParameter)
	}
	var all []*param.Parameter
	for i, c := range components {
		if c == nil {
			return nil, fmt.Errorf("model %q: %w: component %d is nil", name, ErrMissingParameter, i)
		}
		all = append(all, c.Parameters()...)
	}
	return &Composite{name: name, components: components, plist: distinct(all)}, nil
}

func (c *Composite) Kind() Kind                     { return KindComposite }
func (c *Composite) Name() string                   { return c.name }
func (c *Composite) Parameters() []*param.Parameter { return c.plist }
func (c *Composite) Components() []Model            { return c.components }
func (c *Composite) accept(v Visitor)               { v.VisitComposite(c) }

func (c *Composite) Evaluate(v param.Values, x, y float64) float64 {
	sum := 0.0
	for _, m := range c.components {
		sum += m.Evaluate(v, x, y)
	}
	return sum
}

// Gradient sums the component gradients. It is nil if any component
// provides none.
func (c *Composite) Gradient(v param.Values, x, y float64) map[*param.Parameter]float64 {
	out := make(map[*param.Parameter]float64, len(c.plist))
	for _, m := range c.components {
		g := m.Gradient(v, x, y)
		if g == nil {
			return nil
		}
		for p, d := range g {
			out[p] += d
		}
	}
	return out
}
