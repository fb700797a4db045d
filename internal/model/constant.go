package model

import "sourcefit/internal/param"

// Constant is a flat flux density, typically a residual background.
type Constant struct {
	name  string
	level *param.Parameter
}

// NewConstant builds a flat model at level.
func NewConstant(name string, level *param.Parameter) (*Constant, error) {
	if err := required(name, map[string]*param.Parameter{"level": level}); err != nil {
		return nil, err
	}
	return &Constant{name: name, level: level}, nil
}

func (c *Constant) Kind() Kind                     { return KindConstant }
func (c *Constant) Name() string                   { return c.name }
func (c *Constant) Parameters() []*param.Parameter { return []*param.Parameter{c.level} }
func (c *Constant) Fields() []*param.Parameter     { return []*param.Parameter{c.level} }
func (c *Constant) Level() *param.Parameter        { return c.level }
func (c *Constant) accept(v Visitor)               { v.VisitConstant(c) }

func (c *Constant) Evaluate(v param.Values, _, _ float64) float64 {
	return v.Value(c.level)
}

func (c *Constant) Gradient(v param.Values, x, y float64) map[*param.Parameter]float64 {
	return map[*param.Parameter]float64{c.level: 1}
}

func (c *Constant) Bind(v param.Values) Profile {
	return constantProfile(v.Value(c.level))
}

type constantProfile float64

func (cp constantProfile) At(_, _ float64) float64 { return float64(cp) }

func (cp constantProfile) Partials(_, _ float64, out []float64) { out[0] = 1 }
