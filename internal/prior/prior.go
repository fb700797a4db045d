// Package prior provides penalty terms added to the fit loss: quadratic
// regularization toward a reference value and arbitrary user penalties.
// Each term contributes residuals whose squares sum to its penalty.
package prior

import (
	"fmt"
	"math"

	"sourcefit/internal/param"
)

// Kind separates the two penalty mechanisms, which are toggled
// independently.
type Kind int

const (
	Regularization Kind = iota
	Custom
)

func (k Kind) String() string {
	if k == Custom {
		return "custom"
	}
	return "regularization"
}

// Prior is one penalty term.
type Prior interface {
	Name() string
	Kind() Kind
	Parameters() []*param.Parameter
	// Len returns the number of residuals the term contributes.
	Len() int
	// Residuals writes Len residuals into out.
	Residuals(v param.Values, out []float64)
}

// Tikhonov penalizes strength * (value - reference)^2.
type Tikhonov struct {
	p         *param.Parameter
	reference float64
	root      float64
}

// NewTikhonov builds a quadratic regularization of p toward reference.
func NewTikhonov(p *param.Parameter, reference, strength float64) (*Tikhonov, error) {
	if p == nil {
		return nil, fmt.Errorf("tikhonov prior: nil parameter")
	}
	if !(strength >= 0) || math.IsInf(strength, 0) {
		return nil, &param.ConfigError{Name: p.Name(), Err: fmt.Errorf("regularization strength %g", strength)}
	}
	return &Tikhonov{p: p, reference: reference, root: math.Sqrt(strength)}, nil
}

func (t *Tikhonov) Name() string                   { return "tikhonov(" + t.p.Name() + ")" }
func (t *Tikhonov) Kind() Kind                     { return Regularization }
func (t *Tikhonov) Parameters() []*param.Parameter { return []*param.Parameter{t.p} }
func (t *Tikhonov) Len() int                       { return 1 }

func (t *Tikhonov) Residuals(v param.Values, out []float64) {
	out[0] = t.root * (v.Value(t.p) - t.reference)
}

// Gaussian penalizes ((value - mean) / sigma)^2, a normal prior on p.
type Gaussian struct {
	p           *param.Parameter
	mean, sigma float64
}

// NewGaussian builds a normal prior on p.
func NewGaussian(p *param.Parameter, mean, sigma float64) (*Gaussian, error) {
	if p == nil {
		return nil, fmt.Errorf("gaussian prior: nil parameter")
	}
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return nil, &param.ConfigError{Name: p.Name(), Err: fmt.Errorf("prior sigma %g", sigma)}
	}
	return &Gaussian{p: p, mean: mean, sigma: sigma}, nil
}

func (g *Gaussian) Name() string                   { return "gaussian(" + g.p.Name() + ")" }
func (g *Gaussian) Kind() Kind                     { return Regularization }
func (g *Gaussian) Parameters() []*param.Parameter { return []*param.Parameter{g.p} }
func (g *Gaussian) Len() int                       { return 1 }

func (g *Gaussian) Residuals(v param.Values, out []float64) {
	out[0] = (v.Value(g.p) - g.mean) / g.sigma
}

// Func is a user penalty over parameter values, in declaration order.
type Func func(values []float64) float64

// CustomPrior adds an arbitrary penalty. The penalty is expected to be
// non-negative; negative values are clamped to zero. Smoothness is the
// declarer's responsibility.
//
// A penalty enters the loss through the residual sqrt(penalty). For a
// penalty that reaches zero quadratically, such as (x-a)^2, that residual is
// |x-a|, whose derivative flips sign at the minimum. Declare such terms with
// NewCustomResidual and the signed residual x-a instead.
type CustomPrior struct {
	name   string
	fn     Func
	signed bool
	params []*param.Parameter
}

// NewCustom declares a penalty fn over params.
func NewCustom(name string, fn Func, params ...*param.Parameter) (*CustomPrior, error) {
	return newCustom(name, fn, false, params)
}

// NewCustomResidual declares a penalty through its signed residual fn: the
// penalty is fn squared.
func NewCustomResidual(name string, fn Func, params ...*param.Parameter) (*CustomPrior, error) {
	return newCustom(name, fn, true, params)
}

func newCustom(name string, fn Func, signed bool, params []*param.Parameter) (*CustomPrior, error) {
	if fn == nil || len(params) == 0 {
		return nil, fmt.Errorf("custom prior %q: needs a function and parameters", name)
	}
	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("custom prior %q: parameter %d is nil", name, i)
		}
	}
	return &CustomPrior{name: name, fn: fn, signed: signed, params: params}, nil
}

func (c *CustomPrior) Name() string                   { return c.name }
func (c *CustomPrior) Kind() Kind                     { return Custom }
func (c *CustomPrior) Parameters() []*param.Parameter { return c.params }
func (c *CustomPrior) Len() int                       { return 1 }

func (c *CustomPrior) Residuals(v param.Values, out []float64) {
	in := make([]float64, len(c.params))
	for i, p := range c.params {
		in[i] = v.Value(p)
	}
	if c.signed {
		out[0] = c.fn(in)
		return
	}
	pen := c.fn(in)
	if pen < 0 {
		pen = 0
	}
	out[0] = math.Sqrt(pen)
}
