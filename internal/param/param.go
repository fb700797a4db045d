// Package param implements the parameter engine: constant, free and dependent
// parameters, the range transforms linking a free parameter's internal
// coordinate to its external value, and the parameter space a minimizer
// operates on.
package param

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidRange is returned when a free parameter declares an empty or
	// malformed range.
	ErrInvalidRange = errors.New("invalid parameter range")
	// ErrInvalidParameter is returned for any other malformed declaration.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrCycle is returned when dependent parameters form a cycle.
	ErrCycle = errors.New("dependent parameter cycle")
)

// ConfigError identifies the parameter or model a configuration error
// belongs to.
type ConfigError struct {
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("parameter %q: %v", e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Kind indicates how a parameter obtains its value.
type Kind int

const (
	// Constant parameters hold a fixed value.
	Constant Kind = iota
	// Free parameters are optimized by the minimizer.
	Free
	// Dependent parameters are computed from other parameters.
	Dependent
)

func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Free:
		return "free"
	case Dependent:
		return "dependent"
	default:
		return "unknown"
	}
}

// Func computes a dependent value from its input values, in declaration
// order. It must be pure.
type Func func(in []float64) float64

// Parameter is a typed scalar. Parameters are declarations: they never hold
// the value of an in-flight fit, which lives in an Evaluator.
type Parameter struct {
	name      string
	kind      Kind
	value     float64 // constant value, or initial external value when free
	rng       Range
	transform Transform
	fn        Func
	inputs    []*Parameter
	identity  bool // dependent that copies its single input
}

// NewConstant declares a parameter with a fixed value.
func NewConstant(name string, value float64) (*Parameter, error) {
	if math.IsNaN(value) {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: NaN constant", ErrInvalidParameter)}
	}
	return &Parameter{name: name, kind: Constant, value: value}, nil
}

// NewFree declares a parameter optimized within r, starting at initial.
// The range is validated here so that a bad declaration fails before any
// fit starts.
func NewFree(name string, initial float64, r Range) (*Parameter, error) {
	t, err := r.Transform()
	if err != nil {
		return nil, &ConfigError{Name: name, Err: err}
	}
	if !r.Contains(initial) {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: initial value %g outside %s", ErrInvalidRange, initial, r)}
	}
	return &Parameter{name: name, kind: Free, value: initial, rng: r, transform: t}, nil
}

// NewDependent declares a parameter computed by fn from inputs.
func NewDependent(name string, fn Func, inputs ...*Parameter) (*Parameter, error) {
	if fn == nil {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: nil function", ErrInvalidParameter)}
	}
	if len(inputs) == 0 {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: dependent without inputs", ErrInvalidParameter)}
	}
	for i, in := range inputs {
		if in == nil {
			return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: input %d is nil", ErrInvalidParameter, i)}
		}
	}
	return &Parameter{name: name, kind: Dependent, fn: fn, inputs: inputs}, nil
}

// MustConstant is NewConstant for values known to be valid.
func MustConstant(name string, value float64) *Parameter {
	p, err := NewConstant(name, value)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the parameter name.
func (p *Parameter) Name() string { return p.name }

// Kind returns the parameter kind.
func (p *Parameter) Kind() Kind { return p.kind }

// Range returns the declared range of a free parameter.
func (p *Parameter) Range() Range { return p.rng }

// Transform returns the internal/external transform of a free parameter.
func (p *Parameter) Transform() Transform { return p.transform }

// Inputs returns the inputs of a dependent parameter.
func (p *Parameter) Inputs() []*Parameter { return p.inputs }

// Initial returns the constant value or the initial external value of a
// free parameter. Dependent parameters return NaN.
func (p *Parameter) Initial() float64 {
	if p.kind == Dependent {
		return math.NaN()
	}
	return p.value
}

// IsIdentity reports whether a dependent parameter copies its single input.
func (p *Parameter) IsIdentity() bool { return p.identity }

func (p *Parameter) String() string {
	switch p.kind {
	case Free:
		return fmt.Sprintf("%s[free %g in %s]", p.name, p.value, p.rng)
	case Constant:
		return fmt.Sprintf("%s[constant %g]", p.name, p.value)
	default:
		return fmt.Sprintf("%s[dependent on %d]", p.name, len(p.inputs))
	}
}

// Values gives read access to parameter values during evaluation.
type Values interface {
	Value(p *Parameter) float64
}
