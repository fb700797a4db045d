package fit

import (
	"errors"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"sourcefit/internal/param"
)

// ErrNoData is reported when a fit has no usable pixels, or fewer usable
// pixels than free parameters.
var ErrNoData = errors.New("insufficient data")

// Status is the terminal state of a fit.
type Status int

const (
	StatusConverged Status = iota
	StatusMaxIterations
	StatusAborted
	StatusFailed
	StatusNoData
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max_iterations_reached"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	case StatusNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses appear by name in reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Flag records conditions met during a fit.
type Flag uint16

const (
	// FlagInsufficientData: fewer usable pixels than free parameters.
	FlagInsufficientData Flag = 1 << iota
	// FlagPartialFit: at least one image contributed no usable pixels.
	FlagPartialFit
	// FlagBroyden: the Jacobian was updated by rank-one secant steps.
	FlagBroyden
	// FlagSingular: the covariance had to be pseudo-inverted or is missing.
	FlagSingular
	// FlagNumerical: a non-finite value stopped the fit.
	FlagNumerical
)

var flagNames = []string{"insufficient_data", "partial_fit", "broyden", "singular", "numerical"}

func (f Flag) String() string {
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// Result is the outcome of one minimization. It is not modified after
// Minimize returns.
type Result struct {
	Status     Status
	Flags      Flag
	Err        error // cause of a failed or no-data status
	Iterations int
	Duration   time.Duration

	// Loss is the minimized objective: squared robust residuals plus prior
	// penalties.
	Loss             float64
	ChiSquare        float64
	ReducedChiSquare float64
	DataPoints       int

	// Free lists the optimized parameters in internal-vector order.
	Free     []*param.Parameter
	Internal []float64

	values     map[*param.Parameter]float64
	sigmas     map[*param.Parameter]float64
	covariance *mat.SymDense // internal coordinates
}

// Converged reports whether the fit reached a converged state.
func (r *Result) Converged() bool { return r.Status == StatusConverged }

// Value returns the fitted external value of p, or NaN if p is not part of
// the fit.
func (r *Result) Value(p *param.Parameter) float64 {
	if v, ok := r.values[p]; ok {
		return v
	}
	return math.NaN()
}

// Sigma returns the marginal uncertainty of p, or NaN when unavailable.
// Constants have zero uncertainty.
func (r *Result) Sigma(p *param.Parameter) float64 {
	if v, ok := r.sigmas[p]; ok {
		return v
	}
	return math.NaN()
}

// Values returns a copy of every fitted value.
func (r *Result) Values() map[*param.Parameter]float64 {
	out := make(map[*param.Parameter]float64, len(r.values))
	for p, v := range r.values {
		out[p] = v
	}
	return out
}

// Covariance returns a copy of the covariance of the internal coordinates,
// or nil when it could not be computed.
func (r *Result) Covariance() *mat.SymDense {
	if r.covariance == nil {
		return nil
	}
	c := mat.NewSymDense(r.covariance.SymmetricDim(), nil)
	c.CopySym(r.covariance)
	return c
}

// External returns the fitted external values of the free parameters in
// internal-vector order.
func (r *Result) External() []float64 {
	out := make([]float64, len(r.Free))
	for k, p := range r.Free {
		out[k] = r.values[p]
	}
	return out
}
