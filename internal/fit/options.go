package fit

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// Options configures the Levenberg-Marquardt minimizer.
type Options struct {
	MaxIterations int
	// Tau scales the initial damping against the largest diagonal entry of
	// the Gauss-Newton matrix.
	Tau float64
	// GradientTolerance stops on the infinity norm of the gradient.
	GradientTolerance float64
	// StepTolerance stops when |h| <= StepTolerance * (|x| + StepTolerance).
	StepTolerance float64
	// LossTolerance is the relative loss decrease under which a step counts
	// as stalled; StallPatience consecutive stalled steps stop the fit.
	LossTolerance float64
	StallPatience int
	// AbsoluteTolerance stops once the loss itself falls below it.
	AbsoluteTolerance float64
	// MaxDamping is the damping beyond which the fit is declared failed.
	MaxDamping float64
	// MaxCondition is the condition number above which the normal equations
	// are solved by SVD and the Jacobian switches to secant updates.
	MaxCondition float64
	// JacobianStep is the relative central-difference step in internal
	// coordinates.
	JacobianStep float64
	// Workers bounds the goroutines computing numeric Jacobian columns.
	Workers int

	Logger zerolog.Logger
}

// DefaultOptions returns default minimizer options.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     1000,
		Tau:               1e-3,
		GradientTolerance: 1e-8,
		StepTolerance:     1e-8,
		LossTolerance:     1e-8,
		StallPatience:     3,
		AbsoluteTolerance: 1e-20,
		MaxDamping:        1e16,
		MaxCondition:      1e12,
		JacobianStep:      1e-6,
		Workers:           runtime.GOMAXPROCS(0),
		Logger:            zerolog.Nop(),
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch {
	case o.MaxIterations < 1:
		return fmt.Errorf("max iterations %d must be >= 1", o.MaxIterations)
	case !(o.Tau > 0):
		return fmt.Errorf("tau %g must be > 0", o.Tau)
	case o.GradientTolerance < 0 || o.StepTolerance < 0 || o.LossTolerance < 0 || o.AbsoluteTolerance < 0:
		return fmt.Errorf("tolerances must be >= 0")
	case o.StallPatience < 1:
		return fmt.Errorf("stall patience %d must be >= 1", o.StallPatience)
	case !(o.MaxDamping > 0):
		return fmt.Errorf("max damping %g must be > 0", o.MaxDamping)
	case !(o.MaxCondition > 1):
		return fmt.Errorf("max condition %g must be > 1", o.MaxCondition)
	case !(o.JacobianStep > 0):
		return fmt.Errorf("jacobian step %g must be > 0", o.JacobianStep)
	}
	return nil
}
