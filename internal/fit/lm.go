// Package fit implements the Levenberg-Marquardt minimizer that adjusts the
// free parameters of a parameter space until the rendered models match the
// measurement images.
package fit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"sourcefit/internal/param"
)

// Minimize runs Levenberg-Marquardt from x0, the internal coordinates of the
// starting point (nil starts from the declared initial values). It always
// returns a Result; failures are reported through its status with the best
// values reached so far.
func Minimize(ctx context.Context, prob *Problem, x0 []float64, opts Options) *Result {
	start := time.Now()
	res := minimize(ctx, prob, x0, opts)
	res.Duration = time.Since(start)
	opts.Logger.Debug().
		Str("status", res.Status.String()).
		Int("iterations", res.Iterations).
		Float64("loss", res.Loss).
		Float64("reduced_chi2", res.ReducedChiSquare).
		Dur("elapsed", res.Duration).
		Msg("fit finished")
	return res
}

func minimize(ctx context.Context, prob *Problem, x0 []float64, opts Options) *Result {
	space := prob.Space
	n := space.Len()
	ev := space.NewEvaluator()
	if x0 != nil {
		ev.SetInternal(x0)
	}
	s := newState(prob, ev)
	lm := &solver{prob: prob, opts: opts, st: s, n: n}

	if err := opts.Validate(); err != nil {
		return lm.finish(StatusFailed, fmt.Errorf("options: %w", err))
	}
	for _, t := range prob.Terms {
		if t.Block.Len() == 0 {
			lm.flags |= FlagPartialFit
		}
	}
	data := prob.DataPoints()
	if data == 0 {
		return lm.finish(StatusNoData, ErrNoData)
	}
	if data < n {
		lm.flags |= FlagInsufficientData
		return lm.finish(StatusNoData, fmt.Errorf("%w: %d usable pixels for %d free parameters", ErrNoData, data, n))
	}
	if err := s.plan(); err != nil {
		return lm.finish(StatusFailed, err)
	}

	lm.r = make([]float64, s.m)
	if err := s.residuals(lm.r); err != nil {
		lm.flags |= FlagNumerical
		return lm.finish(StatusFailed, err)
	}
	lm.loss = floats.Dot(lm.r, lm.r)
	if n == 0 {
		return lm.finish(StatusConverged, nil)
	}
	return lm.run(ctx)
}

type solver struct {
	prob  *Problem
	opts  Options
	st    *state
	n     int
	jac   *jacobian
	J     *mat.Dense
	r     []float64
	loss  float64
	iter  int
	flags Flag
	// stale is set while J carries secant updates instead of derivatives.
	stale   bool
	broyden bool
	// valid is set once J has been filled.
	valid bool
}

// rankTolerance is the relative singular value under which SVD solves
// discard a direction.
const rankTolerance = 1e-14

// errDamping marks a fit whose damping exceeded the allowed maximum.
var errDamping = errors.New("damping exceeded maximum")

func (lm *solver) run(ctx context.Context) *Result {
	opts := lm.opts
	log := opts.Logger
	lm.jac = newJacobian(lm.prob, opts)
	lm.J = mat.NewDense(lm.st.m, lm.n, nil)
	if err := lm.refresh(ctx); err != nil {
		return lm.fail(ctx, err)
	}

	A, g := lm.normal()
	mu := opts.Tau * maxDiag(A)
	if mu == 0 {
		mu = opts.Tau
	}
	nu := 2.0
	stall := 0
	x := lm.st.ev.Internal()

	for {
		if err := ctx.Err(); err != nil {
			return lm.finish(StatusAborted, err)
		}
		if lm.iter >= opts.MaxIterations {
			return lm.finish(StatusMaxIterations, nil)
		}
		lm.iter++
		if lm.loss <= opts.AbsoluteTolerance || floats.Norm(g.RawVector().Data, math.Inf(1)) <= opts.GradientTolerance {
			return lm.finish(StatusConverged, nil)
		}

		// Retry with growing damping until a step lowers the loss.
		for {
			h, err := lm.solve(A, g, mu)
			if err != nil {
				return lm.finish(StatusFailed, err)
			}
			if floats.Norm(h, 2) <= opts.StepTolerance*(floats.Norm(x, 2)+opts.StepTolerance) {
				return lm.finish(StatusConverged, nil)
			}

			xn := make([]float64, lm.n)
			floats.AddTo(xn, x, h)
			rn := make([]float64, lm.st.m)
			lm.st.ev.SetInternal(xn)
			fn := math.Inf(1)
			if err := lm.st.residuals(rn); err == nil {
				fn = floats.Dot(rn, rn)
			}

			// Predicted decrease h'(mu h - g) of the quadratic model.
			pred := 0.0
			gv := g.RawVector().Data
			for i := range h {
				pred += h[i] * (mu*h[i] - gv[i])
			}
			rho := (lm.loss - fn) / pred
			if fn < lm.loss && pred > 0 && rho > 0 {
				decrease := (lm.loss - fn) / lm.loss
				if decrease < opts.LossTolerance {
					stall++
				} else {
					stall = 0
				}
				rOld := lm.r
				x, lm.r, lm.loss = xn, rn, fn
				if lm.broyden {
					lm.secant(h, rOld)
				} else if err := lm.refresh(ctx); err != nil {
					return lm.fail(ctx, err)
				}
				A, g = lm.normal()
				mu *= math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
				nu = 2
				log.Trace().Int("iter", lm.iter).Float64("loss", lm.loss).Float64("mu", mu).Msg("step accepted")
				break
			}

			// Rejected: go back to the last accepted point.
			lm.st.ev.SetInternal(x)
			if lm.stale {
				// A secant Jacobian may be the culprit; rebuild it first.
				if err := lm.refresh(ctx); err != nil {
					return lm.fail(ctx, err)
				}
				A, g = lm.normal()
				continue
			}
			mu *= nu
			nu *= 2
			log.Trace().Int("iter", lm.iter).Float64("mu", mu).Msg("step rejected")
			if mu > opts.MaxDamping || math.IsInf(nu, 0) {
				return lm.finish(StatusFailed, errDamping)
			}
			if err := ctx.Err(); err != nil {
				return lm.finish(StatusAborted, err)
			}
		}

		if lm.loss <= opts.AbsoluteTolerance {
			return lm.finish(StatusConverged, nil)
		}
		if stall >= opts.StallPatience {
			return lm.finish(StatusConverged, nil)
		}
	}
}

// refresh recomputes the Jacobian at the current point.
func (lm *solver) refresh(ctx context.Context) error {
	// The residuals must have been rendered at the current point for the
	// analytic columns.
	if err := lm.st.residuals(lm.r); err != nil {
		lm.flags |= FlagNumerical
		return err
	}
	if err := lm.jac.compute(ctx, lm.st, lm.J); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			lm.flags |= FlagNumerical
		}
		return err
	}
	lm.stale = false
	lm.valid = true
	return nil
}

// fail maps an error raised while evaluating at an accepted point.
func (lm *solver) fail(ctx context.Context, err error) *Result {
	if ctx.Err() != nil {
		return lm.finish(StatusAborted, ctx.Err())
	}
	return lm.finish(StatusFailed, err)
}

// secant applies the Broyden rank-one update J += (dr - J h) h' / h'h.
func (lm *solver) secant(h, rOld []float64) {
	hv := mat.NewVecDense(len(h), h)
	var jh mat.VecDense
	jh.MulVec(lm.J, hv)
	diff := make([]float64, lm.st.m)
	for i := range diff {
		diff[i] = lm.r[i] - rOld[i] - jh.AtVec(i)
	}
	hh := floats.Dot(h, h)
	if hh == 0 {
		return
	}
	lm.J.RankOne(lm.J, 1/hh, mat.NewVecDense(len(diff), diff), hv)
	lm.stale = true
}

// normal returns J'J and J'r.
func (lm *solver) normal() (*mat.SymDense, *mat.VecDense) {
	A := mat.NewSymDense(lm.n, nil)
	A.SymOuterK(1, lm.J.T())
	g := mat.NewVecDense(lm.n, nil)
	g.MulVec(lm.J.T(), mat.NewVecDense(len(lm.r), lm.r))
	return A, g
}

// solve returns h from (A + mu I) h = -g, by Cholesky when the system is
// well conditioned and by truncated SVD otherwise. Falling back to SVD also
// switches the Jacobian to secant updates.
func (lm *solver) solve(A *mat.SymDense, g *mat.VecDense, mu float64) ([]float64, error) {
	n := lm.n
	D := mat.NewSymDense(n, nil)
	D.CopySym(A)
	for i := 0; i < n; i++ {
		D.SetSym(i, i, A.At(i, i)+mu)
	}
	neg := mat.NewVecDense(n, nil)
	neg.ScaleVec(-1, g)
	h := mat.NewVecDense(n, nil)

	var ch mat.Cholesky
	if ch.Factorize(D) && ch.Cond() <= lm.opts.MaxCondition {
		if err := ch.SolveVecTo(h, neg); err == nil {
			return h.RawVector().Data, nil
		}
	}

	if !lm.broyden {
		lm.opts.Logger.Debug().Int("iter", lm.iter).Msg("ill-conditioned normal equations, switching to secant updates")
	}
	lm.broyden = true
	lm.flags |= FlagBroyden
	var svd mat.SVD
	if !svd.Factorize(D, mat.SVDThin) {
		return nil, fmt.Errorf("normal equations: SVD did not converge")
	}
	rank := svd.Rank(rankTolerance)
	if rank == 0 {
		return nil, fmt.Errorf("normal equations: zero rank")
	}
	svd.SolveVecTo(h, neg, rank)
	return h.RawVector().Data, nil
}

func maxDiag(A *mat.SymDense) float64 {
	m := 0.0
	for i := 0; i < A.SymmetricDim(); i++ {
		m = math.Max(m, A.At(i, i))
	}
	return m
}

// finish builds the result at the current point.
func (lm *solver) finish(status Status, err error) *Result {
	s := lm.st
	space := lm.prob.Space
	x := s.ev.Internal()
	res := &Result{
		Status:     status,
		Flags:      lm.flags,
		Err:        err,
		Iterations: lm.iter,
		Loss:       lm.loss,
		DataPoints: lm.prob.DataPoints(),
		Free:       space.Free(),
		Internal:   x,
		values:     s.ev.Snapshot(),
		sigmas:     make(map[*param.Parameter]float64),
	}
	if lm.r == nil {
		res.Loss = math.NaN()
	} else {
		// Re-render so the images match the reported point after a rejected
		// trial step.
		_ = s.residuals(make([]float64, s.m))
	}
	res.ChiSquare = s.chiSquare()
	if dof := res.DataPoints - lm.n; dof > 0 && lm.r != nil {
		res.ReducedChiSquare = res.ChiSquare / float64(dof)
	} else {
		res.ReducedChiSquare = math.NaN()
	}
	switch {
	case lm.n == 0:
		for p := range res.values {
			res.sigmas[p] = 0
		}
	case lm.valid:
		lm.covariance(res)
	case status != StatusNoData:
		res.Flags |= FlagSingular
	}
	return res
}
