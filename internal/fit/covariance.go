package fit

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"sourcefit/internal/param"
)

// covariance fills the covariance and the per-parameter uncertainties of res
// from the Jacobian at the final point:
//
//	C = (J'J)^-1 * loss / max(m-n, 1)
//
// Uncertainties of derived parameters propagate C through the gradient of
// their value with respect to the internal coordinates.
func (lm *solver) covariance(res *Result) {
	if lm.stale {
		// Secant updates are not good enough for error bars.
		if err := lm.jac.compute(context.Background(), lm.st, lm.J); err == nil {
			lm.stale = false
		}
	}
	n := lm.n
	A, _ := lm.normal()
	C := mat.NewSymDense(n, nil)

	var ch mat.Cholesky
	if ch.Factorize(A) && ch.Cond() <= lm.opts.MaxCondition {
		if err := ch.InverseTo(C); err != nil {
			res.Flags |= FlagSingular
			return
		}
	} else {
		res.Flags |= FlagSingular
		if !pseudoInverse(A, C) {
			return
		}
	}
	dof := max(res.DataPoints-n, 1)
	C.ScaleSym(res.Loss/float64(dof), C)
	res.covariance = C

	space := lm.prob.Space
	x := res.Internal
	grads := lm.gradients(x)
	for _, p := range space.Parameters() {
		g, ok := grads[p]
		if !ok {
			res.sigmas[p] = 0
			continue
		}
		gv := mat.NewVecDense(n, g)
		res.sigmas[p] = math.Sqrt(math.Max(mat.Inner(gv, C, gv), 0))
	}
}

// gradients returns d(value)/d(internal) for every non-constant parameter.
// Free parameters use the transform derivative; dependents are differenced.
func (lm *solver) gradients(x []float64) map[*param.Parameter][]float64 {
	space := lm.prob.Space
	n := lm.n
	out := make(map[*param.Parameter][]float64)
	var dependents []*param.Parameter
	for _, p := range space.Parameters() {
		switch space.EffectiveKind(p) {
		case param.Free:
			g := make([]float64, n)
			k := space.FreeIndex(p)
			g[k] = space.Derivative(k, x)
			out[p] = g
		case param.Dependent:
			dependents = append(dependents, p)
			out[p] = make([]float64, n)
		}
	}
	if len(dependents) == 0 {
		return out
	}

	ev := lm.st.ev.Fork()
	xs := append([]float64(nil), x...)
	for k := 0; k < n; k++ {
		h := lm.jac.stepFor(x[k])
		xs[k] = x[k] + h
		ev.SetInternal(xs)
		hi := make([]float64, len(dependents))
		for i, p := range dependents {
			hi[i] = ev.Value(p)
		}
		xs[k] = x[k] - h
		ev.SetInternal(xs)
		for i, p := range dependents {
			out[p][k] = (hi[i] - ev.Value(p)) / (2 * h)
		}
		xs[k] = x[k]
	}
	return out
}

// pseudoInverse writes the truncated SVD inverse of A into dst.
func pseudoInverse(A, dst *mat.SymDense) bool {
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return false
	}
	rank := svd.Rank(rankTolerance)
	if rank == 0 {
		return false
	}
	var v mat.Dense
	svd.VTo(&v)
	sv := svd.Values(nil)
	n := A.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s := 0.0
			for k := 0; k < rank; k++ {
				s += v.At(i, k) * v.At(j, k) / sv[k]
			}
			dst.SetSym(i, j, s)
		}
	}
	return true
}
