package fit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"sourcefit/internal/loss"
	"sourcefit/internal/param"
	"sourcefit/internal/prior"
	"sourcefit/internal/render"
	"sourcefit/pkg/raster"
)

// Term pairs the renderer of one image with the pixels it is compared to.
type Term struct {
	Renderer *render.Renderer
	Block    *loss.Block
}

// Problem is everything a minimization needs. The Space must contain every
// parameter read by the renderers and priors.
type Problem struct {
	Space  *param.Space
	Terms  []Term
	Priors *prior.Set
}

// DataPoints returns the number of pixel residuals.
func (p *Problem) DataPoints() int {
	n := 0
	for _, t := range p.Terms {
		n += t.Block.Len()
	}
	return n
}

// state evaluates residuals at one point. Each goroutine owns its state.
type state struct {
	prob      *Problem
	ev        *param.Evaluator
	renderers []*render.Renderer
	images    []*raster.Raster
	priors    []prior.Prior
	offsets   []int // start of each term's residuals
	priorOff  int
	m         int
}

func newState(p *Problem, ev *param.Evaluator) *state {
	s := &state{prob: p, ev: ev, priors: p.Priors.Active()}
	k := 0
	for _, t := range p.Terms {
		s.renderers = append(s.renderers, t.Renderer)
		s.offsets = append(s.offsets, k)
		k += t.Block.Len()
	}
	s.priorOff = k
	for _, pr := range s.priors {
		k += pr.Len()
	}
	s.m = k
	s.images = make([]*raster.Raster, len(p.Terms))
	return s
}

func (s *state) fork() *state {
	c := *s
	c.ev = s.ev.Fork()
	c.renderers = make([]*render.Renderer, len(s.renderers))
	for i, r := range s.renderers {
		c.renderers[i] = r.Fork()
	}
	c.images = make([]*raster.Raster, len(s.images))
	return &c
}

// plan fixes every renderer's oversampling at the current values.
func (s *state) plan() error {
	for _, r := range s.renderers {
		if err := r.Plan(s.ev); err != nil {
			return err
		}
	}
	return nil
}

// residuals renders every term at the evaluator's position and writes the
// full residual vector into out.
func (s *state) residuals(out []float64) error {
	for i, t := range s.prob.Terms {
		img, err := s.renderers[i].Render(s.ev)
		if err != nil {
			return err
		}
		s.images[i] = img
		t.Block.Residuals(img, out[s.offsets[i]:s.offsets[i]+t.Block.Len()])
	}
	s.priorResiduals(out)
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("residual %d: %w", i, render.ErrNonFinite)
		}
	}
	return nil
}

func (s *state) priorResiduals(out []float64) {
	k := s.priorOff
	for _, pr := range s.priors {
		pr.Residuals(s.ev, out[k:k+pr.Len()])
		k += pr.Len()
	}
}

// chiSquare returns the plain chi-square of the last rendered images.
func (s *state) chiSquare() float64 {
	sum := 0.0
	for i, t := range s.prob.Terms {
		if s.images[i] != nil {
			sum += t.Block.ChiSquare(s.images[i])
		}
	}
	return sum
}

// jacobian builds the m x n Jacobian at the state's position. Columns whose
// parameters all have analytic image partials are assembled from the
// renderers; the others are central differences computed concurrently on
// forked states.
type jacobian struct {
	space    *param.Space
	analytic []bool
	step     float64
	workers  int
}

func newJacobian(p *Problem, opts Options) *jacobian {
	n := p.Space.Len()
	j := &jacobian{space: p.Space, analytic: make([]bool, n), step: opts.JacobianStep, workers: max(1, opts.Workers)}
	for k := 0; k < n; k++ {
		if !p.Space.LinearlyAffected(k) {
			continue
		}
		ok := true
		for _, q := range p.Space.Affected(k) {
			for _, t := range p.Terms {
				if !t.Renderer.Analytic(q) {
					ok = false
				}
			}
		}
		j.analytic[k] = ok
	}
	return j
}

func (j *jacobian) stepFor(x float64) float64 {
	return j.step * math.Max(1, math.Abs(x))
}

// compute fills J. s must have rendered its current position.
func (j *jacobian) compute(ctx context.Context, s *state, J *mat.Dense) error {
	n := j.space.Len()
	x := s.ev.Internal()
	cols := make([][]float64, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for k := 0; k < n; k++ {
		if j.analytic[k] {
			continue
		}
		// Fork before starting the goroutine: evaluating s fills its lazy
		// values concurrently otherwise.
		fs := s.fork()
		g.Go(func() (err error) {
			// A panicking model must not take the process down from a
			// worker goroutine.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("jacobian column %d: panic: %v", k, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			col, err := j.numericColumn(fs, x, k, false)
			cols[k] = col
			return err
		})
	}
	if err := j.analyticColumns(s, x, cols); err != nil {
		_ = g.Wait()
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for k, col := range cols {
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("jacobian entry (%d, %s): %w", i, j.space.Free()[k].Name(), render.ErrNonFinite)
			}
		}
		J.SetCol(k, col)
	}
	return nil
}

// numericColumn differentiates the residuals with respect to coordinate k.
// With priorsOnly set, only the prior rows are computed and the pixel rows
// are left zero.
func (j *jacobian) numericColumn(s *state, x []float64, k int, priorsOnly bool) ([]float64, error) {
	h := j.stepFor(x[k])
	hi := make([]float64, s.m)
	lo := make([]float64, s.m)
	xs := append([]float64(nil), x...)

	eval := func(out []float64) error {
		s.ev.SetInternal(xs)
		if priorsOnly {
			s.priorResiduals(out)
			return nil
		}
		return s.residuals(out)
	}
	xs[k] = x[k] + h
	if err := eval(hi); err != nil {
		return nil, err
	}
	xs[k] = x[k] - h
	if err := eval(lo); err != nil {
		return nil, err
	}
	for i := range hi {
		hi[i] = (hi[i] - lo[i]) / (2 * h)
	}
	return hi, nil
}

func (j *jacobian) analyticColumns(s *state, x []float64, cols [][]float64) error {
	var ks []int
	for k, a := range j.analytic {
		if a {
			ks = append(ks, k)
		}
	}
	if len(ks) == 0 {
		return nil
	}
	// Prior rows are cheap and always differenced.
	ps := s.fork()
	for _, k := range ks {
		col, err := j.numericColumn(ps, x, k, true)
		if err != nil {
			return err
		}
		cols[k] = col
	}

	for ti, t := range s.prob.Terms {
		r := s.renderers[ti]
		// Union of the parameters touched by the analytic columns.
		var want []*param.Parameter
		slot := make(map[*param.Parameter]int)
		for _, k := range ks {
			for _, q := range j.space.Affected(k) {
				if _, ok := slot[q]; !ok {
					slot[q] = len(want)
					want = append(want, q)
				}
			}
		}
		parts, err := r.Partials(s.ev, want)
		if err != nil {
			return err
		}
		img := s.images[ti]
		sum := raster.New(img.Width, img.Height)
		for _, k := range ks {
			sum.Fill(0)
			for _, q := range j.space.Affected(k) {
				sum.AddRaster(parts[slot[q]])
			}
			sum.Scale(j.space.Derivative(k, x))
			off := s.offsets[ti]
			t.Block.Project(img, sum, cols[k][off:off+t.Block.Len()])
		}
	}
	return nil
}
