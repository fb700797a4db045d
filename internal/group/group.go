// Package group fits sets of sources that overlap on the sky together, across
// every image they appear in, and runs many such groups on a worker pool.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sourcefit/internal/fit"
	"sourcefit/internal/image"
	"sourcefit/internal/loss"
	"sourcefit/internal/model"
	"sourcefit/internal/param"
	"sourcefit/internal/prior"
	"sourcefit/internal/render"
	"sourcefit/pkg/raster"
)

// ErrEmptyGroup is returned when a group has no source or no frame.
var ErrEmptyGroup = errors.New("empty group")

// Source is one astronomical object with a model per band. Models of
// different bands usually share parameters (or are tied) so that, for
// example, the position is fitted once across bands.
type Source struct {
	ID     string
	Models map[string]model.Model
}

// Group is the unit of work of the pool: sources fitted jointly against the
// frames they overlap.
type Group struct {
	ID      string
	Sources []Source
	Frames  []*image.Measurement
	Ties    []param.Tie
	Priors  *prior.Set
}

// Options configures how a group is fitted.
type Options struct {
	Fit    fit.Options
	Render render.Options
	Loss   loss.Options
}

// DefaultOptions returns the defaults of every stage.
func DefaultOptions() Options {
	return Options{
		Fit:    fit.DefaultOptions(),
		Render: render.DefaultOptions(),
		Loss:   loss.DefaultOptions(),
	}
}

// Validate checks every stage's options.
func (o Options) Validate() error {
	if err := o.Fit.Validate(); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := o.Render.Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := o.Loss.Validate(); err != nil {
		return fmt.Errorf("loss: %w", err)
	}
	return nil
}

// Bands returns the distinct bands of the group's frames, sorted.
func (g *Group) Bands() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range g.Frames {
		if !seen[f.Band] {
			seen[f.Band] = true
			out = append(out, f.Band)
		}
	}
	sort.Strings(out)
	return out
}

// bandModel returns the sum of the source models of one band, or nil.
func (g *Group) bandModel(band string) (model.Model, error) {
	var parts []model.Model
	for _, s := range g.Sources {
		if m, ok := s.Models[band]; ok && m != nil {
			parts = append(parts, m)
		}
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}
	c, err := model.NewComposite(g.ID+"/"+band, parts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Build assembles the minimization problem: one renderer and loss block per
// frame, and a single parameter space in which every free parameter of the
// group appears once.
func (g *Group) Build(opts Options) (*fit.Problem, error) {
	if len(g.Sources) == 0 || len(g.Frames) == 0 {
		return nil, fmt.Errorf("group %q: %w", g.ID, ErrEmptyGroup)
	}
	prob := &fit.Problem{Priors: g.Priors}
	var params []*param.Parameter
	models := make(map[string]model.Model)
	for _, f := range g.Frames {
		m, ok := models[f.Band]
		if !ok {
			var err error
			if m, err = g.bandModel(f.Band); err != nil {
				return nil, fmt.Errorf("group %q: %w", g.ID, err)
			}
			models[f.Band] = m
			if m != nil {
				params = append(params, m.Parameters()...)
			}
		}
		if m == nil {
			// No source is modelled in this band.
			continue
		}
		r, err := render.New(m, f, opts.Render)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.ID, err)
		}
		b, err := loss.NewBlock(f, opts.Loss)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.ID, err)
		}
		prob.Terms = append(prob.Terms, fit.Term{Renderer: r, Block: b})
	}
	for _, pr := range g.Priors.Active() {
		params = append(params, pr.Parameters()...)
	}
	space, err := param.NewSpace(params, g.Ties...)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", g.ID, err)
	}
	prob.Space = space
	return prob, nil
}

// Estimate is the fitted value of one model parameter.
type Estimate struct {
	Name  string
	Value float64
	Sigma float64
}

// SourceResult holds the estimates of one source, per band, in the order
// the band model declares its parameters.
type SourceResult struct {
	ID    string
	Bands map[string][]Estimate
}

// Outcome is what the pool reports for one group.
type Outcome struct {
	GroupID string
	Status  fit.Status
	Flags   fit.Flag
	Err     error
	Elapsed time.Duration
	Result  *fit.Result // nil when the group could not be built
	Sources []SourceResult
}

// Fit builds and minimizes one group.
func Fit(ctx context.Context, g *Group, opts Options) *Outcome {
	start := time.Now()
	out := &Outcome{GroupID: g.ID}
	defer func() { out.Elapsed = time.Since(start) }()

	prob, err := g.Build(opts)
	if err != nil {
		out.Status, out.Err = fit.StatusFailed, err
		return out
	}
	res := fit.Minimize(ctx, prob, nil, opts.Fit)
	out.Result = res
	out.Status, out.Flags, out.Err = res.Status, res.Flags, res.Err

	observed := make(map[string]bool)
	for _, b := range g.Bands() {
		observed[b] = true
	}
	for _, s := range g.Sources {
		sr := SourceResult{ID: s.ID, Bands: make(map[string][]Estimate)}
		for band, m := range s.Models {
			if m == nil || !observed[band] {
				continue
			}
			var est []Estimate
			for _, p := range m.Parameters() {
				est = append(est, Estimate{Name: p.Name(), Value: res.Value(p), Sigma: res.Sigma(p)})
			}
			sr.Bands[band] = est
		}
		out.Sources = append(out.Sources, sr)
	}
	return out
}

// fitted serves the values of a finished fit to renderers.
type fitted map[*param.Parameter]float64

func (f fitted) Value(p *param.Parameter) float64 { return f[p] }

// ModelImages renders the group's model at the fitted values of res, one
// raster per frame. Frames of a band without sources get nil.
func (g *Group) ModelImages(res *fit.Result, opts render.Options) ([]*raster.Raster, error) {
	vals := fitted(res.Values())
	out := make([]*raster.Raster, len(g.Frames))
	models := make(map[string]model.Model)
	for i, f := range g.Frames {
		m, ok := models[f.Band]
		if !ok {
			var err error
			if m, err = g.bandModel(f.Band); err != nil {
				return nil, err
			}
			models[f.Band] = m
		}
		if m == nil {
			continue
		}
		r, err := render.New(m, f, opts)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.ID, err)
		}
		if out[i], err = r.Render(vals); err != nil {
			return nil, fmt.Errorf("group %q band %s: %w", g.ID, f.Band, err)
		}
	}
	return out, nil
}
