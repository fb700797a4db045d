package render

import (
	"fmt"

	"sourcefit/internal/param"
	"sourcefit/internal/psf"
	"sourcefit/pkg/raster"
)

// Analytic reports whether Partials can produce the image derivative with
// respect to p. Point-source positions move the shifted PSF and have no
// analytic partial; every other parameter does.
func (r *Renderer) Analytic(p *param.Parameter) bool {
	for _, ps := range r.points {
		if ps.X() == p || ps.Y() == p {
			return false
		}
	}
	return true
}

// Partials returns the native-sampling derivative images of the model with
// respect to each parameter in want, using the current plan. Every parameter
// must satisfy Analytic; parameters the model does not read yield zero
// images.
func (r *Renderer) Partials(v param.Values, want []*param.Parameter) ([]*raster.Raster, error) {
	if r.plan == nil {
		if err := r.Plan(v); err != nil {
			return nil, err
		}
	}
	slot := make(map[*param.Parameter]int, len(want))
	for j, p := range want {
		if !r.Analytic(p) {
			return nil, fmt.Errorf("parameter %q has no analytic image partial", p.Name())
		}
		slot[p] = j
	}
	pl := r.plan
	grids := make([]*raster.Raster, len(want))
	for j := range grids {
		grids[j] = raster.New(pl.gw, pl.gh)
	}
	touched := make([]bool, len(want))

	for _, s := range r.sersics {
		fields := s.Fields()
		idx := make([]int, len(fields))
		used := false
		for i, p := range fields {
			idx[i] = -1
			if j, ok := slot[p]; ok {
				idx[i] = j
				touched[j] = true
				used = true
			}
		}
		if !used {
			continue
		}
		prof := s.Bind(v)
		r.sample(nil, s, prof, r.sersicBox(v, s), r.sharpRegion(prof, s.Radius(v)), idx, grids)
	}
	for j, t := range touched {
		if t {
			grids[j] = psf.Convolve(grids[j], pl.kernel)
		}
	}
	for _, ps := range r.points {
		j, ok := slot[ps.Flux()]
		if !ok {
			continue
		}
		x, y := ps.Position(v)
		gx, gy := r.toGrid(x, y)
		pl.kernel.Splat(grids[j], gx, gy, 1, r.opts.Resample)
	}

	out := make([]*raster.Raster, len(want))
	area := r.meas.PixelArea()
	for j, g := range grids {
		n, err := r.native(g)
		if err != nil {
			return nil, err
		}
		for _, c := range r.flats {
			if c.Level() == want[j] {
				for i := range n.Pix {
					n.Pix[i] += area
				}
			}
		}
		if ok, x, y := n.Finite(); !ok {
			return nil, fmt.Errorf("band %q partial %q pixel (%d, %d): %w", r.meas.Band, want[j].Name(), x, y, ErrNonFinite)
		}
		out[j] = n
	}
	return out, nil
}
