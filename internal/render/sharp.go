package render

import (
	"math"

	"sourcefit/internal/model"
	"sourcefit/pkg/raster"
)

const (
	// sharpDepth is how many times the sub-pixel cell holding a profile
	// centre is split in four.
	sharpDepth = 6
	// minSharpNodes is the smallest sub-pixel grid used while splitting.
	minSharpNodes = 4
	// maxSharpSteps bounds the sharp region, in grid pixels.
	maxSharpSteps = 32
)

// sharp is the region around the centre of a cusped profile where sampling
// pixel centres misses the curvature of the profile. Its pixels are
// integrated on a sub-pixel grid, finer near the centre, and the cells
// around the centre itself are split recursively.
type sharp struct {
	prof     model.RadialProfile
	radius   float64 // elliptical radius of the region
	cx, cy   float64 // centre in native pixel coordinates
	gx, gy   int     // grid pixel holding the centre
	sampling int
}

// sharpRegion walks out from the centre of prof one grid pixel at a time
// and stops where linear interpolation across a pixel is within the
// tolerance, or at rmax. It returns nil when pixel-centre sampling already
// suffices at the centre.
func (r *Renderer) sharpRegion(prof model.Profile, rmax float64) *sharp {
	rp, ok := prof.(model.RadialProfile)
	if !ok || r.opts.SharpTolerance <= 0 {
		return nil
	}
	// Along the minor axis a grid pixel spans more elliptical radius.
	step := r.meas.PixelScale() / (float64(r.plan.factor) * rp.AxisRatio())
	if !(step > 0) || math.IsInf(step, 0) {
		return nil
	}
	limit := maxSharpSteps * step
	if rmax > 0 && rmax < limit {
		limit = rmax
	}
	rad := 0.0
	for rad < limit {
		v1, v2, v3 := rp.Radial(rad), rp.Radial(rad+step/2), rp.Radial(rad+step)
		if !(v2 > 0) || math.Abs(v2-(v1+v3)/2) < r.opts.SharpTolerance*v2 {
			break
		}
		rad += step
	}
	rad = math.Min(rad, limit)
	if rad <= 0 {
		return nil
	}
	sh := &sharp{prof: rp, radius: rad, sampling: r.opts.SharpSampling}
	x, y := rp.Centre()
	sh.cx, sh.cy = r.meas.ToPixel(x, y)
	gx, gy := r.toGrid(x, y)
	sh.gx, sh.gy = int(math.Floor(gx+0.5)), int(math.Floor(gy+0.5))
	return sh
}

// nodes returns the sub-pixel grid size for grid pixel (gx, gy), centred on
// scene position (x, y), or 0 outside the region. The size only depends on
// the pixel's offset from the centre pixel, so it stays put while the
// centre moves within one pixel.
func (sh *sharp) nodes(gx, gy int, x, y float64) int {
	if sh == nil || !(sh.prof.EllipticalRadius(x, y) < sh.radius) {
		return 0
	}
	d := max(abs(gx-sh.gx), abs(gy-sh.gy))
	m := (sh.sampling + d) / (1 + d) // ceil(sampling / (1+d))
	return max(m, 2)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// near reports whether the profile centre lies inside the square of side
// size at (x0, y0), or within a quarter side of it. Cells bordering the
// centre are refined too, so the image stays smooth as the centre crosses
// a cell edge.
func (sh *sharp) near(x0, y0, size float64) bool {
	g := size / 4
	return sh.cx >= x0-g && sh.cx < x0+size+g && sh.cy >= y0-g && sh.cy < y0+size+g
}

// sampler accumulates one bound profile into the model grid and, when
// partials are requested, into the partial grids.
type sampler struct {
	r        *Renderer
	prof     model.Profile
	grid     *raster.Raster
	fields   []int
	partials []*raster.Raster
	buf      []float64
	area     float64 // scene area of a native pixel
	sh       *sharp
	i        int // current grid pixel
}

// add adds the profile at native pixel position (px, py), weighted by w
// native pixels of area, to the current grid pixel.
func (sm *sampler) add(px, py, w float64) {
	x, y := sm.r.toScene(px, py)
	w *= sm.area
	if sm.grid != nil {
		sm.grid.Pix[sm.i] += sm.prof.At(x, y) * w
	}
	if sm.partials == nil {
		return
	}
	sm.prof.Partials(x, y, sm.buf)
	for j, slot := range sm.fields {
		if slot >= 0 {
			sm.partials[slot].Pix[sm.i] += sm.buf[j] * w
		}
	}
}

// integrate adds the square of side size with lower-left corner (x0, y0),
// in native pixels, using m×m midpoint nodes. A square near the profile
// centre is split in four instead, depth times.
func (sm *sampler) integrate(x0, y0, size float64, m, depth int) {
	if depth > 0 && sm.sh.near(x0, y0, size) {
		half := size / 2
		m = max(m/2, minSharpNodes)
		sm.integrate(x0, y0, half, m, depth-1)
		sm.integrate(x0+half, y0, half, m, depth-1)
		sm.integrate(x0, y0+half, half, m, depth-1)
		sm.integrate(x0+half, y0+half, half, m, depth-1)
		return
	}
	d := size / float64(m)
	for j := 0; j < m; j++ {
		for i := 0; i < m; i++ {
			sm.add(x0+(float64(i)+0.5)*d, y0+(float64(j)+0.5)*d, d*d)
		}
	}
}
