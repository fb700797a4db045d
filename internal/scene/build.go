package scene

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"

	"sourcefit/internal/group"
	"sourcefit/internal/image"
	"sourcefit/internal/model"
	"sourcefit/internal/param"
	"sourcefit/internal/prior"
	"sourcefit/internal/psf"
	"sourcefit/internal/render"
	"sourcefit/pkg/geometry"
	"sourcefit/pkg/raster"
)

// Source kinds.
const (
	KindPoint         = "point"
	KindSersic        = "sersic"
	KindExponential   = "exponential"
	KindDeVaucouleurs = "devaucouleurs"
)

const (
	defaultSeed      = 1
	defaultFluxScale = 0.7
	defaultIndex     = 2.0
	skySourceID      = "sky"
)

// Scene is a decoded scene made ready to fit: the simulated frames, the
// groups to run on them and the true value of every fitted parameter.
type Scene struct {
	Frames []*image.Measurement
	Groups []*group.Group
	// Truth maps parameter names ("gal.x", "gal.flux.r") to the value used
	// to simulate the frames.
	Truth map[string]float64
}

// shape holds the band-independent parameters of a source.
type shape struct {
	x, y, radius, index, ell, angle *param.Parameter
}

// Build simulates the frames of f and sets up one fit group per declared
// group, plus one per source left out of every group.
func Build(f *File) (*Scene, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	seed := int64(defaultSeed)
	if f.Seed != nil {
		seed = *f.Seed
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5ca1ab1e))

	sc := &Scene{Truth: make(map[string]float64)}
	truth := make(map[string]model.Model) // by band
	for _, band := range f.bands() {
		m, err := f.truthModel(band, sc.Truth)
		if err != nil {
			return nil, err
		}
		truth[band] = m
	}
	for i := range f.Frames {
		meas, err := simulate(&f.Frames[i], truth[f.Frames[i].Band], f.Sky[f.Frames[i].Band], rng)
		if err != nil {
			return nil, err
		}
		sc.Frames = append(sc.Frames, meas)
	}

	sources := make(map[string]group.Source)
	params := make(map[string]*param.Parameter)
	for _, s := range f.Sources {
		src, err := guessSource(s, params)
		if err != nil {
			return nil, err
		}
		sources[s.ID] = src
	}

	owner := make(map[string]int) // source ID -> group index
	for _, gb := range f.Groups {
		g := &group.Group{ID: gb.ID}
		for _, id := range gb.Sources {
			g.Sources = append(g.Sources, sources[id])
			owner[id] = len(sc.Groups)
		}
		sc.Groups = append(sc.Groups, g)
	}
	for _, s := range f.Sources {
		if _, ok := owner[s.ID]; ok {
			continue
		}
		owner[s.ID] = len(sc.Groups)
		sc.Groups = append(sc.Groups, &group.Group{ID: s.ID, Sources: []group.Source{sources[s.ID]}})
	}

	blocks := make(map[string]SourceBlock, len(f.Sources))
	for _, s := range f.Sources {
		blocks[s.ID] = s
	}
	for _, g := range sc.Groups {
		var members []SourceBlock
		for _, s := range g.Sources {
			members = append(members, blocks[s.ID])
		}
		g.Frames = sc.Frames
		if len(sc.Groups) > 1 {
			g.Frames = cutouts(f, sc.Frames, members)
		}
		if len(f.Sky) > 0 {
			sky, err := skySource(g.ID, f.Sky)
			if err != nil {
				return nil, err
			}
			g.Sources = append(g.Sources, sky)
		}
		g.Priors = prior.NewSet()
	}

	for _, pb := range f.Priors {
		p, ok := params[pb.Parameter]
		if !ok {
			return nil, fmt.Errorf("prior %s: unknown parameter %q", pb.Kind, pb.Parameter)
		}
		pr, err := newPrior(pb, p, sc.Truth)
		if err != nil {
			return nil, err
		}
		gi, ok := owner[sourceOf(pb.Parameter)]
		if !ok {
			return nil, fmt.Errorf("prior %s: parameter %q belongs to no source", pb.Kind, pb.Parameter)
		}
		sc.Groups[gi].Priors.Add(pr)
	}
	return sc, nil
}

// bands returns the distinct frame bands, sorted.
func (f *File) bands() []string {
	var out []string
	for _, fr := range f.Frames {
		if !slices.Contains(out, fr.Band) {
			out = append(out, fr.Band)
		}
	}
	sort.Strings(out)
	return out
}

// truthModel returns the sum of the true sources of one band, or nil when
// no source has flux there. Every value is recorded in truth.
func (f *File) truthModel(band string, truth map[string]float64) (model.Model, error) {
	var parts []model.Model
	for _, s := range f.Sources {
		flux, ok := s.Flux[band]
		if !ok {
			continue
		}
		constant := func(field string, v float64) *param.Parameter {
			name := s.ID + "." + field
			truth[name] = v
			return param.MustConstant(name, v)
		}
		sh, err := s.shape(func(field string, v float64) (*param.Parameter, error) {
			return constant(field, v), nil
		})
		if err != nil {
			return nil, err
		}
		m, err := newModel(s.Kind, "truth/"+s.ID+"/"+band, sh, constant("flux."+band, flux))
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.ID, err)
		}
		parts = append(parts, m)
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}
	return wrap(model.NewComposite("truth/"+band, parts...))
}

// shape creates the band-independent parameters of s through mk, which
// receives the field name and the true value.
func (s SourceBlock) shape(mk func(field string, v float64) (*param.Parameter, error)) (shape, error) {
	var sh shape
	var err error
	if sh.x, err = mk("x", s.X); err != nil {
		return sh, err
	}
	if sh.y, err = mk("y", s.Y); err != nil {
		return sh, err
	}
	if s.Kind == KindPoint {
		return sh, nil
	}
	if s.Radius == nil {
		return sh, fmt.Errorf("source %q: %s profile needs a radius", s.ID, s.Kind)
	}
	if sh.radius, err = mk("radius", *s.Radius); err != nil {
		return sh, err
	}
	if s.Kind == KindSersic {
		if s.Index == nil {
			return sh, fmt.Errorf("source %q: sersic profile needs an index", s.ID)
		}
		if sh.index, err = mk("index", *s.Index); err != nil {
			return sh, err
		}
	}
	if s.Ellipticity != nil {
		if sh.ell, err = mk("ellipticity", *s.Ellipticity); err != nil {
			return sh, err
		}
		angle := 0.0
		if s.Angle != nil {
			angle = *s.Angle
		}
		if sh.angle, err = mk("angle", angle); err != nil {
			return sh, err
		}
	}
	return sh, nil
}

func newModel(kind, name string, sh shape, flux *param.Parameter) (model.Model, error) {
	sp := model.SersicParams{
		X: sh.x, Y: sh.y, Flux: flux,
		Radius: sh.radius, Index: sh.index, Ellipticity: sh.ell, Angle: sh.angle,
	}
	switch kind {
	case KindPoint:
		return wrap(model.NewPointSource(name, sh.x, sh.y, flux))
	case KindSersic:
		return wrap(model.NewSersic(name, sp))
	case KindExponential:
		return wrap(model.NewExponential(name, sp))
	case KindDeVaucouleurs:
		return wrap(model.NewDeVaucouleurs(name, sp))
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

// wrap keeps a failed constructor from yielding a typed nil model.
func wrap[M model.Model](m M, err error) (model.Model, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

// guessSource builds the fitted models of s, one per band it has flux in.
// Position and shape are shared by every band; flux is fitted per band.
// Every parameter is registered in params under its name.
func guessSource(s SourceBlock, params map[string]*param.Parameter) (group.Source, error) {
	src := group.Source{ID: s.ID, Models: make(map[string]model.Model)}
	g := s.Guess
	if g == nil {
		g = &GuessBlock{}
	}
	fixed := func(field string) bool {
		return slices.Contains(s.Fix, field) || (strings.HasPrefix(field, "flux.") && slices.Contains(s.Fix, "flux"))
	}
	// A fixed parameter stays at its guess, or at the truth when no guess
	// is given; a fitted one starts from the guess or a perturbed truth.
	mk := func(field string, guess *float64, truth, start float64, r param.Range) (*param.Parameter, error) {
		name := s.ID + "." + field
		var p *param.Parameter
		var err error
		if fixed(field) {
			p, err = param.NewConstant(name, pick(guess, truth))
		} else {
			p, err = param.NewFree(name, pick(guess, start), r)
		}
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.ID, err)
		}
		params[name] = p
		return p, nil
	}

	sh, err := s.shape(func(field string, v float64) (*param.Parameter, error) {
		switch field {
		case "x":
			return mk(field, g.X, v, v, param.Unbounded())
		case "y":
			return mk(field, g.Y, v, v, param.Unbounded())
		case "radius":
			return mk(field, g.Radius, v, 1.25*v, param.LogBetween(0.05, 500))
		case "index":
			return mk(field, g.Index, v, defaultIndex, param.Between(0.3, 8))
		case "ellipticity":
			return mk(field, g.Ellipticity, v, math.Min(0.9, math.Max(0.05, v/2)), param.Between(0, 0.95))
		default:
			return mk(field, g.Angle, v, v, param.Unbounded())
		}
	})
	if err != nil {
		return src, err
	}

	scale := pick(g.FluxScale, defaultFluxScale)
	bands := make([]string, 0, len(s.Flux))
	for band := range s.Flux {
		bands = append(bands, band)
	}
	sort.Strings(bands)
	for _, band := range bands {
		flux, err := mk("flux."+band, nil, s.Flux[band], math.Max(scale*s.Flux[band], 1e-3), param.Above(0))
		if err != nil {
			return src, err
		}
		m, err := newModel(s.Kind, s.ID+"/"+band, sh, flux)
		if err != nil {
			return src, fmt.Errorf("source %q: %w", s.ID, err)
		}
		src.Models[band] = m
	}
	return src, nil
}

func pick(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

// sourceOf returns the source part of a parameter name.
func sourceOf(name string) string {
	id, _, _ := strings.Cut(name, ".")
	return id
}

// skySource adds a fitted flat sky level per band to a group.
func skySource(groupID string, sky map[string]float64) (group.Source, error) {
	src := group.Source{ID: skySourceID, Models: make(map[string]model.Model)}
	for band := range sky {
		level, err := param.NewFree(groupID+".sky."+band, 0, param.Unbounded())
		if err != nil {
			return src, err
		}
		m, err := model.NewConstant(groupID+"/sky/"+band, level)
		if err != nil {
			return src, err
		}
		src.Models[band] = m
	}
	return src, nil
}

func newPrior(pb PriorBlock, p *param.Parameter, truth map[string]float64) (prior.Prior, error) {
	ref, ok := truth[pb.Parameter]
	if !ok {
		ref = p.Initial()
	}
	ref = pick(pb.Reference, ref)
	switch pb.Kind {
	case "tikhonov":
		return wrapPrior(prior.NewTikhonov(p, ref, pick(pb.Strength, 1)))
	default:
		if pb.Sigma == nil {
			return nil, fmt.Errorf("gaussian prior on %q needs a sigma", pb.Parameter)
		}
		return wrapPrior(prior.NewGaussian(p, ref, *pb.Sigma))
	}
}

func wrapPrior[P prior.Prior](p P, err error) (prior.Prior, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// kernel builds the PSF of a frame.
func (fr *FrameBlock) kernel() (*psf.Kernel, error) {
	sampling := pick(fr.PSFSampling, 1)
	if fr.MoffatBeta != nil {
		return psf.Moffat(fr.PSFFWHM, *fr.MoffatBeta, sampling)
	}
	return psf.Gaussian(fr.PSFFWHM/(2*math.Sqrt(2*math.Ln2)), sampling)
}

// transform returns the scene-to-pixel mapping, or nil for the identity.
func (fr *FrameBlock) transform() *geometry.AffineTransform {
	if fr.Scale == nil && fr.Rotation == nil && fr.OffsetX == nil && fr.OffsetY == nil {
		return nil
	}
	s := pick(fr.Scale, 1)
	t := geometry.Translation(pick(fr.OffsetX, 0), pick(fr.OffsetY, 0)).
		Compose(geometry.Scale(s, s)).
		Compose(geometry.Rotation(pick(fr.Rotation, 0)))
	return &t
}

// simulate renders truth into a new frame and adds background, sky and
// Gaussian noise. Noise variance includes the source shot noise when the
// frame has a gain.
func simulate(fr *FrameBlock, truth model.Model, sky float64, rng *rand.Rand) (*image.Measurement, error) {
	k, err := fr.kernel()
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", fr.Band, err)
	}
	variance := raster.New(fr.Width, fr.Height)
	variance.Fill(fr.Noise * fr.Noise)
	meas, err := image.New(fr.Band, raster.New(fr.Width, fr.Height), variance, k)
	if err != nil {
		return nil, err
	}
	meas.Transform = fr.transform()
	meas.BackgroundLevel = pick(fr.Background, 0)
	meas.Gain = pick(fr.Gain, 0)
	if err := meas.Validate(); err != nil {
		return nil, err
	}

	signal := raster.New(fr.Width, fr.Height)
	if truth != nil {
		r, err := render.New(truth, meas, render.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("frame %q: %w", fr.Band, err)
		}
		space, err := param.NewSpace(truth.Parameters())
		if err != nil {
			return nil, err
		}
		if signal, err = r.Render(space.NewEvaluator()); err != nil {
			return nil, fmt.Errorf("frame %q: %w", fr.Band, err)
		}
	}
	pix := raster.New(fr.Width, fr.Height)
	for i, s := range signal.Pix {
		v := fr.Noise * fr.Noise
		if meas.Gain > 0 {
			v += math.Max(s+sky, 0) / meas.Gain
		}
		pix.Pix[i] = s + sky + meas.BackgroundLevel + math.Sqrt(v)*rng.NormFloat64()
	}
	meas.Pixels = pix
	return meas, nil
}

// cutouts restricts every frame to the pixels near the members of one
// group, so that neighbouring groups do not pull on its fit.
func cutouts(f *File, frames []*image.Measurement, members []SourceBlock) []*image.Measurement {
	out := make([]*image.Measurement, len(frames))
	for i, m := range frames {
		fr := f.Frames[i]
		scale := pick(fr.Scale, 1)
		fp := make([]bool, m.Width()*m.Height())
		all := true
		for y := 0; y < m.Height(); y++ {
			for x := 0; x < m.Width(); x++ {
				idx := y*m.Width() + x
				for _, s := range members {
					reach := 3 * fr.PSFFWHM
					if s.Radius != nil {
						reach += 5 * *s.Radius * scale
					}
					px, py := m.ToPixel(s.X, s.Y)
					if math.Hypot(float64(x)-px, float64(y)-py) <= reach {
						fp[idx] = true
						break
					}
				}
				all = all && fp[idx]
			}
		}
		c := *m
		if !all {
			c.Footprint = fp
		}
		out[i] = &c
	}
	return out
}
