package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/internal/fit"
	"sourcefit/internal/image"
	"sourcefit/internal/model"
	"sourcefit/internal/param"
	"sourcefit/internal/prior"
	"sourcefit/internal/psf"
	"sourcefit/internal/render"
	"sourcefit/pkg/raster"
)

func free(t *testing.T, name string, v float64, r param.Range) *param.Parameter {
	t.Helper()
	p, err := param.NewFree(name, v, r)
	require.NoError(t, err)
	return p
}

func star(t *testing.T, name string, x, y, flux float64) (*model.PointSource, [3]*param.Parameter) {
	t.Helper()
	ps := [3]*param.Parameter{
		free(t, name+".x", x, param.Unbounded()),
		free(t, name+".y", y, param.Unbounded()),
		free(t, name+".flux", flux, param.Above(0)),
	}
	m, err := model.NewPointSource(name, ps[0], ps[1], ps[2])
	require.NoError(t, err)
	return m, ps
}

// frame renders truth, at its initial values, into a noise-free image.
func frame(t *testing.T, band string, truth model.Model, sigma float64) *image.Measurement {
	t.Helper()
	k, err := psf.Gaussian(sigma, 1)
	require.NoError(t, err)
	vr := raster.New(21, 21)
	vr.Fill(1)
	meas, err := image.New(band, raster.New(21, 21), vr, k)
	require.NoError(t, err)
	r, err := render.New(truth, meas, render.DefaultOptions())
	require.NoError(t, err)
	s, err := param.NewSpace(truth.Parameters())
	require.NoError(t, err)
	img, err := r.Render(s.NewEvaluator())
	require.NoError(t, err)
	meas.Pixels = img
	return meas
}

func twoBandGroup(t *testing.T, id string) (*Group, [3]*param.Parameter, [3]*param.Parameter) {
	t.Helper()
	truthR, _ := star(t, "truth", 10.3, 9.6, 800)
	truthG, _ := star(t, "truth", 10.3, 9.6, 300)

	mr, pr := star(t, "r", 10, 10, 500)
	mg, pg := star(t, "g", 10.6, 9.4, 500)
	g := &Group{
		ID: id,
		Sources: []Source{{
			ID:     "s1",
			Models: map[string]model.Model{"r": mr, "g": mg},
		}},
		Frames: []*image.Measurement{frame(t, "r", truthR, 1.2), frame(t, "g", truthG, 1.6)},
		Ties:   []param.Tie{{Dst: pg[0], Src: pr[0]}, {Dst: pg[1], Src: pr[1]}},
	}
	return g, pr, pg
}

func TestTiedPositionAcrossBands(t *testing.T) {
	g, pr, pg := twoBandGroup(t, "g1")
	out := Fit(context.Background(), g, DefaultOptions())
	require.Equal(t, fit.StatusConverged, out.Status, "err=%v", out.Err)

	res := out.Result
	assert.Len(t, res.Free, 4)
	assert.Equal(t, res.Value(pr[0]), res.Value(pg[0]))
	assert.Equal(t, res.Value(pr[1]), res.Value(pg[1]))
	assert.InDelta(t, 10.3, res.Value(pr[0]), 1e-3)
	assert.InDelta(t, 9.6, res.Value(pr[1]), 1e-3)
	assert.InDelta(t, 800, res.Value(pr[2]), 0.5)
	assert.InDelta(t, 300, res.Value(pg[2]), 0.5)

	require.Len(t, out.Sources, 1)
	src := out.Sources[0]
	assert.Equal(t, "s1", src.ID)
	require.Len(t, src.Bands["r"], 3)
	require.Len(t, src.Bands["g"], 3)
	assert.Equal(t, "r.x", src.Bands["r"][0].Name)
	assert.Equal(t, src.Bands["r"][0].Value, src.Bands["g"][0].Value)
}

func TestBuildCollectsFreeParametersOnce(t *testing.T) {
	shared := free(t, "x", 5, param.Unbounded())
	y := free(t, "y", 5, param.Unbounded())
	fr := free(t, "fr", 10, param.Above(0))
	fg := free(t, "fg", 10, param.Above(0))
	mr, err := model.NewPointSource("r", shared, y, fr)
	require.NoError(t, err)
	mg, err := model.NewPointSource("g", shared, y, fg)
	require.NoError(t, err)

	g := &Group{
		ID:      "shared",
		Sources: []Source{{ID: "s", Models: map[string]model.Model{"r": mr, "g": mg}}},
		Frames:  []*image.Measurement{frame(t, "r", mr, 1), frame(t, "g", mg, 1), frame(t, "r", mr, 1.5)},
	}
	prob, err := g.Build(DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, prob.Terms, 3)
	assert.Equal(t, []*param.Parameter{shared, y, fr, fg}, prob.Space.Free())
	assert.Equal(t, []string{"g", "r"}, g.Bands())
}

func TestEmptyGroup(t *testing.T) {
	out := Fit(context.Background(), &Group{ID: "none"}, DefaultOptions())
	assert.Equal(t, fit.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrEmptyGroup)
	assert.Nil(t, out.Result)
}

func TestNoUsablePixels(t *testing.T) {
	g, _, _ := twoBandGroup(t, "flagged")
	for _, f := range g.Frames {
		f.Footprint = make([]bool, f.Width()*f.Height())
	}
	out := Fit(context.Background(), g, DefaultOptions())
	assert.Equal(t, fit.StatusNoData, out.Status)
	assert.ErrorIs(t, out.Err, fit.ErrNoData)
}

func TestPartialFitWhenOneBandIsEmpty(t *testing.T) {
	g, _, _ := twoBandGroup(t, "partial")
	g.Frames[1].Footprint = make([]bool, g.Frames[1].Width()*g.Frames[1].Height())
	out := Fit(context.Background(), g, DefaultOptions())
	// The g-band flux is then unconstrained but the fit still completes.
	assert.NotEqual(t, fit.StatusNoData, out.Status)
	assert.NotZero(t, out.Flags&fit.FlagPartialFit)
}

func TestPoolIsolatesPanics(t *testing.T) {
	good, _, _ := twoBandGroup(t, "good")
	bad, pr, _ := twoBandGroup(t, "bad")
	boom, err := prior.NewCustom("boom", func([]float64) float64 { panic("model exploded") }, pr[2])
	require.NoError(t, err)
	bad.Priors = prior.NewSet(boom)

	pool := NewPool(2, zerolog.Nop())
	outs := pool.Run(context.Background(), []*Group{bad, good})
	require.Len(t, outs, 2)

	assert.Equal(t, "bad", outs[0].GroupID)
	assert.Equal(t, fit.StatusFailed, outs[0].Status)
	assert.ErrorContains(t, outs[0].Err, "model exploded")

	assert.Equal(t, "good", outs[1].GroupID)
	assert.Equal(t, fit.StatusConverged, outs[1].Status)
}

func TestPoolCancelled(t *testing.T) {
	a, _, _ := twoBandGroup(t, "a")
	b, _, _ := twoBandGroup(t, "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outs := NewPool(1, zerolog.Nop()).Run(ctx, []*Group{a, b})
	for _, o := range outs {
		assert.Equal(t, fit.StatusAborted, o.Status)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestPoolTimeBudget(t *testing.T) {
	g, _, _ := twoBandGroup(t, "slow")
	pool := NewPool(1, zerolog.Nop())
	pool.Budget = time.Nanosecond
	out := pool.Run(context.Background(), []*Group{g})[0]
	assert.Equal(t, fit.StatusAborted, out.Status)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestPoolEachReportsEveryGroup(t *testing.T) {
	var groups []*Group
	for _, id := range []string{"a", "b", "c", "d"} {
		g, _, _ := twoBandGroup(t, id)
		groups = append(groups, g)
	}
	var mu sync.Mutex
	seen := make(map[string]fit.Status)
	NewPool(3, zerolog.Nop()).Each(context.Background(), groups, func(i int, o *Outcome) {
		mu.Lock()
		defer mu.Unlock()
		seen[o.GroupID] = o.Status
		assert.Equal(t, groups[i].ID, o.GroupID)
	})
	assert.Len(t, seen, 4)
	for id, st := range seen {
		assert.Equal(t, fit.StatusConverged, st, id)
	}
}

func TestModelImagesMatchFrames(t *testing.T) {
	g, _, _ := twoBandGroup(t, "images")
	out := Fit(context.Background(), g, DefaultOptions())
	require.Equal(t, fit.StatusConverged, out.Status, "err=%v", out.Err)

	imgs, err := g.ModelImages(out.Result, DefaultOptions().Render)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	for i, img := range imgs {
		require.NotNil(t, img)
		assert.InDelta(t, g.Frames[i].Pixels.Sum(), img.Sum(), 1)
		assert.InDelta(t, g.Frames[i].Pixels.At(10, 10), img.At(10, 10), 0.05)
	}
}

func TestFitRecoversDeVaucouleursProfile(t *testing.T) {
	truth, err := model.NewDeVaucouleurs("truth", model.SersicParams{
		X:      free(t, "truth.x", 30.2, param.Unbounded()),
		Y:      free(t, "truth.y", 29.7, param.Unbounded()),
		Flux:   free(t, "truth.flux", 1000, param.Above(0)),
		Radius: free(t, "truth.re", 4, param.LogBetween(0.05, 500)),
	})
	require.NoError(t, err)
	k, err := psf.Gaussian(1.3, 1)
	require.NoError(t, err)
	vr := raster.New(61, 61)
	vr.Fill(1)
	meas, err := image.New("r", raster.New(61, 61), vr, k)
	require.NoError(t, err)

	// The data is drawn on a grid eight times finer than the fit plans.
	fine := render.DefaultOptions()
	fine.OversampleBelow = 32
	r, err := render.New(truth, meas, fine)
	require.NoError(t, err)
	s, err := param.NewSpace(truth.Parameters())
	require.NoError(t, err)
	img, err := r.Render(s.NewEvaluator())
	require.NoError(t, err)
	require.Equal(t, 8, r.Factor())
	meas.Pixels = img

	x := free(t, "gal.x", 30, param.Unbounded())
	y := free(t, "gal.y", 30, param.Unbounded())
	flux := free(t, "gal.flux", 800, param.Above(0))
	re := free(t, "gal.re", 3.5, param.LogBetween(0.05, 500))
	guess, err := model.NewDeVaucouleurs("gal", model.SersicParams{X: x, Y: y, Flux: flux, Radius: re})
	require.NoError(t, err)
	g := &Group{
		ID:      "bulge",
		Sources: []Source{{ID: "gal", Models: map[string]model.Model{"r": guess}}},
		Frames:  []*image.Measurement{meas},
	}
	out := Fit(context.Background(), g, DefaultOptions())
	require.Equal(t, fit.StatusConverged, out.Status, "err=%v", out.Err)

	res := out.Result
	assert.InEpsilon(t, 1000, res.Value(flux), 0.03)
	assert.InEpsilon(t, 4, res.Value(re), 0.05)
	assert.InDelta(t, 30.2, res.Value(x), 0.05)
	assert.InDelta(t, 29.7, res.Value(y), 0.05)
}
