package scene

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/internal/fit"
	"sourcefit/internal/group"
	"sourcefit/internal/param"
	"sourcefit/internal/prior"
)

const twoStars = `
seed = 11

frame "r" {
  width    = 40
  height   = 24
  psf_fwhm = 2 * 1.25
  noise    = 1
}

frame "g" {
  width       = 40
  height      = 24
  psf_fwhm    = 3
  moffat_beta = 3.5
  noise       = 2
  background  = 100
}

source "a" {
  kind = "point"
  x    = 9.4
  y    = 12.2
  flux = { r = 3000, g = 1800 }
}

source "b" {
  kind        = "exponential"
  x           = 29.7
  y           = 11.5
  radius      = 2.5
  ellipticity = 0.3
  angle       = radians(30)
  flux        = { r = 4000 }
  fix         = ["angle"]
  guess {
    x = 29
  }
}

prior "gaussian" "b.radius" {
  sigma = 0.5
}
`

func parse(t *testing.T, src string) *File {
	t.Helper()
	f, err := Parse([]byte(src), "test.hcl")
	require.NoError(t, err)
	return f
}

func TestParseEvaluatesExpressions(t *testing.T) {
	f := parse(t, twoStars)
	require.NotNil(t, f.Seed)
	assert.Equal(t, int64(11), *f.Seed)
	require.Len(t, f.Frames, 2)
	assert.Equal(t, 2.5, f.Frames[0].PSFFWHM)
	assert.Nil(t, f.Frames[0].MoffatBeta)
	require.Len(t, f.Sources, 2)
	b := f.Sources[1]
	assert.InDelta(t, math.Pi/6, *b.Angle, 1e-12)
	assert.Equal(t, []string{"angle"}, b.Fix)
	require.NotNil(t, b.Guess)
	assert.Equal(t, 29.0, *b.Guess.X)
	assert.Nil(t, b.Guess.Y)
	require.Len(t, f.Priors, 1)
	assert.Equal(t, "gaussian", f.Priors[0].Kind)
	assert.Equal(t, "b.radius", f.Priors[0].Parameter)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no frame", `source "a" {
  kind = "point"
  x = 1
  y = 1
  flux = {}
}`, "no frame"},
		{"unknown kind", `frame "r" {
  width = 5
  height = 5
  psf_fwhm = 2
  noise = 1
}
source "a" {
  kind = "disk"
  x = 1
  y = 1
  flux = { r = 1 }
}`, "unknown kind"},
		{"unknown band", `frame "r" {
  width = 5
  height = 5
  psf_fwhm = 2
  noise = 1
}
source "a" {
  kind = "point"
  x = 1
  y = 1
  flux = { i = 1 }
}`, "unknown band"},
		{"two groups", `frame "r" {
  width = 5
  height = 5
  psf_fwhm = 2
  noise = 1
}
source "a" {
  kind = "point"
  x = 1
  y = 1
  flux = { r = 1 }
}
group "one" {
  sources = ["a"]
}
group "two" {
  sources = ["a"]
}`, "in groups"},
		{"syntax", `frame "r" {`, "failed to parse"},
		{"missing attribute", `frame "r" {
  width = 5
}`, "failed to decode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), "bad.hcl")
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.hcl")
	require.NoError(t, os.WriteFile(path, []byte(twoStars), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Sources, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestBuildSetsUpFrames(t *testing.T) {
	sc, err := Build(parse(t, twoStars))
	require.NoError(t, err)

	require.Len(t, sc.Frames, 2)
	r, g := sc.Frames[0], sc.Frames[1]
	assert.Equal(t, "r", r.Band)
	assert.Equal(t, 40, r.Width())
	assert.Equal(t, 24, r.Height())
	assert.Equal(t, 1.0, r.Variance.Pix[0])
	assert.Equal(t, 4.0, g.Variance.Pix[0])
	assert.Equal(t, 100.0, g.BackgroundLevel)
	assert.Nil(t, r.Transform)

	// Only a noisy pedestal far from the sources.
	assert.InDelta(t, 100, g.Pixels.At(20, 0), 10)
	assert.Greater(t, r.Pixels.At(9, 12), 50.0)

	assert.Equal(t, 9.4, sc.Truth["a.x"])
	assert.Equal(t, 1800.0, sc.Truth["a.flux.g"])
	assert.Equal(t, 2.5, sc.Truth["b.radius"])
	_, ok := sc.Truth["b.flux.g"]
	assert.False(t, ok)
}

func TestBuildIsReproducible(t *testing.T) {
	a, err := Build(parse(t, twoStars))
	require.NoError(t, err)
	b, err := Build(parse(t, twoStars))
	require.NoError(t, err)
	assert.Equal(t, a.Frames[0].Pixels.Pix, b.Frames[0].Pixels.Pix)
}

func TestBuildGroupsAndGuesses(t *testing.T) {
	sc, err := Build(parse(t, twoStars))
	require.NoError(t, err)
	require.Len(t, sc.Groups, 2)

	ga, gb := sc.Groups[0], sc.Groups[1]
	assert.Equal(t, "a", ga.ID)
	assert.Equal(t, []string{"g", "r"}, ga.Bands())
	require.Len(t, ga.Sources, 1)
	assert.Len(t, ga.Sources[0].Models, 2)

	// Separate groups see only their own neighbourhood.
	fp := ga.Frames[0].Footprint
	require.NotNil(t, fp)
	w := ga.Frames[0].Width()
	assert.True(t, fp[12*w+9])
	assert.False(t, fp[12*w+30])
	assert.Nil(t, sc.Frames[0].Footprint)

	require.Len(t, gb.Sources, 1)
	mb := gb.Sources[0].Models["r"]
	require.NotNil(t, mb)
	assert.Nil(t, gb.Sources[0].Models["g"])
	names := make(map[string]bool)
	for _, p := range mb.Parameters() {
		names[p.Name()] = true
	}
	assert.True(t, names["b.x"])
	assert.True(t, names["b.ellipticity"])
	assert.True(t, names["b.flux.r"])

	for _, p := range mb.Parameters() {
		switch p.Name() {
		case "b.x":
			assert.Equal(t, 29.0, p.Initial())
		case "b.angle":
			assert.Equal(t, param.Constant, p.Kind())
			assert.InDelta(t, math.Pi/6, p.Initial(), 1e-12)
		case "b.flux.r":
			assert.InDelta(t, 2800, p.Initial(), 1e-9)
		}
	}

	require.Len(t, gb.Priors.Active(), 1)
	assert.Equal(t, prior.Regularization, gb.Priors.Active()[0].Kind())
	assert.Empty(t, ga.Priors.Active())
}

func TestBuildPriorErrors(t *testing.T) {
	f := parse(t, twoStars)
	f.Priors = []PriorBlock{{Kind: "tikhonov", Parameter: "c.x"}}
	_, err := Build(f)
	assert.ErrorContains(t, err, "unknown parameter")

	f.Priors = []PriorBlock{{Kind: "gaussian", Parameter: "a.x"}}
	_, err = Build(f)
	assert.ErrorContains(t, err, "needs a sigma")
}

func TestBuildRequiresProfileSize(t *testing.T) {
	f := parse(t, twoStars)
	f.Sources[1].Radius = nil
	_, err := Build(f)
	assert.ErrorContains(t, err, "needs a radius")
}

func TestSceneFitRecoversStar(t *testing.T) {
	f := parse(t, `
seed = 3
sky  = { r = 5 }

frame "r" {
  width    = 25
  height   = 25
  psf_fwhm = 2.5
  noise    = 1
  scale    = 2
  offset_x = 2
  offset_y = 1
}

source "s" {
  kind = "point"
  x    = 5.2
  y    = 6.1
  flux = { r = 2500 }
}
`)
	sc, err := Build(f)
	require.NoError(t, err)
	require.Len(t, sc.Groups, 1)
	g := sc.Groups[0]
	require.Len(t, g.Sources, 2)
	assert.Equal(t, "sky", g.Sources[1].ID)

	px, py := sc.Frames[0].ToPixel(5.2, 6.1)
	assert.InDelta(t, 12.4, px, 1e-12)
	assert.InDelta(t, 13.2, py, 1e-12)

	out := group.Fit(context.Background(), g, group.DefaultOptions())
	require.Equal(t, fit.StatusConverged, out.Status, "err=%v", out.Err)
	got := make(map[string]group.Estimate)
	for _, sr := range out.Sources {
		for _, e := range sr.Bands["r"] {
			got[e.Name] = e
		}
	}
	assert.InDelta(t, 5.2, got["s.x"].Value, 0.05)
	assert.InDelta(t, 6.1, got["s.y"].Value, 0.05)
	assert.InDelta(t, 2500, got["s.flux.r"].Value, 150)
	assert.InDelta(t, 5, got["s.sky.r"].Value, 0.5)
	assert.Greater(t, got["s.flux.r"].Sigma, 0.0)
}

func TestFrameTransform(t *testing.T) {
	sc, err := Build(parse(t, `
frame "r" {
  width    = 24
  height   = 24
  psf_fwhm = 2
  noise    = 1
  scale    = 2
  rotation = radians(90)
  offset_x = 20
}
`))
	require.NoError(t, err)
	require.NotNil(t, sc.Frames[0].Transform)
	px, py := sc.Frames[0].ToPixel(3, 4)
	assert.InDelta(t, 12, px, 1e-9)
	assert.InDelta(t, 6, py, 1e-9)
	assert.InDelta(t, 0.25, sc.Frames[0].PixelArea(), 1e-12)
	assert.Empty(t, sc.Groups)
}
