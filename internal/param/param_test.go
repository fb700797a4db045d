package param

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeTransformPolicy(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		want Transform
	}{
		{"unbounded", Unbounded(), identity{}},
		{"lower", Above(0), lowerLog{lo: 0}},
		{"upper", Below(5), upperLog{hi: 5}},
		{"both", Between(-1, 1), sigmoid{lo: -1, hi: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := tt.r.Transform()
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr)
		})
	}
}

func TestInvalidRangeFailsAtConstruction(t *testing.T) {
	for _, r := range []Range{Between(1, 1), Between(2, 1), Between(math.NaN(), 1), LogBetween(0, 10), LogBetween(1, math.Inf(1))} {
		_, err := NewFree("p", 0.5, r)
		require.Error(t, err, "range %s", r)
		assert.ErrorIs(t, err, ErrInvalidRange)

		var cfg *ConfigError
		require.ErrorAs(t, err, &cfg)
		assert.Equal(t, "p", cfg.Name)
	}

	_, err := NewFree("q", 3, Between(0, 1))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestBoundedValuesStayStrictlyInside(t *testing.T) {
	ranges := []Range{Above(2), Below(-3), Between(0, 1), Between(-5, 12), LogBetween(1e-3, 1e4)}
	for _, r := range ranges {
		tr, err := r.Transform()
		require.NoError(t, err)
		for u := -2000.0; u <= 2000.0; u += 0.73 {
			v := tr.ToExternal(u)
			assert.True(t, v > r.Lower && v < r.Upper, "%s: u=%g gave %g", r, u, v)

			d := tr.Derivative(u)
			assert.True(t, d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d), "%s: derivative %g at u=%g", r, d, u)
		}
	}
}

func TestTransformRoundTrip(t *testing.T) {
	ranges := []Range{Unbounded(), Above(2), Below(-3), Between(0, 1), Between(-5, 12), LogBetween(1e-3, 1e4)}
	for _, r := range ranges {
		tr, err := r.Transform()
		require.NoError(t, err)
		for u := -15.0; u <= 15.0; u += 0.25 {
			got := tr.ToInternal(tr.ToExternal(u))
			assert.InDelta(t, u, got, 1e-6*math.Max(1, math.Abs(u)), "%s at u=%g", r, u)
		}
	}
}

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	ranges := []Range{Above(2), Below(-3), Between(0, 1), LogBetween(0.1, 100)}
	const h = 1e-6
	for _, r := range ranges {
		tr, err := r.Transform()
		require.NoError(t, err)
		for _, u := range []float64{-3, -0.5, 0, 0.7, 2.5} {
			num := (tr.ToExternal(u+h) - tr.ToExternal(u-h)) / (2 * h)
			assert.InEpsilon(t, num, tr.Derivative(u), 1e-5, "%s at u=%g", r, u)
		}
	}
}

func TestGraphDetectsCycles(t *testing.T) {
	g := NewGraph()
	sum := func(in []float64) float64 { return in[0] + in[1] }
	_, err := g.Free("x", 1, Unbounded())
	require.NoError(t, err)
	_, err = g.Dependent("a", sum, "x", "b")
	require.NoError(t, err)
	_, err = g.Dependent("b", sum, "x", "a")
	require.NoError(t, err)

	err = g.Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestGraphUnknownInput(t *testing.T) {
	g := NewGraph()
	_, err := g.Alias("y", "missing")
	require.NoError(t, err)
	err = g.Build()
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.Contains(t, err.Error(), "missing")
}

func TestGraphAliasFollowsInput(t *testing.T) {
	g := NewGraph()
	y, err := g.Alias("g.x", "r.x")
	require.NoError(t, err)
	x, err := g.Free("r.x", 4, Unbounded())
	require.NoError(t, err)
	require.NoError(t, g.Build())
	assert.True(t, y.IsIdentity())

	s, err := NewSpace([]*Parameter{x, y})
	require.NoError(t, err)
	require.Equal(t, []*Parameter{x}, s.Free())
	e := s.NewEvaluator()
	assert.Equal(t, 4.0, e.Value(y))
	e.SetInternal([]float64{-1.5})
	assert.Equal(t, -1.5, e.Value(y))
	assert.True(t, s.LinearlyAffected(0))
}

func TestGraphForwardReference(t *testing.T) {
	g := NewGraph()
	ratio, err := g.Dependent("flux_r", func(in []float64) float64 { return in[0] * in[1] }, "flux_g", "color")
	require.NoError(t, err)
	_, err = g.Free("flux_g", 100, Above(0))
	require.NoError(t, err)
	_, err = g.Constant("color", 0.5)
	require.NoError(t, err)
	require.NoError(t, g.Build())
	assert.True(t, g.Built())

	s, err := NewSpace([]*Parameter{ratio})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	e := s.NewEvaluator()
	assert.InDelta(t, 50, e.Value(ratio), 1e-9)
}

func TestSpaceDependentLazyRecompute(t *testing.T) {
	x, err := NewFree("x", 2, Unbounded())
	require.NoError(t, err)
	c := MustConstant("c", 10)
	calls := 0
	d, err := NewDependent("d", func(in []float64) float64 {
		calls++
		return in[0] * in[1]
	}, x, c)
	require.NoError(t, err)

	s, err := NewSpace([]*Parameter{d})
	require.NoError(t, err)
	require.Equal(t, []*Parameter{x}, s.Free())

	e := s.NewEvaluator()
	assert.Equal(t, 20.0, e.Value(d))
	assert.Equal(t, 20.0, e.Value(d))
	assert.Equal(t, 1, calls, "unchanged inputs must not recompute")

	e.SetInternal([]float64{2})
	assert.Equal(t, 20.0, e.Value(d))
	assert.Equal(t, 1, calls)

	e.SetInternal([]float64{3})
	assert.Equal(t, 30.0, e.Value(d))
	assert.Equal(t, 2, calls)

	f := e.Fork()
	f.SetInternal([]float64{4})
	assert.Equal(t, 40.0, f.Value(d))
	assert.Equal(t, 30.0, e.Value(d))
}

func TestSpaceFreeParametersOnce(t *testing.T) {
	x, _ := NewFree("x", 1, Unbounded())
	y, _ := NewFree("y", 1, Unbounded())
	d, _ := NewDependent("d", func(in []float64) float64 { return in[0] + in[1] }, x, y)

	s, err := NewSpace([]*Parameter{x, d, y, x})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 0, s.FreeIndex(x))
	assert.Equal(t, 1, s.FreeIndex(y))
	assert.Equal(t, -1, s.FreeIndex(d))
}

func TestSpaceTies(t *testing.T) {
	xg, _ := NewFree("x_g", 10, Between(0, 20))
	xr, _ := NewFree("x_r", 11, Between(0, 20))

	s, err := NewSpace([]*Parameter{xg, xr}, Tie{Dst: xr, Src: xg})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, Dependent, s.EffectiveKind(xr))
	assert.True(t, s.LinearlyAffected(0))

	e := s.NewEvaluator()
	assert.InDelta(t, 10, e.Value(xr), 1e-12)

	x := s.Initial()
	x[0] += 0.5
	e.SetInternal(x)
	assert.Equal(t, e.Value(xg), e.Value(xr))
}

func TestSpaceTieCycle(t *testing.T) {
	a, _ := NewFree("a", 1, Unbounded())
	b, _ := NewFree("b", 1, Unbounded())
	_, err := NewSpace([]*Parameter{a, b}, Tie{Dst: a, Src: b}, Tie{Dst: b, Src: a})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestLinearlyAffected(t *testing.T) {
	x, _ := NewFree("x", 1, Unbounded())
	sq, _ := NewDependent("sq", func(in []float64) float64 { return in[0] * in[0] }, x)
	s, err := NewSpace([]*Parameter{sq})
	require.NoError(t, err)
	assert.False(t, s.LinearlyAffected(0))
	assert.ElementsMatch(t, []*Parameter{x, sq}, s.Affected(0))
}

func TestToInternalRejectsOutOfRange(t *testing.T) {
	x, _ := NewFree("x", 0.5, Between(0, 1))
	s, err := NewSpace([]*Parameter{x})
	require.NoError(t, err)

	_, err = s.ToInternal([]float64{1})
	assert.ErrorIs(t, err, ErrInvalidRange)

	in, err := s.ToInternal([]float64{0.25})
	require.NoError(t, err)
	e := s.NewEvaluator()
	e.SetInternal(in)
	assert.InDelta(t, 0.25, e.Value(x), 1e-12)
}
