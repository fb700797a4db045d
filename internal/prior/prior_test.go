package prior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/internal/param"
)

type values map[*param.Parameter]float64

func (v values) Value(p *param.Parameter) float64 { return v[p] }

func params(t *testing.T) (*param.Parameter, *param.Parameter) {
	t.Helper()
	n, err := param.NewFree("n", 2, param.Between(0.3, 8))
	require.NoError(t, err)
	re, err := param.NewFree("re", 3, param.Above(0))
	require.NoError(t, err)
	return n, re
}

func TestPenalties(t *testing.T) {
	n, re := params(t)
	v := values{n: 6, re: 3}

	tik, err := NewTikhonov(n, 4, 0.25)
	require.NoError(t, err)
	gau, err := NewGaussian(re, 2, 0.5)
	require.NoError(t, err)
	cus, err := NewCustom("size", func(in []float64) float64 { return in[0] * in[1] }, n, re)
	require.NoError(t, err)

	s := NewSet(tik, gau, cus)
	assert.Equal(t, 3, s.Len())
	// 0.25*(6-4)^2 + ((3-2)/0.5)^2 + 6*3
	assert.InDelta(t, 1+4+18, s.Penalty(v), 1e-12)

	res := make([]float64, 3)
	s.Residuals(v, res)
	assert.InDelta(t, 1, res[0], 1e-12)
	assert.InDelta(t, 2, res[1], 1e-12)
}

func TestCustomNegativePenaltyIsClamped(t *testing.T) {
	n, _ := params(t)
	cus, err := NewCustom("neg", func(in []float64) float64 { return -in[0] }, n)
	require.NoError(t, err)
	out := make([]float64, 1)
	cus.Residuals(values{n: 2}, out)
	assert.Equal(t, 0.0, out[0])
}

func TestCustomResidualKeepsSign(t *testing.T) {
	n, _ := params(t)
	signed, err := NewCustomResidual("near4", func(in []float64) float64 { return in[0] - 4 }, n)
	require.NoError(t, err)
	squared, err := NewCustom("near4", func(in []float64) float64 { return (in[0] - 4) * (in[0] - 4) }, n)
	require.NoError(t, err)
	assert.Equal(t, Custom, signed.Kind())

	out := make([]float64, 1)
	for _, x := range []float64{3.5, 4.5} {
		signed.Residuals(values{n: x}, out)
		assert.InDelta(t, x-4, out[0], 1e-12)
		// The penalty form only sees the magnitude.
		squared.Residuals(values{n: x}, out)
		assert.InDelta(t, 0.5, out[0], 1e-12)
	}
	assert.InDelta(t, 0.25, NewSet(signed).Penalty(values{n: 3.5}), 1e-12)

	_, err = NewCustomResidual("x", nil, n)
	assert.Error(t, err)
}

func TestTogglesPerParameterAndKind(t *testing.T) {
	n, re := params(t)
	tik, err := NewTikhonov(n, 4, 1)
	require.NoError(t, err)
	cus, err := NewCustom("pair", func(in []float64) float64 { return in[0] + in[1] }, n, re)
	require.NoError(t, err)
	s := NewSet(tik, cus)

	s.Disable(n, Regularization)
	assert.Equal(t, []Prior{cus}, s.Active())

	s.Disable(re, Custom)
	assert.Empty(t, s.Active())
	assert.Equal(t, 0.0, s.Penalty(values{n: 1, re: 1}))

	s.Enable(n)
	assert.Equal(t, []Prior{tik}, s.Active())
	s.Enable(re)
	assert.Len(t, s.Active(), 2)

	s.Disable(n)
	assert.Empty(t, s.Active())
}

func TestInvalidDeclarations(t *testing.T) {
	n, _ := params(t)
	_, err := NewTikhonov(n, 0, -1)
	assert.Error(t, err)
	_, err = NewGaussian(n, 0, 0)
	assert.Error(t, err)
	_, err = NewCustom("x", nil, n)
	assert.Error(t, err)
	_, err = NewCustom("x", func([]float64) float64 { return 0 })
	assert.Error(t, err)

	var nilSet *Set
	assert.Equal(t, 0, nilSet.Len())
}
