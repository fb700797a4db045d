package param

import (
	"fmt"
	"math"
)

// minDerivative keeps d(external)/d(internal) strictly positive once the
// analytic value underflows.
const minDerivative = 0x1p-1022

// Transform maps an unconstrained internal coordinate to an external value.
// Implementations are strictly increasing.
type Transform interface {
	ToExternal(internal float64) float64
	ToInternal(external float64) float64
	// Derivative returns d(external)/d(internal) at the given internal value.
	Derivative(internal float64) float64
}

// Range declares the admissible external interval of a free parameter.
// Infinite bounds mean "unbounded on that side".
type Range struct {
	Lower float64
	Upper float64
	// Logarithmic selects a sigmoid in log space for positive, fully
	// bounded ranges spanning several decades.
	Logarithmic bool
}

// Unbounded returns a range with no bounds (identity transform).
func Unbounded() Range {
	return Range{Lower: math.Inf(-1), Upper: math.Inf(1)}
}

// Above returns a range bounded below by lo.
func Above(lo float64) Range {
	return Range{Lower: lo, Upper: math.Inf(1)}
}

// Below returns a range bounded above by hi.
func Below(hi float64) Range {
	return Range{Lower: math.Inf(-1), Upper: hi}
}

// Between returns the open interval (lo, hi).
func Between(lo, hi float64) Range {
	return Range{Lower: lo, Upper: hi}
}

// LogBetween returns the open interval (lo, hi) mapped in log space.
// Requires 0 < lo < hi.
func LogBetween(lo, hi float64) Range {
	return Range{Lower: lo, Upper: hi, Logarithmic: true}
}

// Contains reports whether v lies strictly inside the range.
func (r Range) Contains(v float64) bool {
	return v > r.Lower && v < r.Upper
}

func (r Range) String() string {
	if r.Logarithmic {
		return fmt.Sprintf("log(%g, %g)", r.Lower, r.Upper)
	}
	return fmt.Sprintf("(%g, %g)", r.Lower, r.Upper)
}

// Validate checks that the range is well formed.
func (r Range) Validate() error {
	if math.IsNaN(r.Lower) || math.IsNaN(r.Upper) {
		return fmt.Errorf("%w: NaN bound in %s", ErrInvalidRange, r)
	}
	if r.Lower >= r.Upper {
		return fmt.Errorf("%w: lower %g >= upper %g", ErrInvalidRange, r.Lower, r.Upper)
	}
	if r.Logarithmic {
		if r.Lower <= 0 || math.IsInf(r.Upper, 1) {
			return fmt.Errorf("%w: logarithmic range needs 0 < lower < upper < inf, got %s", ErrInvalidRange, r)
		}
	}
	return nil
}

// Transform returns the transform implied by the range policy:
// identity when unbounded, logarithmic when half-bounded, sigmoid when
// fully bounded.
func (r Range) Transform() (Transform, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	lowInf := math.IsInf(r.Lower, -1)
	highInf := math.IsInf(r.Upper, 1)
	switch {
	case r.Logarithmic:
		return logSigmoid{lo: math.Log(r.Lower), hi: math.Log(r.Upper), min: r.Lower, max: r.Upper}, nil
	case lowInf && highInf:
		return identity{}, nil
	case highInf:
		return lowerLog{lo: r.Lower}, nil
	case lowInf:
		return upperLog{hi: r.Upper}, nil
	default:
		return sigmoid{lo: r.Lower, hi: r.Upper}, nil
	}
}

type identity struct{}

func (identity) ToExternal(u float64) float64 { return u }
func (identity) ToInternal(v float64) float64 { return v }
func (identity) Derivative(float64) float64   { return 1 }

// lowerLog: v = lo + e^u.
type lowerLog struct{ lo float64 }

func (t lowerLog) ToExternal(u float64) float64 {
	v := t.lo + math.Exp(u)
	switch {
	case v <= t.lo:
		v = math.Nextafter(t.lo, math.Inf(1))
	case math.IsInf(v, 1):
		v = math.MaxFloat64
	}
	return v
}

func (t lowerLog) ToInternal(v float64) float64 {
	return math.Log(v - t.lo)
}

func (t lowerLog) Derivative(u float64) float64 {
	return clampDerivative(math.Exp(u))
}

// upperLog: v = hi - e^-u.
type upperLog struct{ hi float64 }

func (t upperLog) ToExternal(u float64) float64 {
	v := t.hi - math.Exp(-u)
	switch {
	case v >= t.hi:
		v = math.Nextafter(t.hi, math.Inf(-1))
	case math.IsInf(v, -1):
		v = -math.MaxFloat64
	}
	return v
}

func (t upperLog) ToInternal(v float64) float64 {
	return -math.Log(t.hi - v)
}

func (t upperLog) Derivative(u float64) float64 {
	return clampDerivative(math.Exp(-u))
}

// sigmoid: v = lo + (hi-lo) * logistic(u).
type sigmoid struct{ lo, hi float64 }

func (t sigmoid) ToExternal(u float64) float64 {
	return squeeze(t.lo+(t.hi-t.lo)*logistic(u), t.lo, t.hi)
}

func (t sigmoid) ToInternal(v float64) float64 {
	return math.Log(v-t.lo) - math.Log(t.hi-v)
}

func (t sigmoid) Derivative(u float64) float64 {
	s := logistic(u)
	return clampDerivative((t.hi - t.lo) * s * logistic(-u))
}

// logSigmoid: v = exp(lo + (hi-lo) * logistic(u)) with lo/hi in log space.
type logSigmoid struct{ lo, hi, min, max float64 }

func (t logSigmoid) ToExternal(u float64) float64 {
	return squeeze(math.Exp(t.lo+(t.hi-t.lo)*logistic(u)), t.min, t.max)
}

func (t logSigmoid) ToInternal(v float64) float64 {
	lv := math.Log(v)
	return math.Log(lv-t.lo) - math.Log(t.hi-lv)
}

func (t logSigmoid) Derivative(u float64) float64 {
	v := math.Exp(t.lo + (t.hi-t.lo)*logistic(u))
	return clampDerivative(v * (t.hi - t.lo) * logistic(u) * logistic(-u))
}

// logistic evaluates 1/(1+e^-u) without overflow for large |u|.
func logistic(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}
	e := math.Exp(u)
	return e / (1 + e)
}

// squeeze keeps v one ulp inside (lo, hi).
func squeeze(v, lo, hi float64) float64 {
	if v <= lo {
		return math.Nextafter(lo, hi)
	}
	if v >= hi {
		return math.Nextafter(hi, lo)
	}
	return v
}

func clampDerivative(d float64) float64 {
	if d < minDerivative || math.IsNaN(d) {
		return minDerivative
	}
	if math.IsInf(d, 1) {
		return math.MaxFloat64
	}
	return d
}
