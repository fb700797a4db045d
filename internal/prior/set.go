package prior

import "sourcefit/internal/param"

type toggle struct {
	p    *param.Parameter
	kind Kind
}

// Set collects the priors of a fit. Priors can be switched off per
// parameter and mechanism; a prior reading any switched-off parameter is
// skipped entirely.
type Set struct {
	priors []Prior
	off    map[toggle]bool
}

// NewSet builds a set with every prior enabled.
func NewSet(priors ...Prior) *Set {
	return &Set{priors: priors, off: make(map[toggle]bool)}
}

// Add appends priors.
func (s *Set) Add(priors ...Prior) {
	s.priors = append(s.priors, priors...)
}

// Disable switches off the given mechanisms on p; with no kinds, both.
func (s *Set) Disable(p *param.Parameter, kinds ...Kind) {
	s.set(p, true, kinds)
}

// Enable switches the given mechanisms on p back on; with no kinds, both.
func (s *Set) Enable(p *param.Parameter, kinds ...Kind) {
	s.set(p, false, kinds)
}

func (s *Set) set(p *param.Parameter, off bool, kinds []Kind) {
	if len(kinds) == 0 {
		kinds = []Kind{Regularization, Custom}
	}
	for _, k := range kinds {
		if off {
			s.off[toggle{p, k}] = true
		} else {
			delete(s.off, toggle{p, k})
		}
	}
}

// Enabled reports whether pr is active.
func (s *Set) Enabled(pr Prior) bool {
	for _, p := range pr.Parameters() {
		if s.off[toggle{p, pr.Kind()}] {
			return false
		}
	}
	return true
}

// Active returns the enabled priors, in insertion order.
func (s *Set) Active() []Prior {
	if s == nil {
		return nil
	}
	var out []Prior
	for _, pr := range s.priors {
		if s.Enabled(pr) {
			out = append(out, pr)
		}
	}
	return out
}

// Len returns the number of residuals of the active priors.
func (s *Set) Len() int {
	n := 0
	for _, pr := range s.Active() {
		n += pr.Len()
	}
	return n
}

// Residuals writes the residuals of the active priors into out.
func (s *Set) Residuals(v param.Values, out []float64) {
	k := 0
	for _, pr := range s.Active() {
		pr.Residuals(v, out[k:k+pr.Len()])
		k += pr.Len()
	}
}

// Penalty returns the total penalty of the active priors at v.
func (s *Set) Penalty(v param.Values) float64 {
	res := make([]float64, s.Len())
	s.Residuals(v, res)
	sum := 0.0
	for _, r := range res {
		sum += r * r
	}
	return sum
}
