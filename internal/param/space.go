package param

import (
	"fmt"
	"math"
)

// Tie forces Dst to take the value of Src within a Space. Dst is removed from
// the minimizer vector; it behaves as an identity dependent of Src.
type Tie struct {
	Dst *Parameter
	Src *Parameter
}

type node struct {
	p        *Parameter
	kind     Kind
	inputs   []int
	fn       Func
	identity bool
	free     int // position in the internal vector, -1 otherwise
}

// Space is the ordered view over a set of parameters that a minimizer
// operates on. It owns no parameters and is immutable once built, so one
// Space may back several Evaluators concurrently.
type Space struct {
	nodes    []node
	index    map[*Parameter]int
	free     []int   // node index per internal coordinate
	children [][]int // node index -> dependent node indices
}

// NewSpace collects params and everything they depend on, applies ties and
// orders the result topologically. Free parameters reachable from params
// appear exactly once in the internal vector, in first-seen order.
func NewSpace(params []*Parameter, ties ...Tie) (*Space, error) {
	tied := make(map[*Parameter]*Parameter, len(ties))
	for _, t := range ties {
		if t.Dst == nil || t.Src == nil {
			return nil, fmt.Errorf("%w: tie with nil parameter", ErrInvalidParameter)
		}
		if t.Dst == t.Src {
			continue
		}
		if t.Dst.kind == Dependent {
			return nil, &ConfigError{Name: t.Dst.name, Err: fmt.Errorf("%w: cannot tie a dependent parameter", ErrInvalidParameter)}
		}
		if prev, dup := tied[t.Dst]; dup && prev != t.Src {
			return nil, &ConfigError{Name: t.Dst.name, Err: fmt.Errorf("%w: tied to both %q and %q", ErrInvalidParameter, prev.name, t.Src.name)}
		}
		tied[t.Dst] = t.Src
	}

	inputsOf := func(p *Parameter) []*Parameter {
		if src, ok := tied[p]; ok {
			return []*Parameter{src}
		}
		return p.inputs
	}

	seeds := make([]*Parameter, 0, len(params)+len(ties))
	seeds = append(seeds, params...)
	for _, t := range ties {
		seeds = append(seeds, t.Dst)
	}
	order, err := topoSort(seeds, inputsOf)
	if err != nil {
		return nil, err
	}

	s := &Space{
		nodes: make([]node, len(order)),
		index: make(map[*Parameter]int, len(order)),
	}
	for i, p := range order {
		s.index[p] = i
	}

	// Internal vector order follows first appearance in params so that the
	// caller controls it; the topological order is only for evaluation.
	freePos := make(map[*Parameter]int)
	var walk func(p *Parameter)
	seen := make(map[*Parameter]bool)
	walk = func(p *Parameter) {
		if seen[p] {
			return
		}
		seen[p] = true
		if _, isTied := tied[p]; !isTied && p.kind == Free {
			freePos[p] = len(s.free)
			s.free = append(s.free, s.index[p])
		}
		for _, in := range inputsOf(p) {
			walk(in)
		}
	}
	for _, p := range seeds {
		walk(p)
	}

	s.children = make([][]int, len(order))
	for i, p := range order {
		n := node{p: p, kind: p.kind, fn: p.fn, identity: p.identity, free: -1}
		if src, ok := tied[p]; ok {
			n.kind = Dependent
			n.identity = true
			n.fn = func(in []float64) float64 { return in[0] }
			n.inputs = []int{s.index[src]}
		} else {
			for _, in := range p.inputs {
				n.inputs = append(n.inputs, s.index[in])
			}
		}
		if pos, ok := freePos[p]; ok {
			n.free = pos
		}
		for _, in := range n.inputs {
			s.children[in] = append(s.children[in], i)
		}
		s.nodes[i] = n
	}
	return s, nil
}

// Len returns the number of internal coordinates.
func (s *Space) Len() int { return len(s.free) }

// Free returns the free parameters in internal-vector order.
func (s *Space) Free() []*Parameter {
	out := make([]*Parameter, len(s.free))
	for k, i := range s.free {
		out[k] = s.nodes[i].p
	}
	return out
}

// Parameters returns every parameter of the space in evaluation order.
func (s *Space) Parameters() []*Parameter {
	out := make([]*Parameter, len(s.nodes))
	for i := range s.nodes {
		out[i] = s.nodes[i].p
	}
	return out
}

// Contains reports whether p belongs to the space.
func (s *Space) Contains(p *Parameter) bool {
	_, ok := s.index[p]
	return ok
}

// FreeIndex returns the internal-vector position of p, or -1 when p is not
// an optimized coordinate (constant, dependent or tied).
func (s *Space) FreeIndex(p *Parameter) int {
	i, ok := s.index[p]
	if !ok {
		return -1
	}
	return s.nodes[i].free
}

// EffectiveKind returns the kind of p inside the space; tied parameters are
// reported as Dependent.
func (s *Space) EffectiveKind(p *Parameter) Kind {
	i, ok := s.index[p]
	if !ok {
		return p.kind
	}
	return s.nodes[i].kind
}

// Initial returns the internal coordinates of the declared initial values.
func (s *Space) Initial() []float64 {
	x := make([]float64, len(s.free))
	for k, i := range s.free {
		p := s.nodes[i].p
		x[k] = p.transform.ToInternal(p.value)
	}
	return x
}

// ToInternal maps external values of the free parameters to internal
// coordinates.
func (s *Space) ToInternal(external []float64) ([]float64, error) {
	if len(external) != len(s.free) {
		return nil, fmt.Errorf("%w: got %d values for %d free parameters", ErrInvalidParameter, len(external), len(s.free))
	}
	x := make([]float64, len(s.free))
	for k, i := range s.free {
		p := s.nodes[i].p
		if !p.rng.Contains(external[k]) {
			return nil, &ConfigError{Name: p.name, Err: fmt.Errorf("%w: value %g outside %s", ErrInvalidRange, external[k], p.rng)}
		}
		x[k] = p.transform.ToInternal(external[k])
	}
	return x, nil
}

// Derivative returns d(external)/d(internal) of coordinate k at x[k].
func (s *Space) Derivative(k int, x []float64) float64 {
	return s.nodes[s.free[k]].p.transform.Derivative(x[k])
}

// Affected returns the parameters whose value depends on coordinate k,
// including the free parameter itself, in evaluation order.
func (s *Space) Affected(k int) []*Parameter {
	start := s.free[k]
	mark := make([]bool, len(s.nodes))
	var walk func(i int)
	walk = func(i int) {
		if mark[i] {
			return
		}
		mark[i] = true
		for _, c := range s.children[i] {
			walk(c)
		}
	}
	walk(start)
	var out []*Parameter
	for i, m := range mark {
		if m {
			out = append(out, s.nodes[i].p)
		}
	}
	return out
}

// LinearlyAffected reports whether every parameter affected by coordinate k
// is either the free parameter itself or an identity copy of it, so that
// d(value)/d(external_k) is exactly 1 for all of them.
func (s *Space) LinearlyAffected(k int) bool {
	start := s.free[k]
	for _, p := range s.Affected(k) {
		i := s.index[p]
		if i == start {
			continue
		}
		if !s.nodes[i].identity {
			return false
		}
	}
	return true
}

// NewEvaluator returns an evaluator positioned at the initial values.
func (s *Space) NewEvaluator() *Evaluator {
	e := &Evaluator{
		s:      s,
		x:      s.Initial(),
		values: make([]float64, len(s.nodes)),
		fresh:  make([]bool, len(s.nodes)),
	}
	for i, n := range s.nodes {
		if n.kind == Constant {
			e.values[i] = n.p.value
			e.fresh[i] = true
		}
	}
	for k, i := range s.free {
		e.values[i] = s.nodes[i].p.transform.ToExternal(e.x[k])
		e.fresh[i] = true
	}
	return e
}

// Evaluator holds the values of one in-flight fit. Dependent values are
// recomputed lazily, only after an upstream coordinate changed. An
// Evaluator is not safe for concurrent use; Fork one per goroutine.
type Evaluator struct {
	s      *Space
	x      []float64
	values []float64
	fresh  []bool
}

// Space returns the space the evaluator belongs to.
func (e *Evaluator) Space() *Space { return e.s }

// Fork returns an independent evaluator at the same position.
func (e *Evaluator) Fork() *Evaluator {
	c := &Evaluator{
		s:      e.s,
		x:      append([]float64(nil), e.x...),
		values: append([]float64(nil), e.values...),
		fresh:  append([]bool(nil), e.fresh...),
	}
	return c
}

// Internal returns a copy of the current internal vector.
func (e *Evaluator) Internal() []float64 {
	return append([]float64(nil), e.x...)
}

// SetInternal moves the evaluator to x. Only coordinates that changed
// invalidate their downstream dependents.
func (e *Evaluator) SetInternal(x []float64) {
	for k, v := range x {
		if v == e.x[k] && e.fresh[e.s.free[k]] {
			continue
		}
		e.x[k] = v
		i := e.s.free[k]
		e.values[i] = e.s.nodes[i].p.transform.ToExternal(v)
		e.fresh[i] = true
		e.invalidate(i)
	}
}

func (e *Evaluator) invalidate(i int) {
	// A stale node never has fresh descendants, so the walk stops there.
	for _, c := range e.s.children[i] {
		if e.fresh[c] {
			e.fresh[c] = false
			e.invalidate(c)
		}
	}
}

// Value returns the external value of p, or NaN when p is not part of the
// space.
func (e *Evaluator) Value(p *Parameter) float64 {
	i, ok := e.s.index[p]
	if !ok {
		return math.NaN()
	}
	return e.valueAt(i)
}

func (e *Evaluator) valueAt(i int) float64 {
	if e.fresh[i] {
		return e.values[i]
	}
	n := &e.s.nodes[i]
	in := make([]float64, len(n.inputs))
	for j, idx := range n.inputs {
		in[j] = e.valueAt(idx)
	}
	e.values[i] = n.fn(in)
	e.fresh[i] = true
	return e.values[i]
}

// External returns the external values of all parameters in evaluation
// order (see Space.Parameters).
func (e *Evaluator) External() []float64 {
	out := make([]float64, len(e.s.nodes))
	for i := range e.s.nodes {
		out[i] = e.valueAt(i)
	}
	return out
}

// Snapshot returns the current values keyed by parameter.
func (e *Evaluator) Snapshot() map[*Parameter]float64 {
	out := make(map[*Parameter]float64, len(e.s.nodes))
	for i, n := range e.s.nodes {
		out[n.p] = e.valueAt(i)
	}
	return out
}
