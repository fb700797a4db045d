package param

import (
	"fmt"
	"sort"
	"strings"
)

// Graph declares parameters by name. Dependent parameters may reference
// inputs declared later; Build resolves the references and rejects cycles.
type Graph struct {
	params  []*Parameter
	byName  map[string]*Parameter
	pending map[*Parameter][]string
	built   bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byName:  make(map[string]*Parameter),
		pending: make(map[*Parameter][]string),
	}
}

func (g *Graph) add(p *Parameter) (*Parameter, error) {
	if _, dup := g.byName[p.name]; dup {
		return nil, &ConfigError{Name: p.name, Err: fmt.Errorf("%w: duplicate name", ErrInvalidParameter)}
	}
	g.byName[p.name] = p
	g.params = append(g.params, p)
	g.built = false
	return p, nil
}

// Constant declares a constant parameter.
func (g *Graph) Constant(name string, value float64) (*Parameter, error) {
	p, err := NewConstant(name, value)
	if err != nil {
		return nil, err
	}
	return g.add(p)
}

// Free declares a free parameter.
func (g *Graph) Free(name string, initial float64, r Range) (*Parameter, error) {
	p, err := NewFree(name, initial, r)
	if err != nil {
		return nil, err
	}
	return g.add(p)
}

// Dependent declares a dependent parameter whose inputs are named.
func (g *Graph) Dependent(name string, fn Func, inputs ...string) (*Parameter, error) {
	if fn == nil {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: nil function", ErrInvalidParameter)}
	}
	if len(inputs) == 0 {
		return nil, &ConfigError{Name: name, Err: fmt.Errorf("%w: dependent without inputs", ErrInvalidParameter)}
	}
	p := &Parameter{name: name, kind: Dependent, fn: fn}
	if _, err := g.add(p); err != nil {
		return nil, err
	}
	g.pending[p] = inputs
	return p, nil
}

// Alias declares a dependent parameter equal to the named input.
func (g *Graph) Alias(name, input string) (*Parameter, error) {
	p, err := g.Dependent(name, func(in []float64) float64 { return in[0] }, input)
	if err != nil {
		return nil, err
	}
	p.identity = true
	return p, nil
}

// Lookup returns the parameter declared under name.
func (g *Graph) Lookup(name string) (*Parameter, bool) {
	p, ok := g.byName[name]
	return p, ok
}

// Parameters returns all declared parameters in declaration order.
func (g *Graph) Parameters() []*Parameter {
	out := make([]*Parameter, len(g.params))
	copy(out, g.params)
	return out
}

// Build resolves input names and checks the dependency graph is acyclic.
func (g *Graph) Build() error {
	// Deterministic order for error messages.
	deps := make([]*Parameter, 0, len(g.pending))
	for p := range g.pending {
		deps = append(deps, p)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].name < deps[j].name })

	for _, p := range deps {
		names := g.pending[p]
		inputs := make([]*Parameter, len(names))
		for i, n := range names {
			in, ok := g.byName[n]
			if !ok {
				return &ConfigError{Name: p.name, Err: fmt.Errorf("%w: unknown input %q", ErrInvalidParameter, n)}
			}
			inputs[i] = in
		}
		p.inputs = inputs
	}
	if _, err := topoSort(g.params, declaredInputs); err != nil {
		return err
	}
	g.pending = make(map[*Parameter][]string)
	g.built = true
	return nil
}

// Built reports whether Build succeeded since the last declaration.
func (g *Graph) Built() bool { return g.built }

// topoSort orders params so every parameter follows its inputs. Inputs not
// in params are pulled in. Uses a three-colour depth-first walk.
func topoSort(params []*Parameter, inputsOf func(*Parameter) []*Parameter) ([]*Parameter, error) {
	const (
		white = iota
		grey
		black
	)
	state := make(map[*Parameter]int)
	var order []*Parameter

	var visit func(p *Parameter, path []*Parameter) error
	visit = func(p *Parameter, path []*Parameter) error {
		switch state[p] {
		case black:
			return nil
		case grey:
			return &ConfigError{Name: p.name, Err: fmt.Errorf("%w: %s", ErrCycle, cyclePath(path, p))}
		}
		state[p] = grey
		path = append(path, p)
		for _, in := range inputsOf(p) {
			if err := visit(in, path); err != nil {
				return err
			}
		}
		state[p] = black
		order = append(order, p)
		return nil
	}

	for _, p := range params {
		if p.kind == Dependent && p.inputs == nil {
			return nil, &ConfigError{Name: p.name, Err: fmt.Errorf("%w: unresolved inputs (graph not built)", ErrInvalidParameter)}
		}
		if err := visit(p, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func declaredInputs(p *Parameter) []*Parameter { return p.inputs }

func cyclePath(path []*Parameter, back *Parameter) string {
	start := 0
	for i, p := range path {
		if p == back {
			start = i
		}
	}
	var sb strings.Builder
	for _, p := range path[start:] {
		sb.WriteString(p.name)
		sb.WriteString(" -> ")
	}
	sb.WriteString(back.name)
	return sb.String()
}
