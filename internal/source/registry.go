package source

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/browser"
)

// Registry holds adapters in registration order.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a. A second adapter with the same name replaces the first
// but keeps its position.
func (r *Registry) Register(a Adapter) {
	name := a.Name()
	if _, ok := r.adapters[name]; !ok {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Errorf("source: unknown adapter %q", name)
	}
	return a, nil
}

// All returns every adapter in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns adapter names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of adapters.
func (r *Registry) Len() int { return len(r.order) }

// Select returns the named adapters, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		a, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Build creates a registry with one adapter per site.
func Build(sites []Site, b browser.Browser, opts Options) (*Registry, error) {
	r := NewRegistry()
	for _, s := range sites {
		a, err := New(s, b, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "source: build %s", s.Name)
		}
		r.Register(a)
	}
	return r, nil
}
