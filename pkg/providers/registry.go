package providers

import (
	"fmt"
	"sort"
)

type Registry struct {
	providers map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Client{}}
}

func (r *Registry) Register(p Client) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Client, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
