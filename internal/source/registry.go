package source

import (
	"github.com/rotisserie/eris"

	"github.com/ohdsi/load-euctr/internal/config"
)

// Registry maps source names to their implementations.
type Registry struct {
	sources map[string]Source
	order   []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry with every configured registry API.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	r.Register(NewCTIS(cfg.CTIS.BaseURL, cfg.CTIS.PageSize))
	r.Register(NewEUCTR(cfg.EUCTR.SearchURL))
	return r
}

// Register adds a source to the registry.
func (r *Registry) Register(s Source) {
	name := s.Name()
	if _, ok := r.sources[name]; !ok {
		r.order = append(r.order, name)
	}
	r.sources[name] = s
}

// Get returns a source by name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q (valid: %v)", name, r.order)
	}
	return s, nil
}

// Names returns all registered source names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
