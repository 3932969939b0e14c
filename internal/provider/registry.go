package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Auto asks the registry for the current default provider.
const Auto = "auto"

// Info pairs a provider name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Default      bool         `json:"default"`
	Capabilities Capabilities `json:"capabilities"`
}

// Named is a provider together with the name it is registered under.
type Named struct {
	Name     string
	Provider Provider
}

// Registry holds registered providers and resolves which one handles a job.
// The default provider can be switched at runtime.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
	fallbacks []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry under the given name. The first
// registered provider becomes the default until SetDefault is called.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	if r.def == "" {
		r.def = name
	}
}

// SetDefault changes the provider used for "auto" and empty requests.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q is not registered", name)
	}
	r.def = name
	return nil
}

// Default returns the name of the current default provider.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetFallbacks sets the providers tried, in order, after the resolved one fails.
func (r *Registry) SetFallbacks(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), names...)
}

// Has reports whether a provider is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Resolve returns the provider for name. An empty name or "auto" resolves to
// the current default. Returns an error if the provider is not registered.
func (r *Registry) Resolve(name string) (Named, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (Named, error) {
	target := name
	if target == "" || target == Auto {
		target = r.def
	}
	if target == "" {
		return Named{}, fmt.Errorf("no providers registered")
	}
	p, ok := r.providers[target]
	if !ok {
		return Named{}, fmt.Errorf("provider %q is not registered", target)
	}
	return Named{Name: target, Provider: p}, nil
}

// Candidates returns the resolved provider for name followed by the
// registered fallbacks, without duplicates.
func (r *Registry) Candidates(name string) ([]Named, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first, err := r.resolveLocked(name)
	if err != nil {
		return nil, err
	}

	out := []Named{first}
	seen := map[string]bool{first.Name: true}
	for _, fb := range r.fallbacks {
		p, ok := r.providers[fb]
		if !ok || seen[fb] {
			continue
		}
		seen[fb] = true
		out = append(out, Named{Name: fb, Provider: p})
	}
	return out, nil
}

// List returns information about all registered providers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for name, p := range r.providers {
		infos = append(infos, Info{
			Name:         name,
			Default:      name == r.def,
			Capabilities: p.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
