package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shohag/calrelay/internal/config"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Constructor builds an adapter named name from its configuration.
type Constructor func(name string, cfg config.ProviderConfig) (Adapter, error)

// Registry maps provider types to constructors and holds the live adapters
// built from configuration.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	adapters     map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		adapters:     make(map[string]Adapter),
	}
}

// DefaultRegistry returns a registry with the built-in provider types.
func DefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry()
	r.Register(config.ProviderGoogle, func(name string, cfg config.ProviderConfig) (Adapter, error) {
		return NewGoogle(name, cfg, opts...), nil
	})
	r.Register(config.ProviderOutlook, func(name string, cfg config.ProviderConfig) (Adapter, error) {
		return NewOutlook(name, cfg, opts...), nil
	})
	r.Register(config.ProviderICS, func(name string, cfg config.ProviderConfig) (Adapter, error) {
		if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
			return nil, fmt.Errorf("provider %q: smtp.host and smtp.from are required", name)
		}
		return NewICS(name, cfg), nil
	})
	return r
}

func (r *Registry) Register(typ string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typ] = ctor
}

// Create builds an adapter without registering it.
func (r *Registry) Create(name string, cfg config.ProviderConfig) (Adapter, error) {
	typ := cfg.Type
	if typ == "" {
		typ = name
	}
	r.mu.RLock()
	ctor, ok := r.constructors[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: type %q for provider %q", ErrUnknownProvider, typ, name)
	}
	return ctor(name, cfg)
}

// Build creates and adds an adapter for every enabled provider. Any failure
// is a configuration error.
func (r *Registry) Build(cfg *config.Config) error {
	for _, name := range cfg.EnabledProviders() {
		a, err := r.Create(name, cfg.Providers[name])
		if err != nil {
			return err
		}
		r.Add(a)
	}
	return nil
}

func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns the live adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
