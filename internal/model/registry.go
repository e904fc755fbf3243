package model

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownProvider = errors.New("unknown model provider")

// Settings configure a provider built from a registered factory.
type Settings struct {
	APIKey string
	// Endpoint overrides the provider's default API location.
	Endpoint string
	Timeout  time.Duration
}

type ProviderFactory func(Settings) Provider

// Registry maps provider names to ready providers and to factories that can
// build them from Settings. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	built     map[string]Provider
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		built:     make(map[string]Provider),
		factories: make(map[string]ProviderFactory),
	}
}

// RegisterBuiltins installs factories for the providers this module ships.
func RegisterBuiltins(r *Registry) {
	r.RegisterFactory("anthropic", func(s Settings) Provider {
		return NewAnthropicProvider(s.APIKey, WithAnthropicEndpoint(s.Endpoint), WithAnthropicTimeout(s.Timeout))
	})
	r.RegisterFactory("openai", func(s Settings) Provider {
		return NewOpenAIProvider(s.APIKey, WithOpenAIBaseURL(s.Endpoint), WithOpenAITimeout(s.Timeout))
	})
}

func (r *Registry) Register(name string, provider Provider) {
	if key := providerKey(name); key != "" && provider != nil {
		r.mu.Lock()
		r.built[key] = provider
		r.mu.Unlock()
	}
}

func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	if key := providerKey(name); key != "" && factory != nil {
		r.mu.Lock()
		r.factories[key] = factory
		r.mu.Unlock()
	}
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.built[providerKey(name)]
	return provider, ok
}

// Build returns the provider registered under name, building it from its
// factory on first use. A non-nil retries policy wraps a freshly built
// provider in a RetryingProvider.
func (r *Registry) Build(name string, settings Settings, logger *log.Logger, retries *RetryPolicy) (Provider, error) {
	key := providerKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if provider, ok := r.built[key]; ok {
		return provider, nil
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownProvider, name, strings.Join(r.namesLocked(), ", "))
	}
	provider := factory(settings)
	if provider == nil {
		return nil, fmt.Errorf("build provider %q: factory returned nil", key)
	}
	if retries != nil {
		provider = NewRetryingProvider(key, provider, logger, *retries)
	}
	r.built[key] = provider
	return provider, nil
}

// Names lists every provider that Build can return, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.built)+len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	for name := range r.built {
		if _, dup := r.factories[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
