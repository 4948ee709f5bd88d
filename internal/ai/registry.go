package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var (
	ErrUnknownProvider   = errors.New("unknown ai provider")
	ErrMissingCredential = errors.New("provider credential is not configured")
)

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string

	// RequiresKey makes a missing APIKey a configuration error.
	RequiresKey bool
	// Multimodal providers accept image parts in user messages.
	Multimodal bool
	// IncludeUsage asks for a trailing usage frame.
	IncludeUsage bool
}

type route struct {
	prefix   string
	provider string
}

// Registry maps model names to providers by name prefix.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderConfig
	routes    []route
	fallback  string
	client    *http.Client
}

func NewRegistry(fallback string) *Registry {
	return &Registry{
		providers: make(map[string]ProviderConfig),
		fallback:  normalize(fallback),
		client:    &http.Client{},
	}
}

// WithHTTPClient replaces the client used for provider requests.
func (r *Registry) WithHTTPClient(c *http.Client) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = c
	return r
}

func (r *Registry) Register(cfg ProviderConfig) {
	cfg.Name = normalize(cfg.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[cfg.Name] = cfg
}

// Route sends models starting with any of prefixes to provider. Routes are
// matched in registration order.
func (r *Registry) Route(provider string, prefixes ...string) {
	provider = normalize(provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prefixes {
		r.routes = append(r.routes, route{prefix: normalize(p), provider: provider})
	}
}

// ProviderName returns the provider a model routes to.
func (r *Registry) ProviderName(model string) string {
	model = normalize(model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.provider
		}
	}
	return r.fallback
}

// Resolve returns the provider for model. It fails before any request is made
// when the provider is unknown or its credential is missing.
func (r *Registry) Resolve(model string) (*Provider, error) {
	name := r.ProviderName(model)

	r.mu.RLock()
	cfg, ok := r.providers[name]
	client := r.client
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q for model %q", ErrUnknownProvider, name, model)
	}
	if cfg.RequiresKey && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrMissingCredential)
	}
	return &Provider{Config: cfg, Client: client}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
