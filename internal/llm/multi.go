package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// MultiClient picks a backend per model so the chat model and the
// summary model can be served from different places.
type MultiClient struct {
	clients  map[string]Client // by provider
	models   map[string]string // model to provider
	fallback Client
}

// NewMultiClient returns a router that sends unmapped models to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Stream forwards to the provider for model.
func (m *MultiClient) Stream(ctx context.Context, model string, messages []Message, s Sampling) (Stream, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Stream(ctx, model, messages, s)
}

// Complete forwards to the provider for model.
func (m *MultiClient) Complete(ctx context.Context, model string, prompts []string, s Sampling) ([]string, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, model, prompts, s)
}

// Ping checks each distinct backend once, including the fallback, and
// reports every failure.
func (m *MultiClient) Ping(ctx context.Context) error {
	names := slices.Sorted(maps.Keys(m.clients))
	var errs []error
	seen := make(map[Client]bool, len(names)+1)
	for _, name := range names {
		c := m.clients[name]
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil && !seen[m.fallback] {
		seen[m.fallback] = true
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	if len(seen) == 0 {
		return errors.New("no providers configured")
	}
	return errors.Join(errs...)
}
