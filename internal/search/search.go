// Package search provides the web search tool: pluggable search
// providers behind a [Manager], and the [Orchestrator] that fans out page
// loads, summarizes what loaded, and builds the cited observation the
// model answers from.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/httpkit"
)

// defaultCount applies when [Options].Count is zero.
const defaultCount = 5

// Result is one hit from a search backend.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options narrow a query.
type Options struct {
	// Count caps the number of results. Zero means defaultCount.
	Count int `json:"count,omitempty"`
	// Language is an ISO 639-1 code such as "en".
	Language string `json:"language,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return defaultCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager routes queries to the primary provider and falls back to the
// others, in name order, when it fails.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager returns a manager that prefers the provider named primary.
func NewManager(primary string) *Manager {
	return &Manager{providers: make(map[string]Provider), primary: primary}
}

// NewManagerFromConfig registers every provider cfg has credentials for.
// It fails when the selected provider is not among them.
func NewManagerFromConfig(cfg config.SearchConfig) (*Manager, error) {
	m := NewManager(cfg.Provider)
	if key := cfg.Serper.APIKey; key != "" {
		m.Register(NewSerper(key, cfg.Serper.URL))
	}
	if key := cfg.Brave.APIKey; key != "" {
		m.Register(NewBrave(key))
	}
	if u := cfg.SearXNG.URL; u != "" {
		m.Register(NewSearXNG(u))
	}
	if _, ok := m.providers[cfg.Provider]; !ok {
		return nil, fmt.Errorf("search provider %q selected but not configured", cfg.Provider)
	}
	return m, nil
}

func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search queries the primary provider, then each remaining provider until
// one succeeds. Cancellation stops the fallback chain.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	order := []string{m.primary}
	for _, name := range m.Providers() {
		if name != m.primary {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		results, err := m.SearchWith(ctx, name, query, opts)
		if err == nil {
			return results, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// SearchWith queries one named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Providers lists registered provider names, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// newProviderClient is the HTTP client every backend shares.
func newProviderClient() *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(15*time.Second),
		httpkit.WithRetry(2, time.Second),
	)
}

// apiCall sends one JSON request to a search backend and decodes the
// reply into out. A nil body sends a GET.
func apiCall(ctx context.Context, client *http.Client, provider, target string, header http.Header, body, out any) error {
	method := http.MethodGet
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", provider, err)
		}
		method, rd = http.MethodPost, bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// collect maps up to n backend hits onto Results, skipping hits with no
// URL since they cannot be loaded.
func collect[T any](hits []T, n int, conv func(T) Result) []Result {
	out := make([]Result, 0, min(n, len(hits)))
	for _, h := range hits {
		if len(out) == n {
			break
		}
		if r := conv(h); r.URL != "" {
			out = append(out, r)
		}
	}
	return out
}
