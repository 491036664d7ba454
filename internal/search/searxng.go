package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// SearXNG queries a self-hosted SearXNG instance. The instance must have
// the json output format enabled.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG returns a provider for the instance rooted at baseURL, for
// example "http://localhost:8080".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{baseURL: strings.TrimRight(baseURL, "/"), client: newProviderClient()}
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var resp struct {
		Results []searxngHit `json:"results"`
	}
	if err := apiCall(ctx, s.client, "searxng", s.baseURL+"/search?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return collect(resp.Results, opts.count(), func(h searxngHit) Result {
		return Result{Title: h.Title, URL: h.URL, Snippet: h.Content}
	}), nil
}
