package search

import (
	"context"
	"net/http"
)

// DefaultSerperURL is the google.serper.dev search endpoint.
const DefaultSerperURL = "https://google.serper.dev/search"

// Serper queries Google through serper.dev.
type Serper struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewSerper returns a Serper provider. An empty endpoint means
// [DefaultSerperURL].
func NewSerper(apiKey, endpoint string) *Serper {
	if endpoint == "" {
		endpoint = DefaultSerperURL
	}
	return &Serper{apiKey: apiKey, endpoint: endpoint, client: newProviderClient()}
}

func (s *Serper) Name() string { return "serper" }

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
	HL  string `json:"hl,omitempty"`
}

type serperHit struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

func (s *Serper) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	var resp struct {
		Organic []serperHit `json:"organic"`
	}
	header := http.Header{"X-Api-Key": {s.apiKey}}
	req := serperRequest{Q: query, Num: opts.count(), HL: opts.Language}
	if err := apiCall(ctx, s.client, "serper", s.endpoint, header, req, &resp); err != nil {
		return nil, err
	}
	return collect(resp.Organic, opts.count(), func(h serperHit) Result {
		return Result{Title: h.Title, URL: h.Link, Snippet: h.Snippet}
	}), nil
}
