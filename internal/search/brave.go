package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewBrave(apiKey string) *Brave {
	return &Brave{apiKey: apiKey, endpoint: braveEndpoint, client: newProviderClient()}
}

func (b *Brave) Name() string { return "brave" }

type braveHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "count": {strconv.Itoa(opts.count())}}
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	var resp struct {
		Web struct {
			Results []braveHit `json:"results"`
		} `json:"web"`
	}
	header := http.Header{"X-Subscription-Token": {b.apiKey}}
	if err := apiCall(ctx, b.client, "brave", b.endpoint+"?"+q.Encode(), header, nil, &resp); err != nil {
		return nil, err
	}
	return collect(resp.Web.Results, opts.count(), func(h braveHit) Result {
		return Result{Title: h.Title, URL: h.URL, Snippet: h.Description}
	}), nil
}
