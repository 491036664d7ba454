package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/events"
	"github.com/nugget/scout/internal/fetch"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/tools"
)

// mockLoader returns a canned page per link.
type mockLoader struct {
	mu    sync.Mutex
	pages map[string]fetch.Page
	calls []string
}

func (m *mockLoader) Load(_ context.Context, link string, _ time.Duration) fetch.Page {
	m.mu.Lock()
	m.calls = append(m.calls, link)
	m.mu.Unlock()
	p, ok := m.pages[link]
	if !ok {
		return fetch.Page{Link: link, Status: fetch.StatusError, Err: errors.New("unknown link")}
	}
	p.Link = link
	return p
}

// mockCompleter records batches and answers each prompt with a fixed
// summary.
type mockCompleter struct {
	batches [][]string
	reply   func(prompts []string) []string
	err     error
}

func (m *mockCompleter) Complete(_ context.Context, _ string, batch []string, _ llm.Sampling) ([]string, error) {
	m.batches = append(m.batches, batch)
	if m.err != nil {
		return nil, m.err
	}
	if m.reply != nil {
		return m.reply(batch), nil
	}
	out := make([]string, len(batch))
	for i := range batch {
		out[i] = fmt.Sprintf(" summary %d ", i)
	}
	return out, nil
}

// byteEstimator treats each byte as a token.
type byteEstimator struct{}

func (byteEstimator) CountText(text string) int { return len(text) }
func (byteEstimator) Truncate(text string, limit int) string {
	if len(text) > limit {
		return text[:limit]
	}
	return text
}
func (byteEstimator) Render(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "<%s>%s", m.Role, m.Content)
	}
	return sb.String()
}

func newTestOrchestrator(p *mockProvider, l *mockLoader, c *mockCompleter) *Orchestrator {
	return NewOrchestrator(p, l, c, byteEstimator{}, Settings{
		Pages:        5,
		FetchTimeout: time.Second,
		SummaryModel: "summarizer",
		Summary:      config.SummaryConfig{MaxInputTokens: 64, MaxTokens: 32},
	}, nil, nil, nil)
}

func TestRun_MissingQuery(t *testing.T) {
	p := &mockProvider{name: "mock"}
	c := &mockCompleter{}
	out := newTestOrchestrator(p, &mockLoader{}, c).Run(context.Background(), Args{Query: "  "}, "q", nil)

	if out.Observation != prompts.SearchMissingQuery || out.State != StateFailed {
		t.Errorf("outcome = %+v", out)
	}
	if p.calls != 0 {
		t.Error("provider called without a query")
	}
}

func TestRun_ProviderError(t *testing.T) {
	p := &mockProvider{name: "mock", err: errors.New("503")}
	out := newTestOrchestrator(p, &mockLoader{}, &mockCompleter{}).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if out.Observation != prompts.SearchServerError || out.State != StateFailed {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_AllTimedOut(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
		{Title: "C", URL: "https://c.example"},
	}}
	l := &mockLoader{pages: map[string]fetch.Page{
		"https://a.example": {Status: fetch.StatusTimeout},
		"https://b.example": {Status: fetch.StatusTimeout},
		"https://c.example": {Status: fetch.StatusTimeout},
	}}
	c := &mockCompleter{}

	var progress []tools.Progress
	out := newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go"}, "q", func(pr tools.Progress) {
		progress = append(progress, pr)
	})

	if out.State != StateAllTimedOut || out.Observation != prompts.SearchTimedOut {
		t.Errorf("outcome = %+v", out)
	}
	if len(c.batches) != 0 {
		t.Errorf("Complete called %d times, want 0", len(c.batches))
	}
	if len(progress) != 3 || len(out.Sources) != 3 {
		t.Errorf("progress = %d, sources = %d, want 3 each", len(progress), len(out.Sources))
	}
	for _, pr := range progress {
		if pr.Status != "timeout" {
			t.Errorf("progress status = %q", pr.Status)
		}
	}
}

func TestRun_NoResults(t *testing.T) {
	c := &mockCompleter{}
	out := newTestOrchestrator(&mockProvider{name: "mock"}, &mockLoader{}, c).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if out.State != StateAllTimedOut || len(c.batches) != 0 {
		t.Errorf("outcome = %+v, batches = %d", out, len(c.batches))
	}
}

func TestRun_OneLoadedOneTimedOut(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{
		{Title: "Loaded", URL: "https://ok.example"},
		{Title: "Slow", URL: "https://slow.example"},
	}}
	l := &mockLoader{pages: map[string]fetch.Page{
		"https://ok.example":   {Status: fetch.StatusOK, Text: "the page text"},
		"https://slow.example": {Status: fetch.StatusTimeout},
	}}
	c := &mockCompleter{}

	out := newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go news"}, "what's new in go?", nil)

	if out.State != StateDone || out.Summaries != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(c.batches) != 1 || len(c.batches[0]) != 1 {
		t.Fatalf("batches = %v, want one batch of one prompt", c.batches)
	}
	if len(out.Sources) != 2 {
		t.Fatalf("sources = %+v, want 2", out.Sources)
	}

	okIndex := 0
	for i, s := range out.Sources {
		if s.Link == "https://ok.example" {
			okIndex = i + 1
			if s.Title != "Loaded" {
				t.Errorf("title = %q", s.Title)
			}
		}
	}
	if n := strings.Count(out.Observation, "[[citation:"); n != 1 {
		t.Errorf("observation has %d citations, want 1", n)
	}
	if want := fmt.Sprintf("[[citation:%d]]\nsummary 0", okIndex); !strings.Contains(out.Observation, want) {
		t.Errorf("observation missing %q:\n%s", want, out.Observation)
	}
	for _, want := range []string{"what's new in go?", "go news"} {
		if !strings.Contains(out.Observation, want) {
			t.Errorf("observation missing %q", want)
		}
	}
	prompt := c.batches[0][0]
	if !strings.Contains(prompt, "<system>"+prompts.SummarySystem) || !strings.Contains(prompt, "the page text") {
		t.Errorf("summary prompt = %q", prompt)
	}
}

func TestRun_TruncatesPageText(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{{Title: "Long", URL: "https://long.example"}}}
	l := &mockLoader{pages: map[string]fetch.Page{
		"https://long.example": {Status: fetch.StatusOK, Text: strings.Repeat("x", 100) + "TAIL"},
	}}
	c := &mockCompleter{}
	newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go"}, "q", nil)

	if len(c.batches) != 1 {
		t.Fatal("no summarization batch")
	}
	if strings.Contains(c.batches[0][0], "TAIL") {
		t.Error("page text not truncated to the summary input budget")
	}
}

func TestRun_LimitsPages(t *testing.T) {
	var results []Result
	pages := map[string]fetch.Page{}
	for i := 0; i < 8; i++ {
		link := fmt.Sprintf("https://%d.example", i)
		results = append(results, Result{Title: fmt.Sprint(i), URL: link})
		pages[link] = fetch.Page{Status: fetch.StatusOK, Text: "t"}
	}
	p := &mockProvider{name: "mock", results: results}
	l := &mockLoader{pages: pages}

	out := newTestOrchestrator(p, l, &mockCompleter{}).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if len(l.calls) != 5 || len(out.Sources) != 5 {
		t.Errorf("loaded %d pages, sources %d, want 5", len(l.calls), len(out.Sources))
	}
	if p.opts.Count != 5 {
		t.Errorf("provider Count = %d, want 5", p.opts.Count)
	}
}

func TestRun_SummaryCountMismatch(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
	}}
	l := &mockLoader{pages: map[string]fetch.Page{
		"https://a.example": {Status: fetch.StatusOK, Text: "a"},
		"https://b.example": {Status: fetch.StatusOK, Text: "b"},
	}}
	c := &mockCompleter{reply: func([]string) []string { return []string{"only one"} }}

	out := newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if out.State != StateDone || out.Summaries != 1 {
		t.Errorf("outcome = %+v, want one summary", out)
	}
}

func TestRun_CompleteError(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{{Title: "A", URL: "https://a.example"}}}
	l := &mockLoader{pages: map[string]fetch.Page{"https://a.example": {Status: fetch.StatusOK, Text: "a"}}}
	c := &mockCompleter{err: errors.New("model offline")}

	out := newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if out.State != StateFailed || out.Observation != prompts.SearchServerError {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_NoPageLoaded(t *testing.T) {
	tests := []struct {
		name  string
		pages map[string]fetch.Page
	}{
		{"all errors", map[string]fetch.Page{
			"https://a.example": {Status: fetch.StatusError, Err: errors.New("404")},
			"https://b.example": {Status: fetch.StatusError, Err: errors.New("tls")},
		}},
		{"errors and timeouts", map[string]fetch.Page{
			"https://a.example": {Status: fetch.StatusError, Err: errors.New("404")},
			"https://b.example": {Status: fetch.StatusTimeout},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{name: "mock", results: []Result{
				{Title: "A", URL: "https://a.example"},
				{Title: "B", URL: "https://b.example"},
			}}
			c := &mockCompleter{}
			out := newTestOrchestrator(p, &mockLoader{pages: tt.pages}, c).Run(context.Background(), Args{Query: "go"}, "q", nil)
			if out.State != StateAllTimedOut || out.Observation != prompts.SearchTimedOut {
				t.Errorf("outcome = %+v", out)
			}
			if len(c.batches) != 0 {
				t.Errorf("Complete called %d times, want 0", len(c.batches))
			}
			if len(out.Sources) != 2 {
				t.Errorf("sources = %+v, want 2", out.Sources)
			}
		})
	}
}

func TestRun_ErrorPageKeepsNumber(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
	}}
	l := &mockLoader{pages: map[string]fetch.Page{
		"https://a.example": {Status: fetch.StatusError, Err: errors.New("404")},
		"https://b.example": {Status: fetch.StatusOK, Text: "b text"},
	}}
	c := &mockCompleter{}

	out := newTestOrchestrator(p, l, c).Run(context.Background(), Args{Query: "go"}, "q", nil)
	if out.State != StateDone || out.Summaries != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(c.batches) != 1 || len(c.batches[0]) != 1 {
		t.Fatalf("batches = %v, want one prompt", c.batches)
	}
	if len(out.Sources) != 2 {
		t.Errorf("sources = %+v, want 2", out.Sources)
	}
}

func TestRun_PublishesProgress(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	p := &mockProvider{name: "mock", results: []Result{{Title: "A", URL: "https://a.example"}}}
	l := &mockLoader{pages: map[string]fetch.Page{"https://a.example": {Status: fetch.StatusOK, Text: "a"}}}
	o := NewOrchestrator(p, l, &mockCompleter{}, byteEstimator{}, Settings{Pages: 1}, nil, bus, nil)

	ctx := tools.WithRequestID(context.Background(), "r-9")
	o.Run(ctx, Args{Query: "go"}, "q", nil)

	select {
	case ev := <-ch:
		if ev.Kind != events.KindSearchProgress || ev.Data["request_id"] != "r-9" || ev.Data["status"] != "ok" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no progress event published")
	}
}

func TestHandle_ReplacesSources(t *testing.T) {
	tests := []struct {
		name        string
		provider    *mockProvider
		pages       map[string]fetch.Page
		wantReplace bool
		wantSources int
	}{
		{
			name:        "loaded",
			provider:    &mockProvider{name: "mock", results: []Result{{Title: "A", URL: "https://a.example"}}},
			pages:       map[string]fetch.Page{"https://a.example": {Status: fetch.StatusOK, Text: "a"}},
			wantReplace: true,
			wantSources: 1,
		},
		{
			name:        "timed out",
			provider:    &mockProvider{name: "mock", results: []Result{{Title: "A", URL: "https://a.example"}}},
			pages:       map[string]fetch.Page{"https://a.example": {Status: fetch.StatusTimeout}},
			wantReplace: true,
			wantSources: 1,
		},
		{
			name:        "no results",
			provider:    &mockProvider{name: "mock"},
			wantReplace: true,
		},
		{
			name:     "provider down",
			provider: &mockProvider{name: "mock", err: errors.New("503")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(tt.provider, &mockLoader{pages: tt.pages}, &mockCompleter{})
			res, err := o.Handle(context.Background(), tools.Invocation{Arguments: map[string]any{"query": "go"}})
			if err != nil {
				t.Fatal(err)
			}
			if res.ReplaceSources != tt.wantReplace || len(res.Sources) != tt.wantSources {
				t.Errorf("ReplaceSources = %v, sources = %+v; want %v, %d", res.ReplaceSources, res.Sources, tt.wantReplace, tt.wantSources)
			}
		})
	}
}

func TestTool_Definition(t *testing.T) {
	tool := newTestOrchestrator(&mockProvider{name: "mock"}, &mockLoader{}, &mockCompleter{}).Tool()
	if tool.Name != ToolName || tool.Handler == nil {
		t.Fatalf("tool = %+v", tool)
	}
	reg := tools.NewRegistry()
	reg.Register(tool)
	_, err := reg.Execute(context.Background(), tools.Call{Name: ToolName, Arguments: map[string]any{}}, tools.Invocation{})
	var argErr *tools.ArgumentError
	if !errors.As(err, &argErr) || argErr.Param != "query" {
		t.Errorf("err = %v, want missing query", err)
	}
}
