package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/events"
	"github.com/nugget/scout/internal/fetch"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/tools"
	"github.com/nugget/scout/internal/usage"
)

// Searcher finds candidate pages for a query. *Manager implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Loader loads one page. *fetch.Fetcher implements it.
type Loader interface {
	Load(ctx context.Context, link string, timeout time.Duration) fetch.Page
}

// Completer runs a batch of raw prompts. llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, model string, prompts []string, s llm.Sampling) ([]string, error)
}

// Estimator truncates page text and renders summary prompts.
// *tokens.Estimator implements it.
type Estimator interface {
	CountText(text string) int
	Truncate(text string, limit int) string
	Render(messages []llm.Message) string
}

// State is where a search run ended.
type State int

const (
	StateDone State = iota
	// StateAllTimedOut means no page loaded: each one timed out or failed.
	StateAllTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDone:
		return "done"
	case StateAllTimedOut:
		return "all_timed_out"
	default:
		return "failed"
	}
}

// Outcome is the full result of one search run.
type Outcome struct {
	State       State
	Observation string
	// Sources lists every fetched page, timed-out ones included, in the
	// order loads completed. Citation numbers index into it.
	Sources   []tools.Source
	Summaries int
}

// Args are the decoded tool arguments.
type Args struct {
	Query string `json:"query"`
}

// DecodeArgs extracts Args from raw tool arguments.
func DecodeArgs(raw map[string]any) Args {
	q, _ := raw["query"].(string)
	return Args{Query: strings.TrimSpace(q)}
}

// Settings configures an Orchestrator.
type Settings struct {
	Pages        int
	Language     string
	FetchTimeout time.Duration
	SummaryModel string
	Summary      config.SummaryConfig
	// Stop ends each summary completion; normally the template's turn end.
	Stop []string
}

// Orchestrator runs a web search: it fetches the top pages in parallel,
// summarizes those that loaded in one batched completion, and assembles
// a cited observation.
type Orchestrator struct {
	searcher  Searcher
	loader    Loader
	completer Completer
	estimator Estimator
	settings  Settings

	logger *slog.Logger
	bus    *events.Bus
	usage  *usage.Store
	tracer trace.Tracer
}

// NewOrchestrator creates an orchestrator. bus and store may be nil.
func NewOrchestrator(s Searcher, l Loader, c Completer, e Estimator, settings Settings, logger *slog.Logger, bus *events.Bus, store *usage.Store) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Pages < 1 {
		settings.Pages = 5
	}
	return &Orchestrator{
		searcher:  s,
		loader:    l,
		completer: c,
		estimator: e,
		settings:  settings,
		logger:    logger.With("component", "search"),
		bus:       bus,
		usage:     store,
		tracer:    otel.Tracer("github.com/nugget/scout/internal/search"),
	}
}

// ToolName is the name the model calls the search tool by.
const ToolName = "webSearch"

// Tool returns the registry entry for the search tool.
func (o *Orchestrator) Tool() *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "A web search engine. Useful when you need information you don't know, " +
			"such as weather, exchange rates, or current events. " +
			"Never use this tool when the user wants a translation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type": "string",
					"description": "What the user wants to search for, such as 'weather' or 'current events'. " +
						"Leave out special characters such as line breaks.",
				},
			},
			"required": []string{"query"},
		},
		Handler: o.Handle,
	}
}

// Handle adapts Run to the tools.Handler signature. Once every page load
// has resolved the fetched pages become the conversation's sources, also
// when none of them loaded or the search found nothing.
func (o *Orchestrator) Handle(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	out := o.Run(ctx, DecodeArgs(inv.Arguments), inv.Question, inv.Report)
	res := tools.Result{Observation: out.Observation}
	if out.State == StateDone || out.State == StateAllTimedOut {
		res.Sources = out.Sources
		res.ReplaceSources = true
	}
	return res, nil
}

// Run executes one search. It never returns an error: every failure
// becomes an observation the model can react to.
func (o *Orchestrator) Run(ctx context.Context, args Args, question string, progress func(tools.Progress)) Outcome {
	ctx, span := o.tracer.Start(ctx, "search.run", trace.WithAttributes(
		attribute.String("search.query", args.Query),
		attribute.Int("search.pages", o.settings.Pages),
	))
	defer span.End()

	if args.Query == "" {
		span.SetStatus(codes.Error, "missing query")
		return Outcome{State: StateFailed, Observation: prompts.SearchMissingQuery}
	}

	results, err := o.searcher.Search(ctx, args.Query, Options{Count: o.settings.Pages, Language: o.settings.Language})
	if err != nil {
		o.logger.Warn("search provider failed", "query", args.Query, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider")
		return Outcome{State: StateFailed, Observation: prompts.SearchServerError}
	}
	if len(results) > o.settings.Pages {
		results = results[:o.settings.Pages]
	}

	pages := o.fetchAll(ctx, results, progress)

	sources := make([]tools.Source, len(pages))
	failed := 0
	for i, p := range pages {
		sources[i] = tools.Source{Title: p.title, Link: p.Link}
		if p.Status != fetch.StatusOK {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("search.fetched", len(pages)), attribute.Int("search.failed", failed))

	if failed == len(pages) {
		o.logger.Info("no page loaded", "query", args.Query, "pages", len(pages))
		return Outcome{State: StateAllTimedOut, Observation: prompts.SearchTimedOut, Sources: sources}
	}

	contexts, n, err := o.summarize(ctx, args.Query, pages)
	if err != nil {
		o.logger.Warn("summarization failed", "query", args.Query, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarize")
		return Outcome{State: StateFailed, Observation: prompts.SearchServerError, Sources: sources}
	}

	return Outcome{
		State:       StateDone,
		Observation: prompts.ObservationPrompt(question, args.Query, contexts),
		Sources:     sources,
		Summaries:   n,
	}
}

// loaded is a fetched page with the title to cite it by.
type loaded struct {
	fetch.Page
	title string
}

// fetchAll loads every result with a worker pool as wide as the page
// count. Pages are returned, and progress reported, in completion order.
func (o *Orchestrator) fetchAll(ctx context.Context, results []Result, progress func(tools.Progress)) []loaded {
	if len(results) == 0 {
		return nil
	}

	jobs := make(chan Result)
	done := make(chan loaded, len(results))
	for w := 0; w < len(results); w++ {
		go func() {
			for r := range jobs {
				page := o.loader.Load(ctx, r.URL, o.settings.FetchTimeout)
				title := r.Title
				if title == "" {
					title = page.Title
				}
				done <- loaded{Page: page, title: title}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, r := range results {
			jobs <- r
		}
	}()

	requestID := tools.RequestIDFromContext(ctx)
	pages := make([]loaded, 0, len(results))
	for range results {
		p := <-done
		pages = append(pages, p)

		o.bus.Emit(events.SourceSearch, events.KindSearchProgress, map[string]any{
			"request_id": requestID,
			"link":       p.Link,
			"status":     p.Status.String(),
		})
		if progress != nil {
			progress(tools.Progress{
				Source:  tools.Source{Title: p.title, Link: p.Link},
				Status:  p.Status.String(),
				Content: p.Text,
			})
		}
	}
	return pages
}

// summarize issues one batched completion covering every page that
// loaded and returns the numbered contexts for the observation.
func (o *Orchestrator) summarize(ctx context.Context, query string, pages []loaded) (string, int, error) {
	var (
		batch   []string
		numbers []int
	)
	for i, p := range pages {
		if p.Status != fetch.StatusOK {
			continue
		}
		text := o.estimator.Truncate(p.Text, o.settings.Summary.MaxInputTokens)
		batch = append(batch, o.estimator.Render([]llm.Message{
			{Role: llm.RoleSystem, Content: prompts.SummarySystem},
			{Role: llm.RoleUser, Content: prompts.SummaryPrompt(query, text)},
		}))
		numbers = append(numbers, i+1)
	}
	if len(batch) == 0 {
		return "", 0, nil
	}

	inputTokens := 0
	for _, prompt := range batch {
		inputTokens += o.estimator.CountText(prompt)
	}

	start := time.Now()
	summaries, err := o.completer.Complete(ctx, o.settings.SummaryModel, batch, llm.Sampling{
		Temperature: o.settings.Summary.Temperature,
		MaxTokens:   o.settings.Summary.MaxTokens,
		Stop:        o.settings.Stop,
	})
	o.record(ctx, len(batch), inputTokens, time.Since(start), err)
	if err != nil {
		return "", 0, fmt.Errorf("summarize %d pages: %w", len(batch), err)
	}

	n := min(len(summaries), len(batch))
	if len(summaries) != len(batch) {
		o.logger.Warn("summary count mismatch", "requested", len(batch), "received", len(summaries))
	}

	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("[[citation:%d]]\n%s", numbers[i], strings.TrimSpace(summaries[i]))
	}
	return strings.Join(parts, "\n"), n, nil
}

func (o *Orchestrator) record(ctx context.Context, batch, inputTokens int, d time.Duration, err error) {
	rec := usage.LLMCall{
		RequestID:      tools.RequestIDFromContext(ctx),
		ConversationID: tools.ConversationIDFromContext(ctx),
		Model:          o.settings.SummaryModel,
		Kind:           usage.KindComplete,
		Prompts:        batch,
		InputTokens:    inputTokens,
		Duration:       d,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := o.usage.RecordLLM(context.WithoutCancel(ctx), rec); rerr != nil {
		o.logger.Warn("record usage failed", "error", rerr)
	}
}
