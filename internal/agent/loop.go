// Package agent implements the action loop that answers one user
// message: it streams model output, demultiplexes chat from function
// calls, runs tools, and feeds observations back until the model
// answers or the turn limit is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/events"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/protocol"
	"github.com/nugget/scout/internal/session"
	"github.com/nugget/scout/internal/tools"
	"github.com/nugget/scout/internal/usage"
)

// ErrBusy is returned when a conversation already has a run in progress.
var ErrBusy = errors.New("conversation is busy")

// Request is one user message to answer.
type Request struct {
	Message string `json:"message"`
	// WebSearch switches the conversation's mode before the run when
	// set. Switching clears the model-facing messages.
	WebSearch *bool `json:"web_search,omitempty"`
}

// Response summarizes a completed run.
type Response struct {
	RequestID string `json:"request_id"`
	// Content is the citation-rendered chat text of every iteration.
	Content    string `json:"content"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Stopped    bool   `json:"stopped"`
	// Citations lists the source numbers the answer cites, each once,
	// in order of first appearance.
	Citations []int `json:"citations,omitempty"`
}

// StreamEventKind tags a StreamEvent.
type StreamEventKind string

const (
	// EventToken carries a rendered chat fragment.
	EventToken StreamEventKind = "chat"
	// EventToolParams carries the raw function call text of a turn.
	EventToolParams StreamEventKind = "tool_params"
	// EventProgress carries one page load of a running tool.
	EventProgress StreamEventKind = "progress"
	// EventToolResults carries the sources a tool consulted.
	EventToolResults StreamEventKind = "tool_results"
	// EventObservation carries text fed back to the model.
	EventObservation StreamEventKind = "observation"
)

// StreamEvent is delivered to the caller while a run is in progress.
type StreamEvent struct {
	Kind     StreamEventKind `json:"kind"`
	Content  string          `json:"content,omitempty"`
	Progress *tools.Progress `json:"progress,omitempty"`
}

// StreamCallback receives events as they happen. It is called from the
// goroutine running the loop.
type StreamCallback func(StreamEvent)

// Counter measures rendered prompts; *tokens.Estimator implements it.
type Counter interface {
	Count(messages []llm.Message) int
}

// Settings configures a Loop.
type Settings struct {
	Model          string
	MaxActionTurns int
	// Search sampling applies when tools are offered, Chat otherwise.
	Search  config.SamplingConfig
	Chat    config.SamplingConfig
	Stop    []string
	Window  int
	Budget  int
	Markers protocol.Markers
}

// SettingsFromConfig derives loop settings from the application config.
// stop is used when the config does not override stop tokens.
func SettingsFromConfig(cfg *config.Config, stop []string) Settings {
	s := Settings{
		Model:          cfg.Model.Name,
		MaxActionTurns: cfg.Agent.MaxActionTurns,
		Search:         cfg.Agent.Search,
		Chat:           cfg.Agent.Chat,
		Stop:           stop,
		Window:         cfg.Session.Window,
		Budget:         cfg.Session.MaxInputTokens,
		Markers:        protocol.Markers{Start: cfg.Protocol.FunctionStart, End: cfg.Protocol.FunctionEnd},
	}
	if len(cfg.Agent.Stop) > 0 {
		s.Stop = cfg.Agent.Stop
	}
	return s
}

// Loop is the core agent execution loop. One Loop serves every
// conversation; per-conversation state lives in session.State.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	tools    *tools.Registry
	counter  Counter
	settings Settings

	bus   *events.Bus
	usage *usage.Store
	now   func() time.Time

	tracer    trace.Tracer
	requests  metric.Int64Counter
	toolCalls metric.Int64Counter
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithEventBus publishes operational events to bus.
func WithEventBus(bus *events.Bus) Option { return func(l *Loop) { l.bus = bus } }

// WithUsage records model and tool calls to store.
func WithUsage(store *usage.Store) Option { return func(l *Loop) { l.usage = store } }

// WithClock overrides the time source used in the system prompt.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// NewLoop creates an agent loop. registry may be nil for a tool-less
// assistant.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, counter Counter, settings Settings, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.MaxActionTurns < 1 {
		settings.MaxActionTurns = 1
	}
	if settings.Markers == (protocol.Markers{}) {
		settings.Markers = protocol.DefaultMarkers()
	}
	l := &Loop{
		logger:   logger.With("component", "agent"),
		llm:      client,
		tools:    registry,
		counter:  counter,
		settings: settings,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/nugget/scout/internal/agent"),
	}
	for _, o := range opts {
		o(l)
	}

	meter := otel.Meter("github.com/nugget/scout/internal/agent")
	var err error
	if l.requests, err = meter.Int64Counter("scout.agent.requests",
		metric.WithDescription("User messages answered")); err != nil {
		l.logger.Warn("create requests counter", "error", err)
	}
	if l.toolCalls, err = meter.Int64Counter("scout.agent.tool_calls",
		metric.WithDescription("Tool calls executed")); err != nil {
		l.logger.Warn("create tool call counter", "error", err)
	}
	return l
}

// newRequestID returns a short random ID used to correlate the log
// lines, events, and usage records of one run.
func newRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run answers req within the conversation st. It returns ErrBusy if st
// already has a run in progress. stream may be nil.
func (l *Loop) Run(ctx context.Context, st *session.State, req *Request, stream StreamCallback) (*Response, error) {
	if !st.TryAcquire() {
		return nil, ErrBusy
	}
	defer st.Release()

	if req.WebSearch != nil && st.SetWebSearch(*req.WebSearch) {
		l.logger.Info("conversation mode changed", "conversation", st.ID, "web_search", *req.WebSearch)
	}

	if stream == nil {
		stream = func(StreamEvent) {}
	}

	requestID := newRequestID()
	ctx = tools.WithConversationID(ctx, st.ID)
	ctx = tools.WithRequestID(ctx, requestID)

	webSearch := st.WebSearch()
	registry := l.tools
	if !webSearch {
		registry = nil
	}

	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("conversation_id", st.ID),
		attribute.Bool("web_search", webSearch),
	))
	defer span.End()
	if l.requests != nil {
		l.requests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("web_search", webSearch)))
	}

	start := time.Now()
	log := l.logger.With("request_id", requestID, "conversation", st.ID)
	log.Info("agent loop started", "web_search", webSearch, "tools", registry.Len())
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      requestID,
		"conversation_id": st.ID,
		"web_search":      webSearch,
	})

	// A stop requested before the run began is stale.
	st.ConsumeStop()

	st.Append(llm.Message{Role: llm.RoleUser, Content: req.Message})
	st.AddEntry(session.Entry{Role: llm.RoleUser, Content: req.Message})

	var definitions []string
	if registry.Len() > 0 {
		defs, err := registry.Definitions()
		if err != nil {
			return nil, fmt.Errorf("tool definitions: %w", err)
		}
		definitions = defs
	}

	sampling := l.sampling(registry.Len() > 0)
	resp := &Response{RequestID: requestID}
	var chat strings.Builder

	for iter := 0; iter < 2*l.settings.MaxActionTurns; iter++ {
		resp.Iterations++

		system := llm.Message{Role: llm.RoleSystem, Content: prompts.SystemPrompt(l.now(), definitions)}
		history := session.Truncate(st.Messages(), system, l.settings.Window, l.settings.Budget, l.counter)
		messages := append([]llm.Message{system}, history...)

		t, err := l.generate(ctx, st, messages, sampling, iter, stream)
		if err != nil {
			if t.raw.Len() == 0 {
				span.RecordError(err)
				span.SetStatus(codes.Error, "model stream")
				log.Error("model stream failed", "iter", iter, "error", err)
				return nil, fmt.Errorf("model stream: %w", err)
			}
			log.Warn("model stream ended early", "iter", iter, "error", err)
		}
		chat.WriteString(t.chat.String())
		resp.Citations = appendUnique(resp.Citations, t.cited)

		// Persist the turn.
		raw := t.raw.String()
		if raw != "" {
			st.Append(llm.Message{Role: llm.RoleAssistant, Content: raw})
		}
		st.AddEntry(session.Entry{Role: llm.RoleAssistant, Content: t.chat.String()})
		if t.tool.Len() > 0 {
			st.AddEntry(session.Entry{Role: llm.RoleAssistant, Content: t.tool.String(), Title: session.TitleToolParams})
			stream(StreamEvent{Kind: EventToolParams, Content: t.tool.String()})
		}
		if t.stopped {
			resp.Stopped = true
			log.Info("generation stopped by user", "iter", iter)
		}

		if registry.Len() == 0 {
			break
		}

		call, err := protocol.ParseCall(raw, l.settings.Markers, registry)
		var unavailable *tools.ErrToolUnavailable
		switch {
		case errors.Is(err, protocol.ErrNoCall):
			if t.closed {
				log.Warn("malformed function call", "iter", iter, "error", err)
			}
		case errors.As(err, &unavailable):
			log.Info("model called unavailable tool", "tool", unavailable.ToolName)
			l.observe(st, err.Error(), stream)
			continue
		case err != nil:
			log.Warn("function call rejected", "error", err)
		default:
			resp.ToolCalls++
			l.execute(ctx, log, st, registry, call, req.Message, stream)
			continue
		}
		break
	}

	resp.Content = chat.String()
	elapsed := time.Since(start)
	log.Info("agent loop completed",
		"iterations", resp.Iterations,
		"tool_calls", resp.ToolCalls,
		"stopped", resp.Stopped,
		"citations", resp.Citations,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": requestID,
		"iterations": resp.Iterations,
		"stopped":    resp.Stopped,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return resp, nil
}

func appendUnique(dst, src []int) []int {
	for _, n := range src {
		if !slices.Contains(dst, n) {
			dst = append(dst, n)
		}
	}
	return dst
}

func (l *Loop) sampling(agentMode bool) llm.Sampling {
	sc := l.settings.Chat
	if agentMode {
		sc = l.settings.Search
	}
	return llm.Sampling{
		Temperature: sc.Temperature,
		MaxTokens:   sc.MaxTokens,
		Stop:        l.settings.Stop,
	}
}

// turn collects one model generation.
type turn struct {
	raw     strings.Builder // everything generated, markers included
	chat    strings.Builder // citation-rendered chat text
	tool    strings.Builder // function call segment
	cited   []int           // citation numbers in the chat text
	closed  bool
	stopped bool
}

// generate streams one model turn through a fresh classifier. It stops
// consuming at the function end marker, or after a chat fragment when
// the user has asked to stop.
func (l *Loop) generate(ctx context.Context, st *session.State, messages []llm.Message, sampling llm.Sampling, iter int, stream StreamCallback) (*turn, error) {
	t := &turn{}
	classifier := protocol.NewClassifier(l.settings.Markers, protocol.CitationRenderer(st.Sources()))

	inputTokens := l.counter.Count(messages)
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id":   tools.RequestIDFromContext(ctx),
		"iter":         iter,
		"model":        l.settings.Model,
		"input_tokens": inputTokens,
	})
	l.logger.Log(ctx, llm.LevelTrace, "model request", "iter", iter, "messages", messages)

	start := time.Now()
	s, err := l.llm.Stream(ctx, l.settings.Model, messages, sampling)
	if err != nil {
		l.recordLLM(ctx, inputTokens, time.Since(start), err)
		return t, err
	}
	defer s.Close()

	// handle applies events and reports whether to stop reading.
	handle := func(evs []protocol.Event) bool {
		for _, ev := range evs {
			t.raw.WriteString(ev.Text)
			switch ev.Kind {
			case protocol.Chat:
				t.chat.WriteString(ev.Rendered)
				t.cited = append(t.cited, protocol.Citations(ev.Text)...)
				stream(StreamEvent{Kind: EventToken, Content: ev.Rendered})
				if st.ConsumeStop() {
					t.stopped = true
					return true
				}
			case protocol.ToolOpen, protocol.ToolDelta:
				t.tool.WriteString(ev.Text)
			case protocol.ToolClose:
				t.tool.WriteString(ev.Text)
				t.closed = true
				return true
			}
		}
		return false
	}

	done := false
	for !done && s.Next() {
		done = handle(classifier.Push(s.Text()))
	}
	if !done {
		err = s.Err()
		handle(classifier.Flush())
	}
	l.recordLLM(ctx, inputTokens, time.Since(start), err)
	return t, err
}

// execute runs a parsed call and feeds its result back as an
// observation.
func (l *Loop) execute(ctx context.Context, log *slog.Logger, st *session.State, registry *tools.Registry, call tools.Call, question string, stream StreamCallback) {
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	requestID := tools.RequestIDFromContext(ctx)
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": requestID,
		"tool":       call.Name,
	})
	log.Info("executing tool", "tool", call.Name, "arguments", call.Arguments)

	start := time.Now()
	res, err := registry.Execute(ctx, call, tools.Invocation{
		Question: question,
		Progress: func(p tools.Progress) {
			stream(StreamEvent{Kind: EventProgress, Progress: &p})
		},
	})
	elapsed := time.Since(start)

	if l.toolCalls != nil {
		l.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.Bool("ok", err == nil),
		))
	}
	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  requestID,
		"tool":        call.Name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	rec := usage.ToolCall{
		RequestID:      requestID,
		ConversationID: st.ID,
		Tool:           call.Name,
		OK:             err == nil,
		Duration:       elapsed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := l.usage.RecordTool(context.WithoutCancel(ctx), rec); rerr != nil {
		log.Warn("record tool usage failed", "error", rerr)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		log.Warn("tool call failed", "tool", call.Name, "error", err)
		l.observe(st, err.Error(), stream)
		return
	}

	if res.ReplaceSources {
		st.SetSources(res.Sources)
	}
	if len(res.Sources) > 0 {
		listing := tools.FormatSources(res.Sources)
		st.AddEntry(session.Entry{Role: llm.RoleAssistant, Content: listing, Title: session.TitleToolResults})
		stream(StreamEvent{Kind: EventToolResults, Content: listing})
	}
	l.observe(st, res.Observation, stream)
}

// observe appends an observation to the model history and transcript.
func (l *Loop) observe(st *session.State, text string, stream StreamCallback) {
	st.Append(llm.Message{Role: llm.RoleObservation, Content: text})
	st.AddEntry(session.Entry{Role: llm.RoleObservation, Content: text})
	stream(StreamEvent{Kind: EventObservation, Content: text})
}

func (l *Loop) recordLLM(ctx context.Context, inputTokens int, d time.Duration, err error) {
	rec := usage.LLMCall{
		RequestID:      tools.RequestIDFromContext(ctx),
		ConversationID: tools.ConversationIDFromContext(ctx),
		Model:          l.settings.Model,
		Kind:           usage.KindStream,
		Prompts:        1,
		InputTokens:    inputTokens,
		Duration:       d,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := l.usage.RecordLLM(context.WithoutCancel(ctx), rec); rerr != nil {
		l.logger.Warn("record model usage failed", "error", rerr)
	}
}
