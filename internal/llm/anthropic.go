package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nugget/scout/internal/httpkit"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(baseURL, apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		// No global timeout. Streams are bounded by ctx.
		aoption.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(2*time.Minute),
		)),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// buildAnthropicParams lifts system messages into the System field and
// maps observations onto user turns, which is the closest role the
// Messages API offers.
func buildAnthropicParams(model string, messages []Message, s Sampling) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   s.maxTokens(1024),
		Temperature: anthropic.Float(s.Temperature),
	}
	if len(s.Stop) > 0 {
		params.StopSequences = s.Stop
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params
}

// Stream starts a Messages API stream and yields text deltas.
func (c *AnthropicClient) Stream(ctx context.Context, model string, messages []Message, s Sampling) (Stream, error) {
	params := buildAnthropicParams(model, messages, s)
	c.logger.Log(ctx, LevelTrace, "messages stream request", "model", model, "messages", len(params.Messages))
	return &anthropicStream{stream: c.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cur    string
}

func (s *anthropicStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			s.cur = delta.Text
			return true
		}
	}
	return false
}

func (s *anthropicStream) Text() string { return s.cur }

func (s *anthropicStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (s *anthropicStream) Close() error { return s.stream.Close() }

// Complete sends each prompt as a single user turn. The Messages API has
// no multi-prompt call, so prompts run sequentially and keep their order.
func (c *AnthropicClient) Complete(ctx context.Context, model string, prompts []string, s Sampling) ([]string, error) {
	out := make([]string, 0, len(prompts))
	for i, p := range prompts {
		params := buildAnthropicParams(model, []Message{{Role: RoleUser, Content: p}}, s)
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic: prompt %d: %w", i, err)
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		out = append(out, sb.String())
	}
	return out, nil
}

// Ping lists models to confirm credentials and connectivity.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}
