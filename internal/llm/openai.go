package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/nugget/scout/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible server. The primary target
// is a local vLLM deployment, which serves both the chat endpoint and the
// legacy completions endpoint with array prompts.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client for baseURL. An empty apiKey is
// replaced with a placeholder since vLLM ignores it.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		apiKey = "EMPTY"
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(apiKey),
		ooption.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(2*time.Minute),
		)),
	}
	if baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Stream starts a chat completion stream. Messages are sent verbatim so
// roles the typed request cannot express, such as observation, reach the
// server's chat template unchanged.
func (c *OpenAIClient) Stream(ctx context.Context, model string, messages []Message, s Sampling) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Temperature: openai.Float(s.Temperature),
		MaxTokens:   openai.Int(s.maxTokens(1024)),
	}
	if len(s.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: s.Stop}
	}
	c.logger.Log(ctx, LevelTrace, "chat stream request", "model", model, "messages", messages)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params, ooption.WithJSONSet("messages", messages))
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cur    string
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			s.cur = text
			return true
		}
	}
	return false
}

func (s *openAIStream) Text() string { return s.cur }

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}

func (s *openAIStream) Close() error { return s.stream.Close() }

// Complete sends all prompts in a single completions request. Choices
// come back tagged with their prompt index and are reordered to match.
func (c *OpenAIClient) Complete(ctx context.Context, model string, prompts []string, s Sampling) ([]string, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	params := openai.CompletionNewParams{
		Model:       openai.CompletionNewParamsModel(model),
		Prompt:      openai.CompletionNewParamsPromptUnion{OfArrayOfStrings: prompts},
		Temperature: openai.Float(s.Temperature),
		MaxTokens:   openai.Int(s.maxTokens(512)),
	}
	if len(s.Stop) > 0 {
		params.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: s.Stop}
	}

	resp, err := c.client.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: completions: %w", err)
	}

	choices := resp.Choices
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })

	out := make([]string, 0, len(choices))
	for _, ch := range choices {
		out = append(out, ch.Text)
	}
	c.logger.Log(ctx, LevelTrace, "completions response", "model", model, "prompts", len(prompts), "choices", len(out))
	return out, nil
}

// Ping lists models to confirm the server answers.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}
