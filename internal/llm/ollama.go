package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/scout/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: baseURL,
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func optionsFor(s Sampling) *ollamaOptions {
	return &ollamaOptions{
		Temperature: s.Temperature,
		NumPredict:  s.MaxTokens,
		Stop:        s.Stop,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Raw     bool           `json:"raw"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (c *OllamaClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "path", path, "body", string(jsonData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return resp, nil
}

// Stream sends a streaming chat request to /api/chat. The response is
// newline-delimited JSON, one chunk per token batch.
func (c *OllamaClient) Stream(ctx context.Context, model string, messages []Message, s Sampling) (Stream, error) {
	resp, err := c.post(ctx, "/api/chat", ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  optionsFor(s),
	})
	if err != nil {
		return nil, err
	}
	return &ollamaStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type ollamaStream struct {
	body io.ReadCloser
	dec  *json.Decoder
	cur  string
	err  error
	done bool
}

func (s *ollamaStream) Next() bool {
	for !s.done && s.err == nil {
		var chunk ollamaChatChunk
		if err := s.dec.Decode(&chunk); err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("decode stream chunk: %w", err)
			}
			s.done = true
			return false
		}
		if chunk.Error != "" {
			s.err = fmt.Errorf("ollama: %s", chunk.Error)
			return false
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Message.Content != "" {
			s.cur = chunk.Message.Content
			return true
		}
	}
	return false
}

func (s *ollamaStream) Text() string { return s.cur }
func (s *ollamaStream) Err() error   { return s.err }

func (s *ollamaStream) Close() error {
	httpkit.DrainAndClose(s.body, 4096)
	return nil
}

// Complete runs each prompt through /api/generate in raw mode, since the
// prompts are already rendered with the chat template. Ollama has no
// batch endpoint so prompts run one after another.
func (c *OllamaClient) Complete(ctx context.Context, model string, prompts []string, s Sampling) ([]string, error) {
	out := make([]string, 0, len(prompts))
	for i, p := range prompts {
		resp, err := c.post(ctx, "/api/generate", ollamaGenerateRequest{
			Model:   model,
			Prompt:  p,
			Raw:     true,
			Stream:  false,
			Options: optionsFor(s),
		})
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		var gen ollamaGenerateResponse
		err = json.NewDecoder(resp.Body).Decode(&gen)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("prompt %d: decode response: %w", i, err)
		}
		if gen.Error != "" {
			return nil, fmt.Errorf("prompt %d: ollama: %s", i, gen.Error)
		}
		out = append(out, gen.Response)
	}
	return out, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return httpkit.CheckStatus(resp)
}
