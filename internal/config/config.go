// Package config handles Scout configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/scout/config.yaml, /etc/scout/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scout", "config.yaml"))
	}

	paths = append(paths, "/etc/scout/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Scout configuration.
type Config struct {
	Listen       ListenConfig    `yaml:"listen"`
	Model        ModelConfig     `yaml:"model"`
	SummaryModel ModelConfig     `yaml:"summary_model"`
	Providers    ProvidersConfig `yaml:"providers"`
	Agent        AgentConfig     `yaml:"agent"`
	Session      SessionConfig   `yaml:"session"`
	Search       SearchConfig    `yaml:"search"`
	Fetch        FetchConfig     `yaml:"fetch"`
	Summary      SummaryConfig   `yaml:"summary"`
	Protocol     ProtocolConfig  `yaml:"protocol"`
	Tokenizer    TokenizerConfig `yaml:"tokenizer"`
	Logging      LoggingConfig   `yaml:"logging"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`

	// DataDir holds the usage audit database. Empty disables it.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig names a model and the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// ProvidersConfig holds connection settings per model provider.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// OpenAIConfig covers any OpenAI-compatible server, including vLLM.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// OllamaConfig defines the Ollama server location.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// SamplingConfig is the per-mode generation settings.
type SamplingConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AgentConfig bounds the action loop.
type AgentConfig struct {
	// MaxActionTurns is the number of tool/response cycles allowed per
	// user message. The loop runs at most twice this many generations.
	MaxActionTurns int `yaml:"max_action_turns"`

	// Search is used when web search is enabled, Chat otherwise.
	Search SamplingConfig `yaml:"search"`
	Chat   SamplingConfig `yaml:"chat"`

	// Stop overrides the chat template's stop tokens.
	Stop []string `yaml:"stop"`
}

// SessionConfig controls history truncation.
type SessionConfig struct {
	Window         int `yaml:"window"`
	MaxInputTokens int `yaml:"max_input_tokens"`
}

// SearchConfig selects the web search provider and fan-out width.
type SearchConfig struct {
	Provider string `yaml:"provider"` // serper, brave, searxng
	Pages    int    `yaml:"pages"`
	Language string `yaml:"language"`

	Serper  SerperConfig  `yaml:"serper"`
	Brave   BraveConfig   `yaml:"brave"`
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// SerperConfig holds google.serper.dev credentials.
type SerperConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// BraveConfig holds Brave Search credentials.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// FetchConfig controls page loading.
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// SummaryConfig controls per-page summarization.
type SummaryConfig struct {
	MaxInputTokens int     `yaml:"max_input_tokens"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

// ProtocolConfig holds the function-call marker pair.
type ProtocolConfig struct {
	FunctionStart string `yaml:"function_start"`
	FunctionEnd   string `yaml:"function_end"`
}

// TokenizerConfig selects the tokenizer and chat template used for
// budget estimation.
type TokenizerConfig struct {
	Encoding string `yaml:"encoding"` // tiktoken encoding name, or "runes"
	Template string `yaml:"template"` // chatml, megrez
}

// LoggingConfig enables rotating file logs.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig enables OpenTelemetry stdout exporters.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields take their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for a local vLLM server.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Model.Name == "" {
		c.Model.Name = "megrez-3b-instruct"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.SummaryModel.Name == "" {
		c.SummaryModel = c.Model
	}
	if c.SummaryModel.Provider == "" {
		c.SummaryModel.Provider = c.Model.Provider
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = "http://localhost:8000/v1"
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}

	if c.Agent.MaxActionTurns == 0 {
		c.Agent.MaxActionTurns = 3
	}
	if c.Agent.Search.MaxTokens == 0 {
		c.Agent.Search = SamplingConfig{Temperature: 0.2, MaxTokens: 1024}
	}
	if c.Agent.Chat.MaxTokens == 0 {
		c.Agent.Chat = SamplingConfig{Temperature: 0.7, MaxTokens: 1024}
	}

	if c.Session.Window == 0 {
		c.Session.Window = 5
	}
	if c.Session.MaxInputTokens == 0 {
		c.Session.MaxInputTokens = 4096
	}

	if c.Search.Provider == "" {
		c.Search.Provider = "serper"
	}
	if c.Search.Pages == 0 {
		c.Search.Pages = 5
	}
	if c.Search.Serper.URL == "" {
		c.Search.Serper.URL = "https://google.serper.dev/search"
	}

	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 10 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 2 << 20
	}

	if c.Summary.MaxInputTokens == 0 {
		c.Summary.MaxInputTokens = 2048
	}
	if c.Summary.MaxTokens == 0 {
		c.Summary.MaxTokens = 512
	}

	if c.Protocol.FunctionStart == "" {
		c.Protocol.FunctionStart = "<|function_start|>"
	}
	if c.Protocol.FunctionEnd == "" {
		c.Protocol.FunctionEnd = "<|function_end|>"
	}

	if c.Tokenizer.Encoding == "" {
		c.Tokenizer.Encoding = "cl100k_base"
	}
	if c.Tokenizer.Template == "" {
		c.Tokenizer.Template = "megrez"
	}

	if c.Logging.File != "" && c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "scout"
	}
	if c.Telemetry.MetricInterval == 0 {
		c.Telemetry.MetricInterval = time.Minute
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.MaxActionTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.max_action_turns must be positive, got %d", c.Agent.MaxActionTurns))
	}
	if c.Session.Window < 1 {
		errs = append(errs, fmt.Errorf("session.window must be positive, got %d", c.Session.Window))
	}
	if c.Session.MaxInputTokens < 1 {
		errs = append(errs, fmt.Errorf("session.max_input_tokens must be positive, got %d", c.Session.MaxInputTokens))
	}
	if c.Search.Pages < 1 {
		errs = append(errs, fmt.Errorf("search.pages must be positive, got %d", c.Search.Pages))
	}
	if c.Protocol.FunctionStart == c.Protocol.FunctionEnd {
		errs = append(errs, errors.New("protocol.function_start and protocol.function_end must differ"))
	}
	for _, m := range []ModelConfig{c.Model, c.SummaryModel} {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	switch c.Search.Provider {
	case "serper", "brave", "searxng":
	default:
		errs = append(errs, fmt.Errorf("search.provider: unknown provider %q", c.Search.Provider))
	}
	return errors.Join(errs...)
}
