package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/scout/internal/agent"
	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/events"
	"github.com/nugget/scout/internal/fetch"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/search"
	"github.com/nugget/scout/internal/session"
	"github.com/nugget/scout/internal/tokens"
	"github.com/nugget/scout/internal/tools"
	"github.com/nugget/scout/internal/usage"
)

// usageDBName is the audit database file under data_dir.
const usageDBName = "usage.db"

// app holds the wired components shared by serve and ask.
type app struct {
	llm      *llm.MultiClient
	loop     *agent.Loop
	sessions *session.Manager
	bus      *events.Bus
	usage    *usage.Store
}

// newApp wires every component from cfg. Web search is left out, with a
// warning, when the selected search provider has no credentials.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	tmpl, err := tokens.LookupTemplate(cfg.Tokenizer.Template)
	if err != nil {
		return nil, err
	}
	tok, err := tokens.New(cfg.Tokenizer.Encoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, counting runes", "encoding", cfg.Tokenizer.Encoding, "error", err)
		tok = tokens.Runes{}
	}
	estimator := tokens.NewEstimator(tok, tmpl)

	a := &app{
		llm: createLLMClient(cfg, logger),
		bus: events.New(),
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, usageDBName))
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
	}

	registry := tools.NewRegistry()
	providers, err := search.NewManagerFromConfig(cfg.Search)
	if err != nil {
		logger.Warn("web search disabled", "error", err)
	} else {
		orchestrator := search.NewOrchestrator(
			providers,
			fetch.New(cfg.Fetch, logger),
			a.llm,
			estimator,
			search.Settings{
				Pages:        cfg.Search.Pages,
				Language:     cfg.Search.Language,
				FetchTimeout: cfg.Fetch.Timeout,
				SummaryModel: cfg.SummaryModel.Name,
				Summary:      cfg.Summary,
				Stop:         tmpl.Stop(),
			},
			logger, a.bus, a.usage,
		)
		registry.Register(orchestrator.Tool())
		logger.Info("web search enabled", "provider", cfg.Search.Provider, "providers", providers.Providers())
	}

	a.sessions = session.NewManager(registry.Len() > 0)
	a.loop = agent.NewLoop(logger, a.llm, registry, estimator,
		agent.SettingsFromConfig(cfg, tmpl.Stop()),
		agent.WithEventBus(a.bus),
		agent.WithUsage(a.usage),
	)
	return a, nil
}

// Close releases the usage store.
func (a *app) Close() error {
	return a.usage.Close()
}

// createLLMClient builds a multi-provider client. The chat model and the
// summary model are each routed to their configured provider; the chat
// model's provider is the fallback.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	clients := make(map[string]llm.Client)
	clientFor := func(provider string) llm.Client {
		if c, ok := clients[provider]; ok {
			return c
		}
		var c llm.Client
		switch provider {
		case "anthropic":
			c = llm.NewAnthropicClient(cfg.Providers.Anthropic.BaseURL, cfg.Providers.Anthropic.APIKey, logger)
		case "ollama":
			c = llm.NewOllamaClient(cfg.Providers.Ollama.URL, logger)
		default:
			c = llm.NewOpenAIClient(cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.APIKey, logger)
		}
		clients[provider] = c
		return c
	}

	multi := llm.NewMultiClient(clientFor(cfg.Model.Provider))
	for _, m := range []config.ModelConfig{cfg.Model, cfg.SummaryModel} {
		multi.AddProvider(m.Provider, clientFor(m.Provider))
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized",
		"model", cfg.Model.Name, "provider", cfg.Model.Provider,
		"summary_model", cfg.SummaryModel.Name, "summary_provider", cfg.SummaryModel.Provider,
	)
	return multi
}
