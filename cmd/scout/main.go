// Scout is a web-search chat agent. A local model answers questions,
// calling a web search tool when it needs fresh information, and cites
// the pages its answer is drawn from.
//
// Usage:
//
//	scout serve                        Start the API server
//	scout ask [--no-search] <question> Ask a single question
//	scout usage [--since 24h]          Summarize recorded model and tool calls
//	scout version                      Print version and build information
//	scout -o json version              Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/scout/internal/agent"
	"github.com/nugget/scout/internal/api"
	"github.com/nugget/scout/internal/buildinfo"
	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/telemetry"
	"github.com/nugget/scout/internal/tools"
	"github.com/nugget/scout/internal/usage"
)

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the scout command. Cancelling ctx
// triggers graceful shutdown. Global flags precede the command; anything
// after the command belongs to it.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	flags := pflag.NewFlagSet("scout", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	configPath := flags.String("config", "", "path to config file (default: auto-discover)")
	outputFmt := flags.StringP("output", "o", "text", "output format: text or json")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return printUsage(stdout, flags)
		}
		return err
	}
	if *help {
		return printUsage(stdout, flags)
	}
	if *outputFmt != "text" && *outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", *outputFmt)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return printUsage(stdout, flags)
	}

	switch command, cmdArgs := rest[0], rest[1:]; command {
	case "serve":
		return runServe(ctx, stdout, stderr, *configPath)
	case "ask":
		return runAsk(ctx, stdout, stderr, *configPath, *outputFmt, cmdArgs)
	case "usage":
		return runUsage(ctx, stdout, stderr, *configPath, *outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, *outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer, flags *pflag.FlagSet) error {
	fmt.Fprintln(w, "Scout - web search chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: scout [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Start the API server")
	fmt.Fprintln(w, "  ask [--no-search] <question>  Ask a single question")
	fmt.Fprintln(w, "  usage [--since 24h]           Summarize recorded model and tool calls")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration. An explicit path
// must exist; without one, built-in defaults apply when no file is
// found.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads config and builds the logger. Logs go to logOut.
func setup(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := telemetry.NewLogger(cfg.Logging, level, logOut)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	return cfg, logger, closer, nil
}

// runAsk answers one question, streaming chat text to stdout as it is
// generated. Logs and search progress go to stderr.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	flags := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	noSearch := flags.Bool("no-search", false, "answer without web search")
	if err := flags.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if question == "" {
		return fmt.Errorf("usage: scout ask [--no-search] <question>")
	}

	cfg, logger, closer, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, stderr)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdown(context.WithoutCancel(ctx))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.sessions.Create()
	req := &agent.Request{Message: question}
	if *noSearch {
		off := false
		req.WebSearch = &off
	}

	stream := func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.EventToken:
			if outputFmt == "text" {
				fmt.Fprint(stdout, ev.Content)
			}
		case agent.EventProgress:
			if ev.Progress != nil {
				fmt.Fprintf(stderr, "[%s] %s\n", ev.Progress.Status, ev.Progress.Source.Link)
			}
		}
	}

	resp, err := a.loop.Run(ctx, st, req, stream)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*agent.Response
			Sources []tools.Source `json:"sources"`
		}{resp, st.Sources()})
	}
	fmt.Fprintln(stdout)
	if src := st.Sources(); len(src) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, tools.FormatSources(src))
	}
	return nil
}

// runUsage reports totals from the usage audit database over a trailing
// window.
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	flags := pflag.NewFlagSet("usage", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	since := flags.Duration("since", 24*time.Hour, "length of the reporting window")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return errors.New("usage audit is disabled: data_dir is not set")
	}
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, usageDBName))
	if err != nil {
		return err
	}
	defer store.Close()

	// Records are stored to the second and the window is half-open.
	end := time.Now().UTC().Truncate(time.Second).Add(time.Second)
	start := end.Add(-*since)
	sum, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := store.CallsByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Start   time.Time      `json:"start"`
			End     time.Time      `json:"end"`
			Totals  *usage.Summary `json:"totals"`
			ByModel map[string]int `json:"by_model"`
		}{start, end, sum, byModel})
	}

	fmt.Fprintf(stdout, "Usage since %s\n", start.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  model calls  %d (%d input tokens, %s)\n", sum.LLMCalls, sum.InputTokens, sum.TotalLLMDuration)
	fmt.Fprintf(stdout, "  tool calls   %d (%d failed)\n", sum.ToolCalls, sum.FailedToolCalls)
	for _, model := range slices.Sorted(maps.Keys(byModel)) {
		fmt.Fprintf(stdout, "    %-24s %d\n", model, byModel[model])
	}
	return nil
}

// runServe starts the API server and blocks until ctx is cancelled,
// then drains in-flight requests.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, logger, closer, err := setup(configPath, stdout)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("starting scout", "version", buildinfo.Ver(), "commit", buildinfo.Commit())

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, stderr)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.sessions, logger)
	server.SetEventBus(a.bus)
	server.SetHealthCheck(a.llm)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
