package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agentcore/internal/adapter/gateway"
	"agentcore/internal/adapter/llm"
	"agentcore/internal/adapter/tool"
	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
	"agentcore/internal/infra/logger"
	"agentcore/internal/infra/tracer"
	"agentcore/internal/usecase"
	"agentcore/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentcore - tool-calling agent runtime

USAGE:
    agentcore [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --provider NAME    Model provider (anthropic, openai)
    --model NAME       Model name (e.g. claude-sonnet-4-5, gpt-4o)
    --key KEY          API key for the provider
    --prompt TEXT      Run a single query and exit

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AGENTCORE_* variables override config

EXAMPLES:
    agentcore                                  # Interactive chat with config.yaml
    agentcore --config /path/to/config.yaml
    agentcore --provider anthropic --model claude-sonnet-4-5 --key sk-...
    agentcore --prompt "summarize README.md"   # One-shot query
    AGENTCORE_GATEWAY_ENABLED=true agentcore   # Serve the WebSocket gateway`)
}

// cliFlags holds optional CLI flags that can bypass the config file.
type cliFlags struct {
	Config   string
	Provider string
	Model    string
	APIKey   string
	Prompt   string
}

// parseFlags extracts flags from os.Args. Both "--flag value" and
// "--flag=value" forms are accepted.
func parseFlags() cliFlags {
	var flags cliFlags
	take := func(i int, name string) (string, bool) {
		arg := os.Args[i]
		if arg == "--"+name && i+1 < len(os.Args) {
			return os.Args[i+1], true
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"="), false
		}
		return "", false
	}
	for i := 1; i < len(os.Args); i++ {
		for name, dst := range map[string]*string{
			"config":   &flags.Config,
			"provider": &flags.Provider,
			"model":    &flags.Model,
			"key":      &flags.APIKey,
			"prompt":   &flags.Prompt,
		} {
			if v, consumed := take(i, name); v != "" {
				*dst = v
				if consumed {
					i++
				}
				break
			}
		}
	}
	return flags
}

// buildQuickConfig creates a minimal config from CLI flags, bypassing
// config file loading.
func buildQuickConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider == "" || flags.Model == "" || flags.APIKey == "" {
		return nil, fmt.Errorf("--provider, --model, and --key must all be specified")
	}

	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = flags.Provider
	cfg.LLM.Providers = []config.ProviderConfig{
		{
			Name:   flags.Provider,
			Type:   flags.Provider,
			Model:  flags.Model,
			APIKey: flags.APIKey,
		},
	}

	config.ApplyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("AGENTCORE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	flags := parseFlags()

	var cfg *config.Config
	var err error
	if flags.Provider != "" {
		cfg, err = buildQuickConfig(flags)
	} else {
		cfg, err = config.Load(configPath(flags))
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Model provider
	provider, err := buildProvider(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Tools
	tools := tool.NewRegistry(log)

	// 6. Compactor
	var compactor *usecase.Compactor
	if cfg.Agent.Compaction.Enabled {
		compactor = usecase.NewCompactor(provider, usecase.CompactorConfig{
			Enabled:        true,
			ThresholdRatio: cfg.Agent.Compaction.ThresholdRatio,
		}, tokenCounter(log), log)
	}

	// 7. Runner
	runner := usecase.NewRunner(usecase.RunnerDeps{
		Provider:     provider,
		Tools:        tools,
		Logger:       log,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSteps:     cfg.Agent.MaxSteps,
		Compactor:    compactor,
		Bus:          bus,
		Classifier:   usecase.NewErrorClassifier(),
	})

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("agentcore starting",
		"provider", provider.Name(),
		"max_steps", cfg.Agent.MaxSteps,
		"compaction", cfg.Agent.Compaction.Enabled,
		"gateway", cfg.Gateway.Enabled,
	)

	// 9. Serve or chat
	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(bus, cfg.Gateway.Addr, log)
		gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
			Runner: runner,
			Bus:    bus,
			Logger: log,
		})
		return srv.Start(ctx)
	}

	if flags.Prompt != "" {
		return runOnce(ctx, runner, flags.Prompt)
	}
	return runChat(ctx, runner)
}

// buildProvider constructs the default model provider from config and
// wraps it with the configured resilience layers.
func buildProvider(cfg *config.Config, log *slog.Logger) (domain.ModelProvider, error) {
	pc, err := defaultProviderConfig(cfg.LLM)
	if err != nil {
		return nil, err
	}

	var provider domain.ModelProvider
	typ := pc.Type
	if typ == "" {
		typ = pc.Name
	}
	switch typ {
	case "anthropic":
		provider = llm.NewAnthropicProvider(pc, log)
	case "openai":
		provider = llm.NewOpenAIProvider(pc, log)
	default:
		return nil, fmt.Errorf("provider %q has unsupported type %q", pc.Name, typ)
	}

	if cfg.LLM.CircuitBreaker.Enabled {
		provider = llm.NewCircuitBreakerProvider(provider, cfg.LLM.CircuitBreaker, log)
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout,
		)
	}
	if rl := cfg.LLM.RateLimit; rl.Enabled {
		provider = llm.NewRateLimitedProvider(provider, rl.RequestsPerSecond, rl.Burst)
		log.Info("llm rate limit enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}
	return provider, nil
}

func defaultProviderConfig(cfg config.LLMConfig) (config.ProviderConfig, error) {
	if len(cfg.Providers) == 0 {
		return config.ProviderConfig{}, fmt.Errorf("no providers configured; set llm.providers in config.yaml or pass --provider/--model/--key")
	}
	if cfg.DefaultProvider == "" {
		return cfg.Providers[0], nil
	}
	for _, pc := range cfg.Providers {
		if pc.Name == cfg.DefaultProvider {
			if pc.APIKey == "" {
				return config.ProviderConfig{}, fmt.Errorf("provider %q has no api_key", pc.Name)
			}
			return pc, nil
		}
	}
	return config.ProviderConfig{}, fmt.Errorf("default provider %q not found", cfg.DefaultProvider)
}

// tokenCounter prefers the real BPE tokenizer and falls back to the
// chars/4 estimate when the encoding cannot be loaded.
func tokenCounter(log *slog.Logger) usecase.TokenCounter {
	counter, err := usecase.NewTiktokenCounter("cl100k_base")
	if err != nil {
		log.Warn("tiktoken unavailable, using byte estimate", "error", err)
		return usecase.EstimateCounter{}
	}
	return counter
}

// runOnce streams a single query to stdout and exits.
func runOnce(ctx context.Context, runner *usecase.Runner, prompt string) error {
	buf := runner.CreateContext()
	return streamTurn(ctx, runner, buf, prompt)
}

// runChat reads prompts from stdin and streams answers, keeping the
// conversation in one buffer across turns.
func runChat(ctx context.Context, runner *usecase.Runner) error {
	buf := runner.CreateContext()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Println("agentcore ready. Type a prompt, or /quit to exit.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/reset":
			buf = runner.CreateContext()
			fmt.Println("conversation cleared")
			continue
		}

		if err := streamTurn(ctx, runner, buf, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// streamTurn runs one query and renders its events to the terminal.
func streamTurn(ctx context.Context, runner *usecase.Runner, buf *usecase.Buffer, prompt string) error {
	events, err := runner.QueryStream(ctx, buf, prompt)
	if err != nil {
		return err
	}

	printedText := false
	for ev := range events {
		switch ev.Type {
		case domain.AgentEventTextDelta:
			fmt.Print(ev.Text)
			printedText = true
		case domain.AgentEventToolCall:
			fmt.Fprintf(os.Stderr, "[tool %s]\n", ev.Tool)
		case domain.AgentEventError:
			if printedText {
				fmt.Println()
			}
			return ev.Err
		case domain.AgentEventDone:
			if !printedText && ev.Result != nil {
				fmt.Print(ev.Result.Text)
			}
			fmt.Println()
		}
	}
	return ctx.Err()
}
