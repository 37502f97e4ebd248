// Trainerd is a conversational training coach agent.
//
// It drives a multi-turn conversation with a local model, executes the
// tool directives the model embeds in its responses, and delivers
// replies reliably across network outages. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	trainerd chat               Start an interactive chat session
//	trainerd send <message>     Send a single message and print the reply
//	trainerd retry <id>         Manually retry a failed message
//	trainerd version            Print version and build information
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dleffel/trainer-agent/internal/agent"
	"github.com/dleffel/trainer-agent/internal/buildinfo"
	"github.com/dleffel/trainer-agent/internal/config"
	"github.com/dleffel/trainer-agent/internal/connwatch"
	"github.com/dleffel/trainer-agent/internal/delivery"
	"github.com/dleffel/trainer-agent/internal/llm"
	"github.com/dleffel/trainer-agent/internal/mqtt"
	"github.com/dleffel/trainer-agent/internal/store"
	"github.com/dleffel/trainer-agent/internal/tools"
)

// defaultConversationID names the single CLI conversation. The
// transcript model supports multiple conversations; the CLI uses one.
const defaultConversationID = "default"

// main is intentionally minimal. It constructs the OS-level
// environment and delegates to [run] so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the argument surface here
// is tiny.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, configPath)
	case "send":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: trainerd send <message>")
		}
		return runSend(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "retry":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: trainerd retry <message-id>")
		}
		return runRetry(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Trainerd - Conversational Training Coach")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: trainerd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat             Start an interactive chat session")
	fmt.Fprintln(w, "  send <message>   Send one message and print the reply")
	fmt.Fprintln(w, "  retry <id>       Manually retry a failed message")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	return nil
}

// app holds the wired runtime: everything a subcommand needs to
// process messages.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	client   *llm.OllamaClient
	watcher  *connwatch.Watcher
	manager  *delivery.Manager
	tokens   *mqtt.DailyTokens
	lastTurn atomic.Int64 // unix nanos of last completed model turn
	mqttStop func(context.Context) error
}

// newApp loads config and constructs the full pipeline: store, tool
// registry, model client, connectivity watcher, turn orchestrator, and
// delivery manager. The MQTT publisher is started when enabled.
func newApp(ctx context.Context, stdout io.Writer, configPath string) (*app, error) {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("starting", "build", buildinfo.String())
	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Model.Name,
		"ollama_url", cfg.Model.OllamaURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "trainerd.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	logger.Info("database opened", "path", dbPath)

	client := llm.NewOllamaClient(cfg.Model.OllamaURL, cfg.Model.Name, cfg.Model.RequestTimeout(), logger)

	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewProgramExecutor(st))
	registry.Register(tools.NewWorkoutExecutor(st))
	registry.Register(tools.NewHealthExecutor(tools.NewStoreHealthProvider(st)))

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		client: client,
		tokens: mqtt.NewDailyTokens(nil),
	}

	systemPrompt, err := loadSystemPrompt(cfg, registry)
	if err != nil {
		return nil, err
	}

	orchestrator := agent.NewOrchestrator(client, registry, st, logger,
		agent.WithSystemPrompt(systemPrompt),
		agent.WithMaxTurns(cfg.Agent.MaxTurns),
		agent.WithTokenObserver(func(in, out int) {
			a.tokens.OnTokens(in, out)
			a.lastTurn.Store(time.Now().UnixNano())
		}),
	)

	policy := delivery.RetryPolicy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Delivery.BaseDelaySec) * time.Second,
		MaxDelay:    time.Duration(cfg.Delivery.MaxDelaySec) * time.Second,
		Multiplier:  2.0,
	}

	// The watcher feeds the delivery manager's connectivity signal and
	// drains the offline queue whenever the model endpoint recovers.
	// The OnReady closure captures the app by pointer: the manager is
	// constructed right after Watch returns, and the nil check covers
	// a probe that succeeds before the assignment lands.
	a.watcher = connwatch.Watch(ctx, connwatch.Config{
		Name:  "ollama",
		Probe: client.Ping,
		OnReady: func() {
			if a.manager != nil {
				a.manager.DrainOffline(ctx)
			}
		},
		Logger: logger,
	})
	a.manager = delivery.NewManager(st, orchestrator, a.watcher, policy, logger)

	// Pick up any delivery a previous process left unfinished before
	// accepting new input.
	a.manager.RecoverInFlight(ctx)

	if cfg.MQTT.Enabled {
		publisher := mqtt.New(cfg.MQTT, a.tokens, (*appStats)(a), logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Warn("mqtt publisher stopped", "error", err)
			}
		}()
		a.mqttStop = publisher.Stop
	}

	return a, nil
}

// close releases everything newApp opened.
func (a *app) close() {
	if a.mqttStop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mqttStop(stopCtx); err != nil {
			a.logger.Warn("mqtt shutdown", "error", err)
		}
	}
	a.watcher.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// send persists one user message and runs it through the delivery
// pipeline, reporting queue status for offline sends.
func (a *app) send(ctx context.Context, stdout io.Writer, content string) error {
	msg := store.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: defaultConversationID,
		Role:           "user",
		Content:        content,
	}

	reply, err := a.manager.Send(ctx, msg)
	if errors.Is(err, delivery.ErrOffline) {
		fmt.Fprintf(stdout, "(offline — message queued, %d waiting)\n", a.manager.QueueDepth())
		return nil
	}
	if err != nil {
		fmt.Fprintf(stdout, "(delivery failed: %s — retry with: trainerd retry %s)\n", err, msg.ID)
		return nil
	}

	fmt.Fprintln(stdout, reply)
	return nil
}

// runChat handles "trainerd chat": a line-oriented REPL until EOF or
// SIGINT/SIGTERM.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Fprintln(stdout, "trainerd ready — type a message, Ctrl-D to exit")

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := a.send(ctx, stdout, line); err != nil {
			return err
		}
	}

	fmt.Fprintln(stdout)
	a.logger.Info("chat session ended")
	return scanner.Err()
}

// runSend handles "trainerd send <message>".
func runSend(ctx context.Context, stdout io.Writer, configPath, message string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	return a.send(ctx, stdout, message)
}

// runRetry handles "trainerd retry <message-id>".
func runRetry(ctx context.Context, stdout io.Writer, configPath, messageID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	reply, err := a.manager.ManualRetry(ctx, messageID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", messageID, err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// appStats adapts app to the mqtt.StatsSource interface.
type appStats app

func (s *appStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *appStats) Version() string       { return buildinfo.Version }
func (s *appStats) Model() string         { return s.cfg.Model.Name }
func (s *appStats) QueueDepth() int       { return s.manager.QueueDepth() }

func (s *appStats) LastTurnTime() time.Time {
	ns := s.lastTurn.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// loadSystemPrompt reads the persona prompt file when configured and
// appends the directive protocol section listing every registered
// tool.
func loadSystemPrompt(cfg *config.Config, registry *tools.Registry) (string, error) {
	persona := defaultPersona
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return "", fmt.Errorf("read system prompt %s: %w", cfg.Agent.SystemPromptFile, err)
		}
		persona = strings.TrimSpace(string(data))
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nYou can perform actions by embedding directives in your response using the form ")
	b.WriteString("[TOOL_CALL: name] or [TOOL_CALL: name(key: value, ...)]. ")
	b.WriteString("Available directives: ")
	b.WriteString(strings.Join(registry.Names(), ", "))
	b.WriteString(". Results are provided to you before your next response; never invent results.")
	return b.String(), nil
}

const defaultPersona = "You are a knowledgeable, encouraging endurance training coach. " +
	"Keep answers specific and grounded in the athlete's current program and recent data."

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
