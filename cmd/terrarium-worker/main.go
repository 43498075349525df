// Terrarium-worker bridges the mbabbott.com chat relay to a local LLM
// inference endpoint. It polls the relay for open chats, listens for
// push events over a WebSocket, and answers visitor messages through a
// tool-calling agent loop, publishing worker health along the way.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	terrarium-worker serve       Run the worker until interrupted
//	terrarium-worker check       One-shot backend health and LLM probe
//	terrarium-worker version     Print version and build information
//	terrarium-worker -o json check
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mbabbott/terrarium-worker/internal/agentclient"
	"github.com/mbabbott/terrarium-worker/internal/buildinfo"
	"github.com/mbabbott/terrarium-worker/internal/chatlog"
	"github.com/mbabbott/terrarium-worker/internal/config"
	"github.com/mbabbott/terrarium-worker/internal/mqttpub"
	"github.com/mbabbott/terrarium-worker/internal/relay"
	"github.com/mbabbott/terrarium-worker/internal/status"
	"github.com/mbabbott/terrarium-worker/internal/tools"
	"github.com/mbabbott/terrarium-worker/internal/worker"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests without os.Exit.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand (the flag package's global state makes
// parallel tests of run impossible) and dispatches to the subcommand.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "terrarium-worker - chat worker for mbabbott.com")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: terrarium-worker [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the worker until interrupted")
	fmt.Fprintln(w, "  check        One-shot backend health and LLM probe")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/terrarium-worker/config.yaml,")
	fmt.Fprintln(w, "  /etc/terrarium-worker/config.yaml")
	return nil
}

// runCheck probes the inference backend once and prints the combined
// report. Exits non-zero when either component is offline so the
// command works as a scriptable health check.
func runCheck(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(io.Discard, slog.LevelError)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	agent, err := newAgentClient(cfg, logger)
	if err != nil {
		return err
	}

	report := status.Report{
		AgentAPI: status.NewComponentStatus(),
		LLM:      status.NewComponentStatus(),
	}

	level, detail := agent.CheckAPIStatus(ctx)
	report.AgentAPI.Mark(level, detail)

	if latencyMS, err := agent.ProbeLLM(ctx); err != nil {
		report.LLM.Mark(status.Offline, err.Error())
	} else {
		report.LLM.MarkLatency(status.Online, "", latencyMS)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "agent api: %s", report.AgentAPI.Level)
		if report.AgentAPI.Detail != "" {
			fmt.Fprintf(stdout, " (%s)", report.AgentAPI.Detail)
		}
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "llm:       %s", report.LLM.Level)
		if report.LLM.HasLatency {
			fmt.Fprintf(stdout, " (%.0fms)", report.LLM.LatencyMS)
		}
		if report.LLM.Detail != "" {
			fmt.Fprintf(stdout, " (%s)", report.LLM.Detail)
		}
		fmt.Fprintln(stdout)
	}

	if report.AgentAPI.Level == status.Offline || report.LLM.Level == status.Offline {
		return fmt.Errorf("backend unhealthy")
	}
	return nil
}

// runServe is the primary operating mode: load config, wire the relay
// client, agent client, optional chat log, push stream, and MQTT
// mirror into the worker, and block until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting terrarium-worker",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"relay", cfg.Relay.URL,
		"agent", cfg.Agent.APIURL,
		"model", cfg.Agent.Model,
	)

	relayClient := relay.NewClient(relay.Config{
		BaseURL:      cfg.Relay.URL,
		ServiceToken: cfg.Relay.ServiceToken,
		SigningKey:   cfg.Relay.SigningKey,
		Timeout:      cfg.Relay.Timeout(),
		Logger:       logger,
	})

	agent, err := newAgentClient(cfg, logger)
	if err != nil {
		return err
	}

	// Signal handling before the long-lived loops start, so every loop
	// below inherits the cancellable context.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Optional chat event log. Loss is non-fatal; the nil Logger is a
	// no-op when disabled.
	var events *chatlog.Logger
	if cfg.ChatLog.Enabled {
		events, err = chatlog.Open(cfg.ChatLog.Path, logger)
		if err != nil {
			return fmt.Errorf("open chat log %s: %w", cfg.ChatLog.Path, err)
		}
		defer events.Close()
		logger.Info("chat event log opened", "path", cfg.ChatLog.Path)
	}

	// Optional MQTT status mirror.
	var mirror *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		mirror = mqttpub.New(cfg.MQTT, logger)
		if err := mirror.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt mirror: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := mirror.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}()
		logger.Info("mqtt status mirror enabled",
			"broker", cfg.MQTT.BrokerURL,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	}

	// Tool executors are external collaborators; the registry degrades
	// unknown names to a deterministic "not available" result, so a
	// bare registry still yields a working (if tool-less) worker.
	registry := tools.NewRegistry(logger)

	opts := worker.Options{
		Relay:    relayClient,
		Agent:    agent,
		Executor: registry,
		Events:   events,
		Logger:   logger,
		Config: worker.Config{
			PollInterval:                  cfg.Worker.PollInterval(),
			SuppressPollWhenPushConnected: cfg.Worker.SuppressPollWhenPushConnected,
			MaxTurns:                      cfg.Worker.MaxTurns,
			MaxToolIterations:             cfg.Worker.MaxToolIterations,
			StatusProbeInterval:           cfg.Worker.StatusProbeInterval(),
			LLMProbeInterval:              cfg.Worker.LLMProbeInterval(),
			QueueWorkers:                  cfg.Worker.QueueWorkers,
			QueueSize:                     cfg.Worker.QueueSize,
			StaleAfter:                    cfg.Worker.StaleAfter(),
		},
	}
	if mirror != nil {
		opts.Mirror = mirror
	}

	// Optional push-event stream. The worker keeps polling either way;
	// push just shortens the reaction time.
	var stream *relay.EventStream
	var streamWG sync.WaitGroup
	if cfg.Relay.EventsURL != "" {
		opts.PushLive = func() bool { return stream != nil && stream.Connected() }
	}

	w := worker.New(opts)

	if cfg.Relay.EventsURL != "" {
		stream = relay.NewEventStream(
			cfg.Relay.EventsURL,
			cfg.Relay.ServiceToken,
			cfg.Worker.PushRetry(),
			w.Enqueue,
			logger,
		)
		streamWG.Add(1)
		go func() {
			defer streamWG.Done()
			stream.Run(ctx)
		}()
		logger.Info("push event stream enabled", "url", cfg.Relay.EventsURL)
	} else {
		logger.Info("push event stream disabled, polling only")
	}

	w.Run(ctx)
	streamWG.Wait()

	logger.Info("terrarium-worker stopped")
	return nil
}

// newAgentClient builds the inference client, loading the system
// prompt override file when configured.
func newAgentClient(cfg *config.Config, logger *slog.Logger) (*agentclient.Client, error) {
	systemPrompt := ""
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("load system prompt %s: %w", cfg.Agent.SystemPromptFile, err)
		}
		systemPrompt = string(data)
	}

	return agentclient.New(agentclient.Config{
		APIURL:          cfg.Agent.APIURL,
		Model:           cfg.Agent.Model,
		HealthURL:       cfg.Agent.HealthURL,
		SystemPrompt:    systemPrompt,
		Timeout:         cfg.Agent.Timeout(),
		MaxRetries:      cfg.Agent.MaxRetries,
		CircuitFailures: cfg.Agent.CircuitFailures,
		CircuitCooldown: cfg.Agent.CircuitCooldown(),
		Logger:          logger,
	}), nil
}

// newLogger creates the worker's structured logger: text handler with
// the custom trace level rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file, then
// validates required fields.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
