package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/moziai/mozi/internal/agent"
	"github.com/moziai/mozi/internal/bootstrap"
	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/gateway"
	"github.com/moziai/mozi/internal/heartbeat"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sandbox"
	"github.com/moziai/mozi/internal/secrets"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/subagent"
	"github.com/moziai/mozi/internal/tools"
	"github.com/moziai/mozi/internal/tracing"
	"github.com/moziai/mozi/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon (the default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry first so every later subsystem can hand out spans.
	collector, shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	sessStore, err := sessions.NewStore(cfg.Paths.Sessions)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	confStore := config.NewStore(cfgPath)

	msgBus := bus.New()
	lifecycle := bus.NewLifecycleBus()

	models := providers.FromConfig(cfg.Models)
	if len(models.Names()) == 0 {
		slog.Warn("no provider credentials configured, agents cannot run turns",
			"hint", "set MOZI_<PROVIDER>_API_KEY or models.providers.*.apiKey")
	}

	// Seed agent homes and workspaces before anything reads them.
	for _, id := range cfg.AgentIDs() {
		resolved := cfg.ResolveAgent(id)
		if err := os.MkdirAll(resolved.Workspace, 0o755); err != nil {
			slog.Warn("workspace create failed", "agent", id, "error", err)
		}
		seeded, err := bootstrap.EnsureHomeFiles(resolved.Home)
		if err != nil {
			slog.Warn("bootstrap seeding failed", "agent", id, "error", err)
		} else if len(seeded) > 0 {
			slog.Info("seeded agent home", "agent", id, "files", seeded)
		}
	}

	// Secrets broker is optional: without a master key the exec tool
	// still runs, it just cannot resolve authRefs.
	var broker *secrets.Broker
	if key, kerr := secrets.MasterKeyFromEnv(cfg.Runtime.Auth.MasterKeyEnv); kerr != nil {
		slog.Warn("secrets broker disabled", "error", kerr)
	} else {
		broker, err = secrets.Open(cfg.Paths.Secrets, key)
		if err != nil {
			return fmt.Errorf("open secrets store: %w", err)
		}
		defer broker.Close()
		slog.Info("secrets broker ready", "path", cfg.Paths.Secrets)
	}

	pool := sandbox.NewPool()
	defer pool.Close()

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewExecTool(cfg, pool, broker))
	toolsReg.Register(tools.NewReadFileTool())
	toolsReg.Register(tools.NewWriteFileTool())
	toolsReg.Register(tools.NewEditFileTool())
	toolsReg.Register(tools.NewLsTool())
	toolsReg.Register(tools.NewGrepTool())
	toolsReg.Register(tools.NewFindTool())
	toolsReg.Register(tools.NewSkillsNoteTool(cfg))
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	braveKey := os.Getenv("MOZI_BRAVE_API_KEY")
	if ws := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:  braveKey,
		BraveEnabled: braveKey != "",
		DDGEnabled:   true,
	}); ws != nil {
		toolsReg.Register(ws)
	}

	registry := agent.NewRegistry(agent.RegistryDeps{
		Config:   cfg,
		Models:   models,
		Sessions: sessStore,
		Tools:    toolsReg,
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Registry:  registry,
		Tools:     toolsReg,
		Sessions:  sessStore,
		Lifecycle: lifecycle,
		Tracer:    collector,
		OnEvent: func(ev agent.AgentEvent) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
		},
	})
	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Config:   cfg,
		Bus:      msgBus,
		Runner:   runner,
		Registry: registry,
	})

	subagents := subagent.NewRegistry(subagent.Options{
		Config:    cfg,
		Runner:    runner,
		Sessions:  sessStore,
		Bus:       msgBus,
		Lifecycle: lifecycle,
		StatePath: filepath.Join(cfg.Paths.Sessions, subagent.StateFileName),
	})
	defer subagents.Close()
	toolsReg.Register(tools.NewSubagentRunTool(subagents))

	heartbeats := heartbeat.NewRunner(heartbeat.Options{
		Config:   cfg,
		Bus:      msgBus,
		Sessions: sessStore,
		Probe:    registry,
	})
	heartbeats.Start(ctx)
	defer heartbeats.Close()

	server := gateway.NewServer(gateway.Options{
		Config:      cfg,
		Events:      msgBus,
		Bus:         msgBus,
		Sessions:    sessStore,
		ConfigStore: confStore,
		Aborter:     dispatcher,
		Collector:   collector,
		Version:     Version,
	})

	// Tool and lifecycle stream events feed the gateway event channel.
	unsubscribe := lifecycle.Subscribe(func(ev bus.RunEvent) {
		msgBus.Broadcast(bus.Event{Name: protocol.EventLifecycle, Payload: ev})
	})
	defer unsubscribe()

	// Config edits over RPC land on disk; the watcher makes file edits
	// made behind our back visible in the log. Live re-wiring is not
	// attempted, a restart applies the change.
	watcher, werr := config.Watch(cfgPath, func() {
		res := config.LoadFile(cfgPath)
		if !res.Success {
			slog.Warn("config file changed but does not validate", "errors", strings.Join(res.Errors, "; "))
			return
		}
		slog.Info("config file changed, restart to apply", "path", cfgPath)
	})
	if werr != nil {
		slog.Warn("config watcher unavailable", "error", werr)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig.String())
			server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("mozi gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agents", cfg.AgentIDs(),
		"models", models.Names(),
		"tools", len(toolsReg.List()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		pumpOutbound(gctx, msgBus, server)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// Let in-flight turns write their transcripts before the stores go away.
	runner.Wait()
	slog.Info("gateway stopped")
	return nil
}

// pumpOutbound routes agent replies: messages that originated from a
// WebSocket client go back to that client, everything else (heartbeat,
// subagent announcements, system prompts) is broadcast so observers can
// follow along.
func pumpOutbound(ctx context.Context, msgBus *bus.MessageBus, server *gateway.Server) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Channel == "websocket" {
			server.DeliverOutbound(msg)
			continue
		}
		server.BroadcastEvent(*protocol.NewEvent(protocol.EventChat, map[string]interface{}{
			"type":       protocol.ChatEventMessage,
			"channel":    msg.Channel,
			"sessionKey": msg.SessionKey,
			"content":    msg.Content,
		}))
	}
}

// setupLogging installs the process-wide slog handler from the logging
// config; --verbose forces debug regardless of the file.
func setupLogging(lc config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if lc.File != "" {
		path := config.ExpandHome(lc.File)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err == nil {
			out = f
		} else {
			fmt.Fprintf(os.Stderr, "log file %s unavailable, logging to stderr: %v\n", path, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}
