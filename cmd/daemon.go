package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/adapters/discord"
	"github.com/teleclaude/teleclaude/internal/adapters/telegram"
	"github.com/teleclaude/teleclaude/internal/adapters/webui"
	"github.com/teleclaude/teleclaude/internal/adapters/whatsapp"
	"github.com/teleclaude/teleclaude/internal/api"
	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/fanout"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/links"
	"github.com/teleclaude/teleclaude/internal/listeners"
	"github.com/teleclaude/teleclaude/internal/notify"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/poller"
	"github.com/teleclaude/teleclaude/internal/queue"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/internal/summary"
	"github.com/teleclaude/teleclaude/internal/sweep"
	"github.com/teleclaude/teleclaude/internal/telemetry"
	"github.com/teleclaude/teleclaude/internal/tmux"
	"github.com/teleclaude/teleclaude/internal/upgrade"
	"github.com/teleclaude/teleclaude/internal/voice"
	"github.com/teleclaude/teleclaude/pkg/client"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the TeleClaude daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
	cmd.AddCommand(daemonStopCmd())
	return cmd
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon over its API socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := client.New(cfg.API.SocketPath).Shutdown(ctx); err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", cfg.API.SocketPath, err)
			}
			fmt.Println("daemon stopping")
			return nil
		},
	}
}

func runDaemon() {
	// Logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	// Configuration
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// Store: open, refuse to run against a schema we cannot handle,
	// then migrate forward and run any pending data hooks.
	driver := cfg.Storage.Driver
	dsn := config.ExpandHome(cfg.Storage.Path)
	if driver == sqlstore.DriverPostgres {
		dsn = cfg.Storage.PostgresDSN
	}
	db, err := sqlstore.Open(driver, dsn)
	if err != nil {
		slog.Error("failed to open store", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(db.DB.DB)
	if err != nil {
		slog.Error("schema check failed", "error", err)
		os.Exit(1)
	}
	if status.Dirty || status.CurrentVersion > status.RequiredVersion {
		fmt.Fprint(os.Stderr, upgrade.FormatError(status))
		os.Exit(1)
	}
	if err := db.Migrate(); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if n, err := upgrade.RunPendingHooks(ctx, db.DB.DB); err != nil {
		slog.Warn("data migration hooks failed", "error", err)
	} else if n > 0 {
		slog.Info("data migration hooks applied", "count", n)
	}
	stores := sqlstore.NewStores(db)

	// Settings overrides saved through the UI survive restarts.
	if raw, err := stores.Settings.Get(ctx, api.SettingsOverridesKey); err == nil && raw != "" {
		if err := cfg.ApplyPatch([]byte(raw)); err != nil {
			slog.Warn("stored settings overrides rejected", "error", err)
		}
	}

	// Event fabric: local WebSocket bus, optionally fanned out to peer
	// hosts over Redis.
	wsBus := bus.New()
	var peerTransport *peers.Transport
	events := bus.Publisher(wsBus)
	if cfg.Redis.Enabled {
		peerTransport = peers.New(cfg.Redis, cfg.ComputerName, wsBus)
		defer peerTransport.Close()
		events = bus.Fan(wsBus, peerTransport)
	}

	// Session plumbing
	runner := tmux.NewExecRunner()
	voices := voice.New(cfg.TTS, stores.Voice)
	registry := sessions.NewRegistry(stores, runner, cfg, events, voices)
	ident := identity.NewResolver(cfg, registry)

	// Adapters. Telegram refuses to construct without a token; the rest
	// gate themselves in Start.
	manager := adapters.NewManager()
	senders := map[string]notify.Sender{}
	if tg := cfg.Adapters.Telegram; tg.Enabled && tg.Token != "" {
		a, err := telegram.New(cfg, registry, stores.Inbound, ident)
		if err != nil {
			slog.Error("telegram adapter init failed", "error", err)
		} else {
			manager.Register(a)
			senders[protocol.AdapterTelegram] = a
		}
	}
	if cfg.Adapters.Discord.Enabled {
		a, err := discord.New(cfg, registry, stores.Inbound)
		if err != nil {
			slog.Error("discord adapter init failed", "error", err)
		} else {
			manager.Register(a)
		}
	}
	wa := whatsapp.New(cfg, registry, stores.Inbound, ident)
	manager.Register(wa)
	if wa.Enabled() {
		senders[protocol.AdapterWhatsApp] = wa
	}
	manager.Register(webui.NewWeb(cfg, wsBus))
	manager.Register(webui.NewTUI(cfg, wsBus))

	// Engine and its collaborators
	router := fanout.NewRouter(manager, registry, cfg, fanout.WithDropFilter(engine.IsCheckpointResponse))
	linkRegistry := links.NewRegistry(stores.Links)
	listenerBus := listeners.NewBus(stores.Listeners, runner)
	summarizer := summary.New(cfg.Summary)
	notifier := notify.NewRouter(cfg, stores.Notifications)

	var peerSender engine.PeerSender
	if peerTransport != nil {
		peerSender = peerTransport
	}
	eng := engine.New(engine.Deps{
		Config:     cfg,
		Stores:     stores,
		Registry:   registry,
		Links:      linkRegistry,
		Listeners:  listenerBus,
		Router:     router,
		Runner:     runner,
		Summarizer: summarizer,
		Voices:     voices,
		Peers:      peerSender,
		Events:     events,
		Notify:     notifier,
	})

	// Durable queue workers
	tuning := cfg.Queue.ToTuning()
	inboundWorker := queue.NewInboundWorker(stores.Inbound, tuning, eng.DispatchInbound)
	hookDrainer := queue.NewHookDrainer(stores.HookOutbox, tuning, eng.HandleHookEvent)
	notifyWorker := notify.NewNotificationWorker(stores.Notifications, tuning, senders)
	webhookWorker := notify.NewWebhookWorker(stores.Webhooks, tuning)
	notify.TapWebhooks(events, stores.Webhooks, cfg)

	outputPoller := poller.New(registry, router, cfg)
	sweeper := sweep.New(cfg, eng, stores)

	// API server: Unix socket always, TCP and tailnet when configured.
	apiServer := api.NewServer(cfg, eng, stores, events)
	apiServer.SetShutdown(stop)
	if peerTransport != nil {
		apiServer.SetDeployBroadcast(peerTransport.SendDeployStatus)
	}
	if cleanup := api.StartTailscale(ctx, cfg, apiServer.BuildMux()); cleanup != nil {
		defer cleanup()
	}

	slog.Info("teleclaude daemon starting",
		"version", Version,
		"computer", cfg.ComputerName,
		"driver", driver,
		"socket", cfg.API.SocketPath,
	)

	manager.StartAll(ctx)
	inboundWorker.Start(ctx)
	hookDrainer.Start(ctx)
	notifyWorker.Start(ctx)
	webhookWorker.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Start(gctx) })
	g.Go(func() error { return outputPoller.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if peerTransport != nil {
		g.Go(func() error { return peerTransport.Run(gctx, eng) })
	}

	err = g.Wait()

	slog.Info("daemon shutting down")
	inboundWorker.Stop()
	hookDrainer.Stop()
	notifyWorker.Stop()
	webhookWorker.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.StopAll(stopCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
