package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Dadudekc/SWARM-sub002/internal/httpapi"
	"github.com/Dadudekc/SWARM-sub002/internal/notify"
	"github.com/Dadudekc/SWARM-sub002/internal/relay"
	"github.com/Dadudekc/SWARM-sub002/internal/responder"
)

func main() {
	var (
		configPath string
		addr       string
		once       bool
	)
	pflag.StringVar(&configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	pflag.BoolVar(&once, "once", false, "drain pending messages once and exit")
	pflag.Parse()

	cfg, err := relay.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if strings.TrimSpace(addr) != "" {
		cfg.HTTPAddr = addr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	daemon, cleanup, err := buildDaemon(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize relay: %v", err)
	}
	defer cleanup()

	if once {
		daemon.RunOnce(context.Background())
		return
	}

	if err := daemon.Start(); err != nil {
		log.Fatalf("failed to start daemon: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewServer(daemon),
	}
	go func() {
		log.Printf("swarm-relay listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	<-ctx.Done()

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	daemon.Stop()
}

func buildDaemon(cfg relay.Config, logger *slog.Logger) (*relay.Daemon, func(), error) {
	routes, err := cfg.BuildRoutes()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := relay.BuildLedgerFromDSN(cfg.EffectiveLedgerDSN(), logger)
	if err != nil {
		return nil, nil, err
	}
	dedup := relay.NewDedupTracker(ledger, logger)

	notifier, closeNotifier := buildNotifier(cfg)
	pipeline := relay.NewPipeline(relay.PipelineOptions{
		Responder: buildResponder(cfg),
		Retrier:   relay.NewRetryCoordinator(cfg.RetryConfig(), logger),
		Notifier:  notifier,
		Logger:    logger,
	})
	daemon, err := relay.NewDaemon(relay.DaemonOptions{
		Routes:          routes,
		Pipeline:        pipeline,
		Dedup:           dedup,
		PollInterval:    cfg.PollInterval,
		Logger:          logger,
		WatchFilesystem: cfg.Watch,
	})
	if err != nil {
		closeNotifier()
		_ = dedup.Close()
		return nil, nil, err
	}
	cleanup := func() {
		closeNotifier()
		_ = dedup.Close()
	}
	return daemon, cleanup, nil
}

func buildResponder(cfg relay.Config) relay.Responder {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return responder.NewAnthropic(cfg.Responder)
	}
	log.Printf("ANTHROPIC_API_KEY not set, using echo responder")
	return responder.Echo{}
}

func buildNotifier(cfg relay.Config) (relay.Notifier, func()) {
	if strings.TrimSpace(cfg.Discord.Token) == "" || strings.TrimSpace(cfg.Discord.ChannelID) == "" {
		return nil, func() {}
	}
	discord, err := notify.NewDiscord(cfg.Discord.Token, cfg.Discord.ChannelID)
	if err != nil {
		log.Printf("discord notifier disabled: %v", err)
		return nil, func() {}
	}
	if err := discord.Open(); err != nil {
		log.Printf("discord notifier disabled: %v", err)
		return nil, func() {}
	}
	return discord, func() { _ = discord.Close() }
}
