package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentchat/backend/internal/arbitration"
	"github.com/agentchat/backend/internal/config"
	"github.com/agentchat/backend/internal/floor"
	"github.com/agentchat/backend/internal/moderation"
	"github.com/agentchat/backend/internal/proposal"
	"github.com/agentchat/backend/internal/reputation"
	"github.com/agentchat/backend/internal/server"
	"github.com/agentchat/backend/internal/skills"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("AGENTCHAT_CONFIG"), "path to YAML config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	motd, err := cfg.MOTD.Resolve()
	if err != nil {
		slog.Error("motd resolution failed", "error", err)
		os.Exit(1)
	}
	allow, err := config.LoadAccessList(cfg.Allowlist.File)
	if err != nil {
		slog.Error("allowlist load failed", "error", err)
		os.Exit(1)
	}
	bans, err := config.LoadAccessList(cfg.Banlist.File)
	if err != nil {
		slog.Error("banlist load failed", "error", err)
		os.Exit(1)
	}

	reps := reputation.NewStore(cfg.Ratings.Path)
	props := proposal.NewStore()
	registry := skills.NewRegistry(reps)
	floorCtl := floor.NewController(time.Duration(cfg.Timeouts.FloorClaimTTLMs) * time.Millisecond)
	mods := moderation.NewPipeline()
	flood := moderation.NewFloodPlugin(time.Minute)
	mods.Register(flood)
	mods.OnCleanup(flood.Cleanup)
	mods.OnDisconnect(flood.Forget)

	var court *arbitration.Court
	if cfg.Agentcourt.Enabled {
		courtCfg := arbitration.DefaultConfig()
		courtCfg.PanelSize = cfg.Agentcourt.PanelSize
		courtCfg.MinArbiterRating = cfg.Agentcourt.MinArbiterRating
		courtCfg.MinArbiterTransactions = cfg.Agentcourt.MinArbiterTransactions
		court = arbitration.NewCourt(courtCfg, reps)
	}

	hub := server.NewHub(cfg.Limits.MessageBufferSize, cfg.Limits.MaxConnectionsPerIP, server.DefaultChannels)
	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	router := server.NewRouter(cfg, hub, reps, props, registry, floorCtl, mods, court, metrics, motd, allow, bans)
	srv := server.New(cfg, router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("signal received", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
			os.Exit(1)
		}
	}
}
