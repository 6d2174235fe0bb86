// Package main provides the chat coordinator binary: a websocket gateway in front of
// a single-timeline session and chat coordinator, with an optional gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/nearchat/internal/config"
	"github.com/cory-johannsen/nearchat/internal/frontend/ws"
	"github.com/cory-johannsen/nearchat/internal/game/chat"
	"github.com/cory-johannsen/nearchat/internal/game/proximity"
	"github.com/cory-johannsen/nearchat/internal/game/session"
	"github.com/cory-johannsen/nearchat/internal/gameserver"
	"github.com/cory-johannsen/nearchat/internal/observability"
	"github.com/cory-johannsen/nearchat/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat coordinator",
		zap.String("gateway_addr", cfg.Gateway.Addr()),
		zap.String("gateway_path", cfg.Gateway.Path),
		zap.Duration("invitation_ttl", cfg.Chat.InvitationTTL),
		zap.Bool("notify_group_leave", cfg.Chat.NotifyGroupLeave),
	)

	store := session.NewStore(session.NewCryptoSource())
	chatMgr := chat.NewManager(store, proximity.NewIndex(store), chat.Options{
		InvitationTTL:    cfg.Chat.InvitationTTL,
		NotifyGroupLeave: cfg.Chat.NotifyGroupLeave,
	}, observability.Component(logger, "chat"))

	hub := ws.NewHub(observability.Component(logger, "hub"))

	sweep := time.Duration(0)
	if cfg.Chat.InvitationTTL > 0 {
		sweep = cfg.Chat.SweepInterval
	}
	coordinator := gameserver.NewCoordinator(store, chatMgr, hub, cfg.Chat.QueueSize, sweep,
		observability.Component(logger, "coordinator"))

	acceptor := ws.NewAcceptor(cfg.Gateway, hub, coordinator, observability.Component(logger, "gateway"))

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("coordinator", &server.FuncService{
		StartFn: coordinator.Start,
		StopFn:  coordinator.Stop,
	})
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Health.Enabled {
		health := server.NewHealthService(cfg.Health.Addr(), observability.Component(logger, "health"))
		health.SetServing("coordinator", false)
		coordinator.OnStatusChange(func(running bool) {
			health.SetServing("coordinator", running)
		})
		lifecycle.Add("health", health)
	}

	logger.Info("chat coordinator initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
