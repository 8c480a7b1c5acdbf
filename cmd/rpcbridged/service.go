package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/rpcbridge/internal/admin"
	"github.com/danmuck/rpcbridge/internal/auth"
	"github.com/danmuck/rpcbridge/internal/config"
	"github.com/danmuck/rpcbridge/internal/observability"
	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Service wires one bridge, its local server and the optional admin surface.
type Service struct {
	cfg     config.Daemon
	metrics *observability.Metrics
	bridge  *rpc.Bridge
	server  *rpc.Server
	admin   *admin.Admin
}

func NewService(cfg config.Daemon) (*Service, error) {
	metrics, err := observability.NewMetrics(cfg.ID, cfg.MetricsExpiration)
	if err != nil {
		return nil, err
	}
	bridge := rpc.NewBridge(
		rpc.WithSessionConfig(cfg.Client),
		rpc.WithDiscovery(cfg.Discovery),
		rpc.WithBridgeDialTimeout(cfg.DialTimeout),
		rpc.WithBridgeMetrics(metrics.Sink),
	)
	server := rpc.NewServer(
		cfg.Server,
		rpc.WithValidator(auth.FromTokens(cfg.Tokens)),
		rpc.WithServerMetrics(metrics.Sink),
	)
	registerBuiltins(server.Registry(), cfg.ID)
	bridge.AttachServer(server)

	s := &Service{
		cfg:     cfg,
		metrics: metrics,
		bridge:  bridge,
		server:  server,
	}
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		s.admin = admin.New(cfg.ID, admin.Config{Addr: cfg.AdminAddr, CORSOrigins: cfg.CORSOrigins}, server, bridge, metrics)
	}
	return s, nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.serve(ctx)
}

func (s *Service) serve(ctx context.Context) error {
	defer s.bridge.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(gctx)
	})
	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Run(gctx)
		})
	}
	log.Info().
		Str("id", s.cfg.ID).
		Str("listen", s.cfg.Server.ListenAddr).
		Str("admin", s.cfg.AdminAddr).
		Str("discovery", string(s.cfg.Discovery)).
		Int("tokens", len(s.cfg.Tokens)).
		Msg("rpcbridged started")
	err := g.Wait()
	log.Info().Err(err).Msg("rpcbridged stopped")
	return err
}
