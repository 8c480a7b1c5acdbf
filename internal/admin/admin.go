// Package admin serves the HTTP status surface of a running bridge daemon.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/rpcbridge/internal/observability"
	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

type Config struct {
	Addr        string
	CORSOrigins []string
}

// Admin exposes health, endpoint and session views over one rpc.Server and
// the bridge it is attached to.
type Admin struct {
	id       string
	cfg      Config
	server   *rpc.Server
	bridge   *rpc.Bridge
	metrics  *observability.Metrics
	router   *gin.Engine
	appeared time.Time
}

func New(id string, cfg Config, server *rpc.Server, bridge *rpc.Bridge, metrics *observability.Metrics) *Admin {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	if metrics != nil {
		r.Use(observability.RequestMetricsMiddleware(metrics))
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		id:       id,
		cfg:      cfg,
		server:   server,
		bridge:   bridge,
		metrics:  metrics,
		router:   r,
		appeared: time.Now(),
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

type endpointsView struct {
	Procedures []string `json:"procedures"`
	Events     []string `json:"events"`
	Version    uint64   `json:"version"`
}

type sessionsView struct {
	Inbound []rpc.SessionInfo `json:"inbound"`
	Pooled  []string          `json:"pooled"`
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.appeared).String(),
			"service": a.id,
			"version": Version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.server != nil && a.server.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": a.id,
			"addr":    a.serverAddr(),
		})
	})

	a.router.GET("/endpoints", func(c *gin.Context) {
		if a.server == nil {
			c.JSON(http.StatusOK, endpointsView{Procedures: []string{}, Events: []string{}})
			return
		}
		reg := a.server.Registry()
		c.JSON(http.StatusOK, endpointsView{
			Procedures: nonNil(reg.ProcedureNames()),
			Events:     nonNil(reg.EventNames()),
			Version:    reg.Version(),
		})
	})

	a.router.GET("/sessions", func(c *gin.Context) {
		view := sessionsView{Inbound: []rpc.SessionInfo{}, Pooled: []string{}}
		if a.server != nil {
			view.Inbound = a.server.Sessions()
		}
		if a.bridge != nil {
			view.Pooled = nonNil(a.bridge.Pool().Keys())
		}
		c.JSON(http.StatusOK, view)
	})

	if a.metrics != nil {
		a.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// Run serves the admin surface on cfg.Addr until ctx is done.
func (a *Admin) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin http listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) serverAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
