package rpc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/hashicorp/go-metrics"
)

type bridgeConfig struct {
	dialer      Dialer
	session     session.Config
	discovery   Discovery
	dialTimeout time.Duration
	msink       metrics.MetricSink
	labels      []metrics.Label
}

type BridgeOption func(*bridgeConfig)

// WithDialer replaces the default framed-session dialer.
func WithDialer(d Dialer) BridgeOption {
	return func(c *bridgeConfig) {
		c.dialer = d
	}
}

// WithSessionConfig sets the transport config used by the default dialer.
func WithSessionConfig(cfg session.Config) BridgeOption {
	return func(c *bridgeConfig) {
		c.session = cfg
	}
}

func WithDiscovery(d Discovery) BridgeOption {
	return func(c *bridgeConfig) {
		c.discovery = d
	}
}

func WithBridgeDialTimeout(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.dialTimeout = d
	}
}

func WithBridgeMetrics(sink metrics.MetricSink, labels ...metrics.Label) BridgeOption {
	return func(c *bridgeConfig) {
		c.msink = sink
		c.labels = labels
	}
}

// Bridge is the process context: it owns the connection pool, the stub factory
// and the optionally attached local server.
type Bridge struct {
	pool      *Pool
	factory   *Factory
	discovery Discovery
	server    atomic.Pointer[Server]
}

func NewBridge(opts ...BridgeOption) *Bridge {
	cfg := bridgeConfig{
		session:     session.DefaultConfig(),
		discovery:   DiscoveryLocal,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dialer == nil {
		cfg.dialer = SessionDialer{Config: cfg.session}
	}
	sink := defaultSink(cfg.msink)

	b := &Bridge{discovery: cfg.discovery}
	b.pool = NewPool(cfg.dialer, WithDialTimeout(cfg.dialTimeout), WithPoolMetrics(sink, cfg.labels...))
	var source EndpointSource = LocalSource{Servers: b}
	if cfg.discovery == DiscoveryRemote {
		source = RemoteSource{}
	}
	b.factory = NewFactory(b.pool, source, WithFactoryMetrics(sink, cfg.labels...))
	return b
}

// AttachServer sets the local server whose registry backs local discovery.
// Passing nil detaches it.
func (b *Bridge) AttachServer(s *Server) {
	b.server.Store(s)
}

func (b *Bridge) AttachedServer() (*Server, bool) {
	s := b.server.Load()
	return s, s != nil
}

// CreateClient builds a stub for host:port. See Factory.CreateClient.
func (b *Bridge) CreateClient(ctx context.Context, host string, port int) (*Stub, error) {
	return b.factory.CreateClient(ctx, host, port)
}

func (b *Bridge) Pool() *Pool {
	return b.pool
}

func (b *Bridge) Factory() *Factory {
	return b.factory
}

func (b *Bridge) Discovery() Discovery {
	return b.discovery
}

// Reset detaches the server and closes every pooled session, returning the
// bridge to its freshly constructed state.
func (b *Bridge) Reset() {
	b.server.Store(nil)
	b.pool.CloseAll()
}

// Close detaches the server and shuts the pool down for good.
func (b *Bridge) Close() error {
	b.server.Store(nil)
	return b.pool.Close()
}
