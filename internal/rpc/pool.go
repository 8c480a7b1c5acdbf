package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const DefaultDialTimeout = 10 * time.Second

// Session is the transport the core consumes. *session.Session implements it.
type Session interface {
	Call(ctx context.Context, name string, args []any) (any, error)
	Emit(ctx context.Context, name string, args []any) error
	ListEndpoints(ctx context.Context) (procedures []string, events []string, err error)
	// OnClose runs fn once when the session closes, or immediately if it already has.
	OnClose(fn func(error))
	Close() error
	Done() <-chan struct{}
}

// Dialer opens sessions for the pool.
type Dialer interface {
	Dial(ctx context.Context, addr Address) (Session, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, addr Address) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, addr Address) (Session, error) {
	return f(ctx, addr)
}

// SessionDialer dials framed sessions with a fixed transport config.
type SessionDialer struct {
	Config session.Config
}

func (d SessionDialer) Dial(ctx context.Context, addr Address) (Session, error) {
	s, err := session.Dial(ctx, addr.Key(), d.Config)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type PoolOption func(*Pool)

func WithDialTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

func WithPoolMetrics(sink metrics.MetricSink, labels ...metrics.Label) PoolOption {
	return func(p *Pool) {
		p.msink = defaultSink(sink)
		p.labels = labels
	}
}

// Pool keeps at most one live session per remote address. Concurrent requests
// for the same address share a single in-flight dial.
type Pool struct {
	dialer      Dialer
	dialTimeout time.Duration
	msink       metrics.MetricSink
	labels      []metrics.Label

	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
	flights  singleflight.Group
}

func NewPool(dialer Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:      dialer,
		dialTimeout: DefaultDialTimeout,
		msink:       &metrics.BlackholeSink{},
		sessions:    make(map[string]Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the live session for addr, dialing it when absent. The dial
// is detached from ctx cancellation and bounded by the pool dial timeout; ctx only
// bounds how long this caller waits.
func (p *Pool) GetOrCreate(ctx context.Context, addr Address) (Session, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	key := addr.Key()
	if s, ok := p.lookup(key); ok {
		p.msink.IncrCounterWithLabels(MetricPoolReuseCount, 1, withLabels(p.labels, LabelAddr.M(key)))
		return s, nil
	}

	dialCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(key, func() (any, error) {
		return p.dial(dialCtx, key, addr)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) dial(ctx context.Context, key string, addr Address) (Session, error) {
	// A flight that finished just before this one started may already have published.
	if s, ok := p.lookup(key); ok {
		return s, nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &ConnectError{Addr: key, Err: ErrPoolClosed}
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	start := time.Now()
	s, err := p.dialer.Dial(ctx, addr)
	p.msink.AddSampleWithLabels(MetricPoolDialLatencyMS, float32(time.Since(start).Milliseconds()), withLabels(p.labels, LabelAddr.M(key)))
	if err != nil {
		p.msink.IncrCounterWithLabels(MetricPoolDialErrorCount, 1, withLabels(p.labels, LabelAddr.M(key)))
		log.Warn().Str("addr", key).Err(err).Msg("rpc.Pool dial failed")
		return nil, &ConnectError{Addr: key, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Close()
		return nil, &ConnectError{Addr: key, Err: ErrPoolClosed}
	}
	p.sessions[key] = s
	n := len(p.sessions)
	p.mu.Unlock()

	s.OnClose(func(cause error) {
		p.forget(key, s, cause)
	})
	p.msink.IncrCounterWithLabels(MetricPoolDialCount, 1, withLabels(p.labels, LabelAddr.M(key)))
	p.msink.SetGaugeWithLabels(MetricPoolSessions, float32(n), p.labels)
	log.Debug().Str("addr", key).Dur("took", time.Since(start)).Msg("rpc.Pool session established")
	return s, nil
}

func (p *Pool) lookup(key string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return nil, false
	}
	select {
	case <-s.Done():
		delete(p.sessions, key)
		return nil, false
	default:
		return s, true
	}
}

// forget drops key only while it still maps to s, so a stale close never evicts
// a newer session for the same address.
func (p *Pool) forget(key string, s Session, cause error) {
	p.mu.Lock()
	cur, ok := p.sessions[key]
	evicted := ok && cur == s
	if evicted {
		delete(p.sessions, key)
	}
	n := len(p.sessions)
	p.mu.Unlock()
	if !evicted {
		return
	}
	p.msink.IncrCounterWithLabels(MetricPoolEvictCount, 1, withLabels(p.labels, LabelAddr.M(key)))
	p.msink.SetGaugeWithLabels(MetricPoolSessions, float32(n), p.labels)
	log.Debug().Str("addr", key).AnErr("cause", cause).Msg("rpc.Pool session evicted")
}

// Release closes and forgets the session for addr.
func (p *Pool) Release(addr Address) error {
	key := addr.Key()
	p.mu.Lock()
	s, ok := p.sessions[key]
	delete(p.sessions, key)
	p.mu.Unlock()
	if !ok {
		return ErrNotPooled
	}
	return s.Close()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Keys returns the pooled addresses in sorted order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.sessions)
}

// CloseAll closes every pooled session. The pool stays usable.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]Session, 0, len(p.sessions))
	for key, s := range p.sessions {
		sessions = append(sessions, s)
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	p.msink.SetGaugeWithLabels(MetricPoolSessions, 0, p.labels)
}

// Close closes every pooled session and refuses further dials.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CloseAll()
	return nil
}

