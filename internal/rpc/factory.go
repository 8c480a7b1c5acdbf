package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog/log"
)

// Discovery selects where a Factory learns endpoint names.
type Discovery string

const (
	DiscoveryLocal  Discovery = "local"
	DiscoveryRemote Discovery = "remote"
)

func ParseDiscovery(raw string) (Discovery, error) {
	switch d := Discovery(strings.ToLower(strings.TrimSpace(raw))); d {
	case "":
		return DiscoveryLocal, nil
	case DiscoveryLocal, DiscoveryRemote:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDiscovery, raw)
	}
}

// EndpointSource yields the procedure and event names a new stub exposes.
type EndpointSource interface {
	EndpointNames(ctx context.Context, sess Session) (procedures []string, events []string, err error)
}

// ServerLookup is satisfied by Bridge.
type ServerLookup interface {
	AttachedServer() (*Server, bool)
}

// LocalSource reads names from the locally attached server's registry. With no
// server attached it yields empty name sets.
type LocalSource struct {
	Servers ServerLookup
}

func (s LocalSource) EndpointNames(context.Context, Session) ([]string, []string, error) {
	if s.Servers == nil {
		return nil, nil, nil
	}
	srv, ok := s.Servers.AttachedServer()
	if !ok {
		return nil, nil, nil
	}
	reg := srv.Registry()
	return reg.ProcedureNames(), reg.EventNames(), nil
}

// RemoteSource asks the peer over the session.
type RemoteSource struct{}

func (RemoteSource) EndpointNames(ctx context.Context, sess Session) ([]string, []string, error) {
	return sess.ListEndpoints(ctx)
}

type FactoryOption func(*Factory)

func WithFactoryMetrics(sink metrics.MetricSink, labels ...metrics.Label) FactoryOption {
	return func(f *Factory) {
		f.msink = defaultSink(sink)
		f.labels = labels
	}
}

// Factory builds stubs over pooled sessions.
type Factory struct {
	pool   *Pool
	source EndpointSource
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewFactory(pool *Pool, source EndpointSource, opts ...FactoryOption) *Factory {
	if source == nil {
		source = LocalSource{}
	}
	f := &Factory{
		pool:   pool,
		source: source,
		msink:  &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateClient validates the address, acquires the pooled session and builds a
// stub with one entry per enumerated name. A missing host or port fails with
// ErrInvalidAddress before any network activity.
func (f *Factory) CreateClient(ctx context.Context, host string, port int) (*Stub, error) {
	addr := Address{Host: host, Port: port}
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	sess, err := f.pool.GetOrCreate(ctx, addr)
	if err != nil {
		return nil, err
	}
	procs, events, err := f.source.EndpointNames(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("rpc: list endpoints on %s: %w", addr.Key(), err)
	}

	stub := &Stub{
		addr:       addr,
		procedures: make(map[string]ProcedureStub, len(procs)),
		events:     make(map[string]EventStub, len(events)),
	}
	for _, name := range procs {
		stub.procedures[name] = f.procedureStub(addr, name)
	}
	for _, name := range events {
		stub.events[name] = f.eventStub(addr, name)
	}
	f.msink.IncrCounterWithLabels(MetricStubBuildCount, 1, withLabels(f.labels, LabelAddr.M(addr.Key())))
	log.Debug().
		Str("addr", addr.Key()).
		Int("procedures", len(stub.procedures)).
		Int("events", len(stub.events)).
		Msg("rpc.Factory stub built")
	return stub, nil
}

func (f *Factory) procedureStub(addr Address, name string) ProcedureStub {
	key := addr.Key()
	labels := withLabels(f.labels, LabelAddr.M(key), LabelEndpoint.M(name))
	return func(ctx context.Context, args ...any) (any, error) {
		start := time.Now()
		f.msink.IncrCounterWithLabels(MetricStubCallCount, 1, labels)
		sess, err := f.pool.GetOrCreate(ctx, addr)
		if err != nil {
			f.msink.IncrCounterWithLabels(MetricStubCallErrorCount, 1, labels)
			return nil, newRemoteCallError(key, name, err)
		}
		res, err := sess.Call(ctx, name, args)
		f.msink.AddSampleWithLabels(MetricStubCallLatencyMS, float32(time.Since(start).Milliseconds()), labels)
		if err != nil {
			f.msink.IncrCounterWithLabels(MetricStubCallErrorCount, 1, labels)
			return nil, newRemoteCallError(key, name, err)
		}
		return res, nil
	}
}

func (f *Factory) eventStub(addr Address, name string) EventStub {
	key := addr.Key()
	labels := withLabels(f.labels, LabelAddr.M(key), LabelEndpoint.M(name))
	return func(ctx context.Context, args ...any) error {
		f.msink.IncrCounterWithLabels(MetricStubEmitCount, 1, labels)
		sess, err := f.pool.GetOrCreate(ctx, addr)
		if err == nil {
			err = sess.Emit(ctx, name, args)
		}
		if err != nil {
			f.msink.IncrCounterWithLabels(MetricStubEmitErrorCount, 1, labels)
			return &EmitError{Addr: key, Event: name, Err: err}
		}
		return nil
	}
}
