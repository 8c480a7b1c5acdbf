package rpc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	addr      Address
	procs     []string
	events    []string
	emitErr   error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	onClose   []func(error)
	emitted   []string
}

func newFakeSession(addr Address) *fakeSession {
	return &fakeSession{addr: addr, done: make(chan struct{})}
}

func (f *fakeSession) Call(_ context.Context, name string, args []any) (any, error) {
	if len(args) == 0 {
		return name, nil
	}
	return args[0], nil
}

func (f *fakeSession) Emit(_ context.Context, name string, _ []any) error {
	if f.emitErr != nil {
		return f.emitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, name)
	return nil
}

func (f *fakeSession) ListEndpoints(context.Context) ([]string, []string, error) {
	return f.procs, f.events, nil
}

func (f *fakeSession) OnClose(fn func(error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(session.ErrSessionClosed)
		return
	default:
	}
	f.onClose = append(f.onClose, fn)
	f.mu.Unlock()
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.done)
		callbacks := f.onClose
		f.onClose = nil
		f.mu.Unlock()
		for _, fn := range callbacks {
			fn(session.ErrSessionClosed)
		}
	})
	return nil
}

func (f *fakeSession) Done() <-chan struct{} {
	return f.done
}

// countingDialer hands out fake sessions and counts dials per address.
type countingDialer struct {
	delay time.Duration
	fail  error
	dials atomic.Int64
	mu    sync.Mutex
	last  *fakeSession
}

func (d *countingDialer) Dial(ctx context.Context, addr Address) (Session, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail != nil {
		return nil, d.fail
	}
	s := newFakeSession(addr)
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

func (d *countingDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

var errDialRefused = errors.New("dial refused")

// startServer serves reg on a loopback port until the test ends.
func startServer(t *testing.T, cfg ServerConfig, opts ...ServerOption) (*Server, Address) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOn(t, ln, cfg, opts...)
}

func serveOn(t *testing.T, ln net.Listener, cfg ServerConfig, opts ...ServerOption) (*Server, Address) {
	t.Helper()
	srv := NewServer(cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.Eventually(t, srv.Ready, 2*time.Second, 5*time.Millisecond)
	return srv, Address{Host: host, Port: port}
}

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PeerID = "test-server"
	return cfg
}

func identity(_ context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}
