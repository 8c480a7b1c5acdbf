package session

import (
	"bufio"
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/testutil/testlog"
	"github.com/danmuck/rpcbridge/internal/testutil/tlstest"
)

type loopbackOptions struct {
	reject     bool
	silent     bool
	serverName string
}

// startLoopbackServer runs a minimal peer: it accepts one hello, then echoes
// calls, answers list_endpoints and pings, and never answers "block".
func startLoopbackServer(t *testing.T, ln net.Listener, opts loopbackOptions) {
	t.Helper()
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveLoopbackConn(conn, opts)
		}
	}()
}

func serveLoopbackConn(conn net.Conn, opts loopbackOptions) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	limits := frame.DefaultLimits()
	fr, err := frame.ReadFrame(r, limits)
	if err != nil {
		return
	}
	hello, err := DecodeHelloFrame(fr)
	if err != nil {
		return
	}
	ack := HelloAck{Status: AckStatusAccepted, PeerID: "loopback", TimestampMS: uint64(time.Now().UnixMilli())}
	if opts.reject || hello.Token == "wrong" {
		ack.Status = AckStatusRejected
		ack.Code = schema.CodeUnauthorized
		ack.Message = "bad token"
	}
	out, _ := EncodeHelloAckFrame(fr.Header.MessageID, ack)
	if err := frame.WriteFrame(conn, out, limits); err != nil || ack.Status != AckStatusAccepted {
		return
	}

	for {
		fr, err := frame.ReadFrame(r, limits)
		if err != nil {
			return
		}
		if opts.silent {
			continue
		}
		var reply frame.Frame
		switch fr.Header.MessageType {
		case schema.MsgCall:
			call, err := DecodeCallFrame(fr)
			if err != nil {
				return
			}
			switch call.Name {
			case "block":
				continue
			case "fail":
				reply, _ = EncodeErrorFrame(fr.Header.MessageID, RemoteError{Code: schema.CodeHandlerFailed, Message: "boom"})
			default:
				var v any
				if len(call.Args) > 0 {
					v = call.Args[0]
				}
				reply, _ = EncodeResultFrame(fr.Header.MessageID, v)
			}
		case schema.MsgListEndpoints:
			reply, _ = EncodeEndpointsFrame(fr.Header.MessageID, Endpoints{
				Procedures: []string{"rpcProcedure"},
				Events:     []string{"eventProcedure"},
			})
		case schema.MsgPing:
			ts, _ := DecodeTimestampFrame(fr)
			reply, _ = EncodePongFrame(fr.Header.MessageID, ts)
		default:
			continue
		}
		if err := frame.WriteFrame(conn, reply, limits); err != nil {
			return
		}
	}
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestSessionCallListAndPing(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{})

	s, err := Dial(context.Background(), ln.Addr().String(), Config{PeerID: "client.a"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()
	if s.RemotePeer() != "loopback" {
		t.Fatalf("unexpected remote peer: %q", s.RemotePeer())
	}

	got, err := s.Call(context.Background(), "rpcProcedure", []any{42})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if v, ok := got.(float64); !ok || v != 42 {
		t.Fatalf("unexpected result: %#v", got)
	}

	procs, events, err := s.ListEndpoints(context.Background())
	if err != nil {
		t.Fatalf("list endpoints: %v", err)
	}
	if len(procs) != 1 || procs[0] != "rpcProcedure" || len(events) != 1 || events[0] != "eventProcedure" {
		t.Fatalf("unexpected endpoints: %v %v", procs, events)
	}

	if _, err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Emit(context.Background(), "eventProcedure", []any{"x"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestSessionRemoteErrorSurfaced(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{})

	s, err := Dial(context.Background(), ln.Addr().String(), Config{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	_, err = s.Call(context.Background(), "fail", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != schema.CodeHandlerFailed || remote.Message != "boom" {
		t.Fatalf("unexpected remote error: %+v", remote)
	}
}

func TestSessionHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{})

	_, err := Dial(context.Background(), ln.Addr().String(), Config{AuthToken: "wrong"})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	var hs *HandshakeError
	if !errors.As(err, &hs) || hs.Code != schema.CodeUnauthorized {
		t.Fatalf("expected HandshakeError with 401, got %v", err)
	}
}

func TestSessionCloseFailsPendingCallsAndRunsOnClose(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{})

	s, err := Dial(context.Background(), ln.Addr().String(), Config{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	closed := make(chan error, 1)
	s.OnClose(func(err error) { closed <- err })

	callErr := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "block", nil)
		callErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.PendingCalls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("call never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = s.Close()

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not failed on close")
	}
	select {
	case err := <-closed:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("unexpected close cause: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not invoked")
	}

	late := make(chan error, 1)
	s.OnClose(func(err error) { late <- err })
	if err := <-late; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("late OnClose cause: %v", err)
	}
	if err := s.Emit(context.Background(), "eventProcedure", nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("emit after close: %v", err)
	}
}

func TestSessionDeadAfterSilentPeer(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{silent: true})

	s, err := Dial(context.Background(), ln.Addr().String(), Config{
		HeartbeatInterval: 20 * time.Millisecond,
		SessionDeadAfter:  150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session should be declared dead")
	}
	if !errors.Is(s.Err(), ErrSessionDead) {
		t.Fatalf("expected ErrSessionDead, got %v", s.Err())
	}
}

func TestSessionCallHonorsContext(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	startLoopbackServer(t, ln, loopbackOptions{})

	s, err := Dial(context.Background(), ln.Addr().String(), Config{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Call(ctx, "block", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n := len(s.PendingCalls()); n != 0 {
		t.Fatalf("expected pending table cleared, got %d", n)
	}
}

func TestSessionDialMutualTLS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.NewLoopbackBundle(t, "rpc-server", "rpc-client")
	serverCfg := DefaultConfig()
	serverCfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ServerCertFile,
		KeyFile:  bundle.ServerKeyFile,
		CAFile:   bundle.CAFile,
	}
	if err := serverCfg.ValidateServerTransport(); err != nil {
		t.Fatalf("server transport: %v", err)
	}
	tlsCfg, err := serverCfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	raw := listenLoopback(t)
	startLoopbackServer(t, tlsListener(raw, tlsCfg), loopbackOptions{})

	clientCfg := DefaultConfig()
	clientCfg.SecurityMode = SecurityModeProduction
	clientCfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ClientCertFile,
		KeyFile:  bundle.ClientKeyFile,
		CAFile:   bundle.CAFile,
	}
	s, err := Dial(context.Background(), raw.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial tls: %v", err)
	}
	defer s.Close()
	got, err := s.Call(context.Background(), "rpcProcedure", []any{"over-tls"})
	if err != nil || got != "over-tls" {
		t.Fatalf("tls call: %v %v", got, err)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), "  ", Config{}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}
