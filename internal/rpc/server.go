package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rpcbridge/internal/auth"
	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the listener and per-connection limits.
type ServerConfig struct {
	ListenAddr string
	PeerID     string
	// MaxInFlight bounds concurrently running calls per connection.
	MaxInFlight int
	Session     session.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:  "127.0.0.1:7400",
		PeerID:      "rpcbridge",
		MaxInFlight: 64,
		Session:     session.DefaultConfig(),
	}
}

type ServerOption func(*Server)

// WithRegistry serves reg instead of a fresh empty registry.
func WithRegistry(reg *Registry) ServerOption {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

func WithValidator(v auth.Validator) ServerOption {
	return func(s *Server) {
		if v != nil {
			s.validator = v
		}
	}
}

func WithServerMetrics(sink metrics.MetricSink, labels ...metrics.Label) ServerOption {
	return func(s *Server) {
		s.msink = defaultSink(sink)
		s.labels = labels
	}
}

// SessionInfo describes one accepted connection.
type SessionInfo struct {
	Remote        string    `json:"remote"`
	PeerID        string    `json:"peer_id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	Calls         uint64    `json:"calls"`
	Emits         uint64    `json:"emits"`
}

type peerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Server serves a Registry to remote sessions over framed TCP or TLS.
type Server struct {
	cfg       ServerConfig
	registry  *Registry
	validator auth.Validator
	msink     metrics.MetricSink
	labels    []metrics.Label

	addrMu sync.RWMutex
	addr   net.Addr
	ready  atomic.Bool

	connsMu sync.Mutex
	conns   map[net.Conn]*serverConn
	active  atomic.Int64
}

func NewServer(cfg ServerConfig, opts ...ServerOption) *Server {
	d := DefaultServerConfig()
	if strings.TrimSpace(cfg.PeerID) == "" {
		cfg.PeerID = d.PeerID
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = d.MaxInFlight
	}
	cfg.Session = cfg.Session.WithDefaults()
	s := &Server{
		cfg:       cfg,
		registry:  NewRegistry(),
		validator: auth.Open{},
		msink:     &metrics.BlackholeSink{},
		conns:     make(map[net.Conn]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr is the bound listener address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.ListenAddr
}

// Ready reports whether the accept loop is running.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Sessions lists accepted connections sorted by remote address.
func (s *Server) Sessions() []SessionInfo {
	s.connsMu.Lock()
	out := make([]SessionInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		out = append(out, sc.info())
	}
	s.connsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Remote < out[j].Remote
	})
	return out
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Session.TLS.Enabled).Msg("rpc.Server listening")
	return s.Serve(ctx, ln)
}

// Listen opens a TCP or TLS listener according to the transport policy.
func (s *Server) Listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts connections on ln until ctx is done, then closes the listener
// and every tracked connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	s.ready.Store(true)
	defer s.ready.Store(false)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAllConns()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.closeAllConns()
			return err
		}
		sc := newServerConn(s, conn)
		s.trackConn(sc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, sc)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, sc *serverConn) {
	defer sc.conn.Close()
	defer s.untrackConn(sc)
	remote := sc.conn.RemoteAddr().String()

	peer, err := s.authenticateConn(sc.conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("rpc.Server transport auth failed")
		return
	}
	hello, err := s.handshake(sc, peer)
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricServerRejectCount, 1, s.labels)
		log.Warn().Str("remote", remote).Err(err).Msg("rpc.Server handshake failed")
		return
	}

	active := s.active.Add(1)
	s.msink.SetGaugeWithLabels(MetricServerSessions, float32(active), s.labels)
	log.Info().
		Str("remote", remote).
		Str("peer_id", sc.peerID).
		Str("hello_peer_id", hello.PeerID).
		Int64("active_sessions", active).
		Msg("rpc.Server session open")
	defer func() {
		remaining := s.active.Add(-1)
		s.msink.SetGaugeWithLabels(MetricServerSessions, float32(remaining), s.labels)
		log.Info().Str("remote", remote).Int64("active_sessions", remaining).Msg("rpc.Server session closed")
	}()

	connCtx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	// events run on one worker per connection, in arrival order
	events := make(chan session.Emit, s.cfg.MaxInFlight)
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		for emit := range events {
			s.dispatchEmit(connCtx, remote, emit)
		}
	}()
	defer func() {
		cancel()
		close(events)
		inflight.Wait()
	}()
	sem := make(chan struct{}, s.cfg.MaxInFlight)

	for {
		if d := s.cfg.Session.SessionDeadAfter; d > 0 {
			_ = sc.conn.SetReadDeadline(time.Now().Add(d))
		}
		fr, err := frame.ReadFrame(sc.reader, s.cfg.Session.Limits)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					err = session.ErrSessionDead
				}
				log.Debug().Str("remote", remote).Err(err).Msg("rpc.Server read ended")
			}
			return
		}

		switch fr.Header.MessageType {
		case schema.MsgCall:
			call, err := session.DecodeCallFrame(fr)
			if err != nil {
				sc.writeError(fr.Header.MessageID, schema.CodeBadRequest, err.Error())
				continue
			}
			sc.calls.Add(1)
			select {
			case sem <- struct{}{}:
			case <-connCtx.Done():
				return
			}
			inflight.Add(1)
			go func(id uint64, call session.Call) {
				defer inflight.Done()
				defer func() { <-sem }()
				s.dispatchCall(connCtx, sc, id, call)
			}(fr.Header.MessageID, call)
		case schema.MsgEmit:
			emit, err := session.DecodeEmitFrame(fr)
			if err != nil {
				log.Warn().Str("remote", remote).Err(err).Msg("rpc.Server dropping malformed emit")
				continue
			}
			sc.emits.Add(1)
			select {
			case events <- emit:
			case <-connCtx.Done():
				return
			}
		case schema.MsgListEndpoints:
			eps := session.Endpoints{
				Procedures: s.registry.ProcedureNames(),
				Events:     s.registry.EventNames(),
			}
			out, err := session.EncodeEndpointsFrame(fr.Header.MessageID, eps)
			if err != nil {
				sc.writeError(fr.Header.MessageID, schema.CodeHandlerFailed, err.Error())
				continue
			}
			_ = sc.write(out)
		case schema.MsgPing:
			ts, err := session.DecodeTimestampFrame(fr)
			if err != nil {
				sc.writeError(fr.Header.MessageID, schema.CodeBadRequest, err.Error())
				continue
			}
			out, _ := session.EncodePongFrame(fr.Header.MessageID, ts)
			_ = sc.write(out)
		case schema.MsgPong:
		default:
			sc.writeError(
				fr.Header.MessageID,
				schema.CodeBadRequest,
				fmt.Sprintf("unexpected message type %s", schema.Name(fr.Header.MessageType)),
			)
		}
	}
}

func (s *Server) dispatchCall(ctx context.Context, sc *serverConn, id uint64, call session.Call) {
	start := time.Now()
	res, err := s.registry.InvokeProcedure(ctx, call.Name, call.Args)
	code := uint32(0)
	var buf []byte
	if err == nil {
		buf, err = sc.encodeResult(id, res)
		if err != nil {
			err = fmt.Errorf("rpc: result of %q not deliverable: %w", call.Name, err)
		}
	}
	if err != nil {
		code = schema.CodeHandlerFailed
		if errors.Is(err, ErrProcedureNotFound) {
			code = schema.CodeNotFound
		}
		buf, err = sc.encodeError(id, code, err.Error())
		if err != nil {
			log.Error().Str("procedure", call.Name).Err(err).Msg("rpc.Server error reply not encodable")
			return
		}
	}
	labels := withLabels(s.labels, LabelEndpoint.M(call.Name), LabelCode.M(strconv.FormatUint(uint64(code), 10)))
	s.msink.IncrCounterWithLabels(MetricServerCallCount, 1, labels)
	s.msink.AddSampleWithLabels(MetricServerCallLatencyMS, float32(time.Since(start).Milliseconds()), labels)
	if err := sc.writeRaw(buf); err != nil {
		log.Debug().Str("procedure", call.Name).Err(err).Msg("rpc.Server reply not delivered")
	}
}

func (s *Server) dispatchEmit(ctx context.Context, remote string, emit session.Emit) {
	err := s.registry.InvokeEvent(ctx, emit.Name, emit.Args)
	s.msink.IncrCounterWithLabels(MetricServerEmitCount, 1, withLabels(s.labels, LabelEndpoint.M(emit.Name)))
	if err != nil {
		log.Warn().Str("remote", remote).Str("event", emit.Name).Err(err).Msg("rpc.Server event not handled")
	}
}

func (s *Server) handshake(sc *serverConn, peer peerAuth) (session.Hello, error) {
	_ = sc.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	fr, err := frame.ReadFrame(sc.reader, s.cfg.Session.Limits)
	if err != nil {
		return session.Hello{}, err
	}
	hello, err := session.DecodeHelloFrame(fr)
	if err != nil {
		return session.Hello{}, err
	}

	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		PeerID:      s.cfg.PeerID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	authErr := s.validator.Validate(hello.Token)
	if authErr != nil {
		ack.Status = session.AckStatusRejected
		ack.Code = schema.CodeUnauthorized
		ack.Message = authErr.Error()
	}
	out, err := session.EncodeHelloAckFrame(fr.Header.MessageID, ack)
	if err != nil {
		return session.Hello{}, err
	}
	if err := sc.write(out); err != nil {
		return session.Hello{}, err
	}
	if authErr != nil {
		return session.Hello{}, authErr
	}
	_ = sc.conn.SetReadDeadline(time.Time{})

	sc.mu.Lock()
	sc.peerID = hello.PeerID
	if peer.Authenticated {
		sc.peerID = peer.PeerIdentity
		sc.authenticated = true
	}
	sc.mu.Unlock()
	return hello, nil
}

// authenticateConn enforces TLS/mTLS and extracts the certificate identity.
func (s *Server) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	peerID := session.PeerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return peerAuth{}, fmt.Errorf("rpc: empty peer identity from certificate")
	}
	return peerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

func (s *Server) trackConn(sc *serverConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[sc.conn] = sc
}

func (s *Server) untrackConn(sc *serverConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, sc.conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

const errReplyTooLarge = "reply exceeds frame limits"

// serverConn is the server half of one session. Writes are serialized.
type serverConn struct {
	srv         *Server
	conn        net.Conn
	reader      *bufio.Reader
	connectedAt time.Time
	calls       atomic.Uint64
	emits       atomic.Uint64
	writeMu     sync.Mutex

	mu            sync.Mutex
	peerID        string
	authenticated bool
}

func newServerConn(srv *Server, conn net.Conn) *serverConn {
	return &serverConn{
		srv:         srv,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		connectedAt: time.Now(),
	}
}

func (sc *serverConn) write(f frame.Frame) error {
	buf, err := frame.Marshal(f, sc.srv.cfg.Session.Limits)
	if err != nil {
		return err
	}
	return sc.writeRaw(buf)
}

// encodeResult marshals a result frame, failing when it breaks the frame limits.
func (sc *serverConn) encodeResult(id uint64, res any) ([]byte, error) {
	out, err := session.EncodeResultFrame(id, res)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(out, sc.srv.cfg.Session.Limits)
}

// encodeError marshals an error frame. An oversized message is replaced so the
// caller still gets a reply.
func (sc *serverConn) encodeError(id uint64, code uint32, msg string) ([]byte, error) {
	limits := sc.srv.cfg.Session.Limits
	out, err := session.EncodeErrorFrame(id, session.RemoteError{Code: code, Message: msg})
	if err == nil {
		var buf []byte
		if buf, err = frame.Marshal(out, limits); err == nil {
			return buf, nil
		}
	}
	out, err = session.EncodeErrorFrame(id, session.RemoteError{Code: code, Message: errReplyTooLarge})
	if err != nil {
		return nil, err
	}
	return frame.Marshal(out, limits)
}

func (sc *serverConn) writeRaw(buf []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(sc.srv.cfg.Session.WriteTimeout))
	_, err := sc.conn.Write(buf)
	return err
}

func (sc *serverConn) writeError(id uint64, code uint32, msg string) {
	buf, err := sc.encodeError(id, code, msg)
	if err != nil {
		return
	}
	_ = sc.writeRaw(buf)
}

func (sc *serverConn) info() SessionInfo {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return SessionInfo{
		Remote:        sc.conn.RemoteAddr().String(),
		PeerID:        sc.peerID,
		Authenticated: sc.authenticated,
		ConnectedAt:   sc.connectedAt,
		Calls:         sc.calls.Load(),
		Emits:         sc.emits.Load(),
	}
}
