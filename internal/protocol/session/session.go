package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("session: address required")
	ErrSessionClosed   = errors.New("session: closed")
	ErrSessionDead     = errors.New("session: peer unresponsive")
)

// Session is one persistent framed connection to an rpc server. Calls are
// multiplexed by message id; writes are serialized.
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	cfg        Config
	addr       string
	remotePeer string

	pending       *PendingTable
	nextMessageID atomic.Uint64
	lastSeen      atomic.Int64
	writeMu       sync.Mutex

	mu        sync.Mutex
	onClose   []func(error)
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr, performs the hello handshake and starts the read loop.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	conn, err := dialConn(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.addr = addr
	return s, nil
}

// Open runs the client handshake over an established connection. The caller
// keeps ownership of conn when Open fails.
func Open(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	peerID := strings.TrimSpace(cfg.PeerID)
	if peerID == "" {
		peerID = conn.LocalAddr().String()
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		cfg:     cfg,
		addr:    conn.RemoteAddr().String(),
		pending: NewPendingTable(),
		done:    make(chan struct{}),
	}
	s.nextMessageID.Store(uint64(time.Now().UnixNano()))

	hello, err := EncodeHelloFrame(s.nextID(), Hello{PeerID: peerID, Token: cfg.AuthToken})
	if err != nil {
		return nil, err
	}
	buf, err := frame.Marshal(hello, cfg.Limits)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, handshakeIOError(ctx, err)
	}
	fr, err := frame.ReadFrame(s.reader, cfg.Limits)
	if err != nil {
		return nil, handshakeIOError(ctx, err)
	}
	ack, err := DecodeHelloAckFrame(fr)
	if err != nil {
		return nil, err
	}
	if ack.Status != AckStatusAccepted {
		return nil, &HandshakeError{Code: ack.Code, Message: ack.Message}
	}
	if !stop() {
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	s.remotePeer = ack.PeerID
	s.lastSeen.Store(time.Now().UnixNano())
	go s.readLoop()
	if cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop()
	}
	log.Debug().
		Str("addr", s.addr).
		Str("peer_id", peerID).
		Str("remote_peer", s.remotePeer).
		Msg("session.Open handshake accepted")
	return s, nil
}

func handshakeIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func dialConn(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Call invokes a remote procedure and waits for its result. A remote failure
// is returned as *RemoteError.
func (s *Session) Call(ctx context.Context, name string, args []any) (any, error) {
	f, err := EncodeCallFrame(s.nextID(), Call{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, f, "call", name)
	if err != nil {
		return nil, err
	}
	switch resp.Header.MessageType {
	case schema.MsgResult:
		return DecodeResultFrame(resp)
	case schema.MsgError:
		remote, err := DecodeErrorFrame(resp)
		if err != nil {
			return nil, err
		}
		return nil, remote
	default:
		return nil, fmt.Errorf("%w: %s in reply to call", ErrUnexpectedMessage, schema.Name(resp.Header.MessageType))
	}
}

// Emit writes a one-way event frame. It returns once the frame is written.
func (s *Session) Emit(ctx context.Context, name string, args []any) error {
	f, err := EncodeEmitFrame(s.nextID(), Emit{Name: name, Args: args})
	if err != nil {
		return err
	}
	return s.writeFrame(ctx, f)
}

// ListEndpoints asks the server which procedure and event names it serves.
func (s *Session) ListEndpoints(ctx context.Context) ([]string, []string, error) {
	f, err := EncodeListEndpointsFrame(s.nextID())
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.roundTrip(ctx, f, "list_endpoints", "")
	if err != nil {
		return nil, nil, err
	}
	switch resp.Header.MessageType {
	case schema.MsgEndpoints:
		eps, err := DecodeEndpointsFrame(resp)
		if err != nil {
			return nil, nil, err
		}
		return eps.Procedures, eps.Events, nil
	case schema.MsgError:
		remote, err := DecodeErrorFrame(resp)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, remote
	default:
		return nil, nil, fmt.Errorf("%w: %s in reply to list_endpoints", ErrUnexpectedMessage, schema.Name(resp.Header.MessageType))
	}
}

// Ping measures one round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	f, err := EncodePingFrame(s.nextID(), uint64(start.UnixMilli()))
	if err != nil {
		return 0, err
	}
	resp, err := s.roundTrip(ctx, f, "ping", "")
	if err != nil {
		return 0, err
	}
	if resp.Header.MessageType != schema.MsgPong {
		return 0, fmt.Errorf("%w: %s in reply to ping", ErrUnexpectedMessage, schema.Name(resp.Header.MessageType))
	}
	return time.Since(start), nil
}

// OnClose registers fn to run once when the session closes. fn runs immediately
// when the session is already closed.
func (s *Session) OnClose(fn func(error)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	select {
	case <-s.done:
		err := s.err
		s.mu.Unlock()
		fn(err)
		return
	default:
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.closeWith(ErrSessionClosed)
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the close cause, or nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) RemotePeer() string {
	return s.remotePeer
}

// LastSeen is the time of the last frame received from the server.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) PendingCalls() []PendingCall {
	return s.pending.List()
}

func (s *Session) nextID() uint64 {
	return s.nextMessageID.Add(1)
}

func (s *Session) roundTrip(ctx context.Context, f frame.Frame, kind, name string) (frame.Frame, error) {
	id := f.Header.MessageID
	ch := s.pending.Add(PendingCall{MessageID: id, Kind: kind, Name: name, QueuedAt: time.Now()})
	if err := s.writeFrame(ctx, f); err != nil {
		s.pending.Remove(id)
		return frame.Frame{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		s.pending.Remove(id)
		return frame.Frame{}, ctx.Err()
	case <-s.done:
		s.pending.Remove(id)
		return frame.Frame{}, s.closedErr()
	}
}

func (s *Session) writeFrame(ctx context.Context, f frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := frame.Marshal(f, s.cfg.Limits)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	select {
	case <-s.done:
		s.writeMu.Unlock()
		return s.closedErr()
	default:
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = s.conn.SetWriteDeadline(deadline)
	_, err = s.conn.Write(buf)
	s.writeMu.Unlock()

	if err != nil {
		s.closeWith(err)
		return err
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		if s.cfg.SessionDeadAfter > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter))
		}
		fr, err := frame.ReadFrame(s.reader, s.cfg.Limits)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = fmt.Errorf("%w: no frame for %s", ErrSessionDead, s.cfg.SessionDeadAfter)
			}
			s.closeWith(err)
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())

		if fr.Header.MessageType == schema.MsgPing {
			ts, err := DecodeTimestampFrame(fr)
			if err != nil {
				s.closeWith(err)
				return
			}
			pong, err := EncodePongFrame(fr.Header.MessageID, ts)
			if err == nil {
				_ = s.writeFrame(context.Background(), pong)
			}
			continue
		}
		if !fr.Header.IsResponse() {
			log.Warn().
				Str("addr", s.addr).
				Str("message", schema.Name(fr.Header.MessageType)).
				Msg("session.readLoop dropping unsolicited frame")
			continue
		}
		if !s.pending.Resolve(fr.Header.MessageID, fr) {
			log.Trace().
				Str("addr", s.addr).
				Uint64("message_id", fr.Header.MessageID).
				Str("message", schema.Name(fr.Header.MessageType)).
				Msg("session.readLoop unmatched response")
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			ping, err := EncodePingFrame(s.nextID(), uint64(now.UnixMilli()))
			if err != nil {
				continue
			}
			if err := s.writeFrame(context.Background(), ping); err != nil {
				return
			}
		}
	}
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrSessionClosed
		}
		s.mu.Lock()
		s.err = cause
		callbacks := s.onClose
		s.onClose = nil
		close(s.done)
		s.mu.Unlock()

		_ = s.conn.Close()
		dropped := s.pending.Drain()
		event := log.Debug()
		if !errors.Is(cause, ErrSessionClosed) {
			event = log.Warn()
		}
		event.
			Str("addr", s.addr).
			Int("dropped_calls", len(dropped)).
			AnErr("cause", cause).
			Msg("session closed")
		for _, fn := range callbacks {
			fn(cause)
		}
	})
}

func (s *Session) closedErr() error {
	err := s.Err()
	if err == nil || errors.Is(err, ErrSessionClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, err)
}
