package rpc

import (
	"errors"
	"fmt"

	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/protocol/session"
)

var (
	ErrInvalidAddress    = errors.New("rpc client needs ip and port to establish connection")
	ErrProcedureNotFound = errors.New("rpc: procedure not found")
	ErrEventNotFound     = errors.New("rpc: event not found")
	ErrHandlerPanic      = errors.New("rpc: handler panicked")
	ErrPoolClosed        = errors.New("rpc: pool closed")
	ErrNotPooled         = errors.New("rpc: no pooled session for address")
	ErrInvalidDiscovery  = errors.New("rpc: invalid discovery mode")
)

// ConnectError reports a failed dial. Nothing is cached for Addr.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rpc: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// RemoteCallError reports a failed procedure call. Code and Message are set when
// the peer answered with an error frame.
type RemoteCallError struct {
	Addr      string
	Procedure string
	Code      uint32
	Message   string
	Err       error
}

func (e *RemoteCallError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc: call %s on %s failed code=%d: %s", e.Procedure, e.Addr, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc: call %s on %s: %v", e.Procedure, e.Addr, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrProcedureNotFound) match a remote 404.
func (e *RemoteCallError) Is(target error) bool {
	return target == ErrProcedureNotFound && e.Code == schema.CodeNotFound
}

func newRemoteCallError(addr, procedure string, err error) *RemoteCallError {
	out := &RemoteCallError{Addr: addr, Procedure: procedure, Err: err}
	var remote *session.RemoteError
	if errors.As(err, &remote) {
		out.Code = remote.Code
		out.Message = remote.Message
	}
	return out
}

// EmitError reports an event frame that could not be written.
type EmitError struct {
	Addr  string
	Event string
	Err   error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("rpc: emit %s on %s: %v", e.Event, e.Addr, e.Err)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}
