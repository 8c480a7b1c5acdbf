package rpc

import (
	"context"
	"fmt"
)

// ProcedureStub performs one remote call.
type ProcedureStub func(ctx context.Context, args ...any) (any, error)

// EventStub performs one remote emit. It returns once the frame is written.
type EventStub func(ctx context.Context, args ...any) error

// Stub is a snapshot of the endpoint names a peer exposed when it was built.
// Registrations made afterwards never change an existing Stub. A Stub owns no
// connection; every invocation resolves the session through the pool.
type Stub struct {
	addr       Address
	procedures map[string]ProcedureStub
	events     map[string]EventStub
}

func (s *Stub) Address() Address {
	return s.addr
}

func (s *Stub) Procedure(name string) (ProcedureStub, bool) {
	fn, ok := s.procedures[name]
	return fn, ok
}

func (s *Stub) Event(name string) (EventStub, bool) {
	fn, ok := s.events[name]
	return fn, ok
}

// Call invokes the named procedure entry.
func (s *Stub) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := s.procedures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q not on stub for %s", ErrProcedureNotFound, name, s.addr)
	}
	return fn(ctx, args...)
}

// Emit invokes the named event entry.
func (s *Stub) Emit(ctx context.Context, name string, args ...any) error {
	fn, ok := s.events[name]
	if !ok {
		return fmt.Errorf("%w: %q not on stub for %s", ErrEventNotFound, name, s.addr)
	}
	return fn(ctx, args...)
}

func (s *Stub) ProcedureNames() []string {
	return sortedKeys(s.procedures)
}

func (s *Stub) EventNames() []string {
	return sortedKeys(s.events)
}

// Has reports whether name is a procedure or an event on the stub.
func (s *Stub) Has(name string) bool {
	_, isProc := s.procedures[name]
	_, isEvent := s.events[name]
	return isProc || isEvent
}

// Len is the number of entries on the stub.
func (s *Stub) Len() int {
	return len(s.procedures) + len(s.events)
}
