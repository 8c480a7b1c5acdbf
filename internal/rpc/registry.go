package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ProcedureFunc serves one request/response procedure.
type ProcedureFunc func(ctx context.Context, args []any) (any, error)

// EventFunc serves one fire-and-forget event.
type EventFunc func(ctx context.Context, args []any)

// endpointTable is immutable once published.
type endpointTable struct {
	version    uint64
	procedures map[string]ProcedureFunc
	events     map[string]EventFunc
}

// Registry holds the procedures and events this process serves. Each Register
// call builds a new table and publishes it in one atomic swap, so readers see
// either the whole old mapping or the whole new one.
type Registry struct {
	mu    sync.Mutex
	table atomic.Pointer[endpointTable]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.table.Store(&endpointTable{
		procedures: map[string]ProcedureFunc{},
		events:     map[string]EventFunc{},
	})
	return r
}

// RegisterProcedures replaces the whole procedure table. A nil or empty map clears it.
// Names are kept exactly as given; entries with an empty name or a nil handler
// are skipped since they could never be invoked.
func (r *Registry) RegisterProcedures(procs map[string]ProcedureFunc) {
	next := make(map[string]ProcedureFunc, len(procs))
	for name, fn := range procs {
		if name == "" || fn == nil {
			log.Warn().Str("procedure", name).Msg("rpc.Registry skipping empty procedure entry")
			continue
		}
		next[name] = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.table.Load()
	r.table.Store(&endpointTable{
		version:    cur.version + 1,
		procedures: next,
		events:     cur.events,
	})
	log.Debug().Int("procedures", len(next)).Uint64("version", cur.version+1).Msg("rpc.Registry procedures replaced")
}

// RegisterEvents replaces the whole event table. A nil or empty map clears it.
// Entries are filtered like RegisterProcedures.
func (r *Registry) RegisterEvents(events map[string]EventFunc) {
	next := make(map[string]EventFunc, len(events))
	for name, fn := range events {
		if name == "" || fn == nil {
			log.Warn().Str("event", name).Msg("rpc.Registry skipping empty event entry")
			continue
		}
		next[name] = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.table.Load()
	r.table.Store(&endpointTable{
		version:    cur.version + 1,
		procedures: cur.procedures,
		events:     next,
	})
	log.Debug().Int("events", len(next)).Uint64("version", cur.version+1).Msg("rpc.Registry events replaced")
}

func (r *Registry) ProcedureNames() []string {
	return sortedKeys(r.table.Load().procedures)
}

func (r *Registry) EventNames() []string {
	return sortedKeys(r.table.Load().events)
}

// Version increases by one on every registration.
func (r *Registry) Version() uint64 {
	return r.table.Load().version
}

// InvokeProcedure runs the named procedure. A panicking handler yields ErrHandlerPanic.
func (r *Registry) InvokeProcedure(ctx context.Context, name string, args []any) (result any, err error) {
	fn, ok := r.table.Load().procedures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProcedureNotFound, name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("procedure", name).Interface("panic", rec).Msg("rpc.Registry procedure panicked")
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, name, rec)
		}
	}()
	return fn(ctx, args)
}

// InvokeEvent runs the named event handler.
func (r *Registry) InvokeEvent(ctx context.Context, name string, args []any) (err error) {
	fn, ok := r.table.Load().events[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEventNotFound, name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("event", name).Interface("panic", rec).Msg("rpc.Registry event panicked")
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, name, rec)
		}
	}()
	fn(ctx, args)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
