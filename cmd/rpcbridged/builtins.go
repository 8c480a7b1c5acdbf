package main

import (
	"context"
	"time"

	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/rs/zerolog/log"
)

const (
	procEcho      = "sys.echo"
	procTime      = "sys.time"
	procEndpoints = "sys.endpoints"
	eventLog      = "sys.log"
)

func registerBuiltins(reg *rpc.Registry, id string) {
	reg.RegisterProcedures(builtinProcedures(reg, id))
	reg.RegisterEvents(builtinEvents(id))
}

func builtinProcedures(reg *rpc.Registry, id string) map[string]rpc.ProcedureFunc {
	return map[string]rpc.ProcedureFunc{
		procEcho: func(_ context.Context, args []any) (any, error) {
			if args == nil {
				return []any{}, nil
			}
			return args, nil
		},
		procTime: func(context.Context, []any) (any, error) {
			now := time.Now().UTC()
			return map[string]any{
				"unix_ms": now.UnixMilli(),
				"rfc3339": now.Format(time.RFC3339Nano),
				"node":    id,
			}, nil
		},
		procEndpoints: func(context.Context, []any) (any, error) {
			return map[string]any{
				"procedures": reg.ProcedureNames(),
				"events":     reg.EventNames(),
				"version":    reg.Version(),
			}, nil
		},
	}
}

func builtinEvents(id string) map[string]rpc.EventFunc {
	return map[string]rpc.EventFunc{
		eventLog: func(_ context.Context, args []any) {
			log.Info().Str("node", id).Interface("args", args).Msg("sys.log")
		},
	}
}
