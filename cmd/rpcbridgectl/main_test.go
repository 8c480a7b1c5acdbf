package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/rpcbridge/internal/auth"
	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/danmuck/rpcbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T) string {
	t.Helper()
	cfg := rpc.DefaultServerConfig()
	cfg.PeerID = "ctl-test"
	srv := rpc.NewServer(cfg, rpc.WithValidator(auth.StaticToken{Token: "secret"}))
	srv.Registry().RegisterProcedures(map[string]rpc.ProcedureFunc{
		"add": func(_ context.Context, args []any) (any, error) {
			sum := 0.0
			for _, a := range args {
				f, ok := a.(float64)
				if !ok {
					return nil, errors.New("add wants numbers")
				}
				sum += f
			}
			return sum, nil
		},
	})
	srv.Registry().RegisterEvents(map[string]rpc.EventFunc{"ping": func(context.Context, []any) {}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, srv.Ready, 2*time.Second, 5*time.Millisecond)
	return ln.Addr().String()
}

func TestListCallEmit(t *testing.T) {
	testlog.Start(t)
	addr := startBridge(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-addr", addr, "-token", "secret", "list"}, &out))
	var listed struct {
		Procedures []string `json:"procedures"`
		Events     []string `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &listed))
	require.Equal(t, []string{"add"}, listed.Procedures)
	require.Equal(t, []string{"ping"}, listed.Events)

	out.Reset()
	require.NoError(t, run([]string{"-addr", addr, "-token", "secret", "call", "add", "1", "2.5"}, &out))
	require.JSONEq(t, "3.5", out.String())

	out.Reset()
	require.NoError(t, run([]string{"-addr", addr, "-token", "secret", "emit", "ping", `{"a":1}`}, &out))
	require.Contains(t, out.String(), "emitted ping")

	err := run([]string{"-addr", addr, "-token", "secret", "call", "missing"}, &out)
	require.ErrorIs(t, err, rpc.ErrProcedureNotFound)
}

func TestRejectedTokenIsNotRetried(t *testing.T) {
	testlog.Start(t)
	addr := startBridge(t)
	start := time.Now()
	err := run([]string{"-addr", addr, "-token", "wrong", "-retries", "5", "list"}, &bytes.Buffer{})
	require.ErrorIs(t, err, session.ErrHandshakeRejected)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestWithRetryStopsAfterRetries(t *testing.T) {
	testlog.Start(t)
	calls := 0
	backoff := session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	err := withRetry(context.Background(), 2, backoff, func() error {
		calls++
		return &rpc.ConnectError{Addr: "127.0.0.1:1", Err: errors.New("refused")}
	})
	var connectErr *rpc.ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, 3, calls)

	calls = 0
	require.NoError(t, withRetry(context.Background(), 2, backoff, func() error {
		calls++
		if calls < 2 {
			return &rpc.ConnectError{Addr: "127.0.0.1:1", Err: errors.New("refused")}
		}
		return nil
	}))
	require.Equal(t, 2, calls)
}

func TestInvocationParsesJSONArgs(t *testing.T) {
	testlog.Start(t)
	name, args, err := invocation([]string{"sys.echo", "1", `"s"`, "plain", `[1,2]`})
	require.NoError(t, err)
	require.Equal(t, "sys.echo", name)
	require.Equal(t, []any{float64(1), "s", "plain", []any{float64(1), float64(2)}}, args)
	_, _, err = invocation(nil)
	require.Error(t, err)
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "daemon.toml")
	var out bytes.Buffer
	require.NoError(t, run([]string{"config", "init", "-kind", "daemon", "-output", path}, &out))
	require.NoError(t, run([]string{"config", "validate", "-kind", "daemon", path}, &out))
	require.Error(t, run([]string{"config", "init", "-kind", "daemon", "-output", path}, &out))
	require.Contains(t, out.String(), "validated daemon config")
}

func TestMissingAddressPort(t *testing.T) {
	testlog.Start(t)
	err := run([]string{"-addr", "127.0.0.1:0", "list"}, &bytes.Buffer{})
	require.Error(t, err)
	require.Error(t, run(nil, &bytes.Buffer{}))
}
