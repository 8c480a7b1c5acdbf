package rpc

import (
	"context"
	"testing"

	"github.com/danmuck/rpcbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestBridgeAttachAndDetachServer(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(t)
	require.Equal(t, DiscoveryLocal, b.Discovery())
	_, ok := b.AttachedServer()
	require.False(t, ok)

	srv := NewServer(testServerConfig())
	b.AttachServer(srv)
	got, ok := b.AttachedServer()
	require.True(t, ok)
	require.Same(t, srv, got)

	b.AttachServer(nil)
	_, ok = b.AttachedServer()
	require.False(t, ok)
}

func TestBridgeResetClosesPooledSessions(t *testing.T) {
	testlog.Start(t)
	dialer := &countingDialer{}
	b := newTestBridge(t, WithDialer(dialer))
	b.AttachServer(NewServer(testServerConfig()))

	_, err := b.CreateClient(context.Background(), "10.0.0.1", 4000)
	require.NoError(t, err)
	_, err = b.CreateClient(context.Background(), "10.0.0.2", 4000)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, b.Pool().Keys())
	last := dialer.lastSession()

	b.Reset()
	require.Zero(t, b.Pool().Len())
	_, ok := b.AttachedServer()
	require.False(t, ok)
	select {
	case <-last.Done():
	default:
		t.Fatal("reset left a pooled session open")
	}

	_, err = b.CreateClient(context.Background(), "10.0.0.1", 4000)
	require.NoError(t, err)
	require.EqualValues(t, 3, dialer.dials.Load())
}

func TestBridgeCloseRefusesNewClients(t *testing.T) {
	testlog.Start(t)
	b := NewBridge(WithDialer(&countingDialer{}))
	_, err := b.CreateClient(context.Background(), "10.0.0.1", 4000)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = b.CreateClient(context.Background(), "10.0.0.1", 4000)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestBridgeLocalDiscoveryUsesAttachedRegistry(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(t, WithDialer(&countingDialer{}))
	srv := NewServer(testServerConfig())
	srv.Registry().RegisterProcedures(map[string]ProcedureFunc{"rpcProcedure": identity})
	srv.Registry().RegisterEvents(map[string]EventFunc{"eventProcedure": func(context.Context, []any) {}})
	b.AttachServer(srv)

	stub, err := b.CreateClient(context.Background(), "10.0.0.1", 4000)
	require.NoError(t, err)
	require.Equal(t, []string{"rpcProcedure"}, stub.ProcedureNames())
	require.Equal(t, []string{"eventProcedure"}, stub.EventNames())

	// fake sessions echo the first argument back
	res, err := stub.Call(context.Background(), "rpcProcedure", "ok")
	require.NoError(t, err)
	require.Equal(t, "ok", res)
}
