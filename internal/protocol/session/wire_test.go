package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/testutil/testlog"
)

func overTheWire(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func TestHelloCarriesTokenInAuthBlock(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeHelloFrame(7, Hello{PeerID: "node.a", Token: "s3cret"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	got := overTheWire(t, f)
	if got.Header.Flags&frame.FlagHasAuth == 0 {
		t.Fatalf("expected auth block")
	}
	if bytes.Contains(got.Payload, []byte("s3cret")) {
		t.Fatalf("token leaked into payload")
	}
	hello, err := DecodeHelloFrame(got)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.PeerID != "node.a" || hello.Token != "s3cret" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}

func TestHelloRequiresPeerID(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeHelloFrame(1, Hello{}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeHelloAckFrame(7, HelloAck{
		Status:      AckStatusRejected,
		Code:        schema.CodeUnauthorized,
		Message:     "bad token",
		PeerID:      "server.a",
		TimestampMS: 1700000000000,
	})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	got, err := DecodeHelloAckFrame(overTheWire(t, f))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Status != AckStatusRejected || got.Code != schema.CodeUnauthorized || got.Message != "bad token" {
		t.Fatalf("unexpected ack: %+v", got)
	}
	if _, err := EncodeHelloAckFrame(1, HelloAck{Status: "maybe", PeerID: "x", TimestampMS: 1}); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
}

func TestCallAndEmitRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeCallFrame(11, Call{Name: "rpcProcedure", Args: []any{42, "x", true}})
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}
	call, err := DecodeCallFrame(overTheWire(t, f))
	if err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.Name != "rpcProcedure" || len(call.Args) != 3 || call.Args[0] != float64(42) || call.Args[1] != "x" {
		t.Fatalf("unexpected call: %+v", call)
	}

	f, err = EncodeEmitFrame(12, Emit{Name: "eventProcedure"})
	if err != nil {
		t.Fatalf("encode emit: %v", err)
	}
	emit, err := DecodeEmitFrame(overTheWire(t, f))
	if err != nil {
		t.Fatalf("decode emit: %v", err)
	}
	if emit.Name != "eventProcedure" || emit.Args == nil || len(emit.Args) != 0 {
		t.Fatalf("unexpected emit: %+v", emit)
	}
	if _, err := DecodeCallFrame(overTheWire(t, f)); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
	if _, err := EncodeCallFrame(1, Call{Name: " "}); !errors.Is(err, ErrMissingName) {
		t.Fatalf("expected ErrMissingName, got %v", err)
	}
}

func TestResultErrorAndEndpointsRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeResultFrame(5, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	res := overTheWire(t, f)
	if !res.Header.IsResponse() || res.Header.MessageID != 5 {
		t.Fatalf("unexpected result header: %+v", res.Header)
	}
	v, err := DecodeResultFrame(res)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["ok"] != true {
		t.Fatalf("unexpected result: %#v", v)
	}

	f, err = EncodeErrorFrame(6, RemoteError{Code: schema.CodeNotFound, Message: "unknown procedure"})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	errFrame := overTheWire(t, f)
	if !errFrame.Header.IsError() {
		t.Fatalf("expected error flag")
	}
	remote, err := DecodeErrorFrame(errFrame)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if remote.Code != schema.CodeNotFound {
		t.Fatalf("unexpected remote error: %+v", remote)
	}

	f, err = EncodeEndpointsFrame(8, Endpoints{Procedures: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("encode endpoints: %v", err)
	}
	eps, err := DecodeEndpointsFrame(overTheWire(t, f))
	if err != nil {
		t.Fatalf("decode endpoints: %v", err)
	}
	if len(eps.Procedures) != 2 || eps.Events == nil || len(eps.Events) != 0 {
		t.Fatalf("unexpected endpoints: %+v", eps)
	}
}

func TestPingPongTimestamp(t *testing.T) {
	testlog.Start(t)
	ts := uint64(time.Now().UnixMilli())
	f, err := EncodePongFrame(3, ts)
	if err != nil {
		t.Fatalf("encode pong: %v", err)
	}
	got, err := DecodeTimestampFrame(overTheWire(t, f))
	if err != nil || got != ts {
		t.Fatalf("pong timestamp: %d %v", got, err)
	}
}

func TestPendingTableLifecycle(t *testing.T) {
	testlog.Start(t)
	p := NewPendingTable()
	ch := p.Add(PendingCall{MessageID: 2, Kind: "call", Name: "b"})
	p.Add(PendingCall{MessageID: 1, Kind: "call", Name: "a"})
	if list := p.List(); len(list) != 2 || list[0].MessageID != 1 {
		t.Fatalf("unexpected pending list: %+v", list)
	}
	if !p.Resolve(2, frame.Frame{Header: frame.Header{MessageID: 2}}) {
		t.Fatalf("expected resolve to find waiter")
	}
	if got := <-ch; got.Header.MessageID != 2 {
		t.Fatalf("unexpected delivered frame: %+v", got.Header)
	}
	if p.Resolve(2, frame.Frame{}) {
		t.Fatalf("second resolve should miss")
	}
	dropped := p.Drain()
	if len(dropped) != 1 || dropped[0].Name != "a" || p.Len() != 0 {
		t.Fatalf("unexpected drain: %+v len=%d", dropped, p.Len())
	}
}
