package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/protocol/tlv"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidHello      = errors.New("session: invalid hello")
	ErrInvalidHelloAck   = errors.New("session: invalid hello.ack")
	ErrHandshakeRejected = errors.New("session: handshake rejected")
)

// Hello opens a session. Token travels in the frame auth block, never in the payload.
type Hello struct {
	PeerID string
	Token  string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the server's answer to Hello.
type HelloAck struct {
	Status      string
	Code        uint32
	Message     string
	PeerID      string
	TimestampMS uint64
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// HandshakeError reports a rejected hello.
type HandshakeError struct {
	Code    uint32
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: handshake rejected code=%d message=%q", e.Code, e.Message)
}

func (e *HandshakeError) Unwrap() error {
	return ErrHandshakeRejected
}

func EncodeHelloFrame(messageID uint64, hello Hello) (frame.Frame, error) {
	if err := hello.Validate(); err != nil {
		return frame.Frame{}, err
	}
	f, err := buildFrame(schema.MsgHello, messageID, 0, []tlv.Field{
		tlv.String(schema.FieldPeerID, hello.PeerID),
	})
	if err != nil {
		return frame.Frame{}, err
	}
	if hello.Token != "" {
		f.Auth = []byte(hello.Token)
	}
	return f, nil
}

func DecodeHelloFrame(f frame.Frame) (Hello, error) {
	if f.Header.MessageType != schema.MsgHello {
		return Hello{}, fmt.Errorf("%w: unexpected message type %s", ErrInvalidHello, schema.Name(f.Header.MessageType))
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return Hello{}, err
	}
	hello := Hello{
		PeerID: getRequiredString(fields, schema.FieldPeerID),
		Token:  string(f.Auth),
	}
	if err := hello.Validate(); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

func EncodeHelloAckFrame(messageID uint64, ack HelloAck) (frame.Frame, error) {
	if err := ack.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, ack.Status),
		tlv.U32(schema.FieldCode, ack.Code),
		tlv.String(schema.FieldPeerID, ack.PeerID),
		tlv.U64(schema.FieldTimestampMS, ack.TimestampMS),
	}
	if ack.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, ack.Message))
	}
	return buildFrame(schema.MsgHelloAck, messageID, frame.FlagIsResponse, fields)
}

func DecodeHelloAckFrame(f frame.Frame) (HelloAck, error) {
	if f.Header.MessageType != schema.MsgHelloAck {
		return HelloAck{}, fmt.Errorf("%w: unexpected message type %s", ErrInvalidHelloAck, schema.Name(f.Header.MessageType))
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return HelloAck{}, err
	}
	ack := HelloAck{
		Status:      getRequiredString(fields, schema.FieldStatus),
		Code:        getRequiredU32(fields, schema.FieldCode),
		PeerID:      getRequiredString(fields, schema.FieldPeerID),
		TimestampMS: getRequiredU64(fields, schema.FieldTimestampMS),
	}
	if msg, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		ack.Message = string(msg.Value)
	}
	if err := ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return ack, nil
}
