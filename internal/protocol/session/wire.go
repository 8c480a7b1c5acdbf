package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
	"github.com/danmuck/rpcbridge/internal/protocol/schema"
	"github.com/danmuck/rpcbridge/internal/protocol/tlv"
)

var (
	ErrMissingName       = errors.New("session: missing endpoint name")
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
)

// Call is a request/response invocation of a named procedure.
type Call struct {
	Name string
	Args []any
}

// Emit is a one-way invocation of a named event.
type Emit struct {
	Name string
	Args []any
}

// Endpoints lists the names a peer currently serves.
type Endpoints struct {
	Procedures []string
	Events     []string
}

// RemoteError is a failure reported by the peer for one request.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote error code=%d: %s", e.Code, e.Message)
}

func EncodeCallFrame(messageID uint64, call Call) (frame.Frame, error) {
	return encodeInvocation(schema.MsgCall, messageID, call.Name, call.Args)
}

func DecodeCallFrame(f frame.Frame) (Call, error) {
	name, args, err := decodeInvocation(schema.MsgCall, f)
	if err != nil {
		return Call{}, err
	}
	return Call{Name: name, Args: args}, nil
}

func EncodeEmitFrame(messageID uint64, emit Emit) (frame.Frame, error) {
	return encodeInvocation(schema.MsgEmit, messageID, emit.Name, emit.Args)
}

func DecodeEmitFrame(f frame.Frame) (Emit, error) {
	name, args, err := decodeInvocation(schema.MsgEmit, f)
	if err != nil {
		return Emit{}, err
	}
	return Emit{Name: name, Args: args}, nil
}

// EncodeResultFrame answers request messageID with a JSON encoded value.
func EncodeResultFrame(messageID uint64, value any) (frame.Frame, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("session: encode result: %w", err)
	}
	return buildFrame(schema.MsgResult, messageID, frame.FlagIsResponse, []tlv.Field{
		tlv.Bytes(schema.FieldResult, raw),
	})
}

func DecodeResultFrame(f frame.Frame) (any, error) {
	if err := expectType(f, schema.MsgResult); err != nil {
		return nil, err
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return nil, err
	}
	raw := getRequiredBytes(fields, schema.FieldResult)
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("session: decode result: %w", err)
	}
	return value, nil
}

func EncodeErrorFrame(messageID uint64, remote RemoteError) (frame.Frame, error) {
	return buildFrame(schema.MsgError, messageID, frame.FlagIsResponse|frame.FlagIsError, []tlv.Field{
		tlv.U32(schema.FieldErrorCode, remote.Code),
		tlv.String(schema.FieldErrorMessage, remote.Message),
	})
}

func DecodeErrorFrame(f frame.Frame) (*RemoteError, error) {
	if err := expectType(f, schema.MsgError); err != nil {
		return nil, err
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return nil, err
	}
	return &RemoteError{
		Code:    getRequiredU32(fields, schema.FieldErrorCode),
		Message: getRequiredString(fields, schema.FieldErrorMessage),
	}, nil
}

func EncodeListEndpointsFrame(messageID uint64) (frame.Frame, error) {
	return buildFrame(schema.MsgListEndpoints, messageID, 0, nil)
}

func EncodeEndpointsFrame(messageID uint64, eps Endpoints) (frame.Frame, error) {
	procs, err := json.Marshal(nonNilStrings(eps.Procedures))
	if err != nil {
		return frame.Frame{}, err
	}
	events, err := json.Marshal(nonNilStrings(eps.Events))
	if err != nil {
		return frame.Frame{}, err
	}
	return buildFrame(schema.MsgEndpoints, messageID, frame.FlagIsResponse, []tlv.Field{
		tlv.Bytes(schema.FieldProcedureNames, procs),
		tlv.Bytes(schema.FieldEventNames, events),
	})
}

func DecodeEndpointsFrame(f frame.Frame) (Endpoints, error) {
	if err := expectType(f, schema.MsgEndpoints); err != nil {
		return Endpoints{}, err
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return Endpoints{}, err
	}
	var eps Endpoints
	if err := json.Unmarshal(getRequiredBytes(fields, schema.FieldProcedureNames), &eps.Procedures); err != nil {
		return Endpoints{}, fmt.Errorf("session: decode procedure names: %w", err)
	}
	if err := json.Unmarshal(getRequiredBytes(fields, schema.FieldEventNames), &eps.Events); err != nil {
		return Endpoints{}, fmt.Errorf("session: decode event names: %w", err)
	}
	eps.Procedures = nonNilStrings(eps.Procedures)
	eps.Events = nonNilStrings(eps.Events)
	return eps, nil
}

func EncodePingFrame(messageID uint64, timestampMS uint64) (frame.Frame, error) {
	return buildFrame(schema.MsgPing, messageID, 0, []tlv.Field{
		tlv.U64(schema.FieldTimestampMS, timestampMS),
	})
}

func EncodePongFrame(messageID uint64, timestampMS uint64) (frame.Frame, error) {
	return buildFrame(schema.MsgPong, messageID, frame.FlagIsResponse, []tlv.Field{
		tlv.U64(schema.FieldTimestampMS, timestampMS),
	})
}

// DecodeTimestampFrame reads the timestamp carried by ping and pong frames.
func DecodeTimestampFrame(f frame.Frame) (uint64, error) {
	if f.Header.MessageType != schema.MsgPing && f.Header.MessageType != schema.MsgPong {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.Name(f.Header.MessageType))
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return 0, err
	}
	return getRequiredU64(fields, schema.FieldTimestampMS), nil
}

func encodeInvocation(messageType uint32, messageID uint64, name string, args []any) (frame.Frame, error) {
	if strings.TrimSpace(name) == "" {
		return frame.Frame{}, ErrMissingName
	}
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("session: encode args for %q: %w", name, err)
	}
	return buildFrame(messageType, messageID, 0, []tlv.Field{
		tlv.String(schema.FieldName, name),
		tlv.Bytes(schema.FieldArgs, raw),
	})
}

func decodeInvocation(messageType uint32, f frame.Frame) (string, []any, error) {
	if err := expectType(f, messageType); err != nil {
		return "", nil, err
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return "", nil, err
	}
	name := getRequiredString(fields, schema.FieldName)
	if strings.TrimSpace(name) == "" {
		return "", nil, ErrMissingName
	}
	var args []any
	if err := json.Unmarshal(getRequiredBytes(fields, schema.FieldArgs), &args); err != nil {
		return "", nil, fmt.Errorf("session: decode args for %q: %w", name, err)
	}
	if args == nil {
		args = []any{}
	}
	return name, args, nil
}

func buildFrame(messageType uint32, messageID uint64, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decodeValidated(f frame.Frame) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func expectType(f frame.Frame, messageType uint32) error {
	if f.Header.MessageType != messageType {
		return fmt.Errorf("%w: got %s want %s", ErrUnexpectedMessage, schema.Name(f.Header.MessageType), schema.Name(messageType))
	}
	return nil
}

func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getRequiredBytes(fields []tlv.Field, id uint16) []byte {
	f, _ := tlv.GetField(fields, id)
	return f.Value
}

func getRequiredU32(fields []tlv.Field, id uint16) uint32 {
	f, _ := tlv.GetField(fields, id)
	v, _ := tlv.U32FromBytes(f.Value)
	return v
}

func getRequiredU64(fields []tlv.Field, id uint16) uint64 {
	f, _ := tlv.GetField(fields, id)
	v, _ := tlv.U64FromBytes(f.Value)
	return v
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
