package schema

import (
	"fmt"

	"github.com/danmuck/rpcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgHello         uint32 = 1
	MsgHelloAck      uint32 = 2
	MsgCall          uint32 = 3
	MsgResult        uint32 = 4
	MsgError         uint32 = 5
	MsgEmit          uint32 = 6
	MsgListEndpoints uint32 = 7
	MsgEndpoints     uint32 = 8
	MsgPing          uint32 = 9
	MsgPong          uint32 = 10
)

// Field IDs.
const (
	FieldPeerID      uint16 = 1
	FieldStatus      uint16 = 2
	FieldCode        uint16 = 3
	FieldMessage     uint16 = 4
	FieldTimestampMS uint16 = 5

	FieldName   uint16 = 100
	FieldArgs   uint16 = 101
	FieldResult uint16 = 102

	FieldErrorCode    uint16 = 200
	FieldErrorMessage uint16 = 201

	FieldProcedureNames uint16 = 300
	FieldEventNames     uint16 = 301
)

// Error codes carried by MsgError.
const (
	CodeBadRequest    uint32 = 400
	CodeUnauthorized  uint32 = 401
	CodeNotFound      uint32 = 404
	CodeHandlerFailed uint32 = 500
)

var names = map[uint32]string{
	MsgHello:         "hello",
	MsgHelloAck:      "hello.ack",
	MsgCall:          "call",
	MsgResult:        "result",
	MsgError:         "error",
	MsgEmit:          "emit",
	MsgListEndpoints: "list_endpoints",
	MsgEndpoints:     "endpoints",
	MsgPing:          "ping",
	MsgPong:          "pong",
}

// Name returns the wire name of a message type, or "unknown".
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return "unknown"
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldPeerID, tlv.TypeString},
	},
	MsgHelloAck: {
		{FieldStatus, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
		{FieldPeerID, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgCall: {
		{FieldName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgResult: {
		{FieldResult, tlv.TypeBytes},
	},
	MsgError: {
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgEmit: {
		{FieldName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgListEndpoints: {},
	MsgEndpoints: {
		{FieldProcedureNames, tlv.TypeBytes},
		{FieldEventNames, tlv.TypeBytes},
	},
	MsgPing: {
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgPong: {
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
