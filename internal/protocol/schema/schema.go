package schema

import (
	"fmt"

	"github.com/danmuck/devicelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs for the session-sharing exchange.
const (
	MsgSessionRequest uint32 = 1
	MsgSessionContext uint32 = 2
	MsgSessionAck     uint32 = 3
	MsgSessionError   uint32 = 4
)

// Field IDs for the session-sharing exchange.
const (
	FieldSessionID       uint16 = 1
	FieldProtocolVersion uint16 = 2
	FieldTimestampMS     uint16 = 3

	FieldDeviceName uint16 = 100
	FieldNonce      uint16 = 101

	FieldSealedContext uint16 = 200

	FieldStatus uint16 = 300
	FieldReason uint16 = 301
)

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
	MsgSessionRequest: {
		{FieldSessionID, tlv.TypeString},
		{FieldDeviceName, tlv.TypeString},
		{FieldNonce, tlv.TypeBytes},
		{FieldTimestampMS, tlv.TypeU64},
		{FieldProtocolVersion, tlv.TypeU16},
	},
	MsgSessionContext: {
		{FieldSessionID, tlv.TypeString},
		{FieldSealedContext, tlv.TypeBytes},
	},
	MsgSessionAck: {
		{FieldSessionID, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
	MsgSessionError: {
		{FieldSessionID, tlv.TypeString},
		{FieldReason, tlv.TypeString},
	},
}

// Name returns the wire name of a message type for logs and errors.
func Name(messageType uint32) string {
	switch messageType {
	case MsgSessionRequest:
		return "session.request"
	case MsgSessionContext:
		return "session.context"
	case MsgSessionAck:
		return "session.ack"
	case MsgSessionError:
		return "session.error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
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
	log.Debug().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
