package handshake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/devicelink/internal/protocol/frame"
	"github.com/danmuck/devicelink/internal/protocol/schema"
	"github.com/danmuck/devicelink/internal/protocol/tlv"
)

const (
	ProtocolVersion uint16 = 1
	MinNonceLen            = 16

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidRequest      = errors.New("handshake: invalid session request")
	ErrStaleRequest        = errors.New("handshake: stale session request")
	ErrUnsupportedProtocol = errors.New("handshake: unsupported protocol version")
	ErrInvalidAck          = errors.New("handshake: invalid ack")
	ErrInvalidReject       = errors.New("handshake: invalid error message")
	ErrUnknownMessage      = errors.New("handshake: unknown message type")
)

// Request is the peripheral->central session-start payload.
type Request struct {
	SessionID       string
	DeviceName      string
	Nonce           []byte
	TimestampMS     uint64
	ProtocolVersion uint16
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.DeviceName) == "" {
		return fmt.Errorf("%w: missing device_name", ErrInvalidRequest)
	}
	if len(r.Nonce) < MinNonceLen {
		return fmt.Errorf("%w: nonce shorter than %d bytes", ErrInvalidRequest, MinNonceLen)
	}
	if r.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRequest)
	}
	if r.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d want %d", ErrUnsupportedProtocol, r.ProtocolVersion, ProtocolVersion)
	}
	return nil
}

// CheckFreshness rejects requests older than maxAge or dated more than
// maxAge into the future.
func (r Request) CheckFreshness(now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	sent := time.UnixMilli(int64(r.TimestampMS))
	age := now.Sub(sent)
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: age=%s max=%s", ErrStaleRequest, age.Round(time.Millisecond), maxAge)
	}
	return nil
}

// Context is the central->peripheral delivery of the sealed auth context.
type Context struct {
	SessionID string
	Sealed    []byte
}

func (c Context) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("%w: context missing session_id", ErrInvalidRequest)
	}
	if len(c.Sealed) == 0 {
		return fmt.Errorf("%w: context missing sealed_context", ErrInvalidRequest)
	}
	return nil
}

// Ack is the peripheral->central acknowledgment.
type Ack struct {
	SessionID string
	Status    string
}

func (a Ack) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidAck, a.Status)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidAck)
	}
	return nil
}

// Reject is a session.error sent by either side before closing.
type Reject struct {
	SessionID string
	Reason    string
}

func (r Reject) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidReject)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: missing reason", ErrInvalidReject)
	}
	return nil
}

// Message is one decoded handshake frame. Exactly one payload pointer is set.
type Message struct {
	Type      uint32
	MessageID uint64
	Request   *Request
	Context   *Context
	Ack       *Ack
	Reject    *Reject
}

func (m Message) Name() string {
	return schema.Name(m.Type)
}

func EncodeRequest(messageID uint64, r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(messageID, schema.MsgSessionRequest, []tlv.Field{
		tlv.String(schema.FieldSessionID, r.SessionID),
		tlv.String(schema.FieldDeviceName, r.DeviceName),
		tlv.Bytes(schema.FieldNonce, r.Nonce),
		tlv.U64(schema.FieldTimestampMS, r.TimestampMS),
		tlv.U16(schema.FieldProtocolVersion, r.ProtocolVersion),
	})
}

func EncodeContext(messageID uint64, c Context) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return encode(messageID, schema.MsgSessionContext, []tlv.Field{
		tlv.String(schema.FieldSessionID, c.SessionID),
		tlv.Bytes(schema.FieldSealedContext, c.Sealed),
	})
}

func EncodeAck(messageID uint64, a Ack) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return encode(messageID, schema.MsgSessionAck, []tlv.Field{
		tlv.String(schema.FieldSessionID, a.SessionID),
		tlv.String(schema.FieldStatus, a.Status),
	})
}

func EncodeReject(messageID uint64, r Reject) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(messageID, schema.MsgSessionError, []tlv.Field{
		tlv.String(schema.FieldSessionID, r.SessionID),
		tlv.String(schema.FieldReason, r.Reason),
	})
}

// Decode parses one framed handshake message and validates it against the
// schema table and the typed payload rules.
func Decode(b []byte) (Message, error) {
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Message{}, err
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	msgType := f.Header.MessageType
	if err := schema.Validate(msgType, fields); err != nil {
		return Message{}, err
	}

	msg := Message{Type: msgType, MessageID: f.Header.MessageID}
	switch msgType {
	case schema.MsgSessionRequest:
		req := Request{
			SessionID:  getString(fields, schema.FieldSessionID),
			DeviceName: getString(fields, schema.FieldDeviceName),
			Nonce:      getBytes(fields, schema.FieldNonce),
		}
		if req.TimestampMS, err = getU64(fields, schema.FieldTimestampMS); err != nil {
			return Message{}, err
		}
		if req.ProtocolVersion, err = getU16(fields, schema.FieldProtocolVersion); err != nil {
			return Message{}, err
		}
		if err := req.Validate(); err != nil {
			return Message{}, err
		}
		msg.Request = &req
	case schema.MsgSessionContext:
		c := Context{
			SessionID: getString(fields, schema.FieldSessionID),
			Sealed:    getBytes(fields, schema.FieldSealedContext),
		}
		if err := c.Validate(); err != nil {
			return Message{}, err
		}
		msg.Context = &c
	case schema.MsgSessionAck:
		a := Ack{
			SessionID: getString(fields, schema.FieldSessionID),
			Status:    getString(fields, schema.FieldStatus),
		}
		if err := a.Validate(); err != nil {
			return Message{}, err
		}
		msg.Ack = &a
	case schema.MsgSessionError:
		r := Reject{
			SessionID: getString(fields, schema.FieldSessionID),
			Reason:    getString(fields, schema.FieldReason),
		}
		if err := r.Validate(); err != nil {
			return Message{}, err
		}
		msg.Reject = &r
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, msgType)
	}
	return msg, nil
}

func encode(messageID uint64, messageType uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func getString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

func getBytes(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}

func getU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U64FromBytes(f.Value)
}

func getU16(fields []tlv.Field, id uint16) (uint16, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U16FromBytes(f.Value)
}
