package schema

import (
	"fmt"

	"github.com/danmuck/kicadipc/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgRequest  uint32 = 1
	MsgResponse uint32 = 2

	// BlockIdentity is not a frame message type; it names the identity block
	// carried in the frame auth section so it can be validated like one.
	BlockIdentity uint32 = 0x100
)

// Field IDs.
const (
	FieldClientName uint16 = 1
	FieldToken      uint16 = 2

	FieldCommand uint16 = 10
	FieldBody    uint16 = 11

	FieldStatus       uint16 = 20
	FieldErrorMessage uint16 = 21
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
	MsgRequest: {
		{FieldCommand, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
	},
	MsgResponse: {
		{FieldStatus, tlv.TypeU8},
	},
	BlockIdentity: {
		{FieldClientName, tlv.TypeString},
	},
}

// optional fields still have to carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgResponse: {
		{FieldCommand, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
		{FieldErrorMessage, tlv.TypeString},
	},
	BlockIdentity: {
		{FieldToken, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
