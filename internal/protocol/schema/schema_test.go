package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/kicadipc/internal/protocol/tlv"
	"github.com/danmuck/kicadipc/internal/testutil/testlog"
)

func TestValidateRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCommand, "kiapi.common.commands.Ping"),
		tlv.Bytes(FieldBody, nil),
	}
	if err := Validate(MsgRequest, fields); err != nil {
		t.Fatalf("validate request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldStatus, 1),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgResponse, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldCommand, "kiapi.common.commands.Ping")}
	err := Validate(MsgRequest, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldBody || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCommand, "kiapi.common.commands.Ping"),
		tlv.String(FieldBody, "not bytes"),
	}
	err := Validate(MsgRequest, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldBody || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation result: %v", err)
	}
}

func TestValidateOptionalFieldTypeChecked(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldClientName, "kicad-ipc-1"),
		tlv.Bytes(FieldToken, []byte{0xff}),
	}
	err := Validate(BlockIdentity, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldToken {
		t.Fatalf("expected token type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected validation result: %v", err)
	}
}
