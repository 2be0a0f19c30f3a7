// Package envelope owns the request/response envelope codec.
//
// Ownership boundary:
// - identity block (client name, bearer token) in the frame auth section
// - command discriminator + opaque typed payload (protobuf Any)
// - response status mapping onto MalformedEnvelope failures
//
// The codec is pure: no shared state, no I/O beyond byte slices.
package envelope

import (
	"errors"
	"fmt"

	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/internal/protocol/schema"
	"github.com/danmuck/kicadipc/internal/protocol/tlv"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	ErrMissingCommand  = errors.New("envelope: missing command discriminator")
	ErrMissingIdentity = errors.New("envelope: missing identity block")
	ErrUnknownStatus   = errors.New("envelope: unknown status code")
	ErrWrongDirection  = errors.New("envelope: unexpected message direction")
	ErrFlagMismatch    = errors.New("envelope: frame flags disagree with response status")
	ErrNonCanonical    = errors.New("envelope: non-canonical field layout")
)

// Identity is the per-request identity header.
type Identity struct {
	ClientName string
	Token      string
}

// Request is one outbound envelope. Immutable once encoded.
type Request struct {
	CorrelationID uint64
	Identity      Identity
	Command       *anypb.Any
}

// Response is one inbound envelope.
//
// Payload is nil when the peer sent no message body. Identity.Token carries
// the token the peer echoed back, if any.
type Response struct {
	CorrelationID uint64
	Identity      Identity
	Status        Status
	ErrorMessage  string
	Payload       *anypb.Any
}

// CommandName returns the request discriminator without the type URL prefix.
func (r Request) CommandName() string {
	if r.Command == nil {
		return ""
	}
	return string(r.Command.MessageName())
}

func EncodeRequest(req Request) ([]byte, error) {
	if req.Command == nil || req.Command.GetTypeUrl() == "" {
		return nil, malformed("envelope.encode", ErrMissingCommand)
	}
	if req.Identity.ClientName == "" {
		return nil, malformed("envelope.encode", ErrMissingIdentity)
	}
	payload := []tlv.Field{
		tlv.String(schema.FieldCommand, req.Command.GetTypeUrl()),
		tlv.Bytes(schema.FieldBody, req.Command.GetValue()),
	}
	return encode(req.CorrelationID, schema.MsgRequest, 0, identityFields(req.Identity), payload)
}

func EncodeResponse(resp Response) ([]byte, error) {
	if !resp.Status.Known() {
		return nil, malformed("envelope.encode", fmt.Errorf("%w: %d", ErrUnknownStatus, resp.Status))
	}
	payload := []tlv.Field{tlv.U8(schema.FieldStatus, uint8(resp.Status))}
	if resp.ErrorMessage != "" {
		payload = append(payload, tlv.String(schema.FieldErrorMessage, resp.ErrorMessage))
	}
	if resp.Payload != nil {
		if resp.Payload.GetTypeUrl() == "" {
			return nil, malformed("envelope.encode", fmt.Errorf("%w: empty payload type", ErrNonCanonical))
		}
		payload = append(payload,
			tlv.String(schema.FieldCommand, resp.Payload.GetTypeUrl()),
			tlv.Bytes(schema.FieldBody, resp.Payload.GetValue()),
		)
	}
	var identity []tlv.Field
	if resp.Identity != (Identity{}) {
		identity = identityFields(resp.Identity)
	}
	return encode(resp.CorrelationID, schema.MsgResponse, responseFlags(resp.Status, false), identity, payload)
}

// responseFlags is the exact flag word of a response frame. frame.Marshal
// adds FlagHasAuth itself, so encoders pass withAuth=false.
func responseFlags(status Status, withAuth bool) uint32 {
	flags := frame.FlagIsResponse
	if status != StatusOK {
		flags |= frame.FlagIsError
	}
	if withAuth {
		flags |= frame.FlagHasAuth
	}
	return flags
}

func DecodeRequest(b []byte) (Request, error) {
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Request{}, malformed("envelope.decode", err)
	}
	return RequestFromFrame(f)
}

func DecodeResponse(b []byte) (Response, error) {
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Response{}, malformed("envelope.decode", err)
	}
	return ResponseFromFrame(f)
}

// RequestFromFrame decodes an already-framed request.
func RequestFromFrame(f frame.Frame) (Request, error) {
	req := Request{CorrelationID: f.Header.MessageID}
	if f.Header.MessageType != schema.MsgRequest || f.IsResponse() {
		return req, malformed("envelope.decode", ErrWrongDirection)
	}
	if len(f.Auth) == 0 {
		return req, malformed("envelope.decode", ErrMissingIdentity)
	}
	id, err := decodeIdentity(f.Auth)
	if err != nil {
		return req, err
	}
	fields, err := decodePayload(schema.MsgRequest, f.Payload)
	if err != nil {
		return req, err
	}
	typeURL, _ := tlv.GetString(fields, schema.FieldCommand)
	if typeURL == "" {
		return req, malformed("envelope.decode", ErrMissingCommand)
	}
	body, _ := tlv.GetField(fields, schema.FieldBody)
	req.Identity = id
	req.Command = &anypb.Any{TypeUrl: typeURL, Value: body.Value}
	return req, nil
}

// ResponseFromFrame decodes an already-framed response. CorrelationID is set
// on the returned value even when decoding fails, so the failure can still be
// routed to the waiting caller.
//
// Only the layout EncodeResponse produces is accepted, so any response that
// decodes re-encodes to the same bytes.
func ResponseFromFrame(f frame.Frame) (Response, error) {
	resp := Response{CorrelationID: f.Header.MessageID}
	if f.Header.MessageType != schema.MsgResponse || !f.IsResponse() {
		return resp, malformed("envelope.decode", ErrWrongDirection)
	}
	if len(f.Auth) > 0 {
		id, err := decodeResponseIdentity(f.Auth)
		if err != nil {
			return resp, err
		}
		resp.Identity = id
	}
	fields, err := decodePayload(schema.MsgResponse, f.Payload)
	if err != nil {
		return resp, err
	}
	if err := checkResponseLayout(fields); err != nil {
		return resp, malformed("envelope.decode", err)
	}
	code, err := tlv.GetU8(fields, schema.FieldStatus)
	if err != nil {
		return resp, malformed("envelope.decode", err)
	}
	status := Status(code)
	if !status.Known() {
		return resp, malformed("envelope.decode", fmt.Errorf("%w: %d", ErrUnknownStatus, code))
	}
	if want := responseFlags(status, len(f.Auth) > 0); f.Header.Flags != want {
		return resp, malformed("envelope.decode",
			fmt.Errorf("%w: flags %#x, want %#x for %s", ErrFlagMismatch, f.Header.Flags, want, status))
	}
	resp.Status = status
	resp.ErrorMessage, _ = tlv.GetString(fields, schema.FieldErrorMessage)
	if typeURL, _ := tlv.GetString(fields, schema.FieldCommand); typeURL != "" {
		body, _ := tlv.GetField(fields, schema.FieldBody)
		resp.Payload = &anypb.Any{TypeUrl: typeURL, Value: body.Value}
	}
	return resp, nil
}

func encode(id uint64, msgType, flags uint32, identity, payload []tlv.Field) ([]byte, error) {
	var auth []byte
	if len(identity) > 0 {
		auth = tlv.EncodeFields(identity)
	}
	b, err := frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   id,
			MessageType: msgType,
			Flags:       flags,
		},
		Auth:    auth,
		Payload: tlv.EncodeFields(payload),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, malformed("envelope.encode", err)
	}
	return b, nil
}

func identityFields(id Identity) []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldClientName, id.ClientName)}
	if id.Token != "" {
		fields = append(fields, tlv.String(schema.FieldToken, id.Token))
	}
	return fields
}

func decodeIdentity(auth []byte) (Identity, error) {
	fields, err := tlv.DecodeFields(auth)
	if err != nil {
		return Identity{}, malformed("envelope.identity", err)
	}
	if err := schema.Validate(schema.BlockIdentity, fields); err != nil {
		return Identity{}, malformed("envelope.identity", err)
	}
	name, _ := tlv.GetString(fields, schema.FieldClientName)
	token, _ := tlv.GetString(fields, schema.FieldToken)
	return Identity{ClientName: name, Token: token}, nil
}

// decodeResponseIdentity accepts client name then an optional non-empty
// token, and nothing else. An identity with neither is never encoded.
func decodeResponseIdentity(auth []byte) (Identity, error) {
	id, err := decodeIdentity(auth)
	if err != nil {
		return Identity{}, err
	}
	fields, _ := tlv.DecodeFields(auth)
	want := []uint16{schema.FieldClientName}
	if len(fields) > 1 {
		want = append(want, schema.FieldToken)
	}
	if err := expectOrder(fields, want); err != nil {
		return Identity{}, malformed("envelope.identity", err)
	}
	if len(fields) > 1 && id.Token == "" {
		return Identity{}, malformed("envelope.identity", fmt.Errorf("%w: empty token field", ErrNonCanonical))
	}
	if id == (Identity{}) {
		return Identity{}, malformed("envelope.identity", fmt.Errorf("%w: empty identity block", ErrNonCanonical))
	}
	return id, nil
}

// checkResponseLayout enforces status, then an optional non-empty error
// message, then an optional non-empty type URL followed by its body.
func checkResponseLayout(fields []tlv.Field) error {
	want := []uint16{schema.FieldStatus}
	i := 1
	if i < len(fields) && fields[i].ID == schema.FieldErrorMessage {
		if len(fields[i].Value) == 0 {
			return fmt.Errorf("%w: empty error message field", ErrNonCanonical)
		}
		want = append(want, schema.FieldErrorMessage)
		i++
	}
	if i < len(fields) && fields[i].ID == schema.FieldCommand {
		if len(fields[i].Value) == 0 {
			return fmt.Errorf("%w: empty payload type", ErrNonCanonical)
		}
		want = append(want, schema.FieldCommand, schema.FieldBody)
	}
	return expectOrder(fields, want)
}

func expectOrder(fields []tlv.Field, want []uint16) error {
	for i, id := range want {
		if i >= len(fields) {
			return fmt.Errorf("%w: missing field %d", ErrNonCanonical, id)
		}
		if fields[i].ID != id {
			return fmt.Errorf("%w: field %d at position %d, want %d", ErrNonCanonical, fields[i].ID, i, id)
		}
	}
	if len(fields) > len(want) {
		return fmt.Errorf("%w: unexpected field %d", ErrNonCanonical, fields[len(want)].ID)
	}
	return nil
}

func decodePayload(msgType uint32, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, malformed("envelope.decode", err)
	}
	if err := schema.Validate(msgType, fields); err != nil {
		return nil, malformed("envelope.decode", err)
	}
	return fields, nil
}

func malformed(op string, err error) error {
	return ipcerr.Wrap(ipcerr.KindMalformedEnvelope, op, err)
}
