package envelope

import (
	"errors"
	"fmt"

	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

const typeURLPrefix = "type.googleapis.com/"

var (
	ErrMissingPayload    = errors.New("envelope: response missing payload")
	ErrUnexpectedPayload = errors.New("envelope: unexpected payload type")
	ErrPayloadUnmarshal  = errors.New("envelope: payload unmarshal failed")
)

func TypeURL(typeName string) string {
	return typeURLPrefix + typeName
}

// Pack wraps a typed command message as the opaque request payload. The
// message's full name becomes the command discriminator.
func Pack(m proto.Message) (*anypb.Any, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, malformed("envelope.pack", err)
	}
	return a, nil
}

// Unpack decodes a response payload into dst, checking the type URL first.
func Unpack(payload *anypb.Any, dst proto.Message) error {
	want := dst.ProtoReflect().Descriptor().FullName()
	if payload == nil {
		return malformed("envelope.unpack", fmt.Errorf("%w: want %s", ErrMissingPayload, TypeURL(string(want))))
	}
	if got := payload.MessageName(); got != want {
		return malformed("envelope.unpack", fmt.Errorf("%w: want %s got %s", ErrUnexpectedPayload, TypeURL(string(want)), payload.GetTypeUrl()))
	}
	if err := proto.Unmarshal(payload.GetValue(), dst); err != nil {
		return malformed("envelope.unpack", fmt.Errorf("%w: %v", ErrPayloadUnmarshal, err))
	}
	return nil
}

// StatusError maps a non-OK response status onto the error taxonomy.
// It returns nil for StatusOK.
func StatusError(op string, resp Response) error {
	switch resp.Status {
	case StatusOK:
		return nil
	case StatusUnhandled:
		return ipcerr.Peer(ipcerr.KindProtocolUnhandled, op, resp.Status.String(), resp.ErrorMessage)
	default:
		return ipcerr.Peer(ipcerr.KindApplication, op, resp.Status.String(), resp.ErrorMessage)
	}
}
