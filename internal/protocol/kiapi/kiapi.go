// Package kiapi describes the few peer command messages the engine itself
// issues: Ping and the commit bracket. Everything else in the peer's catalog
// is supplied by callers as opaque typed payloads.
//
// The descriptors mirror the peer's published schema field numbers so the
// bodies are wire-compatible with generated code.
package kiapi

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const pkg = "kiapi.common.commands"

const (
	MsgPing                = pkg + ".Ping"
	MsgBeginCommit         = pkg + ".BeginCommit"
	MsgBeginCommitResponse = pkg + ".BeginCommitResponse"
	MsgEndCommit           = pkg + ".EndCommit"
	MsgEndCommitResponse   = pkg + ".EndCommitResponse"
)

// CommitAction wire values.
const (
	ActionUnknown protoreflect.EnumNumber = 0
	ActionCommit  protoreflect.EnumNumber = 1
	ActionDrop    protoreflect.EnumNumber = 2
)

var file protoreflect.FileDescriptor

func init() {
	fd, err := protodesc.NewFile(fileProto(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("kiapi: build descriptors: %v", err))
	}
	file = fd
}

func message(name string) protoreflect.MessageDescriptor {
	md := file.Messages().ByName(protoreflect.FullName(name).Name())
	if md == nil {
		panic("kiapi: unknown message " + name)
	}
	return md
}

func Ping() proto.Message {
	return dynamicpb.NewMessage(message(MsgPing))
}

func BeginCommit() proto.Message {
	return dynamicpb.NewMessage(message(MsgBeginCommit))
}

func NewBeginCommitResponse() proto.Message {
	return dynamicpb.NewMessage(message(MsgBeginCommitResponse))
}

// BeginCommitResponse builds the peer's reply; used by test peers.
func BeginCommitResponse(id string) proto.Message {
	m := dynamicpb.NewMessage(message(MsgBeginCommitResponse))
	m.Set(m.Descriptor().Fields().ByName("id"), protoreflect.ValueOfMessage(kiid(id)))
	return m
}

// CommitID extracts the commit id from a BeginCommitResponse.
func CommitID(m proto.Message) string {
	r := m.ProtoReflect()
	fd := r.Descriptor().Fields().ByName("id")
	if fd == nil || !r.Has(fd) {
		return ""
	}
	id := r.Get(fd).Message()
	return id.Get(id.Descriptor().Fields().ByName("value")).String()
}

func EndCommit(id string, action protoreflect.EnumNumber, msg string) proto.Message {
	m := dynamicpb.NewMessage(message(MsgEndCommit))
	fields := m.Descriptor().Fields()
	m.Set(fields.ByName("id"), protoreflect.ValueOfMessage(kiid(id)))
	m.Set(fields.ByName("action"), protoreflect.ValueOfEnum(action))
	if msg != "" {
		m.Set(fields.ByName("message"), protoreflect.ValueOfString(msg))
	}
	return m
}

func NewEndCommit() proto.Message {
	return dynamicpb.NewMessage(message(MsgEndCommit))
}

// EndCommitFields reads an EndCommit request; used by test peers.
func EndCommitFields(m proto.Message) (id string, action protoreflect.EnumNumber, msg string) {
	r := m.ProtoReflect()
	fields := r.Descriptor().Fields()
	id = CommitID(m)
	action = r.Get(fields.ByName("action")).Enum()
	msg = r.Get(fields.ByName("message")).String()
	return id, action, msg
}

func EndCommitResponse() proto.Message {
	return dynamicpb.NewMessage(message(MsgEndCommitResponse))
}

func kiid(value string) protoreflect.Message {
	m := dynamicpb.NewMessage(message(pkg + ".KIID"))
	m.Set(m.Descriptor().Fields().ByName("value"), protoreflect.ValueOfString(value))
	return m
}

func fileProto() *descriptorpb.FileDescriptorProto {
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	field := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(num),
			Label:    optional,
			Type:     typ.Enum(),
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("kiapi/common/commands/commit.proto"),
		Package: proto.String(pkg),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("CommitAction"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("CMA_UNKNOWN"), Number: proto.Int32(int32(ActionUnknown))},
				{Name: proto.String("CMA_COMMIT"), Number: proto.Int32(int32(ActionCommit))},
				{Name: proto.String("CMA_DROP"), Number: proto.Int32(int32(ActionDrop))},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  proto.String("KIID"),
				Field: []*descriptorpb.FieldDescriptorProto{field("value", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, "")},
			},
			{Name: proto.String("Ping")},
			{Name: proto.String("BeginCommit")},
			{
				Name:  proto.String("BeginCommitResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{field("id", 1, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "."+pkg+".KIID")},
			},
			{
				Name: proto.String("EndCommit"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("id", 1, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "."+pkg+".KIID"),
					field("action", 2, descriptorpb.FieldDescriptorProto_TYPE_ENUM, "."+pkg+".CommitAction"),
					field("message", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING, ""),
				},
			},
			{Name: proto.String("EndCommitResponse")},
		},
	}
}
