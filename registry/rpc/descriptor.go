package rpc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// This file builds the wire message descriptors for the Lookup RPC by hand,
// as google.golang.org/protobuf.types.descriptorpb.FileDescriptorProto
// literals, instead of checking in protoc-gen-go output: this tree's build
// has no protoc step. protodesc.NewFile/dynamicpb.NewMessageType accept a
// programmatically built FileDescriptorProto exactly as they would one
// protoc parsed from a .proto file, so the resulting message types are real
// proto.Message values the standard grpc "proto" codec marshals correctly
// over the wire — not a fake or a stub.

var (
	lookupRequestType  protoreflect.MessageType
	lookupResponseType protoreflect.MessageType
)

func init() {
	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("sagents/registry/rpc/lookup.proto"),
		Package: proto.String("sagents.registry.rpc"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("LookupRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					stringField("variant", 1),
					stringField("id", 2),
				},
			},
			{
				Name: proto.String("LookupResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					boolField("found", 1),
					stringField("variant", 2),
					stringField("id", 3),
					stringField("node_id", 4),
					stringField("address", 5),
				},
			},
		},
	}
	file, err := protodesc.NewFile(fd, nil)
	if err != nil {
		panic("rpc: build lookup.proto descriptor: " + err.Error())
	}
	lookupRequestType = dynamicpb.NewMessageType(file.Messages().Get(0))
	lookupResponseType = dynamicpb.NewMessageType(file.Messages().Get(1))
}

func stringField(name string, number int32) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
		JsonName: proto.String(name),
	}
}

func boolField(name string, number int32) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(),
		JsonName: proto.String(name),
	}
}

// LookupRequest is the Lookup RPC's request message: the store.Key being
// resolved, flattened to its two string fields.
type LookupRequest struct {
	msg *dynamicpb.Message
}

// NewLookupRequest builds a LookupRequest carrying variant and id.
func NewLookupRequest(variant, id string) *LookupRequest {
	m := dynamicpb.NewMessage(lookupRequestType.Descriptor())
	r := &LookupRequest{msg: m}
	r.SetVariant(variant)
	r.SetID(id)
	return r
}

func (r *LookupRequest) Variant() string { return getString(r.msg, "variant") }
func (r *LookupRequest) ID() string      { return getString(r.msg, "id") }
func (r *LookupRequest) SetVariant(v string) { setString(r.msg, "variant", v) }
func (r *LookupRequest) SetID(v string)      { setString(r.msg, "id", v) }

// ProtoReflect implements proto.Message, making LookupRequest usable
// directly as a grpc unary request/response type.
func (r *LookupRequest) ProtoReflect() protoreflect.Message { return r.msg }
func (r *LookupRequest) Reset()                             { r.msg = dynamicpb.NewMessage(lookupRequestType.Descriptor()) }
func (r *LookupRequest) String() string                     { return r.msg.ProtoReflect().Interface().String() }

// LookupResponse is the Lookup RPC's response message: whether the peer
// owns the key locally, and the store.Handle fields when it does.
type LookupResponse struct {
	msg *dynamicpb.Message
}

// NewLookupResponse builds an empty, not-found LookupResponse.
func NewLookupResponse() *LookupResponse {
	return &LookupResponse{msg: dynamicpb.NewMessage(lookupResponseType.Descriptor())}
}

func (r *LookupResponse) Found() bool         { return getBool(r.msg, "found") }
func (r *LookupResponse) Variant() string     { return getString(r.msg, "variant") }
func (r *LookupResponse) ID() string          { return getString(r.msg, "id") }
func (r *LookupResponse) NodeID() string      { return getString(r.msg, "node_id") }
func (r *LookupResponse) Address() string     { return getString(r.msg, "address") }
func (r *LookupResponse) SetFound(v bool)     { setBool(r.msg, "found", v) }
func (r *LookupResponse) SetVariant(v string) { setString(r.msg, "variant", v) }
func (r *LookupResponse) SetID(v string)      { setString(r.msg, "id", v) }
func (r *LookupResponse) SetNodeID(v string)  { setString(r.msg, "node_id", v) }
func (r *LookupResponse) SetAddress(v string) { setString(r.msg, "address", v) }

func (r *LookupResponse) ProtoReflect() protoreflect.Message { return r.msg }
func (r *LookupResponse) Reset() {
	r.msg = dynamicpb.NewMessage(lookupResponseType.Descriptor())
}
func (r *LookupResponse) String() string { return r.msg.ProtoReflect().Interface().String() }

func getString(m *dynamicpb.Message, field string) string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	return m.Get(fd).String()
}

func setString(m *dynamicpb.Message, field, value string) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	m.Set(fd, protoreflect.ValueOfString(value))
}

func getBool(m *dynamicpb.Message, field string) bool {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	return m.Get(fd).Bool()
}

func setBool(m *dynamicpb.Message, field string, value bool) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	m.Set(fd, protoreflect.ValueOfBool(value))
}
