package encoders

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// ProtobufEncoder marshals github.com/golang/protobuf/proto.Message values.
// Marshal/Unmarshal are the legacy proto package's entry points, which
// themselves delegate to google.golang.org/protobuf/proto - so a message
// generated against either protoc-gen-go version works.
type ProtobufEncoder struct{}

func (ProtobufEncoder) Encode(_ string, v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("wiremsg/encoders: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtobufEncoder) Decode(_ string, data []byte, vPtr any) error {
	m, ok := vPtr.(proto.Message)
	if !ok {
		return fmt.Errorf("wiremsg/encoders: %T does not implement proto.Message", vPtr)
	}
	return proto.Unmarshal(data, m)
}
