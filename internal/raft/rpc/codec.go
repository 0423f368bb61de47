package rpc

import (
	"encoding"
	"fmt"

	"google.golang.org/grpc"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the messages of this package travel. The payload is plain
// protobuf; the messages encode themselves, see wire.go.
const CodecName = "raftpb"

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", CodecName, v)
	}
	return m.MarshalBinary()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalBinary(data)
}

func (wireCodec) Name() string {
	return CodecName
}

// CallOption selects the codec of this package for a client call. The generated client adds it to every call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

func init() {
	grpcencoding.RegisterCodec(wireCodec{})
}
