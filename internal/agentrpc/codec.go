package agentrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype ("application/grpc+json") this codec
// is registered under by init() via encoding.RegisterCodec; the server picks
// it up from that subtype, and clients dialing with DialOptions force it via
// grpc.ForceCodec.
const codecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json instead of protobuf wire format — there is no protoc step
// in this module to produce real .pb.go message types, so every
// agentrpc message above is plain JSON carried through gRPC's framing,
// compression, and interceptor machinery unchanged.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
