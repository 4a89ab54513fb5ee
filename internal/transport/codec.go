package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the grpc wire content-subtype instead of the
// default "proto". The spec explicitly leaves the wire format unfixed
// (§4.7: "any bidirectional, at-least-once transport with per-call timeout
// suffices") — this codec keeps grpc's connection management, streaming and
// deadline propagation while avoiding the need for `protoc`-generated
// descriptor code for every message kind (see DESIGN.md).
const codecName = "distrisearch-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("transport: jsonCodec.Marshal: unsupported type %T", v)
	}
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("transport: jsonCodec.Unmarshal: unsupported type %T", v)
	}
	return json.Unmarshal(data, env)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
