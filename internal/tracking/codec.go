package tracking

import "encoding/json"

// JSONCodec carries the plain Go messages in pb.go over gRPC without
// generated protobuf types.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }
