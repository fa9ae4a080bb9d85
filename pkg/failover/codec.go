package failover

import "fmt"

// Codec serializes and deserializes a whole Command (as a wireCommand)
// for the wire. The failover core itself never depends on a specific
// codec; concrete Transport implementations are handed one by their
// Factory constructor (NewTCPTransportFactory, NewGRPCTransportFactory).
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a Codec implementation.
type CodecType string

const (
	CodecJSON          CodecType = "json"
	CodecJSONGoccy     CodecType = "json-goccy"
	CodecJSONSegmentio CodecType = "json-segmentio"
	CodecMessagePack   CodecType = "msgpack"
)

// NewCodec constructs the Codec named by codecType.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecJSONGoccy:
		return &GoccyJSONCodec{}, nil
	case CodecJSONSegmentio:
		return &SegmentioJSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec type: %s", codecType)
	}
}
