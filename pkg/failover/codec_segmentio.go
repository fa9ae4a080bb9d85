package failover

import "github.com/segmentio/encoding/json"

// SegmentioJSONCodec implements Codec using segmentio/encoding/json, a
// second fast-path JSON alternative selectable independently of
// GoccyJSONCodec.
type SegmentioJSONCodec struct{}

func (c *SegmentioJSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (c *SegmentioJSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (c *SegmentioJSONCodec) Name() string { return "json-segmentio" }
