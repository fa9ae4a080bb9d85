package failover

import "github.com/goccy/go-json"

// GoccyJSONCodec implements Codec using goccy/go-json for a lower
// allocation, higher throughput JSON path than encoding/json.
type GoccyJSONCodec struct{}

func (c *GoccyJSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (c *GoccyJSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (c *GoccyJSONCodec) Name() string { return "json-goccy" }
