package failover

import (
	"reflect"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestCodecs_RoundTrip(t *testing.T) {
	codecs := map[string]Codec{
		"json":      &JSONCodec{},
		"goccy":     &GoccyJSONCodec{},
		"segmentio": &SegmentioJSONCodec{},
		"msgpack":   &MessagePackCodec{},
	}

	inputs := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int", 42},
		{"struct", sample{Name: "test", Value: 123}},
		{"slice", []int{1, 2, 3, 4, 5}},
	}

	for codecName, codec := range codecs {
		for _, tt := range inputs {
			t.Run(codecName+"/"+tt.name, func(t *testing.T) {
				data, err := codec.Marshal(tt.input)
				if err != nil {
					t.Fatalf("Marshal() error = %v", err)
				}

				out := reflect.New(reflect.TypeOf(tt.input)).Interface()
				if err := codec.Unmarshal(data, out); err != nil {
					t.Fatalf("Unmarshal() error = %v", err)
				}

				got := reflect.ValueOf(out).Elem().Interface()
				if !reflect.DeepEqual(got, tt.input) {
					t.Errorf("round trip mismatch: got %#v, want %#v", got, tt.input)
				}
			})
		}
	}
}

func TestNewCodec(t *testing.T) {
	tests := []struct {
		codecType CodecType
		wantName  string
		wantErr   bool
	}{
		{CodecJSON, "json-stdlib", false},
		{"", "json-stdlib", false},
		{CodecJSONGoccy, "json-goccy", false},
		{CodecJSONSegmentio, "json-segmentio", false},
		{CodecMessagePack, "msgpack", false},
		{"protobuf", "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.codecType), func(t *testing.T) {
			codec, err := NewCodec(tt.codecType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCodec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && codec.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", codec.Name(), tt.wantName)
			}
		})
	}
}
