package fleetq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines how payloads, results and snapshots are serialized.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder.
// Encoding goes through the standard library, decoding through sonic.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
