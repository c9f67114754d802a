package rpc

import "encoding/json"

// Codec carries the engine's plain Go messages as JSON. It takes the "json" codec name, so
// clients talk to the service with Content-Type application/json.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (Codec) Unmarshal(data []byte, msg any) error {
	return json.Unmarshal(data, msg)
}
