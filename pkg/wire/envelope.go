package wire

import "encoding/json"

// Envelope frames every message on the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in an Envelope and marshals it.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a raw frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}
