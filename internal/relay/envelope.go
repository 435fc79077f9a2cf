package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message kinds carried in the envelope "type" field.
const (
	KindSync   = "sync"
	KindUpdate = "update"
)

// Envelope is the JSON payload exchanged between server and clients.
// Data is kept as raw JSON: the relay never interprets the shared state.
// A nil Data means the "data" key was missing.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var jsonNull = []byte("null")

// ParseEnvelope decodes one inbound frame. Keys are matched exactly. A frame
// that is not a JSON object is reported as ErrMalformedMessage; a missing or
// non-string "type" leaves Type empty, which callers treat as an unknown kind.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: payload is null", ErrMalformedMessage)
	}

	var env Envelope
	if raw, ok := fields["type"]; ok {
		var kind string
		if err := json.Unmarshal(raw, &kind); err == nil {
			env.Type = kind
		}
	}
	env.Data = fields["data"]
	return env, nil
}

// EncodeSync builds the server-to-client sync frame for the given state.
// A nil state omits "data"; JSON null is sent as "data":null.
func EncodeSync(state json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: KindSync, Data: state})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync message: %w", err)
	}
	return data, nil
}

// isAbsent reports whether an update payload clears the state.
func isAbsent(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}
