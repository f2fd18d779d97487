// Package converter serializes and deserializes user-supplied orchestration
// and activity payloads. The rest of the runtime treats the result as an
// opaque string and never re-encodes it.
package converter

import "encoding/json"

// Converter serializes and deserializes user payloads (orchestration input,
// activity input/output, event data) to and from the opaque string form
// stored in history events.
type Converter interface {
	// ToPayload serializes v to its stored string representation.
	ToPayload(v any) (string, error)
	// FromPayload deserializes a stored payload into v, which must be a
	// pointer.
	FromPayload(payload string, v any) error
}

// JSON is the default Converter, backed by encoding/json. It is the only
// converter the runtime ships; everything else that crosses the wire
// (events, envelopes, state rows) is JSON too, so there is no second
// format to support.
type JSON struct{}

// NewJSON returns the default JSON-backed Converter.
func NewJSON() JSON { return JSON{} }

// ToPayload marshals v to a JSON string.
func (JSON) ToPayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromPayload unmarshals a JSON payload into v.
func (JSON) FromPayload(payload string, v any) error {
	if payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(payload), v)
}
