// Package envelope defines the JSON message unit exchanged with relay clients.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags what an Envelope's contents mean.
type Kind string

const (
	// KindUUID carries the id assigned to the receiving session.
	KindUUID Kind = "uuid"
	// KindMessage carries broadcast message text.
	KindMessage Kind = "message"
	// KindConnectedUsers carries the session count as a decimal string.
	KindConnectedUsers Kind = "connected_users"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUUID, KindMessage, KindConnectedUsers:
		return true
	}
	return false
}

// Envelope is the payload of every text frame the relay writes.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	Contents string `json:"contents"`
}

func New(kind Kind, contents string) Envelope {
	return Envelope{Kind: kind, Contents: contents}
}

func UUID(id string) Envelope { return New(KindUUID, id) }

func Message(text string) Envelope { return New(KindMessage, text) }

// ConnectedUsers encodes count in decimal, never as a JSON number.
func ConnectedUsers(count int) Envelope {
	return New(KindConnectedUsers, strconv.Itoa(count))
}

// Encode marshals e into its wire form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Unknown fields and unknown kinds are rejected.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(raw) != 2 {
		return Envelope{}, fmt.Errorf("decode envelope: want 2 fields, got %d", len(raw))
	}

	var e Envelope
	kind, ok := raw["kind"]
	if !ok {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	if err := json.Unmarshal(kind, &e.Kind); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope kind: %w", err)
	}
	contents, ok := raw["contents"]
	if !ok {
		return Envelope{}, fmt.Errorf("decode envelope: missing contents")
	}
	if err := json.Unmarshal(contents, &e.Contents); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope contents: %w", err)
	}
	if !e.Kind.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", e.Kind)
	}
	return e, nil
}
