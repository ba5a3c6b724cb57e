package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is the JSON envelope carried on the bus. Ownership of the payload
// transfers to the dispatcher once published; the envelope is never persisted
// by the emitting side.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const eventSubjectPrefix = "evt."

var errEmptyEventName = errors.New("empty event name")

// SubjectForEvent maps an event name to its bus subject. Event names use "/"
// separators ("code-agent/run"); NATS subjects use ".".
func SubjectForEvent(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errEmptyEventName
	}
	if strings.ContainsAny(name, ". *>") {
		return "", fmt.Errorf("invalid event name: %s", name)
	}
	return eventSubjectPrefix + strings.ReplaceAll(name, "/", "."), nil
}

// EncodeEvent marshals an event for the wire.
func EncodeEvent(evt *Event) ([]byte, error) {
	if evt == nil {
		return nil, errNilEvent
	}
	if evt.Name == "" {
		return nil, errEmptyEventName
	}
	return json.Marshal(evt)
}

// DecodeEvent unmarshals an event from the wire.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.Name == "" {
		return nil, errEmptyEventName
	}
	return &evt, nil
}
