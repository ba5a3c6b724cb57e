package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
)

var (
	// ErrDispatch wraps bus publish failures. Callers decide whether the
	// write that preceded the emit survives.
	ErrDispatch = errors.New("dispatch failed")
	// ErrUnknownEvent rejects names with no registered payload schema.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload rejects payloads that fail schema validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Publisher is the bus surface the dispatcher needs.
type Publisher interface {
	Publish(subject string, evt *bus.Event) error
}

// Dispatcher validates payloads against their registered schema and hands
// them to the bus as JSON event envelopes.
type Dispatcher struct {
	pub     Publisher
	metrics metrics.Metrics
	sender  string
	schemas map[string]*jsonschema.Schema
}

func NewDispatcher(pub Publisher, sender string, m metrics.Metrics) (*Dispatcher, error) {
	if pub == nil {
		return nil, errors.New("nil publisher")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{pub: pub, metrics: m, sender: sender, schemas: schemas}, nil
}

// Emit publishes an event and returns its envelope ID. The payload is
// validated before anything touches the bus, so a validation error never
// leaves a half-published event behind.
func (d *Dispatcher) Emit(ctx context.Context, name string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	schema, ok := d.schemas[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	subject, err := bus.SubjectForEvent(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}
	evt := &bus.Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   raw,
		Sender:    d.sender,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.pub.Publish(subject, evt); err != nil {
		d.metrics.IncDispatchFailures(name)
		logging.Error("dispatch", "publish failed", "event", name, "subject", subject, "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrDispatch, name, err)
	}
	d.metrics.IncEventsEmitted(name)
	logging.Info("dispatch", "event emitted", "event", name, "id", evt.ID)
	return evt.ID, nil
}
