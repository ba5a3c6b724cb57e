package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lumohq/lumo/core/dispatch"
	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/store"
)

const (
	// QueueGroup load-balances run events across worker replicas.
	QueueGroup = "agent-workers"

	// claimSlack pads the run timeout on the initial claim. A worker
	// that crashes mid-run loses the claim once this window passes, so
	// redelivery can take over instead of waiting out dedupeTTL.
	claimSlack = time.Minute
	dedupeTTL  = 24 * time.Hour
)

const (
	runSucceeded = "succeeded"
	runFailed    = "failed"
	runTimeout   = "timeout"
	runDuplicate = "duplicate"
)

// Subscriber is the bus surface the runner needs.
type Subscriber interface {
	Subscribe(subject, queue string, handler func(*bus.Event) error) error
}

// Runner consumes job events and turns prompts into persisted results.
// Every accepted run ends with exactly one terminal message on the
// project, a RESULT fragment on success or an ERROR otherwise.
type Runner struct {
	bus        Subscriber
	msgs       *store.MessageStore
	provider   ModelProvider
	sandboxes  *SandboxManager
	redis      redis.UniversalClient
	metrics    metrics.Metrics
	runTimeout time.Duration
}

type RunnerOptions struct {
	Bus        Subscriber
	Messages   *store.MessageStore
	Provider   ModelProvider
	Sandboxes  *SandboxManager
	Redis      redis.UniversalClient
	Metrics    metrics.Metrics
	RunTimeout time.Duration
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Bus == nil || opts.Messages == nil || opts.Provider == nil || opts.Redis == nil {
		return nil, errors.New("agent: missing dependency")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	return &Runner{
		bus:        opts.Bus,
		msgs:       opts.Messages,
		provider:   opts.Provider,
		sandboxes:  opts.Sandboxes,
		redis:      opts.Redis,
		metrics:    opts.Metrics,
		runTimeout: opts.RunTimeout,
	}, nil
}

// Start subscribes the runner to its event subjects. Run events use a
// queue group so replicas share the load; an event is still handled at
// most once across redeliveries via the dedupe marker.
func (r *Runner) Start() error {
	subjects := []string{
		dispatch.EventCodeAgentRun,
		dispatch.EventTestSimple,
		dispatch.EventDebugRun,
	}
	for _, name := range subjects {
		subject, err := bus.SubjectForEvent(name)
		if err != nil {
			return err
		}
		if err := r.bus.Subscribe(subject, QueueGroup, r.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

// Handle routes one event to its handler. Returning an error causes the
// bus to redeliver, so only failures worth retrying propagate.
func (r *Runner) Handle(evt *bus.Event) error {
	if evt == nil || evt.ID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.runTimeout)
	defer cancel()

	fresh, err := r.claim(ctx, evt.ID)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", evt.ID, err)
	}
	if !fresh {
		r.metrics.IncAgentRuns(runDuplicate)
		logging.Info("agent", "duplicate event skipped", "event", evt.ID, "name", evt.Name)
		return nil
	}

	switch evt.Name {
	case dispatch.EventCodeAgentRun:
		return r.handleRun(ctx, evt)
	case dispatch.EventTestSimple:
		return r.handleTestSimple(ctx, evt)
	case dispatch.EventDebugRun:
		return r.handleDebugRun(ctx, evt)
	default:
		logging.Warn("agent", "unhandled event", "event", evt.ID, "name", evt.Name)
		return nil
	}
}

func (r *Runner) handleRun(ctx context.Context, evt *bus.Event) error {
	var payload dispatch.RunPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		logging.Error("agent", "malformed run payload", "event", evt.ID, "error", err)
		return nil
	}
	if payload.ProjectID == "" || payload.Value == "" {
		logging.Error("agent", "incomplete run payload", "event", evt.ID)
		return nil
	}

	start := time.Now()
	fragment, runErr := r.generate(ctx, payload)

	status := runSucceeded
	params := store.CreateParams{
		ProjectID: payload.ProjectID,
		Role:      store.RoleAssistant,
	}
	switch {
	case runErr == nil:
		params.Content = fragment.Title
		params.Type = store.TypeResult
		params.Fragment = fragment
	case errors.Is(runErr, context.DeadlineExceeded):
		status = runTimeout
		params.Content = "Generation timed out. Please try again."
		params.Type = store.TypeError
	default:
		status = runFailed
		params.Content = "Something went wrong. Please try again."
		params.Type = store.TypeError
	}

	// The terminal write uses a fresh context so a run timeout cannot
	// also starve the write that reports it.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := r.msgs.Create(writeCtx, params); err != nil {
		// Release the claim so redelivery gets another chance to leave
		// a terminal message.
		r.release(writeCtx, evt.ID)
		r.metrics.IncAgentRuns(runFailed)
		return fmt.Errorf("terminal write for event %s: %w", evt.ID, err)
	}
	r.markDone(writeCtx, evt.ID)
	r.metrics.IncMessagesCreated(string(store.RoleAssistant))
	r.metrics.IncAgentRuns(status)
	r.metrics.ObserveAgentRunDuration(status, time.Since(start).Seconds())

	if runErr != nil {
		logging.Error("agent", "run failed", "event", evt.ID, "project", payload.ProjectID, "status", status, "error", runErr)
	} else {
		logging.Info("agent", "run completed", "event", evt.ID, "project", payload.ProjectID,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (r *Runner) generate(ctx context.Context, payload dispatch.RunPayload) (*store.Fragment, error) {
	resp, err := GenerateWithRetry(ctx, r.provider, BuildPrompt(payload.Value))
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	gen := ParseGeneration(resp)

	fragment := &store.Fragment{
		ID:    uuid.NewString(),
		Title: gen.Title,
		Files: gen.Files,
	}
	if r.sandboxes != nil && len(gen.Files) > 0 {
		sb, err := r.sandboxes.ForProject(ctx, payload.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("sandbox: %w", err)
		}
		if err := r.sandboxes.client.WriteFiles(ctx, sb.ID, gen.Files); err != nil {
			return nil, fmt.Errorf("sandbox: %w", err)
		}
		fragment.SandboxURL = sb.URL()
	}
	return fragment, nil
}

// handleTestSimple exercises the full delivery path without a model call.
func (r *Runner) handleTestSimple(ctx context.Context, evt *bus.Event) error {
	var payload dispatch.TestPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload.ProjectID == "" {
		logging.Error("agent", "malformed test payload", "event", evt.ID, "error", err)
		return nil
	}
	_, err := r.msgs.Create(ctx, store.CreateParams{
		ProjectID: payload.ProjectID,
		Content:   "Wiring check completed for user " + payload.UserID,
		Role:      store.RoleAssistant,
		Type:      store.TypeResult,
	})
	if err != nil {
		r.release(ctx, evt.ID)
		return fmt.Errorf("test write for event %s: %w", evt.ID, err)
	}
	r.markDone(ctx, evt.ID)
	r.metrics.IncAgentRuns(runSucceeded)
	logging.Info("agent", "wiring check completed", "event", evt.ID, "project", payload.ProjectID)
	return nil
}

// handleDebugRun runs the model loop outside any project; the result only
// lands in the logs.
func (r *Runner) handleDebugRun(ctx context.Context, evt *bus.Event) error {
	var payload dispatch.DebugPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload.UserID == "" {
		logging.Error("agent", "malformed debug payload", "event", evt.ID, "error", err)
		return nil
	}
	// No terminal write follows, so the event is final either way.
	r.markDone(ctx, evt.ID)
	start := time.Now()
	resp, err := GenerateWithRetry(ctx, r.provider, BuildPrompt("Write a hello world Next.js page."))
	if err != nil {
		r.metrics.IncAgentRuns(runFailed)
		logging.Error("agent", "debug run failed", "event", evt.ID, "user", payload.UserID, "error", err)
		return nil
	}
	gen := ParseGeneration(resp)
	r.metrics.IncAgentRuns(runSucceeded)
	r.metrics.ObserveAgentRunDuration(runSucceeded, time.Since(start).Seconds())
	logging.Info("agent", "debug run completed", "event", evt.ID, "user", payload.UserID,
		"title", gen.Title, "files", len(gen.Files))
	return nil
}

// claim marks the event as in flight. Redelivered events see an
// existing marker and are dropped without another run. The claim only
// outlives the run by claimSlack until markDone extends it.
func (r *Runner) claim(ctx context.Context, eventID string) (bool, error) {
	return r.redis.SetNX(ctx, dedupeKey(eventID), "1", r.runTimeout+claimSlack).Result()
}

// markDone turns the claim into a long-lived dedupe marker once the
// event has a terminal outcome.
func (r *Runner) markDone(ctx context.Context, eventID string) {
	if err := r.redis.Expire(ctx, dedupeKey(eventID), dedupeTTL).Err(); err != nil {
		logging.Warn("agent", "failed to extend event marker", "event", eventID, "error", err)
	}
}

func (r *Runner) release(ctx context.Context, eventID string) {
	if err := r.redis.Del(ctx, dedupeKey(eventID)).Err(); err != nil {
		logging.Warn("agent", "failed to release event claim", "event", eventID, "error", err)
	}
}

func dedupeKey(eventID string) string {
	return "agent:evt:" + eventID
}
