package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumohq/lumo/core/infra/config"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second

	usageKeyPrefix = "usage:"

	fallbackPrivileged   = "privileged"
	fallbackFreshAccount = "fresh_account"
)

// Plan is the caller's subscription tier, supplied by the auth collaborator.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

var (
	// ErrExhausted indicates the tier budget for the current window is spent.
	ErrExhausted = errors.New("quota_exhausted")
	// ErrTransient wraps counter-store failures not absorbed by the
	// degrade-open policy.
	ErrTransient = errors.New("quota_transient")
)

// ExhaustedError carries the window reset time alongside ErrExhausted.
type ExhaustedError struct {
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string { return "quota_exhausted" }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Status reports a user's allowance within the current window.
type Status struct {
	Remaining     int64
	Consumed      int64
	WindowResetAt time.Time
	// Degraded marks a best-effort answer produced while the counter store
	// was unreachable.
	Degraded bool
}

// Tracker wraps the per-user rolling-window counter. The Redis script is the
// single source of truth for consumption; no in-process state is held.
type Tracker struct {
	client    redis.UniversalClient
	tiers     *config.TiersConfig
	metrics   metrics.Metrics
	opTimeout time.Duration
}

// NewTracker constructs a Redis-backed quota tracker from a redis:// URL.
func NewTracker(url string, tiers *config.TiersConfig, m metrics.Metrics) (*Tracker, error) {
	if url == "" {
		url = defaultRedisURL
	}
	if tiers == nil {
		return nil, errors.New("tiers config required")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Tracker{client: client, tiers: tiers, metrics: m, opTimeout: defaultRedisOpTimeout}, nil
}

// Close closes the underlying Redis client.
func (t *Tracker) Close() error {
	return t.client.Close()
}

// Remaining reads the current allowance without mutating it. A storage
// failure degrades to the tier maximum with a window measured from now,
// so a store blip never blocks a status read.
func (t *Tracker) Remaining(ctx context.Context, userID string, plan Plan) Status {
	max := t.tiers.PointsFor(string(plan))
	window := t.tiers.Window()
	now := time.Now().UTC()

	cctx, cancel := t.opContext(ctx)
	defer cancel()
	fields, err := t.client.HMGet(cctx, usageKey(userID), "points", "window_start").Result()
	if err != nil {
		logging.Warn("quota", "status read degraded", "user_id", userID, "error", err)
		return Status{Remaining: max, WindowResetAt: now.Add(window), Degraded: true}
	}

	points, okPoints := parseField(fields[0])
	start, okStart := parseField(fields[1])
	if !okPoints || !okStart {
		// No counter row yet: nothing consumed this window.
		return Status{Remaining: max, WindowResetAt: now.Add(window)}
	}
	windowStart := time.UnixMilli(start).UTC()
	if now.Sub(windowStart) >= window {
		return Status{Remaining: max, WindowResetAt: now.Add(window)}
	}
	remaining := max - points
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, Consumed: points, WindowResetAt: windowStart.Add(window)}
}

// Consume atomically decrements the window counter by cost. Exhaustion is
// reported as ErrExhausted. A counter-store failure does not fail the
// caller: PRO plans take the privileged fallback (treated as success with a
// default remaining count) and other plans get one benefit-of-the-doubt
// consumption, so fresh accounts without a counter row are never locked out.
func (t *Tracker) Consume(ctx context.Context, userID string, plan Plan, cost int64) (Status, error) {
	if cost <= 0 {
		cost = t.tiers.GenerationCost
	}
	max := t.tiers.PointsFor(string(plan))
	window := t.tiers.Window()
	now := time.Now().UTC()

	cctx, cancel := t.opContext(ctx)
	defer cancel()
	res, err := t.client.Eval(cctx, consumeScript, []string{usageKey(userID)},
		cost,
		max,
		window.Milliseconds(),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return t.degradeOpen(userID, plan, cost, max, window, now, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return Status{}, fmt.Errorf("%w: unexpected consume reply %T", ErrTransient, res)
	}
	allowed, okA := replyInt(reply[0])
	remaining, okR := replyInt(reply[1])
	resetMs, okT := replyInt(reply[2])
	if !okA || !okR || !okT {
		return Status{}, fmt.Errorf("%w: malformed consume reply", ErrTransient)
	}

	resetAt := time.UnixMilli(resetMs).UTC()
	if allowed == 0 {
		t.metrics.IncQuotaDenied(string(plan))
		return Status{Remaining: remaining, Consumed: max - remaining, WindowResetAt: resetAt},
			&ExhaustedError{ResetAt: resetAt}
	}
	t.metrics.IncQuotaConsumed(string(plan))
	return Status{Remaining: remaining, Consumed: max - remaining, WindowResetAt: resetAt}, nil
}

// degradeOpen implements the two named availability fallbacks for counter
// storage failures. Enforcement is traded away deliberately; the grant is
// surfaced in logs and metrics, never to the end user.
func (t *Tracker) degradeOpen(userID string, plan Plan, cost, max int64, window time.Duration, now time.Time, cause error) (Status, error) {
	if plan == PlanPro {
		logging.Warn("quota", "consume degraded, privileged fallback", "user_id", userID, "error", cause)
		t.metrics.IncQuotaDegraded(fallbackPrivileged)
		return Status{Remaining: max, WindowResetAt: now.Add(window), Degraded: true}, nil
	}
	logging.Warn("quota", "consume degraded, fresh account fallback", "user_id", userID, "error", cause)
	t.metrics.IncQuotaDegraded(fallbackFreshAccount)
	remaining := max - cost
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, Consumed: cost, WindowResetAt: now.Add(window), Degraded: true}, nil
}

func (t *Tracker) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), t.opTimeout)
}

func usageKey(userID string) string {
	return usageKeyPrefix + userID
}

func parseField(raw interface{}) (int64, bool) {
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

func replyInt(raw interface{}) (int64, bool) {
	v, ok := raw.(int64)
	return v, ok
}

// consumeScript performs the read-check-increment-expire cycle atomically so
// concurrent requests for one user can never overspend the window budget.
// Reply: {allowed, remaining, window_reset_ms}.
const consumeScript = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local fields = redis.call("HMGET", key, "points", "window_start")
local points = tonumber(fields[1])
local start = tonumber(fields[2])
if (not points) or (not start) or (now - start >= window) then
  points = 0
  start = now
end
if points + cost > max then
  return {0, max - points, start + window}
end
points = points + cost
redis.call("HSET", key, "points", points, "window_start", start)
redis.call("PEXPIRE", key, window)
return {1, max - points, start + window}
`
