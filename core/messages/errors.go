package messages

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated indicates the caller carried no identity at all.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized covers both missing projects and projects owned by
	// someone else; callers cannot distinguish the two.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest indicates input the caller can fix.
	ErrBadRequest = errors.New("bad_request")
	// ErrTooManyRequests indicates an exhausted generation allowance.
	ErrTooManyRequests = errors.New("too_many_requests")
	// ErrInternal indicates a failure the caller should retry later.
	ErrInternal = errors.New("internal")
	// ErrDispatchFailed indicates the message was persisted but its job
	// event was not emitted. It always wraps the dispatch error.
	ErrDispatchFailed = errors.New("dispatch_failed")
)

// RateLimitError carries the window reset alongside the denial so callers
// can surface retry guidance.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too_many_requests: resets at %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrTooManyRequests }
