package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated indicates no resolvable user identity. Terminal; the
// caller must not retry.
var ErrUnauthenticated = errors.New("unauthenticated")

// Admission decides whether a costed action may proceed. On success the
// user's counter has already been decremented; this component cannot undo it.
type Admission struct {
	tracker *Tracker
}

// NewAdmission wraps a tracker in an admission controller.
func NewAdmission(tracker *Tracker) *Admission {
	return &Admission{tracker: tracker}
}

// Admit consumes cost points for the user, classifying failures into
// ErrUnauthenticated, ErrExhausted (via ExhaustedError) or ErrTransient.
func (a *Admission) Admit(ctx context.Context, userID string, plan Plan, cost int64) (Status, error) {
	if strings.TrimSpace(userID) == "" {
		return Status{}, ErrUnauthenticated
	}
	status, err := a.tracker.Consume(ctx, userID, plan, cost)
	if err != nil {
		if errors.Is(err, ErrExhausted) || errors.Is(err, ErrTransient) {
			return status, err
		}
		return status, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return status, nil
}

// Remaining reports the user's allowance without consuming it.
func (a *Admission) Remaining(ctx context.Context, userID string, plan Plan) (Status, error) {
	if strings.TrimSpace(userID) == "" {
		return Status{}, ErrUnauthenticated
	}
	return a.tracker.Remaining(ctx, userID, plan), nil
}
