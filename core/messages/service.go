package messages

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lumohq/lumo/core/dispatch"
	"github.com/lumohq/lumo/core/infra/config"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/quota"
	"github.com/lumohq/lumo/core/store"
)

// Emitter is the dispatcher surface the service needs.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) (string, error)
}

// Service orders the create-message pipeline: ownership, admission, write,
// dispatch. Admission is only attempted for input that would pass
// validation, so rejected prompts never consume allowance.
type Service struct {
	projects   *store.ProjectStore
	msgs       *store.MessageStore
	admission  *quota.Admission
	dispatcher Emitter
	tiers      *config.TiersConfig
	onFailure  config.DispatchFailureMode
	metrics    metrics.Metrics
}

type Options struct {
	Projects   *store.ProjectStore
	Messages   *store.MessageStore
	Admission  *quota.Admission
	Dispatcher Emitter
	Tiers      *config.TiersConfig
	OnFailure  config.DispatchFailureMode
	Metrics    metrics.Metrics
}

func NewService(opts Options) (*Service, error) {
	if opts.Projects == nil || opts.Messages == nil || opts.Admission == nil || opts.Dispatcher == nil {
		return nil, errors.New("messages: missing dependency")
	}
	if opts.Tiers == nil {
		return nil, errors.New("messages: missing tier config")
	}
	if opts.OnFailure == "" {
		opts.OnFailure = config.DispatchAbort
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Service{
		projects:   opts.Projects,
		msgs:       opts.Messages,
		admission:  opts.Admission,
		dispatcher: opts.Dispatcher,
		tiers:      opts.Tiers,
		onFailure:  opts.OnFailure,
		metrics:    opts.Metrics,
	}, nil
}

// CreateResult is the outcome of a message submission. DispatchWarning is
// only set in keep_and_warn mode when the job event could not be emitted.
type CreateResult struct {
	Message         *store.Message
	EventID         string
	DispatchWarning string
}

// Create runs the full submission pipeline for a user prompt.
func (s *Service) Create(ctx context.Context, userID string, plan quota.Plan, projectID, content string) (*CreateResult, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	project, err := s.projects.FindForUser(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrUnauthorized, projectID)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if _, err := s.admission.Admit(ctx, userID, plan, s.tiers.GenerationCost); err != nil {
		return nil, mapAdmissionError(err)
	}

	msg, err := s.msgs.Create(ctx, store.CreateParams{
		ProjectID: project.ID,
		Content:   content,
		FromUser:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.metrics.IncMessagesCreated(string(msg.Role))

	eventID, err := s.dispatcher.Emit(ctx, dispatch.EventCodeAgentRun, dispatch.RunPayload{
		Value:     content,
		ProjectID: project.ID,
	})
	if err != nil {
		if s.onFailure == config.DispatchKeepAndWarn {
			logging.Warn("messages", "job event not emitted, message kept",
				"project", project.ID, "message", msg.ID, "error", err)
			return &CreateResult{
				Message:         msg,
				DispatchWarning: "generation may not start: job event was not emitted",
			}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	return &CreateResult{Message: msg, EventID: eventID}, nil
}

// List returns the project's messages oldest-first. Ownership is checked
// the same way as writes; a foreign project reads as unauthorized, not
// empty.
func (s *Service) List(ctx context.Context, userID, projectID string) ([]store.Message, error) {
	if _, err := s.projects.FindForUser(ctx, projectID, userID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrUnauthorized, projectID)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	msgs, err := s.msgs.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return msgs, nil
}

// Usage is the allowance snapshot returned to clients. Field names follow
// the client contract.
type Usage struct {
	RemainingPoints int64 `json:"remainingPoints"`
	MsBeforeNext    int64 `json:"msBeforeNext"`
	TotalHits       int64 `json:"totalHits"`
}

// UsageStatus reports the caller's allowance. A degraded read yields
// (nil, nil): clients treat the absence of a snapshot as "unknown" rather
// than acting on invented numbers.
func (s *Service) UsageStatus(ctx context.Context, userID string, plan quota.Plan) (*Usage, error) {
	status, err := s.admission.Remaining(ctx, userID, plan)
	if err != nil {
		return nil, mapAdmissionError(err)
	}
	if status.Degraded {
		return nil, nil
	}
	msBefore := time.Until(status.WindowResetAt).Milliseconds()
	if msBefore < 0 {
		msBefore = 0
	}
	return &Usage{
		RemainingPoints: status.Remaining,
		MsBeforeNext:    msBefore,
		TotalHits:       status.Consumed,
	}, nil
}

// ProjectResult is the outcome of creating a project, which always seeds
// an initial user message and emits a job event for it.
type ProjectResult struct {
	Project         *store.Project
	Message         *store.Message
	EventID         string
	DispatchWarning string
}

// CreateProject admits, creates a slug-named project, persists the prompt
// as its first message, and emits the job event.
func (s *Service) CreateProject(ctx context.Context, userID string, plan quota.Plan, content string) (*ProjectResult, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if _, err := s.admission.Admit(ctx, userID, plan, s.tiers.GenerationCost); err != nil {
		return nil, mapAdmissionError(err)
	}

	project, err := s.projects.Create(ctx, userID, generateSlug())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	msg, err := s.msgs.Create(ctx, store.CreateParams{
		ProjectID: project.ID,
		Content:   content,
		FromUser:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.metrics.IncMessagesCreated(string(msg.Role))

	eventID, err := s.dispatcher.Emit(ctx, dispatch.EventCodeAgentRun, dispatch.RunPayload{
		Value:     content,
		ProjectID: project.ID,
	})
	if err != nil {
		if s.onFailure == config.DispatchKeepAndWarn {
			logging.Warn("messages", "job event not emitted, project kept",
				"project", project.ID, "error", err)
			return &ProjectResult{
				Project:         project,
				Message:         msg,
				DispatchWarning: "generation may not start: job event was not emitted",
			}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	return &ProjectResult{Project: project, Message: msg, EventID: eventID}, nil
}

// ListProjects returns the caller's projects, most recently updated first.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]store.Project, error) {
	projects, err := s.projects.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return projects, nil
}

// GetProject returns one project scoped to its owner.
func (s *Service) GetProject(ctx context.Context, userID, projectID string) (*store.Project, error) {
	project, err := s.projects.FindForUser(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrUnauthorized, projectID)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return project, nil
}

// validateContent accepts any content of 1 to MaxContentLength
// characters. Length is counted in runes so multi-byte text gets the
// full budget, and whitespace-only content is as valid as any other.
func validateContent(content string) error {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return fmt.Errorf("%w: empty content", ErrBadRequest)
	}
	if n > store.MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrBadRequest, store.MaxContentLength)
	}
	return nil
}

func mapAdmissionError(err error) error {
	var exhausted *quota.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return &RateLimitError{ResetAt: exhausted.ResetAt}
	case errors.Is(err, quota.ErrUnauthenticated):
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
