package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ReviewTransitionOption customizes a single transition.
type ReviewTransitionOption func(*reviewTransitionOptions)

type reviewTransitionOptions struct {
	reason   string
	metadata map[string]any
	stamp    *ReviewStamp
}

// WithReviewReason sets the human-readable reason for the transition.
func WithReviewReason(reason string) ReviewTransitionOption {
	return func(opts *reviewTransitionOptions) {
		opts.reason = reason
	}
}

// WithReviewMetadata merges metadata into the emitted activity event.
func WithReviewMetadata(metadata map[string]any) ReviewTransitionOption {
	return func(opts *reviewTransitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata == nil {
			opts.metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata[k] = v
		}
	}
}

// WithReviewStamp records the reviewer identity and notes on the request row.
// Required when transitioning into a decided state.
func WithReviewStamp(stamp ReviewStamp) ReviewTransitionOption {
	return func(opts *reviewTransitionOptions) {
		opts.stamp = &stamp
	}
}

// RequestStateMachine defines lifecycle operations for registration requests.
// Transitions persist through the caller's transaction so a review decision and
// its side effects commit or roll back together.
type RequestStateMachine interface {
	Transition(ctx context.Context, tx bun.IDB, actor ActorRef, request *RegistrationRequest, target RequestStatus, opts ...ReviewTransitionOption) (*RegistrationRequest, error)
	CurrentStatus(request *RegistrationRequest) RequestStatus
}

// RequestMachineOption customizes state machine construction.
type RequestMachineOption func(*requestStateMachine)

// WithRequestMachineClock injects a custom clock (useful for tests).
func WithRequestMachineClock(clock func() time.Time) RequestMachineOption {
	return func(sm *requestStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithRequestMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithRequestMachineActivitySink(sink ActivitySink) RequestMachineOption {
	return func(sm *requestStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithRequestMachineLogger overrides the logger used for sink failures.
func WithRequestMachineLogger(logger Logger) RequestMachineOption {
	return func(sm *requestStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// NewRequestStateMachine returns the default implementation backed by the provided repository.
func NewRequestStateMachine(requests RegistrationRequests, opts ...RequestMachineOption) RequestStateMachine {
	sm := &requestStateMachine{
		requests: requests,
		transitions: map[RequestStatus]map[RequestStatus]struct{}{
			RequestStatusPending: {
				RequestStatusUnderReview: {},
				RequestStatusApproved:    {},
				RequestStatusRejected:    {},
			},
			RequestStatusUnderReview: {
				RequestStatusApproved: {},
				RequestStatusRejected: {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type requestStateMachine struct {
	requests     RegistrationRequests
	transitions  map[RequestStatus]map[RequestStatus]struct{}
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
}

func (sm *requestStateMachine) Transition(ctx context.Context, tx bun.IDB, actor ActorRef, request *RegistrationRequest, target RequestStatus, opts ...ReviewTransitionOption) (*RegistrationRequest, error) {
	if request == nil {
		return nil, errWithMeta(ErrInvalidTransition, map[string]any{
			"target": target,
			"reason": "request is nil",
		})
	}

	request.EnsureStatus()
	from := request.Status
	if target == "" {
		return nil, errWithMeta(ErrInvalidTransition, map[string]any{
			"reason": "target status is empty",
		})
	}

	// Decided requests are immutable; even a repeat of the same decision must
	// fail so callers never re-run approval side effects.
	if request.IsTerminal() {
		return nil, errWithMeta(ErrRequestDecided, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	if from == target {
		return request, nil
	}

	if !sm.canTransition(from, target) {
		return nil, errWithMeta(ErrInvalidTransition, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	options := &reviewTransitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	updated, err := sm.persist(ctx, tx, request.ID, target, options)
	if err != nil {
		return nil, err
	}

	sm.applyUpdates(request, updated, target)

	sm.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventRequestStatusChanged,
		Actor:      actor,
		UserID:     request.UserID.String(),
		FromStatus: string(from),
		ToStatus:   string(target),
		Metadata:   sm.transitionMetadata(request, options),
	})

	return request, nil
}

func (sm *requestStateMachine) CurrentStatus(request *RegistrationRequest) RequestStatus {
	if request == nil {
		return ""
	}
	request.EnsureStatus()
	return request.Status
}

func (sm *requestStateMachine) canTransition(from, to RequestStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *requestStateMachine) persist(ctx context.Context, tx bun.IDB, id uuid.UUID, target RequestStatus, options *reviewTransitionOptions) (*RegistrationRequest, error) {
	if options.stamp != nil {
		stamp := *options.stamp
		if stamp.ReviewedAt.IsZero() {
			stamp.ReviewedAt = sm.now()
		}
		return sm.requests.DecideTx(ctx, tx, id, target, stamp)
	}

	return sm.requests.UpdateStatusTx(ctx, tx, id, target)
}

func (sm *requestStateMachine) applyUpdates(request, updated *RegistrationRequest, target RequestStatus) {
	if updated != nil {
		if updated.Status != "" {
			request.Status = updated.Status
		} else {
			request.Status = target
		}
		request.ReviewedBy = updated.ReviewedBy
		request.ReviewNotes = updated.ReviewNotes
		request.ReviewedAt = updated.ReviewedAt
		return
	}

	request.Status = target
}

func (sm *requestStateMachine) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: "system"}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = sm.now()
	}

	sink := normalizeActivitySink(sm.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		sm.logger.Warn("request state machine activity sink error: %v", err)
	}
}

func (sm *requestStateMachine) transitionMetadata(request *RegistrationRequest, options *reviewTransitionOptions) map[string]any {
	result := map[string]any{
		"request_id": request.ID.String(),
		"agency_id":  request.AgencyID.String(),
	}
	if options.reason != "" {
		result["reason"] = options.reason
	}
	for k, v := range options.metadata {
		result[k] = v
	}
	return result
}
