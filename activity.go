package identity

import (
	"context"
	"time"
)

// ActivityEventType identifies a lifecycle audit event
type ActivityEventType string

const (
	ActivityEventUserRegistered       ActivityEventType = "user.registered"
	ActivityEventEmailVerified        ActivityEventType = "user.email_verified"
	ActivityEventRequestStatusChanged ActivityEventType = "request.status_changed"
	ActivityEventLoginSuccess         ActivityEventType = "auth.login_success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login_failure"
	ActivityEventPasswordReset        ActivityEventType = "auth.password_reset"
)

// ActorRef identifies who/what triggered an event
type ActorRef struct {
	ID   string
	Type string
}

// ActivityEvent is a lifecycle audit record
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	FromStatus string
	ToStatus   string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink receives lifecycle events. Sink failures are logged and never
// surfaced to callers.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

type noopActivitySink struct{}

func (noopActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	return nil
}

func normalizeActivitySink(sink ActivitySink) ActivitySink {
	if sink == nil {
		return noopActivitySink{}
	}
	return sink
}
