// Package caller carries the authenticated identity of the entity
// performing a scheduler operation. Authentication itself happens at
// the HTTP layer; the scheduler only consumes the result and applies
// an authorization policy to it.
package caller

import (
	"context"
	"errors"
)

// Caller identifies who is performing an operation: a user email, a
// service account or a bot id.
type Caller struct {
	// Email is the authenticated identity, "" for anonymous callers.
	Email string

	// IsBot is set when the caller authenticated as a bot rather than
	// a user.
	IsBot bool

	// IP is the remote address the operation arrived from, "" when
	// unknown. Recorded for audit logging only.
	IP string
}

// Anonymous is the caller of unauthenticated operations.
var Anonymous = Caller{}

// Action is an operation class for authorization decisions.
type Action string

const (
	// ActionSchedule covers creating and scheduling tasks.
	ActionSchedule Action = "schedule"

	// ActionCancel covers canceling tasks.
	ActionCancel Action = "cancel"

	// ActionBot covers the bot API: reaping, updating and killing
	// tasks.
	ActionBot Action = "bot"
)

// AuthorizationPolicy decides whether a caller may perform an action.
type AuthorizationPolicy func(c Caller, a Action) bool

// AllowAll permits everything. Used in tests and single tenant
// deployments which authorize at the network layer.
func AllowAll(c Caller, a Action) bool {
	return true
}

// ErrForbidden is returned when the policy denies an operation.
var ErrForbidden = errors.New("caller is not authorized")

// IsForbidden reports whether e wraps ErrForbidden.
func IsForbidden(e error) bool {
	return e != nil && errors.Is(e, ErrForbidden)
}

type contextKeyType string

const contextKey contextKeyType = "caller"

// WithCaller attaches a caller identity to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey, c)
}

// FromContext returns the caller attached to the context, or
// Anonymous.
func FromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(contextKey).(Caller); ok {
		return c
	}
	return Anonymous
}

// Check applies the policy to the caller in the context.
func Check(ctx context.Context, policy AuthorizationPolicy, a Action) error {
	if policy == nil {
		return nil
	}
	if !policy(FromContext(ctx), a) {
		return ErrForbidden
	}
	return nil
}
