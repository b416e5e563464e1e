// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the application are defined here so key
// usage is discoverable from one place.
//
//	ctx = contextkeys.WithScope(ctx, audit.NewScope())
//	contextkeys.Reporter(ctx).ReportChange("sys_user", "42", "alice")
package contextkeys

import (
	"context"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ScopeKey contains *audit.Scope
	// Set by: handlers.AuditMiddleware
	// Used by: mutation sites reporting changed entities
	ScopeKey Key = "audit_scope"

	// ActorKey contains audit.Actor
	// Set by: handlers.ActorMiddleware, or an upstream auth layer
	// Used by: handlers that record audit events
	ActorKey Key = "audit_actor"

	// RequestStartTimeKey contains the request start timestamp
	// Set by: handlers.AuditMiddleware
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithScope attaches the request's audit scope
func WithScope(ctx context.Context, scope *audit.Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// Scope returns the request's audit scope, or nil
func Scope(ctx context.Context) *audit.Scope {
	scope, _ := ctx.Value(ScopeKey).(*audit.Scope)
	return scope
}

// Reporter returns the scope as a ChangeReporter. Reports are dropped when
// the request carries no scope.
func Reporter(ctx context.Context) audit.ChangeReporter {
	return Scope(ctx)
}

// WithActor attaches the authenticated actor
func WithActor(ctx context.Context, actor audit.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// Actor returns the actor, if any
func Actor(ctx context.Context) (audit.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(audit.Actor)
	return actor, ok && actor.ID != ""
}

// WithRequestStartTime records when the request started
func WithRequestStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, t)
}

// RequestStartTime returns the request start time, or the zero time
func RequestStartTime(ctx context.Context) time.Time {
	t, _ := ctx.Value(RequestStartTimeKey).(time.Time)
	return t
}
