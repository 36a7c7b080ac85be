// Package correlator scopes correlation ids to logical tasks.
//
// The server tags every event produced by one logical turn with a single
// correlation id, which also serves as the pub/sub topic for live streaming.
// Scopes ride on context.Context, so concurrent tasks see independent
// stacks and a scope is released on every exit path simply by dropping the
// derived context.
package correlator

import (
	"context"
	"strings"
)

// DefaultCorrelationID is returned when no scope has been entered.
const DefaultCorrelationID = "<main>"

type ctxKey struct{}

// Scope returns a context with value pushed onto the correlation scope
// stack. Nested scopes compose: a child scope entered under a parent scope
// yields the effective id "parent::child".
func Scope(ctx context.Context, value string) context.Context {
	stack, _ := ctx.Value(ctxKey{}).([]string)
	next := make([]string, len(stack), len(stack)+1)
	copy(next, stack)
	next = append(next, value)
	return context.WithValue(ctx, ctxKey{}, next)
}

// CorrelationID returns the effective correlation id bound to ctx, or
// DefaultCorrelationID when no scope has been entered.
func CorrelationID(ctx context.Context) string {
	stack, _ := ctx.Value(ctxKey{}).([]string)
	if len(stack) == 0 {
		return DefaultCorrelationID
	}
	return strings.Join(stack, "::")
}
