package session

import (
	"context"
	"errors"
)

// ManagerKey is the context key for storing a Manager.
type ManagerKey struct{}

// ErrManagerNotInContext is returned when no manager is found in context.
var ErrManagerNotInContext = errors.New("session manager not found in context")

// ManagerFromContext retrieves a manager from the context.
// Returns the manager and true if found, or nil and false if not present.
func ManagerFromContext(ctx context.Context) (Manager, bool) {
	m, ok := ctx.Value(ManagerKey{}).(Manager)
	return m, ok
}

// RequireManager retrieves a manager from context or returns
// ErrManagerNotInContext.
func RequireManager(ctx context.Context) (Manager, error) {
	m, ok := ManagerFromContext(ctx)
	if !ok {
		return nil, ErrManagerNotInContext
	}
	return m, nil
}

// ContextWithManager adds a manager to the context.
func ContextWithManager(ctx context.Context, m Manager) context.Context {
	return context.WithValue(ctx, ManagerKey{}, m)
}
