package gateway

import (
	"context"
	"errors"

	"github.com/outpost-sync/outpost/internal/registry"
)

// instanceContextKey is the context key for the authenticated edge instance.
type instanceContextKey struct{}

// ErrNoInstanceInContext indicates no instance was found in the context.
var ErrNoInstanceInContext = errors.New("no instance in context")

// WithInstance returns a new context with the resolved instance attached.
func WithInstance(ctx context.Context, inst *registry.Instance) context.Context {
	return context.WithValue(ctx, instanceContextKey{}, inst)
}

// InstanceFromContext extracts the authenticated instance from the context.
func InstanceFromContext(ctx context.Context) (*registry.Instance, error) {
	inst, ok := ctx.Value(instanceContextKey{}).(*registry.Instance)
	if !ok || inst == nil {
		return nil, ErrNoInstanceInContext
	}
	return inst, nil
}

// MustInstanceFromContext extracts the instance or panics.
// Use only on routes guarded by the auth middleware.
func MustInstanceFromContext(ctx context.Context) *registry.Instance {
	inst, err := InstanceFromContext(ctx)
	if err != nil {
		panic("instance not in context: middleware misconfiguration")
	}
	return inst
}
