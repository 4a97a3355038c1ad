// Package principal carries the authenticated caller through a request context.
package principal

import (
	"context"

	"github.com/starford/tagledger/internal/models"
)

// Principal is the caller admitted by the auth gate.
type Principal struct {
	Role      models.Role
	Subject   string
	SessionID string // empty for the local JSON bypass
	Bypass    bool
}

type ctxKey struct{}

// NewContext returns a context carrying p.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
