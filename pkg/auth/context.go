package auth

import (
	"context"
)

// Identity is the user an auth.validate reply vouches for.
type Identity struct {
	UserID   string `json:"sub"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type,omitempty"`
}

type contextKey struct{}

// NewContext returns a new context carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by NewContext, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
