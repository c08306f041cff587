// Package auth authenticates connections and REST calls against the external
// auth service.
package auth

import (
	"context"
	"time"

	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
)

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// Validator asks auth.validate over the bus.
type Validator struct {
	req     bus.Requester
	timeout time.Duration
	now     func() time.Time
}

// NewValidator creates a validator whose requests are bounded by timeout.
func NewValidator(req bus.Requester, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}
	return &Validator{req: req, timeout: timeout, now: time.Now}
}

// Validate returns the identity for token. A missing token is ErrUnauthenticated;
// an expired, rejected or unanswered one is ErrInvalidToken or ErrTokenExpired.
func (v *Validator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errors.ErrUnauthenticated
	}
	if err := checkExpiry(token, v.now()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var id Identity
	if err := v.req.Request(ctx, bus.SubjectAuthValidate, map[string]string{"token": token}, &id); err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidToken)
	}
	if id.UserID == "" {
		return nil, errors.Wrap(errors.ErrInvalidToken, "auth.validate returned no subject")
	}
	return &id, nil
}

var _ Authenticator = (*Validator)(nil)
