package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated is returned when a connection presents no token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken is returned when the auth service rejects a token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrUnauthorized is returned when a connection acts on a room it never joined.
	ErrUnauthorized = errors.New("not authorized for this room")
	// ErrMalformedPayload is returned when a client frame cannot be decoded or validated.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNotFound is returned when a call or presence record does not exist.
	ErrNotFound = errors.New("not found")
)

// Infrastructure errors.
var (
	// ErrStoreUnavailable is returned when the presence/call-state backend cannot be reached.
	ErrStoreUnavailable = errors.New("presence store unavailable")
	// ErrRequestTimeout is returned when a bus request/reply exceeds its deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestFailed is returned when a bus request/reply fails or the responder reports an error.
	ErrRequestFailed = errors.New("request failed")
	// ErrPublishDropped is returned when a fire-and-forget publish could not be queued.
	ErrPublishDropped = errors.New("publish dropped")
	// ErrUnknownConnection is returned when a registry operation targets a connection that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with additional context, keeping it matchable with Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Mark attaches a sentinel to err so callers can classify it with Is while the
// original cause stays in the message.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Code maps an error to the short code sent to clients in error frames.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrPublishDropped), errors.Is(err, ErrRequestFailed):
		return "request_failed"
	default:
		return "internal"
	}
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if connID, ok := ctx.Value(ConnectionIDKey).(string); ok && connID != "" {
				fields = append(fields, zap.String("connection_id", connID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type contextKey string

// ConnectionIDKey is the context key under which the gateway stores the connection id.
const ConnectionIDKey = contextKey("connection_id")
