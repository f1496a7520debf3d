package capability

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a capability error so callers can branch without
// matching on messages.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindExpired
	KindValidationFailed
	KindInsufficient
	KindContext
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindValidationFailed:
		return "validation_failed"
	case KindInsufficient:
		return "insufficient"
	case KindContext:
		return "context"
	default:
		return "unknown"
	}
}

// Code returns the machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "CAP_NOT_FOUND"
	case KindExpired:
		return "CAP_EXPIRED"
	case KindValidationFailed:
		return "CAP_VALIDATION_FAILED"
	case KindInsufficient:
		return "CAP_INSUFFICIENT"
	case KindContext:
		return "CAP_CONTEXT"
	default:
		return "CAP_UNKNOWN"
	}
}

// Sentinel errors, one per kind. Use errors.Is to test an *Error against them.
var (
	ErrNotFound         = errors.New("capability not found")
	ErrExpired          = errors.New("capability expired")
	ErrValidationFailed = errors.New("capability validation failed")
	ErrInsufficient     = errors.New("insufficient capability")
	ErrContext          = errors.New("capability context error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindExpired:
		return ErrExpired
	case KindValidationFailed:
		return ErrValidationFailed
	case KindInsufficient:
		return ErrInsufficient
	case KindContext:
		return ErrContext
	default:
		return nil
	}
}

// Error is the common base of every capability error.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Message)
}

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.Kind.Code() }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind Kind, fields map[string]any, format string, args ...any) *Error {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Fields: fields}
}

// NotFoundError reports a capability type absent from the reachable chain.
func NotFoundError(capType string) *Error {
	return newError(KindNotFound, map[string]any{"capability_type": capType},
		"no usable %q capability in context chain", capType)
}

// ExpiredError reports a token past its time bound. The message carries the expiry.
func ExpiredError(capType string, expiresAt time.Time) *Error {
	return newError(KindExpired, map[string]any{
		"capability_type": capType,
		"expires_at":      expiresAt,
	}, "%q capability expired at %s", capType, expiresAt.Format(time.RFC3339))
}

// ValidationError reports a structurally invalid token. capType may be empty.
func ValidationError(capType, reason string) *Error {
	fields := map[string]any{"reason": reason}
	if capType != "" {
		fields["capability_type"] = capType
		return newError(KindValidationFailed, fields, "token %q: %s", capType, reason)
	}
	return newError(KindValidationFailed, fields, "%s", reason)
}

// InsufficientError reports a capability held at a lower level than required.
func InsufficientError(capType string, required, held Level) *Error {
	return newError(KindInsufficient, map[string]any{
		"capability_type": capType,
		"required":        required.String(),
		"held":            held.String(),
	}, "%q capability requires %s, held %s", capType, required, held)
}

// QuotaError reports a token whose usage quota is spent.
func QuotaError(capType string, used, max int) *Error {
	return newError(KindInsufficient, map[string]any{
		"capability_type": capType,
		"usage_count":     used,
		"max_usage_count": max,
	}, "%q capability usage quota exhausted (%d/%d)", capType, used, max)
}

// ScopeError reports a resource or operation outside the token's constraint.
func ScopeError(capType, resource, operation, reason string) *Error {
	return newError(KindInsufficient, map[string]any{
		"capability_type": capType,
		"resource":        resource,
		"operation":       operation,
	}, "%q capability: %s (%s on %s)", capType, reason, operation, resource)
}

// ContextError reports structural misuse of a context.
func ContextError(contextID, format string, args ...any) *Error {
	return newError(KindContext, map[string]any{"context_id": contextID}, format, args...)
}

// KindOf returns the kind of err, or 0 if err is not a capability error.
func KindOf(err error) Kind {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr.Kind
	}
	return 0
}
