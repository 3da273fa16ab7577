package engine

import (
	"errors"
	"fmt"

	"shipyard/internal/repo"
)

// Reason is the machine-readable failure category returned to callers.
type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonLockedByOther     Reason = "locked_by_other"
	ReasonClaimLimit        Reason = "claim_limit"
	ReasonNotPending        Reason = "not_pending"
	ReasonForbidden         Reason = "forbidden"
	ReasonForbiddenOverride Reason = "forbidden_override"
	ReasonForbiddenBounty   Reason = "forbidden_bounty"
	ReasonInvalidInput      Reason = "invalid_input"
	ReasonDuplicate         Reason = "duplicate"
	ReasonUpstreamFailure   Reason = "upstream_failure"
	ReasonInternal          Reason = "internal"
)

// Error is a typed engine failure. Match it with errors.As.
type Error struct {
	Reason  Reason
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func newError(reason Reason, details map[string]any, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Details: details}
}

func notFound(kind string, id any) *Error {
	return newError(ReasonNotFound, map[string]any{"kind": kind, "id": id}, "%s %v not found", kind, id)
}

func invalidInput(format string, args ...any) *Error {
	return newError(ReasonInvalidInput, nil, format, args...)
}

func forbidden(perm string) *Error {
	return newError(ReasonForbidden, map[string]any{"permission": perm}, "permission %s required", perm)
}

func lockedByOther(holder, expiresAt string) *Error {
	return newError(ReasonLockedByOther, map[string]any{"holder": holder, "expires_at": expiresAt},
		"claimed by %s until %s", holder, expiresAt)
}

// ReasonOf returns the reason carried by err, or internal for untyped errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if errors.Is(err, repo.ErrNotFound) {
		return ReasonNotFound
	}
	return ReasonInternal
}

// lookup maps the repo sentinel onto a typed not_found error.
func lookup(err error, kind string, id any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(kind, id)
	}
	return err
}
