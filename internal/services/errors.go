package services

import (
	"errors"
	"fmt"
)

// NotFoundError means no entry exists for the tenant/id pair in the tier
// that raised it. The coordinator treats it as "try the next tier".
type NotFoundError struct {
	EntryID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory entry %s not found", e.EntryID)
}

// ExpiredError means a short-term entry was physically present but its TTL
// had already elapsed. The stale key is cleaned up as a side effect.
type ExpiredError struct {
	EntryID string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("memory entry %s has expired", e.EntryID)
}

// TTLValidationError means a supplied or computed TTL falls outside the
// allowed range. Never retried, never recovered.
type TTLValidationError struct {
	TTLSeconds int
	Reason     string
}

func (e *TTLValidationError) Error() string {
	return fmt.Sprintf("invalid ttl %d: %s", e.TTLSeconds, e.Reason)
}

// ValidationError covers content and tag bound violations.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError means the tenant is at its long-term entry limit.
// Retrying will keep failing until the tenant frees capacity.
type QuotaExceededError struct {
	UserID string
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("user %s has reached the long-term memory limit of %d", e.UserID, e.Limit)
}

// PromotionError means promotion preconditions were not met: the short-term
// store is not wired in, or the source entry no longer exists.
type PromotionError struct {
	EntryID string
	Reason  string
	Err     error
}

func (e *PromotionError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("promotion failed: %s", e.Reason)
	}
	return fmt.Sprintf("promotion of %s failed: %s", e.EntryID, e.Reason)
}

func (e *PromotionError) Unwrap() error { return e.Err }

// StoreError wraps any underlying Redis or SQL failure not covered by the
// taxonomy above, tagged with the operation that was attempted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a not-found condition, including the
// expired case which reads treat as absence.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	var exp *ExpiredError
	return errors.As(err, &nf) || errors.As(err, &exp)
}

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
