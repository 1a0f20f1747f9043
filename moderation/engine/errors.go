package engine

import (
	"fmt"
	"time"

	"github.com/fedimod/warden/models"
)

// FrozenAccountError rejects an upload from a restricted account. Carries
// the unfreeze time when one is known so the UI can display it.
type FrozenAccountError struct {
	Until        *time.Time
	Permanent    bool
	InstanceWide bool
}

func (e *FrozenAccountError) Error() string {
	switch {
	case e.InstanceWide:
		return "uploads rejected: instance is frozen and this account was previously restricted"
	case e.Permanent:
		return "account is permanently frozen"
	case e.Until != nil:
		return fmt.Sprintf("account is frozen until %s", e.Until.Format(time.RFC3339))
	default:
		return "account is frozen"
	}
}

// BlockedDomainError rejects content linking to a hard-blocked domain.
type BlockedDomainError struct {
	Domain   string
	Category string
}

func (e *BlockedDomainError) Error() string {
	return fmt.Sprintf("content links to blocked domain %s (%s)", e.Domain, e.Category)
}

// ContentViolationError is the user-facing rejection for content the
// classifier flagged as a violation.
type ContentViolationError struct {
	Type       models.ViolationType
	Category   string
	Confidence float64
}

func (e *ContentViolationError) Error() string {
	return fmt.Sprintf("content rejected: %s (confidence %.2f)", e.Category, e.Confidence)
}

// ValidationError rejects malformed or dangerous media before any expensive
// check runs.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid upload: " + e.Reason
}
