package models

import (
	"time"

	"gorm.io/gorm"
)

// Account is the local account entity, with moderation state denormalized
// onto it. The counters and freeze fields are only ever written by the
// violation ledger and freeze controller; everything else reads them.
type Account struct {
	gorm.Model
	Username  string `gorm:"uniqueIndex;not null"`
	Email     string
	Role      string `gorm:"default:''"`
	Confirmed bool
	Suspended bool
	SignupIP  *string
	LastIP    *string

	// strike counters; monotonically non-decreasing except for explicit
	// administrative dismissal
	StrikeCount     int64 `gorm:"not null;default:0"`
	PornStrikeCount int64 `gorm:"not null;default:0"`
	HateStrikeCount int64 `gorm:"not null;default:0"`

	FrozenUntil     *time.Time
	PermanentFreeze bool `gorm:"not null;default:false"`
	// sticky: once true, stays true. Used by the instance circuit breaker to
	// keep previously-frozen accounts restricted while the instance is frozen.
	EverFrozen   bool `gorm:"not null;default:false"`
	LastStrikeIP *string

	LastActiveAt *time.Time
}

const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// Exempt indicates the account bypasses quota checks and strike consequences.
func (a *Account) Exempt() bool {
	return a.Role == RoleAdmin || a.Role == RoleModerator
}

// Frozen reports whether the account is currently restricted from posting,
// ignoring any instance-wide freeze.
func (a *Account) Frozen(now time.Time) bool {
	if a.PermanentFreeze {
		return true
	}
	return a.FrozenUntil != nil && a.FrozenUntil.After(now)
}

// MediaUpload is one stored media item belonging to an account. Byte sizes
// here are the exact source of truth for quota accounting.
type MediaUpload struct {
	gorm.Model
	AccountID   uint   `gorm:"index;not null"`
	Kind        string `gorm:"not null"` // image, video, text
	ContentType string
	FileName    string
	Path        string // local filesystem path to the stored media
	Text        string // associated status text, classified for text uploads
	SizeBytes   int64  `gorm:"not null"`
	StatusID    *uint
	SourceIP    *string
	Sensitive   bool
	Deleted     bool
}
