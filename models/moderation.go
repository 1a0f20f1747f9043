package models

import (
	"time"

	"gorm.io/gorm"
)

// ViolationType is the fixed taxonomy that classifier verdicts map onto.
type ViolationType string

const (
	ViolationPorn    = ViolationType("porn")
	ViolationHate    = ViolationType("hate")
	ViolationIllegal = ViolationType("illegal")
	ViolationCSAM    = ViolationType("csam")
	ViolationOther   = ViolationType("other")
)

func (vt ViolationType) Valid() bool {
	switch vt {
	case ViolationPorn, ViolationHate, ViolationIllegal, ViolationCSAM, ViolationOther:
		return true
	}
	return false
}

// FreezeType mirrors ViolationType, plus the instance-wide freeze.
type FreezeType string

const (
	FreezePorn     = FreezeType("porn_violation")
	FreezeHate     = FreezeType("hate_violation")
	FreezeIllegal  = FreezeType("illegal_violation")
	FreezeCSAM     = FreezeType("csam_violation")
	FreezeInstance = FreezeType("instance_freeze")
)

// StrikeRecord is the durable record of one confirmed violation. Created
// exactly once per violation event; immutable afterwards except for the
// resolution fields, which are set once by a reviewer.
type StrikeRecord struct {
	gorm.Model
	AccountID     uint  `gorm:"index;not null"`
	MediaUploadID *uint `gorm:"index"`
	StatusID      *uint
	ViolationType ViolationType `gorm:"not null;index"`
	Severity      int           `gorm:"not null;default:1"`
	SourceIP      *string

	AICategory    string
	AIConfidence  float64
	AIReason      string
	AIRawResponse string

	Resolved        bool `gorm:"not null;default:false;index"`
	Dismissed       bool `gorm:"not null;default:false"`
	ResolvedByID    *uint
	ResolvedAt      *time.Time
	ResolutionNotes string
}

func (s *StrikeRecord) Unresolved() bool {
	return !s.Resolved
}

// FreezeRecord is one applied account restriction. The account's effective
// freeze state is derived from the set of active records: a permanent record
// dominates, otherwise the active record with the latest EndsAt governs.
type FreezeRecord struct {
	gorm.Model
	AccountID      uint       `gorm:"index;not null"`
	StrikeRecordID *uint      `gorm:"index"`
	FreezeType     FreezeType `gorm:"not null"`
	DurationHours  int        `gorm:"not null"`
	StartedAt      time.Time  `gorm:"not null"`
	EndsAt         *time.Time // nil when permanent
	Permanent      bool       `gorm:"not null;default:false"`
	Active         bool       `gorm:"not null;default:true;index"`
	SourceIP       *string
}

func (f *FreezeRecord) Expired(now time.Time) bool {
	if f.Permanent {
		return false
	}
	return f.EndsAt != nil && f.EndsAt.Before(now)
}

// AnalysisSnapshot caches one classifier verdict for a media item, whether or
// not it produced a strike. Subject to its own retention window.
type AnalysisSnapshot struct {
	gorm.Model
	// one classification result per upload; re-deliveries must not stack
	MediaUploadID  uint `gorm:"uniqueIndex;not null"`
	AccountID      uint `gorm:"index;not null"`
	StrikeRecordID *uint

	AICategory    string  `gorm:"not null"`
	AIConfidence  float64 `gorm:"not null"`
	AIReason      string
	AIRawResponse string

	MediaKind        string
	MediaSizeBytes   int64
	MediaContentType string

	ViolationDetected bool       `gorm:"not null;default:false;index"`
	DeleteAfter       *time.Time `gorm:"index"`
}

// InstanceState is a process-wide singleton row: moderation feature toggles,
// classifier endpoint configuration, and the instance circuit breaker flag.
// Written only by administrative action or the circuit breaker.
type InstanceState struct {
	gorm.Model
	Enabled               bool `gorm:"not null;default:false"`
	PornDetection         bool `gorm:"not null;default:true"`
	HateDetection         bool `gorm:"not null;default:true"`
	IllegalDetection      bool `gorm:"not null;default:true"`
	AutoDeleteViolations  bool `gorm:"not null;default:true"`
	InstanceFreezeEnabled bool `gorm:"not null;default:true"`

	ClassifierEndpoint string `gorm:"default:'http://localhost:11434'"`
	VisionModel        string `gorm:"default:'llava'"`
	TextModel          string `gorm:"default:'llama3'"`

	AdminAlertEmail string

	AlarmThreshold   int  `gorm:"not null;default:10"`
	InstanceFrozen   bool `gorm:"not null;default:false"`
	InstanceFrozenAt *time.Time
}

// BlocklistEntry caches one merged domain-blocklist row so a restart does not
// begin with an empty list while the first refresh runs. Local rows are
// curated by admins and survive refreshes; the rest are replaced wholesale on
// every successful refresh.
type BlocklistEntry struct {
	gorm.Model
	Domain   string `gorm:"index;not null"`
	Tier     string `gorm:"not null"`
	Category string
	Local    bool `gorm:"index;not null;default:false"`
}
