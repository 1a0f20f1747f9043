// Package freeze applies and revokes account posting restrictions. Durations
// come from per-violation-type escalation ladders keyed on the account's
// post-increment strike count for that type.
package freeze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedimod/warden/models"

	"gorm.io/gorm"
)

// Duration is one rung of an escalation ladder.
type Duration struct {
	Hours     int
	Permanent bool
}

func (d Duration) EndsAt(start time.Time) *time.Time {
	if d.Permanent {
		return nil
	}
	t := start.Add(time.Duration(d.Hours) * time.Hour)
	return &t
}

// DurationFor maps (violation type, post-increment count) to a freeze
// duration. Deterministic; the switch is exhaustive so adding a violation
// type forces a ladder definition here.
func DurationFor(vt models.ViolationType, count int64) (Duration, error) {
	if count < 1 {
		count = 1
	}
	switch vt {
	case models.ViolationPorn:
		switch count {
		case 1:
			return Duration{Hours: 24}, nil
		case 2:
			return Duration{Hours: 72}, nil
		case 3:
			return Duration{Hours: 168}, nil
		case 4:
			return Duration{Hours: 720}, nil
		default:
			return Duration{Permanent: true}, nil
		}
	case models.ViolationHate:
		switch count {
		case 1:
			return Duration{Hours: 24}, nil
		case 2:
			return Duration{Hours: 72}, nil
		case 3:
			return Duration{Hours: 168}, nil
		default:
			return Duration{Permanent: true}, nil
		}
	case models.ViolationIllegal:
		switch count {
		case 1:
			return Duration{Hours: 168}, nil
		case 2:
			return Duration{Hours: 720}, nil
		default:
			return Duration{Permanent: true}, nil
		}
	case models.ViolationCSAM:
		return Duration{Permanent: true}, nil
	case models.ViolationOther:
		switch count {
		case 1:
			return Duration{Hours: 24}, nil
		case 2:
			return Duration{Hours: 72}, nil
		case 3:
			return Duration{Hours: 168}, nil
		default:
			return Duration{Permanent: true}, nil
		}
	default:
		return Duration{}, fmt.Errorf("no escalation ladder for violation type: %s", vt)
	}
}

func freezeTypeFor(vt models.ViolationType) models.FreezeType {
	switch vt {
	case models.ViolationPorn:
		return models.FreezePorn
	case models.ViolationHate:
		return models.FreezeHate
	case models.ViolationIllegal:
		return models.FreezeIllegal
	case models.ViolationCSAM:
		return models.FreezeCSAM
	default:
		return models.FreezeIllegal
	}
}

type Controller struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

func NewController(db *gorm.DB, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default().With("system", "freeze")
	}
	return &Controller{DB: db, Logger: logger}
}

// ApplyParams carries the ledger outcome into the freeze decision. TypeCount
// is the post-increment count for the strike's violation type.
type ApplyParams struct {
	AccountID     uint
	StrikeID      *uint
	ViolationType models.ViolationType
	TypeCount     int64
}

// Apply creates a FreezeRecord per the escalation ladder and updates the
// account's denormalized freeze fields in the same transaction. CSAM also
// suspends the account outright.
func (c *Controller) Apply(ctx context.Context, params ApplyParams) (*models.FreezeRecord, error) {
	dur, err := DurationFor(params.ViolationType, params.TypeCount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := models.FreezeRecord{
		AccountID:      params.AccountID,
		StrikeRecordID: params.StrikeID,
		FreezeType:     freezeTypeFor(params.ViolationType),
		DurationHours:  dur.Hours,
		StartedAt:      now,
		EndsAt:         dur.EndsAt(now),
		Permanent:      dur.Permanent,
		Active:         true,
	}

	err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if params.ViolationType == models.ViolationCSAM {
			if err := tx.Model(&models.Account{}).Where("id = ?", params.AccountID).
				Update("suspended", true).Error; err != nil {
				return err
			}
		}
		return c.recomputeAccount(tx, params.AccountID)
	})
	if err != nil {
		return nil, err
	}

	freezeAppliedCount.WithLabelValues(string(record.FreezeType)).Inc()
	c.Logger.Warn("freeze applied",
		"accountID", params.AccountID,
		"type", record.FreezeType,
		"permanent", record.Permanent,
		"hours", record.DurationHours,
		"typeCount", params.TypeCount,
	)
	return &record, nil
}

// recomputeAccount derives the effective restriction from all active freeze
// records: any permanent record dominates, otherwise the latest ends_at
// among active records governs frozen_until. Must run inside the caller's
// transaction so the record and the derived fields move together.
func (c *Controller) recomputeAccount(tx *gorm.DB, accountID uint) error {
	var active []models.FreezeRecord
	if err := tx.Where("account_id = ? AND active = ?", accountID, true).Find(&active).Error; err != nil {
		return err
	}

	updates := map[string]any{
		"permanent_freeze": false,
		"frozen_until":     nil,
	}
	var latest *time.Time
	for _, rec := range active {
		if rec.Permanent {
			updates["permanent_freeze"] = true
			updates["frozen_until"] = nil
			latest = nil
			break
		}
		if rec.EndsAt != nil && (latest == nil || rec.EndsAt.After(*latest)) {
			latest = rec.EndsAt
		}
	}
	if latest != nil {
		updates["frozen_until"] = *latest
	}
	if len(active) > 0 {
		// sticky: once frozen, always subject to instance-wide freezes
		updates["ever_frozen"] = true
	}
	return tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(updates).Error
}

// DeactivateForStrike reverses the freeze caused by a dismissed strike and
// recomputes the account's effective restriction from whatever remains.
func (c *Controller) DeactivateForStrike(ctx context.Context, strikeID uint) error {
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []models.FreezeRecord
		if err := tx.Where("strike_record_id = ? AND active = ?", strikeID, true).Find(&recs).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		if err := tx.Model(&models.FreezeRecord{}).
			Where("strike_record_id = ? AND active = ?", strikeID, true).
			Update("active", false).Error; err != nil {
			return err
		}
		seen := map[uint]bool{}
		for _, rec := range recs {
			if seen[rec.AccountID] {
				continue
			}
			seen[rec.AccountID] = true
			if err := c.recomputeAccount(tx, rec.AccountID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unfreeze is the administrative reversal: deactivates every active freeze
// on the account. EverFrozen stays set.
func (c *Controller) Unfreeze(ctx context.Context, accountID uint) error {
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.FreezeRecord{}).
			Where("account_id = ? AND active = ?", accountID, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return c.recomputeAccount(tx, accountID)
	})
	if err != nil {
		return err
	}
	c.Logger.Info("account unfrozen by admin", "accountID", accountID)
	return nil
}

// ExpireSweep deactivates non-permanent freezes past their ends_at and
// recomputes the affected accounts. Idempotent: a second run with no new
// events is a no-op.
func (c *Controller) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	var swept int
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []models.FreezeRecord
		if err := tx.Where("active = ? AND permanent = ? AND ends_at <= ?", true, false, now).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Model(&models.FreezeRecord{}).
			Where("active = ? AND permanent = ? AND ends_at <= ?", true, false, now).
			Update("active", false).Error; err != nil {
			return err
		}
		seen := map[uint]bool{}
		for _, rec := range expired {
			if seen[rec.AccountID] {
				continue
			}
			seen[rec.AccountID] = true
			if err := c.recomputeAccount(tx, rec.AccountID); err != nil {
				return err
			}
		}
		swept = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		freezeExpiredCount.Add(float64(swept))
		c.Logger.Info("freeze expiry sweep", "expired", swept)
	}
	return swept, nil
}
