package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/fedimod/warden/models"

	"gorm.io/gorm"
)

// Sweeper enforces the data retention policy. Personal data (IP addresses)
// is held only as long as the law requires: 7 days normally, 5 years where
// CSAM evidence preservation applies. Violation records are kept 2 years
// after resolution; CSAM strikes are never deleted.
type Sweeper struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

func NewSweeper(db *gorm.DB, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default().With("system", "retention")
	}
	return &Sweeper{DB: db, Logger: logger}
}

// SweepResult counts what one pass removed, for logging and metrics.
type SweepResult struct {
	IPsAnonymized    int64
	SnapshotsDeleted int64
	StrikesDeleted   int64
}

// Sweep runs every retention rule once. Idempotent: re-running against
// unchanged data removes nothing further.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	var res SweepResult

	n, err := s.anonymizeIPs(ctx, now)
	if err != nil {
		return nil, err
	}
	res.IPsAnonymized = n

	n, err = s.purgeSnapshots(ctx, now)
	if err != nil {
		return nil, err
	}
	res.SnapshotsDeleted = n

	n, err = s.purgeResolvedStrikes(ctx, now)
	if err != nil {
		return nil, err
	}
	res.StrikesDeleted = n

	if res.IPsAnonymized+res.SnapshotsDeleted+res.StrikesDeleted > 0 {
		s.Logger.Info("retention sweep",
			"ipsAnonymized", res.IPsAnonymized,
			"snapshotsDeleted", res.SnapshotsDeleted,
			"strikesDeleted", res.StrikesDeleted,
		)
	}
	retentionSweepCount.Inc()
	return &res, nil
}

// anonymizeIPs nulls source IPs on strikes older than the short retention
// window, except CSAM strikes which keep theirs for the long window.
func (s *Sweeper) anonymizeIPs(ctx context.Context, now time.Time) (int64, error) {
	shortCutoff := now.Add(-ipRetention)
	longCutoff := now.Add(-csamRetention)

	db := s.DB.WithContext(ctx)
	r1 := db.Model(&models.StrikeRecord{}).
		Where("source_ip IS NOT NULL AND violation_type != ? AND created_at < ?", models.ViolationCSAM, shortCutoff).
		Update("source_ip", nil)
	if r1.Error != nil {
		return 0, r1.Error
	}
	r2 := db.Model(&models.StrikeRecord{}).
		Where("source_ip IS NOT NULL AND violation_type = ? AND created_at < ?", models.ViolationCSAM, longCutoff).
		Update("source_ip", nil)
	if r2.Error != nil {
		return 0, r2.Error
	}

	// account-level IPs follow the short window too, keyed on last activity
	r3 := db.Model(&models.Account{}).
		Where("last_strike_ip IS NOT NULL AND updated_at < ?", shortCutoff).
		Update("last_strike_ip", nil)
	if r3.Error != nil {
		return 0, r3.Error
	}
	return r1.RowsAffected + r2.RowsAffected + r3.RowsAffected, nil
}

// purgeSnapshots removes analysis snapshots past their delete_after mark.
// Snapshots tied to an unresolved or CSAM strike are kept regardless.
func (s *Sweeper) purgeSnapshots(ctx context.Context, now time.Time) (int64, error) {
	db := s.DB.WithContext(ctx)

	var due []models.AnalysisSnapshot
	if err := db.Where("delete_after IS NOT NULL AND delete_after <= ?", now).Find(&due).Error; err != nil {
		return 0, err
	}
	var deleted int64
	for _, snap := range due {
		if snap.StrikeRecordID != nil {
			var strike models.StrikeRecord
			if err := db.First(&strike, *snap.StrikeRecordID).Error; err == nil {
				if !strike.Resolved || strike.ViolationType == models.ViolationCSAM {
					continue
				}
			}
		}
		if err := db.Unscoped().Delete(&models.AnalysisSnapshot{}, snap.ID).Error; err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// purgeResolvedStrikes deletes non-CSAM strikes resolved more than the
// strike retention window ago. Unresolved and CSAM strikes are never
// deleted.
func (s *Sweeper) purgeResolvedStrikes(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-strikeRetention)
	r := s.DB.WithContext(ctx).Unscoped().
		Where("resolved = ? AND violation_type != ? AND resolved_at < ?", true, models.ViolationCSAM, cutoff).
		Delete(&models.StrikeRecord{})
	return r.RowsAffected, r.Error
}

// SnapshotDeleteAfter decides how long a new snapshot is kept: a short
// window for clean content, a long one when a violation was detected.
func SnapshotDeleteAfter(violation bool, now time.Time) time.Time {
	if violation {
		return now.AddDate(0, 0, snapshotStrikeDays)
	}
	return now.AddDate(0, 0, snapshotSafeDays)
}
