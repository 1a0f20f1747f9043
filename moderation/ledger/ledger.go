// Package ledger is the durable record of strikes and the single mutation
// point for account strike counters. The instance circuit breaker also lives
// here, since its input is the unresolved strike count.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedimod/warden/models"

	"gorm.io/gorm"
)

type Ledger struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

func NewLedger(db *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default().With("system", "ledger")
	}
	return &Ledger{DB: db, Logger: logger}
}

// RecordParams describes one confirmed violation event.
type RecordParams struct {
	AccountID     uint
	MediaUploadID *uint
	StatusID      *uint
	ViolationType models.ViolationType
	Severity      int
	SourceIP      *string
	AICategory    string
	AIConfidence  float64
	AIReason      string
	AIRawResponse string
}

// RecordResult carries the created strike plus the post-increment counters
// the freeze controller needs. Callers thread this explicitly into
// ApplyFreeze and Reassess; nothing happens via hidden lifecycle hooks.
type RecordResult struct {
	Strike *models.StrikeRecord
	// account state after the counter increment
	Account *models.Account
	// post-increment count for the strike's violation type (total count for
	// types without a dedicated counter)
	TypeCount int64
	// true when the account is admin/moderator: the strike is logged for
	// audit purposes but must not trigger consequences
	Bypassed bool
}

// Record creates a StrikeRecord and increments the account counters by
// exactly one, atomically in the same transaction. This is the only place
// counters are incremented.
func (l *Ledger) Record(ctx context.Context, params RecordParams) (*RecordResult, error) {
	if !params.ViolationType.Valid() {
		return nil, fmt.Errorf("invalid violation type: %s", params.ViolationType)
	}
	if params.Severity < 1 {
		params.Severity = 1
	} else if params.Severity > 5 {
		params.Severity = 5
	}

	var out RecordResult
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if err := tx.First(&account, params.AccountID).Error; err != nil {
			return fmt.Errorf("loading account %d: %w", params.AccountID, err)
		}

		strike := models.StrikeRecord{
			AccountID:     params.AccountID,
			MediaUploadID: params.MediaUploadID,
			StatusID:      params.StatusID,
			ViolationType: params.ViolationType,
			Severity:      params.Severity,
			SourceIP:      params.SourceIP,
			AICategory:    params.AICategory,
			AIConfidence:  params.AIConfidence,
			AIReason:      params.AIReason,
			AIRawResponse: params.AIRawResponse,
		}

		if account.Exempt() {
			strike.ResolutionNotes = "admin/moderator bypass - consequences not applied"
			if err := tx.Create(&strike).Error; err != nil {
				return err
			}
			out = RecordResult{Strike: &strike, Account: &account, Bypassed: true}
			return nil
		}

		if err := tx.Create(&strike).Error; err != nil {
			return err
		}

		// increment in SQL so concurrent strikes for one account cannot both
		// read the same pre-increment value and lose an update
		updates := map[string]any{
			"strike_count": gorm.Expr("strike_count + 1"),
		}
		switch params.ViolationType {
		case models.ViolationPorn:
			updates["porn_strike_count"] = gorm.Expr("porn_strike_count + 1")
		case models.ViolationHate:
			updates["hate_strike_count"] = gorm.Expr("hate_strike_count + 1")
		}
		if params.SourceIP != nil {
			updates["last_strike_ip"] = *params.SourceIP
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
			return err
		}
		// re-read so callers see the post-increment counters
		if err := tx.First(&account, params.AccountID).Error; err != nil {
			return err
		}

		out = RecordResult{
			Strike:    &strike,
			Account:   &account,
			TypeCount: typeCount(&account, params.ViolationType),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	strikeCreatedCount.WithLabelValues(string(params.ViolationType)).Inc()
	l.Logger.Warn("strike recorded",
		"accountID", params.AccountID,
		"type", params.ViolationType,
		"severity", params.Severity,
		"confidence", params.AIConfidence,
		"totalStrikes", out.Account.StrikeCount,
		"bypassed", out.Bypassed,
	)
	return &out, nil
}

func typeCount(account *models.Account, vt models.ViolationType) int64 {
	switch vt {
	case models.ViolationPorn:
		return account.PornStrikeCount
	case models.ViolationHate:
		return account.HateStrikeCount
	default:
		return account.StrikeCount
	}
}

// Resolve marks a strike reviewed-and-upheld. Resolution fields are set once.
func (l *Ledger) Resolve(ctx context.Context, strikeID uint, reviewerID uint, notes string) (*models.StrikeRecord, error) {
	var strike models.StrikeRecord
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&strike, strikeID).Error; err != nil {
			return err
		}
		if strike.Resolved {
			return fmt.Errorf("strike %d already resolved", strikeID)
		}
		now := time.Now()
		strike.Resolved = true
		strike.ResolvedByID = &reviewerID
		strike.ResolvedAt = &now
		strike.ResolutionNotes = notes
		return tx.Save(&strike).Error
	})
	if err != nil {
		return nil, err
	}
	return &strike, nil
}

// Dismiss marks a strike as a false positive and rolls back the counters
// incremented at record time. Freeze deactivation is the freeze controller's
// half of the rollback; the caller sequences both, then reassesses the
// circuit breaker.
func (l *Ledger) Dismiss(ctx context.Context, strikeID uint, reviewerID uint, notes string) (*models.StrikeRecord, error) {
	var strike models.StrikeRecord
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&strike, strikeID).Error; err != nil {
			return err
		}
		if strike.Resolved {
			return fmt.Errorf("strike %d already resolved", strikeID)
		}

		var account models.Account
		if err := tx.First(&account, strike.AccountID).Error; err != nil {
			return err
		}

		now := time.Now()
		strike.Resolved = true
		strike.Dismissed = true
		strike.ResolvedByID = &reviewerID
		strike.ResolvedAt = &now
		strike.ResolutionNotes = notes
		if err := tx.Save(&strike).Error; err != nil {
			return err
		}

		// bypassed strikes never incremented anything
		if account.Exempt() {
			return nil
		}
		// decrement in SQL, floored at zero, for the same lost-update reason
		// as the increment in Record
		updates := map[string]any{
			"strike_count": gorm.Expr("CASE WHEN strike_count > 0 THEN strike_count - 1 ELSE 0 END"),
		}
		switch strike.ViolationType {
		case models.ViolationPorn:
			updates["porn_strike_count"] = gorm.Expr("CASE WHEN porn_strike_count > 0 THEN porn_strike_count - 1 ELSE 0 END")
		case models.ViolationHate:
			updates["hate_strike_count"] = gorm.Expr("CASE WHEN hate_strike_count > 0 THEN hate_strike_count - 1 ELSE 0 END")
		}
		return tx.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	strikeDismissedCount.Inc()
	l.Logger.Info("strike dismissed", "strikeID", strikeID, "reviewerID", reviewerID)
	return &strike, nil
}

// UnresolvedCount recomputes fresh from the table; the circuit breaker must
// never trust a cached counter.
func (l *Ledger) UnresolvedCount(ctx context.Context) (int64, error) {
	var count int64
	err := l.DB.WithContext(ctx).Model(&models.StrikeRecord{}).
		Where("resolved = ?", false).
		Count(&count).Error
	return count, err
}

// ListUnresolved returns the open moderation queue, oldest first.
func (l *Ledger) ListUnresolved(ctx context.Context, limit int) ([]models.StrikeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var strikes []models.StrikeRecord
	err := l.DB.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at asc").
		Limit(limit).
		Find(&strikes).Error
	return strikes, err
}

// Violator is one row of the top-violators report.
type Violator struct {
	AccountID   uint   `json:"account_id"`
	Username    string `json:"username"`
	StrikeCount int64  `json:"strike_count"`
}

func (l *Ledger) TopViolators(ctx context.Context, limit int) ([]Violator, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Violator
	err := l.DB.WithContext(ctx).Model(&models.Account{}).
		Select("id as account_id, username, strike_count").
		Where("strike_count > 0").
		Order("strike_count desc").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// Summary aggregates recent violations, for the admin dashboard and the
// periodic summary mail.
type Summary struct {
	WindowDays     int                            `json:"window_days"`
	Total          int64                          `json:"total"`
	ByType         map[models.ViolationType]int64 `json:"by_type"`
	Unresolved     int64                          `json:"unresolved"`
	UniqueAccounts int64                          `json:"unique_accounts"`
}

func (l *Ledger) Summarize(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	db := l.DB.WithContext(ctx)

	s := Summary{WindowDays: days, ByType: make(map[models.ViolationType]int64)}
	if err := db.Model(&models.StrikeRecord{}).Where("created_at > ?", cutoff).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	for _, vt := range []models.ViolationType{models.ViolationPorn, models.ViolationHate, models.ViolationIllegal, models.ViolationCSAM, models.ViolationOther} {
		var n int64
		if err := db.Model(&models.StrikeRecord{}).Where("created_at > ? AND violation_type = ?", cutoff, vt).Count(&n).Error; err != nil {
			return nil, err
		}
		s.ByType[vt] = n
	}
	if err := db.Model(&models.StrikeRecord{}).Where("resolved = ?", false).Count(&s.Unresolved).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.StrikeRecord{}).Where("created_at > ?", cutoff).Distinct("account_id").Count(&s.UniqueAccounts).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetInstanceState loads (or lazily creates) the singleton config row.
func (l *Ledger) GetInstanceState(ctx context.Context) (*models.InstanceState, error) {
	var state models.InstanceState
	err := l.DB.WithContext(ctx).FirstOrCreate(&state, models.InstanceState{Model: gorm.Model{ID: 1}}).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}
