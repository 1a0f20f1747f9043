// Package audit is the append-only security event trail plus the data
// retention sweeper. Audit lines are JSON, one per line, written through
// slog handlers so they compose with the rest of the logging setup. CSAM
// events additionally go to a dedicated stream for law enforcement handoff.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fedimod/warden/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// long evidence strings are truncated before logging
	maxFieldLen = 500

	// retention windows
	ipRetention        = 7 * 24 * time.Hour
	csamRetention      = 5 * 365 * 24 * time.Hour
	strikeRetention    = 2 * 365 * 24 * time.Hour
	snapshotSafeDays   = 14
	snapshotStrikeDays = 365
)

// Sanitize truncates long values and strips control characters so evidence
// text (model output, filenames) cannot corrupt the JSON stream or a
// terminal viewing it.
func Sanitize(s string) string {
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen] + "...[truncated]"
	}
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		if r == 127 {
			return -1
		}
		return r
	}, s)
}

type Logger struct {
	log  *slog.Logger
	csam *slog.Logger
}

// NewLogger writes the general audit stream to w and the CSAM stream to
// csamW. Pass the same writer for both to merge the streams.
func NewLogger(w, csamW io.Writer) *Logger {
	mk := func(out io.Writer) *slog.Logger {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Logger{
		log:  mk(w).With("stream", "audit"),
		csam: mk(csamW).With("stream", "csam"),
	}
}

type Event struct {
	Kind      string
	AccountID uint
	ActorID   uint
	StrikeID  uint
	Detail    string
}

// Record appends one event to the audit trail. CSAM-related events go to
// both streams.
func (a *Logger) Record(ctx context.Context, ev Event, csamRelated bool) {
	attrs := []any{
		"kind", ev.Kind,
		"accountID", ev.AccountID,
		"detail", Sanitize(ev.Detail),
	}
	if ev.ActorID != 0 {
		attrs = append(attrs, "actorID", ev.ActorID)
	}
	if ev.StrikeID != 0 {
		attrs = append(attrs, "strikeID", ev.StrikeID)
	}
	a.log.InfoContext(ctx, "audit", attrs...)
	if csamRelated {
		a.csam.InfoContext(ctx, "audit", attrs...)
	}
	auditEventCount.WithLabelValues(ev.Kind).Inc()
}

func (a *Logger) Violation(ctx context.Context, strike *models.StrikeRecord) {
	a.Record(ctx, Event{
		Kind:      "violation",
		AccountID: strike.AccountID,
		StrikeID:  strike.ID,
		Detail:    string(strike.ViolationType) + ": " + strike.AIReason,
	}, strike.ViolationType == models.ViolationCSAM)
}

func (a *Logger) Dismissal(ctx context.Context, strike *models.StrikeRecord, reviewerID uint) {
	a.Record(ctx, Event{
		Kind:      "dismissal",
		AccountID: strike.AccountID,
		ActorID:   reviewerID,
		StrikeID:  strike.ID,
		Detail:    strike.ResolutionNotes,
	}, strike.ViolationType == models.ViolationCSAM)
}

func (a *Logger) InstanceFreezeToggle(ctx context.Context, frozen bool, unresolved int64) {
	detail := fmt.Sprintf("instance unfrozen, unresolved=%d", unresolved)
	if frozen {
		detail = fmt.Sprintf("instance frozen, unresolved=%d", unresolved)
	}
	a.Record(ctx, Event{Kind: "instance_freeze", Detail: detail}, false)
}

func (a *Logger) AdminOverride(ctx context.Context, actorID uint, accountID uint, detail string) {
	a.Record(ctx, Event{Kind: "admin_override", AccountID: accountID, ActorID: actorID, Detail: detail}, false)
}

// ContentHash fingerprints evidence bytes for the law enforcement report
// without retaining the content itself.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Report is a law-enforcement evidence package for one account. Assembled
// on demand, never persisted.
type Report struct {
	ReportID    string         `json:"report_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Account     ReportIdentity `json:"account"`
	IPHistory   []string       `json:"ip_history"`
	Violations  []ReportStrike `json:"violations"`
}

type ReportIdentity struct {
	AccountID uint   `json:"account_id"`
	Username  string `json:"username"`
	Suspended bool   `json:"suspended"`
}

type ReportStrike struct {
	StrikeID      uint      `json:"strike_id"`
	ViolationType string    `json:"violation_type"`
	Severity      int       `json:"severity"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	ContentHash   string    `json:"content_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Reporter struct {
	DB     *gorm.DB
	Audit  *Logger
	Logger *slog.Logger
}

func NewReporter(db *gorm.DB, audit *Logger, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default().With("system", "audit")
	}
	return &Reporter{DB: db, Audit: audit, Logger: logger}
}

// BuildReport assembles the evidence package for one account: identity, IP
// history from signup and strikes, and every recorded violation. Hashes is
// an optional map of strike ID to evidence content hash.
func (r *Reporter) BuildReport(ctx context.Context, accountID uint, actorID uint, hashes map[uint]string) (*Report, error) {
	var acct models.Account
	if err := r.DB.WithContext(ctx).First(&acct, accountID).Error; err != nil {
		return nil, err
	}
	var strikes []models.StrikeRecord
	if err := r.DB.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at asc").Find(&strikes).Error; err != nil {
		return nil, err
	}

	rep := Report{
		ReportID:    uuid.NewString(),
		GeneratedAt: time.Now(),
		Account: ReportIdentity{
			AccountID: acct.ID,
			Username:  acct.Username,
			Suspended: acct.Suspended,
		},
	}
	seen := map[string]bool{}
	addIP := func(ip *string) {
		if ip == nil || *ip == "" || seen[*ip] {
			return
		}
		seen[*ip] = true
		rep.IPHistory = append(rep.IPHistory, *ip)
	}
	addIP(acct.SignupIP)
	addIP(acct.LastIP)
	addIP(acct.LastStrikeIP)
	for _, s := range strikes {
		addIP(s.SourceIP)
		rep.Violations = append(rep.Violations, ReportStrike{
			StrikeID:      s.ID,
			ViolationType: string(s.ViolationType),
			Severity:      s.Severity,
			Confidence:    s.AIConfidence,
			Reason:        Sanitize(s.AIReason),
			ContentHash:   hashes[s.ID],
			CreatedAt:     s.CreatedAt,
		})
	}

	csam := false
	for _, s := range strikes {
		if s.ViolationType == models.ViolationCSAM {
			csam = true
			break
		}
	}
	if r.Audit != nil {
		r.Audit.Record(ctx, Event{
			Kind:      "law_enforcement_report",
			AccountID: accountID,
			ActorID:   actorID,
			Detail:    "report " + rep.ReportID,
		}, csam)
	}
	return &rep, nil
}
