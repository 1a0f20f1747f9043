// Package engine orchestrates upload admission: fast local checks on the
// request path, then asynchronous classification with explicit consequence
// sequencing. The saga order is fixed: record strike, apply freeze, reassess
// the circuit breaker. No step is hidden behind a persistence hook.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/moderation/blocklist"
	"github.com/fedimod/warden/moderation/classifier"
	"github.com/fedimod/warden/moderation/freeze"
	"github.com/fedimod/warden/moderation/ledger"
	"github.com/fedimod/warden/moderation/queue"
	"github.com/fedimod/warden/moderation/quota"

	"gorm.io/gorm"
)

type Engine struct {
	DB         *gorm.DB
	Logger     *slog.Logger
	Classifier *classifier.Client
	Blocklist  *blocklist.Engine
	Quota      *quota.Engine
	Freeze     *freeze.Controller
	Ledger     *ledger.Ledger
	Breaker    *ledger.Breaker
	Queue      *queue.Store
	Audit      *audit.Logger
	Bands      SeverityBands

	lklk         sync.Mutex
	accountLocks map[uint]*accountLock
}

type accountLock struct {
	lk    sync.Mutex
	count int
}

// lockAccount serializes admission per account, so two concurrent uploads
// cannot both pass the quota check against the same headroom.
func (e *Engine) lockAccount(accountID uint) func() {
	e.lklk.Lock()
	if e.accountLocks == nil {
		e.accountLocks = make(map[uint]*accountLock)
	}
	alk, ok := e.accountLocks[accountID]
	if !ok {
		alk = &accountLock{}
		e.accountLocks[accountID] = alk
	}
	alk.count++
	e.lklk.Unlock()

	alk.lk.Lock()

	return func() {
		e.lklk.Lock()
		alk.lk.Unlock()
		alk.count--
		if alk.count == 0 {
			delete(e.accountLocks, accountID)
		}
		e.lklk.Unlock()
	}
}

// UploadRequest is one media item arriving at the admission checker.
type UploadRequest struct {
	AccountID   uint
	Kind        string // image, video, text
	ContentType string
	FileName    string
	Path        string
	Text        string
	SizeBytes   int64
	SourceIP    *string
	// optional prefix of the file contents, for magic byte sniffing
	Head []byte
}

// Admission is the fast-path answer. Status is "processing" when
// classification was enqueued, "accepted" when moderation was skipped.
type Admission struct {
	Upload    *models.MediaUpload
	Status    string
	Sensitive bool
	Skipped   bool
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

func classifiableKind(kind string) bool {
	switch kind {
	case "image", "video", "text":
		return true
	}
	return false
}

// Admit runs the synchronous admission sequence: freeze, quota, blocklist,
// then enqueues classification and returns a provisional result. Every
// rejection is a typed error.
func (e *Engine) Admit(ctx context.Context, req UploadRequest) (*Admission, error) {
	var account models.Account
	if err := e.DB.WithContext(ctx).First(&account, req.AccountID).Error; err != nil {
		return nil, fmt.Errorf("loading account %d: %w", req.AccountID, err)
	}
	state, err := e.Ledger.GetInstanceState(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Head) == 0 && req.Path != "" {
		req.Head = readHead(req.Path)
	}
	if verr := ValidateUpload(req.Kind, req.ContentType, req.FileName, req.SizeBytes, req.Head); verr != nil {
		return nil, verr
	}

	// hold the account lock from the quota check through the upload insert,
	// so the check always sees every admitted row
	unlock := e.lockAccount(req.AccountID)
	defer unlock()

	moderated := state.Enabled && !account.Exempt()
	sensitive := false

	if moderated {
		now := time.Now()
		if account.Frozen(now) {
			return nil, &FrozenAccountError{Until: account.FrozenUntil, Permanent: account.PermanentFreeze}
		}
		// previously-frozen accounts stay restricted while the instance is frozen
		if state.InstanceFrozen && account.EverFrozen {
			return nil, &FrozenAccountError{InstanceWide: true}
		}

		if err := e.Quota.CheckUpload(ctx, &account, req.SizeBytes); err != nil {
			return nil, err
		}

		for _, raw := range urlPattern.FindAllString(req.Text, -1) {
			check := e.Blocklist.CheckURL(raw)
			if !check.Blocked {
				continue
			}
			if check.Tier == blocklist.TierSoft {
				sensitive = true
				continue
			}
			if err := e.strikeForBlockedDomain(ctx, &account, req, check); err != nil {
				e.Logger.Error("failed to record blocked-domain strike", "err", err, "accountID", account.ID)
			}
			return nil, &BlockedDomainError{Domain: check.Domain, Category: check.Category}
		}
	}

	upload := models.MediaUpload{
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		ContentType: req.ContentType,
		FileName:    req.FileName,
		Path:        req.Path,
		Text:        req.Text,
		SizeBytes:   req.SizeBytes,
		SourceIP:    req.SourceIP,
		Sensitive:   sensitive,
	}
	if err := e.DB.WithContext(ctx).Create(&upload).Error; err != nil {
		return nil, err
	}

	adm := Admission{Upload: &upload, Sensitive: sensitive}
	if moderated && classifiableKind(req.Kind) {
		if err := e.Queue.Enqueue(ctx, upload.ID); err != nil {
			return nil, err
		}
		adm.Status = "processing"
	} else {
		adm.Status = "accepted"
		adm.Skipped = true
	}
	admissionCount.WithLabelValues(adm.Status).Inc()
	return &adm, nil
}

func blockCategoryViolation(category string) models.ViolationType {
	switch category {
	case "porn":
		return models.ViolationPorn
	case "extremism":
		return models.ViolationHate
	default:
		return models.ViolationOther
	}
}

func (e *Engine) strikeForBlockedDomain(ctx context.Context, account *models.Account, req UploadRequest, check blocklist.CheckResult) error {
	res, err := e.Ledger.Record(ctx, ledger.RecordParams{
		AccountID:     account.ID,
		ViolationType: blockCategoryViolation(check.Category),
		Severity:      3,
		SourceIP:      req.SourceIP,
		AICategory:    "BLOCKED_DOMAIN",
		AIConfidence:  1.0,
		AIReason:      fmt.Sprintf("linked to hard-blocked domain %s (%s)", check.Domain, check.Category),
	})
	if err != nil {
		return err
	}
	if !res.Bypassed {
		if _, err := e.Freeze.Apply(ctx, freeze.ApplyParams{
			AccountID:     account.ID,
			StrikeID:      &res.Strike.ID,
			ViolationType: res.Strike.ViolationType,
			TypeCount:     res.TypeCount,
		}); err != nil {
			return err
		}
		if err := e.Breaker.Reassess(ctx); err != nil {
			return err
		}
	}
	if e.Audit != nil {
		e.Audit.Violation(ctx, res.Strike)
	}
	return nil
}

// Outcome is the result of processing one classification job. Rejection is
// the typed user-facing error when the content was a violation; an error
// return from Process is infrastructure trouble and triggers a retry.
type Outcome struct {
	Verdict   *classifier.Verdict
	Strike    *models.StrikeRecord
	Rejection error
	Deleted   bool
}

func detectionEnabled(vt models.ViolationType, state *models.InstanceState) bool {
	switch vt {
	case models.ViolationPorn:
		return state.PornDetection
	case models.ViolationHate:
		return state.HateDetection
	case models.ViolationIllegal:
		return state.IllegalDetection
	}
	// CSAM and other are never toggled off
	return true
}

// Process classifies one enqueued upload and applies consequences. Runs on
// the queue worker pool.
func (e *Engine) Process(ctx context.Context, mediaUploadID uint) (*Outcome, error) {
	var upload models.MediaUpload
	if err := e.DB.WithContext(ctx).First(&upload, mediaUploadID).Error; err != nil {
		return nil, fmt.Errorf("loading media upload %d: %w", mediaUploadID, err)
	}
	if upload.Deleted {
		return &Outcome{}, nil
	}
	// the snapshot is written before any consequence, so its presence means a
	// previous delivery of this job already ran to the consequence stage.
	// Re-running would create a duplicate strike and escalate the freeze.
	var prior int64
	if err := e.DB.WithContext(ctx).Model(&models.AnalysisSnapshot{}).
		Where("media_upload_id = ?", upload.ID).Count(&prior).Error; err != nil {
		return nil, err
	}
	if prior > 0 {
		classificationOutcomes.WithLabelValues("duplicate").Inc()
		return &Outcome{}, nil
	}
	var account models.Account
	if err := e.DB.WithContext(ctx).First(&account, upload.AccountID).Error; err != nil {
		return nil, err
	}
	state, err := e.Ledger.GetInstanceState(ctx)
	if err != nil {
		return nil, err
	}

	verdict := e.classify(ctx, &upload)

	violation := verdict.Violation() && detectionEnabled(verdict.ViolationType(), state)

	now := time.Now()
	deleteAfter := audit.SnapshotDeleteAfter(violation, now)
	snapshot := models.AnalysisSnapshot{
		MediaUploadID:     upload.ID,
		AccountID:         upload.AccountID,
		AICategory:        string(verdict.Category),
		AIConfidence:      verdict.Confidence,
		AIReason:          verdict.Reason,
		AIRawResponse:     verdict.RawResponse,
		MediaKind:         upload.Kind,
		MediaSizeBytes:    upload.SizeBytes,
		MediaContentType:  upload.ContentType,
		ViolationDetected: violation,
		DeleteAfter:       &deleteAfter,
	}
	if err := e.DB.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return nil, err
	}

	out := Outcome{Verdict: verdict}

	if violation {
		res, err := e.Ledger.Record(ctx, ledger.RecordParams{
			AccountID:     upload.AccountID,
			MediaUploadID: &upload.ID,
			StatusID:      upload.StatusID,
			ViolationType: verdict.ViolationType(),
			Severity:      e.Bands.For(verdict.Category, verdict.Confidence),
			SourceIP:      upload.SourceIP,
			AICategory:    string(verdict.Category),
			AIConfidence:  verdict.Confidence,
			AIReason:      verdict.Reason,
			AIRawResponse: verdict.RawResponse,
		})
		if err != nil {
			return nil, err
		}
		out.Strike = res.Strike

		if err := e.DB.WithContext(ctx).Model(&snapshot).
			Update("strike_record_id", res.Strike.ID).Error; err != nil {
			return nil, err
		}

		if !res.Bypassed {
			if _, err := e.Freeze.Apply(ctx, freeze.ApplyParams{
				AccountID:     upload.AccountID,
				StrikeID:      &res.Strike.ID,
				ViolationType: res.Strike.ViolationType,
				TypeCount:     res.TypeCount,
			}); err != nil {
				return nil, err
			}
			if err := e.Breaker.Reassess(ctx); err != nil {
				return nil, err
			}
		}
		if e.Audit != nil {
			e.Audit.Violation(ctx, res.Strike)
		}

		if state.AutoDeleteViolations {
			if err := e.DB.WithContext(ctx).Model(&upload).Update("deleted", true).Error; err != nil {
				return nil, err
			}
			out.Deleted = true
		}

		out.Rejection = &ContentViolationError{
			Type:       verdict.ViolationType(),
			Category:   string(verdict.Category),
			Confidence: verdict.Confidence,
		}
		classificationOutcomes.WithLabelValues("violation").Inc()
		return &out, nil
	}

	if verdict.NeedsReview() {
		// held for the manual moderation queue, visible but warned
		if err := e.DB.WithContext(ctx).Model(&upload).Update("sensitive", true).Error; err != nil {
			return nil, err
		}
		classificationOutcomes.WithLabelValues("review").Inc()
		return &out, nil
	}

	classificationOutcomes.WithLabelValues("safe").Inc()
	return &out, nil
}

func (e *Engine) classify(ctx context.Context, upload *models.MediaUpload) *classifier.Verdict {
	switch upload.Kind {
	case "image":
		imgBytes, err := os.ReadFile(upload.Path)
		if err != nil {
			e.Logger.Error("failed to read media for classification", "err", err, "path", upload.Path)
			return &classifier.Verdict{Category: classifier.CategoryReview, Reason: "media unreadable"}
		}
		return e.Classifier.ClassifyImage(ctx, imgBytes)
	case "video":
		return e.Classifier.ClassifyVideo(ctx, upload.Path)
	default:
		return e.Classifier.ClassifyText(ctx, upload.Text)
	}
}

// ReviewFallback runs when classification burned all its retries: the upload
// stays available but flagged, with a snapshot recording why.
func (e *Engine) ReviewFallback(ctx context.Context, mediaUploadID uint) error {
	var upload models.MediaUpload
	if err := e.DB.WithContext(ctx).First(&upload, mediaUploadID).Error; err != nil {
		return err
	}
	now := time.Now()
	deleteAfter := audit.SnapshotDeleteAfter(false, now)
	snapshot := models.AnalysisSnapshot{
		MediaUploadID:    upload.ID,
		AccountID:        upload.AccountID,
		AICategory:       string(classifier.CategoryReview),
		AIConfidence:     0,
		AIReason:         "classification unavailable after retries",
		MediaKind:        upload.Kind,
		MediaSizeBytes:   upload.SizeBytes,
		MediaContentType: upload.ContentType,
		DeleteAfter:      &deleteAfter,
	}
	if err := e.DB.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return err
	}
	if err := e.DB.WithContext(ctx).Model(&upload).Update("sensitive", true).Error; err != nil {
		return err
	}
	classificationOutcomes.WithLabelValues("unavailable").Inc()
	return nil
}

// DismissStrike is the false-positive rollback saga: reverse the counters,
// deactivate the freeze, and let the breaker recover.
func (e *Engine) DismissStrike(ctx context.Context, strikeID, reviewerID uint, notes string) (*models.StrikeRecord, error) {
	strike, err := e.Ledger.Dismiss(ctx, strikeID, reviewerID, notes)
	if err != nil {
		return nil, err
	}
	if err := e.Freeze.DeactivateForStrike(ctx, strike.ID); err != nil {
		return nil, err
	}
	if err := e.Breaker.Reassess(ctx); err != nil {
		return nil, err
	}
	if e.Audit != nil {
		e.Audit.Dismissal(ctx, strike, reviewerID)
	}
	return strike, nil
}

// ResolveStrike upholds a strike after review. Consequences stay; the
// breaker reassesses because the unresolved count dropped.
func (e *Engine) ResolveStrike(ctx context.Context, strikeID, reviewerID uint, notes string) (*models.StrikeRecord, error) {
	strike, err := e.Ledger.Resolve(ctx, strikeID, reviewerID, notes)
	if err != nil {
		return nil, err
	}
	if err := e.Breaker.Reassess(ctx); err != nil {
		return nil, err
	}
	if e.Audit != nil {
		e.Audit.Record(ctx, audit.Event{
			Kind:      "resolution",
			AccountID: strike.AccountID,
			ActorID:   reviewerID,
			StrikeID:  strike.ID,
			Detail:    notes,
		}, strike.ViolationType == models.ViolationCSAM)
	}
	return strike, nil
}
