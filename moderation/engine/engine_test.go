package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/moderation/blocklist"
	"github.com/fedimod/warden/moderation/classifier"
	"github.com/fedimod/warden/moderation/freeze"
	"github.com/fedimod/warden/moderation/ledger"
	"github.com/fedimod/warden/moderation/queue"
	"github.com/fedimod/warden/moderation/quota"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeDisk struct {
	total uint64
}

func (d fakeDisk) Stat(path string) (uint64, uint64, error) {
	return d.total, d.total / 2, nil
}

type fakeModel struct {
	mu     sync.Mutex
	output string
	status int
}

func (m *fakeModel) set(output string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = output
	m.status = status
}

func (m *fakeModel) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	output, status := m.output, m.status
	m.mu.Unlock()
	if status != 200 {
		w.WriteHeader(status)
		return
	}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]string{"response": output})
	w.Write(buf.Bytes())
}

type fixture struct {
	eng   *Engine
	db    *gorm.DB
	model *fakeModel
	audit *bytes.Buffer
	csam  *bytes.Buffer
}

func setup(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true, TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Account{}, &models.MediaUpload{}, &models.StrikeRecord{},
		&models.FreezeRecord{}, &models.AnalysisSnapshot{}, &models.InstanceState{},
		&queue.DBJob{},
	))

	require.NoError(t, db.Create(&models.InstanceState{
		Model:                 gorm.Model{ID: 1},
		Enabled:               true,
		PornDetection:         true,
		HateDetection:         true,
		IllegalDetection:      true,
		AutoDeleteViolations:  true,
		InstanceFreezeEnabled: true,
		AlarmThreshold:        10,
	}).Error)

	model := &fakeModel{status: 200}
	srv := httptest.NewServer(http.HandlerFunc(model.handler))
	t.Cleanup(srv.Close)

	cfg := classifier.DefaultConfig(srv.URL)
	cfg.RequestTimeout = 5 * time.Second
	cfg.RatePerSecond = 1000
	cls := classifier.NewClient(cfg, slog.Default())
	cls.Client = srv.Client()

	q := quota.NewEngine(db, quota.DefaultConfig(t.TempDir()), nil, slog.Default())
	q.Disk = fakeDisk{total: 100 << 30}

	bl := blocklist.NewEngine(slog.Default(), nil, nil)

	led := ledger.NewLedger(db, slog.Default())
	brk := ledger.NewBreaker(db, led, nil, slog.Default())
	frz := freeze.NewController(db, slog.Default())

	var auditBuf, csamBuf bytes.Buffer
	aud := audit.NewLogger(&auditBuf, &csamBuf)

	eng := &Engine{
		DB:         db,
		Logger:     slog.Default(),
		Classifier: cls,
		Blocklist:  bl,
		Quota:      q,
		Freeze:     frz,
		Ledger:     led,
		Breaker:    brk,
		Queue:      queue.NewStore(db),
		Audit:      aud,
		Bands:      DefaultSeverityBands(),
	}
	return &fixture{eng: eng, db: db, model: model, audit: &auditBuf, csam: &csamBuf}
}

func (f *fixture) account(t *testing.T, username, role string) *models.Account {
	acct := models.Account{Username: username, Role: role, Confirmed: true}
	require.NoError(t, f.db.Create(&acct).Error)
	return &acct
}

func writeImage(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "upload.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}, 0644))
	return path
}

func imageRequest(accountID uint, path string) UploadRequest {
	ip := "203.0.113.5"
	return UploadRequest{
		AccountID:   accountID,
		Kind:        "image",
		ContentType: "image/jpeg",
		FileName:    "upload.jpg",
		Path:        path,
		SizeBytes:   1 << 20,
		SourceIP:    &ip,
	}
}

func TestAdmitThenPornViolation(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "alice", "")
	f.model.set(`{"category":"PORN","confidence":0.9,"reason":"explicit content"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	assert.Equal(t, "processing", adm.Status)

	// a classification job was enqueued for the upload
	job, err := f.eng.Queue.GetJob(ctx, adm.Upload.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateEnqueued, job.State())

	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)

	var cv *ContentViolationError
	require.ErrorAs(t, out.Rejection, &cv)
	assert.Equal(t, models.ViolationPorn, cv.Type)
	assert.InDelta(t, 0.9, cv.Confidence, 0.001)

	require.NotNil(t, out.Strike)
	assert.GreaterOrEqual(t, out.Strike.Severity, 3)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(1), fresh.PornStrikeCount)
	require.NotNil(t, fresh.FrozenUntil)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *fresh.FrozenUntil, 5*time.Second)

	var snap models.AnalysisSnapshot
	require.NoError(t, f.db.First(&snap, "media_upload_id = ?", adm.Upload.ID).Error)
	assert.True(t, snap.ViolationDetected)
	require.NotNil(t, snap.StrikeRecordID)
	assert.Equal(t, out.Strike.ID, *snap.StrikeRecordID)

	// auto-delete was configured
	assert.True(t, out.Deleted)
	var upload models.MediaUpload
	require.NoError(t, f.db.First(&upload, adm.Upload.ID).Error)
	assert.True(t, upload.Deleted)

	assert.Contains(t, f.audit.String(), "violation")
}

func TestFifthPornStrikeIsPermanent(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "bob", "")
	require.NoError(t, f.db.Model(acct).Updates(map[string]any{
		"strike_count":      4,
		"porn_strike_count": 4,
	}).Error)
	f.model.set(`{"category":"PORN","confidence":0.97,"reason":"explicit"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	_, err = f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(5), fresh.PornStrikeCount)
	assert.True(t, fresh.PermanentFreeze)
	assert.Nil(t, fresh.FrozenUntil)
}

func TestClassifierDownRoutesToReview(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "carol", "")
	f.model.set("", 500)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)

	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Rejection)
	assert.Nil(t, out.Strike)
	assert.Equal(t, classifier.CategoryReview, out.Verdict.Category)
	assert.Equal(t, 0.0, out.Verdict.Confidence)

	// snapshot persisted, no strike created, upload flagged for review
	var snap models.AnalysisSnapshot
	require.NoError(t, f.db.First(&snap, "media_upload_id = ?", adm.Upload.ID).Error)
	assert.False(t, snap.ViolationDetected)

	var n int64
	require.NoError(t, f.db.Model(&models.StrikeRecord{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)

	var upload models.MediaUpload
	require.NoError(t, f.db.First(&upload, adm.Upload.ID).Error)
	assert.True(t, upload.Sensitive)
	assert.False(t, upload.Deleted)
}

func TestSafeContentAccepted(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "dave", "")
	f.model.set(`{"category":"SAFE","confidence":0.99,"reason":"harmless"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Rejection)
	assert.True(t, out.Verdict.Safe())

	var snap models.AnalysisSnapshot
	require.NoError(t, f.db.First(&snap, "media_upload_id = ?", adm.Upload.ID).Error)
	assert.False(t, snap.ViolationDetected)
	// clean content gets the short retention window
	require.NotNil(t, snap.DeleteAfter)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 14), *snap.DeleteAfter, time.Minute)
}

func TestAdmitRejectsFrozenAccount(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "erin", "")
	until := time.Now().Add(24 * time.Hour)
	require.NoError(t, f.db.Model(acct).Update("frozen_until", until).Error)

	_, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	var fe *FrozenAccountError
	require.ErrorAs(t, err, &fe)
	require.NotNil(t, fe.Until)
	assert.WithinDuration(t, until, *fe.Until, time.Second)
	assert.False(t, fe.Permanent)
}

func TestInstanceFreezeStickyAsymmetry(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	require.NoError(t, f.db.Model(&models.InstanceState{}).Where("id = ?", 1).
		Update("instance_frozen", true).Error)

	// previously frozen but personally expired: still rejected
	flagged := f.account(t, "flagged", "")
	require.NoError(t, f.db.Model(flagged).Update("ever_frozen", true).Error)
	_, err := f.eng.Admit(ctx, imageRequest(flagged.ID, writeImage(t)))
	var fe *FrozenAccountError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.InstanceWide)

	// never frozen: unaffected by the instance freeze
	clean := f.account(t, "clean", "")
	f.model.set(`{"category":"SAFE","confidence":0.9,"reason":"ok"}`, 200)
	adm, err := f.eng.Admit(ctx, imageRequest(clean.ID, writeImage(t)))
	require.NoError(t, err)
	assert.Equal(t, "processing", adm.Status)
}

func TestAdmitRejectsOverQuota(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "greedy", "")

	req := imageRequest(acct.ID, writeImage(t))
	req.SizeBytes = 20 << 30

	_, err := f.eng.Admit(ctx, req)
	var qe *quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, quota.KindStorage, qe.Kind)
}

func TestAdmitHardBlockedDomain(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "linker", "")
	f.eng.Blocklist.AddLocal("evil.example", blocklist.TierHard, "porn")

	req := imageRequest(acct.ID, writeImage(t))
	req.Kind = "text"
	req.Text = "check this out https://evil.example/page"

	_, err := f.eng.Admit(ctx, req)
	var be *BlockedDomainError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "evil.example", be.Domain)

	// the hard block also produced a strike with consequences
	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(1), fresh.StrikeCount)
	assert.Equal(t, int64(1), fresh.PornStrikeCount)
	assert.True(t, fresh.Frozen(time.Now()))
}

func TestAdmitSoftBlockedDomainForcesSensitive(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "gambler", "")
	f.eng.Blocklist.AddLocal("casino.example", blocklist.TierSoft, "gambling")

	req := imageRequest(acct.ID, writeImage(t))
	req.Kind = "text"
	req.Text = "spin it https://casino.example/slots"

	adm, err := f.eng.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, adm.Sensitive)
	assert.True(t, adm.Upload.Sensitive)

	var n int64
	require.NoError(t, f.db.Model(&models.StrikeRecord{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestAdmitSkipsWhenModerationDisabled(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	require.NoError(t, f.db.Model(&models.InstanceState{}).Where("id = ?", 1).
		Update("enabled", false).Error)
	acct := f.account(t, "henry", "")

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	assert.Equal(t, "accepted", adm.Status)
	assert.True(t, adm.Skipped)

	_, err = f.eng.Queue.GetJob(ctx, adm.Upload.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestAdmitSkipsExemptRoles(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	admin := f.account(t, "admin", models.RoleAdmin)

	adm, err := f.eng.Admit(ctx, imageRequest(admin.ID, writeImage(t)))
	require.NoError(t, err)
	assert.True(t, adm.Skipped)
}

func TestAdmitValidation(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "ivan", "")

	req := imageRequest(acct.ID, writeImage(t))
	req.FileName = "payload.exe"

	_, err := f.eng.Admit(ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDetectionToggleSkipsStrike(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	require.NoError(t, f.db.Model(&models.InstanceState{}).Where("id = ?", 1).
		Update("porn_detection", false).Error)
	acct := f.account(t, "judy", "")
	f.model.set(`{"category":"PORN","confidence":0.95,"reason":"explicit"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Rejection)
	assert.Nil(t, out.Strike)

	var snap models.AnalysisSnapshot
	require.NoError(t, f.db.First(&snap, "media_upload_id = ?", adm.Upload.ID).Error)
	assert.False(t, snap.ViolationDetected)
	assert.Equal(t, "PORN", snap.AICategory)
}

func TestCSAMIsTerminal(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "kim", "")
	f.model.set(`{"category":"CSAM","confidence":0.55,"reason":"match"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)

	require.NotNil(t, out.Strike)
	// maximal severity regardless of confidence
	assert.Equal(t, 5, out.Strike.Severity)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.True(t, fresh.PermanentFreeze)
	assert.True(t, fresh.Suspended)

	// CSAM events land on the dedicated stream
	assert.Contains(t, f.csam.String(), "violation")
}

func TestDismissStrikeFullRollback(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "laura", "")
	reviewer := f.account(t, "mod", models.RoleModerator)
	f.model.set(`{"category":"PORN","confidence":0.9,"reason":"explicit"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Strike)

	_, err = f.eng.DismissStrike(ctx, out.Strike.ID, reviewer.ID, "false positive")
	require.NoError(t, err)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(0), fresh.StrikeCount)
	assert.Equal(t, int64(0), fresh.PornStrikeCount)
	assert.False(t, fresh.Frozen(time.Now()))

	assert.Contains(t, f.audit.String(), "dismissal")
}

func TestResolveStrikeKeepsConsequences(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "mallory", "")
	reviewer := f.account(t, "mod2", models.RoleModerator)
	f.model.set(`{"category":"HATE","confidence":0.88,"reason":"slur"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Strike)

	strike, err := f.eng.ResolveStrike(ctx, out.Strike.ID, reviewer.ID, "confirmed")
	require.NoError(t, err)
	assert.True(t, strike.Resolved)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(1), fresh.HateStrikeCount)
	assert.True(t, fresh.Frozen(time.Now()))
}

func TestReviewFallback(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "nancy", "")

	upload := models.MediaUpload{AccountID: acct.ID, Kind: "image", SizeBytes: 100}
	require.NoError(t, f.db.Create(&upload).Error)

	require.NoError(t, f.eng.ReviewFallback(ctx, upload.ID))

	var snap models.AnalysisSnapshot
	require.NoError(t, f.db.First(&snap, "media_upload_id = ?", upload.ID).Error)
	assert.Equal(t, "REVIEW", snap.AICategory)
	assert.Equal(t, 0.0, snap.AIConfidence)

	var fresh models.MediaUpload
	require.NoError(t, f.db.First(&fresh, upload.ID).Error)
	assert.True(t, fresh.Sensitive)
}

func TestSeverityBands(t *testing.T) {
	b := DefaultSeverityBands()
	assert.Equal(t, 5, b.For(classifier.CategoryCSAM, 0.1))
	assert.Equal(t, 4, b.For(classifier.CategoryPorn, 0.95))
	assert.Equal(t, 4, b.For(classifier.CategoryPorn, 0.99))
	assert.Equal(t, 3, b.For(classifier.CategoryPorn, 0.9))
	assert.Equal(t, 2, b.For(classifier.CategoryHate, 0.72))
	assert.Equal(t, 1, b.For(classifier.CategoryIllegal, 0.5))
}

func TestValidateUpload(t *testing.T) {
	ok := func(err *ValidationError) {
		t.Helper()
		assert.Nil(t, err)
	}
	bad := func(err *ValidationError, frag string) {
		t.Helper()
		require.NotNil(t, err)
		assert.Contains(t, err.Reason, frag)
	}

	ok(ValidateUpload("image", "image/png", "cat.png", 1000, []byte{0x89, 'P', 'N', 'G'}))
	bad(ValidateUpload("audio", "audio/mp3", "song.mp3", 1000, nil), "unsupported")
	bad(ValidateUpload("image", "image/png", "cat.png", 0, nil), "empty")
	bad(ValidateUpload("image", "image/png", "cat.png", (501<<20), nil), "maximum file size")
	bad(ValidateUpload("image", "image/png", "../../etc/passwd", 100, nil), "filename")
	bad(ValidateUpload("image", "application/x-msdownload", "x.png", 100, nil), "content type")
	bad(ValidateUpload("image", "image/png", "x.exe", 100, nil), "extension")
	bad(ValidateUpload("image", "image/png", "x.png", 100, []byte{'M', 'Z', 0x90}), "do not match")
	bad(ValidateUpload("image", "image/png", "x.png", 100, []byte("#!/bin/sh")), "do not match")
	// text uploads are not sniffed
	ok(ValidateUpload("text", "text/plain", "note.txt", 100, []byte("#!/bin/sh")))
}

func TestStrikeCountMatchesNonDismissedRecords(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "oscar", "")
	reviewer := f.account(t, "mod3", models.RoleModerator)
	f.model.set(`{"category":"PORN","confidence":0.9,"reason":"explicit"}`, 200)

	var strikes []uint
	for i := 0; i < 3; i++ {
		adm, err := f.eng.Admit(ctx, func() UploadRequest {
			r := imageRequest(acct.ID, writeImage(t))
			return r
		}())
		if err != nil {
			// the account freezes after the first strike; unfreeze to keep going
			require.NoError(t, f.eng.Freeze.Unfreeze(ctx, acct.ID))
			adm, err = f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
			require.NoError(t, err)
		}
		out, err := f.eng.Process(ctx, adm.Upload.ID)
		require.NoError(t, err)
		require.NotNil(t, out.Strike)
		strikes = append(strikes, out.Strike.ID)
	}

	_, err := f.eng.DismissStrike(ctx, strikes[1], reviewer.ID, "false positive")
	require.NoError(t, err)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	var nonDismissed int64
	require.NoError(t, f.db.Model(&models.StrikeRecord{}).
		Where("account_id = ? AND dismissed = ?", acct.ID, false).Count(&nonDismissed).Error)
	assert.Equal(t, nonDismissed, fresh.StrikeCount)
}

func TestProcessSkipsDeletedUpload(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "peggy", "")

	upload := models.MediaUpload{AccountID: acct.ID, Kind: "image", SizeBytes: 10, Deleted: true}
	require.NoError(t, f.db.Create(&upload).Error)

	out, err := f.eng.Process(ctx, upload.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Verdict)
}

func TestProcessMissingUpload(t *testing.T) {
	f := setup(t)
	_, err := f.eng.Process(context.TODO(), 9999)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound) || err != nil)
}

func TestInstanceBreakerTripsDuringProcessing(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	require.NoError(t, f.db.Model(&models.InstanceState{}).Where("id = ?", 1).
		Update("alarm_threshold", 1).Error)
	acct := f.account(t, "quinn", "")
	f.model.set(`{"category":"PORN","confidence":0.9,"reason":"explicit"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)
	_, err = f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)

	frozen, err := f.eng.Breaker.InstanceFrozen(ctx)
	require.NoError(t, err)
	assert.True(t, frozen)

	// another upload from the (now ever-frozen) account is rejected for the
	// freeze, and a clean newcomer is unaffected
	_, err = f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	var fe *FrozenAccountError
	require.ErrorAs(t, err, &fe)

	newcomer := f.account(t, "newcomer", "")
	f.model.set(`{"category":"SAFE","confidence":0.9,"reason":"ok"}`, 200)
	_, err = f.eng.Admit(ctx, imageRequest(newcomer.ID, writeImage(t)))
	require.NoError(t, err)
}

func TestProcessRedeliveryDoesNotStackStrikes(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	// keep the upload around so the second delivery reaches the
	// classification path instead of the deleted-upload early return
	require.NoError(t, f.db.Model(&models.InstanceState{}).Where("id = ?", 1).
		Update("auto_delete_violations", false).Error)
	acct := f.account(t, "sybil", "")
	f.model.set(`{"category":"PORN","confidence":0.9,"reason":"explicit"}`, 200)

	adm, err := f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
	require.NoError(t, err)

	out, err := f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Strike)

	// the queue re-delivers after crashes and timeouts; the second run must
	// be a no-op, not a second strike
	out, err = f.eng.Process(ctx, adm.Upload.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Strike)
	assert.Nil(t, out.Rejection)

	var strikes, snaps, freezes int64
	require.NoError(t, f.db.Model(&models.StrikeRecord{}).Where("account_id = ?", acct.ID).Count(&strikes).Error)
	require.NoError(t, f.db.Model(&models.AnalysisSnapshot{}).Where("media_upload_id = ?", adm.Upload.ID).Count(&snaps).Error)
	require.NoError(t, f.db.Model(&models.FreezeRecord{}).Where("account_id = ?", acct.ID).Count(&freezes).Error)
	assert.Equal(t, int64(1), strikes)
	assert.Equal(t, int64(1), snaps)
	assert.Equal(t, int64(1), freezes)

	var fresh models.Account
	require.NoError(t, f.db.First(&fresh, acct.ID).Error)
	assert.Equal(t, int64(1), fresh.PornStrikeCount)
	require.NotNil(t, fresh.FrozenUntil)
	// a first strike freezes for a day; a stacked one would escalate
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *fresh.FrozenUntil, 5*time.Second)
}

func TestAdmitConcurrentQuotaRace(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	// a shared in-memory sqlite handle; each pool connection would otherwise
	// open its own empty database
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	// clamp the quota so exactly one of the two uploads fits
	f.eng.Quota.Config.MinQuotaBytes = 1<<20 + 512<<10
	f.eng.Quota.Config.MaxQuotaBytes = 1<<20 + 512<<10
	acct := f.account(t, "trudy", "")
	f.model.set(`{"category":"SAFE","confidence":0.9,"reason":"ok"}`, 200)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.Admit(ctx, imageRequest(acct.ID, writeImage(t)))
		}(i)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		var qe *quota.ExceededError
		require.ErrorAs(t, err, &qe)
		rejected++
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, rejected)

	var n int64
	require.NoError(t, f.db.Model(&models.MediaUpload{}).Where("account_id = ?", acct.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestAdmitSniffsStoredFile(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "ursula", "")

	// an executable dressed up as an image; the caller sent no prefix, so
	// admission reads it from the stored file
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, append([]byte{'M', 'Z', 0x90, 0x00}, make([]byte, 64)...), 0644))

	req := imageRequest(acct.ID, path)
	require.Empty(t, req.Head)

	_, err := f.eng.Admit(ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "do not match")
}

func TestBlockedDomainStrikeNote(t *testing.T) {
	ctx := context.TODO()
	f := setup(t)
	acct := f.account(t, "rita", "")
	f.eng.Blocklist.AddLocal("nazis.example", blocklist.TierHard, "extremism")

	req := imageRequest(acct.ID, writeImage(t))
	req.Kind = "text"
	req.Text = fmt.Sprintf("read https://%s/manifesto", "nazis.example")

	_, err := f.eng.Admit(ctx, req)
	var be *BlockedDomainError
	require.ErrorAs(t, err, &be)

	var strike models.StrikeRecord
	require.NoError(t, f.db.First(&strike, "account_id = ?", acct.ID).Error)
	assert.Equal(t, models.ViolationHate, strike.ViolationType)
	assert.Contains(t, strike.AIReason, "nazis.example")
}
