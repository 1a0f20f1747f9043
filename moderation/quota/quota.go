// Package quota implements the fair-share storage quota: a capped pool of
// total disk capacity divided among active local accounts, recalculated as
// the population changes, plus daily-size and hourly-count upload limits.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/cachestore"

	"gorm.io/gorm"
)

// Config is immutable after construction.
type Config struct {
	// share of total disk capacity available for user uploads
	CapPercent int
	// per-user clamp bounds
	MinQuotaBytes int64
	MaxQuotaBytes int64
	// 0 means "confirmed, non-suspended" definition; >0 additionally requires
	// activity within the window
	ActiveWindowDays int
	DailyLimitBytes  int64
	HourlyLimit      int
	// filesystem path whose device capacity backs the pool
	MediaPath string
	// TTL for the expensive inputs (disk stat, active-user count)
	CacheTTL time.Duration
}

func DefaultConfig(mediaPath string) Config {
	return Config{
		CapPercent:      50,
		MinQuotaBytes:   50 << 20, // 50 MB
		MaxQuotaBytes:   10 << 30, // 10 GB
		DailyLimitBytes: 2 << 30,  // 2 GB
		HourlyLimit:     20,
		MediaPath:       mediaPath,
		CacheTTL:        5 * time.Minute,
	}
}

// Result carries the quota numbers plus the fair-share context (pool size,
// active user count) so callers can explain to users why their quota moved.
type Result struct {
	Quota     int64   `json:"quota"`
	Used      int64   `json:"used"`
	Available int64   `json:"available"`
	Percent   float64 `json:"percent"`
	CanUpload bool    `json:"can_upload"`
	AtLimit   bool    `json:"at_limit"`

	ActiveUsers int64 `json:"active_users"`
	PoolTotal   int64 `json:"pool_total"`
	CapPercent  int   `json:"cap_percent"`
}

// Engine computes quotas. Quota arithmetic is always fresh; only the disk
// stat and active-user count are cached (short TTL, force-refreshable).
type Engine struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Config Config
	Cache  cachestore.CacheStore
	Disk   DiskStatser
}

func NewEngine(db *gorm.DB, config Config, cache cachestore.CacheStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default().With("system", "quota")
	}
	if cache == nil {
		cache = cachestore.NewMemCacheStore(64, config.CacheTTL)
	}
	return &Engine{
		DB:     db,
		Logger: logger,
		Config: config,
		Cache:  cache,
		Disk:   &StatfsDisk{},
	}
}

const cacheName = "quota"

// DiskTotal returns total capacity of the media filesystem, cached. Uses
// total size rather than free space so quotas stay stable across unrelated
// system I/O.
func (eng *Engine) DiskTotal(ctx context.Context) int64 {
	if v, err := eng.Cache.Get(ctx, cacheName, "disk_total"); err == nil && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	total, _, err := eng.Disk.Stat(eng.Config.MediaPath)
	if err != nil {
		eng.Logger.Warn("could not stat media disk, assuming 100GB", "err", err, "path", eng.Config.MediaPath)
		total = 100 << 30
	}
	_ = eng.Cache.Set(ctx, cacheName, "disk_total", strconv.FormatInt(int64(total), 10))
	return int64(total)
}

// ActiveUserCount counts confirmed, non-suspended local accounts (optionally
// within the recent-activity window), cached. Always at least 1.
func (eng *Engine) ActiveUserCount(ctx context.Context) int64 {
	if v, err := eng.Cache.Get(ctx, cacheName, "active_users"); err == nil && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	q := eng.DB.WithContext(ctx).Model(&models.Account{}).
		Where("confirmed = ?", true).
		Where("suspended = ?", false)
	if eng.Config.ActiveWindowDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -eng.Config.ActiveWindowDays)
		q = q.Where("last_active_at > ?", cutoff)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		eng.Logger.Warn("could not count active users", "err", err)
		count = 1
	}
	if count < 1 {
		count = 1
	}
	_ = eng.Cache.Set(ctx, cacheName, "active_users", strconv.FormatInt(count, 10))
	return count
}

// PoolTotal is the capped share of disk capacity available for uploads.
func (eng *Engine) PoolTotal(ctx context.Context) int64 {
	return eng.DiskTotal(ctx) * int64(eng.Config.CapPercent) / 100
}

// PerUserQuota divides the pool among active users and clamps the result.
func (eng *Engine) PerUserQuota(ctx context.Context) int64 {
	raw := eng.PoolTotal(ctx) / eng.ActiveUserCount(ctx)
	if raw < eng.Config.MinQuotaBytes {
		return eng.Config.MinQuotaBytes
	}
	if raw > eng.Config.MaxQuotaBytes {
		return eng.Config.MaxQuotaBytes
	}
	return raw
}

// UsageFor sums stored media sizes for the account. Exact, not estimated.
func (eng *Engine) UsageFor(ctx context.Context, accountID uint) (int64, error) {
	var used int64
	err := eng.DB.WithContext(ctx).Model(&models.MediaUpload{}).
		Where("account_id = ? AND deleted = ?", accountID, false).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).Error
	return used, err
}

// QuotaFor is the primary quota query for one account.
func (eng *Engine) QuotaFor(ctx context.Context, account *models.Account) (*Result, error) {
	used, err := eng.UsageFor(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("computing account usage: %w", err)
	}
	quota := eng.PerUserQuota(ctx)
	available := quota - used
	if available < 0 {
		available = 0
	}
	percent := 100.0
	if quota > 0 {
		percent = float64(used) / float64(quota) * 100
	}
	return &Result{
		Quota:       quota,
		Used:        used,
		Available:   available,
		Percent:     percent,
		CanUpload:   available > 0,
		AtLimit:     available == 0,
		ActiveUsers: eng.ActiveUserCount(ctx),
		PoolTotal:   eng.PoolTotal(ctx),
		CapPercent:  eng.Config.CapPercent,
	}, nil
}

// CheckUpload verifies storage, daily-size, and hourly-count limits for a
// prospective upload. Exempt roles always pass.
func (eng *Engine) CheckUpload(ctx context.Context, account *models.Account, fileSize int64) error {
	if fileSize < 0 {
		return fmt.Errorf("negative file size: %d", fileSize)
	}
	if account.Exempt() {
		return nil
	}

	res, err := eng.QuotaFor(ctx, account)
	if err != nil {
		return err
	}
	if res.Used+fileSize > res.Quota {
		return &ExceededError{
			Kind:      KindStorage,
			Used:      res.Used,
			Limit:     res.Quota,
			Requested: fileSize,
			Result:    res,
		}
	}

	daily, err := eng.dailyUploadBytes(ctx, account.ID)
	if err != nil {
		return err
	}
	if eng.Config.DailyLimitBytes > 0 && daily+fileSize > eng.Config.DailyLimitBytes {
		return &ExceededError{
			Kind:      KindDaily,
			Used:      daily,
			Limit:     eng.Config.DailyLimitBytes,
			Requested: fileSize,
		}
	}

	hourly, err := eng.uploadsLastHour(ctx, account.ID)
	if err != nil {
		return err
	}
	if eng.Config.HourlyLimit > 0 && hourly >= int64(eng.Config.HourlyLimit) {
		return &RateLimitedError{
			Uploads: hourly,
			Limit:   int64(eng.Config.HourlyLimit),
		}
	}
	return nil
}

func (eng *Engine) dailyUploadBytes(ctx context.Context, accountID uint) (int64, error) {
	var total int64
	err := eng.DB.WithContext(ctx).Model(&models.MediaUpload{}).
		Where("account_id = ? AND created_at > ?", accountID, time.Now().Add(-24*time.Hour)).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	return total, err
}

func (eng *Engine) uploadsLastHour(ctx context.Context, accountID uint) (int64, error) {
	var count int64
	err := eng.DB.WithContext(ctx).Model(&models.MediaUpload{}).
		Where("account_id = ? AND created_at > ?", accountID, time.Now().Add(-1*time.Hour)).
		Count(&count).Error
	return count, err
}

// Refresh force-invalidates the cached inputs; the next read recomputes.
func (eng *Engine) Refresh(ctx context.Context) {
	_ = eng.Cache.Purge(ctx, cacheName, "disk_total")
	_ = eng.Cache.Purge(ctx, cacheName, "active_users")
}

// SystemStats for admin dashboards.
type SystemStats struct {
	DiskTotal    int64 `json:"disk_total"`
	PoolTotal    int64 `json:"pool_total"`
	CapPercent   int   `json:"cap_percent"`
	ActiveUsers  int64 `json:"active_users"`
	PerUserQuota int64 `json:"per_user_quota"`
	TotalUsed    int64 `json:"total_used"`
	MinQuota     int64 `json:"min_quota"`
	MaxQuota     int64 `json:"max_quota"`
}

func (eng *Engine) SystemStats(ctx context.Context) (*SystemStats, error) {
	var totalUsed int64
	err := eng.DB.WithContext(ctx).Model(&models.MediaUpload{}).
		Where("deleted = ?", false).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&totalUsed).Error
	if err != nil {
		return nil, err
	}
	return &SystemStats{
		DiskTotal:    eng.DiskTotal(ctx),
		PoolTotal:    eng.PoolTotal(ctx),
		CapPercent:   eng.Config.CapPercent,
		ActiveUsers:  eng.ActiveUserCount(ctx),
		PerUserQuota: eng.PerUserQuota(ctx),
		TotalUsed:    totalUsed,
		MinQuota:     eng.Config.MinQuotaBytes,
		MaxQuota:     eng.Config.MaxQuotaBytes,
	}, nil
}
