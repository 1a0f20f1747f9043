// Package blocklist maintains categorized domain blocklists with hard and
// soft tiers, aggregated from a hardcoded critical set, periodically-fetched
// remote sources, and a locally curated list.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fedimod/warden/models"

	"gorm.io/gorm"
)

// Tier of a block decision. Hard blocks are unconditionally rejected; soft
// blocks are allowed but must carry a content warning.
type Tier string

const (
	TierNone = Tier("none")
	TierHard = Tier("hard")
	TierSoft = Tier("soft")
)

// CheckResult is the answer to a single domain block-status query.
type CheckResult struct {
	Domain   string `json:"domain"`
	Blocked  bool   `json:"blocked"`
	Tier     Tier   `json:"tier"`
	Category string `json:"category,omitempty"`
}

// Engine answers block-status queries from in-memory sets and refreshes the
// dynamic sets from remote sources. The check path never blocks on a fetch;
// a failed refresh leaves the previous (stale) sets in place.
type Engine struct {
	Logger  *slog.Logger
	Fetcher *Fetcher
	Sources []Source
	// merged lists are cached in blocklist_entries rows so restarts don't
	// start empty; nil disables persistence
	DB       *gorm.DB
	CacheTTL time.Duration

	mu          sync.RWMutex
	hard        map[string]string // domain -> category
	soft        map[string]string
	local       map[string]localEntry
	lastRefresh time.Time
}

type localEntry struct {
	tier     Tier
	category string
}

func NewEngine(logger *slog.Logger, sources []Source, db *gorm.DB) *Engine {
	if logger == nil {
		logger = slog.Default().With("system", "blocklist")
	}
	eng := &Engine{
		Logger:   logger,
		Fetcher:  NewFetcher(logger),
		Sources:  sources,
		DB:       db,
		CacheTTL: time.Hour,
		hard:     make(map[string]string),
		soft:     make(map[string]string),
		local:    make(map[string]localEntry),
	}
	if db != nil {
		if err := eng.loadFromDB(); err != nil {
			logger.Warn("could not load persisted blocklist", "err", err)
		}
	}
	return eng
}

// NormalizeDomain lowercases, trims the trailing dot, and strips a leading
// "www." prefix.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "www.")
	return d
}

// Check answers the block status for one domain. Lookup order: hardcoded
// always-blocked set, then hard-tier dynamic list, then soft-tier. First
// match wins; hard beats soft. Matching is by label suffix: an entry for
// example.com also matches sub.example.com.
func (eng *Engine) Check(domain string) CheckResult {
	d := NormalizeDomain(domain)
	if d == "" {
		return CheckResult{Domain: domain, Blocked: false, Tier: TierNone}
	}

	eng.mu.RLock()
	defer eng.mu.RUnlock()

	for _, cand := range suffixCandidates(d) {
		if cat, ok := hardcodedDomains[cand]; ok {
			return CheckResult{Domain: d, Blocked: true, Tier: TierHard, Category: cat}
		}
	}
	for _, cand := range suffixCandidates(d) {
		if le, ok := eng.local[cand]; ok && le.tier == TierHard {
			return CheckResult{Domain: d, Blocked: true, Tier: TierHard, Category: le.category}
		}
		if cat, ok := eng.hard[cand]; ok {
			return CheckResult{Domain: d, Blocked: true, Tier: TierHard, Category: cat}
		}
	}
	for _, cand := range suffixCandidates(d) {
		if le, ok := eng.local[cand]; ok && le.tier == TierSoft {
			return CheckResult{Domain: d, Blocked: true, Tier: TierSoft, Category: le.category}
		}
		if cat, ok := eng.soft[cand]; ok {
			return CheckResult{Domain: d, Blocked: true, Tier: TierSoft, Category: cat}
		}
	}
	return CheckResult{Domain: d, Blocked: false, Tier: TierNone}
}

// CheckURL parses a URL and checks its hostname. Unparsable URLs are not
// blocked (the text may not even be a link).
func (eng *Engine) CheckURL(raw string) CheckResult {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Domain: raw, Blocked: false, Tier: TierNone}
	}
	return eng.Check(u.Hostname())
}

// suffixCandidates lists the label-boundary suffixes of a domain, most
// specific first; bare TLDs are excluded.
func suffixCandidates(domain string) []string {
	labels := strings.Split(domain, ".")
	var out []string
	for i := 0; i < len(labels)-1; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	if len(labels) == 1 {
		out = append(out, domain)
	}
	return out
}

// AddLocal adds a curated entry which survives refreshes and restarts.
func (eng *Engine) AddLocal(domain string, tier Tier, category string) {
	d := NormalizeDomain(domain)
	if d == "" {
		return
	}
	eng.mu.Lock()
	eng.local[d] = localEntry{tier: tier, category: category}
	eng.mu.Unlock()

	if eng.DB != nil {
		err := eng.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Unscoped().Where("domain = ? AND local = ?", d, true).Delete(&models.BlocklistEntry{}).Error; err != nil {
				return err
			}
			return tx.Create(&models.BlocklistEntry{Domain: d, Tier: string(tier), Category: category, Local: true}).Error
		})
		if err != nil {
			eng.Logger.Warn("could not persist local blocklist entry", "domain", d, "err", err)
		}
	}
}

// RemoveLocal removes a curated entry. Hardcoded and source-derived entries
// are unaffected.
func (eng *Engine) RemoveLocal(domain string) {
	d := NormalizeDomain(domain)
	eng.mu.Lock()
	delete(eng.local, d)
	eng.mu.Unlock()

	if eng.DB != nil {
		if err := eng.DB.Unscoped().Where("domain = ? AND local = ?", d, true).Delete(&models.BlocklistEntry{}).Error; err != nil {
			eng.Logger.Warn("could not remove persisted local blocklist entry", "domain", d, "err", err)
		}
	}
}

// Stale reports whether the dynamic lists are older than the cache TTL.
func (eng *Engine) Stale() bool {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	return time.Since(eng.lastRefresh) > eng.CacheTTL
}

// Refresh fetches every configured source, merges the results into
// deduplicated per-tier sets, and swaps them in. A source fetch failure is
// logged and skipped; the refresh still succeeds with the remaining sources,
// and a total failure leaves the previous sets untouched.
func (eng *Engine) Refresh(ctx context.Context) error {
	eng.Logger.Info("starting blocklist refresh", "sources", len(eng.Sources))

	newHard := make(map[string]string)
	newSoft := make(map[string]string)
	var fetched, failed int

	for _, src := range eng.Sources {
		domains, err := eng.Fetcher.Fetch(ctx, src)
		if err != nil {
			eng.Logger.Error("blocklist source fetch failed", "source", src.Name, "err", err)
			refreshSourceErrors.WithLabelValues(src.Name).Inc()
			failed++
			continue
		}
		fetched++
		for _, d := range domains {
			switch src.Tier {
			case TierHard:
				newHard[d] = src.Category
			case TierSoft:
				if _, isHard := newHard[d]; !isHard {
					newSoft[d] = src.Category
				}
			}
		}
		eng.Logger.Info("fetched blocklist source", "source", src.Name, "domains", len(domains))
	}

	if fetched == 0 && len(eng.Sources) > 0 {
		return fmt.Errorf("all %d blocklist sources failed", failed)
	}

	// hard beats soft across sources too
	for d := range newHard {
		delete(newSoft, d)
	}

	eng.mu.Lock()
	eng.hard = newHard
	eng.soft = newSoft
	eng.lastRefresh = time.Now()
	eng.mu.Unlock()

	refreshCount.Inc()
	hardDomainsGauge.Set(float64(len(newHard)))
	softDomainsGauge.Set(float64(len(newSoft)))

	if eng.DB != nil {
		if err := eng.persistToDB(newHard, newSoft); err != nil {
			eng.Logger.Warn("could not persist blocklist", "err", err)
		}
	}

	eng.Logger.Info("blocklist refresh complete", "hard", len(newHard), "soft", len(newSoft), "failed_sources", failed)
	return nil
}

// RefreshIfStale is the scheduled entry point: a no-op while the cached
// lists are fresh.
func (eng *Engine) RefreshIfStale(ctx context.Context) error {
	if !eng.Stale() {
		return nil
	}
	return eng.Refresh(ctx)
}

// Stats for the admin API.
type Stats struct {
	HardcodedCount int        `json:"hardcoded_count"`
	HardCount      int        `json:"hard_count"`
	SoftCount      int        `json:"soft_count"`
	LocalCount     int        `json:"local_count"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
	Sources        []string   `json:"sources"`
}

func (eng *Engine) Stats() Stats {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	var names []string
	for _, s := range eng.Sources {
		names = append(names, s.Name)
	}
	st := Stats{
		HardcodedCount: len(hardcodedDomains),
		HardCount:      len(eng.hard),
		SoftCount:      len(eng.soft),
		LocalCount:     len(eng.local),
		Sources:        names,
	}
	if !eng.lastRefresh.IsZero() {
		lr := eng.lastRefresh
		st.LastRefresh = &lr
	}
	return st
}

// persistToDB replaces the cached source-derived rows with the freshly
// merged sets. Local rows are managed by AddLocal/RemoveLocal and untouched.
func (eng *Engine) persistToDB(hard, soft map[string]string) error {
	return eng.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("local = ?", false).Delete(&models.BlocklistEntry{}).Error; err != nil {
			return err
		}
		rows := make([]models.BlocklistEntry, 0, len(hard)+len(soft))
		for d, cat := range hard {
			rows = append(rows, models.BlocklistEntry{Domain: d, Tier: string(TierHard), Category: cat})
		}
		for d, cat := range soft {
			rows = append(rows, models.BlocklistEntry{Domain: d, Tier: string(TierSoft), Category: cat})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

func (eng *Engine) loadFromDB() error {
	var rows []models.BlocklistEntry
	if err := eng.DB.Find(&rows).Error; err != nil {
		return err
	}

	hard := make(map[string]string)
	soft := make(map[string]string)
	local := make(map[string]localEntry)
	for _, row := range rows {
		if row.Local {
			local[row.Domain] = localEntry{tier: Tier(row.Tier), category: row.Category}
			continue
		}
		switch Tier(row.Tier) {
		case TierHard:
			hard[row.Domain] = row.Category
		case TierSoft:
			soft[row.Domain] = row.Category
		}
	}

	eng.mu.Lock()
	eng.hard = hard
	eng.soft = soft
	eng.local = local
	eng.mu.Unlock()
	eng.Logger.Info("loaded persisted blocklist", "hard", len(hard), "soft", len(soft), "local", len(local))
	return nil
}
