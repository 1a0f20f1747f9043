package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedimod/warden/internal/ticker"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/moderation/engine"
	"github.com/fedimod/warden/moderation/ledger"
)

// startPeriodicJobs launches the recurring maintenance loops. Each task is
// wrapped so a transient failure is logged and retried on the next tick
// instead of killing the loop.
func startPeriodicJobs(ctx context.Context, eng *engine.Engine, brk *ledger.Breaker, sweeper *audit.Sweeper, logger *slog.Logger) {
	run := func(name string, interval time.Duration, task func(context.Context) error) {
		go func() {
			err := ticker.Periodically(ctx, interval, func(ctx context.Context) error {
				if err := task(ctx); err != nil {
					logger.Error("periodic job failed", "job", name, "err", err)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("periodic job loop exited", "job", name, "err", err)
			}
		}()
	}

	run("blocklist-refresh", time.Hour, func(ctx context.Context) error {
		return eng.Blocklist.RefreshIfStale(ctx)
	})

	run("freeze-expiry", time.Hour, func(ctx context.Context) error {
		expired, err := eng.Freeze.ExpireSweep(ctx, time.Now())
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info("expired freezes", "count", expired)
		}
		return nil
	})

	run("breaker-reassess", time.Hour, func(ctx context.Context) error {
		return brk.Reassess(ctx)
	})

	run("retention-sweep", 24*time.Hour, func(ctx context.Context) error {
		res, err := sweeper.Sweep(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.Info("retention sweep complete", "ipsAnonymized", res.IPsAnonymized, "snapshotsDeleted", res.SnapshotsDeleted, "strikesDeleted", res.StrikesDeleted)
		return nil
	})

	run("queue-prune", 6*time.Hour, func(ctx context.Context) error {
		eng.Queue.PruneTerminal()
		return nil
	})

	run("weekly-summary", 7*24*time.Hour, func(ctx context.Context) error {
		summary, err := eng.Ledger.Summarize(ctx, 7)
		if err != nil {
			return err
		}
		logger.Info("weekly moderation summary",
			"strikes", summary.Total,
			"unresolved", summary.Unresolved,
			"uniqueAccounts", summary.UniqueAccounts,
			"byType", summary.ByType,
		)
		body := fmt.Sprintf("strikes this week: %d (%d accounts), unresolved: %d", summary.Total, summary.UniqueAccounts, summary.Unresolved)
		return brk.Notifier.SendAlert(ctx, "Weekly moderation summary", body)
	})
}
