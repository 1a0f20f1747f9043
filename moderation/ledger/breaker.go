package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/util"

	"gorm.io/gorm"
)

// Notifier delivers instance-level alerts to admins. Implementations should
// not block for long; failures are logged, never propagated into the
// moderation saga.
type Notifier interface {
	SendAlert(ctx context.Context, subject string, body string) error
}

// SlackNotifier posts alerts to a Slack (or compatible) incoming webhook.
type SlackNotifier struct {
	SlackWebhookURL string
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) SendAlert(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(SlackWebhookBody{Text: fmt.Sprintf("*%s*\n%s", subject, body)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", n.SlackWebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	client := util.RobustHTTPClient()
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != 200 || string(respBody) != "ok" {
		return fmt.Errorf("webhook request failed statusCode=%d", resp.StatusCode)
	}
	return nil
}

// LogNotifier is the default when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) SendAlert(ctx context.Context, subject, body string) error {
	n.Logger.Warn("admin alert", "subject", subject, "body", body)
	return nil
}

// Breaker is the instance-level circuit breaker: when the count of
// unresolved strikes crosses the configured threshold, the whole instance is
// frozen for new uploads until moderators work the queue back down.
type Breaker struct {
	DB       *gorm.DB
	Ledger   *Ledger
	Logger   *slog.Logger
	Notifier Notifier
	// optional; freeze and unfreeze transitions are audited when set
	Audit *audit.Logger
}

func NewBreaker(db *gorm.DB, ledger *Ledger, notifier Notifier, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default().With("system", "breaker")
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Breaker{DB: db, Ledger: ledger, Logger: logger, Notifier: notifier}
}

// Reassess recomputes the unresolved count fresh and flips the instance
// freeze flag if it crossed the threshold in either direction. Each state
// transition fires exactly one alert; repeated calls in the same state are
// no-ops. Callers run it after every strike record and every dismissal.
func (b *Breaker) Reassess(ctx context.Context) error {
	count, err := b.Ledger.UnresolvedCount(ctx)
	if err != nil {
		return fmt.Errorf("counting unresolved strikes: %w", err)
	}

	var transitioned bool
	var frozen bool
	var threshold int
	err = b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.InstanceState
		if err := tx.FirstOrCreate(&state, models.InstanceState{Model: gorm.Model{ID: 1}}).Error; err != nil {
			return err
		}
		threshold = state.AlarmThreshold
		if threshold <= 0 {
			threshold = 10
		}

		shouldFreeze := state.InstanceFreezeEnabled && count >= int64(threshold)
		if shouldFreeze == state.InstanceFrozen {
			frozen = state.InstanceFrozen
			return nil
		}

		state.InstanceFrozen = shouldFreeze
		if shouldFreeze {
			now := time.Now()
			state.InstanceFrozenAt = &now
		} else {
			state.InstanceFrozenAt = nil
		}
		transitioned = true
		frozen = shouldFreeze
		return tx.Save(&state).Error
	})
	if err != nil {
		return err
	}

	if frozen {
		instanceFrozenGauge.Set(1)
	} else {
		instanceFrozenGauge.Set(0)
	}
	if !transitioned {
		return nil
	}

	if b.Audit != nil {
		b.Audit.InstanceFreezeToggle(ctx, frozen, count)
	}
	if frozen {
		b.Logger.Error("instance frozen: unresolved violations over threshold", "unresolved", count, "threshold", threshold)
		b.notify(ctx, "INSTANCE FROZEN",
			fmt.Sprintf("Unresolved violations (%d) reached the alarm threshold (%d). New uploads are rejected until the moderation queue is worked down.", count, threshold))
	} else {
		b.Logger.Info("instance unfrozen: moderation queue back under threshold", "unresolved", count, "threshold", threshold)
		b.notify(ctx, "Instance unfrozen",
			fmt.Sprintf("Unresolved violations (%d) are back under the alarm threshold (%d). Uploads are accepted again.", count, threshold))
	}
	return nil
}

// InstanceFrozen reports the current breaker state for the upload fast path.
func (b *Breaker) InstanceFrozen(ctx context.Context) (bool, error) {
	state, err := b.Ledger.GetInstanceState(ctx)
	if err != nil {
		return false, err
	}
	return state.InstanceFrozen, nil
}

func (b *Breaker) notify(ctx context.Context, subject, body string) {
	if err := b.Notifier.SendAlert(ctx, subject, body); err != nil {
		b.Logger.Error("failed to send admin alert", "subject", subject, "err", err)
	}
}
