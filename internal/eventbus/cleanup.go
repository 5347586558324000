package eventbus

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
)

// CleanupScheduler runs the daily WebhookMessageLog retention sweep
// (spec.md §4.12 "Logs older than 7 days are deleted by a daily timer").
// A genuinely calendar-scheduled job is the one place in this module where
// robfig/cron's descriptor syntax fits better than internal/tick.Driver's
// fixed-interval loop.
type CleanupScheduler struct {
	bus  *Bus
	cron *cron.Cron
}

func NewCleanupScheduler(b *Bus) *CleanupScheduler {
	return &CleanupScheduler{
		bus:  b,
		cron: cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}
}

func (c *CleanupScheduler) Start() error {
	if _, err := c.cron.AddFunc("@daily", c.run); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

func (c *CleanupScheduler) Stop() {
	c.cron.Stop()
}

func (c *CleanupScheduler) run() {
	ctx := context.Background()
	now := time.Now()

	logs, err := c.bus.Store.WebhookMessageLogs.Scan(ctx, func(l *domain.WebhookMessageLog) bool { return l.Expired(now) })
	if err != nil {
		logging.Op().Error("eventbus: scan expired webhook logs", "error", err)
		return
	}
	for _, l := range logs {
		if err := c.bus.Store.WebhookMessageLogs.Delete(ctx, l.WebhookID, l.EventID); err != nil {
			logging.Op().Error("eventbus: delete expired webhook log", "webhook_id", l.WebhookID, "event_id", l.EventID, "error", err)
			continue
		}
	}
	logging.Op().Info("eventbus: webhook log cleanup complete", "deleted", len(logs))
}
