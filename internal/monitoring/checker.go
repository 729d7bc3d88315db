package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/config"
)

// Report is the outcome of one health check.
type Report struct {
	Snapshot *MetricsSnapshot
	Alerts   []Alert
	// Notified is true when the alerts reached the webhook.
	Notified bool
}

// Healthy reports whether the check raised no alerts.
func (r *Report) Healthy() bool { return len(r.Alerts) == 0 }

// Checker ties collection, rule evaluation and notification together.
type Checker struct {
	collector *Collector
	notifier  *Notifier
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a Checker reading from src and posting to
// cfg.WebhookURL.
func NewChecker(src Source, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: NewCollector(src),
		notifier:  NewNotifier(cfg.WebhookURL),
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Check runs one pass. A webhook failure is logged and leaves Notified false;
// only a failure to read the store is returned.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours, time.Duration(c.cfg.StaleAfterHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	rep := &Report{Snapshot: snap, Alerts: Evaluate(snap, c.cfg)}
	if rep.Healthy() {
		c.log.Debug("sync health ok", zap.Int("runs", snap.SyncTotal))
		return rep, nil
	}

	for _, a := range rep.Alerts {
		c.log.Warn("alert raised",
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.String("site", a.Site),
			zap.String("message", a.Message),
		)
	}

	if c.notifier.Enabled() {
		if err := c.notifier.Notify(ctx, snap, rep.Alerts); err != nil {
			c.log.Error("alert delivery failed", zap.Error(err))
		} else {
			rep.Notified = true
		}
	}
	return rep, nil
}

// Run checks immediately and then every CheckIntervalSecs until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("health checks started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("health check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			c.log.Info("health checks stopped")
			return
		case <-ticker.C:
		}
	}
}
