package monitoring

import (
	"fmt"
	"time"

	"github.com/velocityfibre/onemap-sync/internal/config"
)

// AlertType identifies the rule that raised an alert.
type AlertType string

const (
	AlertSyncFailureRate AlertType = "sync_failure_rate"
	AlertSiteSyncFailure AlertType = "site_sync_failure"
	AlertStaleSite       AlertType = "stale_site"
)

// Severity ranks alerts for the receiving channel.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// minRunsForRate keeps one failed run out of three from paging anyone.
const minRunsForRate = 3

// Alert is one breached rule. Site is empty for fleet-wide alerts.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Site     string    `json:"site,omitempty"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// Evaluate applies the monitoring rules to snap. Fleet-wide alerts come first,
// then one alert per failed site, then one per stale site.
func Evaluate(snap *MetricsSnapshot, cfg config.MonitoringConfig) []Alert {
	var alerts []Alert
	raise := func(t AlertType, sev Severity, site, msg string) {
		alerts = append(alerts, Alert{Type: t, Severity: sev, Site: site, Message: msg, RaisedAt: snap.CollectedAt})
	}

	if snap.SyncTotal >= minRunsForRate && snap.SyncFailRate > cfg.FailureRateThreshold {
		raise(AlertSyncFailureRate, SeverityCritical, "", fmt.Sprintf(
			"%d of %d sync runs failed in the last %dh (%.1f%%, threshold %.1f%%)",
			snap.SyncFailed, snap.SyncTotal, snap.LookbackHours,
			snap.SyncFailRate*100, cfg.FailureRateThreshold*100,
		))
	}
	for _, code := range snap.FailedSites {
		raise(AlertSiteSyncFailure, SeverityWarning, code,
			fmt.Sprintf("latest sync of %s failed", code))
	}
	for _, code := range snap.StaleSites {
		raise(AlertStaleSite, SeverityWarning, code,
			fmt.Sprintf("%s has not synced in %dh", code, cfg.StaleAfterHours))
	}
	return alerts
}
