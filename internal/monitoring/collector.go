// Package monitoring evaluates sync health from the sync log and site
// metadata and delivers alerts to a webhook.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/velocityfibre/onemap-sync/internal/store"
)

// maxLogEntries bounds the sync log rows read per snapshot.
const maxLogEntries = 10000

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	// Sync runs within the lookback window. Imports are excluded.
	SyncTotal     int     `json:"sync_total"`
	SyncSucceeded int     `json:"sync_succeeded"`
	SyncFailed    int     `json:"sync_failed"`
	SyncFailRate  float64 `json:"sync_fail_rate"`
	RecordsFailed int     `json:"records_failed"`

	// FailedSites lists sites whose most recent run failed.
	FailedSites []string `json:"failed_sites,omitempty"`
	// StaleSites lists enabled sites with no sync inside the stale window.
	StaleSites   []string `json:"stale_sites,omitempty"`
	EnabledSites int      `json:"enabled_sites"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	ListSites(ctx context.Context, enabledOnly bool) ([]store.Site, error)
	RecentSyncLogs(ctx context.Context, since time.Time, limit int) ([]store.SyncLogEntry, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect builds a snapshot over the lookback window. Sites count as stale
// when neither their full nor incremental sync is newer than staleAfter.
func (c *Collector) Collect(ctx context.Context, lookbackHours int, staleAfter time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	entries, err := c.src.RecentSyncLogs(ctx, cutoff, maxLogEntries)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: recent sync logs")
	}

	// Entries arrive newest first, so the first row per site is its latest run.
	latest := make(map[string]string)
	for _, e := range entries {
		if e.SyncType == store.SyncImport {
			continue
		}
		snap.SyncTotal++
		snap.RecordsFailed += e.RecordsFailed
		if e.Status == store.StatusFailed {
			snap.SyncFailed++
		} else {
			snap.SyncSucceeded++
		}
		if _, ok := latest[e.SiteCode]; !ok {
			latest[e.SiteCode] = e.Status
		}
	}
	if snap.SyncTotal > 0 {
		snap.SyncFailRate = float64(snap.SyncFailed) / float64(snap.SyncTotal)
	}
	for site, status := range latest {
		if status == store.StatusFailed {
			snap.FailedSites = append(snap.FailedSites, site)
		}
	}
	sort.Strings(snap.FailedSites)

	sites, err := c.src.ListSites(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sites")
	}
	snap.EnabledSites = len(sites)
	if staleAfter > 0 {
		staleCutoff := now.Add(-staleAfter)
		for _, s := range sites {
			last := lastSync(s)
			if last == nil || last.Before(staleCutoff) {
				snap.StaleSites = append(snap.StaleSites, s.Code)
			}
		}
		sort.Strings(snap.StaleSites)
	}

	return snap, nil
}

func lastSync(s store.Site) *time.Time {
	last := s.LastFullSync
	if s.LastIncrementalSync != nil && (last == nil || s.LastIncrementalSync.After(*last)) {
		last = s.LastIncrementalSync
	}
	return last
}
