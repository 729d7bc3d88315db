package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/velocityfibre/onemap-sync/internal/gissync"
	"github.com/velocityfibre/onemap-sync/internal/hldimport"
	"github.com/velocityfibre/onemap-sync/internal/monitoring"
	"github.com/velocityfibre/onemap-sync/internal/store"
)

func TestFormatSummary(t *testing.T) {
	s := &gissync.Summary{
		Sites: []gissync.SyncResult{
			{SiteCode: "LAW", State: gissync.StateCompleted, Success: true, RecordsFetched: 100, RecordsCreated: 40, RecordsUnchanged: 60, Duration: 2 * time.Second},
			{SiteCode: "MOH", State: gissync.StateFailed, Error: "onemap: unexpected status 502 Bad Gateway"},
		},
		Succeeded:      1,
		Failed:         1,
		TotalFetched:   100,
		TotalCreated:   40,
		TotalUnchanged: 60,
		Duration:       3 * time.Second,
	}

	var buf bytes.Buffer
	formatSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "SITE")
	assert.Contains(t, out, "LAW")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "502 Bad Gateway")
	assert.Contains(t, out, "1 ok / 1 failed")
}

func TestFormatStatus(t *testing.T) {
	full := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	msg := "gissync: refresh poles: database is locked"
	s := &gissync.Status{
		Sites: []gissync.SiteStatus{
			{Site: store.Site{Code: "LAW", Name: "Lawley", Enabled: true, TotalInstallations: 4200, LastFullSync: &full}, CurrentInstallations: 4210},
			{Site: store.Site{Code: "MOH", Name: "Mohadin"}},
		},
		RecentLogs: []store.SyncLogEntry{
			{SiteCode: "LAW", SyncType: store.SyncIncremental, Status: store.StatusFailed, StartedAt: full, DurationSeconds: 61, ErrorMessage: &msg},
		},
	}

	var buf bytes.Buffer
	formatStatus(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "Lawley")
	assert.Contains(t, out, "4210")
	assert.Contains(t, out, "4200")
	assert.Contains(t, out, "2025-03-01 06:00")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "incremental")
	assert.Contains(t, out, "1m1s")
	assert.Contains(t, out, "database is locked")
}

func TestFormatStatus_NoLogs(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, &gissync.Status{})
	assert.Contains(t, buf.String(), "No sync runs in the last 7 days.")
}

func TestFormatImportResult(t *testing.T) {
	r := &hldimport.Result{SiteCode: "LAW", Rows: 10, Created: 7, Unchanged: 1, Failed: 2, Poles: 3}

	var buf bytes.Buffer
	formatImportResult(&buf, r, false)
	assert.Contains(t, buf.String(), "LAW: 10 rows, 7 created")
	assert.Contains(t, buf.String(), "3 poles")

	buf.Reset()
	formatImportResult(&buf, r, true)
	assert.Equal(t, "LAW: would import 8 of 10 rows (2 invalid)\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestFormatCheck(t *testing.T) {
	snap := &monitoring.MetricsSnapshot{LookbackHours: 24, SyncTotal: 4, SyncFailed: 1, SyncFailRate: 0.25, EnabledSites: 2}

	var buf bytes.Buffer
	formatCheck(&buf, &monitoring.Report{Snapshot: snap})
	assert.Contains(t, buf.String(), "Last 24h: 4 runs, 1 failed (25.0%)")
	assert.Contains(t, buf.String(), "OK: no alerts")

	buf.Reset()
	formatCheck(&buf, &monitoring.Report{
		Snapshot: snap,
		Alerts:   []monitoring.Alert{{Type: monitoring.AlertStaleSite, Severity: monitoring.SeverityWarning, Site: "MOH", Message: "MOH has not synced in 48h"}},
		Notified: true,
	})
	assert.Contains(t, buf.String(), "[warning] stale_site: MOH has not synced in 48h")
	assert.Contains(t, buf.String(), "1 alert(s) sent to webhook")
}
