package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var fixedNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	sites    []store.Site
	logs     []store.SyncLogEntry
	since    time.Time
	limit    int
	sitesErr error
	logsErr  error
}

func (f *fakeSource) ListSites(_ context.Context, enabledOnly bool) ([]store.Site, error) {
	if f.sitesErr != nil {
		return nil, f.sitesErr
	}
	var out []store.Site
	for _, s := range f.sites {
		if !enabledOnly || s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) RecentSyncLogs(_ context.Context, since time.Time, limit int) ([]store.SyncLogEntry, error) {
	f.since, f.limit = since, limit
	return f.logs, f.logsErr
}

func newTestCollector(src Source) *Collector {
	c := NewCollector(src)
	c.now = func() time.Time { return fixedNow }
	return c
}

func ago(d time.Duration) *time.Time {
	t := fixedNow.Add(-d)
	return &t
}

func TestCollector_Collect(t *testing.T) {
	src := &fakeSource{
		sites: []store.Site{
			{Code: "LAW", Enabled: true, LastIncrementalSync: ago(2 * time.Hour)},
			{Code: "MOH", Enabled: true, LastFullSync: ago(72 * time.Hour), LastIncrementalSync: ago(60 * time.Hour)},
			{Code: "NEW", Enabled: true},
			{Code: "OFF", Enabled: false},
		},
		// Newest first.
		logs: []store.SyncLogEntry{
			{SiteCode: "LAW", SyncType: store.SyncIncremental, Status: store.StatusFailed, RecordsFailed: 3},
			{SiteCode: "MOH", SyncType: store.SyncIncremental, Status: store.StatusSuccess},
			{SiteCode: "LAW", SyncType: store.SyncIncremental, Status: store.StatusSuccess, RecordsFailed: 1},
			{SiteCode: "MOH", SyncType: store.SyncFull, Status: store.StatusFailed},
			{SiteCode: "LAW", SyncType: store.SyncImport, Status: store.StatusFailed},
		},
	}

	snap, err := newTestCollector(src).Collect(context.Background(), 24, 48*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, fixedNow.Add(-24*time.Hour), src.since)
	assert.Equal(t, maxLogEntries, src.limit)
	assert.Equal(t, 4, snap.SyncTotal)
	assert.Equal(t, 2, snap.SyncFailed)
	assert.Equal(t, 2, snap.SyncSucceeded)
	assert.InDelta(t, 0.5, snap.SyncFailRate, 1e-9)
	assert.Equal(t, 4, snap.RecordsFailed)
	assert.Equal(t, []string{"LAW"}, snap.FailedSites)
	assert.Equal(t, []string{"MOH", "NEW"}, snap.StaleSites)
	assert.Equal(t, 3, snap.EnabledSites)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_StaleDisabled(t *testing.T) {
	src := &fakeSource{sites: []store.Site{{Code: "NEW", Enabled: true}}}

	snap, err := newTestCollector(src).Collect(context.Background(), 24, 0)
	require.NoError(t, err)
	assert.Empty(t, snap.StaleSites)
	assert.Zero(t, snap.SyncFailRate)
}

func TestCollector_Errors(t *testing.T) {
	_, err := newTestCollector(&fakeSource{logsErr: errors.New("boom")}).Collect(context.Background(), 24, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recent sync logs")

	_, err = newTestCollector(&fakeSource{sitesErr: errors.New("boom")}).Collect(context.Background(), 24, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list sites")
}
