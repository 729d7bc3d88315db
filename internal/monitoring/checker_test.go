package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityfibre/onemap-sync/internal/config"
	"github.com/velocityfibre/onemap-sync/internal/store"
)

func newTestChecker(src Source, cfg config.MonitoringConfig) *Checker {
	c := NewChecker(src, cfg)
	c.collector = newTestCollector(src)
	return c
}

func TestChecker_Check(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:           srv.URL,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.25,
		StaleAfterHours:      48,
	}
	src := &fakeSource{
		sites: []store.Site{{Code: "LAW", Enabled: true, LastIncrementalSync: ago(time.Hour)}},
		logs:  []store.SyncLogEntry{{SiteCode: "LAW", SyncType: store.SyncIncremental, Status: store.StatusFailed}},
	}

	rep, err := newTestChecker(src, cfg).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Alerts, 1)
	assert.Equal(t, AlertSiteSyncFailure, rep.Alerts[0].Type)
	assert.Equal(t, 1, rep.Snapshot.SyncFailed)
	assert.True(t, rep.Notified)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChecker_WebhookDownStillReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, LookbackWindowHours: 24, StaleAfterHours: 48}
	src := &fakeSource{sites: []store.Site{{Code: "MOH", Enabled: true}}}

	rep, err := newTestChecker(src, cfg).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Alerts, 1)
	assert.Equal(t, AlertStaleSite, rep.Alerts[0].Type)
	assert.False(t, rep.Notified)
}

func TestChecker_Healthy(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.25, StaleAfterHours: 48}
	src := &fakeSource{
		sites: []store.Site{{Code: "LAW", Enabled: true, LastIncrementalSync: ago(time.Hour)}},
		logs:  []store.SyncLogEntry{{SiteCode: "LAW", SyncType: store.SyncIncremental, Status: store.StatusSuccess}},
	}

	rep, err := newTestChecker(src, cfg).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
	assert.False(t, rep.Notified)
	assert.Equal(t, 1, rep.Snapshot.SyncSucceeded)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600}
	c := newTestChecker(&fakeSource{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}
