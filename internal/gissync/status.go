package gissync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/velocityfibre/onemap-sync/internal/store"
)

const (
	statusLogWindow = 7 * 24 * time.Hour
	statusLogLimit  = 20
)

// SiteStatus pairs a site with its live installation count.
type SiteStatus struct {
	store.Site
	CurrentInstallations int `json:"current_installations"`
}

// Status is a snapshot of sites and recent sync activity.
type Status struct {
	Sites      []SiteStatus         `json:"sites"`
	RecentLogs []store.SyncLogEntry `json:"recent_logs"`
}

// Status loads every site with its cached and current drop counts alongside
// the last week of sync log entries.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	var out Status
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sites, err := e.store.ListSites(gctx, false)
		if err != nil {
			return eris.Wrap(err, "gissync: list sites")
		}
		statuses := make([]SiteStatus, len(sites))
		counts, cctx := errgroup.WithContext(gctx)
		counts.SetLimit(4)
		for i, site := range sites {
			statuses[i].Site = site
			counts.Go(func() error {
				n, err := e.store.CountInstallations(cctx, site.ID)
				if err != nil {
					return eris.Wrapf(err, "gissync: count installations for %s", site.Code)
				}
				statuses[i].CurrentInstallations = n
				return nil
			})
		}
		if err := counts.Wait(); err != nil {
			return err
		}
		out.Sites = statuses
		return nil
	})

	g.Go(func() error {
		logs, err := e.store.RecentSyncLogs(gctx, time.Now().UTC().Add(-statusLogWindow), statusLogLimit)
		if err != nil {
			return eris.Wrap(err, "gissync: recent sync logs")
		}
		out.RecentLogs = logs
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}
