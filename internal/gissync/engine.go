// Package gissync pulls drop installations from OneMap into the local store,
// one site at a time, and records every run in the sync log.
package gissync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velocityfibre/onemap-sync/internal/config"
	"github.com/velocityfibre/onemap-sync/internal/drops"
	"github.com/velocityfibre/onemap-sync/internal/store"
	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

// ErrNoSites is returned when no enabled site matches the request.
var ErrNoSites = eris.New("gissync: no sites to sync")

// State is the lifecycle position of one site sync.
type State string

const (
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Progress reports one fetched page of a site.
type Progress struct {
	Site       string
	Page       int
	TotalPages int
	Records    int
}

// Percent is the share of pages fetched, rounded.
func (p Progress) Percent() int {
	if p.TotalPages <= 0 {
		return 100
	}
	return int(float64(p.Page)/float64(p.TotalPages)*100 + 0.5)
}

// Options controls a sync run.
type Options struct {
	// SiteCode restricts the run to one site. Empty means every enabled site.
	SiteCode string
	// MaxPages caps pages per site. Zero means no cap.
	MaxPages int
	// DryRun fetches and counts without writing anything.
	DryRun bool
	// FullSync rewrites every record regardless of checksum.
	FullSync   bool
	OnProgress func(Progress)
}

// SyncResult is the outcome of one site.
type SyncResult struct {
	SiteCode         string        `json:"site_code"`
	State            State         `json:"state"`
	Success          bool          `json:"success"`
	RecordsFetched   int           `json:"records_fetched"`
	RecordsCreated   int           `json:"records_created"`
	RecordsUpdated   int           `json:"records_updated"`
	RecordsUnchanged int           `json:"records_unchanged"`
	RecordsFailed    int           `json:"records_failed"`
	RecordsSkipped   int           `json:"records_skipped"`
	APICalls         int           `json:"api_calls"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// Summary aggregates a multi-site run.
type Summary struct {
	Sites          []SyncResult  `json:"sites"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	TotalFetched   int           `json:"total_fetched"`
	TotalCreated   int           `json:"total_created"`
	TotalUpdated   int           `json:"total_updated"`
	TotalUnchanged int           `json:"total_unchanged"`
	TotalFailed    int           `json:"total_failed"`
	TotalSkipped   int           `json:"total_skipped"`
	Duration       time.Duration `json:"duration"`
}

func (s *Summary) add(r SyncResult) {
	s.Sites = append(s.Sites, r)
	if r.Success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.TotalFetched += r.RecordsFetched
	s.TotalCreated += r.RecordsCreated
	s.TotalUpdated += r.RecordsUpdated
	s.TotalUnchanged += r.RecordsUnchanged
	s.TotalFailed += r.RecordsFailed
	s.TotalSkipped += r.RecordsSkipped
}

// breakerResetter is implemented by clients that guard searches with a
// circuit breaker. Failures from one site must not open it for the next.
type breakerResetter interface {
	ResetBreaker()
}

// Engine runs site syncs against one store and one OneMap client.
type Engine struct {
	store  store.Store
	client onemap.Client
	cfg    config.SyncConfig
	log    *zap.Logger
}

// NewEngine creates a sync engine.
func NewEngine(st store.Store, client onemap.Client, cfg config.SyncConfig) *Engine {
	return &Engine{
		store:  st,
		client: client,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "gissync")),
	}
}

// SyncAllSites authenticates once and syncs the selected sites in sequence.
// An authentication failure returns before any site is touched.
func (e *Engine) SyncAllSites(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	if opts.MaxPages == 0 {
		opts.MaxPages = e.cfg.MaxPages
	}

	if _, err := e.client.Authenticate(ctx); err != nil {
		return nil, eris.Wrap(err, "gissync: authenticate")
	}

	sites, err := e.store.EnabledSites(ctx, opts.SiteCode)
	if err != nil {
		return nil, eris.Wrap(err, "gissync: load sites")
	}
	if len(sites) == 0 {
		if opts.SiteCode != "" {
			return nil, eris.Wrapf(ErrNoSites, "gissync: site %s not found or not enabled", opts.SiteCode)
		}
		return nil, eris.Wrap(ErrNoSites, "gissync: no enabled sites found")
	}

	e.log.Info("starting sync",
		zap.Int("sites", len(sites)),
		zap.Bool("full", opts.FullSync),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("max_pages", opts.MaxPages),
	)

	summary := &Summary{}
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, eris.Wrap(err, "gissync: run cancelled")
		}
		summary.add(e.SyncSite(ctx, e.client, site, opts))
	}
	summary.Duration = time.Since(start)

	e.log.Info("sync complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("fetched", summary.TotalFetched),
		zap.Int("created", summary.TotalCreated),
		zap.Int("updated", summary.TotalUpdated),
		zap.Duration("elapsed", summary.Duration),
	)
	return summary, nil
}

// SyncSite fetches and applies every page for site. Failures are recorded in
// the result and the sync log rather than returned.
func (e *Engine) SyncSite(ctx context.Context, client onemap.Client, site store.Site, opts Options) SyncResult {
	start := time.Now().UTC()
	log := e.log.With(zap.String("site", site.Code))
	if r, ok := client.(breakerResetter); ok {
		r.ResetBreaker()
	}
	res := SyncResult{SiteCode: site.Code, State: StateFetching}

	syncType := store.SyncIncremental
	if opts.FullSync {
		syncType = store.SyncFull
	}

	var err error
	if opts.DryRun {
		err = e.countOnly(ctx, client, site, opts, &res)
	} else {
		err = e.apply(ctx, client, site, opts, syncType, &res, log)
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		log.Error("site sync failed",
			zap.Error(err),
			zap.Int("fetched", res.RecordsFetched),
			zap.Duration("elapsed", res.Duration),
		)
	} else {
		res.State = StateCompleted
		res.Success = true
		if opts.DryRun {
			log.Info("dry run: would process records", zap.Int("records", res.RecordsFetched))
		} else {
			log.Info("site sync complete",
				zap.Int("fetched", res.RecordsFetched),
				zap.Int("created", res.RecordsCreated),
				zap.Int("updated", res.RecordsUpdated),
				zap.Int("unchanged", res.RecordsUnchanged),
				zap.Int("failed", res.RecordsFailed),
				zap.Int("skipped", res.RecordsSkipped),
				zap.Duration("elapsed", res.Duration),
			)
		}
	}

	if !opts.DryRun {
		e.writeLog(ctx, syncType, start, res, log)
	}
	return res
}

// countOnly streams pages and counts records without touching the store.
func (e *Engine) countOnly(ctx context.Context, client onemap.Client, site store.Site, opts Options, res *SyncResult) error {
	return client.Pages(ctx, site.Query(), e.pageOptions(site, opts), func(p onemap.Page) error {
		res.APICalls++
		res.RecordsFetched += len(p.Records)
		return nil
	})
}

// apply runs the fetch/process pipeline and then refreshes site metadata.
// At most one page waits between the fetcher and the processor.
func (e *Engine) apply(ctx context.Context, client onemap.Client, site store.Site, opts Options, syncType store.SyncType, res *SyncResult, log *zap.Logger) error {
	up := drops.NewUpserter(e.store, site.ID, opts.FullSync)
	if err := up.Preload(ctx); err != nil {
		return err
	}

	pages := make(chan onemap.Page, 1)
	g, gctx := errgroup.WithContext(ctx)

	var apiCalls int
	g.Go(func() error {
		defer close(pages)
		return client.Pages(gctx, site.Query(), e.pageOptions(site, opts), func(p onemap.Page) error {
			apiCalls++
			select {
			case pages <- p:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	g.Go(func() error {
		seen := make(map[string]struct{})
		for p := range pages {
			res.State = StateProcessing
			res.RecordsFetched += len(p.Records)
			for _, rec := range p.Records {
				if err := e.process(gctx, up, site, rec, seen, res, log); err != nil {
					return err
				}
			}
		}
		return nil
	})

	err := g.Wait()
	res.APICalls = apiCalls
	if err != nil {
		return err
	}

	if err := e.store.SyncPoles(ctx, site.ID, up.Poles()); err != nil {
		return eris.Wrap(err, "gissync: refresh poles")
	}
	total, err := e.store.CountInstallations(ctx, site.ID)
	if err != nil {
		return eris.Wrap(err, "gissync: count installations")
	}
	if err := e.store.UpdateSiteSync(ctx, site.ID, syncType, total); err != nil {
		return eris.Wrap(err, "gissync: update site metadata")
	}
	return nil
}

// process applies one record. Only cancellation stops the site; every other
// record error is counted.
func (e *Engine) process(ctx context.Context, up *drops.Upserter, site store.Site, rec onemap.Record, seen map[string]struct{}, res *SyncResult, log *zap.Logger) error {
	if err := drops.Validate(rec); err != nil {
		res.RecordsFailed++
		log.Warn("invalid record", zap.String("prop_id", rec.PropID), zap.Error(err))
		return nil
	}

	dr := strings.TrimSpace(rec.DRP)
	if e.cfg.StrictSite && rec.Site != "" && !strings.EqualFold(strings.TrimSpace(rec.Site), site.Code) {
		res.RecordsSkipped++
		log.Debug("record belongs to another site", zap.String("dr", dr), zap.String("record_site", rec.Site))
		return nil
	}
	if _, dup := seen[dr]; dup {
		res.RecordsSkipped++
		log.Debug("duplicate drop number in run", zap.String("dr", dr))
		return nil
	}
	seen[dr] = struct{}{}

	action, err := up.Apply(ctx, rec)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		res.RecordsFailed++
		log.Warn("failed to store record", zap.String("dr", dr), zap.Error(err))
		return nil
	}

	switch action {
	case drops.ActionCreated:
		res.RecordsCreated++
	case drops.ActionUpdated:
		res.RecordsUpdated++
	default:
		res.RecordsUnchanged++
	}
	return nil
}

func (e *Engine) pageOptions(site store.Site, opts Options) onemap.PageOptions {
	po := onemap.PageOptions{MaxPages: opts.MaxPages}
	if po.MaxPages == 0 {
		po.MaxPages = e.cfg.MaxPages
	}
	if opts.OnProgress != nil {
		po.OnProgress = func(page, totalPages, records int) {
			opts.OnProgress(Progress{Site: site.Code, Page: page, TotalPages: totalPages, Records: records})
		}
	}
	return po
}

func (e *Engine) writeLog(ctx context.Context, syncType store.SyncType, start time.Time, res SyncResult, log *zap.Logger) {
	entry := &store.SyncLogEntry{
		SyncType:         syncType,
		SiteCode:         res.SiteCode,
		RecordsFetched:   res.RecordsFetched,
		RecordsCreated:   res.RecordsCreated,
		RecordsUpdated:   res.RecordsUpdated,
		RecordsUnchanged: res.RecordsUnchanged,
		RecordsFailed:    res.RecordsFailed,
		RecordsSkipped:   res.RecordsSkipped,
		APICalls:         res.APICalls,
		DurationSeconds:  res.Duration.Seconds(),
		Status:           store.StatusSuccess,
		StartedAt:        start,
		CompletedAt:      start.Add(res.Duration),
	}
	if !res.Success {
		entry.Status = store.StatusFailed
		msg := res.Error
		entry.ErrorMessage = &msg
	}

	// The run context may already be cancelled; the audit row still lands.
	if err := e.store.InsertSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("failed to write sync log", zap.Error(err))
	}
}
