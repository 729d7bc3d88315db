// Package hldimport loads drops from a project tracker workbook into the
// installations store using the same change detection as a OneMap sync.
package hldimport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/drops"
	"github.com/velocityfibre/onemap-sync/internal/store"
)

// Options selects the workbook and target site.
type Options struct {
	SiteCode string
	Path     string
	Sheet    string
	DryRun   bool
}

// Result counts what an import did.
type Result struct {
	SiteCode  string        `json:"site_code"`
	Rows      int           `json:"rows"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Poles     int           `json:"poles"`
	Duration  time.Duration `json:"duration"`
}

// Importer writes workbook rows through the drops upserter.
type Importer struct {
	store store.Store
	log   *zap.Logger
}

// NewImporter creates an Importer.
func NewImporter(st store.Store) *Importer {
	return &Importer{
		store: st,
		log:   zap.L().With(zap.String("component", "hldimport")),
	}
}

// Import reads the workbook and applies every row to the site. Existing
// rows are never deleted. A sync log row is written unless DryRun is set.
func (im *Importer) Import(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now().UTC()
	code := strings.ToUpper(strings.TrimSpace(opts.SiteCode))
	log := im.log.With(zap.String("site", code), zap.String("file", opts.Path))

	site, err := im.store.GetSite(ctx, code)
	if err != nil {
		return nil, eris.Wrapf(err, "hldimport: site %s", code)
	}

	rows, err := ReadSheet(opts.Path, opts.Sheet)
	if err != nil {
		return nil, err
	}
	log.Info("read workbook", zap.Int("rows", len(rows)))

	res := &Result{SiteCode: code, Rows: len(rows)}
	if opts.DryRun {
		for _, r := range rows {
			if drops.Validate(r.Record(code)) != nil {
				res.Failed++
			}
		}
		res.Duration = time.Since(start)
		log.Info("dry run: would import rows", zap.Int("valid", res.Rows-res.Failed), zap.Int("invalid", res.Failed))
		return res, nil
	}

	err = im.apply(ctx, site, rows, res, log)
	res.Duration = time.Since(start)

	entry := &store.SyncLogEntry{
		SyncType:         store.SyncImport,
		SiteCode:         code,
		RecordsFetched:   res.Rows,
		RecordsCreated:   res.Created,
		RecordsUpdated:   res.Updated,
		RecordsUnchanged: res.Unchanged,
		RecordsFailed:    res.Failed,
		RecordsSkipped:   res.Skipped,
		DurationSeconds:  res.Duration.Seconds(),
		Status:           store.StatusSuccess,
		StartedAt:        start,
		CompletedAt:      start.Add(res.Duration),
	}
	if err != nil {
		msg := err.Error()
		entry.Status = store.StatusFailed
		entry.ErrorMessage = &msg
	}
	if logErr := im.store.InsertSyncLog(context.WithoutCancel(ctx), entry); logErr != nil {
		log.Error("failed to write sync log", zap.Error(logErr))
	}
	if err != nil {
		return res, err
	}

	log.Info("import complete",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("failed", res.Failed),
		zap.Int("poles", res.Poles),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (im *Importer) apply(ctx context.Context, site *store.Site, rows []Row, res *Result, log *zap.Logger) error {
	up := drops.NewUpserter(im.store, site.ID, false)
	if err := up.Preload(ctx); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(rows))
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "hldimport: cancelled")
		}
		rec := r.Record(site.Code)
		if err := drops.Validate(rec); err != nil {
			res.Failed++
			log.Debug("invalid row", zap.Int("row", i+2), zap.Error(err))
			continue
		}
		dr := strings.TrimSpace(rec.DRP)
		if _, dup := seen[dr]; dup {
			res.Skipped++
			continue
		}
		seen[dr] = struct{}{}

		action, err := up.Apply(ctx, rec)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			res.Failed++
			log.Warn("failed to store row", zap.Int("row", i+2), zap.String("dr", dr), zap.Error(err))
			continue
		}
		switch action {
		case drops.ActionCreated:
			res.Created++
		case drops.ActionUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	poles := up.Poles()
	res.Poles = len(poles)
	if err := im.store.SyncPoles(ctx, site.ID, poles); err != nil {
		return eris.Wrap(err, "hldimport: refresh poles")
	}
	total, err := im.store.CountInstallations(ctx, site.ID)
	if err != nil {
		return eris.Wrap(err, "hldimport: count installations")
	}
	return eris.Wrap(im.store.UpdateSiteSync(ctx, site.ID, store.SyncImport, total), "hldimport: update site")
}
