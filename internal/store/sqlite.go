package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore implements Store on a single-connection SQLite database.
// Serializing every statement through one connection makes the
// read-then-write installation upsert safe.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSiteColumns = `id, site_code, site_name, search_term, project_id, enabled,
	last_full_sync, last_incremental_sync, total_installations, created_at, updated_at`

func (s *SQLiteStore) ListSites(ctx context.Context, enabledOnly bool) ([]Site, error) {
	query := `SELECT ` + sqliteSiteColumns + ` FROM sites`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY site_code`

	var sites []Site
	if err := s.db.SelectContext(ctx, &sites, query); err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	return sites, nil
}

func (s *SQLiteStore) EnabledSites(ctx context.Context, code string) ([]Site, error) {
	if code == "" {
		return s.ListSites(ctx, true)
	}
	var sites []Site
	err := s.db.SelectContext(ctx, &sites,
		`SELECT `+sqliteSiteColumns+` FROM sites WHERE site_code = ? AND enabled = 1`, code)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: enabled site %s", code)
	}
	return sites, nil
}

func (s *SQLiteStore) GetSite(ctx context.Context, code string) (*Site, error) {
	var site Site
	err := s.db.GetContext(ctx, &site, `SELECT `+sqliteSiteColumns+` FROM sites WHERE site_code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrSiteNotFound, "sqlite: get site %s", code)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get site %s", code)
	}
	return &site, nil
}

func (s *SQLiteStore) UpsertSite(ctx context.Context, site *Site) error {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO sites (id, site_code, site_name, search_term, project_id, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_code) DO UPDATE SET
		   site_name = excluded.site_name,
		   search_term = excluded.search_term,
		   project_id = excluded.project_id,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		site.ID, site.Code, site.Name, site.SearchTerm, site.ProjectID, site.Enabled, now, now,
	).Scan(&site.ID)
	return eris.Wrapf(err, "sqlite: upsert site %s", site.Code)
}

func (s *SQLiteStore) UpdateSiteSync(ctx context.Context, siteID string, syncType SyncType, total int) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch syncType {
	case SyncFull:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sites SET last_full_sync = ?, total_installations = ?, updated_at = ? WHERE id = ?`,
			now, total, now, siteID)
	case SyncIncremental:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sites SET last_incremental_sync = ?, total_installations = ?, updated_at = ? WHERE id = ?`,
			now, total, now, siteID)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sites SET total_installations = ?, updated_at = ? WHERE id = ?`,
			total, now, siteID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update site sync %s", siteID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrSiteNotFound, "sqlite: update site sync %s", siteID)
	}
	return nil
}

func (s *SQLiteStore) ExistingChecksums(ctx context.Context, siteID string) (map[string]string, error) {
	var rows []struct {
		DRNumber string `db:"dr_number"`
		Checksum string `db:"checksum"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT dr_number, COALESCE(checksum, '') AS checksum FROM installations WHERE site_id = ?`, siteID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: existing checksums %s", siteID)
	}
	checksums := make(map[string]string, len(rows))
	for _, r := range rows {
		checksums[r.DRNumber] = r.Checksum
	}
	return checksums, nil
}

func (s *SQLiteStore) UpsertInstallation(ctx context.Context, siteID string, inst *Installation, force bool) (UpsertResult, error) {
	inst.SiteID = siteID
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertSkipped, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	var existing struct {
		ID       string         `db:"id"`
		Checksum sql.NullString `db:"checksum"`
	}
	err = tx.GetContext(ctx, &existing,
		`SELECT id, checksum FROM installations WHERE site_id = ? AND dr_number = ?`, siteID, inst.DRNumber)

	result := UpsertUpdated
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO installations (
				id, site_id, dr_number, latitude, longitude, location, address,
				current_status, current_stage, pole_number, section_code, pon_code,
				checksum, last_synced_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, siteID, inst.DRNumber, inst.Latitude, inst.Longitude, inst.Location, nullString(inst.Address),
			nullString(inst.CurrentStatus), nullString(inst.CurrentStage), nullString(inst.PoleNumber),
			nullString(inst.SectionCode), nullString(inst.PONCode),
			inst.Checksum, now, now, now,
		)
		if err != nil {
			return UpsertSkipped, eris.Wrapf(err, "sqlite: insert installation %s", inst.DRNumber)
		}
		result = UpsertInserted
	case err != nil:
		return UpsertSkipped, eris.Wrapf(err, "sqlite: lookup installation %s", inst.DRNumber)
	case !force && existing.Checksum.Valid && existing.Checksum.String == inst.Checksum:
		inst.ID = existing.ID
		return UpsertSkipped, nil
	default:
		inst.ID = existing.ID
		_, err = tx.ExecContext(ctx,
			`UPDATE installations SET
				latitude = ?, longitude = ?, location = ?, address = ?,
				current_status = ?, current_stage = ?, pole_number = ?, section_code = ?, pon_code = ?,
				checksum = ?, last_synced_at = ?, updated_at = ?
			WHERE id = ?`,
			inst.Latitude, inst.Longitude, inst.Location, nullString(inst.Address),
			nullString(inst.CurrentStatus), nullString(inst.CurrentStage), nullString(inst.PoleNumber),
			nullString(inst.SectionCode), nullString(inst.PONCode),
			inst.Checksum, now, now, existing.ID,
		)
		if err != nil {
			return UpsertSkipped, eris.Wrapf(err, "sqlite: update installation %s", inst.DRNumber)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertSkipped, eris.Wrap(err, "sqlite: commit upsert")
	}
	return result, nil
}

func (s *SQLiteStore) CountInstallations(ctx context.Context, siteID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM installations WHERE site_id = ?`, siteID); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count installations %s", siteID)
	}
	return n, nil
}

// SyncPoles upserts poles, links installations to them, and refreshes each
// pole's drop count for the site.
func (s *SQLiteStore) SyncPoles(ctx context.Context, siteID string, poles []Pole) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin pole sync")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO poles (id, site_id, pole_number, latitude, longitude, location, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, pole_number) DO UPDATE SET
		   latitude = excluded.latitude,
		   longitude = excluded.longitude,
		   location = excluded.location,
		   updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare pole upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, p := range poles {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, siteID, p.PoleNumber, p.Latitude, p.Longitude, p.Location, now, now); err != nil {
			return eris.Wrapf(err, "sqlite: upsert pole %s", p.PoleNumber)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET pole_id = (
			SELECT p.id FROM poles p
			WHERE p.site_id = installations.site_id AND p.pole_number = installations.pole_number
		 ) WHERE site_id = ? AND pole_number IS NOT NULL`, siteID); err != nil {
		return eris.Wrapf(err, "sqlite: link installations for %s", siteID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE poles SET drop_count = (
			SELECT COUNT(*) FROM installations i WHERE i.pole_id = poles.id
		 ), updated_at = ? WHERE site_id = ?`, now, siteID); err != nil {
		return eris.Wrapf(err, "sqlite: refresh drop counts for %s", siteID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit pole sync")
}

func (s *SQLiteStore) InsertSyncLog(ctx context.Context, e *SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CompletedAt.IsZero() {
		e.CompletedAt = now
	}
	e.CreatedAt = now
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sync_log (
			id, sync_type, site_code, records_fetched, records_created, records_updated,
			records_unchanged, records_failed, records_skipped, api_calls, duration_seconds,
			status, error_message, started_at, completed_at, created_at
		) VALUES (
			:id, :sync_type, :site_code, :records_fetched, :records_created, :records_updated,
			:records_unchanged, :records_failed, :records_skipped, :api_calls, :duration_seconds,
			:status, :error_message, :started_at, :completed_at, :created_at
		)`, e)
	return eris.Wrapf(err, "sqlite: insert sync log for %s", e.SiteCode)
}

func (s *SQLiteStore) RecentSyncLogs(ctx context.Context, since time.Time, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []SyncLogEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, sync_type, site_code, records_fetched, records_created, records_updated,
			records_unchanged, records_failed, records_skipped, api_calls, duration_seconds,
			status, error_message, started_at, completed_at, created_at
		 FROM sync_log
		 WHERE created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent sync logs")
	}
	return entries, nil
}
