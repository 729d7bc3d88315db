package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/velocityfibre/onemap-sync/internal/db"
)

// PostgresStore implements Store using pgxpool against the onemap schema.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const siteColumns = `id, site_code, site_name, search_term, project_id, enabled,
	last_full_sync, last_incremental_sync, total_installations, created_at, updated_at`

func scanSites(rows pgx.Rows) ([]Site, error) {
	defer rows.Close()
	var sites []Site
	for rows.Next() {
		var st Site
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.SearchTerm, &st.ProjectID, &st.Enabled,
			&st.LastFullSync, &st.LastIncrementalSync, &st.TotalInstallations, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, st)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: iterate sites")
}

func (s *PostgresStore) ListSites(ctx context.Context, enabledOnly bool) ([]Site, error) {
	query := `SELECT ` + siteColumns + ` FROM onemap.sites`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY site_code`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	return scanSites(rows)
}

func (s *PostgresStore) EnabledSites(ctx context.Context, code string) ([]Site, error) {
	if code == "" {
		return s.ListSites(ctx, true)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+siteColumns+` FROM onemap.sites WHERE site_code = $1 AND enabled = true`,
		code,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: enabled site %s", code)
	}
	return scanSites(rows)
}

func (s *PostgresStore) GetSite(ctx context.Context, code string) (*Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM onemap.sites WHERE site_code = $1`, code)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get site %s", code)
	}
	sites, err := scanSites(rows)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, eris.Wrapf(ErrSiteNotFound, "postgres: get site %s", code)
	}
	return &sites[0], nil
}

func (s *PostgresStore) UpsertSite(ctx context.Context, site *Site) error {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO onemap.sites (id, site_code, site_name, search_term, project_id, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (site_code) DO UPDATE SET
		   site_name = EXCLUDED.site_name,
		   search_term = EXCLUDED.search_term,
		   project_id = EXCLUDED.project_id,
		   enabled = EXCLUDED.enabled,
		   updated_at = now()
		 RETURNING id`,
		site.ID, site.Code, site.Name, site.SearchTerm, site.ProjectID, site.Enabled,
	).Scan(&site.ID)
	return eris.Wrapf(err, "postgres: upsert site %s", site.Code)
}

func (s *PostgresStore) UpdateSiteSync(ctx context.Context, siteID string, syncType SyncType, total int) error {
	var query string
	switch syncType {
	case SyncFull:
		query = `UPDATE onemap.sites SET last_full_sync = now(), total_installations = $1, updated_at = now() WHERE id = $2`
	case SyncIncremental:
		query = `UPDATE onemap.sites SET last_incremental_sync = now(), total_installations = $1, updated_at = now() WHERE id = $2`
	default:
		query = `UPDATE onemap.sites SET total_installations = $1, updated_at = now() WHERE id = $2`
	}

	tag, err := s.pool.Exec(ctx, query, total, siteID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update site sync %s", siteID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrSiteNotFound, "postgres: update site sync %s", siteID)
	}
	return nil
}

func (s *PostgresStore) ExistingChecksums(ctx context.Context, siteID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dr_number, COALESCE(checksum, '') FROM onemap.installations WHERE site_id = $1`,
		siteID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: existing checksums %s", siteID)
	}
	defer rows.Close()

	checksums := make(map[string]string)
	for rows.Next() {
		var dr, sum string
		if err := rows.Scan(&dr, &sum); err != nil {
			return nil, eris.Wrap(err, "postgres: scan checksum")
		}
		checksums[dr] = sum
	}
	return checksums, eris.Wrap(rows.Err(), "postgres: iterate checksums")
}

// upsertInstallationSQL inserts or updates a drop in one statement. The
// update only fires when forced or when the checksum differs; otherwise no
// row is returned. xmax = 0 identifies a fresh insert.
const upsertInstallationSQL = `
INSERT INTO onemap.installations AS i (
	id, site_id, dr_number, latitude, longitude, location, address,
	current_status, current_stage, pole_number, section_code, pon_code,
	checksum, last_synced_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, ST_GeomFromEWKB($6), $7,
	$8, $9, $10, $11, $12,
	$13, now(), now(), now()
)
ON CONFLICT (site_id, dr_number) DO UPDATE SET
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	location = EXCLUDED.location,
	address = EXCLUDED.address,
	current_status = EXCLUDED.current_status,
	current_stage = EXCLUDED.current_stage,
	pole_number = EXCLUDED.pole_number,
	section_code = EXCLUDED.section_code,
	pon_code = EXCLUDED.pon_code,
	checksum = EXCLUDED.checksum,
	last_synced_at = now(),
	updated_at = now()
WHERE $14::boolean OR i.checksum IS DISTINCT FROM EXCLUDED.checksum
RETURNING (xmax = 0) AS inserted`

func (s *PostgresStore) UpsertInstallation(ctx context.Context, siteID string, inst *Installation, force bool) (UpsertResult, error) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	inst.SiteID = siteID

	var inserted bool
	err := s.pool.QueryRow(ctx, upsertInstallationSQL,
		inst.ID, siteID, inst.DRNumber, inst.Latitude, inst.Longitude, inst.Location, nullString(inst.Address),
		nullString(inst.CurrentStatus), nullString(inst.CurrentStage), nullString(inst.PoleNumber),
		nullString(inst.SectionCode), nullString(inst.PONCode),
		inst.Checksum, force,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return UpsertSkipped, nil
	}
	if err != nil {
		return UpsertSkipped, eris.Wrapf(err, "postgres: upsert installation %s", inst.DRNumber)
	}
	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

func (s *PostgresStore) CountInstallations(ctx context.Context, siteID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM onemap.installations WHERE site_id = $1`, siteID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count installations %s", siteID)
	}
	return n, nil
}

var poleUpsert = db.Upsert{
	Table:   "onemap.poles",
	Columns: []string{"id", "site_id", "pole_number", "latitude", "longitude"},
	Keys:    []string{"site_id", "pole_number"},
	Update:  []string{"latitude", "longitude"},
	Touch:   []string{"updated_at"},
}

// SyncPoles upserts poles, links installations to them, and refreshes each
// pole's location and drop count for the site in one transaction.
func (s *PostgresStore) SyncPoles(ctx context.Context, siteID string, poles []Pole) error {
	rows := make([][]any, 0, len(poles))
	for _, p := range poles {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, siteID, p.PoleNumber, p.Latitude, p.Longitude})
	}
	steps := []struct {
		name  string
		query string
	}{
		{"set pole locations", `UPDATE onemap.poles SET location = ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)
			WHERE site_id = $1 AND latitude IS NOT NULL AND longitude IS NOT NULL`},
		{"link installations", `UPDATE onemap.installations i SET pole_id = p.id
			FROM onemap.poles p
			WHERE i.site_id = $1 AND p.site_id = i.site_id AND p.pole_number = i.pole_number
			  AND i.pole_id IS DISTINCT FROM p.id`},
		{"refresh drop counts", `UPDATE onemap.poles p SET drop_count = (
				SELECT COUNT(*) FROM onemap.installations i WHERE i.pole_id = p.id
			), updated_at = now()
			WHERE p.site_id = $1`},
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := poleUpsert.Exec(ctx, tx, rows); err != nil {
			return eris.Wrapf(err, "postgres: upsert poles for %s", siteID)
		}
		for _, st := range steps {
			if _, err := tx.Exec(ctx, st.query, siteID); err != nil {
				return eris.Wrapf(err, "postgres: %s for %s", st.name, siteID)
			}
		}
		return nil
	})
}

func (s *PostgresStore) InsertSyncLog(ctx context.Context, e *SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO onemap.sync_log (
			id, sync_type, site_code, records_fetched, records_created, records_updated,
			records_unchanged, records_failed, records_skipped, api_calls, duration_seconds,
			status, error_message, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, string(e.SyncType), e.SiteCode, e.RecordsFetched, e.RecordsCreated, e.RecordsUpdated,
		e.RecordsUnchanged, e.RecordsFailed, e.RecordsSkipped, e.APICalls, e.DurationSeconds,
		e.Status, e.ErrorMessage, e.StartedAt, e.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert sync log for %s", e.SiteCode)
}

func (s *PostgresStore) RecentSyncLogs(ctx context.Context, since time.Time, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, sync_type, site_code, records_fetched, records_created, records_updated,
			records_unchanged, records_failed, records_skipped, api_calls, duration_seconds,
			status, error_message, started_at, completed_at, created_at
		 FROM onemap.sync_log
		 WHERE created_at >= $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent sync logs")
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var syncType string
		if err := rows.Scan(&e.ID, &syncType, &e.SiteCode, &e.RecordsFetched, &e.RecordsCreated, &e.RecordsUpdated,
			&e.RecordsUnchanged, &e.RecordsFailed, &e.RecordsSkipped, &e.APICalls, &e.DurationSeconds,
			&e.Status, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync log")
		}
		e.SyncType = SyncType(syncType)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate sync logs")
}
