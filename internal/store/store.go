// Package store persists sites, installations, poles, and the sync audit log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrSiteNotFound is returned by GetSite for an unknown site code.
var ErrSiteNotFound = eris.New("store: site not found")

// SyncType identifies what produced a sync log row.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncImport      SyncType = "import"
)

// Sync log statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// UpsertResult reports what UpsertInstallation did.
type UpsertResult int

const (
	// UpsertSkipped means the stored checksum matched and nothing was written.
	UpsertSkipped UpsertResult = iota
	UpsertInserted
	UpsertUpdated
)

// Site is a GIS coverage area keyed by a short code such as LAW.
type Site struct {
	ID                  string     `db:"id" json:"id"`
	Code                string     `db:"site_code" json:"site_code"`
	Name                string     `db:"site_name" json:"site_name"`
	SearchTerm          string     `db:"search_term" json:"search_term,omitempty"`
	ProjectID           *string    `db:"project_id" json:"project_id,omitempty"`
	Enabled             bool       `db:"enabled" json:"enabled"`
	LastFullSync        *time.Time `db:"last_full_sync" json:"last_full_sync,omitempty"`
	LastIncrementalSync *time.Time `db:"last_incremental_sync" json:"last_incremental_sync,omitempty"`
	TotalInstallations  int        `db:"total_installations" json:"total_installations"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Query returns the free-text term used to search OneMap for this site.
func (s Site) Query() string {
	if s.SearchTerm != "" {
		return s.SearchTerm
	}
	return s.Code
}

// Installation is one drop row keyed by (site, DR number).
type Installation struct {
	ID            string
	SiteID        string
	PoleID        *string
	DRNumber      string
	Latitude      *float64
	Longitude     *float64
	Location      []byte // EWKB point, SRID 4326
	Address       string
	CurrentStatus string
	CurrentStage  string
	PoleNumber    string
	SectionCode   string
	PONCode       string
	Checksum      string
	LastSyncedAt  time.Time
}

// Pole aggregates the drops that hang off one pole.
type Pole struct {
	ID         string
	SiteID     string
	PoleNumber string
	Latitude   *float64
	Longitude  *float64
	Location   []byte
	DropCount  int
}

// SyncLogEntry is one append-only audit row per site per run.
type SyncLogEntry struct {
	ID               string    `db:"id" json:"id"`
	SyncType         SyncType  `db:"sync_type" json:"sync_type"`
	SiteCode         string    `db:"site_code" json:"site_code"`
	RecordsFetched   int       `db:"records_fetched" json:"records_fetched"`
	RecordsCreated   int       `db:"records_created" json:"records_created"`
	RecordsUpdated   int       `db:"records_updated" json:"records_updated"`
	RecordsUnchanged int       `db:"records_unchanged" json:"records_unchanged"`
	RecordsFailed    int       `db:"records_failed" json:"records_failed"`
	RecordsSkipped   int       `db:"records_skipped" json:"records_skipped"`
	APICalls         int       `db:"api_calls" json:"api_calls"`
	DurationSeconds  float64   `db:"duration_seconds" json:"duration_seconds"`
	Status           string    `db:"status" json:"status"`
	ErrorMessage     *string   `db:"error_message" json:"error_message,omitempty"`
	StartedAt        time.Time `db:"started_at" json:"started_at"`
	CompletedAt      time.Time `db:"completed_at" json:"completed_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Store defines the persistence interface for the sync engine.
type Store interface {
	// Sites
	ListSites(ctx context.Context, enabledOnly bool) ([]Site, error)
	GetSite(ctx context.Context, code string) (*Site, error)
	UpsertSite(ctx context.Context, site *Site) error
	EnabledSites(ctx context.Context, code string) ([]Site, error)
	UpdateSiteSync(ctx context.Context, siteID string, syncType SyncType, total int) error

	// Installations
	ExistingChecksums(ctx context.Context, siteID string) (map[string]string, error)
	UpsertInstallation(ctx context.Context, siteID string, inst *Installation, force bool) (UpsertResult, error)
	CountInstallations(ctx context.Context, siteID string) (int, error)

	// Poles
	SyncPoles(ctx context.Context, siteID string, poles []Pole) error

	// Sync log
	InsertSyncLog(ctx context.Context, entry *SyncLogEntry) error
	RecentSyncLogs(ctx context.Context, since time.Time, limit int) ([]SyncLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
