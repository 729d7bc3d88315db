package drops

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/geo"
	"github.com/velocityfibre/onemap-sync/internal/store"
	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

// Action is the outcome of applying one record.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Store is the persistence the upserter needs.
type Store interface {
	ExistingChecksums(ctx context.Context, siteID string) (map[string]string, error)
	UpsertInstallation(ctx context.Context, siteID string, inst *store.Installation, force bool) (store.UpsertResult, error)
}

// ToInstallation maps a record to a row for siteID. The location is set when
// both coordinates parse to a valid point.
func ToInstallation(siteID string, rec onemap.Record, checksum string) (*store.Installation, error) {
	inst := &store.Installation{
		SiteID:        siteID,
		DRNumber:      strings.TrimSpace(rec.DRP),
		Address:       strings.TrimSpace(rec.Address),
		CurrentStatus: strings.TrimSpace(rec.Status),
		CurrentStage:  strings.TrimSpace(rec.Stage),
		PoleNumber:    strings.TrimSpace(rec.Pole),
		SectionCode:   strings.TrimSpace(rec.Section),
		PONCode:       strings.TrimSpace(rec.PON),
		Checksum:      checksum,
		LastSyncedAt:  time.Now().UTC(),
	}

	lat, latOK := rec.Latitude.Float()
	lng, lngOK := rec.Longitude.Float()
	if latOK {
		inst.Latitude = &lat
	}
	if lngOK {
		inst.Longitude = &lng
	}
	if latOK && lngOK {
		loc, err := geo.EncodePoint(geo.Point{Lat: lat, Lng: lng})
		if err != nil {
			return nil, eris.Wrapf(err, "drops: location for %s", inst.DRNumber)
		}
		inst.Location = loc
	}
	return inst, nil
}

// UpsertInstallation writes rec for siteID and reports what happened. A
// matching stored checksum leaves the row untouched unless force is set.
func UpsertInstallation(ctx context.Context, st Store, siteID string, rec onemap.Record, checksum string, force bool) (Action, error) {
	inst, err := ToInstallation(siteID, rec, checksum)
	if err != nil {
		return "", err
	}
	res, err := st.UpsertInstallation(ctx, siteID, inst, force)
	if err != nil {
		return "", err
	}
	switch res {
	case store.UpsertInserted:
		return ActionCreated, nil
	case store.UpsertUpdated:
		return ActionUpdated, nil
	default:
		return ActionUnchanged, nil
	}
}

// Upserter applies records for one site and tracks the poles they reference.
// It is not safe for concurrent use.
type Upserter struct {
	store    Store
	siteID   string
	force    bool
	existing map[string]string
	poles    map[string]*poleAcc
	log      *zap.Logger
}

type poleAcc struct {
	points []geo.Point
	drops  int
}

// NewUpserter creates an Upserter for siteID. With force set every existing
// row is rewritten regardless of checksum.
func NewUpserter(st Store, siteID string, force bool) *Upserter {
	return &Upserter{
		store:  st,
		siteID: siteID,
		force:  force,
		poles:  make(map[string]*poleAcc),
		log:    zap.L().With(zap.String("component", "drops"), zap.String("site_id", siteID)),
	}
}

// Preload caches the site's stored checksums so unchanged records skip the
// database. It does nothing in force mode.
func (u *Upserter) Preload(ctx context.Context) error {
	if u.force {
		return nil
	}
	existing, err := u.store.ExistingChecksums(ctx, u.siteID)
	if err != nil {
		return eris.Wrap(err, "drops: preload checksums")
	}
	u.existing = existing
	u.log.Debug("preloaded checksums", zap.Int("count", len(existing)))
	return nil
}

// Apply validates rec and writes it when it is new or changed.
func (u *Upserter) Apply(ctx context.Context, rec onemap.Record) (Action, error) {
	if err := Validate(rec); err != nil {
		return "", err
	}

	u.trackPole(rec)

	sum := Checksum(rec)
	dr := strings.TrimSpace(rec.DRP)
	if !u.force && u.existing != nil {
		if stored, ok := u.existing[dr]; ok && stored == sum {
			return ActionUnchanged, nil
		}
	}

	action, err := UpsertInstallation(ctx, u.store, u.siteID, rec, sum, u.force)
	if err != nil {
		return "", err
	}
	if u.existing != nil {
		u.existing[dr] = sum
	}
	return action, nil
}

func (u *Upserter) trackPole(rec onemap.Record) {
	number := strings.TrimSpace(rec.Pole)
	if number == "" {
		return
	}
	acc, ok := u.poles[number]
	if !ok {
		acc = &poleAcc{}
		u.poles[number] = acc
	}
	acc.drops++

	lat, latOK := rec.Latitude.Float()
	lng, lngOK := rec.Longitude.Float()
	if latOK && lngOK {
		acc.points = append(acc.points, geo.Point{Lat: lat, Lng: lng})
	}
}

// Poles returns the poles seen so far, sorted by number, positioned at the
// centroid of their drops.
func (u *Upserter) Poles() []store.Pole {
	numbers := make([]string, 0, len(u.poles))
	for n := range u.poles {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)

	poles := make([]store.Pole, 0, len(numbers))
	for _, n := range numbers {
		acc := u.poles[n]
		p := store.Pole{SiteID: u.siteID, PoleNumber: n, DropCount: acc.drops}
		if c, ok := geo.Centroid(acc.points); ok {
			lat, lng := c.Lat, c.Lng
			p.Latitude = &lat
			p.Longitude = &lng
			if loc, err := geo.EncodePoint(c); err == nil {
				p.Location = loc
			} else {
				u.log.Debug("skipping pole location", zap.String("pole", n), zap.Error(err))
			}
		}
		poles = append(poles, p)
	}
	return poles
}
