package drops

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/geo"
	"github.com/velocityfibre/onemap-sync/internal/store"
	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// mockStore records upsert calls and answers from a checksum map.
type mockStore struct {
	checksums  map[string]string
	upserts    []string
	forced     []bool
	preloadErr error
	upsertErr  error
}

func (m *mockStore) ExistingChecksums(_ context.Context, _ string) (map[string]string, error) {
	if m.preloadErr != nil {
		return nil, m.preloadErr
	}
	out := make(map[string]string, len(m.checksums))
	for k, v := range m.checksums {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) UpsertInstallation(_ context.Context, _ string, inst *store.Installation, force bool) (store.UpsertResult, error) {
	if m.upsertErr != nil {
		return store.UpsertSkipped, m.upsertErr
	}
	m.upserts = append(m.upserts, inst.DRNumber)
	m.forced = append(m.forced, force)
	if m.checksums == nil {
		m.checksums = map[string]string{}
	}
	prev, ok := m.checksums[inst.DRNumber]
	m.checksums[inst.DRNumber] = inst.Checksum
	switch {
	case !ok:
		return store.UpsertInserted, nil
	case prev == inst.Checksum && !force:
		return store.UpsertSkipped, nil
	default:
		return store.UpsertUpdated, nil
	}
}

func newSQLiteSite(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "drops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	site := &store.Site{Code: "LAW", Name: "Lawley", Enabled: true}
	require.NoError(t, s.UpsertSite(context.Background(), site))
	return s, site.ID
}

func record(dr, status string) onemap.Record {
	return onemap.Record{
		DRP:       dr,
		Pole:      "LAW.P.A1",
		Site:      "LAW",
		Status:    status,
		Address:   "1 Main Road",
		Latitude:  onemap.NewCoord("-26.3655"),
		Longitude: onemap.NewCoord("27.8129"),
		Modified:  "2025-02-01",
	}
}

func TestUpsertInstallation_CreatedThenUnchanged(t *testing.T) {
	s, siteID := newSQLiteSite(t)
	ctx := context.Background()
	rec := record("DR100", "Planned")
	sum := Checksum(rec)

	got, err := UpsertInstallation(ctx, s, siteID, rec, sum, false)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, got)

	got, err = UpsertInstallation(ctx, s, siteID, rec, sum, false)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, got)
}

func TestUpsertInstallation_UpdatedThenUnchanged(t *testing.T) {
	s, siteID := newSQLiteSite(t)
	ctx := context.Background()

	first := record("DR100", "Planned")
	_, err := UpsertInstallation(ctx, s, siteID, first, Checksum(first), false)
	require.NoError(t, err)

	changed := record("DR100", "Installed")
	got, err := UpsertInstallation(ctx, s, siteID, changed, Checksum(changed), false)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, got)

	got, err = UpsertInstallation(ctx, s, siteID, changed, Checksum(changed), false)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, got)
}

func TestToInstallation(t *testing.T) {
	rec := record("DR7", "Installed")
	rec.Section = "S1"
	rec.PON = "PON4"

	inst, err := ToInstallation("site-1", rec, "sum")
	require.NoError(t, err)
	assert.Equal(t, "DR7", inst.DRNumber)
	assert.Equal(t, "S1", inst.SectionCode)
	assert.Equal(t, "PON4", inst.PONCode)
	require.NotNil(t, inst.Latitude)
	assert.InDelta(t, -26.3655, *inst.Latitude, 1e-9)
	require.NotEmpty(t, inst.Location)

	pt, err := geo.DecodePoint(inst.Location)
	require.NoError(t, err)
	assert.InDelta(t, 27.8129, pt.Lng, 1e-9)
}

func TestToInstallation_MissingCoordinates(t *testing.T) {
	rec := record("DR7", "Installed")
	rec.Longitude = onemap.Coord{}

	inst, err := ToInstallation("site-1", rec, "sum")
	require.NoError(t, err)
	assert.NotNil(t, inst.Latitude)
	assert.Nil(t, inst.Longitude)
	assert.Nil(t, inst.Location)
}

func TestToInstallation_NonFiniteCoordinates(t *testing.T) {
	var rec onemap.Record
	require.NoError(t, json.Unmarshal([]byte(`{"drp":"DR1","latitude":"Infinity","longitude":"NaN"}`), &rec))

	inst, err := ToInstallation("site-1", rec, Checksum(rec))
	require.NoError(t, err)
	assert.Equal(t, "DR1", inst.DRNumber)
	assert.Nil(t, inst.Latitude)
	assert.Nil(t, inst.Longitude)
	assert.Nil(t, inst.Location)
}

func TestUpserter_IncrementalSkipsPreloadedMatches(t *testing.T) {
	ctx := context.Background()
	same := record("DR1", "Installed")
	ms := &mockStore{checksums: map[string]string{"DR1": Checksum(same), "DR2": "stale"}}

	u := NewUpserter(ms, "site-1", false)
	require.NoError(t, u.Preload(ctx))

	got, err := u.Apply(ctx, same)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, got)
	assert.Empty(t, ms.upserts, "preloaded match must not hit the store")

	got, err = u.Apply(ctx, record("DR2", "Installed"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, got)

	got, err = u.Apply(ctx, record("DR3", "Installed"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, got)
	assert.Equal(t, []string{"DR2", "DR3"}, ms.upserts)
}

func TestUpserter_FullSyncRewritesExisting(t *testing.T) {
	ctx := context.Background()
	rec := record("DR1", "Installed")
	ms := &mockStore{checksums: map[string]string{"DR1": Checksum(rec)}}

	u := NewUpserter(ms, "site-1", true)
	require.NoError(t, u.Preload(ctx))

	got, err := u.Apply(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, got)
	assert.Equal(t, []bool{true}, ms.forced)
}

func TestUpserter_InvalidRecordsNeverReachStore(t *testing.T) {
	ctx := context.Background()
	ms := &mockStore{}
	u := NewUpserter(ms, "site-1", false)

	_, err := u.Apply(ctx, onemap.Record{Pole: "LAW.P.A1"})
	assert.True(t, errors.Is(err, ErrMissingDropNumber))

	_, err = u.Apply(ctx, onemap.Record{DRP: "LAW-1"})
	assert.True(t, errors.Is(err, ErrInvalidDropNumber))

	assert.Empty(t, ms.upserts)
	assert.Empty(t, u.Poles())
}

func TestUpserter_PreloadError(t *testing.T) {
	ms := &mockStore{preloadErr: errors.New("connection refused")}
	err := NewUpserter(ms, "site-1", false).Preload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preload checksums")
}

func TestUpserter_StoreErrorPropagates(t *testing.T) {
	ms := &mockStore{upsertErr: errors.New("disk full")}
	_, err := NewUpserter(ms, "site-1", false).Apply(context.Background(), record("DR1", "x"))
	assert.EqualError(t, err, "disk full")
}

func TestUpserter_Poles(t *testing.T) {
	ctx := context.Background()
	u := NewUpserter(&mockStore{}, "site-1", false)

	a := record("DR1", "x")
	a.Latitude, a.Longitude = onemap.CoordOf(-26.0), onemap.CoordOf(28.0)
	b := record("DR2", "x")
	b.Latitude, b.Longitude = onemap.CoordOf(-26.2), onemap.CoordOf(28.2)
	c := record("DR3", "x")
	c.Pole = "LAW.P.A0"
	c.Latitude = onemap.Coord{}
	d := record("DR4", "x")
	d.Pole = ""

	for _, r := range []onemap.Record{a, b, c, d} {
		_, err := u.Apply(ctx, r)
		require.NoError(t, err)
	}

	poles := u.Poles()
	require.Len(t, poles, 2)
	assert.Equal(t, "LAW.P.A0", poles[0].PoleNumber)
	assert.Nil(t, poles[0].Latitude)
	assert.Equal(t, 1, poles[0].DropCount)

	assert.Equal(t, "LAW.P.A1", poles[1].PoleNumber)
	assert.Equal(t, 2, poles[1].DropCount)
	require.NotNil(t, poles[1].Latitude)
	assert.InDelta(t, -26.1, *poles[1].Latitude, 1e-9)
	assert.InDelta(t, 28.1, *poles[1].Longitude, 1e-9)
	assert.NotEmpty(t, poles[1].Location)
}
