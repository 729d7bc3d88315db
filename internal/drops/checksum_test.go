package drops

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

func decode(t *testing.T, raw string) onemap.Record {
	t.Helper()
	var r onemap.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestChecksum_IgnoresFieldOrderAndExtras(t *testing.T) {
	a := decode(t, `{"drp":"DR1","pole":"LAW.P.A1","status":"Installed","address":"1 Main","latitude":"-26.1","longitude":"27.9","modified":"2025-01-01"}`)
	b := decode(t, `{"modified":"2025-01-01","longitude":"27.9","latitude":"-26.1","address":"1 Main","status":"Installed","pole":"LAW.P.A1","drp":"DR1","prop_id":"99","ph_after":"x.jpg","site":"LAW"}`)

	assert.Equal(t, Checksum(a), Checksum(b))
	assert.Len(t, Checksum(a), 32)
}

func TestChecksum_NumericAndStringCoordinatesMatch(t *testing.T) {
	a := decode(t, `{"drp":"DR1","latitude":"-26.10","longitude":"27.9"}`)
	b := decode(t, `{"drp":"DR1","latitude":-26.1,"longitude":27.90}`)
	assert.Equal(t, Checksum(a), Checksum(b))
}

func TestChecksum_NormalizesWhitespaceAndUnicode(t *testing.T) {
	composed := onemap.Record{DRP: "DR1", Address: "Caf\u00e9 Road"}
	decomposed := onemap.Record{DRP: " DR1 ", Address: "Cafe\u0301 Road "}
	assert.Equal(t, Checksum(composed), Checksum(decomposed))
}

func TestChecksum_DetectsRelevantChanges(t *testing.T) {
	base := onemap.Record{DRP: "DR1", Pole: "P1", Status: "Planned", Address: "A", Modified: "m1",
		Latitude: onemap.NewCoord("-26.1"), Longitude: onemap.NewCoord("27.9")}

	mutations := map[string]func(r *onemap.Record){
		"status":    func(r *onemap.Record) { r.Status = "Installed" },
		"pole":      func(r *onemap.Record) { r.Pole = "P2" },
		"address":   func(r *onemap.Record) { r.Address = "B" },
		"modified":  func(r *onemap.Record) { r.Modified = "m2" },
		"latitude":  func(r *onemap.Record) { r.Latitude = onemap.NewCoord("-26.2") },
		"longitude": func(r *onemap.Record) { r.Longitude = onemap.Coord{} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := base
			mutate(&changed)
			assert.NotEqual(t, Checksum(base), Checksum(changed))
		})
	}

	t.Run("stage is not tracked", func(t *testing.T) {
		changed := base
		changed.Stage = "Handover"
		assert.Equal(t, Checksum(base), Checksum(changed))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		drp  string
		want error
	}{
		{"DR1734472", nil},
		{" DR12 ", nil},
		{"", ErrMissingDropNumber},
		{"   ", ErrMissingDropNumber},
		{"dr123", ErrInvalidDropNumber},
		{"DR12A", ErrInvalidDropNumber},
		{"LAW.P.A1", ErrInvalidDropNumber},
	}
	for _, tt := range tests {
		t.Run(tt.drp, func(t *testing.T) {
			err := Validate(onemap.Record{DRP: tt.drp})
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
