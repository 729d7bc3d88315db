package onemap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_UnmarshalJSON(t *testing.T) {
	data := []byte(`{
		"prop_id": 4412,
		"drp": "DR1734472",
		"pole": "LAW.P.A453",
		"site": "LAW",
		"status": " Home Installation: Installed ",
		"address": "12 Main Road",
		"latitude": "-26.3655",
		"longitude": 27.8129,
		"sect": "S2",
		"pons": 7,
		"ph_prop": "abc.jpg",
		"extra": {"nested": true}
	}`)

	var r Record
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, "4412", r.PropID)
	assert.Equal(t, "DR1734472", r.DRP)
	assert.Equal(t, "Home Installation: Installed", r.Status)
	assert.Equal(t, "S2", r.Section)
	assert.Equal(t, "7", r.PON)
	assert.Equal(t, "abc.jpg", r.PhotoProp)
	assert.Equal(t, Coord{Text: "-26.3655", Valid: true}, r.Latitude)
	assert.Equal(t, Coord{Text: "27.8129", Valid: true}, r.Longitude)
	assert.Contains(t, r.Raw, "extra")
}

func TestRecord_NullCoordinates(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"drp":"DR1","latitude":null}`), &r))
	assert.False(t, r.Latitude.Valid)
	assert.False(t, r.Longitude.Valid)

	_, ok := r.Latitude.Float()
	assert.False(t, ok)
}

func TestCoord_NonFiniteIsNotANumber(t *testing.T) {
	for _, in := range []string{"NaN", "Infinity", "-Inf", "+inf"} {
		c := NewCoord(in)
		assert.True(t, c.Valid, in)
		_, ok := c.Float()
		assert.False(t, ok, in)
	}
}

func TestRecord_PrefersSectionOverSect(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"section":"A","sect":"B","pon":"","pons":"P9"}`), &r))
	assert.Equal(t, "A", r.Section)
	assert.Equal(t, "P9", r.PON)
}

func TestRecord_MarshalKeepsRawFields(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"drp":"DR1","custom":"x"}`), &r))

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"drp":"DR1","custom":"x"}`, string(out))
}

func TestCoord_Canonical(t *testing.T) {
	assert.Equal(t, NewCoord("1.50"), CoordOf(1.5))
	assert.Equal(t, NewCoord(" 1.5 "), NewCoord("1.5"))
	assert.Equal(t, Coord{}, NewCoord(""))

	c := NewCoord("unknown")
	assert.True(t, c.Valid)
	_, ok := c.Float()
	assert.False(t, ok)
}

func TestSearchResult_FractionalTotalPages(t *testing.T) {
	var r SearchResult
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"result":[],"total_pages":3.2,"current_page":"1"}`), &r))
	assert.Equal(t, 4, r.TotalPages)
	assert.Equal(t, 1, r.CurrentPage)
	assert.NotNil(t, r.Result)
}

func TestParseSession(t *testing.T) {
	s := parseSession([]string{
		"connect.sid=s%3Aabc.def; Path=/; HttpOnly",
		"csrfToken=tok123; Path=/",
		"other=1",
	})
	assert.Equal(t, "s%3Aabc.def", s.SessionID)
	assert.Equal(t, "tok123", s.CSRFToken)
	assert.Equal(t, "connect.sid=s%3Aabc.def; csrfToken=tok123", s.cookieHeader())
}
