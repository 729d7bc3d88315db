package onemap

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/velocityfibre/onemap-sync/internal/geo"
)

// Record is one installation (drop) row returned by the attributes endpoint.
// Raw keeps every source field, including those without a typed counterpart.
type Record struct {
	PropID     string
	DRP        string
	Pole       string
	Site       string
	Status     string
	Stage      string
	Address    string
	Latitude   Coord
	Longitude  Coord
	Created    string
	Modified   string
	Section    string
	PON        string
	PhotoProp  string
	PhotoAfter string

	Raw map[string]any
}

// UnmarshalJSON accepts strings, numbers, or null for every field. Section
// and PON fall back to the "sect" and "pons" keys used by some layers.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return eris.Wrap(err, "onemap: decode record")
	}
	if m == nil {
		*r = Record{}
		return nil
	}

	*r = Record{
		PropID:     textField(m, "prop_id"),
		DRP:        textField(m, "drp"),
		Pole:       textField(m, "pole"),
		Site:       textField(m, "site"),
		Status:     textField(m, "status"),
		Stage:      textField(m, "stage"),
		Address:    textField(m, "address"),
		Latitude:   coordField(m, "latitude"),
		Longitude:  coordField(m, "longitude"),
		Created:    textField(m, "created"),
		Modified:   textField(m, "modified"),
		Section:    textField(m, "section", "sect"),
		PON:        textField(m, "pon", "pons"),
		PhotoProp:  textField(m, "ph_prop"),
		PhotoAfter: textField(m, "ph_after"),
		Raw:        m,
	}
	return nil
}

// MarshalJSON writes the raw source fields when present, so a decoded record
// round-trips without losing unknown keys.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return json.Marshal(r.Raw)
	}
	m := map[string]any{
		"prop_id":  r.PropID,
		"drp":      r.DRP,
		"pole":     r.Pole,
		"site":     r.Site,
		"status":   r.Status,
		"stage":    r.Stage,
		"address":  r.Address,
		"created":  r.Created,
		"modified": r.Modified,
		"section":  r.Section,
		"pon":      r.PON,
	}
	m["latitude"] = r.Latitude.value()
	m["longitude"] = r.Longitude.value()
	return json.Marshal(m)
}

// Coord is a coordinate that may arrive as a JSON string, number, or null.
// Text holds a canonical form: numeric values are reformatted so "1.50",
// 1.5, and "1.5" compare equal.
type Coord struct {
	Text  string
	Valid bool
}

// NewCoord builds a Coord from its textual form. Empty input is null.
func NewCoord(s string) Coord {
	s = strings.TrimSpace(s)
	if s == "" {
		return Coord{}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return Coord{Text: strconv.FormatFloat(v, 'f', -1, 64), Valid: true}
	}
	return Coord{Text: s, Valid: true}
}

// CoordOf builds a Coord from a float.
func CoordOf(v float64) Coord {
	return Coord{Text: strconv.FormatFloat(v, 'f', -1, 64), Valid: true}
}

// Float returns the numeric value, or ok=false for null, non-numeric and
// non-finite text.
func (c Coord) Float() (float64, bool) {
	if !c.Valid {
		return 0, false
	}
	return geo.ParseCoord(c.Text)
}

func (c Coord) String() string {
	return c.Text
}

func (c Coord) value() any {
	if !c.Valid {
		return nil
	}
	return c.Text
}

func textField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		s := textValue(v)
		if s != "" {
			return s
		}
	}
	return ""
}

func coordField(m map[string]any, key string) Coord {
	v, ok := m[key]
	if !ok || v == nil {
		return Coord{}
	}
	return NewCoord(textValue(v))
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
