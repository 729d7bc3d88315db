// Package geo provides coordinate parsing and point encoding for drop and pole
// locations.
package geo

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference used for every stored location (WGS 84).
const SRID = 4326

// Point is a WGS 84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// ParseCoord parses a coordinate as delivered by OneMap or a workbook cell.
// Empty strings and non-finite values report ok=false.
func ParseCoord(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Valid reports whether the point lies within WGS 84 bounds and is not the
// null island placeholder.
func (p Point) Valid() bool {
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// EncodePoint converts a point to EWKB bytes with SRID 4326.
// Returns nil, nil for points that fail Valid.
func EncodePoint(p Point) ([]byte, error) {
	if !p.Valid() {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{p.Lng, p.Lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode point")
	}
	return data, nil
}

// DecodePoint parses EWKB bytes produced by EncodePoint.
func DecodePoint(data []byte) (Point, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return Point{}, eris.Wrap(err, "geo: decode point")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return Point{}, eris.Errorf("geo: decode point: unexpected geometry %T", g)
	}
	return Point{Lat: pt.Y(), Lng: pt.X()}, nil
}

// Centroid returns the mean of the valid points, or ok=false when there are none.
func Centroid(points []Point) (Point, bool) {
	var sumLat, sumLng float64
	n := 0
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		sumLat += p.Lat
		sumLng += p.Lng
		n++
	}
	if n == 0 {
		return Point{}, false
	}
	return Point{Lat: sumLat / float64(n), Lng: sumLng / float64(n)}, true
}
