// Package drops turns OneMap installation records into stored rows and
// decides whether each one is new, changed, or unchanged.
package drops

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

var (
	// ErrMissingDropNumber marks a record without a DR number.
	ErrMissingDropNumber = eris.New("drops: record has no drop number")
	// ErrInvalidDropNumber marks a DR number that is not DR followed by digits.
	ErrInvalidDropNumber = eris.New("drops: invalid drop number")
)

var dropNumberRe = regexp.MustCompile(`^DR\d+$`)

// checksumFields is the ordered subset of a record that defines its identity
// for change detection. Field order here fixes the digest.
type checksumFields struct {
	DRP       string  `json:"drp"`
	Pole      string  `json:"pole"`
	Status    string  `json:"status"`
	Address   string  `json:"address"`
	Latitude  *string `json:"latitude"`
	Longitude *string `json:"longitude"`
	Modified  string  `json:"modified"`
}

// Checksum returns the MD5 hex digest of the record's change-relevant fields.
// Fields outside that set never affect the result.
func Checksum(rec onemap.Record) string {
	data, _ := json.Marshal(checksumFields{
		DRP:       canonical(rec.DRP),
		Pole:      canonical(rec.Pole),
		Status:    canonical(rec.Status),
		Address:   canonical(rec.Address),
		Latitude:  coordText(rec.Latitude),
		Longitude: coordText(rec.Longitude),
		Modified:  canonical(rec.Modified),
	})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Validate reports ErrMissingDropNumber or ErrInvalidDropNumber for records
// that cannot be keyed.
func Validate(rec onemap.Record) error {
	dr := strings.TrimSpace(rec.DRP)
	if dr == "" {
		return ErrMissingDropNumber
	}
	if !dropNumberRe.MatchString(dr) {
		return eris.Wrapf(ErrInvalidDropNumber, "drops: %q", dr)
	}
	return nil
}

func canonical(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func coordText(c onemap.Coord) *string {
	if !c.Valid {
		return nil
	}
	s := canonical(c.Text)
	return &s
}
