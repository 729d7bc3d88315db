package hldimport

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

// DefaultSheet is the HLD tab of a project tracker workbook.
const DefaultSheet = "HLD_Home"

// ErrSheetNotFound is returned when the workbook lacks the requested sheet.
var ErrSheetNotFound = eris.New("hldimport: sheet not found")

// Row is one data row keyed by lower-cased header name.
type Row map[string]string

// ReadSheet opens path and returns the rows of sheet below its header row.
// Blank rows are dropped.
func ReadSheet(path, sheet string) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "hldimport: open %s", path)
	}
	return sheetRows(f, sheet)
}

func sheetRows(f *xlsx.File, name string) ([]Row, error) {
	if name == "" {
		name = DefaultSheet
	}
	sh, ok := f.Sheet[name]
	if !ok {
		names := make([]string, 0, len(f.Sheets))
		for _, s := range f.Sheets {
			names = append(names, s.Name)
		}
		sort.Strings(names)
		return nil, eris.Wrapf(ErrSheetNotFound, "hldimport: %q (available: %s)", name, strings.Join(names, ", "))
	}
	if len(sh.Rows) == 0 {
		return nil, nil
	}

	header := cellStrings(sh.Rows[0])
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	rows := make([]Row, 0, len(sh.Rows)-1)
	for _, r := range sh.Rows[1:] {
		cells := cellStrings(r)
		row := make(Row, len(header))
		blank := true
		for i, h := range header {
			if h == "" || i >= len(cells) {
				continue
			}
			v := strings.TrimSpace(cells[i])
			if v != "" {
				blank = false
			}
			row[h] = v
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func cellStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = c.String()
	}
	return out
}

// Record maps an HLD row onto the OneMap record shape for siteCode.
func (r Row) Record(siteCode string) onemap.Record {
	return onemap.Record{
		DRP:       r["label"],
		Pole:      r["strtfeat"],
		Site:      siteCode,
		Status:    r["subtyp"],
		Address:   r["address"],
		Latitude:  onemap.NewCoord(r["lat"]),
		Longitude: onemap.NewCoord(r["lon"]),
		Section:   r["zone_no"],
		PON:       r["pon_no"],
	}
}
