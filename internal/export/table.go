// Package export renders query results in tabular form for CLI output.
package export

import (
	"strconv"
	"time"

	"github.com/strikekeeper/strikekeeper/internal/domain"
)

// Header is the column order every exported table uses.
var Header = []string{"timestamp", "lat", "lon", "quality", "band"}

// Row is one strike flattened for display. Missing position or quality
// renders as an empty cell.
type Row struct {
	Timestamp time.Time
	Lat       *float64
	Lon       *float64
	Quality   *int
	Band      domain.QualityBand
}

// Table holds rows ready for CSV or columnar rendering.
type Table struct {
	Rows []Row
}

// FromStrikes classifies each strike against the given thresholds and builds
// the display table, preserving input order.
func FromStrikes(strikes []domain.Strike, th domain.QualityThresholds) Table {
	rows := make([]Row, 0, len(strikes))
	for _, s := range strikes {
		rows = append(rows, Row{
			Timestamp: s.Timestamp,
			Lat:       s.Lat,
			Lon:       s.Lon,
			Quality:   s.Quality,
			Band:      domain.ClassifyQuality(s.Quality, th),
		})
	}
	return Table{Rows: rows}
}

// Records returns the table as string records, header first, suitable for
// encoding/csv.
func (t Table) Records() [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, Header)
	for _, r := range t.Rows {
		out = append(out, []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(r.Lat),
			formatFloat(r.Lon),
			formatInt(r.Quality),
			string(r.Band),
		})
	}
	return out
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
