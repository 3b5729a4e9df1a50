package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"

	"github.com/strikekeeper/strikekeeper/internal/domain"
)

// record is the provider's newline-delimited JSON line. Coordinates and the
// quality metric are optional; mcg is the maximal circular gap.
type record struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	MCG *int     `json:"mcg"`
}

// parseStrikes decodes a unit payload into strike rows stamped with the
// unit's slot. Unparseable lines are dropped and counted rather than
// aborting the unit.
func parseStrikes(slot time.Time, data []byte) ([]domain.Strike, int) {
	var strikes []domain.Strike
	dropped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			dropped++
			continue
		}
		strikes = append(strikes, domain.Strike{
			Timestamp: slot,
			Lat:       rec.Lat,
			Lon:       rec.Lon,
			Quality:   rec.MCG,
		})
	}
	if err := scanner.Err(); err != nil {
		// An oversized or truncated tail line counts as dropped.
		dropped++
	}
	return strikes, dropped
}
