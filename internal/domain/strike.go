// Package domain defines the core types shared across the ingest, storage,
// retention, and coordination layers: lightning strikes, fetch units, audit
// events, and quality classification.
package domain

import "time"

// Strike is a single detected lightning event. Its identity is the triple
// (Timestamp, Lat, Lon): the provider reports at fixed slot granularity, so
// Timestamp is the slot start, not the physical detection instant.
type Strike struct {
	Timestamp time.Time
	Lat       *float64
	Lon       *float64
	// Quality is the maximal circular gap in degrees; lower means better
	// triangulation. Nil when the provider did not report it.
	Quality *int
}

// Positioned reports whether the strike carries coordinates. Rows without a
// position are still stored as quality-of-service telemetry but are never
// added to the spatial index.
func (s Strike) Positioned() bool {
	return s.Lat != nil && s.Lon != nil
}
