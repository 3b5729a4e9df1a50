// Package store owns the on-disk SQLite database: the impacts table, the
// R-Tree spatial index kept in lockstep with it, and the events audit table.
// All other components access persisted state through this package.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/strikekeeper/strikekeeper/internal/domain"
)

// ErrUnavailable indicates the database could not be reached or written
// (locked file, missing directory, full disk). Ingestion treats it as
// retryable; purge treats it as fatal for the current run.
var ErrUnavailable = errors.New("store unavailable")

// Store wraps the SQLite database holding strikes, the spatial index, and
// audit events.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path, enables WAL journaling, and
// idempotently ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows readers to proceed while a worker transaction is writing;
	// busy_timeout makes interleaved index writes wait instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the impacts, spatial index, and events tables if
// absent and migrates older databases by adding missing columns. Safe under
// concurrent invocation: a lost column-add race is logged, not fatal.
func (s *Store) EnsureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS impacts (
		timestamp TEXT NOT NULL,
		lat REAL,
		lon REAL,
		quality INTEGER,
		PRIMARY KEY (timestamp, lat, lon)
	);

	CREATE INDEX IF NOT EXISTS idx_impacts_timestamp ON impacts(timestamp);

	CREATE VIRTUAL TABLE IF NOT EXISTS impacts_rtree USING rtree(
		id,
		min_lat, max_lat,
		min_lon, max_lon
	);

	CREATE TABLE IF NOT EXISTS events (
		timestamp TEXT NOT NULL,
		event_type TEXT,
		details TEXT,
		event_period TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Join(ErrUnavailable, fmt.Errorf("create schema: %w", err))
	}
	return s.migrateSchema()
}

// migrateSchema adds columns introduced after the first release.
func (s *Store) migrateSchema() error {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('impacts') WHERE name='quality'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("inspect impacts schema: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.db.Exec(`ALTER TABLE impacts ADD COLUMN quality INTEGER`); err != nil {
		// Another process won the migration race between our check and the
		// ALTER. Benign: the column exists either way.
		if strings.Contains(err.Error(), "duplicate column") {
			s.logger.Info("quality column already added by concurrent migration")
			return nil
		}
		return fmt.Errorf("add quality column: %w", err)
	}
	s.logger.Info("added quality column to impacts")
	return nil
}

// InsertStrikes bulk-inserts the parsed rows of one fetch unit. Inserts are
// keyed on (timestamp, lat, lon) and ignore conflicts, so re-fetching a unit
// is idempotent. Rows without a position go into the primary table only.
// Returns the number of rows actually inserted (informational; duplicates
// are not errors). Each call is one short transaction so that concurrent
// workers interleave safely on the shared index table.
func (s *Store) InsertStrikes(ctx context.Context, slot time.Time, rows []domain.Strike) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("begin insert: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(slot)
	inserted := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO impacts (timestamp, lat, lon, quality) VALUES (?, ?, ?, ?)`,
			ts, nullFloat(r.Lat), nullFloat(r.Lon), nullInt(r.Quality))
		if err != nil {
			return 0, errors.Join(ErrUnavailable, fmt.Errorf("insert strike: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)

		if !r.Positioned() {
			continue
		}
		// Degenerate point box referencing the strike's rowid. INSERT OR
		// IGNORE keeps the 1:1 invariant when the strike already existed.
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO impacts_rtree (id, min_lat, max_lat, min_lon, max_lon)
			SELECT rowid, lat, lat, lon, lon FROM impacts
			WHERE timestamp = ? AND lat = ? AND lon = ?`,
			ts, *r.Lat, *r.Lon)
		if err != nil {
			return 0, errors.Join(ErrUnavailable, fmt.Errorf("index strike: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("commit insert: %w", err))
	}
	return inserted, nil
}

// ExistingTimestamps returns the set of distinct slot timestamps already on
// disk. The ingest pipeline subtracts it from the planned fetch units so a
// restarted run never re-fetches data it already has.
func (s *Store) ExistingTimestamps(ctx context.Context) (map[time.Time]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT timestamp FROM impacts`)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, fmt.Errorf("query timestamps: %w", err))
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[time.Time]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.Warn("skipping unparseable timestamp row", "value", raw)
			continue
		}
		existing[t.UTC()] = struct{}{}
	}
	return existing, rows.Err()
}

// SpatialFilter narrows a range query to strikes within RadiusKM of the
// center point.
type SpatialFilter struct {
	Lat      float64
	Lon      float64
	RadiusKM float64
}

// BoundingBox returns the degree rectangle enclosing the filter circle,
// using the flat-earth approximation (111 km per degree of latitude, scaled
// by cos(latitude) for longitude, clamped near the poles).
func (f SpatialFilter) BoundingBox() (latMin, latMax, lonMin, lonMax float64) {
	latMin = f.Lat - f.RadiusKM/111
	latMax = f.Lat + f.RadiusKM/111
	lonScale := 111 * math.Max(0.01, math.Cos(f.Lat*math.Pi/180))
	lonMin = f.Lon - f.RadiusKM/lonScale
	lonMax = f.Lon + f.RadiusKM/lonScale
	return latMin, latMax, lonMin, lonMax
}

// QueryRange returns strikes with start <= timestamp <= end, ordered by
// timestamp, lat, lon ascending. With a filter, candidates are first
// narrowed through the R-Tree bounding box and then filtered by exact
// great-circle distance, so every returned strike lies within the radius.
func (s *Store) QueryRange(ctx context.Context, start, end time.Time, filter *SpatialFilter) ([]domain.Strike, error) {
	query := `
		SELECT timestamp, lat, lon, quality FROM impacts
		WHERE timestamp BETWEEN ? AND ?`
	args := []any{formatTime(start), formatTime(end)}

	if filter != nil {
		latMin, latMax, lonMin, lonMax := filter.BoundingBox()
		query += `
		AND rowid IN (
			SELECT id FROM impacts_rtree
			WHERE min_lat <= ? AND max_lat >= ?
			  AND min_lon <= ? AND max_lon >= ?
		)`
		// Bound order matches the four R-Tree clauses above.
		args = append(args, latMax, latMin, lonMax, lonMin)
	}
	query += ` ORDER BY timestamp, lat, lon`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, fmt.Errorf("query range: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var strikes []domain.Strike
	for rows.Next() {
		var raw string
		var lat, lon sql.NullFloat64
		var quality sql.NullInt64
		if err := rows.Scan(&raw, &lat, &lon, &quality); err != nil {
			return nil, fmt.Errorf("scan strike: %w", err)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.Warn("skipping strike with unparseable timestamp", "value", raw)
			continue
		}
		strike := domain.Strike{Timestamp: t.UTC()}
		if lat.Valid {
			v := lat.Float64
			strike.Lat = &v
		}
		if lon.Valid {
			v := lon.Float64
			strike.Lon = &v
		}
		if quality.Valid {
			v := int(quality.Int64)
			strike.Quality = &v
		}
		if filter != nil {
			if !strike.Positioned() {
				continue
			}
			if domain.HaversineKM(filter.Lat, filter.Lon, *strike.Lat, *strike.Lon) > filter.RadiusKM {
				continue
			}
		}
		strikes = append(strikes, strike)
	}
	return strikes, rows.Err()
}

// PurgeBefore deletes all strikes strictly older than cutoff, then prunes
// spatial index entries whose strike no longer exists. Both deletes run in
// one transaction so a crash mid-purge cannot leave the index referencing
// deleted rows. Returns the number of strikes deleted.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeImpacts(ctx, `timestamp < ?`, formatTime(cutoff))
}

// PurgeRange deletes strikes with start <= timestamp < end, pruning the
// spatial index in the same transaction. Used by manual purge windows.
func (s *Store) PurgeRange(ctx context.Context, start, end time.Time) (int64, error) {
	return s.purgeImpacts(ctx, `timestamp >= ? AND timestamp < ?`, formatTime(start), formatTime(end))
}

func (s *Store) purgeImpacts(ctx context.Context, where string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("begin purge: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM impacts WHERE `+where, args...)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("delete impacts: %w", err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	// Orphan cleanup keeps the index/strike invariant; it is idempotent, so
	// it also repairs any orphans an earlier failed run left behind.
	_, err = tx.ExecContext(ctx, `DELETE FROM impacts_rtree WHERE id NOT IN (SELECT rowid FROM impacts)`)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("prune spatial index: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("commit purge: %w", err))
	}
	return deleted, nil
}

// PurgeEvents deletes audit events older than olderThan whose described
// period is unset or itself older than stalePeriodBefore. A recent event is
// always kept regardless of its period; an old event about recent data
// survives until that data ages out too. Returns the count deleted.
func (s *Store) PurgeEvents(ctx context.Context, olderThan, stalePeriodBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE timestamp < ?
		  AND (event_period IS NULL OR event_period < ?)`,
		formatTime(olderThan), formatTime(stalePeriodBefore))
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("delete events: %w", err))
	}
	return res.RowsAffected()
}

// RecordEvent appends an audit event. Details is serialized as JSON; period,
// when set, records the upper bound of the data range the event describes.
func (s *Store) RecordEvent(ctx context.Context, at time.Time, kind string, details any, period *time.Time) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	var periodVal any
	if period != nil {
		periodVal = formatTime(*period)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, event_type, details, event_period) VALUES (?, ?, ?, ?)`,
		formatTime(at), kind, string(payload), periodVal)
	if err != nil {
		return errors.Join(ErrUnavailable, fmt.Errorf("record event: %w", err))
	}
	return nil
}

// LastEventTime returns the timestamp of the most recent event of the given
// kind. The second return is false when no such event exists. A missing
// events table (fresh install) is not an error.
func (s *Store) LastEventTime(ctx context.Context, kind string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM events WHERE event_type = ?`, kind).Scan(&raw)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.Join(ErrUnavailable, fmt.Errorf("query last event: %w", err))
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse event timestamp %q: %w", raw.String, err)
	}
	return t.UTC(), true, nil
}

// RecentEvents returns the newest audit events, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, event_type, details, event_period FROM events
		ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, fmt.Errorf("query events: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			ts      string
			kind    sql.NullString
			details sql.NullString
			period  sql.NullString
		)
		if err := rows.Scan(&ts, &kind, &details, &period); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		ev := domain.AuditEvent{Timestamp: at.UTC(), Kind: kind.String, Details: details.String}
		if period.Valid {
			p, err := time.Parse(time.RFC3339, period.String)
			if err != nil {
				return nil, fmt.Errorf("parse event period %q: %w", period.String, err)
			}
			p = p.UTC()
			ev.Period = &p
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the number of stored events of the given kind.
func (s *Store) CountEvents(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_type = ?`, kind).Scan(&n)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, fmt.Errorf("count events: %w", err))
	}
	return n, nil
}

// LatestStrikeTime returns the most recent strike timestamp on disk, used to
// frame incremental downloads. The second return is false when the table is
// empty.
func (s *Store) LatestStrikeTime(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM impacts`).Scan(&raw)
	if err != nil {
		return time.Time{}, false, errors.Join(ErrUnavailable, fmt.Errorf("query latest strike: %w", err))
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse strike timestamp %q: %w", raw.String, err)
	}
	return t.UTC(), true, nil
}

// Vacuum reclaims disk space after deletions. Best-effort: queries remain
// correct without it.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
