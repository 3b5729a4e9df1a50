// Package retention enforces the rolling data window: strikes older than the
// configured horizon are deleted, stale audit events are trimmed on a longer
// grace period, and every run leaves a purge event behind.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/strikekeeper/strikekeeper/internal/domain"
	"github.com/strikekeeper/strikekeeper/internal/observability"
)

// PurgeStore is the slice of the store the manager drives.
type PurgeStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeRange(ctx context.Context, start, end time.Time) (int64, error)
	PurgeEvents(ctx context.Context, olderThan, stalePeriodBefore time.Time) (int64, error)
	RecordEvent(ctx context.Context, at time.Time, kind string, details any, period *time.Time) error
	Vacuum(ctx context.Context) error
}

// Options bound the retention window.
type Options struct {
	RetentionDays  int // strikes older than this are purged
	EventGraceDays int // audit events survive this much longer
}

// Window is an explicit half-open interval for manual purges.
type Window struct {
	Start time.Time
	End   time.Time
}

// PurgeOptions select between scheduled and manual purge behavior.
type PurgeOptions struct {
	// Manual, when set, deletes strikes in [Start, End) instead of applying
	// the retention cutoff. Event trimming is skipped in manual mode.
	Manual *Window
	// DisableEventPurge keeps all audit events during a retention purge.
	DisableEventPurge bool
}

// Result reports what one purge run deleted.
type Result struct {
	Mode           string // "retention" or "manual"
	Cutoff         time.Time
	StrikesDeleted int64
	EventsDeleted  int64
}

// Manager runs purge passes against the store.
type Manager struct {
	store   PurgeStore
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	opts    Options
}

func New(st PurgeStore, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, opts Options) *Manager {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 15
	}
	if opts.EventGraceDays <= 0 {
		opts.EventGraceDays = 2
	}
	return &Manager{store: st, logger: logger, metrics: metrics, clock: clock, opts: opts}
}

// Purge deletes expired strikes and stale events, records a purge event
// describing the run, and compacts the database file. The purge event is
// written after the deletions so it reflects what actually happened.
func (m *Manager) Purge(ctx context.Context, po PurgeOptions) (Result, error) {
	now := m.clock.Now().UTC()

	var res Result
	var err error
	if po.Manual != nil {
		res, err = m.purgeManual(ctx, now, *po.Manual)
	} else {
		res, err = m.purgeRetention(ctx, now, po.DisableEventPurge)
	}
	if err != nil {
		return res, err
	}

	m.metrics.PurgeRuns.WithLabelValues(res.Mode).Inc()
	m.metrics.PurgeDeleted.WithLabelValues("impacts").Add(float64(res.StrikesDeleted))
	m.metrics.PurgeDeleted.WithLabelValues("events").Add(float64(res.EventsDeleted))

	details := map[string]any{
		"mode":            res.Mode,
		"strikes_deleted": res.StrikesDeleted,
		"events_deleted":  res.EventsDeleted,
	}
	period := res.Cutoff
	if err := m.store.RecordEvent(ctx, now, domain.EventPurge, details, &period); err != nil {
		return res, fmt.Errorf("record purge event: %w", err)
	}

	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Warn("vacuum after purge failed", "error", err)
	}

	m.logger.Info("purge complete",
		"mode", res.Mode, "cutoff", res.Cutoff,
		"strikes_deleted", res.StrikesDeleted, "events_deleted", res.EventsDeleted)
	return res, nil
}

func (m *Manager) purgeRetention(ctx context.Context, now time.Time, disableEventPurge bool) (Result, error) {
	cutoff := now.AddDate(0, 0, -m.opts.RetentionDays)
	res := Result{Mode: "retention", Cutoff: cutoff}

	strikes, err := m.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge strikes before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	res.StrikesDeleted = strikes

	if disableEventPurge {
		m.logger.Info("event purge disabled, keeping all audit events")
		return res, nil
	}

	// Events outlive strikes by the grace period so the audit trail for the
	// freshest deletions is still inspectable.
	eventCutoff := now.AddDate(0, 0, -m.opts.EventGraceDays)
	events, err := m.store.PurgeEvents(ctx, eventCutoff, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge events: %w", err)
	}
	res.EventsDeleted = events
	return res, nil
}

func (m *Manager) purgeManual(ctx context.Context, now time.Time, w Window) (Result, error) {
	if !w.Start.Before(w.End) {
		return Result{Mode: "manual"}, fmt.Errorf("manual purge window %s..%s is empty",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	res := Result{Mode: "manual", Cutoff: w.End}

	strikes, err := m.store.PurgeRange(ctx, w.Start, w.End)
	if err != nil {
		return res, fmt.Errorf("purge strikes in window: %w", err)
	}
	res.StrikesDeleted = strikes
	return res, nil
}
