// Package coordinator decides when ingest and purge runs are due, drives them
// with a bounded retry loop, and leaves an audit trail of every attempt.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/strikekeeper/strikekeeper/internal/domain"
	"github.com/strikekeeper/strikekeeper/internal/ingest"
	"github.com/strikekeeper/strikekeeper/internal/observability"
	"github.com/strikekeeper/strikekeeper/internal/retention"
)

// EventStore is the audit-trail slice of the store the coordinator reads and
// writes.
type EventStore interface {
	LastEventTime(ctx context.Context, kind string) (time.Time, bool, error)
	LatestStrikeTime(ctx context.Context) (time.Time, bool, error)
	RecordEvent(ctx context.Context, at time.Time, kind string, details any, period *time.Time) error
}

// Ingester runs one ingest pass over a time window.
type Ingester interface {
	Ingest(ctx context.Context, start, end time.Time) (ingest.Summary, error)
}

// Purger runs one purge pass.
type Purger interface {
	Purge(ctx context.Context, po retention.PurgeOptions) (retention.Result, error)
}

// Notifier receives operator-facing messages about retry and failure states.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes notifications to the log. It is the default sink when no
// external channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string) error {
	n.Logger.Warn("notification", "message", message)
	return nil
}

// Options bound the coordinator's scheduling decisions.
type Options struct {
	IngestStaleness time.Duration // ingest is due when the last success is older than this
	PurgeStaleness  time.Duration // purge is due on the same rule
	MaxAttempts     int           // ingest attempts per run, including the first
	RetryDelay      time.Duration // wait between failed attempts
	SafetyLag       time.Duration // provider data this recent is assumed incomplete
	Lookback        time.Duration // deepest window a fresh database backfills
}

// Coordinator is the scheduling layer above the ingest pipeline and the
// retention manager.
type Coordinator struct {
	store    EventStore
	ingester Ingester
	purger   Purger
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
	opts     Options
}

func New(st EventStore, ing Ingester, purger Purger, notifier Notifier, logger *slog.Logger,
	metrics *observability.Metrics, clock clockwork.Clock, opts Options) *Coordinator {
	if opts.IngestStaleness <= 0 {
		opts.IngestStaleness = 8 * time.Hour
	}
	if opts.PurgeStaleness <= 0 {
		opts.PurgeStaleness = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.SafetyLag <= 0 {
		opts.SafetyLag = 30 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * 24 * time.Hour
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Coordinator{
		store: st, ingester: ing, purger: purger, notifier: notifier,
		logger: logger, metrics: metrics, clock: clock, opts: opts,
	}
}

// Run executes one coordination pass: ingest if the data is stale, then purge
// if the last purge is stale. The two steps are scheduled independently: a
// failed ingest never skips a due purge, and the combined outcome is
// reported. A run that finds everything fresh does nothing and is not an
// error.
func (c *Coordinator) Run(ctx context.Context) error {
	var errs []error

	ingestDue, err := c.due(ctx, domain.EventDownloadSuccess, c.opts.IngestStaleness)
	if err != nil {
		c.metrics.CoordinatorRuns.WithLabelValues("error").Inc()
		return err
	}
	if ingestDue {
		if err := c.runIngest(ctx); err != nil {
			errs = append(errs, err)
		}
	} else {
		c.logger.Debug("ingest not due")
	}

	if ctx.Err() != nil {
		c.metrics.CoordinatorRuns.WithLabelValues("error").Inc()
		return errors.Join(append(errs, ctx.Err())...)
	}

	purgeDue, err := c.due(ctx, domain.EventPurge, c.opts.PurgeStaleness)
	if err != nil {
		c.metrics.CoordinatorRuns.WithLabelValues("error").Inc()
		return errors.Join(append(errs, err)...)
	}
	if purgeDue {
		if _, err := c.purger.Purge(ctx, retention.PurgeOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("scheduled purge: %w", err))
		}
	} else {
		c.logger.Debug("purge not due")
	}

	if len(errs) > 0 {
		c.metrics.CoordinatorRuns.WithLabelValues("error").Inc()
		return errors.Join(errs...)
	}
	c.metrics.CoordinatorRuns.WithLabelValues("ok").Inc()
	return nil
}

// due reports whether the most recent event of the given kind is older than
// the staleness threshold. A missing event means the work has never run, so
// it is due.
func (c *Coordinator) due(ctx context.Context, kind string, staleness time.Duration) (bool, error) {
	last, ok, err := c.store.LastEventTime(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("last %s event: %w", kind, err)
	}
	if !ok {
		return true, nil
	}
	return c.clock.Now().UTC().Sub(last) >= staleness, nil
}

// ingestWindow derives the half-open window the next ingest should cover. The
// end stops short of now by the safety lag because the provider's freshest
// slots may still be filling. The start resumes one slot after the newest
// stored strike, or reaches back the full lookback on a fresh database.
func (c *Coordinator) ingestWindow(ctx context.Context) (start, end time.Time, err error) {
	now := c.clock.Now().UTC()
	end = domain.TruncateToSlot(now.Add(-c.opts.SafetyLag))

	latest, ok, err := c.store.LatestStrikeTime(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("latest strike time: %w", err)
	}
	if ok {
		start = domain.TruncateToSlot(latest).Add(domain.SlotWidth)
	} else {
		start = end.Add(-c.opts.Lookback)
	}
	return start, end, nil
}

func (c *Coordinator) runIngest(ctx context.Context) error {
	start, end, err := c.ingestWindow(ctx)
	if err != nil {
		return err
	}
	now := c.clock.Now().UTC()

	if !start.Before(end) {
		// Already caught up to the safety lag. Record the success so the
		// staleness check does not fire again immediately.
		c.logger.Info("data already current", "through", end)
		return c.store.RecordEvent(ctx, now, domain.EventDownloadSuccess,
			map[string]any{"up_to_date": true}, &end)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		attemptAt := c.clock.Now().UTC()
		details := map[string]any{"attempt": attempt, "start": start, "end": end}
		if err := c.store.RecordEvent(ctx, attemptAt, domain.EventDownloadAttempt, details, &end); err != nil {
			return err
		}

		sum, err := c.ingester.Ingest(ctx, start, end)
		if err == nil {
			c.logger.Info("ingest run succeeded",
				"attempt", attempt, "units", sum.UnitsAttempted, "inserted", sum.StrikesInserted)
			return c.store.RecordEvent(ctx, c.clock.Now().UTC(), domain.EventDownloadSuccess,
				map[string]any{"attempt": attempt, "strikes_inserted": sum.StrikesInserted}, &end)
		}
		lastErr = err

		if recErr := c.store.RecordEvent(ctx, c.clock.Now().UTC(), domain.EventDownloadError,
			map[string]any{"attempt": attempt, "error": err.Error()}, &end); recErr != nil {
			return recErr
		}

		if attempt < c.opts.MaxAttempts {
			next := c.clock.Now().UTC().Add(c.opts.RetryDelay)
			c.notify(ctx, fmt.Sprintf("strike download failed (attempt %d/%d): %v; retrying at %s",
				attempt, c.opts.MaxAttempts, err, next.Format(time.RFC3339)))
			if !c.sleep(ctx, c.opts.RetryDelay) {
				return ctx.Err()
			}
		}
	}

	c.notify(ctx, fmt.Sprintf("strike download failed after %d attempts: %v; giving up until next cycle",
		c.opts.MaxAttempts, lastErr))
	return fmt.Errorf("ingest failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *Coordinator) notify(ctx context.Context, message string) {
	if err := c.notifier.Notify(ctx, message); err != nil {
		c.logger.Warn("notification delivery failed", "error", err)
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}
