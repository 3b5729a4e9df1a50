// Package ingest turns a requested time range into discrete fetch units,
// downloads them concurrently, and hands parsed strikes to the store.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/strikekeeper/strikekeeper/internal/archive"
	"github.com/strikekeeper/strikekeeper/internal/domain"
	"github.com/strikekeeper/strikekeeper/internal/observability"
	"github.com/strikekeeper/strikekeeper/internal/store"
)

// SlotFetcher downloads the raw payload for one time slot.
type SlotFetcher interface {
	FetchSlot(ctx context.Context, slot time.Time) ([]byte, error)
}

// StrikeStore is the slice of the store the pipeline writes through.
type StrikeStore interface {
	ExistingTimestamps(ctx context.Context) (map[time.Time]struct{}, error)
	InsertStrikes(ctx context.Context, slot time.Time, rows []domain.Strike) (int, error)
}

// Options bound the pipeline's fetch behavior.
type Options struct {
	Concurrency    int           // worker pool size
	MaxRetries     int           // fetch attempts per unit before it fails
	RetryBaseDelay time.Duration // first backoff delay, doubled per attempt
	Lookback       time.Duration // maximum historical depth for one call
}

// Summary reports the aggregate outcome of one ingest call. Individual unit
// failures are absorbed; callers inspect the counts.
type Summary struct {
	UnitsPlanned    int
	UnitsSkipped    int // already on disk
	UnitsAttempted  int
	UnitsSucceeded  int
	StrikesInserted int
}

// Pipeline coordinates the fetch-parse-insert loop.
type Pipeline struct {
	store    StrikeStore
	fetcher  SlotFetcher
	archiver archive.Archiver // nil disables raw payload archiving
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
	opts     Options
}

// New creates a Pipeline. Zero-valued options fall back to the documented
// defaults (4 workers, 3 attempts, 1s base delay, 15-day lookback).
func New(st StrikeStore, fetcher SlotFetcher, archiver archive.Archiver, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * 24 * time.Hour
	}
	return &Pipeline{
		store:    st,
		fetcher:  fetcher,
		archiver: archiver,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		opts:     opts,
	}
}

// Ingest fetches and stores all units covering [start, end). The end is
// clamped to now and the start to the lookback horizon. Units whose slot is
// already on disk are skipped, making a restarted run resume where the last
// one stopped. Per-unit failures are logged and counted, never fatal; only
// store unavailability or cancellation aborts the call.
func (p *Pipeline) Ingest(ctx context.Context, start, end time.Time) (Summary, error) {
	var sum Summary

	now := p.clock.Now().UTC()
	if end.After(now) {
		p.logger.Warn("requested end is in the future, clamping", "end", end, "now", now)
		end = now
	}
	if horizon := now.Add(-p.opts.Lookback); start.Before(horizon) {
		p.logger.Warn("requested start exceeds lookback horizon, clamping", "start", start, "horizon", horizon)
		start = horizon
	}

	units := domain.UnitsBetween(start, end)
	sum.UnitsPlanned = len(units)
	if len(units) == 0 {
		p.logger.Info("nothing to ingest", "start", start, "end", end)
		return sum, nil
	}

	existing, err := p.store.ExistingTimestamps(ctx)
	if err != nil {
		return sum, fmt.Errorf("list existing timestamps: %w", err)
	}

	pending := make([]domain.FetchUnit, 0, len(units))
	for _, u := range units {
		if _, ok := existing[u.Slot]; ok {
			continue
		}
		pending = append(pending, u)
	}
	sum.UnitsSkipped = sum.UnitsPlanned - len(pending)
	sum.UnitsAttempted = len(pending)
	if len(pending) == 0 {
		p.logger.Info("all units already on disk", "units", sum.UnitsPlanned)
		return sum, nil
	}

	p.metrics.IngestRunning.Set(1)
	defer p.metrics.IngestRunning.Set(0)
	p.logger.Info("ingest starting",
		"start", start, "end", end,
		"units", len(pending), "skipped", sum.UnitsSkipped,
		"concurrency", p.opts.Concurrency)

	var succeeded, inserted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, unit := range pending {
		g.Go(func() error {
			// Skip dispatch once a storage failure or cancellation is pending.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			n, err := p.processUnit(gctx, unit)
			if err != nil {
				if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				p.logger.Warn("fetch unit failed", "slot", unit.Slot, "error", err)
				p.metrics.UnitsFetched.WithLabelValues("failure").Inc()
				return nil
			}
			succeeded.Add(1)
			inserted.Add(int64(n))
			p.metrics.UnitsFetched.WithLabelValues("success").Inc()
			p.metrics.StrikesInserted.Add(float64(n))
			return nil
		})
	}
	waitErr := g.Wait()

	sum.UnitsSucceeded = int(succeeded.Load())
	sum.StrikesInserted = int(inserted.Load())
	p.logger.Info("ingest finished",
		"attempted", sum.UnitsAttempted,
		"succeeded", sum.UnitsSucceeded,
		"inserted", sum.StrikesInserted)

	if waitErr != nil {
		return sum, fmt.Errorf("ingest aborted: %w", waitErr)
	}
	return sum, nil
}

// processUnit runs the full fetch-archive-parse-insert cycle for one unit
// and returns the number of new rows stored.
func (p *Pipeline) processUnit(ctx context.Context, unit domain.FetchUnit) (int, error) {
	began := p.clock.Now()
	data, err := p.fetchWithRetry(ctx, unit)
	p.metrics.FetchDuration.Observe(p.clock.Since(began).Seconds())
	if err != nil {
		return 0, err
	}

	if p.archiver != nil {
		if err := p.archiver.Save(unit.Slot, data); err != nil {
			p.logger.Warn("payload archive failed", "slot", unit.Slot, "error", err)
		}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return 0, errors.New("empty payload")
	}

	rows, dropped := parseStrikes(unit.Slot, data)
	if dropped > 0 {
		p.metrics.RecordsDropped.Add(float64(dropped))
		p.logger.Warn("dropped unparseable records", "slot", unit.Slot, "dropped", dropped)
	}
	if len(rows) == 0 {
		return 0, errors.New("no parseable records in payload")
	}

	n, err := p.store.InsertStrikes(ctx, unit.Slot, rows)
	if err != nil {
		return 0, fmt.Errorf("store unit: %w", err)
	}
	p.logger.Debug("unit stored", "slot", unit.Slot, "records", len(rows), "inserted", n)
	return n, nil
}

// fetchWithRetry downloads one unit with exponential backoff between
// attempts. The retry policy is attempt-based only: it does not distinguish
// failure causes.
func (p *Pipeline) fetchWithRetry(ctx context.Context, unit domain.FetchUnit) ([]byte, error) {
	delay := p.opts.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		data, err := p.fetcher.FetchSlot(ctx, unit.Slot)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == p.opts.MaxRetries {
			break
		}
		p.metrics.FetchRetries.Inc()
		p.logger.Warn("fetch attempt failed, backing off",
			"slot", unit.Slot, "attempt", attempt, "delay", delay, "error", err)
		if !p.sleepWithContext(ctx, delay) {
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("unit failed after %d attempts: %w", p.opts.MaxRetries, lastErr)
}

func (p *Pipeline) sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(d):
		return true
	}
}
