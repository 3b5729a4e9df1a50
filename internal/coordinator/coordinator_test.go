package coordinator_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikekeeper/strikekeeper/internal/coordinator"
	"github.com/strikekeeper/strikekeeper/internal/domain"
	"github.com/strikekeeper/strikekeeper/internal/ingest"
	"github.com/strikekeeper/strikekeeper/internal/observability"
	"github.com/strikekeeper/strikekeeper/internal/retention"
	"github.com/strikekeeper/strikekeeper/internal/store"
)

var testNow = time.Date(2024, time.June, 16, 12, 0, 0, 0, time.UTC)

type window struct{ start, end time.Time }

type mockIngester struct {
	mu      sync.Mutex
	calls   []window
	err     error
	summary ingest.Summary
}

func (m *mockIngester) Ingest(_ context.Context, start, end time.Time) (ingest.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, window{start, end})
	return m.summary, m.err
}

func (m *mockIngester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockPurger records a purge event the way the retention manager does, so the
// staleness check sees the run.
type mockPurger struct {
	st    *store.Store
	clock clockwork.Clock
	calls int
}

func (m *mockPurger) Purge(ctx context.Context, _ retention.PurgeOptions) (retention.Result, error) {
	m.calls++
	err := m.st.RecordEvent(ctx, m.clock.Now().UTC(), domain.EventPurge, nil, nil)
	return retention.Result{Mode: "retention"}, err
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Notify(_ context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

type fixture struct {
	coord    *coordinator.Coordinator
	st       *store.Store
	ingester *mockIngester
	purger   *mockPurger
	notifier *mockNotifier
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, opts coordinator.Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strikes.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	ingester := &mockIngester{}
	purger := &mockPurger{st: st, clock: clock}
	notifier := &mockNotifier{}
	coord := coordinator.New(st, ingester, purger, notifier, slog.Default(),
		observability.NewMetricsForTesting(), clock, opts)
	return &fixture{coord: coord, st: st, ingester: ingester, purger: purger, notifier: notifier, clock: clock}
}

func TestRun_FreshDatabaseRunsEverything(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.Run(ctx))

	require.Equal(t, 1, f.ingester.callCount())
	assert.Equal(t, 1, f.purger.calls)

	// Fresh database backfills the full lookback, short of the safety lag.
	wantEnd := time.Date(2024, time.June, 16, 11, 30, 0, 0, time.UTC)
	got := f.ingester.calls[0]
	assert.Equal(t, wantEnd, got.end)
	assert.Equal(t, wantEnd.Add(-15*24*time.Hour), got.start)

	_, ok, err := f.st.LastEventTime(ctx, domain.EventDownloadSuccess)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_SecondPassIsIdempotent(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.Run(ctx))
	require.NoError(t, f.coord.Run(ctx))

	assert.Equal(t, 1, f.ingester.callCount(), "fresh success event suppresses the second ingest")
	assert.Equal(t, 1, f.purger.calls, "fresh purge event suppresses the second purge")
}

func TestRun_StaleSuccessTriggersIngest(t *testing.T) {
	f := newFixture(t, coordinator.Options{IngestStaleness: 8 * time.Hour})
	ctx := context.Background()

	require.NoError(t, f.st.RecordEvent(ctx, testNow.Add(-9*time.Hour), domain.EventDownloadSuccess, nil, nil))
	require.NoError(t, f.st.RecordEvent(ctx, testNow.Add(-time.Hour), domain.EventPurge, nil, nil))

	require.NoError(t, f.coord.Run(ctx))
	assert.Equal(t, 1, f.ingester.callCount())
	assert.Equal(t, 0, f.purger.calls)
}

func TestRun_WindowResumesAfterLatestStrike(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	ctx := context.Background()

	lat, lon := 48.85, 2.35
	last := time.Date(2024, time.June, 16, 10, 0, 0, 0, time.UTC)
	_, err := f.st.InsertStrikes(ctx, last, []domain.Strike{{Timestamp: last, Lat: &lat, Lon: &lon}})
	require.NoError(t, err)

	require.NoError(t, f.coord.Run(ctx))

	require.Equal(t, 1, f.ingester.callCount())
	got := f.ingester.calls[0]
	assert.Equal(t, last.Add(domain.SlotWidth), got.start)
	assert.Equal(t, time.Date(2024, time.June, 16, 11, 30, 0, 0, time.UTC), got.end)
}

func TestRun_UpToDateRecordsSuccessWithoutIngest(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	ctx := context.Background()

	// Newest strike is one slot behind the safety-lag horizon: nothing to do.
	lat, lon := 48.85, 2.35
	last := time.Date(2024, time.June, 16, 11, 20, 0, 0, time.UTC)
	_, err := f.st.InsertStrikes(ctx, last, []domain.Strike{{Timestamp: last, Lat: &lat, Lon: &lon}})
	require.NoError(t, err)

	require.NoError(t, f.coord.Run(ctx))

	assert.Equal(t, 0, f.ingester.callCount())
	_, ok, err := f.st.LastEventTime(ctx, domain.EventDownloadSuccess)
	require.NoError(t, err)
	assert.True(t, ok, "up-to-date runs still record a success event")
}

func TestRun_RetriesAndGivesUp(t *testing.T) {
	f := newFixture(t, coordinator.Options{MaxAttempts: 3, RetryDelay: -1})
	ctx := context.Background()

	f.ingester.err = errors.New("provider down")
	require.NoError(t, f.st.RecordEvent(ctx, testNow.Add(-time.Hour), domain.EventPurge, nil, nil))

	err := f.coord.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, f.ingester.callCount())

	attempts, err := f.st.CountEvents(ctx, domain.EventDownloadAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts)

	failures, err := f.st.CountEvents(ctx, domain.EventDownloadError)
	require.NoError(t, err)
	assert.Equal(t, int64(3), failures)

	_, ok, err := f.st.LastEventTime(ctx, domain.EventDownloadSuccess)
	require.NoError(t, err)
	assert.False(t, ok)

	// Two retry notices plus the final give-up notice.
	assert.Len(t, f.notifier.messages, 3)
	assert.Contains(t, f.notifier.messages[0], "retrying at")
	assert.Contains(t, f.notifier.messages[2], "giving up")
}

func TestRun_DuePurgeRunsAfterIngestFailure(t *testing.T) {
	f := newFixture(t, coordinator.Options{MaxAttempts: 2, RetryDelay: -1})
	ctx := context.Background()

	// Both steps due; the provider is down for the whole run.
	f.ingester.err = errors.New("provider down")

	err := f.coord.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")

	assert.Equal(t, 2, f.ingester.callCount())
	assert.Equal(t, 1, f.purger.calls, "purge is scheduled independently of the ingest outcome")

	_, ok, lastErr := f.st.LastEventTime(ctx, domain.EventPurge)
	require.NoError(t, lastErr)
	assert.True(t, ok)
}

func TestRun_SuccessAfterRetry(t *testing.T) {
	f := newFixture(t, coordinator.Options{MaxAttempts: 3, RetryDelay: -1})
	ctx := context.Background()

	flaky := &flakyIngester{failuresLeft: 1}
	coord := coordinator.New(f.st, flaky, f.purger, f.notifier, slog.Default(),
		observability.NewMetricsForTesting(), f.clock, coordinator.Options{MaxAttempts: 3, RetryDelay: -1})

	require.NoError(t, coord.Run(ctx))
	assert.Equal(t, 2, flaky.calls)

	_, ok, err := f.st.LastEventTime(ctx, domain.EventDownloadSuccess)
	require.NoError(t, err)
	assert.True(t, ok)

	failures, err := f.st.CountEvents(ctx, domain.EventDownloadError)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)
}

type flakyIngester struct {
	calls        int
	failuresLeft int
}

func (f *flakyIngester) Ingest(context.Context, time.Time, time.Time) (ingest.Summary, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return ingest.Summary{}, errors.New("transient provider error")
	}
	return ingest.Summary{}, nil
}
