package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/strikekeeper/strikekeeper/internal/adapter/http"
	"github.com/strikekeeper/strikekeeper/internal/domain"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockStatus struct {
	latest  *time.Time
	success *time.Time
	purge   *time.Time
	events  []domain.AuditEvent
}

func (m *mockStatus) RecentEvents(_ context.Context, _ int) ([]domain.AuditEvent, error) {
	return m.events, nil
}

func (m *mockStatus) LatestStrikeTime(_ context.Context) (time.Time, bool, error) {
	if m.latest == nil {
		return time.Time{}, false, nil
	}
	return *m.latest, true, nil
}

func (m *mockStatus) LastEventTime(_ context.Context, kind string) (time.Time, bool, error) {
	var v *time.Time
	switch kind {
	case domain.EventDownloadSuccess:
		v = m.success
	case domain.EventPurge:
		v = m.purge
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	return *v, true, nil
}

func newTestServer(readyErr error, status *mockStatus) *httpadapter.Server {
	if status == nil {
		status = &mockStatus{}
	}
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, status, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("no successful pass yet"), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "no successful pass yet", body["error"])
}

func TestStatusReportsTimestamps(t *testing.T) {
	latest := time.Date(2024, time.June, 1, 0, 10, 0, 0, time.UTC)
	success := latest.Add(time.Hour)
	srv := newTestServer(nil, &mockStatus{latest: &latest, success: &success})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2024-06-01T00:10:00Z", body["latest_strike"])
	assert.Equal(t, "2024-06-01T01:10:00Z", body["last_ingest"])
	assert.NotContains(t, body, "last_purge")
}

func TestStatusIncludesRecentEvents(t *testing.T) {
	at := time.Date(2024, time.June, 1, 1, 0, 0, 0, time.UTC)
	srv := newTestServer(nil, &mockStatus{events: []domain.AuditEvent{
		{Timestamp: at, Kind: domain.EventDownloadSuccess},
	}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RecentEvents []struct {
			Timestamp time.Time `json:"timestamp"`
			Kind      string    `json:"kind"`
		} `json:"recent_events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.RecentEvents, 1)
	assert.Equal(t, domain.EventDownloadSuccess, body.RecentEvents[0].Kind)
	assert.True(t, at.Equal(body.RecentEvents[0].Timestamp))
}

func TestStatusEmptyDatabase(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
