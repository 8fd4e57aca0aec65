package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/attribution/internal/ledger/repository"
	"github.com/smallbiznis/attribution/internal/migration"
	"github.com/smallbiznis/attribution/internal/observability"
	"github.com/smallbiznis/attribution/internal/pipeline"
	"github.com/smallbiznis/attribution/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRunner struct {
	err      error
	triggers []string
	canceled bool
}

func (f *fakeRunner) Execute(ctx context.Context, trigger string) (*ledgerdomain.Run, error) {
	f.triggers = append(f.triggers, trigger)
	f.canceled = ctx.Done() != nil
	if f.err != nil {
		return nil, f.err
	}
	return &ledgerdomain.Run{ID: 42, Trigger: trigger, Status: ledgerdomain.RunStatusSucceeded}, nil
}

func newTestServer(t *testing.T, runner Runner) (*Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest(t.Name())
	require.NoError(t, err)
	require.NoError(t, migration.Apply(conn))

	srv := NewServer(ServerParams{
		Gin:    NewEngine(observability.Config{Environment: "test"}),
		DB:     conn,
		Log:    zap.NewNop(),
		Runner: runner,
		Ledger: ledgerrepo.Provide(),
	})
	return srv, conn
}

func do(t *testing.T, srv *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func errorType(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	kind, _ := payload["type"].(string)
	return kind
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	rec, body := do(t, srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestTriggerRun(t *testing.T) {
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, runner)

	rec, body := do(t, srv, http.MethodPost, "/internal/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{pipeline.TriggerManual}, runner.triggers)
	require.False(t, runner.canceled, "run must not inherit request cancellation")

	data := body["data"].(map[string]any)
	require.Equal(t, "42", data["id"])
	require.Equal(t, "succeeded", data["status"])
}

func TestTriggerRunConflict(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{err: pipeline.ErrRunInProgress})

	rec, body := do(t, srv, http.MethodPost, "/internal/runs")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", errorType(body))
}

func TestTriggerRunInvalidSnapshot(t *testing.T) {
	err := fmt.Errorf("%w: duplicate_key: sessions %q", pipeline.ErrInvalidSnapshot, "s_1")
	srv, _ := newTestServer(t, &fakeRunner{err: err})

	rec, body := do(t, srv, http.MethodPost, "/internal/runs")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid_snapshot", errorType(body))
}

func TestLatestRun(t *testing.T) {
	srv, conn := newTestServer(t, &fakeRunner{})

	rec, body := do(t, srv, http.MethodGet, "/api/runs/latest")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorType(body))

	started := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&ledgerdomain.Run{ID: 9, Trigger: "scheduler", Status: ledgerdomain.RunStatusFailed, StartedAt: started}).Error)

	rec, body = do(t, srv, http.MethodGet, "/api/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	require.Equal(t, "9", data["id"])
	require.Equal(t, "failed", data["status"])
}

func TestListLedgerPaginates(t *testing.T) {
	srv, conn := newTestServer(t, &fakeRunner{})
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.Create(&ledgerdomain.RevenueEntry{
			RunID:                1,
			AttemptID:            fmt.Sprintf("pa_%d", i),
			Amount:               int64(i * 100),
			GrossAmount:          int64(i * 100),
			Currency:             "USD",
			AttributionTimestamp: day,
			ChargedAt:            day,
			Path:                 "organic",
		}).Error)
	}

	rec, body := do(t, srv, http.MethodGet, "/api/ledger?page_size=2&currency=usd")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 2)
	info := body["page_info"].(map[string]any)
	require.Equal(t, true, info["has_more"])

	rec, body = do(t, srv, http.MethodGet, "/api/ledger?page_size=2&page_token="+info["next_page_token"].(string))
	require.Equal(t, http.StatusOK, rec.Code)
	rows := body["data"].([]any)
	require.Len(t, rows, 1)
	require.Equal(t, "pa_3", rows[0].(map[string]any)["attempt_id"])
}

func TestListLedgerRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	for _, path := range []string{
		"/api/ledger?page_token=%25%25",
		"/api/ledger?from=yesterday",
		"/api/ledger?from=2024-03-02&to=2024-03-01",
		"/api/ledger?page_size=0",
	} {
		rec, body := do(t, srv, http.MethodGet, path)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		require.Equal(t, "validation_error", errorType(body), path)
	}
}

func TestListDailyRollupsByRange(t *testing.T) {
	srv, conn := newTestServer(t, &fakeRunner{})
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Create([]ledgerdomain.DailyRollup{
		{RunID: 1, Date: day, Currency: "USD", Revenue: 100},
		{RunID: 1, Date: day.AddDate(0, 0, 1), Currency: "USD", Revenue: 200},
	}).Error)

	rec, body := do(t, srv, http.MethodGet, "/api/rollups/daily?from=2024-03-01&to=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := body["data"].([]any)
	require.Len(t, rows, 1)
	require.Equal(t, float64(100), rows[0].(map[string]any)["revenue"])

	rec, _ = do(t, srv, http.MethodGet, "/api/rollups/funnels")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, srv, http.MethodGet, "/api/rollups/campaigns")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListSegmentRollups(t *testing.T) {
	srv, conn := newTestServer(t, &fakeRunner{})
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Create([]ledgerdomain.ChannelDailyRollup{
		{RunID: 1, Date: day, Channel: "facebook", Currency: "USD", Sessions: 2, Revenue: 100},
		{RunID: 1, Date: day, Channel: "", Currency: "USD", Sessions: 1, Revenue: 50},
	}).Error)
	require.NoError(t, conn.Create(&ledgerdomain.PlanDailyRollup{RunID: 1, Date: day, BillingInterval: "month", Currency: "USD", Subscriptions: 1, Revenue: 150}).Error)

	rec, body := do(t, srv, http.MethodGet, "/api/rollups/channels")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := body["data"].([]any)
	require.Len(t, rows, 2)
	require.Equal(t, "", rows[0].(map[string]any)["channel"])
	require.Equal(t, "facebook", rows[1].(map[string]any)["channel"])

	rec, body = do(t, srv, http.MethodGet, "/api/rollups/plans?from=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 1)

	rec, body = do(t, srv, http.MethodGet, "/api/rollups/countries")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["data"])
}

func TestParseOptionalTime(t *testing.T) {
	got, err := parseOptionalTime("2024-03-01", true)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseOptionalTime("2024-03-01T10:00:00+02:00", false)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), *got)

	got, err = parseOptionalTime(" ", false)
	require.NoError(t, err)
	require.Nil(t, got)
}
