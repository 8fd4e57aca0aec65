package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/internal/migration"
	"github.com/smallbiznis/attribution/pkg/db"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.NewTest(t.Name())
	require.NoError(t, err)
	require.NoError(t, migration.Apply(conn))
	return conn
}

func entry(runID snowflake.ID, attempt, currency string, amount int64, at time.Time) domain.RevenueEntry {
	return domain.RevenueEntry{
		RunID:                runID,
		AttemptID:            attempt,
		Amount:               amount,
		GrossAmount:          amount,
		Currency:             currency,
		AttributionTimestamp: at,
		ChargedAt:            at,
		Path:                 "organic",
	}
}

func TestReplaceSwapsEveryTable(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first := &domain.Publication{
		RunID: 1,
		Revenue: []domain.RevenueEntry{
			entry(1, "pa_1", "USD", 100, day),
			entry(1, "pa_2", "USD", 200, day),
		},
		Daily: []domain.DailyRollup{{RunID: 1, Date: day, Currency: "USD", Revenue: 300, RevenueRecords: 2}},
	}
	require.NoError(t, repo.Replace(ctx, conn, first))

	second := &domain.Publication{
		RunID:   2,
		Revenue: []domain.RevenueEntry{entry(2, "pa_3", "EUR", 50, day)},
	}
	require.NoError(t, repo.Replace(ctx, conn, second))

	var entries []domain.RevenueEntry
	require.NoError(t, conn.Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, "pa_3", entries[0].AttemptID)
	require.Equal(t, snowflake.ID(2), entries[0].RunID)

	var daily int64
	require.NoError(t, conn.Model(&domain.DailyRollup{}).Count(&daily).Error)
	require.Zero(t, daily)
}

func TestReplaceRollsBackOnFailure(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Replace(ctx, conn, &domain.Publication{
		RunID:   1,
		Revenue: []domain.RevenueEntry{entry(1, "pa_1", "USD", 100, day)},
	}))

	// Two rows with the same key violate the primary key mid-transaction.
	err := repo.Replace(ctx, conn, &domain.Publication{
		RunID: 2,
		Revenue: []domain.RevenueEntry{
			entry(2, "pa_9", "USD", 100, day),
			entry(2, "pa_9", "USD", 100, day),
		},
	})
	require.Error(t, err)
	require.True(t, db.IsDuplicateKeyErr(err))

	var entries []domain.RevenueEntry
	require.NoError(t, conn.Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, "pa_1", entries[0].AttemptID)
}

func TestRunLifecycle(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)

	_, err := repo.LatestRun(ctx, conn)
	require.ErrorIs(t, err, domain.ErrRunNotFound)

	older := &domain.Run{ID: 10, Trigger: "scheduler", Status: domain.RunStatusSucceeded, StartedAt: started}
	require.NoError(t, repo.InsertRun(ctx, conn, older))

	run := &domain.Run{ID: 11, Trigger: "manual", Status: domain.RunStatusRunning, StartedAt: started.Add(time.Hour)}
	require.NoError(t, repo.InsertRun(ctx, conn, run))

	finished := started.Add(2 * time.Hour)
	run.Status = domain.RunStatusSucceeded
	run.FinishedAt = &finished
	run.RevenueTotals = datatypes.JSONMap{"USD": int64(300)}
	run.Ambiguous = 2
	require.NoError(t, repo.UpdateRun(ctx, conn, run))

	latest, err := repo.LatestRun(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, snowflake.ID(11), latest.ID)
	require.Equal(t, domain.RunStatusSucceeded, latest.Status)
	require.Equal(t, "manual", latest.Trigger)
	require.Equal(t, 2, latest.Ambiguous)
	require.Equal(t, json.Number("300"), latest.RevenueTotals["USD"])
	require.NotNil(t, latest.FinishedAt)
	require.Nil(t, latest.FailureReason)
}

func TestListRevenuePagesAndFilters(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	session := "s_1"

	rows := []domain.RevenueEntry{
		entry(1, "pa_1", "USD", 100, day),
		entry(1, "pa_2", "USD", 200, day.Add(time.Hour)),
		entry(1, "pa_3", "EUR", 300, day.Add(2*time.Hour)),
		entry(1, "pa_4", "USD", 400, day.Add(48*time.Hour)),
	}
	rows[1].SessionID = &session
	require.NoError(t, repo.Replace(ctx, conn, &domain.Publication{RunID: 1, Revenue: rows}))

	page, err := repo.ListRevenue(ctx, conn, domain.RevenueFilter{}, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals another page")

	trimmed, info, err := pagination.BuildCursorPageInfo(page, 2, func(e *domain.RevenueEntry) string { return e.AttemptID })
	require.NoError(t, err)
	require.Len(t, trimmed, 2)
	require.True(t, info.HasMore)

	next, err := repo.ListRevenue(ctx, conn, domain.RevenueFilter{}, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next, 2)
	require.Equal(t, "pa_3", next[0].AttemptID)

	usd, err := repo.ListRevenue(ctx, conn, domain.RevenueFilter{
		Currency: "USD",
		Range:    domain.DateRange{From: day, To: day.Add(24 * time.Hour)},
	}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, usd, 2)

	bySession, err := repo.ListRevenue(ctx, conn, domain.RevenueFilter{SessionID: session}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	require.Equal(t, "pa_2", bySession[0].AttemptID)

	_, err = repo.ListRevenue(ctx, conn, domain.RevenueFilter{}, pagination.Pagination{PageToken: "%%%"})
	require.Error(t, err)
}

func TestListRollupsOrdered(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Replace(ctx, conn, &domain.Publication{
		RunID: 1,
		Funnels: []domain.FunnelDailyRollup{
			{RunID: 1, Date: day, FunnelID: "f_2", Currency: "USD", Revenue: 5},
			{RunID: 1, Date: day, FunnelID: "f_1", Currency: "USD", Revenue: 7},
		},
		Campaigns: []domain.CampaignDailyRollup{
			{RunID: 1, Date: day, CampaignID: "c_1", AdID: "ad_2", Currency: "USD"},
			{RunID: 1, Date: day, CampaignID: "c_1", AdID: "ad_1", Currency: "USD"},
		},
	}))

	funnels, err := repo.ListFunnels(ctx, conn, domain.DateRange{})
	require.NoError(t, err)
	require.Len(t, funnels, 2)
	require.Equal(t, "f_1", funnels[0].FunnelID)

	campaigns, err := repo.ListCampaigns(ctx, conn, domain.DateRange{})
	require.NoError(t, err)
	require.Equal(t, "ad_1", campaigns[0].AdID)

	daily, err := repo.ListDaily(ctx, conn, domain.DateRange{})
	require.NoError(t, err)
	require.Empty(t, daily)
}
