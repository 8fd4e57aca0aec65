package migration

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"github.com/smallbiznis/attribution/pkg/db"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	require.Positive(t, ups)
	require.Equal(t, ups, downs)
}

func TestApplyAutoMigratesSqlite(t *testing.T) {
	conn, err := db.NewTest(t.Name())
	require.NoError(t, err)

	require.NoError(t, Apply(conn))
	for _, table := range []string{"raw_sessions", "attribution_runs", "revenue_ledger", "rollup_payments_daily", "rollup_channel_daily", "rollup_plan_daily"} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestApplyKeepsDuplicateRawKeys(t *testing.T) {
	conn, err := db.NewTest(t.Name())
	require.NoError(t, err)
	require.NoError(t, Apply(conn))

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&snapshotdomain.Session{ID: "s_1", CreatedAt: at}).Error)
	require.NoError(t, conn.Create(&snapshotdomain.Session{ID: "s_1", CreatedAt: at}).Error)
	require.NoError(t, conn.Create(&snapshotdomain.Refund{ID: "re_1", AttemptID: "pa_1", CreatedAt: at}).Error)
	require.NoError(t, conn.Create(&snapshotdomain.Refund{ID: "re_1", AttemptID: "pa_1", CreatedAt: at}).Error)

	var sessions int64
	require.NoError(t, conn.Model(&snapshotdomain.Session{}).Where("id = ?", "s_1").Count(&sessions).Error)
	require.Equal(t, int64(2), sessions)
	require.True(t, conn.Migrator().HasIndex(&snapshotdomain.Session{}, "idx_raw_sessions_profile_id"))

	// A second Apply leaves existing raw tables alone.
	require.NoError(t, Apply(conn))
}
