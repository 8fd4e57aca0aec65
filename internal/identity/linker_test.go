package identity

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func newTestLinker() *Linker {
	return NewLinker(Params{Log: zap.NewNop()})
}

func link(t *testing.T, snap snapshot.Snapshot) *Result {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Workers = 4
	result, err := newTestLinker().Link(context.Background(), snap, cfg)
	require.NoError(t, err)
	return result
}

func TestSessionSubscriptionPrefersExactKey(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{{ID: "s_1", ProfileID: "p_1", CreatedAt: at(0)}},
		Customers: []snapshot.Customer{
			{ID: "cus_1", ProfileID: "p_1"},
		},
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_near", CustomerID: "cus_1", CreatedAt: at(time.Minute)},
			{ID: "sub_exact", CustomerID: "cus_2", CreatedAt: at(50 * time.Minute),
				Metadata: datatypes.JSONMap{"session_reference": "s_1"}},
		},
	}

	result := link(t, snap)
	got, ok := result.Target(domain.KindSessionSubscription, "s_1")
	require.True(t, ok)
	require.Equal(t, "sub_exact", got.TargetID)
	require.Equal(t, domain.StrategyExactKey, got.Strategy)
	require.Equal(t, 1, got.ConfidenceRank)
	require.False(t, got.Ambiguous)
}

func TestSessionSubscriptionFallbacks(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{
			{ID: "s_indirect", CreatedAt: at(0)},
			{ID: "s_window", ProfileID: "p_9", CreatedAt: at(0)},
			{ID: "s_far", ProfileID: "p_far", CreatedAt: at(0)},
			{ID: "s_landing", CreatedAt: at(0)},
		},
		Customers: []snapshot.Customer{
			{ID: "cus_a", Metadata: datatypes.JSONMap{"ff_session_id": "s_indirect"}},
			{ID: "cus_b", ProfileID: "p_9"},
			{ID: "cus_c", ProfileID: "p_far"},
		},
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_a", CustomerID: "cus_a", CreatedAt: at(3 * time.Hour)},
			{ID: "sub_b", CustomerID: "cus_b", CreatedAt: at(45 * time.Minute)},
			{ID: "sub_c", CustomerID: "cus_c", CreatedAt: at(2 * time.Hour)},
			{ID: "sub_d", CustomerID: "cus_d", CreatedAt: at(time.Hour * 5),
				Metadata: datatypes.JSONMap{"landing_url": "https://pay.example.com/checkout?fsid=s_landing&plan=m"}},
		},
	}

	result := link(t, snap)

	got, ok := result.Target(domain.KindSessionSubscription, "s_indirect")
	require.True(t, ok)
	require.Equal(t, "sub_a", got.TargetID)
	require.Equal(t, domain.StrategyIndirect, got.Strategy)

	got, ok = result.Target(domain.KindSessionSubscription, "s_window")
	require.True(t, ok)
	require.Equal(t, "sub_b", got.TargetID)
	require.Equal(t, domain.StrategyTimeWindow, got.Strategy)
	require.Equal(t, 45*time.Minute, got.Delta)

	_, ok = result.Target(domain.KindSessionSubscription, "s_far")
	require.False(t, ok, "outside the one hour window")

	got, ok = result.Target(domain.KindSessionSubscription, "s_landing")
	require.True(t, ok)
	require.Equal(t, "sub_d", got.TargetID)
	require.Equal(t, domain.StrategyPayloadExtraction, got.Strategy)
	require.Equal(t, 4, got.ConfidenceRank)
}

func TestTimeWindowTieBreak(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions:  []snapshot.Session{{ID: "s_1", ProfileID: "p_1", CreatedAt: at(0)}},
		Customers: []snapshot.Customer{{ID: "cus_1", ProfileID: "p_1"}},
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_late", CustomerID: "cus_1", CreatedAt: at(10 * time.Minute)},
			{ID: "sub_z", CustomerID: "cus_1", CreatedAt: at(-5 * time.Minute)},
			{ID: "sub_y", CustomerID: "cus_1", CreatedAt: at(5 * time.Minute)},
		},
	}

	result := link(t, snap)
	got, ok := result.Target(domain.KindSessionSubscription, "s_1")
	require.True(t, ok)
	// sub_z and sub_y are equally close; the earlier one wins.
	require.Equal(t, "sub_z", got.TargetID)
	require.True(t, got.Ambiguous)
	require.Equal(t, 3, got.Candidates)
}

func TestTieBreakFallsBackToID(t *testing.T) {
	best, count := pick(at(0), []Candidate{
		{ID: "b", At: at(time.Minute)},
		{ID: "a", At: at(time.Minute)},
		{ID: "a", At: at(time.Minute)},
	})
	require.Equal(t, "a", best.ID)
	require.Equal(t, 2, count)
}

func TestSubscriptionPaymentChain(t *testing.T) {
	snap := snapshot.Snapshot{
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_1", CustomerID: "cus_1", CreatedAt: at(0)},
			{ID: "sub_2", CustomerID: "cus_2", CreatedAt: at(0)},
			{ID: "sub_3", CustomerID: "cus_3", CreatedAt: at(0)},
		},
		Invoices: []snapshot.Invoice{{ID: "in_1", SubscriptionID: "sub_2", CustomerID: "cus_2"}},
		PaymentAttempts: []snapshot.PaymentAttempt{
			{ID: "ch_meta", CustomerID: "cus_9", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(time.Hour),
				Metadata: datatypes.JSONMap{"subscription_id": "sub_1"}},
			{ID: "ch_inv", CustomerID: "cus_9", InvoiceID: "in_1", Status: snapshot.AttemptStatusFailed,
				FailureCode: "do_not_honor", CreatedAt: at(time.Hour)},
			{ID: "ch_window", CustomerID: "cus_3", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(2 * time.Minute)},
			{ID: "ch_desc", CustomerID: "cus_9", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(time.Hour),
				Description: "Subscription creation sub_3"},
			{ID: "ch_unknown", CustomerID: "cus_9", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(time.Hour),
				Metadata: datatypes.JSONMap{"subscription_id": "sub_missing"}},
		},
	}

	result := link(t, snap)
	expect := map[string]struct {
		target   string
		strategy domain.Strategy
	}{
		"ch_meta":   {"sub_1", domain.StrategyExactKey},
		"ch_inv":    {"sub_2", domain.StrategyIndirect},
		"ch_window": {"sub_3", domain.StrategyTimeWindow},
		"ch_desc":   {"sub_3", domain.StrategyPayloadExtraction},
	}
	for source, want := range expect {
		got, ok := result.Target(domain.KindSubscriptionPayment, source)
		require.True(t, ok, source)
		require.Equal(t, want.target, got.TargetID, source)
		require.Equal(t, want.strategy, got.Strategy, source)
	}
	_, ok := result.Target(domain.KindSubscriptionPayment, "ch_unknown")
	require.False(t, ok)
}

func TestSessionEngagementAndAd(t *testing.T) {
	day := snapshot.DayOf(base)
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{
			{ID: "s_1", CreatedAt: at(0)},
			{ID: "s_2", CreatedAt: at(0), Origin: "https://f.example.com/?utm_campaign=camp_7"},
			{ID: "s_3", CreatedAt: at(0), Origin: "https://f.example.com/?ad_id=ad_3"},
		},
		EngagementEvents: []snapshot.EngagementEvent{
			{ID: "e_1", EventTime: at(30 * time.Second), PageLocation: "not a url fsid=s_1 trailing",
				UserProperties: datatypes.JSONMap{"utm_campaign": "ad_1", "utm_source": "Face Book"}},
		},
		AdSpend: []snapshot.AdSpendRecord{
			{CampaignID: "camp_1", AdID: "ad_1", Date: day, Spend: 1000},
			{CampaignID: "camp_7", AdID: "ad_7b", Date: day.AddDate(0, 0, 1)},
			{CampaignID: "camp_7", AdID: "ad_7a", Date: day.AddDate(0, 0, 1)},
			{CampaignID: "camp_3", AdID: "ad_3", Date: day},
		},
	}

	result := link(t, snap)

	got, ok := result.Target(domain.KindSessionEngagement, "s_1")
	require.True(t, ok)
	require.Equal(t, "e_1", got.TargetID)
	require.Equal(t, domain.StrategyPayloadExtraction, got.Strategy)

	got, ok = result.Target(domain.KindSessionAd, "s_1")
	require.True(t, ok)
	require.Equal(t, snap.AdSpend[0].Key(), got.TargetID)
	require.Equal(t, domain.StrategyIndirect, got.Strategy)

	got, ok = result.Target(domain.KindSessionAd, "s_2")
	require.True(t, ok)
	require.Equal(t, snap.AdSpend[2].Key(), got.TargetID, "same day distance, lexicographic key")
	require.Equal(t, domain.StrategyTimeWindow, got.Strategy)
	require.True(t, got.Ambiguous)

	got, ok = result.Target(domain.KindSessionAd, "s_3")
	require.True(t, ok)
	require.Equal(t, snap.AdSpend[3].Key(), got.TargetID)
	require.Equal(t, domain.StrategyPayloadExtraction, got.Strategy)
}

func TestFanOutSourcesAndUnlinkedSession(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{
			{ID: "s_b", CreatedAt: at(-time.Minute)},
			{ID: "s_a", CreatedAt: at(-2 * time.Minute)},
			{ID: "s_lonely", CreatedAt: at(0)},
		},
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_1", CustomerID: "cus_1", CreatedAt: at(0), Metadata: datatypes.JSONMap{"session_reference": "s_a"}},
		},
		Customers: []snapshot.Customer{{ID: "cus_1", Metadata: datatypes.JSONMap{"session_reference": "s_b"}}},
	}

	result := link(t, snap)
	require.Equal(t, []string{"s_a", "s_b"}, result.Sources(domain.KindSessionSubscription, "sub_1"))

	for _, kind := range domain.Kinds {
		_, ok := result.Target(kind, "s_lonely")
		require.False(t, ok, kind)
	}
}

func TestLinkIsIndependentOfWorkerCount(t *testing.T) {
	var snap snapshot.Snapshot
	for i := 0; i < 200; i++ {
		id := "s_" + string(rune('a'+i%26)) + time.Duration(i).String()
		snap.Sessions = append(snap.Sessions, snapshot.Session{ID: id, ProfileID: "p", CreatedAt: at(time.Duration(i) * time.Second)})
	}
	snap.Customers = []snapshot.Customer{{ID: "cus", ProfileID: "p"}}
	for i := 0; i < 50; i++ {
		snap.Subscriptions = append(snap.Subscriptions, snapshot.Subscription{
			ID: "sub_" + time.Duration(i).String(), CustomerID: "cus", CreatedAt: at(time.Duration(i*3) * time.Second),
		})
	}

	run := func(workers int) []domain.AttributionLink {
		cfg := config.DefaultEngineConfig()
		cfg.Workers = workers
		result, err := newTestLinker().Link(context.Background(), snap, cfg)
		require.NoError(t, err)
		return result.All()
	}
	require.Equal(t, run(1), run(7))
}

func TestLinkStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestLinker().Link(ctx, snapshot.Snapshot{
		Sessions: []snapshot.Session{{ID: "s_1", CreatedAt: at(0)}},
	}, config.DefaultEngineConfig())
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionPaymentSkipsExcludedCharges(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions:  []snapshot.Session{{ID: "s_1", ProfileID: "p_1", CreatedAt: at(0)}},
		Customers: []snapshot.Customer{{ID: "cus_1", ProfileID: "p_1"}},
		PaymentAttempts: []snapshot.PaymentAttempt{
			{ID: "ch_test", CustomerID: "cus_1", Amount: 100, Currency: "USD", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(time.Minute)},
			{ID: "ch_refunded", CustomerID: "cus_1", Amount: 900, Currency: "USD", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(90 * time.Second)},
			{ID: "ch_zero", CustomerID: "cus_1", Amount: 0, Currency: "USD", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(2 * time.Minute)},
			{ID: "ch_real", CustomerID: "cus_1", Amount: 5000, Currency: "USD", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at(3 * time.Minute)},
		},
		Refunds: []snapshot.Refund{{ID: "re_1", AttemptID: "ch_refunded", Amount: 900, CreatedAt: at(time.Hour)}},
	}

	result := link(t, snap)
	got, ok := result.Target(domain.KindSessionPayment, "s_1")
	require.True(t, ok)
	require.Equal(t, "ch_real", got.TargetID)
	require.Equal(t, domain.StrategyTimeWindow, got.Strategy)
	require.False(t, got.Ambiguous)
}
