package revenue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var nine = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func succeeded(id string, amount int64, at time.Time) snapshot.PaymentAttempt {
	return snapshot.PaymentAttempt{ID: id, Amount: amount, Currency: "USD", Status: snapshot.AttemptStatusSucceeded, CreatedAt: at}
}

func testAmounts() func(int64) bool {
	return config.DefaultEngineConfig().IsTestAmount
}

func TestFanOutChargeCountsOnce(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{
			{ID: "s_b", ProfileID: "p_1", CreatedAt: nine.Add(-time.Minute)},
			{ID: "s_a", ProfileID: "p_1", CreatedAt: nine.Add(-2 * time.Minute)},
		},
		Customers: []snapshot.Customer{{ID: "cus_1", ProfileID: "p_1"}},
		PaymentAttempts: []snapshot.PaymentAttempt{
			func() snapshot.PaymentAttempt {
				a := succeeded("ch_1", 5000, nine)
				a.CustomerID = "cus_1"
				return a
			}(),
		},
	}
	links, err := identity.NewLinker(identity.Params{Log: zap.NewNop()}).Link(context.Background(), snap, config.DefaultEngineConfig())
	require.NoError(t, err)

	candidates := CandidatesFromLinks(links, snap.Sessions)
	require.Len(t, candidates, 2)

	ledger, err := Deduplicate(context.Background(), Input{
		Attempts:   snap.PaymentAttempts,
		Candidates: candidates,
		IsTest:     testAmounts(),
		Workers:    2,
	})
	require.NoError(t, err)
	require.Len(t, ledger.Records, 1)

	record := ledger.Records[0]
	require.Equal(t, "ch_1", record.AttemptID)
	require.Equal(t, "s_a", record.SessionID)
	require.Equal(t, int64(5000), record.Amount)
	require.Equal(t, nine.Add(-2*time.Minute), record.AttributionTimestamp)
	require.Equal(t, map[string]int64{"USD": 5000}, ledger.Total())

	require.Equal(t, []Claim{
		{AttemptID: "ch_1", SessionID: "s_a", Path: PathSessionPayment, Canonical: true},
		{AttemptID: "ch_1", SessionID: "s_b", Path: PathSessionPayment, Canonical: false},
	}, ledger.Claims)
}

func TestSubscriptionPathJoinsEveryClaimingSession(t *testing.T) {
	snap := snapshot.Snapshot{
		Sessions: []snapshot.Session{
			{ID: "s_late", CreatedAt: nine.Add(-time.Minute)},
			{ID: "s_early", CreatedAt: nine.Add(-30 * time.Minute)},
		},
		Customers: []snapshot.Customer{{ID: "cus_1", Metadata: datatypes.JSONMap{"session_reference": "s_late"}}},
		Subscriptions: []snapshot.Subscription{
			{ID: "sub_1", CustomerID: "cus_1", CreatedAt: nine, Metadata: datatypes.JSONMap{"session_reference": "s_early"}},
		},
		PaymentAttempts: []snapshot.PaymentAttempt{
			func() snapshot.PaymentAttempt {
				a := succeeded("ch_1", 2999, nine.Add(time.Hour))
				a.Metadata = datatypes.JSONMap{"subscription_id": "sub_1"}
				return a
			}(),
		},
	}
	links, err := identity.NewLinker(identity.Params{Log: zap.NewNop()}).Link(context.Background(), snap, config.DefaultEngineConfig())
	require.NoError(t, err)

	ledger, err := Deduplicate(context.Background(), Input{
		Attempts:   snap.PaymentAttempts,
		Candidates: CandidatesFromLinks(links, snap.Sessions),
		IsTest:     testAmounts(),
	})
	require.NoError(t, err)
	require.Len(t, ledger.Records, 1)
	require.Equal(t, "s_early", ledger.Records[0].SessionID)
	require.Equal(t, "sub_1", ledger.Records[0].SubscriptionID)
	require.Equal(t, PathSubscription, ledger.Records[0].Path)
	require.Len(t, ledger.Claims, 2)
}

func TestMergeIsShardIndependent(t *testing.T) {
	var candidates []Candidate
	for i := 0; i < 300; i++ {
		candidates = append(candidates, Candidate{
			AttemptID:            []string{"ch_1", "ch_2", "ch_3", "ch_4"}[i%4],
			SessionID:            string(rune('a' + i%23)),
			AttributionTimestamp: nine.Add(time.Duration(i%17) * time.Minute),
			Path:                 []Path{PathSessionPayment, PathSubscription}[i%2],
		})
	}
	want := Reduce(candidates)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		shuffled := append([]Candidate(nil), candidates...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		cut1 := rng.Intn(len(shuffled))
		cut2 := cut1 + rng.Intn(len(shuffled)-cut1)
		a, b, c := Reduce(shuffled[:cut1]), Reduce(shuffled[cut1:cut2]), Reduce(shuffled[cut2:])

		require.Equal(t, want, Merge(a, b, c))
		require.Equal(t, want, Merge(Merge(c, a), b))

		got, err := reduceSharded(context.Background(), shuffled, 1+round%8)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestExclusionsAndRefunds(t *testing.T) {
	attempts := []snapshot.PaymentAttempt{
		succeeded("ch_test", 100, nine),
		succeeded("ch_test2", 200, nine),
		succeeded("ch_negative", -5, nine),
		succeeded("ch_full_refund", 4999, nine),
		succeeded("ch_partial", 4999, nine),
		succeeded("ch_clean", 1999, nine),
		{ID: "ch_failed", Amount: 4999, Currency: "USD", Status: snapshot.AttemptStatusFailed, FailureCode: "expired_card", CreatedAt: nine},
	}
	refunds := []snapshot.Refund{
		{ID: "re_1", AttemptID: "ch_full_refund", Amount: 2000},
		{ID: "re_2", AttemptID: "ch_full_refund", Amount: 2999},
		{ID: "re_3", AttemptID: "ch_partial", Amount: 1000},
	}

	ledger, err := Deduplicate(context.Background(), Input{Attempts: attempts, Refunds: refunds, IsTest: testAmounts()})
	require.NoError(t, err)

	reasons := map[string]ExclusionReason{}
	for _, e := range ledger.Excluded {
		reasons[e.AttemptID] = e.Reason
	}
	require.Equal(t, map[string]ExclusionReason{
		"ch_test":        ExcludedTestTransaction,
		"ch_test2":       ExcludedTestTransaction,
		"ch_negative":    ExcludedInvalidAmount,
		"ch_full_refund": ExcludedRefunded,
	}, reasons)

	require.Len(t, ledger.Records, 2)
	require.Equal(t, "ch_clean", ledger.Records[0].AttemptID)
	require.Equal(t, PathOrganic, ledger.Records[0].Path)
	require.Empty(t, ledger.Records[0].SessionID)
	require.Equal(t, nine, ledger.Records[0].AttributionTimestamp)

	partial := ledger.Records[1]
	require.Equal(t, "ch_partial", partial.AttemptID)
	require.Equal(t, int64(3999), partial.Amount)
	require.Equal(t, int64(4999), partial.GrossAmount)
	require.Equal(t, int64(1000), partial.RefundedAmount)
	require.Equal(t, map[string]int64{"USD": 5998}, ledger.Total())
}

func TestCheckInvariantDetectsDoubleCount(t *testing.T) {
	ledger := &Ledger{Records: []Record{
		{AttemptID: "ch_1", Amount: 10, Currency: "USD"},
		{AttemptID: "ch_1", Amount: 10, Currency: "USD"},
	}}
	err := checkInvariant(ledger, map[string]int64{"USD": 10}, map[string]struct{}{"ch_1": {}})
	require.ErrorIs(t, err, ErrInvariantViolation)

	ledger.Records = ledger.Records[:1]
	require.NoError(t, checkInvariant(ledger, map[string]int64{"USD": 10}, map[string]struct{}{"ch_1": {}}))
	require.ErrorIs(t, checkInvariant(ledger, map[string]int64{"USD": 11}, map[string]struct{}{"ch_1": {}}), ErrInvariantViolation)
}
