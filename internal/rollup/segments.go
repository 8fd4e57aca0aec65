package rollup

import (
	"sort"
	"time"

	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

type segmentKey struct {
	Day     time.Time
	Segment string
}

func lessSegment(a, b segmentKey) bool {
	if !a.Day.Equal(b.Day) {
		return a.Day.Before(b.Day)
	}
	return a.Segment < b.Segment
}

func segmentTallies(in Input, v *sessionView, segment func(s snapshot.Session) string) tallies[segmentKey] {
	t := tallies[segmentKey]{}
	fill(in, v, t, func(day time.Time, s snapshot.Session) segmentKey {
		return segmentKey{Day: day, Segment: segment(s)}
	})
	return t
}

func channelRows(in Input, v *sessionView) []ledgerdomain.ChannelDailyRollup {
	t := segmentTallies(in, v, func(s snapshot.Session) string { return v.channels[s.ID] })

	var rows []ledgerdomain.ChannelDailyRollup
	for _, key := range t.sortedKeys(lessSegment) {
		g := t[key]
		for _, currency := range g.currencies() {
			rows = append(rows, ledgerdomain.ChannelDailyRollup{
				RunID:             in.RunID,
				Date:              key.Day,
				Channel:           key.Segment,
				Currency:          currency,
				Sessions:          len(g.sessions),
				ConvertedSessions: len(g.converted),
				Subscriptions:     len(g.subscriptions),
				Revenue:           g.revenue[currency],
				RevenueRecords:    g.records[currency],
			})
		}
	}
	return rows
}

func countryRows(in Input, v *sessionView) []ledgerdomain.CountryDailyRollup {
	t := segmentTallies(in, v, func(s snapshot.Session) string { return s.Country })

	var rows []ledgerdomain.CountryDailyRollup
	for _, key := range t.sortedKeys(lessSegment) {
		g := t[key]
		for _, currency := range g.currencies() {
			rows = append(rows, ledgerdomain.CountryDailyRollup{
				RunID:             in.RunID,
				Date:              key.Day,
				Country:           key.Segment,
				Currency:          currency,
				Sessions:          len(g.sessions),
				ConvertedSessions: len(g.converted),
				Subscriptions:     len(g.subscriptions),
				Revenue:           g.revenue[currency],
				RevenueRecords:    g.records[currency],
			})
		}
	}
	return rows
}

type planTally struct {
	subscriptions map[string]struct{}
	active        map[string]struct{}
	canceled      map[string]struct{}
	revenue       map[string]int64
	records       map[string]int
}

// planRows groups subscriptions by billing interval on their creation day.
// Each ledger record lands on the interval of its attributed subscription,
// or on the empty interval.
func planRows(in Input) []ledgerdomain.PlanDailyRollup {
	groups := map[segmentKey]*planTally{}
	at := func(key segmentKey) *planTally {
		g, ok := groups[key]
		if !ok {
			g = &planTally{
				subscriptions: map[string]struct{}{},
				active:        map[string]struct{}{},
				canceled:      map[string]struct{}{},
				revenue:       map[string]int64{},
				records:       map[string]int{},
			}
			groups[key] = g
		}
		return g
	}

	interval := make(map[string]string, len(in.Subscriptions))
	for _, sub := range in.Subscriptions {
		interval[sub.ID] = sub.BillingInterval
		g := at(segmentKey{Day: snapshot.DayOf(sub.CreatedAt), Segment: sub.BillingInterval})
		g.subscriptions[sub.ID] = struct{}{}
		switch sub.Status {
		case snapshot.SubscriptionStatusActive, snapshot.SubscriptionStatusTrialing:
			g.active[sub.ID] = struct{}{}
		case snapshot.SubscriptionStatusCanceled:
			g.canceled[sub.ID] = struct{}{}
		}
	}
	for _, r := range in.Ledger.Records {
		g := at(segmentKey{Day: snapshot.DayOf(r.AttributionTimestamp), Segment: interval[r.SubscriptionID]})
		g.revenue[r.Currency] += r.Amount
		g.records[r.Currency]++
	}

	keys := make([]segmentKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessSegment(keys[i], keys[j]) })

	var rows []ledgerdomain.PlanDailyRollup
	for _, key := range keys {
		g := groups[key]
		currencies := []string{""}
		if len(g.revenue) > 0 {
			currencies = sortedCurrencies(g.revenue)
		}
		for _, currency := range currencies {
			rows = append(rows, ledgerdomain.PlanDailyRollup{
				RunID:           in.RunID,
				Date:            key.Day,
				BillingInterval: key.Segment,
				Currency:        currency,
				Subscriptions:   len(g.subscriptions),
				Active:          len(g.active),
				Canceled:        len(g.canceled),
				Revenue:         g.revenue[currency],
				RevenueRecords:  g.records[currency],
			})
		}
	}
	return rows
}
