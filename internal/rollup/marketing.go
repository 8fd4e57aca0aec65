package rollup

import (
	"sort"
	"time"

	"github.com/smallbiznis/attribution/internal/identity/domain"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

// tally accumulates one grain. Counts are distinct natural ids; revenue is
// split by currency.
type tally struct {
	sessions      map[string]struct{}
	converted     map[string]struct{}
	subscriptions map[string]struct{}
	revenue       map[string]int64
	records       map[string]int
}

func newTally() *tally {
	return &tally{
		sessions:      map[string]struct{}{},
		converted:     map[string]struct{}{},
		subscriptions: map[string]struct{}{},
		revenue:       map[string]int64{},
		records:       map[string]int{},
	}
}

// currencies lists the revenue currencies in order, or a single empty
// currency when the grain carries no revenue.
func (t *tally) currencies() []string {
	if len(t.revenue) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(t.revenue))
	for c := range t.revenue {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type tallies[K comparable] map[K]*tally

func (t tallies[K]) at(key K) *tally {
	v, ok := t[key]
	if !ok {
		v = newTally()
		t[key] = v
	}
	return v
}

func (t tallies[K]) sortedKeys(less func(a, b K) bool) []K {
	keys := make([]K, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

// fill adds sessions, subscriptions and revenue to the grain chosen by key.
// Sessions and revenue use the attribution date; subscriptions use their
// creation date and are attributed through the session that claimed them.
func fill[K comparable](in Input, v *sessionView, t tallies[K], key func(day time.Time, s snapshot.Session) K) {
	for _, s := range in.Sessions {
		g := t.at(key(snapshot.DayOf(s.CreatedAt), s))
		g.sessions[s.ID] = struct{}{}
		if v.converted[s.ID] {
			g.converted[s.ID] = struct{}{}
		}
	}
	for _, sub := range in.Subscriptions {
		claimants := in.Links.Sources(domain.KindSessionSubscription, sub.ID)
		var s snapshot.Session
		if len(claimants) > 0 {
			s = earliest(v, claimants)
		}
		t.at(key(snapshot.DayOf(sub.CreatedAt), s)).subscriptions[sub.ID] = struct{}{}
	}
	for _, r := range in.Ledger.Records {
		s := v.byID[r.SessionID]
		g := t.at(key(snapshot.DayOf(r.AttributionTimestamp), s))
		g.revenue[r.Currency] += r.Amount
		g.records[r.Currency]++
	}
}

// earliest picks the first-touch session among ids, the same order the
// revenue ledger uses.
func earliest(v *sessionView, ids []string) snapshot.Session {
	var best snapshot.Session
	for i, id := range ids {
		s := v.byID[id]
		if i == 0 || s.CreatedAt.Before(best.CreatedAt) || (s.CreatedAt.Equal(best.CreatedAt) && s.ID < best.ID) {
			best = s
		}
	}
	return best
}

func dailyRows(in Input, v *sessionView) []ledgerdomain.DailyRollup {
	t := tallies[time.Time]{}
	fill(in, v, t, func(day time.Time, _ snapshot.Session) time.Time { return day })

	var rows []ledgerdomain.DailyRollup
	for _, day := range t.sortedKeys(func(a, b time.Time) bool { return a.Before(b) }) {
		g := t[day]
		for _, currency := range g.currencies() {
			rows = append(rows, ledgerdomain.DailyRollup{
				RunID:             in.RunID,
				Date:              day,
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

type funnelKey struct {
	Day    time.Time
	Funnel string
}

func funnelRows(in Input, v *sessionView) []ledgerdomain.FunnelDailyRollup {
	t := tallies[funnelKey]{}
	fill(in, v, t, func(day time.Time, s snapshot.Session) funnelKey {
		return funnelKey{Day: day, Funnel: s.FunnelID}
	})

	var rows []ledgerdomain.FunnelDailyRollup
	for _, key := range t.sortedKeys(func(a, b funnelKey) bool {
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		return a.Funnel < b.Funnel
	}) {
		g := t[key]
		for _, currency := range g.currencies() {
			rows = append(rows, ledgerdomain.FunnelDailyRollup{
				RunID:             in.RunID,
				Date:              key.Day,
				FunnelID:          key.Funnel,
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

type campaignKey struct {
	Day time.Time
	placement
}

func campaignRows(in Input, v *sessionView) []ledgerdomain.CampaignDailyRollup {
	t := tallies[campaignKey]{}
	fill(in, v, t, func(day time.Time, s snapshot.Session) campaignKey {
		return campaignKey{Day: day, placement: v.placements[s.ID]}
	})

	spend := map[campaignKey]snapshot.AdSpendRecord{}
	for _, ad := range in.AdSpend {
		key := campaignKey{Day: snapshot.DayOf(ad.Date), placement: placement{CampaignID: ad.CampaignID, AdID: ad.AdID}}
		spend[key] = ad
		t.at(key)
	}

	var rows []ledgerdomain.CampaignDailyRollup
	for _, key := range t.sortedKeys(func(a, b campaignKey) bool {
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		return a.AdID < b.AdID
	}) {
		g := t[key]
		ad := spend[key]
		for _, currency := range g.currencies() {
			rows = append(rows, ledgerdomain.CampaignDailyRollup{
				RunID:             in.RunID,
				Date:              key.Day,
				CampaignID:        key.CampaignID,
				AdID:              key.AdID,
				Currency:          currency,
				Spend:             ad.Spend,
				Impressions:       ad.Impressions,
				Clicks:            ad.Clicks,
				Sessions:          len(g.sessions),
				ConvertedSessions: len(g.converted),
				Revenue:           g.revenue[currency],
				RevenueRecords:    g.records[currency],
			})
		}
	}
	return rows
}
