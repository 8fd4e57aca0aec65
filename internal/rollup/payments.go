package rollup

import (
	"sort"
	"time"

	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"gorm.io/datatypes"
)

type paymentTally struct {
	attempts     int
	succeeded    int
	failed       int
	recovered    int
	lost         int
	revenue      int64
	failedAmount int64
	categories   map[string]int
}

func (p *paymentTally) add(a ledgerdomain.PaymentAttempt, revenue map[string]int64) {
	p.attempts++
	switch snapshot.AttemptStatus(a.Status) {
	case snapshot.AttemptStatusSucceeded:
		p.succeeded++
	case snapshot.AttemptStatusFailed:
		p.failed++
		if a.Amount > 0 {
			p.failedAmount += a.Amount
		}
		if a.FailureCategory != nil {
			if p.categories == nil {
				p.categories = map[string]int{}
			}
			p.categories[*a.FailureCategory]++
		}
	}
	if a.IsRecoveredFailure {
		p.recovered++
	}
	if a.IsLostPayment {
		p.lost++
	}
	p.revenue += revenue[a.AttemptID]
}

func recordRevenue(in Input) map[string]int64 {
	out := make(map[string]int64, len(in.Ledger.Records))
	for _, r := range in.Ledger.Records {
		out[r.AttemptID] += r.Amount
	}
	return out
}

type cardKey struct {
	Day      time.Time
	Country  string
	Brand    string
	Currency string
}

// cardRows groups attempts by charge date, card country and card brand.
func cardRows(in Input) []ledgerdomain.CardDailyRollup {
	revenue := recordRevenue(in)
	groups := map[cardKey]*paymentTally{}
	for _, a := range in.Attempts {
		key := cardKey{Day: snapshot.DayOf(a.CreatedAt), Country: a.CardCountry, Brand: a.CardBrand, Currency: a.Currency}
		g, ok := groups[key]
		if !ok {
			g = &paymentTally{}
			groups[key] = g
		}
		g.add(a, revenue)
	}

	keys := make([]cardKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch {
		case !a.Day.Equal(b.Day):
			return a.Day.Before(b.Day)
		case a.Country != b.Country:
			return a.Country < b.Country
		case a.Brand != b.Brand:
			return a.Brand < b.Brand
		default:
			return a.Currency < b.Currency
		}
	})

	rows := make([]ledgerdomain.CardDailyRollup, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		rows = append(rows, ledgerdomain.CardDailyRollup{
			RunID:       in.RunID,
			Date:        k.Day,
			CardCountry: k.Country,
			CardBrand:   k.Brand,
			Currency:    k.Currency,
			Attempts:    g.attempts,
			Succeeded:   g.succeeded,
			Failed:      g.failed,
			Revenue:     g.revenue,
		})
	}
	return rows
}

type paymentKey struct {
	Day      time.Time
	Funnel   string
	Currency string
}

// paymentRows is the daily payments mart: attempts per charge date and the
// funnel of the correlated session.
func paymentRows(in Input) []ledgerdomain.PaymentsDailyRollup {
	revenue := recordRevenue(in)
	groups := map[paymentKey]*paymentTally{}
	for _, a := range in.Attempts {
		key := paymentKey{Day: snapshot.DayOf(a.CreatedAt), Funnel: a.FunnelID, Currency: a.Currency}
		g, ok := groups[key]
		if !ok {
			g = &paymentTally{}
			groups[key] = g
		}
		g.add(a, revenue)
	}

	keys := make([]paymentKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch {
		case !a.Day.Equal(b.Day):
			return a.Day.Before(b.Day)
		case a.Funnel != b.Funnel:
			return a.Funnel < b.Funnel
		default:
			return a.Currency < b.Currency
		}
	})

	rows := make([]ledgerdomain.PaymentsDailyRollup, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		categories := datatypes.JSONMap{}
		for category, n := range g.categories {
			categories[category] = n
		}
		var rate float64
		if g.attempts > 0 {
			rate = float64(g.succeeded) / float64(g.attempts)
		}
		rows = append(rows, ledgerdomain.PaymentsDailyRollup{
			RunID:              in.RunID,
			Date:               k.Day,
			FunnelID:           k.Funnel,
			Currency:           k.Currency,
			Attempts:           g.attempts,
			Succeeded:          g.succeeded,
			Failed:             g.failed,
			Recovered:          g.recovered,
			Lost:               g.lost,
			Revenue:            g.revenue,
			FailedAmount:       g.failedAmount,
			SuccessRate:        rate,
			FailuresByCategory: categories,
		})
	}
	return rows
}
