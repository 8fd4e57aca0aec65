package identity

import (
	"time"

	"github.com/smallbiznis/attribution/internal/snapshot/domain"
)

// Index holds the lookup tables the resolvers read. It is built once per
// snapshot and is read-only afterwards, so resolvers may share it across
// goroutines.
type Index struct {
	subscriptionsByID         map[string]domain.Subscription
	subscriptionsBySessionRef map[string][]domain.Subscription
	subscriptionsByCustomer   map[string][]domain.Subscription
	subscriptionsByLanding    map[string][]domain.Subscription

	customersBySessionRef map[string][]domain.Customer
	customersByProfile    map[string][]domain.Customer

	paymentsBySessionRef map[string][]domain.PaymentAttempt
	paymentsByCustomer   map[string][]domain.PaymentAttempt

	invoicesByID map[string]domain.Invoice

	eventsBySessionRef map[string][]domain.EngagementEvent
	eventsByProfile    map[string][]domain.EngagementEvent
	eventsByPage       map[string][]domain.EngagementEvent
	eventsByID         map[string]domain.EngagementEvent

	adsByDay      map[string][]domain.AdSpendRecord
	adsByCampaign map[string][]domain.AdSpendRecord
	adsByKey      map[string]domain.AdSpendRecord
}

// NewIndex indexes snap. sessionParam is the query parameter that carries a
// session id inside landing and page URLs. Only attempts that can enter the
// revenue ledger join the payment pools, so an excluded charge never takes a
// session's link away from a real one.
func NewIndex(snap domain.Snapshot, sessionParam string, isTest func(int64) bool) *Index {
	idx := &Index{
		subscriptionsByID:         map[string]domain.Subscription{},
		subscriptionsBySessionRef: map[string][]domain.Subscription{},
		subscriptionsByCustomer:   map[string][]domain.Subscription{},
		subscriptionsByLanding:    map[string][]domain.Subscription{},
		customersBySessionRef:     map[string][]domain.Customer{},
		customersByProfile:        map[string][]domain.Customer{},
		paymentsBySessionRef:      map[string][]domain.PaymentAttempt{},
		paymentsByCustomer:        map[string][]domain.PaymentAttempt{},
		invoicesByID:              map[string]domain.Invoice{},
		eventsBySessionRef:        map[string][]domain.EngagementEvent{},
		eventsByProfile:           map[string][]domain.EngagementEvent{},
		eventsByPage:              map[string][]domain.EngagementEvent{},
		eventsByID:                map[string]domain.EngagementEvent{},
		adsByDay:                  map[string][]domain.AdSpendRecord{},
		adsByCampaign:             map[string][]domain.AdSpendRecord{},
		adsByKey:                  map[string]domain.AdSpendRecord{},
	}

	for _, s := range snap.Subscriptions {
		idx.subscriptionsByID[s.ID] = s
		appendTo(idx.subscriptionsBySessionRef, s.SessionReference(), s)
		appendTo(idx.subscriptionsByCustomer, s.CustomerID, s)
		appendTo(idx.subscriptionsByLanding, domain.QueryParam(s.LandingURL(), sessionParam), s)
	}
	for _, c := range snap.Customers {
		appendTo(idx.customersBySessionRef, c.SessionReference(), c)
		appendTo(idx.customersByProfile, c.ProfileID, c)
	}
	refunded := snap.RefundedAmounts()
	for _, a := range snap.PaymentAttempts {
		if !domain.RevenueEligible(a, refunded[a.ID], isTest) {
			continue
		}
		appendTo(idx.paymentsBySessionRef, a.SessionReference(), a)
		appendTo(idx.paymentsByCustomer, a.CustomerID, a)
	}
	for _, inv := range snap.Invoices {
		idx.invoicesByID[inv.ID] = inv
	}
	for _, e := range snap.EngagementEvents {
		idx.eventsByID[e.ID] = e
		appendTo(idx.eventsBySessionRef, e.SessionReference(), e)
		appendTo(idx.eventsByProfile, e.ProfileID(), e)
		appendTo(idx.eventsByPage, domain.QueryParam(e.PageLocation, sessionParam), e)
	}
	for _, ad := range snap.AdSpend {
		idx.adsByKey[ad.Key()] = ad
		appendTo(idx.adsByDay, dayKey(ad.Date), ad)
		appendTo(idx.adsByCampaign, ad.CampaignID, ad)
	}
	return idx
}

func (idx *Index) Subscription(id string) (domain.Subscription, bool) {
	s, ok := idx.subscriptionsByID[id]
	return s, ok
}

func (idx *Index) EngagementEvent(id string) (domain.EngagementEvent, bool) {
	e, ok := idx.eventsByID[id]
	return e, ok
}

func (idx *Index) AdSpend(key string) (domain.AdSpendRecord, bool) {
	ad, ok := idx.adsByKey[key]
	return ad, ok
}

func appendTo[T any](m map[string][]T, key string, v T) {
	if key == "" {
		return
	}
	m[key] = append(m[key], v)
}

func dayKey(t time.Time) string {
	return domain.DayOf(t).Format(time.DateOnly)
}
