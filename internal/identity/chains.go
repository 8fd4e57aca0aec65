package identity

import (
	"time"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

func sessionSource(s snapshot.Session) (string, time.Time) { return s.ID, s.CreatedAt }

func attemptSource(a snapshot.PaymentAttempt) (string, time.Time) { return a.ID, a.CreatedAt }

func subscriptionCandidates(subs []snapshot.Subscription) []Candidate {
	out := make([]Candidate, 0, len(subs))
	for _, s := range subs {
		out = append(out, Candidate{ID: s.ID, At: s.CreatedAt})
	}
	return out
}

func paymentCandidates(attempts []snapshot.PaymentAttempt) []Candidate {
	out := make([]Candidate, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, Candidate{ID: a.ID, At: a.CreatedAt})
	}
	return out
}

func eventCandidates(events []snapshot.EngagementEvent) []Candidate {
	out := make([]Candidate, 0, len(events))
	for _, e := range events {
		out = append(out, Candidate{ID: e.ID, At: e.EventTime})
	}
	return out
}

func adCandidates(ads []snapshot.AdSpendRecord) []Candidate {
	out := make([]Candidate, 0, len(ads))
	for _, ad := range ads {
		out = append(out, Candidate{ID: ad.Key(), At: ad.Date})
	}
	return out
}

// SessionSubscriptionChain links a session to the subscription it started.
func SessionSubscriptionChain(idx *Index, windows config.MatchWindows) Chain[snapshot.Session] {
	return Chain[snapshot.Session]{
		Kind:   domain.KindSessionSubscription,
		Source: sessionSource,
		Resolvers: []Resolver[snapshot.Session]{
			newResolver(domain.StrategyExactKey, func(s snapshot.Session) []Candidate {
				return subscriptionCandidates(idx.subscriptionsBySessionRef[s.ID])
			}),
			newResolver(domain.StrategyIndirect, func(s snapshot.Session) []Candidate {
				var out []Candidate
				for _, c := range idx.customersBySessionRef[s.ID] {
					out = append(out, subscriptionCandidates(idx.subscriptionsByCustomer[c.ID])...)
				}
				return out
			}),
			newResolver(domain.StrategyTimeWindow, func(s snapshot.Session) []Candidate {
				var out []Candidate
				for _, c := range idx.customersByProfile[s.ProfileID] {
					out = append(out, subscriptionCandidates(idx.subscriptionsByCustomer[c.ID])...)
				}
				return within(s.CreatedAt, windows.SessionSubscription, out)
			}),
			newResolver(domain.StrategyPayloadExtraction, func(s snapshot.Session) []Candidate {
				return subscriptionCandidates(idx.subscriptionsByLanding[s.ID])
			}),
		},
	}
}

// SessionPaymentChain links a session directly to a succeeded charge.
func SessionPaymentChain(idx *Index, windows config.MatchWindows) Chain[snapshot.Session] {
	return Chain[snapshot.Session]{
		Kind:   domain.KindSessionPayment,
		Source: sessionSource,
		Resolvers: []Resolver[snapshot.Session]{
			newResolver(domain.StrategyExactKey, func(s snapshot.Session) []Candidate {
				return paymentCandidates(idx.paymentsBySessionRef[s.ID])
			}),
			newResolver(domain.StrategyIndirect, func(s snapshot.Session) []Candidate {
				var out []Candidate
				for _, c := range idx.customersBySessionRef[s.ID] {
					out = append(out, paymentCandidates(idx.paymentsByCustomer[c.ID])...)
				}
				return out
			}),
			newResolver(domain.StrategyTimeWindow, func(s snapshot.Session) []Candidate {
				var out []Candidate
				for _, c := range idx.customersByProfile[s.ProfileID] {
					out = append(out, paymentCandidates(idx.paymentsByCustomer[c.ID])...)
				}
				return within(s.CreatedAt, windows.SessionPayment, out)
			}),
		},
	}
}

// SubscriptionPaymentChain links every attempt, failed ones included, to
// the subscription it charges.
func SubscriptionPaymentChain(idx *Index, windows config.MatchWindows) Chain[snapshot.PaymentAttempt] {
	byID := func(id string) []Candidate {
		if s, ok := idx.Subscription(id); ok {
			return []Candidate{{ID: s.ID, At: s.CreatedAt}}
		}
		return nil
	}
	return Chain[snapshot.PaymentAttempt]{
		Kind:   domain.KindSubscriptionPayment,
		Source: attemptSource,
		Resolvers: []Resolver[snapshot.PaymentAttempt]{
			newResolver(domain.StrategyExactKey, func(a snapshot.PaymentAttempt) []Candidate {
				return byID(a.SubscriptionReference())
			}),
			newResolver(domain.StrategyIndirect, func(a snapshot.PaymentAttempt) []Candidate {
				inv, ok := idx.invoicesByID[a.InvoiceID]
				if !ok || inv.SubscriptionID == "" {
					return nil
				}
				return byID(inv.SubscriptionID)
			}),
			newResolver(domain.StrategyTimeWindow, func(a snapshot.PaymentAttempt) []Candidate {
				return within(a.CreatedAt, windows.SubscriptionPayment,
					subscriptionCandidates(idx.subscriptionsByCustomer[a.CustomerID]))
			}),
			newResolver(domain.StrategyPayloadExtraction, func(a snapshot.PaymentAttempt) []Candidate {
				return byID(a.DescribedSubscription())
			}),
		},
	}
}

// SessionEngagementChain links a session to the analytics event that
// carries its attribution properties.
func SessionEngagementChain(idx *Index, windows config.MatchWindows) Chain[snapshot.Session] {
	return Chain[snapshot.Session]{
		Kind:   domain.KindSessionEngagement,
		Source: sessionSource,
		Resolvers: []Resolver[snapshot.Session]{
			newResolver(domain.StrategyExactKey, func(s snapshot.Session) []Candidate {
				return eventCandidates(idx.eventsBySessionRef[s.ID])
			}),
			newResolver(domain.StrategyTimeWindow, func(s snapshot.Session) []Candidate {
				if s.ProfileID == "" {
					return nil
				}
				return within(s.CreatedAt, windows.SessionEngagement, eventCandidates(idx.eventsByProfile[s.ProfileID]))
			}),
			newResolver(domain.StrategyPayloadExtraction, func(s snapshot.Session) []Candidate {
				return eventCandidates(idx.eventsByPage[s.ID])
			}),
		},
	}
}

// SessionAdChain links a session to the ad it came from. engagement maps a
// session id to its resolved engagement event id.
func SessionAdChain(idx *Index, windows config.MatchWindows, engagement map[string]string) Chain[snapshot.Session] {
	linkedEvent := func(s snapshot.Session) (snapshot.EngagementEvent, bool) {
		id, ok := engagement[s.ID]
		if !ok {
			return snapshot.EngagementEvent{}, false
		}
		return idx.EngagementEvent(id)
	}
	adsOnDay := func(s snapshot.Session, adIDs ...string) []Candidate {
		var out []snapshot.AdSpendRecord
		for _, ad := range idx.adsByDay[dayKey(s.CreatedAt)] {
			for _, id := range adIDs {
				if id != "" && ad.AdID == id {
					out = append(out, ad)
					break
				}
			}
		}
		return adCandidates(out)
	}
	return Chain[snapshot.Session]{
		Kind: domain.KindSessionAd,
		// Ads are daily grain, so proximity is measured from the session's day.
		Source: func(s snapshot.Session) (string, time.Time) { return s.ID, snapshot.DayOf(s.CreatedAt) },
		Resolvers: []Resolver[snapshot.Session]{
			newResolver(domain.StrategyIndirect, func(s snapshot.Session) []Candidate {
				e, ok := linkedEvent(s)
				if !ok {
					return nil
				}
				return adsOnDay(s, e.UTMCampaign(), e.UTMContent())
			}),
			newResolver(domain.StrategyTimeWindow, func(s snapshot.Session) []Candidate {
				campaign := s.CampaignKey()
				if e, ok := linkedEvent(s); ok && e.UTMCampaign() != "" {
					campaign = e.UTMCampaign()
				}
				if campaign == "" {
					return nil
				}
				return within(snapshot.DayOf(s.CreatedAt), windows.SessionAd, adCandidates(idx.adsByCampaign[campaign]))
			}),
			newResolver(domain.StrategyPayloadExtraction, func(s snapshot.Session) []Candidate {
				return adsOnDay(s, s.OriginParam("ad_id"), s.OriginParam("utm_content"), s.OriginParam("utm_campaign"))
			}),
		},
	}
}
