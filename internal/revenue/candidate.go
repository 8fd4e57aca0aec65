// Package revenue selects one canonical attribution per monetary event.
package revenue

import (
	"sort"
	"time"

	"github.com/smallbiznis/attribution/internal/identity"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

type Path string

const (
	PathSessionPayment Path = "session_payment"
	PathSubscription   Path = "session_subscription_payment"
	PathOrganic        Path = "organic"
)

// Candidate is one way an attempt can be reached from a session.
type Candidate struct {
	AttemptID            string
	SessionID            string
	SubscriptionID       string
	AttributionTimestamp time.Time
	Path                 Path
}

// Better reports whether a should be kept over b for the same attempt. The
// order is total, so any reduction order picks the same winner.
func Better(a, b Candidate) bool {
	if !a.AttributionTimestamp.Equal(b.AttributionTimestamp) {
		return a.AttributionTimestamp.Before(b.AttributionTimestamp)
	}
	if a.SessionID != b.SessionID {
		return a.SessionID < b.SessionID
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.SubscriptionID < b.SubscriptionID
}

// Reduction holds the best candidate seen so far per attempt id.
type Reduction map[string]Candidate

// Reduce folds candidates into a reduction.
func Reduce(candidates []Candidate) Reduction {
	out := make(Reduction, len(candidates))
	for _, c := range candidates {
		out.offer(c)
	}
	return out
}

func (r Reduction) offer(c Candidate) {
	current, ok := r[c.AttemptID]
	if !ok || Better(c, current) {
		r[c.AttemptID] = c
	}
}

// Merge combines partial reductions. It is associative and commutative, so
// shards may be merged in any grouping.
func Merge(parts ...Reduction) Reduction {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make(Reduction, size)
	for _, p := range parts {
		for _, c := range p {
			out.offer(c)
		}
	}
	return out
}

// CandidatesFromLinks expands the link table into attribution candidates:
// direct session to payment links, and subscription payments joined to every
// session that claimed the subscription.
func CandidatesFromLinks(links *identity.Result, sessions []snapshot.Session) []Candidate {
	createdAt := make(map[string]time.Time, len(sessions))
	for _, s := range sessions {
		createdAt[s.ID] = s.CreatedAt
	}

	var out []Candidate
	for _, link := range links.Of(domain.KindSessionPayment) {
		c := Candidate{
			AttemptID:            link.TargetID,
			SessionID:            link.SourceID,
			AttributionTimestamp: createdAt[link.SourceID],
			Path:                 PathSessionPayment,
		}
		if sub, ok := links.Target(domain.KindSubscriptionPayment, link.TargetID); ok {
			c.SubscriptionID = sub.TargetID
		}
		out = append(out, c)
	}
	for _, link := range links.Of(domain.KindSubscriptionPayment) {
		for _, sessionID := range links.Sources(domain.KindSessionSubscription, link.TargetID) {
			out = append(out, Candidate{
				AttemptID:            link.SourceID,
				SessionID:            sessionID,
				SubscriptionID:       link.TargetID,
				AttributionTimestamp: createdAt[sessionID],
				Path:                 PathSubscription,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptID != out[j].AttemptID {
			return out[i].AttemptID < out[j].AttemptID
		}
		return Better(out[i], out[j])
	})
	return out
}
