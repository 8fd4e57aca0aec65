package identity

import (
	"sort"
	"time"

	"github.com/smallbiznis/attribution/internal/identity/domain"
)

// Candidate is a possible link target with the timestamp used for
// proximity ordering.
type Candidate struct {
	ID string
	At time.Time
}

// Resolver is one step of a fallback chain. Candidates never fails: an
// empty result means the step has nothing to offer for this source.
type Resolver[S any] interface {
	Strategy() domain.Strategy
	Candidates(source S) []Candidate
}

type resolverFunc[S any] struct {
	strategy domain.Strategy
	fn       func(S) []Candidate
}

func (r resolverFunc[S]) Strategy() domain.Strategy { return r.strategy }

func (r resolverFunc[S]) Candidates(source S) []Candidate { return r.fn(source) }

func newResolver[S any](strategy domain.Strategy, fn func(S) []Candidate) Resolver[S] {
	return resolverFunc[S]{strategy: strategy, fn: fn}
}

// Chain is the ordered resolver list of one link kind.
type Chain[S any] struct {
	Kind      domain.LinkKind
	Resolvers []Resolver[S]
	// Source returns the id and reference time of a source entity.
	Source func(S) (string, time.Time)
}

// Resolve walks the chain and returns the link of the first resolver that
// yields a candidate.
func (c Chain[S]) Resolve(source S) (domain.AttributionLink, bool) {
	sourceID, at := c.Source(source)
	for _, resolver := range c.Resolvers {
		candidates := resolver.Candidates(source)
		if len(candidates) == 0 {
			continue
		}
		best, count := pick(at, candidates)
		return domain.AttributionLink{
			Kind:           c.Kind,
			SourceID:       sourceID,
			TargetID:       best.ID,
			Strategy:       resolver.Strategy(),
			ConfidenceRank: resolver.Strategy().Rank(),
			Delta:          absDelta(best.At, at),
			Ambiguous:      count > 1,
			Candidates:     count,
		}, true
	}
	return domain.AttributionLink{}, false
}

// pick applies the tie-break: smallest absolute delta, then earliest
// candidate, then lexicographic id. It also returns the number of distinct
// candidates the step offered.
func pick(at time.Time, candidates []Candidate) (Candidate, int) {
	distinct := dedupe(candidates)
	sort.Slice(distinct, func(i, j int) bool {
		return less(at, distinct[i], distinct[j])
	})
	return distinct[0], len(distinct)
}

func less(at time.Time, a, b Candidate) bool {
	da, db := absDelta(a.At, at), absDelta(b.At, at)
	if da != db {
		return da < db
	}
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}

func dedupe(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// within keeps the candidates whose distance to at is inside window.
func within(at time.Time, window time.Duration, candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if absDelta(c.At, at) <= window {
			out = append(out, c)
		}
	}
	return out
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
