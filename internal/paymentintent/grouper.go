// Package paymentintent sequences payment attempts into retry groups.
package paymentintent

import (
	"sort"

	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

// Attempt is a payment attempt annotated with its position in its intent
// group.
type Attempt struct {
	snapshot.PaymentAttempt

	GroupKey                  string
	AttemptNumber             int
	GroupSize                 int
	IsFirstAttempt            bool
	IsFinalAttempt            bool
	IntentEventuallySucceeded bool
}

// GroupKey is the intent key, or a singleton key derived from the attempt id
// when the attempt carries none.
func GroupKey(a snapshot.PaymentAttempt) string {
	if a.IntentKey != "" {
		return "intent:" + a.IntentKey
	}
	return "attempt:" + a.ID
}

// Group annotates every attempt. The result is ordered by group key, then
// attempt number.
func Group(attempts []snapshot.PaymentAttempt) []Attempt {
	groups := map[string][]snapshot.PaymentAttempt{}
	for _, a := range attempts {
		key := GroupKey(a)
		groups[key] = append(groups[key], a)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Attempt, 0, len(attempts))
	for _, key := range keys {
		out = append(out, annotate(key, groups[key])...)
	}
	return out
}

func annotate(key string, group []snapshot.PaymentAttempt) []Attempt {
	sort.Slice(group, func(i, j int) bool {
		if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		}
		return group[i].ID < group[j].ID
	})

	succeeded := false
	for _, a := range group {
		if a.Succeeded() {
			succeeded = true
			break
		}
	}

	n := len(group)
	out := make([]Attempt, n)
	for i, a := range group {
		out[i] = Attempt{
			PaymentAttempt:            a,
			GroupKey:                  key,
			AttemptNumber:             i + 1,
			GroupSize:                 n,
			IsFirstAttempt:            i == 0,
			IsFinalAttempt:            i == n-1,
			IntentEventuallySucceeded: succeeded,
		}
	}
	return out
}
