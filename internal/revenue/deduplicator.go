package revenue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"golang.org/x/sync/errgroup"
)

var ErrInvariantViolation = errors.New("revenue_invariant_violation")

type ExclusionReason string

const (
	ExcludedTestTransaction ExclusionReason = snapshot.ExclusionTestTransaction
	ExcludedInvalidAmount   ExclusionReason = snapshot.ExclusionInvalidAmount
	ExcludedRefunded        ExclusionReason = snapshot.ExclusionRefunded
)

// Record is the single counted occurrence of a monetary event. SessionID is
// empty for organic revenue.
type Record struct {
	AttemptID            string
	SessionID            string
	SubscriptionID       string
	CustomerID           string
	Amount               int64
	GrossAmount          int64
	RefundedAmount       int64
	Currency             string
	AttributionTimestamp time.Time
	ChargedAt            time.Time
	Path                 Path
}

type Exclusion struct {
	AttemptID string
	Reason    ExclusionReason
	Amount    int64
	Currency  string
}

// Claim is a session that reached an eligible attempt. Only the canonical
// claim carries revenue; the rest keep the conversion without the money.
type Claim struct {
	AttemptID string
	SessionID string
	Path      Path
	Canonical bool
}

type Ledger struct {
	Records  []Record
	Excluded []Exclusion
	Claims   []Claim
	// Canonical is the winning candidate per attempt over every status, used
	// to correlate failed attempts with a session.
	Canonical Reduction
}

// Total sums record amounts per currency.
func (l *Ledger) Total() map[string]int64 {
	out := map[string]int64{}
	for _, r := range l.Records {
		out[r.Currency] += r.Amount
	}
	return out
}

// AttributedTotal sums per currency the records that carry a session.
func (l *Ledger) AttributedTotal() map[string]int64 {
	out := map[string]int64{}
	for _, r := range l.Records {
		if r.SessionID != "" {
			out[r.Currency] += r.Amount
		}
	}
	return out
}

type Input struct {
	Attempts   []snapshot.PaymentAttempt
	Candidates []Candidate
	Refunds    []snapshot.Refund
	IsTest     func(amount int64) bool
	Workers    int
}

// Deduplicate produces exactly one record per eligible attempt. Candidates
// are reduced in shards and merged; the result does not depend on how they
// were split.
func Deduplicate(ctx context.Context, in Input) (*Ledger, error) {
	canonical, err := reduceSharded(ctx, in.Candidates, in.Workers)
	if err != nil {
		return nil, err
	}

	refunded := snapshot.Snapshot{Refunds: in.Refunds}.RefundedAmounts()

	attempts := make([]snapshot.PaymentAttempt, len(in.Attempts))
	copy(attempts, in.Attempts)
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].ID < attempts[j].ID })

	ledger := &Ledger{Canonical: canonical}
	eligible := map[string]int64{}
	eligibleIDs := map[string]struct{}{}

	for _, a := range attempts {
		if !a.Succeeded() {
			continue
		}
		if reason, excluded := exclusionOf(a, refunded[a.ID], in.IsTest); excluded {
			ledger.Excluded = append(ledger.Excluded, Exclusion{
				AttemptID: a.ID,
				Reason:    reason,
				Amount:    a.Amount,
				Currency:  a.Currency,
			})
			continue
		}

		net := a.Amount - refunded[a.ID]
		eligible[a.Currency] += net
		eligibleIDs[a.ID] = struct{}{}

		record := Record{
			AttemptID:            a.ID,
			CustomerID:           a.CustomerID,
			Amount:               net,
			GrossAmount:          a.Amount,
			RefundedAmount:       refunded[a.ID],
			Currency:             a.Currency,
			AttributionTimestamp: a.CreatedAt,
			ChargedAt:            a.CreatedAt,
			Path:                 PathOrganic,
		}
		if winner, ok := canonical[a.ID]; ok {
			record.SessionID = winner.SessionID
			record.SubscriptionID = winner.SubscriptionID
			record.AttributionTimestamp = winner.AttributionTimestamp
			record.Path = winner.Path
		}
		ledger.Records = append(ledger.Records, record)
	}

	ledger.Claims = claims(in.Candidates, canonical, eligibleIDs)

	if err := checkInvariant(ledger, eligible, eligibleIDs); err != nil {
		return nil, err
	}
	return ledger, nil
}

func exclusionOf(a snapshot.PaymentAttempt, refunded int64, isTest func(int64) bool) (ExclusionReason, bool) {
	reason, excluded := snapshot.ExclusionOf(a, refunded, isTest)
	return ExclusionReason(reason), excluded
}

func reduceSharded(ctx context.Context, candidates []Candidate, workers int) (Reduction, error) {
	if workers <= 1 || len(candidates) < 2*workers {
		return Reduce(candidates), nil
	}
	size := (len(candidates) + workers - 1) / workers
	parts := make([]Reduction, 0, workers)
	for start := 0; start < len(candidates); start += size {
		parts = append(parts, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range parts {
		start, end := i*size, min((i+1)*size, len(candidates))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[i] = Reduce(candidates[start:end])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(parts...), nil
}

func claims(candidates []Candidate, canonical Reduction, eligible map[string]struct{}) []Claim {
	best := map[[2]string]Candidate{}
	for _, c := range candidates {
		if _, ok := eligible[c.AttemptID]; !ok {
			continue
		}
		key := [2]string{c.AttemptID, c.SessionID}
		if current, ok := best[key]; !ok || Better(c, current) {
			best[key] = c
		}
	}
	out := make([]Claim, 0, len(best))
	for key, c := range best {
		out = append(out, Claim{
			AttemptID: key[0],
			SessionID: key[1],
			Path:      c.Path,
			Canonical: canonical[c.AttemptID].SessionID == c.SessionID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptID != out[j].AttemptID {
			return out[i].AttemptID < out[j].AttemptID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func checkInvariant(ledger *Ledger, eligible map[string]int64, eligibleIDs map[string]struct{}) error {
	seen := make(map[string]struct{}, len(ledger.Records))
	for _, r := range ledger.Records {
		if _, dup := seen[r.AttemptID]; dup {
			return fmt.Errorf("%w: attempt %q counted twice", ErrInvariantViolation, r.AttemptID)
		}
		seen[r.AttemptID] = struct{}{}
	}
	if len(seen) != len(eligibleIDs) {
		return fmt.Errorf("%w: %d records for %d eligible attempts", ErrInvariantViolation, len(seen), len(eligibleIDs))
	}
	total := ledger.Total()
	for currency, want := range eligible {
		if total[currency] != want {
			return fmt.Errorf("%w: %s ledger %d != eligible %d", ErrInvariantViolation, currency, total[currency], want)
		}
	}
	for currency, got := range total {
		if _, ok := eligible[currency]; !ok && got != 0 {
			return fmt.Errorf("%w: %s ledger %d has no eligible events", ErrInvariantViolation, currency, got)
		}
	}
	return nil
}
