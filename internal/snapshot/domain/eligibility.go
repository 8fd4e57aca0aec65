package domain

const (
	ExclusionTestTransaction = "test_transaction"
	ExclusionInvalidAmount   = "invalid_amount"
	ExclusionRefunded        = "refunded"
)

// RefundedAmounts sums the positive refunds of each attempt.
func (s Snapshot) RefundedAmounts() map[string]int64 {
	out := map[string]int64{}
	for _, r := range s.Refunds {
		if r.Amount > 0 {
			out[r.AttemptID] += r.Amount
		}
	}
	return out
}

// ExclusionOf reports why a succeeded attempt stays out of revenue: a
// negative or zero amount, a configured test amount, or a refund covering
// the whole charge.
func ExclusionOf(a PaymentAttempt, refunded int64, isTest func(int64) bool) (string, bool) {
	switch {
	case !a.ValidAmount():
		return ExclusionInvalidAmount, true
	case isTest != nil && isTest(a.Amount):
		return ExclusionTestTransaction, true
	case refunded > 0 && refunded >= a.Amount:
		return ExclusionRefunded, true
	case a.Amount == 0:
		return ExclusionInvalidAmount, true
	}
	return "", false
}

// RevenueEligible reports whether a is a succeeded attempt that can enter
// the revenue ledger.
func RevenueEligible(a PaymentAttempt, refunded int64, isTest func(int64) bool) bool {
	if !a.Succeeded() {
		return false
	}
	_, excluded := ExclusionOf(a, refunded, isTest)
	return !excluded
}
