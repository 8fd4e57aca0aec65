package pipeline

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/failure"
	"github.com/smallbiznis/attribution/internal/identity"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/internal/paymentintent"
	"github.com/smallbiznis/attribution/internal/revenue"
	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

type enrichment struct {
	Attempts     []ledgerdomain.PaymentAttempt
	IgnoredCodes []snapshotdomain.PaymentAttempt
	Unclassified int
}

// correlator ties an attempt to a session: its own canonical candidate, else
// the session of a succeeded attempt in the same retry group.
func correlator(grouped []paymentintent.Attempt, ledger *revenue.Ledger) paymentintent.SessionLookup {
	groupOf := make(map[string]string, len(grouped))
	groupSession := map[string]string{}
	for _, a := range grouped {
		groupOf[a.ID] = a.GroupKey
		if !a.Succeeded() {
			continue
		}
		if c, ok := ledger.Canonical[a.ID]; ok {
			if _, seen := groupSession[a.GroupKey]; !seen {
				groupSession[a.GroupKey] = c.SessionID
			}
		}
	}
	return func(attemptID string) (string, bool) {
		if c, ok := ledger.Canonical[attemptID]; ok {
			return c.SessionID, true
		}
		session, ok := groupSession[groupOf[attemptID]]
		return session, ok
	}
}

func enrichAttempts(
	runID snowflake.ID,
	grouped []paymentintent.Attempt,
	links *identity.Result,
	ledger *revenue.Ledger,
	sessions []snapshotdomain.Session,
	classifier *failure.Classifier,
) enrichment {
	funnelOf := make(map[string]string, len(sessions))
	for _, s := range sessions {
		funnelOf[s.ID] = s.FunnelID
	}
	excluded := make(map[string]revenue.ExclusionReason, len(ledger.Excluded))
	for _, e := range ledger.Excluded {
		excluded[e.AttemptID] = e.Reason
	}

	outcomes := paymentintent.Recover(grouped, correlator(grouped, ledger))

	var out enrichment
	out.Attempts = make([]ledgerdomain.PaymentAttempt, len(grouped))
	for i, a := range grouped {
		row := ledgerdomain.PaymentAttempt{
			RunID:                     runID,
			AttemptID:                 a.ID,
			IntentKey:                 a.IntentKey,
			GroupKey:                  a.GroupKey,
			CustomerID:                a.CustomerID,
			Amount:                    a.Amount,
			Currency:                  a.Currency,
			Status:                    string(a.Status),
			AttemptNumber:             a.AttemptNumber,
			GroupSize:                 a.GroupSize,
			IsFirstAttempt:            a.IsFirstAttempt,
			IsFinalAttempt:            a.IsFinalAttempt,
			IntentEventuallySucceeded: a.IntentEventuallySucceeded,
			IsLostPayment:             outcomes[i].IsLostPayment,
			IsRecoveredFailure:        outcomes[i].IsRecoveredFailure,
			CardBrand:                 a.CardBrand,
			CardCountry:               a.CardCountry,
			CreatedAt:                 a.CreatedAt,
		}

		if classification, ok := classifier.Classify(a.Status, a.FailureCode); ok {
			row.FailureCode = optional(a.FailureCode)
			row.FailureCategory = optional(string(classification.Category))
			row.RecoveryAction = optional(string(classification.Action))
			if !classification.Known {
				out.Unclassified++
			}
		} else if a.FailureCode != "" {
			out.IgnoredCodes = append(out.IgnoredCodes, a.PaymentAttempt)
		}

		if session := outcomes[i].CorrelatedSessionID; session != "" {
			row.SessionID = optional(session)
			row.FunnelID = funnelOf[session]
		}
		if link, ok := links.Target(domain.KindSubscriptionPayment, a.ID); ok {
			row.SubscriptionID = optional(link.TargetID)
		} else if c, ok := ledger.Canonical[a.ID]; ok {
			row.SubscriptionID = optional(c.SubscriptionID)
		}
		if reason, ok := excluded[a.ID]; ok {
			row.ExcludedReason = optional(string(reason))
		}
		out.Attempts[i] = row
	}
	return out
}

// publication converts the computed outputs into output table rows.
func publication(runID snowflake.ID, out *Outputs, sessions []snapshotdomain.Session) *ledgerdomain.Publication {
	funnelOf := make(map[string]string, len(sessions))
	for _, s := range sessions {
		funnelOf[s.ID] = s.FunnelID
	}

	all := out.Links.All()
	links := make([]ledgerdomain.AttributionLink, len(all))
	for i, l := range all {
		links[i] = ledgerdomain.AttributionLink{
			RunID:          runID,
			LinkKind:       string(l.Kind),
			SourceID:       l.SourceID,
			TargetID:       l.TargetID,
			Strategy:       string(l.Strategy),
			ConfidenceRank: l.ConfidenceRank,
			DeltaSeconds:   int64(l.Delta.Seconds()),
			Ambiguous:      l.Ambiguous,
			Candidates:     l.Candidates,
		}
	}

	entries := make([]ledgerdomain.RevenueEntry, len(out.Ledger.Records))
	for i, r := range out.Ledger.Records {
		entries[i] = ledgerdomain.RevenueEntry{
			RunID:                runID,
			AttemptID:            r.AttemptID,
			SessionID:            optional(r.SessionID),
			SubscriptionID:       optional(r.SubscriptionID),
			CustomerID:           r.CustomerID,
			FunnelID:             funnelOf[r.SessionID],
			Amount:               r.Amount,
			GrossAmount:          r.GrossAmount,
			RefundedAmount:       r.RefundedAmount,
			Currency:             r.Currency,
			AttributionTimestamp: r.AttributionTimestamp,
			ChargedAt:            r.ChargedAt,
			Path:                 string(r.Path),
		}
	}

	return &ledgerdomain.Publication{
		RunID:     runID,
		Links:     links,
		Revenue:   entries,
		Sessions:  out.Rollups.Sessions,
		Attempts:  out.Attempts,
		Daily:     out.Rollups.Daily,
		Funnels:   out.Rollups.Funnels,
		Campaigns: out.Rollups.Campaigns,
		Channels:  out.Rollups.Channels,
		Countries: out.Rollups.Countries,
		Plans:     out.Rollups.Plans,
		Cards:     out.Rollups.Cards,
		Payments:  out.Rollups.Payments,
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
