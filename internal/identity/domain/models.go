// Package domain holds the link types produced by identity resolution.
package domain

import (
	"time"
)

type LinkKind string

const (
	KindSessionSubscription LinkKind = "session_subscription"
	KindSessionPayment      LinkKind = "session_payment"
	KindSubscriptionPayment LinkKind = "subscription_payment"
	KindSessionEngagement   LinkKind = "session_engagement"
	KindSessionAd           LinkKind = "session_ad"
)

// Kinds is the resolution order. session_ad reads session_engagement links,
// so it must come after it.
var Kinds = []LinkKind{
	KindSessionSubscription,
	KindSessionPayment,
	KindSubscriptionPayment,
	KindSessionEngagement,
	KindSessionAd,
}

type Strategy string

const (
	StrategyExactKey          Strategy = "exact_key"
	StrategyIndirect          Strategy = "indirect"
	StrategyTimeWindow        Strategy = "time_window"
	StrategyPayloadExtraction Strategy = "payload_extraction"
)

// AttributionLink joins one source entity to at most one target per kind.
// ConfidenceRank is Strategy.Rank(); lower means stronger evidence.
type AttributionLink struct {
	Kind           LinkKind      `json:"link_kind"`
	SourceID       string        `json:"source_id"`
	TargetID       string        `json:"target_id"`
	Strategy       Strategy      `json:"resolution_strategy"`
	ConfidenceRank int           `json:"confidence_rank"`
	Delta          time.Duration `json:"delta"`
	Ambiguous      bool          `json:"ambiguous"`
	Candidates     int           `json:"candidates"`
}

// Rank is the strategy's position in the global fallback order. A kind may
// skip steps, so ranks within one chain are increasing but not contiguous.
func (s Strategy) Rank() int {
	switch s {
	case StrategyExactKey:
		return 1
	case StrategyIndirect:
		return 2
	case StrategyTimeWindow:
		return 3
	case StrategyPayloadExtraction:
		return 4
	default:
		return 0
	}
}
