package pipeline

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/internal/revenue"
	"github.com/smallbiznis/attribution/internal/rollup"
	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
)

// Outputs is everything one run derived from its snapshot.
type Outputs struct {
	RunID       snowflake.ID
	Config      config.EngineConfig
	Snapshot    snapshotdomain.Snapshot
	Links       *identity.Result
	Ledger      *revenue.Ledger
	Attempts    []ledgerdomain.PaymentAttempt
	Rollups     *rollup.Output
	Publication *ledgerdomain.Publication
	Report      Report
}

// Report summarizes a run for the run history and logs.
type Report struct {
	InputCounts         map[string]int            `json:"input_counts"`
	OutputCounts        map[string]int            `json:"output_counts"`
	RevenueTotals       map[string]int64          `json:"revenue_totals"`
	Excluded            map[string]int            `json:"excluded"`
	ExcludedAttempts    []revenue.Exclusion       `json:"excluded_attempts"`
	LinksByStrategy     map[string]map[string]int `json:"links_by_strategy"`
	AmbiguousByStrategy map[string]map[string]int `json:"ambiguous_by_strategy"`
	Ambiguous           int                       `json:"ambiguous"`
	UnclassifiedCodes   int                       `json:"unclassified_codes"`
	IgnoredCodes        int                       `json:"ignored_codes"`
}

func buildReport(snap snapshotdomain.Snapshot, out *Outputs, enriched enrichment) Report {
	r := Report{
		InputCounts:         snap.Counts(),
		OutputCounts:        out.Publication.Counts(),
		RevenueTotals:       out.Ledger.Total(),
		Excluded:            map[string]int{},
		ExcludedAttempts:    out.Ledger.Excluded,
		LinksByStrategy:     map[string]map[string]int{},
		AmbiguousByStrategy: map[string]map[string]int{},
		UnclassifiedCodes:   enriched.Unclassified,
		IgnoredCodes:        len(enriched.IgnoredCodes),
	}
	for _, e := range out.Ledger.Excluded {
		r.Excluded[string(e.Reason)]++
	}
	for _, l := range out.Links.All() {
		kind, strategy := string(l.Kind), string(l.Strategy)
		bump(r.LinksByStrategy, kind, strategy)
		if l.Ambiguous {
			bump(r.AmbiguousByStrategy, kind, strategy)
			r.Ambiguous++
		}
	}
	return r
}

func bump(m map[string]map[string]int, outer, inner string) {
	if m[outer] == nil {
		m[outer] = map[string]int{}
	}
	m[outer][inner]++
}
