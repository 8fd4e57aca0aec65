package identity

import (
	"context"
	"runtime"
	"sort"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	fx.In

	Log *zap.Logger
}

type Linker struct {
	log *zap.Logger
}

func NewLinker(p Params) *Linker {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Linker{log: log.Named("identity.linker")}
}

// Link resolves every link kind over snap. The snapshot is expected to be
// normalized and validated.
func (l *Linker) Link(ctx context.Context, snap snapshot.Snapshot, cfg config.EngineConfig) (*Result, error) {
	idx := NewIndex(snap, cfg.SessionParam, cfg.IsTestAmount)
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	result := newResult(idx)

	sessionSubs, err := resolveAll(ctx, SessionSubscriptionChain(idx, cfg.Windows), snap.Sessions, workers)
	if err != nil {
		return nil, err
	}
	result.add(domain.KindSessionSubscription, sessionSubs)

	sessionPayments, err := resolveAll(ctx, SessionPaymentChain(idx, cfg.Windows), snap.Sessions, workers)
	if err != nil {
		return nil, err
	}
	result.add(domain.KindSessionPayment, sessionPayments)

	subPayments, err := resolveAll(ctx, SubscriptionPaymentChain(idx, cfg.Windows), snap.PaymentAttempts, workers)
	if err != nil {
		return nil, err
	}
	result.add(domain.KindSubscriptionPayment, subPayments)

	engagements, err := resolveAll(ctx, SessionEngagementChain(idx, cfg.Windows), snap.Sessions, workers)
	if err != nil {
		return nil, err
	}
	result.add(domain.KindSessionEngagement, engagements)

	engagementBySession := make(map[string]string, len(engagements))
	for _, link := range engagements {
		engagementBySession[link.SourceID] = link.TargetID
	}
	ads, err := resolveAll(ctx, SessionAdChain(idx, cfg.Windows, engagementBySession), snap.Sessions, workers)
	if err != nil {
		return nil, err
	}
	result.add(domain.KindSessionAd, ads)

	for _, kind := range domain.Kinds {
		links := result.Of(kind)
		ambiguous := 0
		for _, link := range links {
			if !link.Ambiguous {
				continue
			}
			ambiguous++
			l.log.Warn("ambiguous_match",
				zap.String("link_kind", string(link.Kind)),
				zap.String("strategy", string(link.Strategy)),
				zap.String("source_id", link.SourceID),
				zap.String("target_id", link.TargetID),
				zap.Int("candidates", link.Candidates),
			)
		}
		l.log.Debug("links resolved",
			zap.String("link_kind", string(kind)),
			zap.Int("links", len(links)),
			zap.Int("ambiguous", ambiguous),
		)
	}

	return result, nil
}

// resolveAll runs chain over sources in contiguous partitions. Each worker
// writes only its own slots, and the output is ordered by source id.
func resolveAll[S any](ctx context.Context, chain Chain[S], sources []S, workers int) ([]domain.AttributionLink, error) {
	n := len(sources)
	if n == 0 {
		return nil, nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers

	links := make([]domain.AttributionLink, n)
	found := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < n; start += size {
		start, end := start, min(start+size, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				links[i], found[i] = chain.Resolve(sources[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.AttributionLink, 0, n)
	for i := range links {
		if found[i] {
			out = append(out, links[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Result is the link table of one run.
type Result struct {
	Index *Index

	byKind   map[domain.LinkKind][]domain.AttributionLink
	bySource map[domain.LinkKind]map[string]domain.AttributionLink
	byTarget map[domain.LinkKind]map[string][]string
}

func newResult(idx *Index) *Result {
	return &Result{
		Index:    idx,
		byKind:   map[domain.LinkKind][]domain.AttributionLink{},
		bySource: map[domain.LinkKind]map[string]domain.AttributionLink{},
		byTarget: map[domain.LinkKind]map[string][]string{},
	}
}

func (r *Result) add(kind domain.LinkKind, links []domain.AttributionLink) {
	sources := make(map[string]domain.AttributionLink, len(links))
	targets := map[string][]string{}
	for _, link := range links {
		sources[link.SourceID] = link
		targets[link.TargetID] = append(targets[link.TargetID], link.SourceID)
	}
	r.byKind[kind] = links
	r.bySource[kind] = sources
	r.byTarget[kind] = targets
}

// Of returns the links of kind ordered by source id.
func (r *Result) Of(kind domain.LinkKind) []domain.AttributionLink {
	return r.byKind[kind]
}

// All returns every link, grouped by kind in resolution order.
func (r *Result) All() []domain.AttributionLink {
	var out []domain.AttributionLink
	for _, kind := range domain.Kinds {
		out = append(out, r.byKind[kind]...)
	}
	return out
}

func (r *Result) Target(kind domain.LinkKind, sourceID string) (domain.AttributionLink, bool) {
	link, ok := r.bySource[kind][sourceID]
	return link, ok
}

// Sources lists, in ascending order, every source that claimed targetID.
func (r *Result) Sources(kind domain.LinkKind, targetID string) []string {
	return r.byTarget[kind][targetID]
}
