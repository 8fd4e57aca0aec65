// Package rollup derives reporting grains from the canonical revenue ledger.
package rollup

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/identity"
	"github.com/smallbiznis/attribution/internal/identity/domain"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/internal/revenue"
	snapshot "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var ErrConservationViolation = errors.New("rollup_conservation_violation")

type Params struct {
	fx.In

	Log *zap.Logger
}

type Aggregator struct {
	log *zap.Logger
}

func NewAggregator(p Params) *Aggregator {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{log: log.Named("rollup.aggregator")}
}

type Input struct {
	RunID         snowflake.ID
	Sessions      []snapshot.Session
	Subscriptions []snapshot.Subscription
	AdSpend       []snapshot.AdSpendRecord
	Links         *identity.Result
	Ledger        *revenue.Ledger
	Attempts      []ledgerdomain.PaymentAttempt
}

type Output struct {
	Daily     []ledgerdomain.DailyRollup
	Funnels   []ledgerdomain.FunnelDailyRollup
	Campaigns []ledgerdomain.CampaignDailyRollup
	Channels  []ledgerdomain.ChannelDailyRollup
	Countries []ledgerdomain.CountryDailyRollup
	Plans     []ledgerdomain.PlanDailyRollup
	Cards     []ledgerdomain.CardDailyRollup
	Payments  []ledgerdomain.PaymentsDailyRollup
	Sessions  []ledgerdomain.SessionAttribution
}

// Aggregate builds every rollup and verifies that each one sums to the
// ledger total per currency.
func (a *Aggregator) Aggregate(in Input) (*Output, error) {
	view := newSessionView(in)

	out := &Output{
		Sessions:  sessionRows(in, view),
		Daily:     dailyRows(in, view),
		Funnels:   funnelRows(in, view),
		Campaigns: campaignRows(in, view),
		Channels:  channelRows(in, view),
		Countries: countryRows(in, view),
		Plans:     planRows(in),
		Cards:     cardRows(in),
		Payments:  paymentRows(in),
	}

	if err := out.CheckConservation(in.Ledger.Total(), in.Ledger.AttributedTotal()); err != nil {
		return nil, err
	}
	a.log.Debug("rollups built",
		zap.Int("daily", len(out.Daily)),
		zap.Int("funnels", len(out.Funnels)),
		zap.Int("campaigns", len(out.Campaigns)),
		zap.Int("channels", len(out.Channels)),
		zap.Int("countries", len(out.Countries)),
		zap.Int("plans", len(out.Plans)),
		zap.Int("cards", len(out.Cards)),
		zap.Int("payments", len(out.Payments)),
		zap.Int("sessions", len(out.Sessions)),
	)
	return out, nil
}

// CheckConservation compares each rollup's revenue per currency with the
// ledger total. Session rows only hold attributed revenue, so they are
// compared with attributed instead.
func (o *Output) CheckConservation(total, attributed map[string]int64) error {
	sums := map[string]map[string]int64{}
	add := func(grain, currency string, amount int64) {
		if sums[grain] == nil {
			sums[grain] = map[string]int64{}
		}
		sums[grain][currency] += amount
	}
	for _, r := range o.Daily {
		add("daily", r.Currency, r.Revenue)
	}
	for _, r := range o.Funnels {
		add("funnel", r.Currency, r.Revenue)
	}
	for _, r := range o.Campaigns {
		add("campaign", r.Currency, r.Revenue)
	}
	for _, r := range o.Channels {
		add("channel", r.Currency, r.Revenue)
	}
	for _, r := range o.Countries {
		add("country", r.Currency, r.Revenue)
	}
	for _, r := range o.Plans {
		add("plan", r.Currency, r.Revenue)
	}
	for _, r := range o.Cards {
		add("card", r.Currency, r.Revenue)
	}
	for _, r := range o.Payments {
		add("payments", r.Currency, r.Revenue)
	}
	for _, r := range o.Sessions {
		for currency, v := range r.RevenueByCurrency {
			if amount, ok := v.(int64); ok {
				add("sessions", currency, amount)
			}
		}
	}

	var errs []error
	for _, name := range []string{"daily", "funnel", "campaign", "channel", "country", "plan", "card", "payments"} {
		errs = append(errs, compareTotals(name, sums[name], total)...)
	}
	errs = append(errs, compareTotals("sessions", sums["sessions"], attributed)...)
	return errors.Join(errs...)
}

func compareTotals(name string, got, want map[string]int64) []error {
	var errs []error
	for _, currency := range sortedCurrencies(want) {
		if got[currency] != want[currency] {
			errs = append(errs, fmt.Errorf("%w: %s %s %d != ledger %d", ErrConservationViolation, name, currency, got[currency], want[currency]))
		}
	}
	for _, currency := range sortedCurrencies(got) {
		if _, ok := want[currency]; !ok && got[currency] != 0 {
			errs = append(errs, fmt.Errorf("%w: %s %s %d not in ledger", ErrConservationViolation, name, currency, got[currency]))
		}
	}
	return errs
}

func sortedCurrencies(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type placement struct {
	CampaignID string
	AdID       string
}

// sessionView holds per-session facts shared by the marketing grains.
type sessionView struct {
	byID       map[string]snapshot.Session
	converted  map[string]bool
	claimed    map[string]int
	canonical  map[string][]revenue.Record
	placements map[string]placement
	channels   map[string]string
}

func newSessionView(in Input) *sessionView {
	v := &sessionView{
		byID:       make(map[string]snapshot.Session, len(in.Sessions)),
		converted:  map[string]bool{},
		claimed:    map[string]int{},
		canonical:  map[string][]revenue.Record{},
		placements: make(map[string]placement, len(in.Sessions)),
		channels:   map[string]string{},
	}
	for _, s := range in.Sessions {
		v.byID[s.ID] = s
	}
	for _, link := range in.Links.Of(domain.KindSessionSubscription) {
		v.converted[link.SourceID] = true
	}
	for _, c := range in.Ledger.Claims {
		v.converted[c.SessionID] = true
		v.claimed[c.SessionID]++
	}
	for _, r := range in.Ledger.Records {
		if r.SessionID != "" {
			v.canonical[r.SessionID] = append(v.canonical[r.SessionID], r)
		}
	}

	for _, link := range in.Links.Of(domain.KindSessionEngagement) {
		if e, ok := in.Links.Index.EngagementEvent(link.TargetID); ok {
			v.channels[link.SourceID] = e.Channel()
		}
	}

	representative := representativeAds(in.AdSpend)
	for _, s := range in.Sessions {
		v.placements[s.ID] = placementOf(s, in.Links, representative)
	}
	return v
}

func representativeAds(ads []snapshot.AdSpendRecord) map[string]string {
	out := map[string]string{}
	for _, ad := range ads {
		key := dayCampaignKey(ad.Date, ad.CampaignID)
		if current, ok := out[key]; !ok || ad.AdID < current {
			out[key] = ad.AdID
		}
	}
	return out
}

func dayCampaignKey(t time.Time, campaign string) string {
	return snapshot.DayOf(t).Format(time.DateOnly) + "|" + campaign
}

// placementOf assigns a session to a campaign row: its linked ad, else the
// representative ad of its campaign that day, else the empty row.
func placementOf(s snapshot.Session, links *identity.Result, representative map[string]string) placement {
	if link, ok := links.Target(domain.KindSessionAd, s.ID); ok {
		if ad, ok := links.Index.AdSpend(link.TargetID); ok {
			return placement{CampaignID: ad.CampaignID, AdID: ad.AdID}
		}
	}
	campaign := s.CampaignKey()
	if link, ok := links.Target(domain.KindSessionEngagement, s.ID); ok {
		if e, ok := links.Index.EngagementEvent(link.TargetID); ok && e.UTMCampaign() != "" {
			campaign = e.UTMCampaign()
		}
	}
	if campaign == "" {
		return placement{}
	}
	return placement{CampaignID: campaign, AdID: representative[dayCampaignKey(s.CreatedAt, campaign)]}
}

func sessionRows(in Input, v *sessionView) []ledgerdomain.SessionAttribution {
	rows := make([]ledgerdomain.SessionAttribution, 0, len(in.Sessions))
	for _, s := range in.Sessions {
		row := ledgerdomain.SessionAttribution{
			RunID:          in.RunID,
			SessionID:      s.ID,
			ProfileID:      s.ProfileID,
			FunnelID:       s.FunnelID,
			CreatedAt:      s.CreatedAt,
			Country:        s.Country,
			City:           s.City,
			CampaignID:     v.placements[s.ID].CampaignID,
			AdID:           v.placements[s.ID].AdID,
			Converted:      v.converted[s.ID],
			ClaimedCharges: v.claimed[s.ID],
		}
		if link, ok := in.Links.Target(domain.KindSessionSubscription, s.ID); ok {
			row.SubscriptionID = ptr(link.TargetID)
		}
		if link, ok := in.Links.Target(domain.KindSessionEngagement, s.ID); ok {
			row.EngagementEventID = ptr(link.TargetID)
			if e, ok := in.Links.Index.EngagementEvent(link.TargetID); ok {
				row.Channel = e.Channel()
				row.UTMSource = e.UTMSource()
				row.UTMMedium = e.UTMMedium()
				row.UTMCampaign = e.UTMCampaign()
				row.UTMContent = e.UTMContent()
				row.FBCLID = e.FBCLID()
			}
		}
		if row.UTMCampaign == "" {
			row.UTMCampaign = s.CampaignKey()
		}
		if records := v.canonical[s.ID]; len(records) > 0 {
			byCurrency := datatypes.JSONMap{}
			var total int64
			for _, r := range records {
				current, _ := byCurrency[r.Currency].(int64)
				byCurrency[r.Currency] = current + r.Amount
				total += r.Amount
			}
			row.CanonicalCharges = len(records)
			row.RevenueByCurrency = byCurrency
			row.Revenue = &total
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SessionID < rows[j].SessionID })
	return rows
}

func ptr[T any](v T) *T { return &v }
