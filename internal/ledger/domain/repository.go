package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("run_not_found")

// Publication is the full output of one successful run. It replaces every
// output table at once.
type Publication struct {
	RunID     snowflake.ID
	Links     []AttributionLink
	Revenue   []RevenueEntry
	Sessions  []SessionAttribution
	Attempts  []PaymentAttempt
	Daily     []DailyRollup
	Funnels   []FunnelDailyRollup
	Campaigns []CampaignDailyRollup
	Channels  []ChannelDailyRollup
	Countries []CountryDailyRollup
	Plans     []PlanDailyRollup
	Cards     []CardDailyRollup
	Payments  []PaymentsDailyRollup
}

// Counts reports the row count per output table.
func (p *Publication) Counts() map[string]int {
	return map[string]int{
		AttributionLink{}.TableName():     len(p.Links),
		RevenueEntry{}.TableName():        len(p.Revenue),
		SessionAttribution{}.TableName():  len(p.Sessions),
		PaymentAttempt{}.TableName():      len(p.Attempts),
		DailyRollup{}.TableName():         len(p.Daily),
		FunnelDailyRollup{}.TableName():   len(p.Funnels),
		CampaignDailyRollup{}.TableName(): len(p.Campaigns),
		ChannelDailyRollup{}.TableName():  len(p.Channels),
		CountryDailyRollup{}.TableName():  len(p.Countries),
		PlanDailyRollup{}.TableName():     len(p.Plans),
		CardDailyRollup{}.TableName():     len(p.Cards),
		PaymentsDailyRollup{}.TableName(): len(p.Payments),
	}
}

type DateRange struct {
	From time.Time
	To   time.Time
}

type RevenueFilter struct {
	SessionID string
	Currency  string
	Range     DateRange
}

type Repository interface {
	Replace(ctx context.Context, db *gorm.DB, pub *Publication) error
	InsertRun(ctx context.Context, db *gorm.DB, run *Run) error
	UpdateRun(ctx context.Context, db *gorm.DB, run *Run) error
	LatestRun(ctx context.Context, db *gorm.DB) (*Run, error)
	ListRevenue(ctx context.Context, db *gorm.DB, filter RevenueFilter, page pagination.Pagination) ([]*RevenueEntry, error)
	ListDaily(ctx context.Context, db *gorm.DB, r DateRange) ([]DailyRollup, error)
	ListFunnels(ctx context.Context, db *gorm.DB, r DateRange) ([]FunnelDailyRollup, error)
	ListCampaigns(ctx context.Context, db *gorm.DB, r DateRange) ([]CampaignDailyRollup, error)
	ListChannels(ctx context.Context, db *gorm.DB, r DateRange) ([]ChannelDailyRollup, error)
	ListCountries(ctx context.Context, db *gorm.DB, r DateRange) ([]CountryDailyRollup, error)
	ListPlans(ctx context.Context, db *gorm.DB, r DateRange) ([]PlanDailyRollup, error)
}
