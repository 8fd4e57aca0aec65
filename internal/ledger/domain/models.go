package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one row of run history. Output rows carry the id of the run that
// published them.
type Run struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	Trigger       string            `gorm:"type:text;not null" json:"trigger"`
	Status        RunStatus         `gorm:"type:text;not null;index" json:"status"`
	StartedAt     time.Time         `gorm:"not null" json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	SnapshotAt    *time.Time        `json:"snapshot_at,omitempty"`
	InputCounts   datatypes.JSONMap `gorm:"type:json" json:"input_counts"`
	OutputCounts  datatypes.JSONMap `gorm:"type:json" json:"output_counts"`
	RevenueTotals datatypes.JSONMap `gorm:"type:json" json:"revenue_totals"`
	Excluded      datatypes.JSONMap `gorm:"type:json" json:"excluded"`
	Ambiguous     int               `gorm:"not null;default:0" json:"ambiguous"`
	FailureReason *string           `gorm:"type:text" json:"failure_reason"`
}

// TableName sets the database table name.
func (Run) TableName() string { return "attribution_runs" }

type AttributionLink struct {
	RunID          snowflake.ID `gorm:"not null;index" json:"run_id"`
	LinkKind       string       `gorm:"type:text;primaryKey" json:"link_kind"`
	SourceID       string       `gorm:"type:text;primaryKey" json:"source_id"`
	TargetID       string       `gorm:"type:text;not null;index" json:"target_id"`
	Strategy       string       `gorm:"type:text;not null" json:"strategy"`
	ConfidenceRank int          `gorm:"not null" json:"confidence_rank"`
	DeltaSeconds   int64        `gorm:"not null" json:"delta_seconds"`
	Ambiguous      bool         `gorm:"not null" json:"ambiguous"`
	Candidates     int          `gorm:"not null" json:"candidates"`
}

// TableName sets the database table name.
func (AttributionLink) TableName() string { return "attribution_links" }

// RevenueEntry is the canonical, counted-once record of a charge.
type RevenueEntry struct {
	RunID                snowflake.ID `gorm:"not null;index" json:"run_id"`
	AttemptID            string       `gorm:"type:text;primaryKey" json:"attempt_id"`
	SessionID            *string      `gorm:"type:text;index" json:"session_id"`
	SubscriptionID       *string      `gorm:"type:text" json:"subscription_id"`
	CustomerID           string       `gorm:"type:text" json:"customer_id"`
	FunnelID             string       `gorm:"type:text" json:"funnel_id"`
	Amount               int64        `gorm:"not null" json:"amount"`
	GrossAmount          int64        `gorm:"not null" json:"gross_amount"`
	RefundedAmount       int64        `gorm:"not null" json:"refunded_amount"`
	Currency             string       `gorm:"type:text;not null" json:"currency"`
	AttributionTimestamp time.Time    `gorm:"not null;index" json:"attribution_timestamp"`
	ChargedAt            time.Time    `gorm:"not null" json:"charged_at"`
	Path                 string       `gorm:"type:text;not null" json:"path"`
}

// TableName sets the database table name.
func (RevenueEntry) TableName() string { return "revenue_ledger" }

// SessionAttribution has one row per input session. Revenue is nil unless
// the session holds the canonical claim on at least one charge.
type SessionAttribution struct {
	RunID             snowflake.ID      `gorm:"not null;index" json:"run_id"`
	SessionID         string            `gorm:"type:text;primaryKey" json:"session_id"`
	ProfileID         string            `gorm:"type:text" json:"profile_id"`
	FunnelID          string            `gorm:"type:text;index" json:"funnel_id"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	Country           string            `gorm:"type:text" json:"country"`
	City              string            `gorm:"type:text" json:"city"`
	SubscriptionID    *string           `gorm:"type:text" json:"subscription_id"`
	EngagementEventID *string           `gorm:"type:text" json:"engagement_event_id"`
	CampaignID        string            `gorm:"type:text" json:"campaign_id"`
	AdID              string            `gorm:"type:text" json:"ad_id"`
	Channel           string            `gorm:"type:text" json:"channel"`
	UTMSource         string            `gorm:"type:text" json:"utm_source"`
	UTMMedium         string            `gorm:"type:text" json:"utm_medium"`
	UTMCampaign       string            `gorm:"type:text" json:"utm_campaign"`
	UTMContent        string            `gorm:"type:text" json:"utm_content"`
	FBCLID            string            `gorm:"type:text" json:"fbclid"`
	Converted         bool              `gorm:"not null" json:"converted"`
	ClaimedCharges    int               `gorm:"not null" json:"claimed_charges"`
	CanonicalCharges  int               `gorm:"not null" json:"canonical_charges"`
	Revenue           *int64            `json:"revenue"`
	RevenueByCurrency datatypes.JSONMap `gorm:"type:json" json:"revenue_by_currency"`
}

// TableName sets the database table name.
func (SessionAttribution) TableName() string { return "session_attribution" }

// PaymentAttempt is an input attempt enriched with its retry position,
// failure classification and recovery outcome.
type PaymentAttempt struct {
	RunID                     snowflake.ID `gorm:"not null;index" json:"run_id"`
	AttemptID                 string       `gorm:"type:text;primaryKey" json:"attempt_id"`
	IntentKey                 string       `gorm:"type:text;index" json:"intent_key"`
	GroupKey                  string       `gorm:"type:text;not null" json:"group_key"`
	CustomerID                string       `gorm:"type:text" json:"customer_id"`
	Amount                    int64        `gorm:"not null" json:"amount"`
	Currency                  string       `gorm:"type:text;not null" json:"currency"`
	Status                    string       `gorm:"type:text;not null" json:"status"`
	FailureCode               *string      `gorm:"type:text" json:"failure_code"`
	FailureCategory           *string      `gorm:"type:text" json:"failure_category"`
	RecoveryAction            *string      `gorm:"type:text" json:"recovery_action"`
	AttemptNumber             int          `gorm:"not null" json:"attempt_number"`
	GroupSize                 int          `gorm:"not null" json:"group_size"`
	IsFirstAttempt            bool         `gorm:"not null" json:"is_first_attempt"`
	IsFinalAttempt            bool         `gorm:"not null" json:"is_final_attempt"`
	IntentEventuallySucceeded bool         `gorm:"not null" json:"intent_eventually_succeeded"`
	IsLostPayment             bool         `gorm:"not null" json:"is_lost_payment"`
	IsRecoveredFailure        bool         `gorm:"not null" json:"is_recovered_failure"`
	SessionID                 *string      `gorm:"type:text" json:"session_id"`
	SubscriptionID            *string      `gorm:"type:text" json:"subscription_id"`
	FunnelID                  string       `gorm:"type:text" json:"funnel_id"`
	CardBrand                 string       `gorm:"type:text" json:"card_brand"`
	CardCountry               string       `gorm:"type:text" json:"card_country"`
	ExcludedReason            *string      `gorm:"type:text" json:"excluded_reason"`
	CreatedAt                 time.Time    `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts_enriched" }

// DailyRollup and the other rollups key revenue by currency. Count measures
// belong to the grain and repeat on every currency row of that grain.
type DailyRollup struct {
	RunID             snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date              time.Time    `gorm:"type:date;primaryKey" json:"date"`
	Currency          string       `gorm:"type:text;primaryKey" json:"currency"`
	Sessions          int          `gorm:"not null" json:"sessions"`
	ConvertedSessions int          `gorm:"not null" json:"converted_sessions"`
	Subscriptions     int          `gorm:"not null" json:"subscriptions"`
	Revenue           int64        `gorm:"not null" json:"revenue"`
	RevenueRecords    int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (DailyRollup) TableName() string { return "rollup_daily" }

type FunnelDailyRollup struct {
	RunID             snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date              time.Time    `gorm:"type:date;primaryKey" json:"date"`
	FunnelID          string       `gorm:"type:text;primaryKey" json:"funnel_id"`
	Currency          string       `gorm:"type:text;primaryKey" json:"currency"`
	Sessions          int          `gorm:"not null" json:"sessions"`
	ConvertedSessions int          `gorm:"not null" json:"converted_sessions"`
	Subscriptions     int          `gorm:"not null" json:"subscriptions"`
	Revenue           int64        `gorm:"not null" json:"revenue"`
	RevenueRecords    int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (FunnelDailyRollup) TableName() string { return "rollup_funnel_daily" }

type CampaignDailyRollup struct {
	RunID             snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date              time.Time    `gorm:"type:date;primaryKey" json:"date"`
	CampaignID        string       `gorm:"type:text;primaryKey" json:"campaign_id"`
	AdID              string       `gorm:"type:text;primaryKey" json:"ad_id"`
	Currency          string       `gorm:"type:text;primaryKey" json:"currency"`
	Spend             int64        `gorm:"not null" json:"spend"`
	Impressions       int64        `gorm:"not null" json:"impressions"`
	Clicks            int64        `gorm:"not null" json:"clicks"`
	Sessions          int          `gorm:"not null" json:"sessions"`
	ConvertedSessions int          `gorm:"not null" json:"converted_sessions"`
	Revenue           int64        `gorm:"not null" json:"revenue"`
	RevenueRecords    int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (CampaignDailyRollup) TableName() string { return "rollup_campaign_daily" }

// ChannelDailyRollup groups sessions by the slugified utm_source of their
// engagement event.
type ChannelDailyRollup struct {
	RunID             snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date              time.Time    `gorm:"type:date;primaryKey" json:"date"`
	Channel           string       `gorm:"type:text;primaryKey" json:"channel"`
	Currency          string       `gorm:"type:text;primaryKey" json:"currency"`
	Sessions          int          `gorm:"not null" json:"sessions"`
	ConvertedSessions int          `gorm:"not null" json:"converted_sessions"`
	Subscriptions     int          `gorm:"not null" json:"subscriptions"`
	Revenue           int64        `gorm:"not null" json:"revenue"`
	RevenueRecords    int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (ChannelDailyRollup) TableName() string { return "rollup_channel_daily" }

type CountryDailyRollup struct {
	RunID             snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date              time.Time    `gorm:"type:date;primaryKey" json:"date"`
	Country           string       `gorm:"type:text;primaryKey" json:"country"`
	Currency          string       `gorm:"type:text;primaryKey" json:"currency"`
	Sessions          int          `gorm:"not null" json:"sessions"`
	ConvertedSessions int          `gorm:"not null" json:"converted_sessions"`
	Subscriptions     int          `gorm:"not null" json:"subscriptions"`
	Revenue           int64        `gorm:"not null" json:"revenue"`
	RevenueRecords    int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (CountryDailyRollup) TableName() string { return "rollup_country_daily" }

// PlanDailyRollup groups subscriptions by billing interval. Revenue follows
// the subscription a record was attributed to; the rest lands on the empty
// interval.
type PlanDailyRollup struct {
	RunID           snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date            time.Time    `gorm:"type:date;primaryKey" json:"date"`
	BillingInterval string       `gorm:"type:text;primaryKey" json:"billing_interval"`
	Currency        string       `gorm:"type:text;primaryKey" json:"currency"`
	Subscriptions   int          `gorm:"not null" json:"subscriptions"`
	Active          int          `gorm:"not null" json:"active"`
	Canceled        int          `gorm:"not null" json:"canceled"`
	Revenue         int64        `gorm:"not null" json:"revenue"`
	RevenueRecords  int          `gorm:"not null" json:"revenue_records"`
}

// TableName sets the database table name.
func (PlanDailyRollup) TableName() string { return "rollup_plan_daily" }

type CardDailyRollup struct {
	RunID       snowflake.ID `gorm:"not null;index" json:"run_id"`
	Date        time.Time    `gorm:"type:date;primaryKey" json:"date"`
	CardCountry string       `gorm:"type:text;primaryKey" json:"card_country"`
	CardBrand   string       `gorm:"type:text;primaryKey" json:"card_brand"`
	Currency    string       `gorm:"type:text;primaryKey" json:"currency"`
	Attempts    int          `gorm:"not null" json:"attempts"`
	Succeeded   int          `gorm:"not null" json:"succeeded"`
	Failed      int          `gorm:"not null" json:"failed"`
	Revenue     int64        `gorm:"not null" json:"revenue"`
}

// TableName sets the database table name.
func (CardDailyRollup) TableName() string { return "rollup_card_daily" }

type PaymentsDailyRollup struct {
	RunID              snowflake.ID      `gorm:"not null;index" json:"run_id"`
	Date               time.Time         `gorm:"type:date;primaryKey" json:"date"`
	FunnelID           string            `gorm:"type:text;primaryKey" json:"funnel_id"`
	Currency           string            `gorm:"type:text;primaryKey" json:"currency"`
	Attempts           int               `gorm:"not null" json:"attempts"`
	Succeeded          int               `gorm:"not null" json:"succeeded"`
	Failed             int               `gorm:"not null" json:"failed"`
	Recovered          int               `gorm:"not null" json:"recovered"`
	Lost               int               `gorm:"not null" json:"lost"`
	Revenue            int64             `gorm:"not null" json:"revenue"`
	FailedAmount       int64             `gorm:"not null" json:"failed_amount"`
	SuccessRate        float64           `gorm:"not null" json:"success_rate"`
	FailuresByCategory datatypes.JSONMap `gorm:"type:json" json:"failures_by_category"`
}

// TableName sets the database table name.
func (PaymentsDailyRollup) TableName() string { return "rollup_payments_daily" }
