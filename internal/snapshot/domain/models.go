// Package domain contains the raw record streams of one batch snapshot.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusPending   AttemptStatus = "pending"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
)

// Session is one visit to an acquisition funnel.
type Session struct {
	ID        string    `gorm:"column:id;type:text;not null;index"`
	ProfileID string    `gorm:"column:profile_id;type:text;index"`
	FunnelID  string    `gorm:"column:funnel_id;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	Country   string    `gorm:"column:country;type:text"`
	City      string    `gorm:"column:city;type:text"`
	Origin    string    `gorm:"column:origin;type:text"`
	UserAgent string    `gorm:"column:user_agent;type:text"`
}

func (Session) TableName() string { return "raw_sessions" }

// Subscription is a recurring-billing agreement.
type Subscription struct {
	ID              string             `gorm:"column:id;type:text;not null;index"`
	CustomerID      string             `gorm:"column:customer_id;type:text;index"`
	Status          SubscriptionStatus `gorm:"column:status;type:text"`
	CreatedAt       time.Time          `gorm:"column:created_at;not null"`
	Metadata        datatypes.JSONMap  `gorm:"column:metadata"`
	BillingInterval string             `gorm:"column:billing_interval;type:text"`
	Price           int64              `gorm:"column:price"`
	Currency        string             `gorm:"column:currency;type:text"`
}

func (Subscription) TableName() string { return "raw_subscriptions" }

// PaymentAttempt is a single charge attempt. Amount is in minor units.
type PaymentAttempt struct {
	ID          string            `gorm:"column:id;type:text;not null;index"`
	IntentKey   string            `gorm:"column:intent_key;type:text;index"`
	CustomerID  string            `gorm:"column:customer_id;type:text;index"`
	InvoiceID   string            `gorm:"column:invoice_id;type:text"`
	Amount      int64             `gorm:"column:amount"`
	Currency    string            `gorm:"column:currency;type:text"`
	Status      AttemptStatus     `gorm:"column:status;type:text"`
	FailureCode string            `gorm:"column:failure_code;type:text"`
	CreatedAt   time.Time         `gorm:"column:created_at;not null"`
	CardBrand   string            `gorm:"column:card_brand;type:text"`
	CardCountry string            `gorm:"column:card_country;type:text"`
	Description string            `gorm:"column:description;type:text"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata"`
}

func (PaymentAttempt) TableName() string { return "raw_payment_attempts" }

func (a PaymentAttempt) Succeeded() bool { return a.Status == AttemptStatusSucceeded }

func (a PaymentAttempt) Failed() bool { return a.Status == AttemptStatusFailed }

// ValidAmount reports whether the amount can enter a revenue sum.
func (a PaymentAttempt) ValidAmount() bool { return a.Amount >= 0 }

// EngagementEvent is a product analytics event.
type EngagementEvent struct {
	ID             string            `gorm:"column:id;type:text;not null;index"`
	DeviceID       string            `gorm:"column:device_id;type:text"`
	EventType      string            `gorm:"column:event_type;type:text"`
	EventTime      time.Time         `gorm:"column:event_time;not null"`
	PageLocation   string            `gorm:"column:page_location;type:text"`
	UserProperties datatypes.JSONMap `gorm:"column:user_properties"`
}

func (EngagementEvent) TableName() string { return "raw_engagement_events" }

// AdSpendRecord is one ad's delivery on one day. Spend is in minor units.
type AdSpendRecord struct {
	CampaignID  string    `gorm:"column:campaign_id;type:text;not null"`
	AdID        string    `gorm:"column:ad_id;type:text;not null"`
	Date        time.Time `gorm:"column:date;not null"`
	Spend       int64     `gorm:"column:spend"`
	Impressions int64     `gorm:"column:impressions"`
	Clicks      int64     `gorm:"column:clicks"`
}

func (AdSpendRecord) TableName() string { return "raw_ad_spend" }

// Key is the natural key of the record: campaign, ad and day.
func (r AdSpendRecord) Key() string {
	return r.CampaignID + "|" + r.AdID + "|" + r.Date.UTC().Format(time.DateOnly)
}

type Refund struct {
	ID        string    `gorm:"column:id;type:text;not null;index"`
	AttemptID string    `gorm:"column:attempt_id;type:text;index"`
	Amount    int64     `gorm:"column:amount"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Refund) TableName() string { return "raw_refunds" }

// Invoice joins payment attempts to the subscription they bill.
type Invoice struct {
	ID             string `gorm:"column:id;type:text;not null;index"`
	SubscriptionID string `gorm:"column:subscription_id;type:text"`
	CustomerID     string `gorm:"column:customer_id;type:text"`
}

func (Invoice) TableName() string { return "raw_invoices" }

// Customer is the billing-side identity carrying the funnel profile and
// optionally the session that created it.
type Customer struct {
	ID        string            `gorm:"column:id;type:text;not null;index"`
	ProfileID string            `gorm:"column:profile_id;type:text;index"`
	Metadata  datatypes.JSONMap `gorm:"column:metadata"`
}

func (Customer) TableName() string { return "raw_customers" }
