package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicateKey    = errors.New("duplicate_key")
	ErrMalformedRecord = errors.New("malformed_record")
)

const (
	StreamSessions         = "sessions"
	StreamSubscriptions    = "subscriptions"
	StreamPaymentAttempts  = "payment_attempts"
	StreamEngagementEvents = "engagement_events"
	StreamAdSpend          = "ad_spend"
	StreamRefunds          = "refunds"
	StreamInvoices         = "invoices"
	StreamCustomers        = "customers"
)

// Snapshot is the frozen input of one run. Nothing downstream mutates it.
type Snapshot struct {
	TakenAt          time.Time
	Sessions         []Session
	Subscriptions    []Subscription
	PaymentAttempts  []PaymentAttempt
	EngagementEvents []EngagementEvent
	AdSpend          []AdSpendRecord
	Refunds          []Refund
	Invoices         []Invoice
	Customers        []Customer
}

func (s Snapshot) Counts() map[string]int {
	return map[string]int{
		StreamSessions:         len(s.Sessions),
		StreamSubscriptions:    len(s.Subscriptions),
		StreamPaymentAttempts:  len(s.PaymentAttempts),
		StreamEngagementEvents: len(s.EngagementEvents),
		StreamAdSpend:          len(s.AdSpend),
		StreamRefunds:          len(s.Refunds),
		StreamInvoices:         len(s.Invoices),
		StreamCustomers:        len(s.Customers),
	}
}

// Normalize returns a copy with trimmed identifiers, UTC timestamps,
// lower-cased statuses and upper-cased currencies.
func (s Snapshot) Normalize() Snapshot {
	out := Snapshot{TakenAt: s.TakenAt.UTC()}

	out.Sessions = make([]Session, len(s.Sessions))
	for i, v := range s.Sessions {
		v.ID = strings.TrimSpace(v.ID)
		v.ProfileID = strings.TrimSpace(v.ProfileID)
		v.FunnelID = strings.TrimSpace(v.FunnelID)
		v.Country = strings.ToUpper(strings.TrimSpace(v.Country))
		v.CreatedAt = v.CreatedAt.UTC()
		out.Sessions[i] = v
	}

	out.Subscriptions = make([]Subscription, len(s.Subscriptions))
	for i, v := range s.Subscriptions {
		v.ID = strings.TrimSpace(v.ID)
		v.CustomerID = strings.TrimSpace(v.CustomerID)
		v.Status = SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(v.Status))))
		v.Currency = strings.ToUpper(strings.TrimSpace(v.Currency))
		v.CreatedAt = v.CreatedAt.UTC()
		out.Subscriptions[i] = v
	}

	out.PaymentAttempts = make([]PaymentAttempt, len(s.PaymentAttempts))
	for i, v := range s.PaymentAttempts {
		v.ID = strings.TrimSpace(v.ID)
		v.IntentKey = strings.TrimSpace(v.IntentKey)
		v.CustomerID = strings.TrimSpace(v.CustomerID)
		v.InvoiceID = strings.TrimSpace(v.InvoiceID)
		v.Currency = strings.ToUpper(strings.TrimSpace(v.Currency))
		v.Status = AttemptStatus(strings.ToLower(strings.TrimSpace(string(v.Status))))
		v.FailureCode = strings.TrimSpace(v.FailureCode)
		v.CardBrand = strings.ToLower(strings.TrimSpace(v.CardBrand))
		v.CardCountry = strings.ToUpper(strings.TrimSpace(v.CardCountry))
		v.CreatedAt = v.CreatedAt.UTC()
		out.PaymentAttempts[i] = v
	}

	out.EngagementEvents = make([]EngagementEvent, len(s.EngagementEvents))
	for i, v := range s.EngagementEvents {
		v.ID = strings.TrimSpace(v.ID)
		v.EventTime = v.EventTime.UTC()
		out.EngagementEvents[i] = v
	}

	out.AdSpend = make([]AdSpendRecord, len(s.AdSpend))
	for i, v := range s.AdSpend {
		v.CampaignID = strings.TrimSpace(v.CampaignID)
		v.AdID = strings.TrimSpace(v.AdID)
		v.Date = DayOf(v.Date)
		out.AdSpend[i] = v
	}

	out.Refunds = make([]Refund, len(s.Refunds))
	for i, v := range s.Refunds {
		v.ID = strings.TrimSpace(v.ID)
		v.AttemptID = strings.TrimSpace(v.AttemptID)
		v.CreatedAt = v.CreatedAt.UTC()
		out.Refunds[i] = v
	}

	out.Invoices = make([]Invoice, len(s.Invoices))
	for i, v := range s.Invoices {
		v.ID = strings.TrimSpace(v.ID)
		v.SubscriptionID = strings.TrimSpace(v.SubscriptionID)
		v.CustomerID = strings.TrimSpace(v.CustomerID)
		out.Invoices[i] = v
	}

	out.Customers = make([]Customer, len(s.Customers))
	for i, v := range s.Customers {
		v.ID = strings.TrimSpace(v.ID)
		v.ProfileID = strings.TrimSpace(v.ProfileID)
		out.Customers[i] = v
	}

	return out
}

// Validate enforces primary-key uniqueness and required fields. Every
// violation is collected; any violation aborts the run.
func (s Snapshot) Validate() error {
	var errs []error

	keys := newKeyChecker()
	for _, v := range s.Sessions {
		errs = append(errs, keys.check(StreamSessions, v.ID))
		if v.CreatedAt.IsZero() {
			errs = append(errs, malformed(StreamSessions, v.ID, "created_at is required"))
		}
	}
	for _, v := range s.Subscriptions {
		errs = append(errs, keys.check(StreamSubscriptions, v.ID))
		if v.CreatedAt.IsZero() {
			errs = append(errs, malformed(StreamSubscriptions, v.ID, "created_at is required"))
		}
	}
	for _, v := range s.PaymentAttempts {
		errs = append(errs, keys.check(StreamPaymentAttempts, v.ID))
		if v.CreatedAt.IsZero() {
			errs = append(errs, malformed(StreamPaymentAttempts, v.ID, "created_at is required"))
		}
		switch v.Status {
		case AttemptStatusSucceeded, AttemptStatusPending:
		case AttemptStatusFailed:
			if v.FailureCode == "" {
				errs = append(errs, malformed(StreamPaymentAttempts, v.ID, "failed attempt without failure_code"))
			}
		default:
			errs = append(errs, malformed(StreamPaymentAttempts, v.ID, fmt.Sprintf("unknown status %q", v.Status)))
		}
	}
	for _, v := range s.EngagementEvents {
		errs = append(errs, keys.check(StreamEngagementEvents, v.ID))
		if v.EventTime.IsZero() {
			errs = append(errs, malformed(StreamEngagementEvents, v.ID, "event_time is required"))
		}
	}
	for _, v := range s.AdSpend {
		if v.CampaignID == "" || v.AdID == "" || v.Date.IsZero() {
			errs = append(errs, malformed(StreamAdSpend, v.Key(), "campaign_id, ad_id and date are required"))
			continue
		}
		errs = append(errs, keys.check(StreamAdSpend, v.Key()))
	}
	for _, v := range s.Refunds {
		errs = append(errs, keys.check(StreamRefunds, v.ID))
		if v.AttemptID == "" {
			errs = append(errs, malformed(StreamRefunds, v.ID, "attempt_id is required"))
		}
	}
	for _, v := range s.Invoices {
		errs = append(errs, keys.check(StreamInvoices, v.ID))
	}
	for _, v := range s.Customers {
		errs = append(errs, keys.check(StreamCustomers, v.ID))
	}

	return errors.Join(errs...)
}

type keyChecker struct {
	seen map[string]map[string]struct{}
}

func newKeyChecker() *keyChecker {
	return &keyChecker{seen: map[string]map[string]struct{}{}}
}

func (k *keyChecker) check(stream, id string) error {
	if id == "" {
		return malformed(stream, id, "id is required")
	}
	ids, ok := k.seen[stream]
	if !ok {
		ids = map[string]struct{}{}
		k.seen[stream] = ids
	}
	if _, dup := ids[id]; dup {
		return fmt.Errorf("%w: %s %q", ErrDuplicateKey, stream, id)
	}
	ids[id] = struct{}{}
	return nil
}

func malformed(stream, id, reason string) error {
	return fmt.Errorf("%w: %s %q: %s", ErrMalformedRecord, stream, id, reason)
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
