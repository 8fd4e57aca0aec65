package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"
)

// Metadata and user property keys read by the engine. The first key of each
// list is canonical; later keys are provider spellings seen in the raw feeds.
var (
	KeysSessionReference = []string{"session_reference", "ff_session_id", "session_id"}
	KeysSubscriptionID   = []string{"subscription_id", "subscription"}
	KeysLandingURL       = []string{"landing_url", "checkout_url"}
	KeysProfileID        = []string{"profile_id", "user_id"}
	KeysUTMSource        = []string{"utm_source", "initial_utm_source"}
	KeysUTMMedium        = []string{"utm_medium", "initial_utm_medium"}
	KeysUTMCampaign      = []string{"utm_campaign", "initial_utm_campaign"}
	KeysUTMContent       = []string{"utm_content", "initial_utm_content"}
	KeysFBCLID           = []string{"fbclid", "initial_fbclid"}
)

// emptyMarker is how the analytics provider spells an unset property.
const emptyMarker = "EMPTY"

var subscriptionIDPattern = regexp.MustCompile(`\bsub_[A-Za-z0-9]+\b`)

// String returns the first non-empty value stored under keys. Numbers are
// rendered without exponent; nested values and the EMPTY marker read as "".
func String(m datatypes.JSONMap, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		var value string
		switch v := raw.(type) {
		case string:
			value = v
		case float64:
			value = fmt.Sprintf("%.0f", v)
		case int, int64, int32:
			value = fmt.Sprintf("%d", v)
		default:
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || value == emptyMarker {
			continue
		}
		return value
	}
	return ""
}

// paramPatterns caches the key=value fallback pattern per parameter name.
var paramPatterns sync.Map // map[string]*regexp.Regexp

func paramPattern(key string) *regexp.Regexp {
	if p, ok := paramPatterns.Load(key); ok {
		return p.(*regexp.Regexp)
	}
	p, _ := paramPatterns.LoadOrStore(key, regexp.MustCompile(`(?:^|[?&#\s])`+regexp.QuoteMeta(key)+`=([A-Za-z0-9_\-]+)`))
	return p.(*regexp.Regexp)
}

// QueryParam extracts key from the query string of rawURL. Free text that is
// not a parseable URL falls back to a key=value scan.
func QueryParam(rawURL, key string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || key == "" {
		return ""
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		if v := strings.TrimSpace(parsed.Query().Get(key)); v != "" && v != emptyMarker {
			return v
		}
		if parsed.Fragment != "" {
			if q, err := url.ParseQuery(strings.TrimPrefix(parsed.Fragment, "?")); err == nil {
				if v := strings.TrimSpace(q.Get(key)); v != "" && v != emptyMarker {
					return v
				}
			}
		}
	}
	if m := paramPattern(key).FindStringSubmatch(rawURL); len(m) == 2 && m[1] != emptyMarker {
		return m[1]
	}
	return ""
}

func (s Session) OriginParam(key string) string {
	return QueryParam(s.Origin, key)
}

// CampaignKey is the utm_campaign carried on the session's origin URL.
func (s Session) CampaignKey() string {
	return s.OriginParam("utm_campaign")
}

func (s Subscription) SessionReference() string {
	return String(s.Metadata, KeysSessionReference...)
}

func (s Subscription) LandingURL() string {
	return String(s.Metadata, KeysLandingURL...)
}

func (a PaymentAttempt) SessionReference() string {
	return String(a.Metadata, KeysSessionReference...)
}

func (a PaymentAttempt) SubscriptionReference() string {
	return String(a.Metadata, KeysSubscriptionID...)
}

// DescribedSubscription parses a subscription identifier out of the free-text
// description, e.g. "Subscription update sub_1Nx...".
func (a PaymentAttempt) DescribedSubscription() string {
	return subscriptionIDPattern.FindString(a.Description)
}

func (c Customer) SessionReference() string {
	return String(c.Metadata, KeysSessionReference...)
}

func (e EngagementEvent) SessionReference() string {
	return String(e.UserProperties, KeysSessionReference...)
}

func (e EngagementEvent) ProfileID() string {
	return String(e.UserProperties, KeysProfileID...)
}

func (e EngagementEvent) UTMSource() string {
	return String(e.UserProperties, KeysUTMSource...)
}

func (e EngagementEvent) UTMMedium() string {
	return String(e.UserProperties, KeysUTMMedium...)
}

func (e EngagementEvent) UTMCampaign() string {
	return String(e.UserProperties, KeysUTMCampaign...)
}

func (e EngagementEvent) UTMContent() string {
	return String(e.UserProperties, KeysUTMContent...)
}

func (e EngagementEvent) FBCLID() string {
	return String(e.UserProperties, KeysFBCLID...)
}

// Channel is the slugified utm_source, "" when absent.
func (e EngagementEvent) Channel() string {
	source := e.UTMSource()
	if source == "" {
		return ""
	}
	return slug.Make(source)
}
