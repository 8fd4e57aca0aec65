package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/attribution/internal/snapshot/domain"
)

var ErrUnknownCategory = errors.New("unknown_failure_category")

type Category string

const (
	CategoryInsufficientFunds      Category = "insufficient_funds"
	CategoryCardDeclined           Category = "card_declined"
	CategoryExpiredCard            Category = "expired_card"
	CategoryInvalidCard            Category = "invalid_card"
	CategoryFraudBlock             Category = "fraud_block"
	CategoryAuthenticationRequired Category = "authentication_required"
	CategoryProcessingError        Category = "processing_error"
	CategoryTechnicalError         Category = "technical_error"
)

type RecoveryAction string

const (
	ActionRetryEligible  RecoveryAction = "retry_eligible"
	ActionRequestNewCard RecoveryAction = "request_new_card"
	ActionContactSupport RecoveryAction = "contact_support"
	ActionVerify3DS      RecoveryAction = "verify_3ds"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryInsufficientFunds,
	CategoryCardDeclined,
	CategoryExpiredCard,
	CategoryInvalidCard,
	CategoryFraudBlock,
	CategoryAuthenticationRequired,
	CategoryProcessingError,
	CategoryTechnicalError,
}

var actions = map[Category]RecoveryAction{
	CategoryInsufficientFunds:      ActionRetryEligible,
	CategoryProcessingError:        ActionRetryEligible,
	CategoryCardDeclined:           ActionRequestNewCard,
	CategoryExpiredCard:            ActionRequestNewCard,
	CategoryInvalidCard:            ActionRequestNewCard,
	CategoryFraudBlock:             ActionContactSupport,
	CategoryTechnicalError:         ActionContactSupport,
	CategoryAuthenticationRequired: ActionVerify3DS,
}

// defaultCodes maps card network decline codes as reported by Stripe.
var defaultCodes = map[string]Category{
	"insufficient_funds":              CategoryInsufficientFunds,
	"withdrawal_count_limit_exceeded": CategoryInsufficientFunds,
	"card_velocity_exceeded":          CategoryInsufficientFunds,

	"card_declined":                     CategoryCardDeclined,
	"generic_decline":                   CategoryCardDeclined,
	"do_not_honor":                      CategoryCardDeclined,
	"transaction_not_allowed":           CategoryCardDeclined,
	"card_not_supported":                CategoryCardDeclined,
	"currency_not_supported":            CategoryCardDeclined,
	"restricted_card":                   CategoryCardDeclined,
	"not_permitted":                     CategoryCardDeclined,
	"service_not_allowed":               CategoryCardDeclined,
	"invalid_account":                   CategoryCardDeclined,
	"new_account_information_available": CategoryCardDeclined,

	"expired_card": CategoryExpiredCard,

	"incorrect_number":                      CategoryInvalidCard,
	"invalid_number":                        CategoryInvalidCard,
	"incorrect_cvc":                         CategoryInvalidCard,
	"invalid_cvc":                           CategoryInvalidCard,
	"invalid_expiry_month":                  CategoryInvalidCard,
	"invalid_expiry_year":                   CategoryInvalidCard,
	"incorrect_zip":                         CategoryInvalidCard,
	"card_not_supported_for_payment_method": CategoryInvalidCard,

	"fraudulent":         CategoryFraudBlock,
	"lost_card":          CategoryFraudBlock,
	"stolen_card":        CategoryFraudBlock,
	"pickup_card":        CategoryFraudBlock,
	"merchant_blacklist": CategoryFraudBlock,
	"security_violation": CategoryFraudBlock,
	"highest_risk_level": CategoryFraudBlock,

	"authentication_required":        CategoryAuthenticationRequired,
	"authentication_not_handled":     CategoryAuthenticationRequired,
	"card_authentication_required":   CategoryAuthenticationRequired,
	"offline_pin_required":           CategoryAuthenticationRequired,
	"online_or_offline_pin_required": CategoryAuthenticationRequired,

	"processing_error":     CategoryProcessingError,
	"issuer_not_available": CategoryProcessingError,
	"try_again_later":      CategoryProcessingError,
	"reenter_transaction":  CategoryProcessingError,
	"approve_with_id":      CategoryProcessingError,
	"call_issuer":          CategoryProcessingError,
}

// Classification is the outcome of classifying a failed attempt. Known is
// false when the code was not in the table and fell back to technical_error.
type Classification struct {
	Category Category
	Action   RecoveryAction
	Known    bool
}

// Classifier is immutable once built; share one per run.
type Classifier struct {
	codes map[string]Category
}

// NewClassifier builds the default table extended with overrides
// (code -> category). An override naming an unknown category is rejected.
func NewClassifier(overrides map[string]string) (*Classifier, error) {
	codes := make(map[string]Category, len(defaultCodes)+len(overrides))
	for code, category := range defaultCodes {
		codes[code] = category
	}
	for code, name := range overrides {
		category := Category(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := actions[category]; !ok {
			return nil, fmt.Errorf("%w: %q for code %q", ErrUnknownCategory, name, code)
		}
		codes[normalizeCode(code)] = category
	}
	return &Classifier{codes: codes}, nil
}

// Classify maps a failed attempt to a category and action. Attempts that
// did not fail return the zero value and false.
func (c *Classifier) Classify(status domain.AttemptStatus, code string) (Classification, bool) {
	if status != domain.AttemptStatusFailed {
		return Classification{}, false
	}
	category, known := c.codes[normalizeCode(code)]
	if !known {
		category = CategoryTechnicalError
	}
	return Classification{
		Category: category,
		Action:   ActionFor(category),
		Known:    known,
	}, true
}

// ActionFor is total over Category; anything unrecognised needs support.
func ActionFor(category Category) RecoveryAction {
	if action, ok := actions[category]; ok {
		return action
	}
	return ActionContactSupport
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
