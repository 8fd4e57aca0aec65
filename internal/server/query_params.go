package server

import (
	"errors"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
)

const dateOnlyLayout = "2006-01-02"

// parseOptionalTime accepts RFC3339 or a bare date. A bare upper bound
// moves to the start of the following day so the range stays half-open.
func parseOptionalTime(value string, upper bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		if upper {
			parsed = parsed.AddDate(0, 0, 1)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

func parseDateRange(from, to string) (ledgerdomain.DateRange, error) {
	var dr ledgerdomain.DateRange
	start, err := parseOptionalTime(from, false)
	if err != nil {
		return dr, newValidationError("from", "invalid_from", "invalid from")
	}
	end, err := parseOptionalTime(to, true)
	if err != nil {
		return dr, newValidationError("to", "invalid_to", "invalid to")
	}
	if start != nil {
		dr.From = *start
	}
	if end != nil {
		dr.To = *end
	}
	if !dr.From.IsZero() && !dr.To.IsZero() && !dr.From.Before(dr.To) {
		return dr, newValidationError("to", "invalid_range", "to must be after from")
	}
	return dr, nil
}
