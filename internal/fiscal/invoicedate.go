package fiscal

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// DefaultMaxLagDays is the service-concept window used when nothing else is configured.
const DefaultMaxLagDays = 10

// ParseDate parses a YYYY-MM-DD calendar date. Inputs with a time component are rejected.
func ParseDate(field, s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, NewValidationError(field, s, "must be a calendar date (YYYY-MM-DD)")
	}
	return d, nil
}

// DateIn returns the calendar date of t in loc.
func DateIn(t time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(t.In(loc))
}

// CompactDate renders d in the authority's yyyymmdd format.
func CompactDate(d civil.Date) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// ParseCompactDate parses the authority's yyyymmdd format.
func ParseCompactDate(field, s string) (civil.Date, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return civil.Date{}, NewValidationError(field, s, "must be a yyyymmdd date")
	}
	return civil.DateOf(t), nil
}

// DateRule enforces the authority's "issue within N days of the transaction" rule.
type DateRule struct {
	MaxLagDays int
}

// NewDateRule returns a rule with the given window, falling back to DefaultMaxLagDays.
func NewDateRule(maxLagDays int) DateRule {
	if maxLagDays <= 0 {
		maxLagDays = DefaultMaxLagDays
	}
	return DateRule{MaxLagDays: maxLagDays}
}

// Validate checks a proposed invoice date against the transaction date and the reference date (today).
func (r DateRule) Validate(transaction, proposed, reference civil.Date) error {
	if !transaction.IsValid() {
		return NewValidationError("transaction_date", transaction.String(), "must be a valid calendar date")
	}
	if !proposed.IsValid() {
		return NewValidationError("invoice_date", proposed.String(), "must be a valid calendar date")
	}
	if proposed.After(reference) {
		return DomainErrorf(CodeFutureInvoiceDate,
			"invoice date %s is after %s", proposed, reference)
	}
	lag := proposed.DaysSince(transaction)
	if lag < 0 {
		return DomainErrorf(CodeOutsideWindow,
			"invoice date %s is before the transaction date %s", proposed, transaction)
	}
	if lag > r.MaxLagDays {
		return DomainErrorf(CodeOutsideWindow,
			"invoice date %s is %d days after the transaction date %s, outside the invoicing window of %d days",
			proposed, lag, transaction, r.MaxLagDays)
	}
	return nil
}

// Suggest returns reference when it is still inside the window, otherwise the latest
// legal date. The fallback may already be stale for the authority and be rejected there.
func (r DateRule) Suggest(transaction, reference civil.Date) civil.Date {
	if r.WithinWindow(transaction, reference) {
		return reference
	}
	return transaction.AddDays(r.MaxLagDays)
}

// WithinWindow reports whether reference lies in [transaction, transaction+MaxLagDays].
func (r DateRule) WithinWindow(transaction, reference civil.Date) bool {
	lag := reference.DaysSince(transaction)
	return lag >= 0 && lag <= r.MaxLagDays
}

// DaysBetween returns the signed number of days from a to b.
func DaysBetween(a, b civil.Date) int {
	return b.DaysSince(a)
}
