package fiscal_test

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"invoicer/internal/fiscal"
)

// ExampleParseCUIT demonstrates normalizing a hyphenated tax ID.
func ExampleParseCUIT() {
	cuit, err := fiscal.ParseCUIT("20-12345678-6")
	if err != nil {
		fmt.Println("invalid:", err)
		return
	}

	fmt.Println(cuit.String())
	fmt.Println(cuit.Format())
	fmt.Println(cuit.Kind())
	// Output:
	// 20123456786
	// 20-12345678-6
	// individual
}

// ExampleDateRule demonstrates picking a legal invoice date for an old transaction.
func ExampleDateRule() {
	rule := fiscal.NewDateRule(fiscal.ConceptServices.MaxLagDays())

	transaction := civil.Date{Year: 2025, Month: time.March, Day: 1}
	today := civil.Date{Year: 2025, Month: time.March, Day: 20}

	if err := rule.Validate(transaction, today, today); err != nil {
		var domainErr *fiscal.DomainError
		if errors.As(err, &domainErr) {
			fmt.Println(domainErr.Code)
		}
	}

	fmt.Println(rule.Suggest(transaction, today))
	// Output:
	// OUTSIDE_INVOICING_WINDOW
	// 2025-03-11
}
