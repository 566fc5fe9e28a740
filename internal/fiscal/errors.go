package fiscal

import (
	"errors"
	"fmt"
)

// Domain error codes
const (
	CodeAlreadyProcessed   = "ALREADY_PROCESSED"
	CodeOutsideWindow      = "OUTSIDE_INVOICING_WINDOW"
	CodeFutureInvoiceDate  = "FUTURE_INVOICE_DATE"
	CodeNotSellTrade       = "NOT_SELL_TRADE"
	CodeNotEligible        = "NOT_ELIGIBLE"
	CodeUnconfirmedAttempt = "UNCONFIRMED_ATTEMPT"
)

// Common domain errors, matched with errors.Is by code
var (
	// ErrAlreadyProcessed is returned when an order already has a terminal ledger outcome.
	ErrAlreadyProcessed = NewDomainError(CodeAlreadyProcessed, "order already processed")

	// ErrOutsideInvoicingWindow is returned when no legal invoice date exists for the transaction.
	ErrOutsideInvoicingWindow = NewDomainError(CodeOutsideWindow, "outside the invoicing window")

	// ErrFutureInvoiceDate is returned when an invoice would be dated after the reference date.
	ErrFutureInvoiceDate = NewDomainError(CodeFutureInvoiceDate, "invoice date is in the future")

	// ErrNotSellTrade is returned for trades that are not invoiced (BUY side).
	ErrNotSellTrade = NewDomainError(CodeNotSellTrade, "only SELL trades are invoiced")

	// ErrNotEligible is returned when an order fails one or more eligibility checks.
	ErrNotEligible = NewDomainError(CodeNotEligible, "order is not eligible for invoicing")

	// ErrUnconfirmedAttempt is returned when a previous submission may have been accepted
	// by the authority without the answer reaching the ledger.
	ErrUnconfirmedAttempt = NewDomainError(CodeUnconfirmedAttempt, "previous submission is unconfirmed")
)

// ValidationError represents malformed input: a CUIT, an amount or a date.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DomainError represents a business-rule violation. It is surfaced, never retried.
type DomainError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return e.Message
}

// Is matches any DomainError carrying the same code.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError creates a new DomainError.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// DomainErrorf creates a DomainError with a formatted message.
func DomainErrorf(code, format string, args ...interface{}) *DomainError {
	return NewDomainError(code, fmt.Sprintf(format, args...))
}

// InfrastructureError wraps gateway and storage failures. The operation that
// produced it can be retried by a later run.
type InfrastructureError struct {
	// Op is the operation that failed (e.g., "MarkProcessed", "CreateInvoice").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *InfrastructureError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// NewInfrastructureError creates a new InfrastructureError.
func NewInfrastructureError(op string, err error, details string) *InfrastructureError {
	return &InfrastructureError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// WrapInfrastructure wraps err as an InfrastructureError if it isn't already one.
func WrapInfrastructure(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var infraErr *InfrastructureError
	if errors.As(err, &infraErr) {
		return err
	}

	return NewInfrastructureError(op, err, details)
}

// NotFoundError is returned when a referenced order or invoice does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsRetryable reports whether err is an infrastructure failure that a later run may overcome.
func IsRetryable(err error) bool {
	var infraErr *InfrastructureError
	return errors.As(err, &infraErr)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsDomain reports whether err is a DomainError.
func IsDomain(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}
