package fiscal

import (
	"strconv"
	"strings"
)

var cuitWeights = [10]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// CUITKind classifies a tax ID by its two-digit prefix.
type CUITKind string

const (
	CUITIndividual  CUITKind = "individual"
	CUITLegalEntity CUITKind = "legal_entity"
	CUITUnknown     CUITKind = "unknown"
)

// CUIT is a validated 11-digit Argentine tax ID.
type CUIT struct {
	digits string
}

// ParseCUIT normalizes s (hyphens, dots, slashes and spaces are ignored) and
// verifies the check digit.
func ParseCUIT(s string) (CUIT, error) {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '/', ' ':
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	if len(normalized) != 11 {
		return CUIT{}, NewValidationError("cuit", s, "must have 11 digits")
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return CUIT{}, NewValidationError("cuit", s, "must be numeric")
		}
	}

	expected := CUITCheckDigit(normalized[:10])
	if int(normalized[10]-'0') != expected {
		return CUIT{}, NewValidationError("cuit", s, "check digit mismatch")
	}

	return CUIT{digits: normalized}, nil
}

// CUITFromInt validates a CUIT given as an integer.
func CUITFromInt(n int64) (CUIT, error) {
	if n < 0 {
		return CUIT{}, NewValidationError("cuit", n, "must be positive")
	}
	return ParseCUIT(strconv.FormatInt(n, 10))
}

// CUITCheckDigit computes the check digit for the first 10 digits of a CUIT.
// The caller guarantees prefix holds exactly 10 ASCII digits.
func CUITCheckDigit(prefix string) int {
	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(prefix[i]-'0') * cuitWeights[i]
	}
	switch r := sum % 11; r {
	case 0:
		return 0
	case 1:
		return 9
	default:
		return 11 - r
	}
}

// IsValidCUIT reports whether s is a well-formed CUIT.
func IsValidCUIT(s string) bool {
	_, err := ParseCUIT(s)
	return err == nil
}

// String returns the 11 bare digits.
func (c CUIT) String() string {
	return c.digits
}

// Format returns the hyphenated XX-XXXXXXXX-X form.
func (c CUIT) Format() string {
	if len(c.digits) != 11 {
		return ""
	}
	return c.digits[:2] + "-" + c.digits[2:10] + "-" + c.digits[10:]
}

// Int64 returns the CUIT as a number, the form the authority expects in DocNro.
func (c CUIT) Int64() int64 {
	n, _ := strconv.ParseInt(c.digits, 10, 64)
	return n
}

// IsZero reports whether c was never successfully parsed.
func (c CUIT) IsZero() bool {
	return c.digits == ""
}

// Kind classifies the CUIT from its prefix. Display only.
func (c CUIT) Kind() CUITKind {
	if len(c.digits) < 2 {
		return CUITUnknown
	}
	switch c.digits[:2] {
	case "20", "23", "24", "27":
		return CUITIndividual
	case "30", "33", "34":
		return CUITLegalEntity
	default:
		return CUITUnknown
	}
}
