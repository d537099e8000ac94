/**
 * @description
 * This package models naira amounts entered into the wizards. Amounts are kept as
 * exact decimals, stored raw (no separators) and only formatted for display.
 *
 * @notes
 * - JSON encoding is a bare number so backend requests carry amounts as numbers.
 * - Display uses thousands separators, e.g. ₦5,000 or ₦5,000.50.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal arithmetic.
 * - golang.org/x/text/message: locale-aware digit grouping.
 */
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Symbol is the currency symbol used for display.
const Symbol = "₦"

// Currency is the ISO code attached to receipts.
const Currency = "NGN"

// Ceiling is the largest amount any wizard accepts.
var Ceiling = FromInt(100_000_000_000)

var (
	ErrEmptyAmount     = errors.New("amount is required")
	ErrMalformedAmount = errors.New("amount must be a number with at most two decimal places")
	ErrNegativeAmount  = errors.New("amount must be greater than zero")
)

var (
	completeAmountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	partialAmountPattern  = regexp.MustCompile(`^[\d,]*(\.\d{0,2})?$`)
	printer               = message.NewPrinter(language.English)
)

// Amount is a non-negative naira value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{d: decimal.Zero}

// FromInt builds an amount from whole naira.
func FromInt(naira int64) Amount {
	return Amount{d: decimal.NewFromInt(naira)}
}

// FromDecimal wraps a decimal value.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d}
}

// StripInput removes the currency symbol, code, spaces and thousands separators
// from user input, leaving the raw value that is stored in the wizard.
func StripInput(raw string) string {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, Symbol)
	clean = strings.TrimPrefix(strings.TrimSpace(clean), Currency)
	clean = strings.ReplaceAll(clean, ",", "")
	clean = strings.ReplaceAll(clean, " ", "")
	return clean
}

// AcceptsInput reports whether raw is acceptable at the input boundary. Partially
// typed values such as "5,00" or "12." pass; letters and signs never do.
func AcceptsInput(raw string) bool {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, Symbol)
	clean = strings.TrimPrefix(strings.TrimSpace(clean), Currency)
	clean = strings.TrimSpace(clean)
	return partialAmountPattern.MatchString(clean)
}

// Parse converts user text into an Amount.
func Parse(raw string) (Amount, error) {
	clean := StripInput(raw)
	if clean == "" {
		return Zero, ErrEmptyAmount
	}
	if !completeAmountPattern.MatchString(clean) {
		return Zero, ErrMalformedAmount
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return Zero, ErrMalformedAmount
	}
	if d.IsNegative() {
		return Zero, ErrNegativeAmount
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) IsZero() bool { return a.d.IsZero() }

func (a Amount) LessThan(other Amount) bool { return a.d.LessThan(other.d) }

func (a Amount) GreaterThan(other Amount) bool { return a.d.GreaterThan(other.d) }

func (a Amount) Equal(other Amount) bool { return a.d.Equal(other.d) }

func (a Amount) Mul(n int64) Amount { return Amount{d: a.d.Mul(decimal.NewFromInt(n))} }

// Kobo returns the value in minor units. ok is false when it does not fit an int64.
func (a Amount) Kobo() (kobo int64, ok bool) {
	minor := a.d.Mul(decimal.NewFromInt(100)).Round(0).BigInt()
	if !minor.IsInt64() {
		return 0, false
	}
	return minor.Int64(), true
}

// String returns the raw value ("5000", "5000.5").
func (a Amount) String() string { return a.d.String() }

// Display formats the amount for humans: ₦5,000 or ₦5,000.50.
func (a Amount) Display() string {
	d := a.d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	whole := d.Truncate(0)
	out := sign + Symbol + groupThousands(whole)
	if frac := d.Sub(whole); !frac.IsZero() {
		out += "." + strings.TrimPrefix(frac.StringFixed(2), "0.")
	}
	return out
}

func groupThousands(whole decimal.Decimal) string {
	n := whole.BigInt()
	if n.IsInt64() {
		return printer.Sprintf("%d", n.Int64())
	}
	digits := n.String()
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarshalJSON encodes the amount as a bare JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a numeric string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		a.d = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(StripInput(raw))
	if err != nil {
		return ErrMalformedAmount
	}
	a.d = d
	return nil
}
