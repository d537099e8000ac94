/**
 * @description
 * Field-level validation rules for wizard inputs. A rule inspects one raw value
 * (plus the other collected values for cross-field checks) and returns a
 * user-facing message error or nil. Rules other than Required pass on empty input.
 *
 * @dependencies
 * - internal/money: amount parsing and display for amount thresholds.
 */
package validate

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/valarpay/wizard-service/internal/money"
)

// Kind describes how a field's raw input is captured.
type Kind string

const (
	KindText   Kind = "text"
	KindDigits Kind = "digits"
	KindAmount Kind = "amount"
	KindChoice Kind = "choice"
)

// ErrRejectedInput is returned when a keystroke-level value is refused at the input boundary.
var ErrRejectedInput = errors.New("input contains characters that are not allowed")

// Rule checks a single raw value. fields holds every value collected so far.
type Rule func(value string, fields map[string]string) error

// Sanitize applies the input boundary for a field kind and returns the value to store.
// A rejected value must leave the previously stored value untouched.
func Sanitize(kind Kind, raw string) (string, error) {
	switch kind {
	case KindDigits:
		if !IsDigits(raw) && raw != "" {
			return "", ErrRejectedInput
		}
		return raw, nil
	case KindAmount:
		if !money.AcceptsInput(raw) {
			return "", ErrRejectedInput
		}
		return money.StripInput(raw), nil
	case KindChoice:
		return strings.TrimSpace(raw), nil
	default:
		return raw, nil
	}
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func Required(label string) Rule {
	return func(value string, _ map[string]string) error {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", label)
		}
		return nil
	}
}

// RequiredWhen is Required applied only while cond holds, e.g. a bank code for interbank transfers.
func RequiredWhen(cond func(fields map[string]string) bool, label string) Rule {
	required := Required(label)
	return func(value string, fields map[string]string) error {
		if !cond(fields) {
			return nil
		}
		return required(value, fields)
	}
}

// IntRange bounds a whole-number field such as a quantity.
func IntRange(min, max int, label string) Rule {
	return func(value string, _ map[string]string) error {
		if value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < min || n > max {
			return fmt.Errorf("%s must be between %d and %d", label, min, max)
		}
		return nil
	}
}

// ExactDigits requires exactly n ASCII digits, e.g. a 10-digit NUBAN or a 4-digit PIN.
func ExactDigits(n int, label string) Rule {
	return func(value string, _ map[string]string) error {
		if value == "" {
			return nil
		}
		if len(value) != n || !IsDigits(value) {
			return fmt.Errorf("%s must be exactly %d digits", label, n)
		}
		return nil
	}
}

func MinLength(n int, label string) Rule {
	return func(value string, _ map[string]string) error {
		if value == "" {
			return nil
		}
		if utf8.RuneCountInString(strings.TrimSpace(value)) < n {
			return fmt.Errorf("%s must be at least %d characters", label, n)
		}
		return nil
	}
}

func MaxLength(n int, label string) Rule {
	return func(value string, _ map[string]string) error {
		if utf8.RuneCountInString(value) > n {
			return fmt.Errorf("%s must be at most %d characters", label, n)
		}
		return nil
	}
}

// Amount requires a well-formed, positive amount.
func Amount(label string) Rule {
	return func(value string, _ map[string]string) error {
		if value == "" {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if a.IsZero() {
			return fmt.Errorf("%s must be greater than zero", label)
		}
		if a.GreaterThan(money.Ceiling) {
			return fmt.Errorf("%s cannot exceed %s", label, money.Ceiling.Display())
		}
		return nil
	}
}

// MinAmount enforces a fixed minimum. The message reads "Minimum <subject> is ₦6,000,000".
func MinAmount(min money.Amount, subject string) Rule {
	return MinAmountFunc(func(map[string]string) (money.Amount, bool) { return min, true }, subject)
}

// MinAmountFunc enforces a minimum that depends on other fields, such as the selected plan.
// When resolve reports false the rule does not apply.
func MinAmountFunc(resolve func(fields map[string]string) (money.Amount, bool), subject string) Rule {
	return func(value string, fields map[string]string) error {
		if value == "" {
			return nil
		}
		min, ok := resolve(fields)
		if !ok {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return nil
		}
		if a.LessThan(min) {
			return fmt.Errorf("Minimum %s is %s", subject, min.Display())
		}
		return nil
	}
}

func MaxAmount(max money.Amount, subject string) Rule {
	return MaxAmountFunc(func(map[string]string) (money.Amount, bool) { return max, true }, subject)
}

func MaxAmountFunc(resolve func(fields map[string]string) (money.Amount, bool), subject string) Rule {
	return func(value string, fields map[string]string) error {
		if value == "" {
			return nil
		}
		max, ok := resolve(fields)
		if !ok {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return nil
		}
		if a.GreaterThan(max) {
			return fmt.Errorf("Maximum %s is %s", subject, max.Display())
		}
		return nil
	}
}

// OneOf restricts a choice field to a fixed option set.
func OneOf(label string, options ...string) Rule {
	return OneOfFunc(label, func(map[string]string) []string { return options })
}

// OneOfFunc restricts a choice field to options that depend on other fields.
func OneOfFunc(label string, options func(fields map[string]string) []string) Rule {
	return func(value string, fields map[string]string) error {
		if value == "" {
			return nil
		}
		for _, opt := range options(fields) {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("Select a valid %s", label)
	}
}

func Email(label string) Rule {
	return func(value string, _ map[string]string) error {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return fmt.Errorf("%s must be a valid email address", label)
		}
		return nil
	}
}

// Matches requires the value to equal another field, e.g. PIN confirmation.
func Matches(otherKey, message string) Rule {
	return func(value string, fields map[string]string) error {
		if value == "" {
			return nil
		}
		if fields[otherKey] != value {
			return errors.New(message)
		}
		return nil
	}
}

// Differs requires the value to differ from another field.
func Differs(otherKey, message string) Rule {
	return func(value string, fields map[string]string) error {
		if value == "" {
			return nil
		}
		if fields[otherKey] == value {
			return errors.New(message)
		}
		return nil
	}
}

// Printable rejects control characters in free text such as narrations.
func Printable(label string) Rule {
	return func(value string, _ map[string]string) error {
		for _, r := range value {
			if !unicode.IsPrint(r) {
				return fmt.Errorf("%s contains invalid characters", label)
			}
		}
		return nil
	}
}

// Check runs rules in order and returns the first failure.
func Check(value string, fields map[string]string, rules ...Rule) error {
	for _, rule := range rules {
		if err := rule(value, fields); err != nil {
			return err
		}
	}
	return nil
}
