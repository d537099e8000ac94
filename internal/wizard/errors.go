package wizard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrCommitInFlight       = errors.New("a submission is already in progress")
	ErrNotAtCommitStep      = errors.New("wizard is not at its confirmation step")
	ErrCommitStepLocked     = errors.New("confirmation step can only be left by submitting or going back")
	ErrNoNextStep           = errors.New("wizard is already at its last step")
	ErrNoPreviousStep       = errors.New("wizard is already at its first step")
	ErrCompleted            = errors.New("operation already completed")
	ErrNotRetryable         = errors.New("the last failure cannot be retried")
	ErrNothingToRetry       = errors.New("there is no failed submission to retry")
	ErrSuperseded           = errors.New("verification superseded by a newer request")
	ErrNoVerifier           = errors.New("flow has no verification step")
	ErrUnknownField         = errors.New("unknown field")
	ErrFieldNotEditable     = errors.New("field is not editable on the current step")
	ErrMissingParam         = errors.New("missing flow parameter")
	ErrSnapshotFlowMismatch = errors.New("snapshot belongs to a different flow")
)

// ErrorKind is the closed taxonomy every verify and commit failure is classified into.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindVerification      ErrorKind = "verification"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindIncorrectPIN      ErrorKind = "incorrect_pin"
	KindGeneric           ErrorKind = "generic"
)

// Phase tells Classify which hook produced the error.
type Phase string

const (
	PhaseVerify Phase = "verify"
	PhaseCommit Phase = "commit"
	PhaseEnter  Phase = "enter"
)

// BackendError is implemented by transport clients whose errors carry a backend envelope.
type BackendError interface {
	error
	HTTPStatus() int
	BackendMessages() []string
	AttemptsRemaining() (int, bool)
}

// Failure is the typed outcome of a failed validation, verification or commit.
type Failure struct {
	Kind              ErrorKind `json:"kind"`
	Field             string    `json:"field,omitempty"`
	Messages          []string  `json:"messages"`
	RemainingAttempts *int      `json:"remainingAttempts,omitempty"`
	Retryable         bool      `json:"retryable"`
	StatusCode        int       `json:"statusCode,omitempty"`
	// OutcomeUnknown marks commits whose result the backend never reported.
	OutcomeUnknown bool `json:"outcomeUnknown,omitempty"`

	cause error
}

func (f *Failure) Error() string {
	msg := strings.Join(f.Messages, "; ")
	if f.Field != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Field, msg)
	}
	return fmt.Sprintf("%s: %s", f.Kind, msg)
}

func (f *Failure) Unwrap() error { return f.cause }

// Invalid builds a local validation failure for one field.
func Invalid(field, message string) *Failure {
	return &Failure{Kind: KindValidation, Field: field, Messages: []string{message}}
}

var (
	remainingAttemptsPattern = regexp.MustCompile(`(\d+)\s+(?:more\s+)?attempts?\s+(?:remaining|left)`)
	attemptsRemainingPattern = regexp.MustCompile(`(?:remaining\s+attempts?|attempts?\s+remaining)\s*[:=]?\s*(\d+)`)
)

const (
	networkFailureMessage = "We could not reach ValarPay. Please check your connection and try again."
	timeoutFailureMessage = "The request took too long. Please try again."
)

// Classify maps any hook error to a Failure. It is the only place backend text is interpreted.
func Classify(err error, phase Phase) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var be BackendError
	if !errors.As(err, &be) {
		msg := networkFailureMessage
		if errors.Is(err, context.DeadlineExceeded) {
			msg = timeoutFailureMessage
		}
		kind := KindGeneric
		if phase == PhaseVerify {
			kind = KindVerification
		}
		return &Failure{
			Kind:           kind,
			Messages:       []string{msg},
			Retryable:      true,
			OutcomeUnknown: phase == PhaseCommit,
			cause:          err,
		}
	}

	messages := nonEmpty(be.BackendMessages())
	if len(messages) == 0 {
		messages = []string{err.Error()}
	}
	status := be.HTTPStatus()
	text := strings.ToLower(strings.Join(messages, " "))

	out := &Failure{Messages: messages, StatusCode: status, cause: err}
	switch {
	case phase == PhaseVerify:
		out.Kind = KindVerification
		out.Retryable = true
	case isPINLocked(text):
		out.Kind = KindGeneric
		out.Retryable = false
	case isInsufficientFunds(text):
		out.Kind = KindInsufficientFunds
		out.Retryable = true
	case isIncorrectPIN(text):
		out.Kind = KindIncorrectPIN
		out.Retryable = true
		if n, ok := be.AttemptsRemaining(); ok {
			out.RemainingAttempts = &n
		} else if n, ok := attemptsFromText(text); ok {
			out.RemainingAttempts = &n
		}
		if out.RemainingAttempts != nil && *out.RemainingAttempts <= 0 {
			out.Retryable = false
		}
	default:
		out.Kind = KindGeneric
		out.OutcomeUnknown = phase == PhaseCommit && status >= 500
		out.Retryable = status >= 500 || status == 408 || status == 429
	}
	return out
}

func isInsufficientFunds(text string) bool {
	return strings.Contains(text, "insufficient") &&
		(strings.Contains(text, "balance") || strings.Contains(text, "fund"))
}

func isIncorrectPIN(text string) bool {
	for _, needle := range []string{"incorrect pin", "invalid pin", "wrong pin", "invalid transaction pin", "incorrect transaction pin"} {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func isPINLocked(text string) bool {
	if !strings.Contains(text, "pin") {
		return false
	}
	return strings.Contains(text, "locked") || strings.Contains(text, "too many")
}

func attemptsFromText(text string) (int, bool) {
	for _, pattern := range []*regexp.Regexp{remainingAttemptsPattern, attemptsRemainingPattern} {
		if m := pattern.FindStringSubmatch(text); len(m) == 2 {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
