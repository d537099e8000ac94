package wizard

import (
	"fmt"
)

// Action names the user-facing recovery path for a failure.
type Action string

const (
	ActionInline                  Action = "inline"
	ActionToast                   Action = "toast"
	ActionInsufficientFundsPrompt Action = "insufficient_funds_prompt"
	ActionIncorrectPINPrompt      Action = "incorrect_pin_prompt"
)

// Recovery is what the client shows after a failure.
type Recovery struct {
	Action            Action   `json:"action"`
	Title             string   `json:"title"`
	Messages          []string `json:"messages"`
	Field             string   `json:"field,omitempty"`
	RemainingAttempts *int     `json:"remainingAttempts,omitempty"`
	Retryable         bool     `json:"retryable"`
}

// Titles carries per-flow wording for toasts.
type Titles struct {
	Verification string
	Commit       string
}

// Dispatch maps a Failure to exactly one recovery path.
func Dispatch(f *Failure, titles Titles) Recovery {
	if f == nil {
		return Recovery{}
	}
	r := Recovery{
		Messages:          append([]string(nil), f.Messages...),
		Field:             f.Field,
		RemainingAttempts: f.RemainingAttempts,
		Retryable:         f.Retryable,
	}

	switch f.Kind {
	case KindValidation:
		r.Title = "Check your details"
		r.Action = ActionToast
		if f.Field != "" {
			r.Action = ActionInline
		}
	case KindVerification:
		r.Action = ActionToast
		r.Title = orDefault(titles.Verification, "Verification failed")
	case KindInsufficientFunds:
		r.Action = ActionInsufficientFundsPrompt
		r.Title = "Insufficient balance"
	case KindIncorrectPIN:
		r.Action = ActionIncorrectPINPrompt
		r.Title = "Incorrect PIN"
		if f.RemainingAttempts != nil {
			r.Messages = append(r.Messages, attemptsNotice(*f.RemainingAttempts))
		}
	default:
		r.Action = ActionToast
		r.Title = orDefault(titles.Commit, "Something went wrong")
	}
	return r
}

func attemptsNotice(n int) string {
	switch {
	case n <= 0:
		return "You have no attempts remaining."
	case n == 1:
		return "You have 1 attempt remaining."
	default:
		return fmt.Sprintf("You have %d attempts remaining.", n)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
