package wizard

import (
	"context"
	"fmt"

	"github.com/valarpay/wizard-service/internal/validate"
)

// Submit commits the accumulated fields with pin. A second call while one is in
// flight returns ErrCommitInFlight without reaching the commit hook.
func (w *Wizard[R]) Submit(ctx context.Context, pin string) error {
	w.mu.Lock()
	if err := w.commitGuardLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	for _, step := range w.def.seq.Before(w.def.CommitStep) {
		if err := w.canAdvanceLocked(step); err != nil {
			if f, ok := err.(*Failure); ok {
				w.record(f)
			}
			w.mu.Unlock()
			return err
		}
	}
	if f := w.checkPINLocked(pin); f != nil {
		w.mu.Unlock()
		return f
	}

	payload := w.st.fields.Clone()
	key := w.st.idemKey
	if !(w.st.lastUnknown && key != "" && w.st.payload.equal(payload)) {
		key = w.newKey()
	}
	return w.dispatchCommit(ctx, pin, payload, key)
}

// Retry resubmits the payload of the last failed submission with a newly entered pin.
// The idempotency key is reused only when the previous outcome is unknown.
func (w *Wizard[R]) Retry(ctx context.Context, pin string) error {
	w.mu.Lock()
	if w.st.status == StatusPending {
		w.mu.Unlock()
		return ErrCommitInFlight
	}
	if w.st.status != StatusFailure || w.st.payload == nil || w.st.failure == nil {
		w.mu.Unlock()
		return ErrNothingToRetry
	}
	if !w.st.failure.Retryable {
		w.mu.Unlock()
		return ErrNotRetryable
	}
	if w.st.step != w.def.CommitStep {
		w.mu.Unlock()
		return ErrNotAtCommitStep
	}
	if f := w.checkPINLocked(pin); f != nil {
		w.mu.Unlock()
		return f
	}

	key := w.st.idemKey
	if !w.st.lastUnknown || key == "" {
		key = w.newKey()
	}
	return w.dispatchCommit(ctx, pin, w.st.payload.Clone(), key)
}

func (w *Wizard[R]) commitGuardLocked() error {
	switch w.st.status {
	case StatusPending:
		return ErrCommitInFlight
	case StatusSuccess:
		return ErrCompleted
	}
	if w.st.step != w.def.CommitStep {
		return ErrNotAtCommitStep
	}
	return nil
}

func (w *Wizard[R]) checkPINLocked(pin string) *Failure {
	n := w.def.PINLength
	if len(pin) != n || !validate.IsDigits(pin) {
		w.st.pin = ""
		w.record(Invalid("pin", fmt.Sprintf("PIN must be exactly %d digits", n)))
		return w.st.failure
	}
	return nil
}

// dispatchCommit is entered with the lock held and releases it before calling the hook.
func (w *Wizard[R]) dispatchCommit(ctx context.Context, pin string, payload Fields, key string) error {
	w.st.status = StatusPending
	w.st.pin = pin
	w.st.payload = payload
	w.st.idemKey = key
	w.st.submittedAt = w.clock()
	w.st.failure = nil
	w.st.recovery = nil
	w.touch()

	user := w.userSnapshot()
	req := CommitRequest{
		Fields:         payload.Clone(),
		Params:         w.params.Clone(),
		PIN:            pin,
		Verification:   w.st.verification.clone(),
		IdempotencyKey: key,
		User:           user,
	}
	submittedAt := w.st.submittedAt
	w.mu.Unlock()

	w.logger.Info("commit submitted", "idempotency_key", key)
	for _, fn := range w.onStart {
		fn(ctx, w.id)
	}
	resp, err := w.def.Commit(ctx, req)

	w.mu.Lock()
	w.st.pin = ""
	w.touch()
	if err != nil {
		f := Classify(err, PhaseCommit)
		w.st.status = StatusFailure
		w.st.lastUnknown = f.OutcomeUnknown
		w.record(f)
		w.mu.Unlock()

		w.logger.Warn("commit failed", "kind", f.Kind, "retryable", f.Retryable, "outcome_unknown", f.OutcomeUnknown, "error", err)
		event := FailureEvent{SessionID: w.id, Flow: w.def.Name, Failure: f, IdempotencyKey: key, User: user}
		for _, fn := range w.onFailure {
			fn(ctx, event)
		}
		return f
	}

	rec := w.def.Project(resp, ProjectContext{
		Fields:       payload.Clone(),
		Params:       w.params.Clone(),
		Verification: req.Verification,
		SubmittedAt:  submittedAt,
		User:         user,
	})
	w.st.status = StatusSuccess
	w.st.receipt = &rec
	w.st.lastUnknown = false
	w.st.failure = nil
	w.st.recovery = nil
	w.st.step = w.def.ResultStep
	outcome := Outcome{
		SessionID:      w.id,
		Flow:           w.def.Name,
		Receipt:        rec,
		Fields:         w.publicFields(payload),
		Params:         w.params.Clone(),
		IdempotencyKey: key,
		User:           user,
	}
	w.mu.Unlock()

	w.logger.Info("commit succeeded", "reference", rec.Reference, "status", rec.Status)
	for _, fn := range w.onSuccess {
		fn(ctx, outcome)
	}
	return w.enter(ctx, w.def.ResultStep)
}

// publicFields strips secret values.
func (w *Wizard[R]) publicFields(in Fields) Fields {
	out := make(Fields, len(in))
	for k, v := range in {
		if w.def.isSecret(k) {
			continue
		}
		out[k] = v
	}
	return out
}
