package wizard

import (
	"context"
	"fmt"
	"time"

	"github.com/valarpay/wizard-service/internal/receipt"
)

// Snapshot is the serialisable projection of a session. It never carries the PIN
// or any secret field value. Secret resolved values are present for the client;
// Persistable strips them before storage.
type Snapshot struct {
	ID             string           `json:"id"`
	Flow           string           `json:"flow"`
	Step           StepID           `json:"step"`
	Steps          []StepID         `json:"steps"`
	Params         Fields           `json:"params,omitempty"`
	Fields         Fields           `json:"fields"`
	Resolved       Fields           `json:"resolved,omitempty"`
	Verification   *Verification    `json:"verification"`
	VerifiedFor    string           `json:"verifiedFor,omitempty"`
	Verifying      bool             `json:"verifying"`
	Status         Status           `json:"status"`
	CanAdvance     bool             `json:"canAdvance"`
	Receipt        *receipt.Receipt `json:"receipt,omitempty"`
	Failure        *Failure         `json:"failure,omitempty"`
	Recovery       *Recovery        `json:"recovery,omitempty"`
	Payload        Fields           `json:"payload,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	OutcomeUnknown bool             `json:"outcomeUnknown,omitempty"`
	SubmittedAt    time.Time        `json:"submittedAt,omitempty"`
	Entered        []StepID         `json:"entered,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`

	secretResolved []string
}

// Persistable returns s without secret resolved values.
func (s Snapshot) Persistable() Snapshot {
	if len(s.secretResolved) == 0 || len(s.Resolved) == 0 {
		return s
	}
	out := s
	out.Resolved = s.Resolved.Clone()
	for _, key := range s.secretResolved {
		delete(out.Resolved, key)
	}
	if len(out.Resolved) == 0 {
		out.Resolved = nil
	}
	return out
}

const interruptedCommitMessage = "We could not confirm the outcome of your last submission. Retry to check its status."

func (w *Wizard[R]) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		ID:             w.id,
		Flow:           w.def.Name,
		Step:           w.st.step,
		Steps:          w.def.seq.Steps(),
		Params:         w.params.Clone(),
		Fields:         w.publicFields(w.st.fields),
		Resolved:       w.st.resolved.Clone(),
		Verifying:      w.st.verifying,
		Status:         w.st.status,
		IdempotencyKey: w.st.idemKey,
		OutcomeUnknown: w.st.lastUnknown,
		SubmittedAt:    w.st.submittedAt,
		UpdatedAt:      w.updatedAt,
		secretResolved: w.def.SecretResolved,
	}
	if w.st.verification != nil {
		s.Verification = w.st.verification.clone()
		if !w.verifierUsesSecret() {
			s.VerifiedFor = w.st.verifiedFor
		}
	}
	if w.st.receipt != nil {
		r := *w.st.receipt
		s.Receipt = &r
	}
	if w.st.failure != nil {
		f := *w.st.failure
		s.Failure = &f
	}
	if w.st.recovery != nil {
		r := *w.st.recovery
		s.Recovery = &r
	}
	if w.st.payload != nil {
		s.Payload = w.publicFields(w.st.payload)
	}
	for _, step := range w.def.seq.Steps() {
		if w.st.entered[step] {
			s.Entered = append(s.Entered, step)
		}
	}
	if w.st.step != w.def.CommitStep && w.st.status != StatusSuccess {
		s.CanAdvance = w.canAdvanceLocked(w.st.step) == nil
	}
	return s
}

func (w *Wizard[R]) verifierUsesSecret() bool {
	v := w.def.Verifier
	if v == nil {
		return false
	}
	for _, key := range v.Watch {
		if w.def.isSecret(key) {
			return true
		}
	}
	return false
}

func (w *Wizard[R]) hasSecretFields() bool {
	for _, f := range w.def.Fields {
		if f.Secret {
			return true
		}
	}
	return false
}

// Restore loads a persisted snapshot into the session. A snapshot taken while a
// commit was in flight comes back as a retryable failure with an unknown outcome,
// so a retry reuses the original idempotency key. When secret values were not
// persisted the session steps back to the first step that no longer validates.
func (w *Wizard[R]) Restore(s Snapshot) error {
	if s.Flow != w.def.Name {
		return fmt.Errorf("%w: %s is not %s", ErrSnapshotFlowMismatch, s.Flow, w.def.Name)
	}
	if _, ok := w.def.seq.Index(s.Step); !ok {
		return fmt.Errorf("%w: unknown step %q", ErrIllegalTransition, s.Step)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.fresh()
	st.step = s.Step
	for k, v := range s.Fields {
		if _, ok := w.def.field(k); ok && !w.def.isSecret(k) {
			st.fields[k] = v
		}
	}
	for k, v := range s.Resolved {
		st.resolved[k] = v
	}
	st.status = s.Status
	if st.status == "" {
		st.status = StatusIdle
	}
	if s.Receipt != nil {
		r := *s.Receipt
		st.receipt = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		st.failure = &f
	}
	if s.Recovery != nil {
		r := *s.Recovery
		st.recovery = &r
	}
	if s.Payload != nil && !w.hasSecretFields() {
		st.payload = s.Payload.Clone()
	}
	st.idemKey = s.IdempotencyKey
	st.lastUnknown = s.OutcomeUnknown
	st.submittedAt = s.SubmittedAt
	for _, step := range s.Entered {
		st.entered[step] = true
	}
	for _, key := range w.def.SecretResolved {
		if _, ok := s.Resolved[key]; ok {
			continue
		}
		// Secret results were not persisted; let Resume fetch them again.
		for step := range w.def.Enter {
			st.entered[step] = false
		}
		break
	}
	w.st = st
	w.gen++
	w.epoch++

	if s.Verification != nil && !w.verifierUsesSecret() {
		w.st.verification = s.Verification.clone()
		w.st.verifiedFor = s.VerifiedFor
		if !w.verifiedLocked() {
			w.st.verification = nil
			w.st.verifiedFor = ""
		}
	}

	if w.st.status == StatusPending {
		w.st.status = StatusFailure
		w.st.lastUnknown = true
		w.record(&Failure{
			Kind:           KindGeneric,
			Messages:       []string{interruptedCommitMessage},
			Retryable:      w.st.payload != nil,
			OutcomeUnknown: true,
		})
	}

	if w.st.status != StatusSuccess {
		for _, step := range w.def.seq.Before(w.st.step) {
			if step == w.def.CommitStep {
				break
			}
			if w.canAdvanceLocked(step) != nil {
				w.st.step = step
				if w.st.status == StatusFailure {
					w.st.status = StatusIdle
					w.st.failure = nil
					w.st.recovery = nil
				}
				break
			}
		}
	}

	if !s.UpdatedAt.IsZero() {
		w.updatedAt = s.UpdatedAt
	} else {
		w.touch()
	}
	return nil
}

// Resume runs the current step's enter hook if it has not run for this session,
// as after a restore that dropped secret resolved values.
func (w *Wizard[R]) Resume(ctx context.Context) error {
	w.mu.Lock()
	step := w.st.step
	w.mu.Unlock()
	return w.enter(ctx, step)
}
