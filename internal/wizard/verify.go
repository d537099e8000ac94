package wizard

import (
	"context"
)

// Verify runs the flow's verifier against the current watched inputs.
// Identical inputs that are already verified return the cached result without a call.
// A result that arrives after a newer trigger or an invalidating change is discarded
// and ErrSuperseded is returned to the caller that started it.
func (w *Wizard[R]) Verify(ctx context.Context) error {
	v := w.def.Verifier
	if v == nil {
		return ErrNoVerifier
	}

	if w.gate != nil && w.verifyNeeded() {
		if err := w.gate(ctx); err != nil {
			f := Classify(err, PhaseVerify)
			w.mu.Lock()
			w.record(f)
			w.mu.Unlock()
			w.logger.Info("verification refused", "error", err)
			return f
		}
	}

	w.mu.Lock()
	switch w.st.status {
	case StatusPending:
		w.mu.Unlock()
		return ErrCommitInFlight
	case StatusSuccess:
		w.mu.Unlock()
		return ErrCompleted
	}
	if !v.Ready(w.st.fields) {
		f := Invalid(v.Watch[0], "Complete the details to verify")
		w.record(f)
		w.mu.Unlock()
		return f
	}
	if w.verifiedLocked() {
		w.mu.Unlock()
		return nil
	}

	w.gen++
	gen := w.gen
	fingerprint := w.fingerprintLocked()
	req := VerifyRequest{Fields: w.st.fields.Clone(), Params: w.params.Clone(), User: w.userSnapshot()}
	w.st.verifying = true
	w.touch()
	w.mu.Unlock()

	result, err := v.Verify(ctx, req)

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		w.logger.Debug("stale verification discarded", "generation", gen)
		return ErrSuperseded
	}
	w.st.verifying = false
	w.touch()

	if err == nil && result == nil {
		err = &Failure{Kind: KindVerification, Messages: []string{"Verification returned no result"}, Retryable: true}
	}
	if err != nil {
		w.st.verification = nil
		w.st.verifiedFor = ""
		f := w.record(Classify(err, PhaseVerify))
		w.mu.Unlock()
		w.logger.Info("verification failed", "error", err)
		return f
	}

	w.st.verification = result.clone()
	w.st.verifiedFor = fingerprint
	if w.st.recovery != nil && w.st.recovery.Action == ActionToast {
		w.clearNotice()
	}

	var next StepID
	if v.AutoAdvance && w.st.step == v.Step {
		if n, advErr := w.advanceLocked(); advErr == nil {
			next = n
		} else {
			// Other fields on the step are still incomplete; stay put without an error.
			w.st.recovery = nil
			if w.st.status != StatusFailure {
				w.st.failure = nil
			}
		}
	}
	w.mu.Unlock()

	if next != "" {
		return w.enter(ctx, next)
	}
	return nil
}

// verifyNeeded reports whether Verify would call the verifier right now.
func (w *Wizard[R]) verifyNeeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st.status == StatusPending || w.st.status == StatusSuccess {
		return false
	}
	return w.def.Verifier.Ready(w.st.fields) && !w.verifiedLocked()
}
