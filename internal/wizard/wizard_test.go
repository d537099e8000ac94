package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
)

const (
	stepAccount StepID = "enterAccount"
	stepAmount  StepID = "enterAmount"
	stepConfirm StepID = "confirm"
	stepResult  StepID = "result"
	stepShare   StepID = "share"
)

type backendErrStub struct {
	status   int
	messages []string
	attempts *int
}

func (e *backendErrStub) Error() string                  { return strings.Join(e.messages, "; ") }
func (e *backendErrStub) HTTPStatus() int                { return e.status }
func (e *backendErrStub) BackendMessages() []string      { return e.messages }
func (e *backendErrStub) AttemptsRemaining() (int, bool) {
	if e.attempts == nil {
		return 0, false
	}
	return *e.attempts, true
}

type hooks struct {
	verify      func(ctx context.Context, req VerifyRequest) (*Verification, error)
	commit      func(ctx context.Context, req CommitRequest) (map[string]any, error)
	verifyCalls atomic.Int32
	commitCalls atomic.Int32
	enterCalls  atomic.Int32
	lastCommit  CommitRequest
	mu          sync.Mutex
}

func newTransferDefinition(h *hooks) *Definition[map[string]any] {
	return &Definition[map[string]any]{
		Name:       "transfer_test",
		Title:      "Send money",
		Steps:      []StepID{stepAccount, stepAmount, stepConfirm, stepResult, stepShare},
		CommitStep: stepConfirm,
		ResultStep: stepResult,
		Fields: []Field{
			{Key: "bankCode", Label: "Bank", Step: stepAccount, Kind: validate.KindChoice, Rules: []validate.Rule{validate.Required("Bank")}},
			{Key: "accountNumber", Label: "Account number", Step: stepAccount, Kind: validate.KindDigits, Rules: []validate.Rule{
				validate.Required("Account number"), validate.ExactDigits(10, "Account number"),
			}},
			{Key: "amount", Label: "Amount", Step: stepAmount, Kind: validate.KindAmount, Rules: []validate.Rule{
				validate.Required("Amount"), validate.Amount("Amount"), validate.MinAmount(money.FromInt(100), "transfer"),
			}},
			{Key: "narration", Label: "Narration", Step: stepAmount, Kind: validate.KindText, Rules: []validate.Rule{validate.MaxLength(50, "Narration")}},
		},
		Verifier: &VerifierSpec{
			Step:  stepAccount,
			Watch: []string{"bankCode", "accountNumber"},
			Ready: func(f Fields) bool {
				return f["bankCode"] != "" && len(f["accountNumber"]) == 10
			},
			Verify: func(ctx context.Context, req VerifyRequest) (*Verification, error) {
				h.verifyCalls.Add(1)
				if h.verify != nil {
					return h.verify(ctx, req)
				}
				return &Verification{VerifiedName: "Jane Doe"}, nil
			},
			AutoAdvance:  true,
			Required:     true,
			FailureTitle: "Unable to verify account",
		},
		Enter: map[StepID]EnterHook{
			stepShare: func(ctx context.Context, req EnterRequest) (Fields, error) {
				h.enterCalls.Add(1)
				return Fields{"shareCode": "SHARE-" + req.Receipt.Reference}, nil
			},
		},
		Commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
			h.commitCalls.Add(1)
			h.mu.Lock()
			h.lastCommit = req
			h.mu.Unlock()
			if h.commit != nil {
				return h.commit(ctx, req)
			}
			return map[string]any{"data": map[string]any{"status": "success"}}, nil
		},
		Project: func(resp map[string]any, pc ProjectContext) receipt.Receipt {
			return receipt.Project(resp, receipt.Context{
				Type:                "TRANSFER",
				Amount:              pc.Fields.Amount("amount"),
				CounterpartyName:    pc.Verification.VerifiedName,
				CounterpartyAccount: pc.Fields["accountNumber"],
				Description:         pc.Fields["narration"],
				SubmittedAt:         pc.SubmittedAt,
			})
		},
		FailureTitle: "Transfer failed",
	}
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestWizard(t *testing.T, h *hooks, opts ...Option) *Wizard[map[string]any] {
	t.Helper()
	keys := 0
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithKeyFunc(func() string {
			keys++
			return "key-" + string(rune('0'+keys))
		}),
	}
	w, err := New(newTransferDefinition(h), "session-1", nil, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return w
}

// toConfirm drives a wizard to the confirm step through the public API.
func toConfirm(t *testing.T, w *Wizard[map[string]any]) {
	t.Helper()
	ctx := context.Background()
	if err := w.Input(ctx, "bankCode", "058"); err != nil {
		t.Fatalf("set bank: %v", err)
	}
	if err := w.Input(ctx, "accountNumber", "0123456789"); err != nil {
		t.Fatalf("set account: %v", err)
	}
	if got := w.Snapshot().Step; got != stepAmount {
		t.Fatalf("expected auto-advance to %s, got %s", stepAmount, got)
	}
	if err := w.SetField("amount", "₦5,000"); err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if err := w.SetField("narration", "rent"); err != nil {
		t.Fatalf("set narration: %v", err)
	}
	if err := w.Advance(ctx); err != nil {
		t.Fatalf("advance to confirm: %v", err)
	}
}

func TestAdvanceNeverMovesWithoutValidation(t *testing.T) {
	h := &hooks{}
	w := newTestWizard(t, h)
	ctx := context.Background()

	err := w.Advance(ctx)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindValidation || f.Field != "bankCode" {
		t.Fatalf("expected bank validation failure, got %v", err)
	}
	if w.Snapshot().Step != stepAccount {
		t.Fatal("step changed despite failed validation")
	}

	_ = w.SetField("bankCode", "058")
	_ = w.SetField("accountNumber", "0123456789")
	err = w.Advance(ctx)
	if !errors.As(err, &f) || f.Kind != KindValidation || f.Field != "" {
		t.Fatalf("expected verification-required failure, got %v", err)
	}
	if w.Snapshot().Step != stepAccount {
		t.Fatal("step changed without verification")
	}
	if h.verifyCalls.Load() != 0 {
		t.Fatal("SetField must not trigger verification")
	}

	if err := w.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if w.Snapshot().Step != stepAmount {
		t.Fatalf("expected auto-advance after verification")
	}
}

func TestValidationFailureNeverReachesNetwork(t *testing.T) {
	h := &hooks{}
	w := newTestWizard(t, h)
	ctx := context.Background()

	_ = w.Input(ctx, "bankCode", "058")
	if err := w.Input(ctx, "accountNumber", "01234"); err == nil {
		t.Fatal("expected partial account number to fail validation")
	}
	if h.verifyCalls.Load() != 0 {
		t.Fatalf("verification fired on incomplete shape")
	}
	snap := w.Snapshot()
	if snap.Recovery == nil || snap.Recovery.Action != ActionInline || snap.Recovery.Field != "accountNumber" {
		t.Fatalf("expected inline recovery for account number, got %+v", snap.Recovery)
	}
}

func TestRejectedInputLeavesStoredValueUnchanged(t *testing.T) {
	w := newTestWizard(t, &hooks{})

	_ = w.SetField("accountNumber", "01234")
	err := w.SetField("accountNumber", "01234x")
	if !errors.Is(err, validate.ErrRejectedInput) {
		t.Fatalf("expected ErrRejectedInput, got %v", err)
	}
	if got := w.Snapshot().Fields["accountNumber"]; got != "01234" {
		t.Fatalf("expected stored value to remain 01234, got %q", got)
	}
}

func TestAmountStoredRaw(t *testing.T) {
	w := newTestWizard(t, &hooks{})
	toConfirm(t, w)

	if got := w.Snapshot().Fields["amount"]; got != "5000" {
		t.Fatalf("expected raw amount 5000, got %q", got)
	}
}

func TestChangingWatchedFieldClearsVerification(t *testing.T) {
	h := &hooks{}
	w := newTestWizard(t, h)
	ctx := context.Background()
	toConfirm(t, w)

	if w.Snapshot().Verification == nil {
		t.Fatal("expected verification before edit")
	}

	// Navigation alone keeps the verification.
	_ = w.Retreat()
	_ = w.Retreat()
	if w.Snapshot().Verification == nil {
		t.Fatal("retreat must not clear verification")
	}

	// Setting the same value is not a change.
	_ = w.SetField("accountNumber", "0123456789")
	if w.Snapshot().Verification == nil {
		t.Fatal("unchanged value must not clear verification")
	}

	_ = w.SetField("accountNumber", "0123456780")
	if w.Snapshot().Verification != nil {
		t.Fatal("expected verification cleared after changing account number")
	}
	if err := w.Advance(ctx); err == nil {
		t.Fatal("advance must be blocked until re-verified")
	}

	_ = w.SetField("accountNumber", "0123456789")
	if w.Snapshot().Verification != nil {
		t.Fatal("verification must stay cleared until a new verification succeeds")
	}
	if err := w.Verify(ctx); err != nil {
		t.Fatalf("re-verify: %v", err)
	}
	if w.Snapshot().Verification == nil {
		t.Fatal("expected new verification")
	}
}

func TestVerifyIdenticalInputsUsesCachedResult(t *testing.T) {
	h := &hooks{}
	w := newTestWizard(t, h)
	ctx := context.Background()
	_ = w.SetField("bankCode", "058")
	_ = w.SetField("accountNumber", "0123456789")

	if err := w.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_ = w.Retreat()
	if err := w.Verify(ctx); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if calls := h.verifyCalls.Load(); calls != 1 {
		t.Fatalf("expected 1 verifier call, got %d", calls)
	}
}

func TestLastTriggeredVerificationWins(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var n atomic.Int32
	h := &hooks{verify: func(ctx context.Context, req VerifyRequest) (*Verification, error) {
		call := n.Add(1)
		started <- struct{}{}
		if call == 1 {
			<-release
			return &Verification{VerifiedName: "First Caller"}, nil
		}
		return &Verification{VerifiedName: "Second Caller"}, nil
	}}
	w := newTestWizard(t, h)
	ctx := context.Background()
	_ = w.SetField("bankCode", "058")

	firstDone := make(chan error, 1)
	go func() { firstDone <- w.Input(ctx, "accountNumber", "0123456789") }()
	<-started

	if err := w.Verify(ctx); err != nil {
		t.Fatalf("second verification: %v", err)
	}
	<-started
	close(release)

	if err := <-firstDone; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected first verification to be superseded, got %v", err)
	}
	snap := w.Snapshot()
	if snap.Verification == nil || snap.Verification.VerifiedName != "Second Caller" {
		t.Fatalf("expected later-triggered result, got %+v", snap.Verification)
	}
	if snap.Verifying {
		t.Fatal("expected no verification in flight")
	}
}

func TestStaleVerificationAfterEditIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h := &hooks{verify: func(ctx context.Context, req VerifyRequest) (*Verification, error) {
		started <- struct{}{}
		<-release
		return &Verification{VerifiedName: "Old Account"}, nil
	}}
	w := newTestWizard(t, h)
	ctx := context.Background()
	_ = w.SetField("bankCode", "058")

	done := make(chan error, 1)
	go func() { done <- w.Input(ctx, "accountNumber", "0123456789") }()
	<-started

	_ = w.SetField("accountNumber", "012345678")
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if w.Snapshot().Verification != nil {
		t.Fatal("stale verification must not be applied")
	}
}

func TestVerificationFailureKeepsStepAndDispatchesToast(t *testing.T) {
	h := &hooks{verify: func(ctx context.Context, req VerifyRequest) (*Verification, error) {
		return nil, &backendErrStub{status: 400, messages: []string{"Customer ID not found"}}
	}}
	w := newTestWizard(t, h)
	ctx := context.Background()
	_ = w.SetField("bankCode", "058")

	err := w.Input(ctx, "accountNumber", "0123456789")
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindVerification {
		t.Fatalf("expected verification failure, got %v", err)
	}
	snap := w.Snapshot()
	if snap.Step != stepAccount || snap.Verification != nil {
		t.Fatalf("expected to stay unverified on %s, got %s", stepAccount, snap.Step)
	}
	if snap.Recovery == nil || snap.Recovery.Action != ActionToast || snap.Recovery.Title != "Unable to verify account" {
		t.Fatalf("unexpected recovery %+v", snap.Recovery)
	}
	if snap.Recovery.Messages[0] != "Customer ID not found" {
		t.Fatalf("expected backend message verbatim, got %v", snap.Recovery.Messages)
	}
}

func TestSendMoneyHappyPath(t *testing.T) {
	var successes []Outcome
	h := &hooks{}
	w := newTestWizard(t, h, OnSuccess(func(ctx context.Context, o Outcome) { successes = append(successes, o) }))
	ctx := context.Background()
	toConfirm(t, w)

	if err := w.Advance(ctx); !errors.Is(err, ErrCommitStepLocked) {
		t.Fatalf("expected confirm step to be locked for Advance, got %v", err)
	}
	if err := w.Submit(ctx, "1234"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := w.Snapshot()
	if snap.Status != StatusSuccess || snap.Step != stepResult {
		t.Fatalf("expected success on result step, got %s/%s", snap.Status, snap.Step)
	}
	r := snap.Receipt
	if r == nil || r.Type != "TRANSFER" || r.Amount.String() != "5000" || r.Status != receipt.StatusSuccessful {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if r.CounterpartyName != "Jane Doe" || r.Reference == "" {
		t.Fatalf("unexpected receipt identity %+v", r)
	}
	if len(successes) != 1 || successes[0].Receipt.Reference != r.Reference {
		t.Fatalf("expected one success callback, got %d", len(successes))
	}
	if h.lastCommit.PIN != "1234" || h.lastCommit.Verification == nil || h.lastCommit.IdempotencyKey == "" {
		t.Fatalf("unexpected commit request %+v", h.lastCommit)
	}
	if err := w.Retreat(); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected completed session to refuse going back, got %v", err)
	}
}

func TestSubmitRequiresFourDigitPIN(t *testing.T) {
	h := &hooks{}
	w := newTestWizard(t, h)
	toConfirm(t, w)

	for _, pin := range []string{"", "123", "12345", "12a4"} {
		err := w.Submit(context.Background(), pin)
		var f *Failure
		if !errors.As(err, &f) || f.Field != "pin" {
			t.Fatalf("pin %q: expected pin validation failure, got %v", pin, err)
		}
	}
	if h.commitCalls.Load() != 0 {
		t.Fatal("commit must not be called with a malformed PIN")
	}
}

func TestSubmitIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{}, nil
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- w.Submit(ctx, "1234") }()
	<-entered

	if err := w.Submit(ctx, "1234"); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected ErrCommitInFlight, got %v", err)
	}
	if err := w.Retry(ctx, "1234"); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected retry to be refused while pending, got %v", err)
	}
	if err := w.Reset(); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected reset to be refused while pending, got %v", err)
	}
	if !w.Busy() {
		t.Fatal("expected session to report busy")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if calls := h.commitCalls.Load(); calls != 1 {
		t.Fatalf("expected exactly one commit call, got %d", calls)
	}
}

func TestInsufficientFundsRoutesToDedicatedPrompt(t *testing.T) {
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		return nil, &backendErrStub{status: 400, messages: []string{"Insufficient wallet balance"}}
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)

	err := w.Submit(context.Background(), "1234")
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	snap := w.Snapshot()
	if snap.Recovery == nil || snap.Recovery.Action != ActionInsufficientFundsPrompt {
		t.Fatalf("expected insufficient funds prompt, got %+v", snap.Recovery)
	}
	if snap.Step != stepConfirm || snap.Fields["amount"] != "5000" {
		t.Fatal("failure must keep the step and collected fields")
	}
	if w.st.pin != "" {
		t.Fatal("PIN must be cleared after a failure")
	}
}

func TestIncorrectPINRetryUsesFreshKey(t *testing.T) {
	remaining := 2
	var keys []string
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		keys = append(keys, req.IdempotencyKey)
		if req.PIN != "4321" {
			return nil, &backendErrStub{status: 401, messages: []string{"Invalid transaction PIN"}, attempts: &remaining}
		}
		return map[string]any{"reference": "VP-1"}, nil
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	ctx := context.Background()

	err := w.Submit(ctx, "1234")
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindIncorrectPIN || f.RemainingAttempts == nil || *f.RemainingAttempts != 2 {
		t.Fatalf("expected incorrect PIN with 2 attempts, got %+v", err)
	}
	if rec := w.Snapshot().Recovery; rec.Action != ActionIncorrectPINPrompt {
		t.Fatalf("expected incorrect pin prompt, got %s", rec.Action)
	}

	if err := w.Retry(ctx, "4321"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Fatalf("expected a fresh idempotency key after a definite failure, got %v", keys)
	}
	if w.Snapshot().Receipt.Reference != "VP-1" {
		t.Fatal("expected receipt from retried commit")
	}
}

func TestUnknownOutcomeRetryReusesKeyAndPayload(t *testing.T) {
	var requests []CommitRequest
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		requests = append(requests, req)
		if len(requests) == 1 {
			return nil, context.DeadlineExceeded
		}
		return map[string]any{}, nil
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	ctx := context.Background()

	err := w.Submit(ctx, "1234")
	var f *Failure
	if !errors.As(err, &f) || !f.Retryable || !f.OutcomeUnknown {
		t.Fatalf("expected retryable unknown outcome, got %+v", err)
	}
	if err := w.Retry(ctx, "1234"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if requests[0].IdempotencyKey != requests[1].IdempotencyKey {
		t.Fatalf("expected key reuse, got %q and %q", requests[0].IdempotencyKey, requests[1].IdempotencyKey)
	}
	if !requests[0].Fields.equal(requests[1].Fields) {
		t.Fatal("retry must resubmit the same payload")
	}
}

func TestLockedPINIsNotRetryable(t *testing.T) {
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		return nil, &backendErrStub{status: 423, messages: []string{"Too many incorrect PIN attempts. PIN locked."}}
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	ctx := context.Background()

	err := w.Submit(ctx, "1234")
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindGeneric || f.Retryable {
		t.Fatalf("expected non-retryable generic failure, got %+v", err)
	}
	if err := w.Retry(ctx, "1234"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestEnterHookRunsOncePerSession(t *testing.T) {
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		return map[string]any{"reference": "VP-7"}, nil
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	ctx := context.Background()
	if err := w.Submit(ctx, "1234"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := w.Advance(ctx); err != nil {
		t.Fatalf("advance to share: %v", err)
	}
	if err := w.Retreat(); err != nil {
		t.Fatalf("retreat to result: %v", err)
	}
	if err := w.Advance(ctx); err != nil {
		t.Fatalf("re-enter share: %v", err)
	}
	if calls := h.enterCalls.Load(); calls != 1 {
		t.Fatalf("expected enter hook once, got %d", calls)
	}
	if got := w.Snapshot().Resolved["shareCode"]; got != "SHARE-VP-7" {
		t.Fatalf("unexpected resolved value %q", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		return nil, &backendErrStub{status: 500, messages: []string{"upstream unavailable"}}
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)
	_ = w.Submit(context.Background(), "1234")

	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := w.Snapshot()
	if snap.Step != stepAccount || len(snap.Fields) != 0 || snap.Verification != nil {
		t.Fatalf("expected pristine state, got %+v", snap)
	}
	if snap.Status != StatusIdle || snap.Receipt != nil || snap.Failure != nil || snap.Recovery != nil {
		t.Fatalf("expected idle state without outcome, got %+v", snap)
	}
	if snap.Payload != nil || snap.IdempotencyKey != "" || len(snap.Entered) != 0 {
		t.Fatalf("expected no submission residue, got %+v", snap)
	}
	if w.st.pin != "" {
		t.Fatal("PIN survived reset")
	}
}

func TestSnapshotNeverContainsPIN(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{}, nil
	}}
	w := newTestWizard(t, h)
	toConfirm(t, w)

	done := make(chan error, 1)
	go func() { done <- w.Submit(context.Background(), "9876") }()
	<-entered

	body, err := json.Marshal(w.Snapshot())
	close(release)
	<-done
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "9876") {
		t.Fatalf("snapshot leaked the PIN: %s", body)
	}
}

func TestSnapshotNeverPersistsSecretResolvedValues(t *testing.T) {
	share := func(h *hooks) *Wizard[map[string]any] {
		def := newTransferDefinition(h)
		def.SecretResolved = []string{"shareCode"}
		w, err := New(def, "session-1", nil, WithClock(func() time.Time { return fixedNow }))
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		return w
	}
	ctx := context.Background()
	first := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		return map[string]any{"reference": "VP-7"}, nil
	}}
	w := share(first)
	toConfirm(t, w)
	if err := w.Submit(ctx, "1234"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := w.Advance(ctx); err != nil {
		t.Fatalf("advance to share: %v", err)
	}

	snap := w.Snapshot()
	if snap.Resolved["shareCode"] != "SHARE-VP-7" {
		t.Fatalf("expected the client view to carry the secret, got %v", snap.Resolved)
	}
	body, err := json.Marshal(snap.Persistable())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "SHARE-VP-7") {
		t.Fatalf("persisted snapshot leaked a secret: %s", body)
	}

	var stored Snapshot
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second := &hooks{}
	restored := share(second)
	if err := restored.Restore(stored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Snapshot().Resolved["shareCode"]; got != "" {
		t.Fatalf("expected no secret before resume, got %q", got)
	}
	if err := restored.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.enterCalls.Load() != 1 || restored.Snapshot().Resolved["shareCode"] != "SHARE-VP-7" {
		t.Fatalf("expected resume to fetch the secret again, got %d calls and %v", second.enterCalls.Load(), restored.Snapshot().Resolved)
	}
}

func TestRestorePendingBecomesRetryableWithSameKey(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	first := &hooks{commit: func(ctx context.Context, req CommitRequest) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{}, nil
	}}
	w := newTestWizard(t, first)
	toConfirm(t, w)

	done := make(chan error, 1)
	go func() { done <- w.Submit(context.Background(), "1234") }()
	<-entered
	persisted := w.Snapshot()
	close(release)
	<-done

	second := &hooks{}
	restored := newTestWizard(t, second)
	if err := restored.Restore(persisted); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap := restored.Snapshot()
	if snap.Status != StatusFailure || snap.Failure == nil || !snap.Failure.Retryable {
		t.Fatalf("expected retryable failure after restore, got %+v", snap)
	}
	if snap.Verification == nil {
		t.Fatal("expected verification to survive restore")
	}
	if err := restored.Retry(context.Background(), "1234"); err != nil {
		t.Fatalf("retry after restore: %v", err)
	}
	if second.lastCommit.IdempotencyKey != persisted.IdempotencyKey {
		t.Fatalf("expected key %q, got %q", persisted.IdempotencyKey, second.lastCommit.IdempotencyKey)
	}
}

func TestMissingParamsRejected(t *testing.T) {
	def := newTransferDefinition(&hooks{})
	def.Params = []string{"walletId"}

	if _, err := New(def, "", Fields{}); !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}
	w, err := New(def, "", Fields{"walletId": "w-1"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if w.ID() == "" {
		t.Fatal("expected generated session id")
	}
}

func TestVerifyGateRefusesBeforeNetwork(t *testing.T) {
	h := &hooks{}
	gateCalls := 0
	w := newTestWizard(t, h, WithVerifyGate(func(ctx context.Context) error {
		gateCalls++
		return &Failure{Kind: KindVerification, Messages: []string{"Too many verification attempts"}, Retryable: true, StatusCode: 429}
	}))
	ctx := context.Background()

	if err := w.Input(ctx, "bankCode", "058"); err != nil {
		t.Fatalf("set bank: %v", err)
	}
	if gateCalls != 0 {
		t.Fatal("gate must not run before the watched inputs are complete")
	}

	err := w.Input(ctx, "accountNumber", "0123456789")
	var f *Failure
	if !errors.As(err, &f) || f.StatusCode != 429 {
		t.Fatalf("expected gate failure, got %v", err)
	}
	if h.verifyCalls.Load() != 0 {
		t.Fatal("verifier must not be called when the gate refuses")
	}
	snap := w.Snapshot()
	if snap.Step != stepAccount || snap.Recovery == nil || snap.Recovery.Action != ActionToast {
		t.Fatalf("expected toast on %s, got %s %+v", stepAccount, snap.Step, snap.Recovery)
	}
}

func TestCommitStartSeesPendingSession(t *testing.T) {
	h := &hooks{}
	var w *Wizard[map[string]any]
	var seen Status
	w = newTestWizard(t, h, OnCommitStart(func(ctx context.Context, id string) {
		seen = w.Snapshot().Status
	}))
	toConfirm(t, w)

	if err := w.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if seen != StatusPending {
		t.Fatalf("expected pending status at commit start, got %q", seen)
	}
}
