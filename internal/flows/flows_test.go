package flows

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

type stubBackend struct {
	Backend

	mu        sync.Mutex
	verifyErr error
	commitErr error
	response  json.RawMessage

	accountReqs  []backendclient.VerifyAccountRequest
	transfers    []backendclient.TransferRequest
	deposits     []backendclient.FixedDepositRequest
	customerReqs []backendclient.BillCustomerRequest
	bills        []backendclient.BillPaymentRequest
	giftCards    []backendclient.GiftCardPurchaseRequest
	redeemIDs    []string
	breaks       []backendclient.BreakPlanRequest
	breakPlanIDs []string
	cardActions  []string
	pinChecks    []string
	pinChanges   []backendclient.ChangePINRequest
}

func (s *stubBackend) reply() (json.RawMessage, error) {
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	if s.response != nil {
		return s.response, nil
	}
	return json.RawMessage(`{"message":"ok","statusCode":201,"data":{"reference":"REF-1","status":"successful"}}`), nil
}

func (s *stubBackend) VerifyAccount(ctx context.Context, req backendclient.VerifyAccountRequest) (*backendclient.AccountDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountReqs = append(s.accountReqs, req)
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &backendclient.AccountDetails{AccountName: "Jane Doe", AccountNumber: req.AccountNumber, SessionID: "ne-1"}, nil
}

func (s *stubBackend) Transfer(ctx context.Context, req backendclient.TransferRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, req)
	return s.reply()
}

func (s *stubBackend) CreateFixedDeposit(ctx context.Context, req backendclient.FixedDepositRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = append(s.deposits, req)
	return s.reply()
}

func (s *stubBackend) ValidateBillCustomer(ctx context.Context, req backendclient.BillCustomerRequest) (*backendclient.BillCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerReqs = append(s.customerReqs, req)
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &backendclient.BillCustomer{CustomerName: "Musa Bello", CustomerID: req.CustomerID, Reference: "val-9"}, nil
}

func (s *stubBackend) PayBill(ctx context.Context, req backendclient.BillPaymentRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bills = append(s.bills, req)
	return s.reply()
}

func (s *stubBackend) PurchaseGiftCard(ctx context.Context, req backendclient.GiftCardPurchaseRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giftCards = append(s.giftCards, req)
	return s.reply()
}

func (s *stubBackend) GiftCardRedeemCode(ctx context.Context, purchaseID string) (*backendclient.RedeemCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeemIDs = append(s.redeemIDs, purchaseID)
	return &backendclient.RedeemCode{Code: "AMZN-XXXX-YYYY"}, nil
}

func (s *stubBackend) BreakPlan(ctx context.Context, planID string, req backendclient.BreakPlanRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakPlanIDs = append(s.breakPlanIDs, planID)
	s.breaks = append(s.breaks, req)
	return s.reply()
}

func (s *stubBackend) CardAction(ctx context.Context, cardID, action string, req backendclient.CardActionRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cardActions = append(s.cardActions, cardID+"/"+action)
	return s.reply()
}

func (s *stubBackend) VerifyPIN(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinChecks = append(s.pinChecks, pin)
	return s.verifyErr
}

func (s *stubBackend) ChangePIN(ctx context.Context, req backendclient.ChangePINRequest, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinChanges = append(s.pinChanges, req)
	return s.reply()
}

func openFlow(t *testing.T, backend Backend, name string, params wizard.Fields) wizard.Session {
	t.Helper()
	reg, err := NewRegistry(backend, catalog.Default())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	flow, ok := reg.Get(name)
	if !ok {
		t.Fatalf("flow %s not registered", name)
	}
	s, err := flow.Open("", params)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return s
}

func mustInput(t *testing.T, s wizard.Session, key, value string) {
	t.Helper()
	if err := s.Input(context.Background(), key, value); err != nil {
		t.Fatalf("Input(%s=%q) returned error: %v", key, value, err)
	}
}

func mustAdvance(t *testing.T, s wizard.Session) {
	t.Helper()
	if err := s.Advance(context.Background()); err != nil {
		t.Fatalf("Advance from %s returned error: %v", s.Snapshot().Step, err)
	}
}

func TestRegistryListsEveryFlow(t *testing.T) {
	reg, err := NewRegistry(&stubBackend{}, catalog.Default())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	want := []string{
		BillBetting, BillCable, BillEducation, BillElectricity, BreakPlan,
		CardAction, ChangePIN, FixedDeposit, GiftCard, Investment, SendMoney,
	}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("expected %d flows, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("expected flow %d to be %s, got %s", i, name, got[i].Name)
		}
	}
	if err := reg.Register(NewChangePIN(&stubBackend{})); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestSendMoneyValarPayAutoVerifiesAndCommits(t *testing.T) {
	backend := &stubBackend{
		response: json.RawMessage(`{"message":"Transfer successful","statusCode":201,"data":{"reference":"VP-1","status":"successful"}}`),
	}
	s := openFlow(t, backend, SendMoney, nil)

	mustInput(t, s, "transferType", "valarpay")
	mustAdvance(t, s)
	mustInput(t, s, "accountNumber", "0123456789")

	snap := s.Snapshot()
	if snap.Step != stepEnterAmount {
		t.Fatalf("expected auto-advance to %s, got %s", stepEnterAmount, snap.Step)
	}
	if snap.Verification == nil || snap.Verification.VerifiedName != "Jane Doe" {
		t.Fatalf("expected verified name, got %+v", snap.Verification)
	}
	if len(backend.accountReqs) != 1 || backend.accountReqs[0].BankCode != valarPayBankCode {
		t.Fatalf("expected one wallet name enquiry, got %+v", backend.accountReqs)
	}

	mustInput(t, s, "amount", "5,000")
	mustAdvance(t, s)
	if err := s.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if len(backend.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(backend.transfers))
	}
	tr := backend.transfers[0]
	if tr.AccountName != "Jane Doe" || tr.SessionID != "ne-1" || !tr.Amount.Equal(money.FromInt(5000)) || tr.PIN != "1234" {
		t.Fatalf("unexpected transfer request %+v", tr)
	}

	snap = s.Snapshot()
	if snap.Step != stepResult || snap.Receipt == nil {
		t.Fatalf("expected receipt on result step, got step %s", snap.Step)
	}
	if snap.Receipt.Reference != "VP-1" || snap.Receipt.Type != "TRANSFER" || snap.Receipt.CounterpartyName != "Jane Doe" {
		t.Fatalf("unexpected receipt %+v", snap.Receipt)
	}
}

func TestSendMoneyInterbankNeedsBank(t *testing.T) {
	backend := &stubBackend{}
	s := openFlow(t, backend, SendMoney, nil)

	mustInput(t, s, "transferType", "bank")
	mustAdvance(t, s)
	mustInput(t, s, "accountNumber", "0123456789")

	if len(backend.accountReqs) != 0 {
		t.Fatal("expected no name enquiry before a bank is chosen")
	}
	if err := s.Input(context.Background(), "bankCode", valarPayBankCode); err == nil {
		t.Fatal("expected the wallet bank code to be rejected for interbank transfers")
	}
	mustInput(t, s, "bankCode", "058")
	if len(backend.accountReqs) != 1 || backend.accountReqs[0].BankCode != "058" {
		t.Fatalf("expected name enquiry against 058, got %+v", backend.accountReqs)
	}
}

func TestSendMoneyInsufficientFunds(t *testing.T) {
	backend := &stubBackend{commitErr: &backendclient.APIError{
		StatusCode: http.StatusBadRequest,
		Messages:   []string{"Insufficient wallet balance"},
	}}
	s := openFlow(t, backend, SendMoney, nil)
	mustInput(t, s, "transferType", "valarpay")
	mustAdvance(t, s)
	mustInput(t, s, "accountNumber", "0123456789")
	mustInput(t, s, "amount", "50000")
	mustAdvance(t, s)

	err := s.Submit(context.Background(), "1234")
	var f *wizard.Failure
	if !errors.As(err, &f) || f.Kind != wizard.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds failure, got %v", err)
	}
	snap := s.Snapshot()
	if snap.Recovery == nil || snap.Recovery.Action != wizard.ActionInsufficientFundsPrompt {
		t.Fatalf("expected insufficient funds prompt, got %+v", snap.Recovery)
	}
	if snap.Step != stepConfirm {
		t.Fatalf("expected to stay on confirm, got %s", snap.Step)
	}
}

func TestFixedDepositMinimumFollowsPlan(t *testing.T) {
	backend := &stubBackend{}
	s := openFlow(t, backend, FixedDeposit, nil)

	mustInput(t, s, "planId", "fd-premium")
	mustInput(t, s, "autoRenew", "yes")
	mustAdvance(t, s)

	err := s.Input(context.Background(), "amount", "1000000")
	var f *wizard.Failure
	if !errors.As(err, &f) || f.Kind != wizard.KindValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if len(f.Messages) != 1 || f.Messages[0] != "Minimum deposit is ₦6,000,000" {
		t.Fatalf("unexpected messages %v", f.Messages)
	}
	if err := s.Advance(context.Background()); err == nil {
		t.Fatal("expected advance to be blocked below the plan minimum")
	}
	if s.Snapshot().Step != stepEnterAmount {
		t.Fatalf("expected to stay on %s", stepEnterAmount)
	}

	mustInput(t, s, "amount", "6000000")
	mustAdvance(t, s)
	if err := s.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(backend.deposits) != 1 || !backend.deposits[0].AutoRenew || backend.deposits[0].PlanID != "fd-premium" {
		t.Fatalf("unexpected deposit requests %+v", backend.deposits)
	}
	if r := s.Snapshot().Receipt; r == nil || r.CounterpartyName != "Premium Fixed Deposit" {
		t.Fatalf("expected plan name on receipt, got %+v", r)
	}
}

func TestBillVerificationFailureShowsToast(t *testing.T) {
	backend := &stubBackend{verifyErr: &backendclient.APIError{
		StatusCode: http.StatusBadRequest,
		Messages:   []string{"Invalid meter number"},
	}}
	s := openFlow(t, backend, BillElectricity, nil)

	mustInput(t, s, "billerId", "ikeja-electric")
	mustInput(t, s, "itemCode", "prepaid")
	mustAdvance(t, s)

	err := s.Input(context.Background(), "customerId", "45012345678")
	var f *wizard.Failure
	if !errors.As(err, &f) || f.Kind != wizard.KindVerification {
		t.Fatalf("expected verification failure, got %v", err)
	}

	snap := s.Snapshot()
	if snap.Step != stepBillDetails {
		t.Fatalf("expected to stay on %s, got %s", stepBillDetails, snap.Step)
	}
	if snap.Recovery == nil || snap.Recovery.Action != wizard.ActionToast || snap.Recovery.Title != "Unable to verify customer" {
		t.Fatalf("unexpected recovery %+v", snap.Recovery)
	}
	if len(snap.Recovery.Messages) != 1 || snap.Recovery.Messages[0] != "Invalid meter number" {
		t.Fatalf("expected backend message verbatim, got %v", snap.Recovery.Messages)
	}

	mustInput(t, s, "amount", "5000")
	if err := s.Advance(context.Background()); err == nil {
		t.Fatal("expected advance to require customer verification")
	}
	if len(backend.bills) != 0 {
		t.Fatal("expected no payment without verification")
	}
}

func TestBillFixedPriceOverridesAmount(t *testing.T) {
	backend := &stubBackend{}
	s := openFlow(t, backend, BillCable, nil)

	mustInput(t, s, "billerId", "dstv")
	if err := s.Advance(context.Background()); err == nil {
		t.Fatal("expected a package to be required for dstv")
	}
	mustInput(t, s, "itemCode", "dstv-compact")
	mustAdvance(t, s)
	mustInput(t, s, "customerId", "7023456789")
	mustAdvance(t, s)

	if err := s.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(backend.bills) != 1 {
		t.Fatalf("expected one payment, got %d", len(backend.bills))
	}
	bill := backend.bills[0]
	if !bill.Amount.Equal(money.FromInt(15700)) || bill.ValidationRef != "val-9" || bill.Category != catalog.CategoryCable {
		t.Fatalf("unexpected bill request %+v", bill)
	}
	if r := s.Snapshot().Receipt; r == nil || r.Description != "DStv DStv Compact" || r.CounterpartyName != "Musa Bello" {
		t.Fatalf("unexpected receipt %+v", r)
	}
}

func TestGiftCardRedeemCodeFetchedOnce(t *testing.T) {
	backend := &stubBackend{
		response: json.RawMessage(`{"message":"ok","statusCode":201,"data":{"id":"gc-1","reference":"GC-REF"}}`),
	}
	s := openFlow(t, backend, GiftCard, nil)
	ctx := context.Background()

	mustInput(t, s, "cardId", "amazon-us")
	if err := s.Input(ctx, "amount", "7,500"); err == nil {
		t.Fatal("expected a denomination outside the card's list to be rejected")
	}
	mustInput(t, s, "amount", "10,000")
	mustInput(t, s, "quantity", "2")
	mustInput(t, s, "recipientEmail", "ada@example.com")
	mustAdvance(t, s)
	if err := s.Submit(ctx, "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	snap := s.Snapshot()
	if snap.Receipt == nil || !snap.Receipt.Amount.Equal(money.FromInt(20000)) {
		t.Fatalf("expected total of 2 cards on receipt, got %+v", snap.Receipt)
	}

	mustAdvance(t, s)
	if err := s.Retreat(); err != nil {
		t.Fatalf("Retreat returned error: %v", err)
	}
	mustAdvance(t, s)

	if len(backend.redeemIDs) != 1 || backend.redeemIDs[0] != "gc-1" {
		t.Fatalf("expected one redeem lookup for gc-1, got %v", backend.redeemIDs)
	}
	if got := s.Snapshot().Resolved["redeemCode"]; got != "AMZN-XXXX-YYYY" {
		t.Fatalf("expected redeem code, got %q", got)
	}
}

func TestChangePINNeverPersistsPINs(t *testing.T) {
	backend := &stubBackend{}
	s := openFlow(t, backend, ChangePIN, nil)
	ctx := context.Background()

	mustInput(t, s, "currentPin", "1234")
	if s.Snapshot().Step != stepNewPIN {
		t.Fatalf("expected auto-advance after PIN check, got %s", s.Snapshot().Step)
	}
	if err := s.Input(ctx, "newPin", "1234"); err == nil {
		t.Fatal("expected new PIN equal to current PIN to be rejected")
	}
	mustInput(t, s, "newPin", "5678")
	if err := s.Input(ctx, "confirmPin", "5670"); err == nil {
		t.Fatal("expected mismatched confirmation to be rejected")
	}
	mustInput(t, s, "confirmPin", "5678")
	mustAdvance(t, s)

	for key := range s.Snapshot().Fields {
		switch key {
		case "currentPin", "newPin", "confirmPin":
			t.Fatalf("snapshot leaked %s", key)
		}
	}

	if err := s.Submit(ctx, "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(backend.pinChanges) != 1 {
		t.Fatalf("expected one PIN change, got %d", len(backend.pinChanges))
	}
	got := backend.pinChanges[0]
	if got.CurrentPIN != "1234" || got.NewPIN != "5678" || got.ConfirmPIN != "5678" {
		t.Fatalf("unexpected change request %+v", got)
	}
}

func TestBreakPlanRequiresParamAndNote(t *testing.T) {
	backend := &stubBackend{}
	reg, err := NewRegistry(backend, catalog.Default())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	flow, _ := reg.Get(BreakPlan)
	if _, err := flow.Open("", nil); !errors.Is(err, wizard.ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}

	s := openFlow(t, backend, BreakPlan, wizard.Fields{"planId": "plan-7"})
	mustInput(t, s, "reason", "Other")
	if err := s.Advance(context.Background()); err == nil {
		t.Fatal("expected a note to be required for other reasons")
	}
	mustInput(t, s, "note", "Relocating abroad")
	mustAdvance(t, s)
	if err := s.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(backend.breaks) != 1 || backend.breakPlanIDs[0] != "plan-7" || backend.breaks[0].Reason != "Relocating abroad" {
		t.Fatalf("unexpected break requests %+v %v", backend.breaks, backend.breakPlanIDs)
	}
}

func TestCardBlockNeedsReason(t *testing.T) {
	backend := &stubBackend{}
	s := openFlow(t, backend, CardAction, wizard.Fields{"cardId": "card-1"})

	mustInput(t, s, "action", "block")
	if err := s.Advance(context.Background()); err == nil {
		t.Fatal("expected a reason to be required when blocking")
	}
	mustInput(t, s, "reason", "Card stolen")
	mustAdvance(t, s)
	if err := s.Submit(context.Background(), "1234"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(backend.cardActions) != 1 || backend.cardActions[0] != "card-1/block" {
		t.Fatalf("unexpected card actions %v", backend.cardActions)
	}
	if r := s.Snapshot().Receipt; r == nil || r.Description != "Card blocked" {
		t.Fatalf("unexpected receipt %+v", r)
	}
}
