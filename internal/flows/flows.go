/**
 * @description
 * This package declares the concrete ValarPay wizards on top of the generic
 * engine in internal/wizard. Each flow supplies only its step list, field
 * schema and the verify/commit hooks; sequencing and error handling are shared.
 *
 * @notes
 * - Product limits (plan minimums, denominations, billers) come from the catalog.
 * - Hooks talk to the backend through the Backend interface so tests can stub it.
 *
 * @dependencies
 * - internal/wizard: the step-wizard engine.
 * - internal/catalog: product limits and option lists.
 * - pkg/backendclient: request/response types of the ValarPay backend.
 */
package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

// Flow names exposed to clients.
const (
	SendMoney       = "send_money"
	FixedDeposit    = "fixed_deposit"
	Investment      = "investment"
	GiftCard        = "gift_card"
	BillEducation   = "bill_education"
	BillBetting     = "bill_betting"
	BillElectricity = "bill_electricity"
	BillCable       = "bill_cable"
	BreakPlan       = "break_plan"
	CardAction      = "card_action"
	ChangePIN       = "change_pin"
)

// Shared step ids.
const (
	stepConfirm wizard.StepID = "confirm"
	stepResult  wizard.StepID = "result"
)

// Backend is the subset of the ValarPay backend the flows call.
// *backendclient.Client satisfies it.
type Backend interface {
	VerifyAccount(ctx context.Context, req backendclient.VerifyAccountRequest) (*backendclient.AccountDetails, error)
	Transfer(ctx context.Context, req backendclient.TransferRequest, idempotencyKey string) (json.RawMessage, error)
	CreateFixedDeposit(ctx context.Context, req backendclient.FixedDepositRequest, idempotencyKey string) (json.RawMessage, error)
	CreateInvestment(ctx context.Context, req backendclient.InvestmentRequest, idempotencyKey string) (json.RawMessage, error)
	PurchaseGiftCard(ctx context.Context, req backendclient.GiftCardPurchaseRequest, idempotencyKey string) (json.RawMessage, error)
	GiftCardRedeemCode(ctx context.Context, purchaseID string) (*backendclient.RedeemCode, error)
	ValidateBillCustomer(ctx context.Context, req backendclient.BillCustomerRequest) (*backendclient.BillCustomer, error)
	PayBill(ctx context.Context, req backendclient.BillPaymentRequest, idempotencyKey string) (json.RawMessage, error)
	BreakPlan(ctx context.Context, planID string, req backendclient.BreakPlanRequest, idempotencyKey string) (json.RawMessage, error)
	CardAction(ctx context.Context, cardID, action string, req backendclient.CardActionRequest, idempotencyKey string) (json.RawMessage, error)
	VerifyPIN(ctx context.Context, pin string) error
	ChangePIN(ctx context.Context, req backendclient.ChangePINRequest, idempotencyKey string) (json.RawMessage, error)
}

var _ Backend = (*backendclient.Client)(nil)

// Registry holds every flow by name.
type Registry struct {
	flows map[string]wizard.Flow
}

// NewRegistry builds and validates all flows.
func NewRegistry(backend Backend, cat *catalog.Catalog) (*Registry, error) {
	if backend == nil || cat == nil {
		return nil, fmt.Errorf("flows: backend and catalog are required")
	}
	all := []wizard.Flow{
		NewSendMoney(backend, cat),
		NewFixedDeposit(backend, cat),
		NewInvestment(backend, cat),
		NewGiftCard(backend, cat),
		NewBillPayment(BillEducation, catalog.CategoryEducation, backend, cat),
		NewBillPayment(BillBetting, catalog.CategoryBetting, backend, cat),
		NewBillPayment(BillElectricity, catalog.CategoryElectricity, backend, cat),
		NewBillPayment(BillCable, catalog.CategoryCable, backend, cat),
		NewBreakPlan(backend, cat),
		NewCardAction(backend, cat),
		NewChangePIN(backend),
	}

	r := &Registry{flows: make(map[string]wizard.Flow, len(all))}
	for _, f := range all {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a flow after validating its definition.
func (r *Registry) Register(f wizard.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if _, dup := r.flows[f.FlowName()]; dup {
		return fmt.Errorf("flows: duplicate flow %q", f.FlowName())
	}
	r.flows[f.FlowName()] = f
	return nil
}

func (r *Registry) Get(name string) (wizard.Flow, bool) {
	f, ok := r.flows[name]
	return f, ok
}

// List describes every flow, sorted by name.
func (r *Registry) List() []wizard.Descriptor {
	out := make([]wizard.Descriptor, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// project projects a raw commit response with the local context filled in.
func project(resp json.RawMessage, pc wizard.ProjectContext, c receipt.Context) receipt.Receipt {
	c.SubmittedAt = pc.SubmittedAt
	return receipt.Project(resp, c)
}

// verified returns the resolved name and session token, empty when unverified.
func verified(v *wizard.Verification) (name, token string) {
	if v == nil {
		return "", ""
	}
	return v.VerifiedName, v.SessionToken
}

func yesNo(v string) bool { return v == "yes" }

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
