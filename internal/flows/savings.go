package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

const (
	stepSelectPlan    wizard.StepID = "selectPlan"
	stepSelectProduct wizard.StepID = "selectProduct"
	stepReason        wizard.StepID = "reason"
)

const otherReason = "Other"

// NewFixedDeposit builds the fixed deposit wizard. The minimum amount follows the selected plan.
func NewFixedDeposit(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	planMinimum := func(f map[string]string) (money.Amount, bool) {
		plan, err := cat.Plan(f["planId"])
		if err != nil {
			return money.Amount{}, false
		}
		return catalog.Naira(plan.Minimum), true
	}

	return &wizard.Definition[json.RawMessage]{
		Name:        FixedDeposit,
		Title:       "Fixed deposit",
		Description: "Lock funds for a fixed tenor at a guaranteed rate",
		Steps:       []wizard.StepID{stepSelectPlan, stepEnterAmount, stepConfirm, stepResult},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "planId", Label: "Plan", Step: stepSelectPlan, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Plan"), validate.OneOfFunc("plan", func(map[string]string) []string { return cat.PlanIDs() })},
				Options: func(wizard.Fields) []string { return cat.PlanIDs() },
			},
			{
				Key: "autoRenew", Label: "Auto-renew at maturity", Step: stepSelectPlan, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.OneOf("auto-renew option", "yes", "no")},
				Options: func(wizard.Fields) []string { return []string{"yes", "no"} },
			},
			{
				Key: "amount", Label: "Amount", Step: stepEnterAmount, Kind: validate.KindAmount,
				Rules: []validate.Rule{
					validate.Required("Amount"),
					validate.Amount("Amount"),
					validate.MinAmountFunc(planMinimum, "deposit"),
				},
			},
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.CreateFixedDeposit(ctx, backendclient.FixedDepositRequest{
				PlanID:    req.Fields["planId"],
				Amount:    req.Fields.Amount("amount"),
				AutoRenew: yesNo(req.Fields["autoRenew"]),
				PIN:       req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			c := receipt.Context{Type: "FIXED_DEPOSIT", Amount: pc.Fields.Amount("amount")}
			if plan, err := cat.Plan(pc.Fields["planId"]); err == nil {
				c.CounterpartyName = plan.Name
				c.Description = fmt.Sprintf("%d-day plan at %g%% p.a.", plan.TenorDays, plan.RatePercent)
			}
			return project(resp, pc, c)
		},
		FailureTitle: "Fixed deposit failed",
	}
}

// NewInvestment builds the investment wizard with per-product minimum and maximum.
func NewInvestment(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	productMinimum := func(f map[string]string) (money.Amount, bool) {
		p, err := cat.Product(f["productId"])
		if err != nil {
			return money.Amount{}, false
		}
		return catalog.Naira(p.Minimum), true
	}
	productMaximum := func(f map[string]string) (money.Amount, bool) {
		p, err := cat.Product(f["productId"])
		if err != nil || p.Maximum <= 0 {
			return money.Amount{}, false
		}
		return catalog.Naira(p.Maximum), true
	}

	return &wizard.Definition[json.RawMessage]{
		Name:        Investment,
		Title:       "Invest",
		Description: "Buy into a treasury bill, money market or dollar note product",
		Steps:       []wizard.StepID{stepSelectProduct, stepEnterAmount, stepConfirm, stepResult},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "productId", Label: "Product", Step: stepSelectProduct, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Product"), validate.OneOfFunc("product", func(map[string]string) []string { return cat.ProductIDs() })},
				Options: func(wizard.Fields) []string { return cat.ProductIDs() },
			},
			{
				Key: "amount", Label: "Amount", Step: stepEnterAmount, Kind: validate.KindAmount,
				Rules: []validate.Rule{
					validate.Required("Amount"),
					validate.Amount("Amount"),
					validate.MinAmountFunc(productMinimum, "investment"),
					validate.MaxAmountFunc(productMaximum, "investment"),
				},
			},
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.CreateInvestment(ctx, backendclient.InvestmentRequest{
				ProductID: req.Fields["productId"],
				Amount:    req.Fields.Amount("amount"),
				PIN:       req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			c := receipt.Context{Type: "INVESTMENT", Amount: pc.Fields.Amount("amount")}
			if p, err := cat.Product(pc.Fields["productId"]); err == nil {
				c.CounterpartyName = p.Name
				c.Description = fmt.Sprintf("%s at %g%% p.a.", p.Name, p.RatePercent)
			}
			return project(resp, pc, c)
		},
		FailureTitle: "Investment failed",
	}
}

// NewBreakPlan builds the early liquidation wizard for the savings plan named by the planId param.
func NewBreakPlan(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	isOther := func(f map[string]string) bool { return f["reason"] == otherReason }
	reason := func(f wizard.Fields) string {
		if f["reason"] == otherReason && f["note"] != "" {
			return f["note"]
		}
		return f["reason"]
	}

	return &wizard.Definition[json.RawMessage]{
		Name:        BreakPlan,
		Title:       "Break plan",
		Description: "Liquidate a savings plan before maturity",
		Steps:       []wizard.StepID{stepReason, stepConfirm, stepResult},
		Params:      []string{"planId"},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "reason", Label: "Reason", Step: stepReason, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Reason"), validate.OneOf("reason", cat.BreakReasons...)},
				Options: func(wizard.Fields) []string { return cat.BreakReasons },
			},
			{
				Key: "note", Label: "Tell us more", Step: stepReason, Kind: validate.KindText,
				Rules: []validate.Rule{
					validate.RequiredWhen(isOther, "A short note"),
					validate.MaxLength(200, "Note"),
					validate.Printable("Note"),
				},
			},
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.BreakPlan(ctx, req.Params["planId"], backendclient.BreakPlanRequest{
				Reason: reason(req.Fields),
				PIN:    req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			return project(resp, pc, receipt.Context{
				Type:                "PLAN_LIQUIDATION",
				CounterpartyName:    pc.User.DisplayName,
				CounterpartyAccount: pc.Params["planId"],
				Description:         reason(pc.Fields),
			})
		},
		FailureTitle: "Unable to break plan",
	}
}
