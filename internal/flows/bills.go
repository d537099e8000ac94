package flows

import (
	"context"
	"encoding/json"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

const (
	stepSelectBiller wizard.StepID = "selectBiller"
	stepBillDetails  wizard.StepID = "details"

	minCustomerIDLength = 6
)

var billTitles = map[string]string{
	catalog.CategoryEducation:   "Pay for education",
	catalog.CategoryBetting:     "Fund betting wallet",
	catalog.CategoryElectricity: "Buy electricity",
	catalog.CategoryCable:       "Pay for cable TV",
}

// NewBillPayment builds a bill payment wizard for one biller category. The
// customer id is validated with the biller before the payment can be confirmed.
// Items with a fixed price override the entered amount.
func NewBillPayment(name, category string, backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	biller := func(f map[string]string) (catalog.Biller, bool) {
		b, err := cat.Biller(category, f["billerId"])
		return b, err == nil
	}
	item := func(f map[string]string) (catalog.BillerItem, bool) {
		b, ok := biller(f)
		if !ok {
			return catalog.BillerItem{}, false
		}
		return b.Item(f["itemCode"])
	}
	hasItems := func(f map[string]string) bool {
		b, ok := biller(f)
		return ok && len(b.Items) > 0
	}
	fixedPrice := func(f map[string]string) (money.Amount, bool) {
		it, ok := item(f)
		if !ok || it.Amount <= 0 {
			return money.Amount{}, false
		}
		return catalog.Naira(it.Amount), true
	}
	openPrice := func(f map[string]string) bool {
		_, fixed := fixedPrice(f)
		return !fixed
	}
	billerMinimum := func(f map[string]string) (money.Amount, bool) {
		b, ok := biller(f)
		if !ok || b.Minimum <= 0 {
			return money.Amount{}, false
		}
		return catalog.Naira(b.Minimum), true
	}
	itemCodes := func(f map[string]string) []string {
		b, ok := biller(f)
		if !ok {
			return nil
		}
		return b.ItemCodes()
	}
	amount := func(f wizard.Fields) money.Amount {
		if price, ok := fixedPrice(f); ok {
			return price
		}
		return f.Amount("amount")
	}
	customerReady := func(f wizard.Fields) bool {
		return len(f["customerId"]) >= minCustomerIDLength && f["billerId"] != "" && (!hasItems(f) || f["itemCode"] != "")
	}

	title := billTitles[category]
	if title == "" {
		title = "Pay a bill"
	}

	return &wizard.Definition[json.RawMessage]{
		Name:        name,
		Title:       title,
		Description: "Validate the customer with the biller, then pay from your wallet",
		Steps:       []wizard.StepID{stepSelectBiller, stepBillDetails, stepConfirm, stepResult},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "billerId", Label: "Biller", Step: stepSelectBiller, Kind: validate.KindChoice,
				Rules: []validate.Rule{
					validate.Required("Biller"),
					validate.OneOfFunc("biller", func(map[string]string) []string { return cat.BillerIDs(category) }),
				},
				Options: func(wizard.Fields) []string { return cat.BillerIDs(category) },
			},
			{
				Key: "itemCode", Label: "Package", Step: stepSelectBiller, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.RequiredWhen(hasItems, "Package"), validate.OneOfFunc("package", itemCodes)},
				Options: func(f wizard.Fields) []string { return itemCodes(f) },
			},
			{
				Key: "customerId", Label: "Customer ID", Step: stepBillDetails, Kind: validate.KindDigits,
				Rules: []validate.Rule{validate.Required("Customer ID"), validate.MinLength(minCustomerIDLength, "Customer ID")},
			},
			{
				Key: "amount", Label: "Amount", Step: stepBillDetails, Kind: validate.KindAmount,
				Rules: []validate.Rule{
					validate.RequiredWhen(openPrice, "Amount"),
					validate.Amount("Amount"),
					validate.MinAmountFunc(billerMinimum, "amount"),
				},
			},
			{
				Key: "phone", Label: "Phone number", Step: stepBillDetails, Kind: validate.KindDigits,
				Rules: []validate.Rule{validate.ExactDigits(11, "Phone number")},
			},
		},
		Verifier: &wizard.VerifierSpec{
			Step:  stepBillDetails,
			Watch: []string{"billerId", "itemCode", "customerId"},
			Ready: customerReady,
			Verify: func(ctx context.Context, req wizard.VerifyRequest) (*wizard.Verification, error) {
				customer, err := backend.ValidateBillCustomer(ctx, backendclient.BillCustomerRequest{
					Category:   category,
					BillerID:   req.Fields["billerId"],
					ItemCode:   req.Fields["itemCode"],
					CustomerID: req.Fields["customerId"],
				})
				if err != nil {
					return nil, err
				}
				v := &wizard.Verification{VerifiedName: customer.CustomerName, SessionToken: customer.Reference}
				if customer.Address != "" {
					v.ResolvedMetadata = map[string]any{"address": customer.Address}
				}
				return v, nil
			},
			Required:       true,
			FailureTitle:   "Unable to verify customer",
			PendingMessage: "Verify the customer before you continue",
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			_, ref := verified(req.Verification)
			return backend.PayBill(ctx, backendclient.BillPaymentRequest{
				Category:      category,
				BillerID:      req.Fields["billerId"],
				ItemCode:      req.Fields["itemCode"],
				CustomerID:    req.Fields["customerId"],
				Amount:        amount(req.Fields),
				Phone:         req.Fields["phone"],
				ValidationRef: ref,
				PIN:           req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			name, _ := verified(pc.Verification)
			c := receipt.Context{
				Type:                "BILL_PAYMENT",
				Amount:              amount(pc.Fields),
				CounterpartyName:    name,
				CounterpartyAccount: pc.Fields["customerId"],
			}
			if b, ok := biller(pc.Fields); ok {
				c.Description = b.Name
				if it, ok := b.Item(pc.Fields["itemCode"]); ok {
					c.Description = b.Name + " " + it.Name
				}
			}
			return project(resp, pc, c)
		},
		FailureTitle: "Bill payment failed",
	}
}
