package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

const (
	stepGiftCardForm wizard.StepID = "form"
	stepRedeem       wizard.StepID = "redeem"

	maxGiftCardQuantity = 10
)

// NewGiftCard builds the gift card purchase wizard. After the purchase the
// redeem step fetches the card's code once.
func NewGiftCard(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	denominations := func(f map[string]string) []string {
		card, err := cat.GiftCard(f["cardId"])
		if err != nil {
			return nil
		}
		return card.DenominationOptions()
	}
	quantity := func(f wizard.Fields) int { return atoiOr(f["quantity"], 1) }

	return &wizard.Definition[json.RawMessage]{
		Name:        GiftCard,
		Title:       "Buy a gift card",
		Description: "Purchase a gift card and send it to any email address",
		Steps:       []wizard.StepID{stepGiftCardForm, stepConfirm, stepResult, stepRedeem},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "cardId", Label: "Gift card", Step: stepGiftCardForm, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Gift card"), validate.OneOfFunc("gift card", func(map[string]string) []string { return cat.GiftCardIDs() })},
				Options: func(wizard.Fields) []string { return cat.GiftCardIDs() },
			},
			{
				Key: "amount", Label: "Denomination", Step: stepGiftCardForm, Kind: validate.KindAmount,
				Rules:   []validate.Rule{validate.Required("Denomination"), validate.OneOfFunc("denomination", denominations)},
				Options: func(f wizard.Fields) []string { return denominations(f) },
			},
			{
				Key: "quantity", Label: "Quantity", Step: stepGiftCardForm, Kind: validate.KindDigits,
				Rules: []validate.Rule{validate.Required("Quantity"), validate.IntRange(1, maxGiftCardQuantity, "Quantity")},
			},
			{
				Key: "recipientEmail", Label: "Recipient email", Step: stepGiftCardForm, Kind: validate.KindText,
				Rules: []validate.Rule{validate.Required("Recipient email"), validate.Email("Recipient email")},
			},
		},
		SecretResolved: []string{"redeemCode", "redeemPin"},
		Enter: map[wizard.StepID]wizard.EnterHook{
			stepRedeem: func(ctx context.Context, req wizard.EnterRequest) (wizard.Fields, error) {
				if req.Receipt == nil {
					return nil, fmt.Errorf("gift card: no purchase to redeem")
				}
				code, err := backend.GiftCardRedeemCode(ctx, req.Receipt.ID)
				if err != nil {
					return nil, err
				}
				out := wizard.Fields{"redeemCode": code.Code}
				if code.PIN != "" {
					out["redeemPin"] = code.PIN
				}
				if !code.ExpiresAt.IsZero() {
					out["expiresAt"] = code.ExpiresAt.Format(time.RFC3339)
				}
				return out, nil
			},
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.PurchaseGiftCard(ctx, backendclient.GiftCardPurchaseRequest{
				CardID:         req.Fields["cardId"],
				Amount:         req.Fields.Amount("amount"),
				Quantity:       quantity(req.Fields),
				RecipientEmail: req.Fields["recipientEmail"],
				PIN:            req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			qty := quantity(pc.Fields)
			c := receipt.Context{
				Type:                "GIFT_CARD",
				Amount:              pc.Fields.Amount("amount").Mul(int64(qty)),
				CounterpartyAccount: pc.Fields["recipientEmail"],
			}
			if card, err := cat.GiftCard(pc.Fields["cardId"]); err == nil {
				c.CounterpartyName = card.Name
				c.Description = fmt.Sprintf("%d x %s %s", qty, card.Name, pc.Fields.Amount("amount").Display())
			}
			return project(resp, pc, c)
		},
		FailureTitle: "Gift card purchase failed",
	}
}
