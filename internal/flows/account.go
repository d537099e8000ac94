package flows

import (
	"context"
	"encoding/json"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

const (
	stepSelectAction wizard.StepID = "selectAction"
	stepCurrentPIN   wizard.StepID = "currentPin"
	stepNewPIN       wizard.StepID = "newPin"

	pinLength = 4
)

var cardActionLabels = map[string]string{
	"freeze":   "Card frozen",
	"unfreeze": "Card unfrozen",
	"block":    "Card blocked",
}

// NewCardAction builds the freeze/unfreeze/block wizard for the card named by the cardId param.
func NewCardAction(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	isBlock := func(f map[string]string) bool { return f["action"] == "block" }

	return &wizard.Definition[json.RawMessage]{
		Name:        CardAction,
		Title:       "Manage card",
		Description: "Freeze, unfreeze or permanently block a card",
		Steps:       []wizard.StepID{stepSelectAction, stepConfirm, stepResult},
		Params:      []string{"cardId"},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "action", Label: "Action", Step: stepSelectAction, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Action"), validate.OneOf("action", cat.CardActions...)},
				Options: func(wizard.Fields) []string { return cat.CardActions },
			},
			{
				Key: "reason", Label: "Reason", Step: stepSelectAction, Kind: validate.KindText,
				Rules: []validate.Rule{
					validate.RequiredWhen(isBlock, "A reason for blocking"),
					validate.MaxLength(200, "Reason"),
					validate.Printable("Reason"),
				},
			},
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.CardAction(ctx, req.Params["cardId"], req.Fields["action"], backendclient.CardActionRequest{
				Reason: req.Fields["reason"],
				PIN:    req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			desc := cardActionLabels[pc.Fields["action"]]
			if desc == "" {
				desc = "Card updated"
			}
			return project(resp, pc, receipt.Context{
				Type:                "CARD_ACTION",
				CounterpartyName:    pc.User.DisplayName,
				CounterpartyAccount: pc.Params["cardId"],
				Description:         desc,
			})
		},
		FailureTitle: "Card update failed",
	}
}

// NewChangePIN builds the wallet PIN change wizard. The current PIN is checked
// with the backend before a new one can be chosen; the confirm step takes the
// current PIN again as authorization. PIN fields are never persisted.
func NewChangePIN(backend Backend) *wizard.Definition[json.RawMessage] {
	pinRules := func(label string) []validate.Rule {
		return []validate.Rule{validate.Required(label), validate.ExactDigits(pinLength, label)}
	}

	return &wizard.Definition[json.RawMessage]{
		Name:        ChangePIN,
		Title:       "Change PIN",
		Description: "Replace your wallet transaction PIN",
		Steps:       []wizard.StepID{stepCurrentPIN, stepNewPIN, stepConfirm, stepResult},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		PINLength:   pinLength,
		Fields: []wizard.Field{
			{Key: "currentPin", Label: "Current PIN", Step: stepCurrentPIN, Kind: validate.KindDigits, Secret: true, Rules: pinRules("Current PIN")},
			{
				Key: "newPin", Label: "New PIN", Step: stepNewPIN, Kind: validate.KindDigits, Secret: true,
				Rules: append(pinRules("New PIN"), validate.Differs("currentPin", "New PIN must be different from your current PIN")),
			},
			{
				Key: "confirmPin", Label: "Confirm new PIN", Step: stepNewPIN, Kind: validate.KindDigits, Secret: true,
				Rules: append(pinRules("Confirm new PIN"), validate.Matches("newPin", "PINs do not match")),
			},
		},
		Verifier: &wizard.VerifierSpec{
			Step:  stepCurrentPIN,
			Watch: []string{"currentPin"},
			Ready: func(f wizard.Fields) bool {
				return len(f["currentPin"]) == pinLength && validate.IsDigits(f["currentPin"])
			},
			Verify: func(ctx context.Context, req wizard.VerifyRequest) (*wizard.Verification, error) {
				if err := backend.VerifyPIN(ctx, req.Fields["currentPin"]); err != nil {
					return nil, err
				}
				name := req.User.DisplayName
				if name == "" {
					name = "Wallet PIN"
				}
				return &wizard.Verification{VerifiedName: name}, nil
			},
			AutoAdvance:    true,
			Required:       true,
			FailureTitle:   "Unable to verify PIN",
			PendingMessage: "Enter your current PIN to continue",
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			return backend.ChangePIN(ctx, backendclient.ChangePINRequest{
				CurrentPIN: req.PIN,
				NewPIN:     req.Fields["newPin"],
				ConfirmPIN: req.Fields["confirmPin"],
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			return project(resp, pc, receipt.Context{
				Type:             "PIN_CHANGE",
				CounterpartyName: pc.User.DisplayName,
				Description:      "Transaction PIN changed",
			})
		},
		FailureTitle: "PIN change failed",
	}
}
