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
	transferValarPay = "valarpay"
	transferBank     = "bank"

	// valarPayBankCode routes wallet-to-wallet transfers.
	valarPayBankCode = "999999"
	accountDigits    = 10
)

const (
	stepSelectType   wizard.StepID = "selectType"
	stepEnterAccount wizard.StepID = "enterAccount"
	stepEnterAmount  wizard.StepID = "enterAmount"
)

// NewSendMoney builds the transfer wizard. The recipient account is resolved by
// name enquiry as soon as ten digits (and a bank, for interbank) are entered.
func NewSendMoney(backend Backend, cat *catalog.Catalog) *wizard.Definition[json.RawMessage] {
	interbank := func(f map[string]string) bool { return f["transferType"] == transferBank }
	bankCode := func(f wizard.Fields) string {
		if f["transferType"] == transferValarPay {
			return valarPayBankCode
		}
		return f["bankCode"]
	}
	otherBanks := func(map[string]string) []string {
		var out []string
		for _, code := range cat.BankCodes() {
			if code != valarPayBankCode {
				out = append(out, code)
			}
		}
		return out
	}
	limits := cat.Transfer

	return &wizard.Definition[json.RawMessage]{
		Name:        SendMoney,
		Title:       "Send money",
		Description: "Transfer to a ValarPay wallet or any Nigerian bank account",
		Steps:       []wizard.StepID{stepSelectType, stepEnterAccount, stepEnterAmount, stepConfirm, stepResult},
		CommitStep:  stepConfirm,
		ResultStep:  stepResult,
		Fields: []wizard.Field{
			{
				Key: "transferType", Label: "Transfer type", Step: stepSelectType, Kind: validate.KindChoice,
				Rules:   []validate.Rule{validate.Required("Transfer type"), validate.OneOf("transfer type", transferValarPay, transferBank)},
				Options: func(wizard.Fields) []string { return []string{transferValarPay, transferBank} },
			},
			{
				Key: "bankCode", Label: "Bank", Step: stepEnterAccount, Kind: validate.KindChoice,
				Rules: []validate.Rule{
					validate.RequiredWhen(interbank, "Bank"),
					validate.OneOfFunc("bank", otherBanks),
				},
				Options: func(f wizard.Fields) []string { return otherBanks(f) },
			},
			{
				Key: "accountNumber", Label: "Account number", Step: stepEnterAccount, Kind: validate.KindDigits,
				Rules: []validate.Rule{validate.Required("Account number"), validate.ExactDigits(accountDigits, "Account number")},
			},
			{
				Key: "amount", Label: "Amount", Step: stepEnterAmount, Kind: validate.KindAmount,
				Rules: []validate.Rule{
					validate.Required("Amount"),
					validate.Amount("Amount"),
					validate.MinAmount(catalog.Naira(limits.Minimum), "transfer amount"),
					validate.MaxAmountFunc(func(map[string]string) (money.Amount, bool) {
						return catalog.Naira(limits.Maximum), limits.Maximum > 0
					}, "transfer amount"),
				},
			},
			{
				Key: "narration", Label: "Narration", Step: stepEnterAmount, Kind: validate.KindText,
				Rules: []validate.Rule{validate.MaxLength(100, "Narration"), validate.Printable("Narration")},
			},
		},
		Verifier: &wizard.VerifierSpec{
			Step:  stepEnterAccount,
			Watch: []string{"transferType", "bankCode", "accountNumber"},
			Ready: func(f wizard.Fields) bool {
				return validate.IsDigits(f["accountNumber"]) && len(f["accountNumber"]) == accountDigits && bankCode(f) != ""
			},
			Verify: func(ctx context.Context, req wizard.VerifyRequest) (*wizard.Verification, error) {
				details, err := backend.VerifyAccount(ctx, backendclient.VerifyAccountRequest{
					AccountNumber: req.Fields["accountNumber"],
					BankCode:      bankCode(req.Fields),
				})
				if err != nil {
					return nil, err
				}
				bankName := details.BankName
				if bankName == "" {
					bankName, _ = cat.BankName(bankCode(req.Fields))
				}
				return &wizard.Verification{
					VerifiedName: details.AccountName,
					SessionToken: details.SessionID,
					ResolvedMetadata: map[string]any{
						"bankName": bankName,
						"bankCode": bankCode(req.Fields),
					},
				}, nil
			},
			AutoAdvance:    true,
			Required:       true,
			FailureTitle:   "Unable to verify account",
			PendingMessage: "Verify the account number before you continue",
		},
		Commit: func(ctx context.Context, req wizard.CommitRequest) (json.RawMessage, error) {
			name, session := verified(req.Verification)
			return backend.Transfer(ctx, backendclient.TransferRequest{
				AccountNumber: req.Fields["accountNumber"],
				BankCode:      bankCode(req.Fields),
				AccountName:   name,
				Amount:        req.Fields.Amount("amount"),
				Narration:     req.Fields["narration"],
				TransferType:  req.Fields["transferType"],
				SessionID:     session,
				PIN:           req.PIN,
			}, req.IdempotencyKey)
		},
		Project: func(resp json.RawMessage, pc wizard.ProjectContext) receipt.Receipt {
			name, _ := verified(pc.Verification)
			return project(resp, pc, receipt.Context{
				Type:                "TRANSFER",
				CounterpartyName:    name,
				Amount:              pc.Fields.Amount("amount"),
				CounterpartyAccount: pc.Fields["accountNumber"],
				Description:         pc.Fields["narration"],
			})
		},
		FailureTitle: "Transfer failed",
	}
}
