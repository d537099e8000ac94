package backendclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/valarpay/wizard-service/internal/money"
)

const (
	pathVerifyAccount    = "/transfers/verify-account"
	pathTransfers        = "/transfers"
	pathFixedDeposits    = "/savings/fixed-deposits"
	pathInvestments      = "/investments"
	pathGiftCardPurchase = "/gift-cards/purchase"
	pathValidateCustomer = "/bills/validate-customer"
	pathPayBill          = "/bills/pay"
	pathVerifyPIN        = "/wallet/verify-pin"
	pathChangePIN        = "/wallet/change-pin"
	pathWalletBalance    = "/wallet/balance"
)

type VerifyAccountRequest struct {
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
}

type AccountDetails struct {
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
	BankName      string `json:"bankName"`
	SessionID     string `json:"sessionId"`
}

// VerifyAccount resolves an account number to its holder's name.
func (c *Client) VerifyAccount(ctx context.Context, req VerifyAccountRequest) (*AccountDetails, error) {
	body, err := c.do(ctx, http.MethodPost, pathVerifyAccount, req, "")
	if err != nil {
		return nil, err
	}
	var out AccountDetails
	if err := decodeData(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type TransferRequest struct {
	AccountNumber string       `json:"accountNumber"`
	BankCode      string       `json:"bankCode"`
	AccountName   string       `json:"accountName"`
	Amount        money.Amount `json:"amount"`
	Narration     string       `json:"narration,omitempty"`
	TransferType  string       `json:"transferType"`
	SessionID     string       `json:"sessionId,omitempty"`
	PIN           string       `json:"pin"`
}

// Transfer sends money and returns the raw response body.
func (c *Client) Transfer(ctx context.Context, req TransferRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathTransfers, req, idempotencyKey)
}

type FixedDepositRequest struct {
	PlanID    string       `json:"planId"`
	Amount    money.Amount `json:"amount"`
	AutoRenew bool         `json:"autoRenew"`
	PIN       string       `json:"pin"`
}

func (c *Client) CreateFixedDeposit(ctx context.Context, req FixedDepositRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathFixedDeposits, req, idempotencyKey)
}

type InvestmentRequest struct {
	ProductID string       `json:"productId"`
	Amount    money.Amount `json:"amount"`
	PIN       string       `json:"pin"`
}

func (c *Client) CreateInvestment(ctx context.Context, req InvestmentRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathInvestments, req, idempotencyKey)
}

type GiftCardPurchaseRequest struct {
	CardID         string       `json:"cardId"`
	Amount         money.Amount `json:"amount"`
	Quantity       int          `json:"quantity"`
	RecipientEmail string       `json:"recipientEmail"`
	PIN            string       `json:"pin"`
}

func (c *Client) PurchaseGiftCard(ctx context.Context, req GiftCardPurchaseRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathGiftCardPurchase, req, idempotencyKey)
}

type RedeemCode struct {
	Code      string    `json:"code"`
	PIN       string    `json:"pin,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// GiftCardRedeemCode fetches the redeem code of a purchased gift card. It is read-only.
func (c *Client) GiftCardRedeemCode(ctx context.Context, purchaseID string) (*RedeemCode, error) {
	path := fmt.Sprintf("/gift-cards/%s/redeem-code", url.PathEscape(purchaseID))
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var out RedeemCode
	if err := decodeData(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type BillCustomerRequest struct {
	Category   string `json:"category"`
	BillerID   string `json:"billerId"`
	ItemCode   string `json:"itemCode,omitempty"`
	CustomerID string `json:"customerId"`
}

type BillCustomer struct {
	CustomerName string          `json:"customerName"`
	CustomerID   string          `json:"customerId"`
	Address      string          `json:"address,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// ValidateBillCustomer resolves a biller customer id.
func (c *Client) ValidateBillCustomer(ctx context.Context, req BillCustomerRequest) (*BillCustomer, error) {
	body, err := c.do(ctx, http.MethodPost, pathValidateCustomer, req, "")
	if err != nil {
		return nil, err
	}
	var out BillCustomer
	if err := decodeData(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type BillPaymentRequest struct {
	Category      string       `json:"category"`
	BillerID      string       `json:"billerId"`
	ItemCode      string       `json:"itemCode,omitempty"`
	CustomerID    string       `json:"customerId"`
	Amount        money.Amount `json:"amount"`
	Phone         string       `json:"phone,omitempty"`
	ValidationRef string       `json:"validationReference,omitempty"`
	PIN           string       `json:"pin"`
}

func (c *Client) PayBill(ctx context.Context, req BillPaymentRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathPayBill, req, idempotencyKey)
}

type BreakPlanRequest struct {
	Reason string `json:"reason"`
	PIN    string `json:"pin"`
}

func (c *Client) BreakPlan(ctx context.Context, planID string, req BreakPlanRequest, idempotencyKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/savings/plans/%s/break", url.PathEscape(planID))
	return c.do(ctx, http.MethodPost, path, req, idempotencyKey)
}

type CardActionRequest struct {
	Reason string `json:"reason,omitempty"`
	PIN    string `json:"pin"`
}

func (c *Client) CardAction(ctx context.Context, cardID, action string, req CardActionRequest, idempotencyKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/cards/%s/%s", url.PathEscape(cardID), url.PathEscape(action))
	return c.do(ctx, http.MethodPost, path, req, idempotencyKey)
}

// VerifyPIN checks the wallet PIN without moving money.
func (c *Client) VerifyPIN(ctx context.Context, pin string) error {
	_, err := c.do(ctx, http.MethodPost, pathVerifyPIN, map[string]string{"pin": pin}, "")
	return err
}

type ChangePINRequest struct {
	CurrentPIN string `json:"currentPin"`
	NewPIN     string `json:"newPin"`
	ConfirmPIN string `json:"confirmPin"`
}

func (c *Client) ChangePIN(ctx context.Context, req ChangePINRequest, idempotencyKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, pathChangePIN, req, idempotencyKey)
}

type Wallet struct {
	AccountName      string       `json:"accountName"`
	AccountNumber    string       `json:"accountNumber"`
	AvailableBalance money.Amount `json:"availableBalance"`
	Currency         string       `json:"currency"`
}

// WalletBalance fetches the signed-in user's wallet.
func (c *Client) WalletBalance(ctx context.Context) (*Wallet, error) {
	body, err := c.do(ctx, http.MethodGet, pathWalletBalance, nil, "")
	if err != nil {
		return nil, err
	}
	var out Wallet
	if err := decodeData(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
