/**
 * @description
 * This package normalises heterogeneous backend success payloads into one receipt
 * shape used for display, sharing and printing.
 *
 * @notes
 * - Project is total: any payload (object, nested object, scalar, nil, malformed JSON)
 *   yields a receipt with a non-empty ID and reference.
 * - Locally known context fills gaps the backend leaves.
 *
 * @dependencies
 * - internal/money: amounts and currency display.
 */
package receipt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valarpay/wizard-service/internal/money"
)

// Status is the normalised outcome of a committed operation.
type Status string

const (
	StatusSuccessful Status = "SUCCESSFUL"
	StatusPending    Status = "PENDING"
	StatusFailed     Status = "FAILED"
)

// Receipt is the read-only summary of a completed operation.
type Receipt struct {
	ID                  string       `json:"id"`
	Type                string       `json:"type"`
	Status              Status       `json:"status"`
	Amount              money.Amount `json:"amount"`
	Currency            string       `json:"currency"`
	Reference           string       `json:"reference"`
	CreatedAt           time.Time    `json:"createdAt"`
	CounterpartyName    string       `json:"counterpartyName,omitempty"`
	CounterpartyAccount string       `json:"counterpartyAccount,omitempty"`
	Description         string       `json:"description,omitempty"`
}

// Context is what the wizard knows locally about the submitted operation.
type Context struct {
	Type                string
	Amount              money.Amount
	CounterpartyName    string
	CounterpartyAccount string
	Description         string
	SubmittedAt         time.Time
}

var (
	idKeys          = []string{"id", "transactionId", "transaction_id", "_id"}
	referenceKeys   = []string{"reference", "transactionRef", "transactionReference", "transaction_reference", "ref", "paymentReference"}
	statusKeys      = []string{"status", "transactionStatus", "state"}
	amountKeys      = []string{"amount", "amountPaid", "principal"}
	currencyKeys    = []string{"currency"}
	createdAtKeys   = []string{"createdAt", "created_at", "date", "timestamp"}
	counterNameKeys = []string{"counterpartyName", "recipientName", "accountName", "beneficiaryName", "customerName"}
	counterAcctKeys = []string{"counterpartyAccount", "accountNumber", "recipientAccount", "customerId", "meterNumber"}
	descriptionKeys = []string{"description", "narration", "remark", "reason"}
	nestedKeys      = []string{"transaction", "receipt", "payment"}
)

// FallbackReference synthesises a reference from the operation type and submission time.
func FallbackReference(kind string, at time.Time) string {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind == "" {
		kind = "TXN"
	}
	return fmt.Sprintf("%s-%d", kind, at.UnixMilli())
}

// Project maps payload and local context into a Receipt. It never panics.
func Project(payload any, c Context) Receipt {
	layers := objectLayers(payload)

	r := Receipt{
		Type:                strings.ToUpper(strings.TrimSpace(c.Type)),
		Amount:              c.Amount,
		Currency:            money.Currency,
		CreatedAt:           c.SubmittedAt,
		CounterpartyName:    c.CounterpartyName,
		CounterpartyAccount: c.CounterpartyAccount,
		Description:         c.Description,
	}
	if r.Type == "" {
		r.Type = "TXN"
	}

	r.Reference = lookupString(layers, referenceKeys)
	if r.Reference == "" {
		r.Reference = FallbackReference(r.Type, c.SubmittedAt)
	}
	r.ID = lookupString(layers, idKeys)
	if r.ID == "" {
		r.ID = r.Reference
	}
	r.Status = NormalizeStatus(lookupString(layers, statusKeys))

	if amount, ok := lookupAmount(layers, amountKeys); ok {
		r.Amount = amount
	}
	if currency := lookupString(layers, currencyKeys); currency != "" {
		r.Currency = strings.ToUpper(currency)
	}
	if created, ok := lookupTime(layers, createdAtKeys); ok {
		r.CreatedAt = created
	}
	if name := lookupString(layers, counterNameKeys); name != "" {
		r.CounterpartyName = name
	}
	if acct := lookupString(layers, counterAcctKeys); acct != "" {
		r.CounterpartyAccount = acct
	}
	if desc := lookupString(layers, descriptionKeys); desc != "" {
		r.Description = desc
	}
	return r
}

// NormalizeStatus maps backend status vocabularies onto SUCCESSFUL, PENDING and FAILED.
// An absent status means the commit succeeded; an unrecognised one is reported as pending.
func NormalizeStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "":
		return StatusSuccessful
	case "SUCCESS", "SUCCESSFUL", "SUCCEEDED", "COMPLETED", "COMPLETE", "APPROVED", "PAID", "OK", "ACTIVE":
		return StatusSuccessful
	case "FAILED", "FAILURE", "FAIL", "DECLINED", "REVERSED", "ERROR", "CANCELLED", "CANCELED", "REJECTED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// objectLayers returns the candidate objects to search, most specific first.
func objectLayers(payload any) []map[string]any {
	root := decode(payload)
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}

	var layers []map[string]any
	if data, ok := obj["data"].(map[string]any); ok {
		for _, key := range nestedKeys {
			if nested, ok := data[key].(map[string]any); ok {
				layers = append(layers, nested)
			}
		}
		layers = append(layers, data)
	}
	for _, key := range nestedKeys {
		if nested, ok := obj[key].(map[string]any); ok {
			layers = append(layers, nested)
		}
	}
	return append(layers, obj)
}

func decode(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return decodeBytes(v)
	case []byte:
		return decodeBytes(v)
	case string:
		return decodeBytes([]byte(v))
	case map[string]any:
		return v
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return decodeBytes(body)
	}
}

func decodeBytes(body []byte) any {
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	return out
}

func lookup(layers []map[string]any, keys []string) (any, bool) {
	for _, layer := range layers {
		for _, key := range keys {
			if v, ok := layer[key]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupString(layers []map[string]any, keys []string) string {
	for _, layer := range layers {
		for _, key := range keys {
			if s := scalarString(layer[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func lookupAmount(layers []map[string]any, keys []string) (money.Amount, bool) {
	v, ok := lookup(layers, keys)
	if !ok {
		return money.Zero, false
	}
	switch t := v.(type) {
	case float64:
		return money.FromDecimal(decimal.NewFromFloat(t)), true
	case string:
		a, err := money.Parse(t)
		if err != nil {
			return money.Zero, false
		}
		return a, true
	default:
		return money.Zero, false
	}
}

func lookupTime(layers []map[string]any, keys []string) (time.Time, bool) {
	v, ok := lookup(layers, keys)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		if t > 0 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// ShareText renders the receipt for copy/share.
func (r Receipt) ShareText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ValarPay %s receipt\n", strings.ReplaceAll(r.Type, "_", " "))
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	fmt.Fprintf(&b, "Amount: %s\n", r.Amount.Display())
	if r.CounterpartyName != "" {
		fmt.Fprintf(&b, "To: %s", r.CounterpartyName)
		if r.CounterpartyAccount != "" {
			fmt.Fprintf(&b, " (%s)", r.CounterpartyAccount)
		}
		b.WriteString("\n")
	}
	if r.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", r.Description)
	}
	fmt.Fprintf(&b, "Reference: %s\n", r.Reference)
	fmt.Fprintf(&b, "Date: %s", r.CreatedAt.Format("02 Jan 2006, 15:04"))
	return b.String()
}
