/**
 * @description
 * This package defines the persistence contracts of the wizard service and their
 * implementations: session snapshots (Redis, or memory for local runs) and
 * committed receipts (PostgreSQL, or memory).
 *
 * @notes
 * - Components depend on the interfaces here, not on a concrete backend.
 * - Snapshots never contain a PIN or secret field; see wizard.Snapshot.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/wizard"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrReceiptNotFound = errors.New("receipt not found")
)

// SessionRecord is a persisted wizard session owned by one user. Revision grows
// by one with every save, whichever instance made it.
type SessionRecord struct {
	Owner    string          `json:"owner"`
	Revision int64           `json:"revision"`
	Snapshot wizard.Snapshot `json:"snapshot"`
	SavedAt  time.Time       `json:"savedAt"`
}

// SessionStore persists session snapshots so a session survives restarts and
// can be served by any instance.
type SessionStore interface {
	Save(ctx context.Context, rec SessionRecord) error
	Load(ctx context.Context, id string) (*SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

// StoredReceipt is a receipt kept for share and print.
type StoredReceipt struct {
	Owner          string          `json:"owner"`
	Flow           string          `json:"flow"`
	SessionID      string          `json:"sessionId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Receipt        receipt.Receipt `json:"receipt"`
	SavedAt        time.Time       `json:"savedAt"`
}

// ReceiptRepository stores receipts of successful commits. Saving the same
// receipt twice is a no-op.
type ReceiptRepository interface {
	SaveReceipt(ctx context.Context, r StoredReceipt) error
	GetReceipt(ctx context.Context, owner, id string) (*StoredReceipt, error)
	ListReceipts(ctx context.Context, owner string, limit int) ([]StoredReceipt, error)
}
