package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/receipt"
)

const receiptsSchema = `
CREATE TABLE IF NOT EXISTS wizard_receipts (
    id                   TEXT        NOT NULL,
    owner_id             TEXT        NOT NULL,
    flow                 TEXT        NOT NULL,
    session_id           TEXT        NOT NULL,
    idempotency_key      TEXT        NOT NULL,
    type                 TEXT        NOT NULL,
    status               TEXT        NOT NULL,
    amount               NUMERIC(20,2) NOT NULL DEFAULT 0,
    currency             TEXT        NOT NULL,
    reference            TEXT        NOT NULL,
    counterparty_name    TEXT        NOT NULL DEFAULT '',
    counterparty_account TEXT        NOT NULL DEFAULT '',
    description          TEXT        NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL,
    saved_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (owner_id, id)
);
CREATE INDEX IF NOT EXISTS idx_wizard_receipts_owner_created ON wizard_receipts (owner_id, created_at DESC);
`

// PostgresReceiptRepository is the PostgreSQL implementation of ReceiptRepository.
type PostgresReceiptRepository struct {
	db *pgxpool.Pool
}

func NewPostgresReceiptRepository(db *pgxpool.Pool) *PostgresReceiptRepository {
	return &PostgresReceiptRepository{db: db}
}

// EnsureSchema creates the receipts table when it does not exist.
func (r *PostgresReceiptRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, receiptsSchema); err != nil {
		return fmt.Errorf("failed to ensure receipts schema: %w", err)
	}
	return nil
}

// SaveReceipt inserts a receipt. Duplicates of (owner, id) are ignored.
func (r *PostgresReceiptRepository) SaveReceipt(ctx context.Context, sr StoredReceipt) error {
	query := `
        INSERT INTO wizard_receipts (
            id, owner_id, flow, session_id, idempotency_key, type, status, amount, currency,
            reference, counterparty_name, counterparty_account, description, created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (owner_id, id) DO NOTHING
    `
	rec := sr.Receipt
	_, err := r.db.Exec(ctx, query,
		rec.ID,
		sr.Owner,
		sr.Flow,
		sr.SessionID,
		sr.IdempotencyKey,
		rec.Type,
		string(rec.Status),
		rec.Amount.Decimal(),
		rec.Currency,
		rec.Reference,
		rec.CounterpartyName,
		rec.CounterpartyAccount,
		rec.Description,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save receipt %s: %w", rec.ID, err)
	}
	return nil
}

const receiptColumns = `id, owner_id, flow, session_id, idempotency_key, type, status, amount, currency,
            reference, counterparty_name, counterparty_account, description, created_at, saved_at`

func (r *PostgresReceiptRepository) GetReceipt(ctx context.Context, owner, id string) (*StoredReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM wizard_receipts WHERE owner_id = $1 AND id = $2`
	sr, err := scanReceipt(r.db.QueryRow(ctx, query, owner, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt %s: %w", id, err)
	}
	return sr, nil
}

func (r *PostgresReceiptRepository) ListReceipts(ctx context.Context, owner string, limit int) ([]StoredReceipt, error) {
	query := `SELECT ` + receiptColumns + `
        FROM wizard_receipts
        WHERE owner_id = $1
        ORDER BY created_at DESC
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, owner, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []StoredReceipt
	for rows.Next() {
		sr, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		out = append(out, *sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipts: %w", err)
	}
	return out, nil
}

func scanReceipt(row pgx.Row) (*StoredReceipt, error) {
	var (
		sr     StoredReceipt
		status string
		amount decimal.Decimal
	)
	err := row.Scan(
		&sr.Receipt.ID,
		&sr.Owner,
		&sr.Flow,
		&sr.SessionID,
		&sr.IdempotencyKey,
		&sr.Receipt.Type,
		&status,
		&amount,
		&sr.Receipt.Currency,
		&sr.Receipt.Reference,
		&sr.Receipt.CounterpartyName,
		&sr.Receipt.CounterpartyAccount,
		&sr.Receipt.Description,
		&sr.Receipt.CreatedAt,
		&sr.SavedAt,
	)
	if err != nil {
		return nil, err
	}
	sr.Receipt.Status = receipt.Status(status)
	sr.Receipt.Amount = money.FromDecimal(amount)
	return &sr, nil
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
