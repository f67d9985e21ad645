package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tonramp/backend/internal/models"
)

var ErrIntentNotFound = errors.New("intent not found")

// IntentRepo is the durable settlement store (table: transactions).
type IntentRepo struct {
	pool *pgxpool.Pool
}

func NewIntentRepo(pool *pgxpool.Pool) *IntentRepo {
	return &IntentRepo{pool: pool}
}

const intentColumns = `
	id, owner_id, kind, asset_code, asset_issuer,
	fiat_amount::text, crypto_amount::text, status, reference,
	deposit_memo, ledger_tx_hash, fail_reason,
	payout_phone, operator, dest_address, created_at, updated_at`

func (r *IntentRepo) Create(ctx context.Context, in *models.TransferIntent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO transactions (
			owner_id, kind, asset_code, asset_issuer,
			fiat_amount, crypto_amount, status, reference,
			deposit_memo, payout_phone, operator, dest_address
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`, in.OwnerID, in.Kind, in.Asset.Code, in.Asset.Issuer,
		in.FiatAmount.String(), in.CryptoAmount.String(), in.Status, in.Reference,
		in.DepositMemo, in.PayoutPhone, in.Operator, in.DestAddress,
	).Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
}

func (r *IntentRepo) GetByReference(ctx context.Context, reference string) (*models.TransferIntent, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM transactions WHERE reference = $1`, reference))
}

func (r *IntentRepo) GetByMemo(ctx context.Context, memo string) (*models.TransferIntent, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM transactions WHERE deposit_memo = $1`, memo))
}

func (r *IntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.TransferIntent, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM transactions WHERE id = $1`, id))
}

// TransitionFields are the columns written together with a status change.
type TransitionFields struct {
	LedgerTxHash *string
	FailReason   *string
}

// TryTransition performs the atomic conditional status change. The WHERE
// clause on the old status makes it a single compare-and-set in the
// database: of N racing settlers exactly one sees rows affected == 1.
// ledger_tx_hash and fail_reason are only ever written by the winner, so a
// terminal row can never be altered afterwards.
func (r *IntentRepo) TryTransition(ctx context.Context, id uuid.UUID, from, to string, fields TransitionFields) (bool, error) {
	if !models.IsValidTransition(from, to) {
		return false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $1,
		    ledger_tx_hash = COALESCE($2, ledger_tx_hash),
		    fail_reason = COALESCE($3, fail_reason),
		    updated_at = now()
		WHERE id = $4 AND status = $5
	`, to, fields.LedgerTxHash, fields.FailReason, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPending returns pending intents of the given kind created after
// `since`, oldest first, bounded by limit. The sweep uses this as its work
// queue.
func (r *IntentRepo) ListPending(ctx context.Context, kind string, since time.Time, limit int) ([]*models.TransferIntent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM transactions
		WHERE kind = $1 AND status = $2 AND created_at > $3
		ORDER BY created_at ASC
		LIMIT $4
	`, kind, models.IntentStatusPending, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*models.TransferIntent
	for rows.Next() {
		in, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// Delete removes an intent. Only valid for initiation failures that happened
// before any external side effect (no obligation exists yet).
func (r *IntentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND status = $2`, id, models.IntentStatusPending)
	return err
}

// MemoExists reports whether a deposit memo is already assigned.
func (r *IntentRepo) MemoExists(ctx context.Context, memo string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE deposit_memo = $1)`, memo).Scan(&exists)
	return exists, err
}

func (r *IntentRepo) scanOne(row pgx.Row) (*models.TransferIntent, error) {
	var (
		in         models.TransferIntent
		fiatStr    string
		cryptoStr  string
	)
	err := row.Scan(
		&in.ID, &in.OwnerID, &in.Kind, &in.Asset.Code, &in.Asset.Issuer,
		&fiatStr, &cryptoStr, &in.Status, &in.Reference,
		&in.DepositMemo, &in.LedgerTxHash, &in.FailReason,
		&in.PayoutPhone, &in.Operator, &in.DestAddress, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}

	if in.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return nil, fmt.Errorf("bad fiat_amount %q: %w", fiatStr, err)
	}
	if in.CryptoAmount, err = decimal.NewFromString(cryptoStr); err != nil {
		return nil, fmt.Errorf("bad crypto_amount %q: %w", cryptoStr, err)
	}
	return &in, nil
}
