package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/repositories"
)

// IntentStore is the durable settlement store consumed by the settlement
// services. *repositories.IntentRepo is the production implementation.
type IntentStore interface {
	Create(ctx context.Context, in *models.TransferIntent) error
	GetByReference(ctx context.Context, reference string) (*models.TransferIntent, error)
	GetByMemo(ctx context.Context, memo string) (*models.TransferIntent, error)
	TryTransition(ctx context.Context, id uuid.UUID, from, to string, fields repositories.TransitionFields) (bool, error)
	ListPending(ctx context.Context, kind string, since time.Time, limit int) ([]*models.TransferIntent, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MemoExists(ctx context.Context, memo string) (bool, error)
}

// Accounts is the boundary to the external accounts/profile service: wallet
// resolution for custodial signing, payout contacts, and user notifications.
type Accounts interface {
	WalletAddress(ctx context.Context, ownerID uuid.UUID) (string, error)
	WalletSeed(ctx context.Context, ownerID uuid.UUID) (string, error)
	PayoutContact(ctx context.Context, ownerID uuid.UUID) (phone, operator string, err error)
	Notify(ctx context.Context, ownerID uuid.UUID, text string) error
}

// Rates provides the fiat-per-crypto rate. *rates.Service is the production
// implementation (redis-cached, read-through).
type Rates interface {
	SettlementRate(ctx context.Context) (decimal.Decimal, error)
	DisplayRate(ctx context.Context) decimal.Decimal
}

// Locker bounds duplicate in-flight settlement of the same reference across
// processes. It is an optimization only: correctness is guaranteed by the
// store's conditional transition, the lock just avoids submitting a second
// on-chain transfer while the first is still confirming.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}
