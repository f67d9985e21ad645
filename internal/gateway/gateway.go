package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Collection/payout statuses as reported by the mobile-money provider.
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

const (
	TxTypeCollection = "collection"
	TxTypePayout     = "payout"
)

var (
	// ErrTimeout means the call did not complete; the provider-side outcome
	// is unknown and must be re-checked, never assumed failed.
	ErrTimeout = errors.New("gateway: request timed out, outcome unknown")

	ErrNotFound = errors.New("gateway: transaction not found")

	// ErrNotConfigured means the API key is missing. Money-moving calls
	// must fail loudly rather than default (configuration failure class).
	ErrNotConfigured = errors.New("gateway: api key not configured")
)

type Ack struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
}

type Collection struct {
	Reference  string          `json:"reference"`
	ProviderID string          `json:"provider_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type Transaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Type      string `json:"type"` // collection / payout
}

// Client is the contract over the mobile-money provider.
type Client interface {
	// CreateCollection pulls funds from the payer's mobile-money account.
	CreateCollection(ctx context.Context, amount decimal.Decimal, phone, operator, reference string) (*Ack, error)

	// CreatePayout pushes funds to the payee's mobile-money account.
	CreatePayout(ctx context.Context, amount decimal.Decimal, phone, operator, reference string) (*Ack, error)

	// GetCollectionByReference queries the provider for the collection's
	// current state. This is the independent confirmation source: a
	// webhook claim alone is never sufficient evidence of payment.
	GetCollectionByReference(ctx context.Context, reference string) (*Collection, error)

	// GetTransactionByReference looks up any transaction (collection or
	// payout) by our reference.
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
}
