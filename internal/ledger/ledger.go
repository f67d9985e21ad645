package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tonramp/backend/internal/models"
)

// Typed failure taxonomy of the ledger boundary. Callers branch on these
// instead of inspecting provider error text.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientReserve = errors.New("ledger: balance would drop below reserve floor")
	ErrAssetNotRegistered  = errors.New("ledger: asset not registered for account")
	ErrDestinationMissing  = errors.New("ledger: destination account does not exist")
	ErrSequenceConflict    = errors.New("ledger: sequence conflict, try again shortly")
	ErrTimeout             = errors.New("ledger: submission outcome unknown (timeout)")
)

// IsRetryable reports whether the error is a transient condition that a
// later reconciliation attempt may clear.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSequenceConflict) || errors.Is(err, ErrTimeout)
}

// Tx is a confirmed on-chain transfer to a watched address.
type Tx struct {
	Hash     string
	From     string
	To       string
	Amount   decimal.Decimal
	Memo     string
	LT       uint64
}

// Client is the contract over the distributed ledger. Implementations must
// return errors from the taxonomy above where they can classify the cause.
type Client interface {
	// GetBalance returns the spendable balance of addr in the given asset.
	GetBalance(ctx context.Context, addr string, asset models.Asset) (decimal.Decimal, error)

	// EnsureAssetRegistered verifies the account can hold the (non-native)
	// asset, provisioning registration where the ledger supports it.
	// Never call for native assets.
	EnsureAssetRegistered(ctx context.Context, addr string, asset models.Asset) error

	// SubmitTransfer signs and submits a single transfer and waits for
	// confirmation. sourceSeed selects the signing wallet; empty means the
	// platform custody wallet. memo may be empty. Exactly one submission
	// per call: retrying is the caller's responsibility via a fresh
	// idempotent invocation, never an internal loop.
	SubmitTransfer(ctx context.Context, sourceSeed, destAddr string, asset models.Asset, amount decimal.Decimal, memo string) (txHash string, err error)

	// FindByMemo scans recent incoming transfers to addr for one carrying
	// the given memo. Returns nil when none is found.
	FindByMemo(ctx context.Context, addr string, memo string) (*Tx, error)

	// CustodyAddress returns the platform custody address transfers are
	// submitted from.
	CustodyAddress() string
}
