package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Intent kinds
const (
	IntentKindDeposit    = "deposit"    // fiat in -> crypto out (buy)
	IntentKindWithdrawal = "withdrawal" // crypto in -> fiat out (sell)
	IntentKindTransfer   = "transfer"   // crypto -> crypto, no fiat leg
)

// Intent statuses. Pending is the only non-terminal status.
const (
	IntentStatusPending   = "pending"
	IntentStatusCompleted = "completed"
	IntentStatusFailed    = "failed"
)

// Valid status transitions: from -> []to
var ValidIntentTransitions = map[string][]string{
	IntentStatusPending:   {IntentStatusCompleted, IntentStatusFailed},
	IntentStatusCompleted: {},
	IntentStatusFailed:    {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidIntentTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == IntentStatusCompleted || status == IntentStatusFailed
}

func IsValidIntentKind(kind string) bool {
	switch kind {
	case IntentKindDeposit, IntentKindWithdrawal, IntentKindTransfer:
		return true
	}
	return false
}

// TransferIntent is the durable record of a single buy/sell/send action.
// Reference is the idempotency key correlating the intent with the
// payment-gateway transaction; it is unique and never reassigned.
type TransferIntent struct {
	ID           uuid.UUID       `json:"id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	Kind         string          `json:"kind"`
	Asset        Asset           `json:"asset"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Status       string          `json:"status"`
	Reference    string          `json:"reference"`
	DepositMemo  *string         `json:"deposit_memo,omitempty"`
	LedgerTxHash *string         `json:"ledger_tx_hash,omitempty"`
	FailReason   *string         `json:"fail_reason,omitempty"`
	PayoutPhone  *string         `json:"payout_phone,omitempty"`
	Operator     *string         `json:"operator,omitempty"`
	DestAddress  *string         `json:"dest_address,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
