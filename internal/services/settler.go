package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/events"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/rates"
	"github.com/tonramp/backend/internal/repositories"
)

// Withdrawal outcomes. Once the on-chain debit succeeded the intent is
// COMPLETED no matter what happens to the fiat leg; the outcome tells the
// user (and support) what still needs to happen.
const (
	WithdrawalPaidOut      = "paid_out"
	WithdrawalPayoutFailed = "payout_failed_contact_support"
	WithdrawalManualPayout = "manual_payout_owed"
)

// Confirm outcomes for the address-based deposit flow. A successful
// confirmation reports the payout outcome (paid_out etc.) instead.
const (
	ConfirmNotFound       = "not_found"
	ConfirmAlreadyHandled = "already_handled"
)

var (
	ErrBusy = errors.New("custody account busy, try again shortly")
)

type WithdrawResult struct {
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
}

type DepositInstructions struct {
	Reference      string `json:"reference"`
	CustodyAddress string `json:"custody_address"`
	Memo           string `json:"memo"`
}

// WithdrawalSettler drives sell settlement: crypto moves into platform
// custody first, fiat is promised only after custody is established.
type WithdrawalSettler struct {
	store     IntentStore
	ledger    ledger.Client
	gw        gateway.Client
	accounts  Accounts
	ratesSvc  Rates
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewWithdrawalSettler(
	store IntentStore,
	ledgerClient ledger.Client,
	gw gateway.Client,
	accounts Accounts,
	ratesSvc Rates,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *WithdrawalSettler {
	return &WithdrawalSettler{
		store:     store,
		ledger:    ledgerClient,
		gw:        gw,
		accounts:  accounts,
		ratesSvc:  ratesSvc,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Initiate runs the custodial sell flow: validate, create the pending
// intent, debit the user's wallet into custody, then attempt the payout.
// The debit and the payout are single-shot: no automatic in-call retry.
func (s *WithdrawalSettler) Initiate(ctx context.Context, ownerID uuid.UUID, cryptoAmount decimal.Decimal, asset models.Asset, payoutPhone, operator string) (*WithdrawResult, error) {
	if cryptoAmount.LessThan(s.cfg.MinWithdrawal) || cryptoAmount.GreaterThan(s.cfg.MaxWithdrawal) {
		return nil, fmt.Errorf("amount must be between %s and %s", s.cfg.MinWithdrawal, s.cfg.MaxWithdrawal)
	}

	phone, op := payoutPhone, operator
	if phone == "" {
		var err error
		phone, op, err = s.accounts.PayoutContact(ctx, ownerID)
		if err != nil || phone == "" {
			return nil, fmt.Errorf("no payout contact on file")
		}
	}

	userAddr, err := s.accounts.WalletAddress(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.GetBalance(ctx, userAddr, asset)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if balance.LessThan(cryptoAmount) {
		return nil, fmt.Errorf("insufficient balance: have %s, need %s", balance, cryptoAmount)
	}
	if asset.IsNative() && balance.Sub(cryptoAmount).LessThan(s.cfg.ReserveFloor) {
		return nil, fmt.Errorf("account must retain at least %s %s after withdrawal", s.cfg.ReserveFloor, asset.Code)
	}

	// Single rate snapshot for the whole settlement.
	rate, err := s.ratesSvc.SettlementRate(ctx)
	if err != nil {
		return nil, err
	}
	fiatAmount := rates.FiatForCrypto(cryptoAmount, rate, s.cfg.FeeBPS)

	in := &models.TransferIntent{
		OwnerID:      ownerID,
		Kind:         models.IntentKindWithdrawal,
		Asset:        asset,
		FiatAmount:   fiatAmount,
		CryptoAmount: cryptoAmount,
		Status:       models.IntentStatusPending,
		Reference:    newReference("SELL"),
		PayoutPhone:  &phone,
		Operator:     &op,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	seed, err := s.accounts.WalletSeed(ctx, ownerID)
	if err != nil {
		// Nothing moved; the intent carries no obligation yet.
		_ = s.store.Delete(ctx, in.ID)
		return nil, err
	}

	txHash, err := s.ledger.SubmitTransfer(ctx, seed, s.ledger.CustodyAddress(), asset, cryptoAmount, in.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTimeout) {
			// Outcome unknown: leave pending for the operator to reconcile
			// rather than risking a second debit.
			s.log.Warn("debit outcome unknown", zap.String("reference", in.Reference), zap.Error(err))
			return &WithdrawResult{Reference: in.Reference, Outcome: models.IntentStatusPending,
				Message: "withdrawal received, confirmation pending"}, nil
		}
		if errors.Is(err, ledger.ErrSequenceConflict) {
			// Rejected before acceptance, no side effect occurred.
			_ = s.store.Delete(ctx, in.ID)
			return nil, ErrBusy
		}
		reason := err.Error()
		if _, terr := s.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusFailed,
			repositories.TransitionFields{FailReason: &reason}); terr != nil {
			return nil, terr
		}
		observability.SettlementsTotal.WithLabelValues(in.Kind, OutcomeFailed).Inc()
		return nil, fmt.Errorf("on-chain debit failed: %w", err)
	}

	return s.completeWithPayout(ctx, in, txHash, phone, op)
}

// completeWithPayout runs everything after custody is established. From
// here the intent always ends COMPLETED: the asset has moved, so a fiat-leg
// failure is a support escalation, never a rollback.
func (s *WithdrawalSettler) completeWithPayout(ctx context.Context, in *models.TransferIntent, txHash, phone, operator string) (*WithdrawResult, error) {
	// Claim the intent before touching the fiat leg: the winner of this
	// transition owns the payout, so overlapping confirmations of the
	// same memo cannot pay twice. Completing first is safe because a
	// payout failure after custody keeps the intent COMPLETED with an
	// escalation outcome anyway.
	won, err := s.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusCompleted,
		repositories.TransitionFields{LedgerTxHash: &txHash})
	if err != nil {
		return nil, err
	}
	if !won {
		return &WithdrawResult{Reference: in.Reference, Outcome: ConfirmAlreadyHandled}, nil
	}

	outcome := WithdrawalPaidOut
	message := fmt.Sprintf("Payout of %s %s sent to %s.", in.FiatAmount, s.cfg.FiatCurrency, phone)

	if phone == "" {
		outcome = WithdrawalManualPayout
		message = fmt.Sprintf("Funds received. No payout contact on file; support will arrange payment. Reference %s.", in.Reference)
	} else {
		if _, err := s.gw.CreatePayout(ctx, in.FiatAmount, phone, operator, in.Reference); err != nil {
			outcome = WithdrawalPayoutFailed
			message = fmt.Sprintf("Funds received, payout pending. Contact support with reference %s.", in.Reference)
			s.log.Error("payout failed after custody transfer",
				zap.String("reference", in.Reference),
				zap.String("tx_hash", txHash),
				zap.Error(err),
			)
			_ = s.publisher.Publish(ctx, events.StreamSettlements, events.Event{
				Type: events.EventPayoutFailed,
				Payload: map[string]any{
					"reference": in.Reference,
					"tx_hash":   txHash,
					"fiat":      in.FiatAmount.String(),
					"phone":     phone,
				},
			})
		}
	}

	observability.SettlementsTotal.WithLabelValues(in.Kind, outcome).Inc()
	s.log.Info("withdrawal settled",
		zap.String("reference", in.Reference),
		zap.String("outcome", outcome),
		zap.String("tx_hash", txHash),
	)
	_ = s.publisher.Publish(ctx, events.StreamSettlements, events.Event{
		Type: events.EventSettlementCompleted,
		Payload: map[string]any{
			"reference": in.Reference,
			"kind":      in.Kind,
			"outcome":   outcome,
			"tx_hash":   txHash,
		},
	})
	_ = s.accounts.Notify(ctx, in.OwnerID, message)

	return &WithdrawResult{
		Reference: in.Reference,
		Outcome:   outcome,
		Message:   message,
		TxHash:    txHash,
	}, nil
}

// InitiateByDeposit starts the non-custodial sell flow: the user is given
// the custody address plus a short numeric memo, sends the funds
// themselves, and the chain watcher confirms via ConfirmOnChainDeposit.
func (s *WithdrawalSettler) InitiateByDeposit(ctx context.Context, ownerID uuid.UUID, cryptoAmount decimal.Decimal, asset models.Asset, payoutPhone, operator string) (*DepositInstructions, error) {
	// The custody watcher matches native transfers carrying a text memo;
	// issued-asset deposits arrive as jetton notifications it does not
	// correlate, so they go through the custodial sell flow instead.
	if !asset.IsNative() {
		return nil, fmt.Errorf("memo deposits accept %s only; use the custodial sell flow for %s", models.NativeAsset().Code, asset)
	}
	if cryptoAmount.LessThan(s.cfg.MinWithdrawal) || cryptoAmount.GreaterThan(s.cfg.MaxWithdrawal) {
		return nil, fmt.Errorf("amount must be between %s and %s", s.cfg.MinWithdrawal, s.cfg.MaxWithdrawal)
	}

	phone, op := payoutPhone, operator
	if phone == "" {
		var err error
		phone, op, err = s.accounts.PayoutContact(ctx, ownerID)
		if err != nil || phone == "" {
			return nil, fmt.Errorf("no payout contact on file")
		}
	}

	rate, err := s.ratesSvc.SettlementRate(ctx)
	if err != nil {
		return nil, err
	}
	fiatAmount := rates.FiatForCrypto(cryptoAmount, rate, s.cfg.FeeBPS)

	memo, err := s.newMemo(ctx)
	if err != nil {
		return nil, err
	}

	in := &models.TransferIntent{
		OwnerID:      ownerID,
		Kind:         models.IntentKindWithdrawal,
		Asset:        asset,
		FiatAmount:   fiatAmount,
		CryptoAmount: cryptoAmount,
		Status:       models.IntentStatusPending,
		Reference:    newReference("SELL"),
		DepositMemo:  &memo,
		PayoutPhone:  &phone,
		Operator:     &op,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	return &DepositInstructions{
		Reference:      in.Reference,
		CustodyAddress: s.ledger.CustodyAddress(),
		Memo:           memo,
	}, nil
}

// ConfirmOnChainDeposit settles a memo-tagged sell once the user's deposit
// is visible on chain. Called by the custody watcher for every incoming
// memo; idempotent like Reconcile.
func (s *WithdrawalSettler) ConfirmOnChainDeposit(ctx context.Context, memo string) (*WithdrawResult, error) {
	in, err := s.store.GetByMemo(ctx, memo)
	if err != nil {
		if errors.Is(err, repositories.ErrIntentNotFound) {
			return &WithdrawResult{Outcome: ConfirmNotFound}, nil
		}
		return nil, err
	}
	if in.Kind != models.IntentKindWithdrawal {
		return &WithdrawResult{Outcome: ConfirmNotFound}, nil
	}
	if in.Status != models.IntentStatusPending {
		return &WithdrawResult{Reference: in.Reference, Outcome: ConfirmAlreadyHandled}, nil
	}

	// Independent confirmation: look the deposit up on chain rather than
	// trusting the caller.
	tx, err := s.ledger.FindByMemo(ctx, s.ledger.CustodyAddress(), memo)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return &WithdrawResult{Reference: in.Reference, Outcome: ConfirmNotFound}, nil
	}
	if tx.Amount.LessThan(in.CryptoAmount) {
		// Underpayment: wait, the user may send the remainder.
		s.log.Warn("deposit below expected amount",
			zap.String("reference", in.Reference),
			zap.String("received", tx.Amount.String()),
			zap.String("expected", in.CryptoAmount.String()),
		)
		return &WithdrawResult{Reference: in.Reference, Outcome: ConfirmNotFound}, nil
	}

	_ = s.publisher.Publish(ctx, events.StreamSettlements, events.Event{
		Type: events.EventDepositReceived,
		Payload: map[string]any{
			"reference": in.Reference,
			"tx_hash":   tx.Hash,
			"from":      tx.From,
			"amount":    tx.Amount.String(),
			"memo":      memo,
		},
	})

	// Any outcome other than not-found/already-handled means settled; the
	// payout-specific outcome (paid out, support escalation, manual) rides
	// along for the notification text.
	return s.completeWithPayout(ctx, in, tx.Hash, deref(in.PayoutPhone), deref(in.Operator))
}

// newMemo picks an unused 8-digit numeric deposit tag.
func (s *WithdrawalSettler) newMemo(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(100000000))
		if err != nil {
			return "", err
		}
		memo := fmt.Sprintf("%08d", n.Int64())
		exists, err := s.store.MemoExists(ctx, memo)
		if err != nil {
			return "", err
		}
		if !exists {
			return memo, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique deposit memo")
}

func newReference(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}
