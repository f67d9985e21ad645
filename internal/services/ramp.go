package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/rates"
	"github.com/tonramp/backend/internal/repositories"
)

type BuyResult struct {
	Reference    string          `json:"reference"`
	Status       string          `json:"status"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Rate         decimal.Decimal `json:"rate"`
}

type SendResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// RampService owns the user-initiated entry points: buy (deposit intent +
// mobile-money collection) and send (pure crypto transfer). Sell entry
// points live on WithdrawalSettler.
type RampService struct {
	store    IntentStore
	ledger   ledger.Client
	gw       gateway.Client
	accounts Accounts
	ratesSvc Rates
	cfg      *config.Config
	log      *zap.Logger
}

func NewRampService(
	store IntentStore,
	ledgerClient ledger.Client,
	gw gateway.Client,
	accounts Accounts,
	ratesSvc Rates,
	cfg *config.Config,
	log *zap.Logger,
) *RampService {
	return &RampService{
		store:    store,
		ledger:   ledgerClient,
		gw:       gw,
		accounts: accounts,
		ratesSvc: ratesSvc,
		cfg:      cfg,
		log:      log,
	}
}

// Buy creates a deposit intent and asks the gateway to collect the fiat.
// Settlement happens later, via webhook or sweep, once the collection is
// independently confirmed. If the collection call itself fails the intent
// is removed: no external obligation was created.
func (s *RampService) Buy(ctx context.Context, ownerID uuid.UUID, fiatAmount decimal.Decimal, phone, operator, destAddress string, asset models.Asset) (*BuyResult, error) {
	if fiatAmount.LessThan(s.cfg.MinDepositFiat) || fiatAmount.GreaterThan(s.cfg.MaxDepositFiat) {
		return nil, fmt.Errorf("amount must be between %s and %s %s", s.cfg.MinDepositFiat, s.cfg.MaxDepositFiat, s.cfg.FiatCurrency)
	}
	if phone == "" || operator == "" {
		return nil, fmt.Errorf("phone and operator are required")
	}

	// One rate snapshot per request; the intent records the resulting
	// crypto amount so settlement never re-reads the rate.
	rate, err := s.ratesSvc.SettlementRate(ctx)
	if err != nil {
		return nil, err
	}
	cryptoAmount := rates.CryptoForFiat(fiatAmount, rate, s.cfg.FeeBPS)

	in := &models.TransferIntent{
		OwnerID:      ownerID,
		Kind:         models.IntentKindDeposit,
		Asset:        asset,
		FiatAmount:   fiatAmount,
		CryptoAmount: cryptoAmount,
		Status:       models.IntentStatusPending,
		Reference:    newReference("DEP"),
		PayoutPhone:  &phone,
		Operator:     &operator,
	}
	if destAddress != "" {
		in.DestAddress = &destAddress
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	if _, err := s.gw.CreateCollection(ctx, fiatAmount, phone, operator, in.Reference); err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			// The collection may have gone through; keep the intent so the
			// sweep can find out.
			s.log.Warn("collection outcome unknown", zap.String("reference", in.Reference), zap.Error(err))
			return &BuyResult{Reference: in.Reference, Status: in.Status, CryptoAmount: cryptoAmount, Rate: rate}, nil
		}
		_ = s.store.Delete(ctx, in.ID)
		return nil, fmt.Errorf("collection request failed: %w", err)
	}

	s.log.Info("buy initiated",
		zap.String("reference", in.Reference),
		zap.String("fiat", fiatAmount.String()),
		zap.String("crypto", cryptoAmount.String()),
	)
	return &BuyResult{Reference: in.Reference, Status: in.Status, CryptoAmount: cryptoAmount, Rate: rate}, nil
}

// Send moves crypto between ledger accounts with no fiat leg.
func (s *RampService) Send(ctx context.Context, ownerID uuid.UUID, destAddress string, asset models.Asset, amount decimal.Decimal) (*SendResult, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if destAddress == "" {
		return nil, fmt.Errorf("destination address is required")
	}

	userAddr, err := s.accounts.WalletAddress(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.GetBalance(ctx, userAddr, asset)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("insufficient balance: have %s, need %s", balance, amount)
	}
	if asset.IsNative() && balance.Sub(amount).LessThan(s.cfg.ReserveFloor) {
		return nil, fmt.Errorf("account must retain at least %s %s after transfer", s.cfg.ReserveFloor, asset.Code)
	}

	in := &models.TransferIntent{
		OwnerID:      ownerID,
		Kind:         models.IntentKindTransfer,
		Asset:        asset,
		FiatAmount:   decimal.Zero,
		CryptoAmount: amount,
		Status:       models.IntentStatusPending,
		Reference:    newReference("TRF"),
		DestAddress:  &destAddress,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	seed, err := s.accounts.WalletSeed(ctx, ownerID)
	if err != nil {
		_ = s.store.Delete(ctx, in.ID)
		return nil, err
	}

	txHash, err := s.ledger.SubmitTransfer(ctx, seed, destAddress, asset, amount, in.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTimeout) {
			return &SendResult{Reference: in.Reference, Status: models.IntentStatusPending}, nil
		}
		if errors.Is(err, ledger.ErrSequenceConflict) {
			_ = s.store.Delete(ctx, in.ID)
			return nil, ErrBusy
		}
		reason := err.Error()
		if _, terr := s.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusFailed,
			repositories.TransitionFields{FailReason: &reason}); terr != nil {
			return nil, terr
		}
		observability.SettlementsTotal.WithLabelValues(in.Kind, OutcomeFailed).Inc()
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	if _, err := s.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusCompleted,
		repositories.TransitionFields{LedgerTxHash: &txHash}); err != nil {
		return nil, err
	}

	observability.SettlementsTotal.WithLabelValues(in.Kind, OutcomeSettled).Inc()
	return &SendResult{Reference: in.Reference, Status: models.IntentStatusCompleted, TxHash: txHash}, nil
}

// Quote returns display figures for the given fiat amount without touching
// any state. Uses the display rate, which may be the cosmetic fallback.
func (s *RampService) Quote(ctx context.Context, fiatAmount decimal.Decimal) (crypto decimal.Decimal, rate decimal.Decimal) {
	rate = s.ratesSvc.DisplayRate(ctx)
	if rate.Sign() <= 0 {
		return decimal.Zero, decimal.Zero
	}
	return rates.CryptoForFiat(fiatAmount, rate, s.cfg.FeeBPS), rate
}
