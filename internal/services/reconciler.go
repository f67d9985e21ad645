package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/events"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/repositories"
)

// Reconcile outcomes
const (
	OutcomeAlreadySettled = "already_settled"
	OutcomeSettled        = "settled"
	OutcomeNotYetPaid     = "not_yet_paid"
	OutcomeFailed         = "failed"
)

type ReconcileResult struct {
	Outcome string `json:"outcome"`
	TxHash  string `json:"tx_hash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

const settleLockTTL = 2 * time.Minute

// DepositReconciler advances a deposit (buy) intent to its terminal status
// exactly once. The webhook handler and the poll sweep both call Reconcile;
// they race freely and correctness comes from the store's conditional
// transition, not from mutual exclusion.
type DepositReconciler struct {
	store     IntentStore
	ledger    ledger.Client
	gw        gateway.Client
	accounts  Accounts
	locker    Locker
	publisher events.Publisher
	log       *zap.Logger
}

func NewDepositReconciler(
	store IntentStore,
	ledgerClient ledger.Client,
	gw gateway.Client,
	accounts Accounts,
	locker Locker,
	publisher events.Publisher,
	log *zap.Logger,
) *DepositReconciler {
	return &DepositReconciler{
		store:     store,
		ledger:    ledgerClient,
		gw:        gw,
		accounts:  accounts,
		locker:    locker,
		publisher: publisher,
		log:       log,
	}
}

// Reconcile checks the true state of the collection behind reference and,
// if it is confirmed paid, performs the on-chain leg and closes the intent.
// Safe to call any number of times from any number of workers.
func (r *DepositReconciler) Reconcile(ctx context.Context, reference string) (*ReconcileResult, error) {
	in, err := r.store.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, repositories.ErrIntentNotFound) {
			// Stray or unrelated event: acknowledge and drop.
			return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
		}
		return nil, err
	}
	if in.Kind != models.IntentKindDeposit {
		return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
	}

	// Terminal-status guard: the primary defense against duplicate webhook
	// delivery and webhook/sweep overlap.
	if in.Status != models.IntentStatusPending {
		return &ReconcileResult{Outcome: OutcomeAlreadySettled, TxHash: deref(in.LedgerTxHash)}, nil
	}

	// Never trust the webhook body: ask the gateway directly.
	col, err := r.gw.GetCollectionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, gateway.ErrTimeout) {
			return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
		}
		return nil, err
	}

	switch col.Status {
	case gateway.StatusSuccessful:
		// fall through to settlement
	case gateway.StatusFailed:
		return r.fail(ctx, in, "mobile money collection failed")
	default:
		return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
	}

	// Bound duplicate on-chain submissions while a settlement is in flight.
	ok, err := r.locker.Acquire(ctx, reference, settleLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another worker is settling right now; it owns the outcome.
		return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
	}
	defer r.locker.Release(ctx, reference)

	// Re-read under the lock: the other worker may have finished between
	// our first read and the acquire.
	in, err = r.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if in.Status != models.IntentStatusPending {
		return &ReconcileResult{Outcome: OutcomeAlreadySettled, TxHash: deref(in.LedgerTxHash)}, nil
	}

	dest, err := r.recipientAddress(ctx, in)
	if err != nil {
		if errors.Is(err, ErrNoWallet) {
			return r.fail(ctx, in, fmt.Sprintf("no destination address: %s", err))
		}
		// The collection is already paid, so an unreachable accounts
		// service must leave the intent pending for the next sweep.
		r.log.Warn("recipient lookup failed, will retry",
			zap.String("reference", reference),
			zap.Error(err),
		)
		return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
	}

	if !in.Asset.IsNative() {
		if err := r.ledger.EnsureAssetRegistered(ctx, dest, in.Asset); err != nil {
			if ledger.IsRetryable(err) {
				return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
			}
			return r.fail(ctx, in, fmt.Sprintf("asset registration: %s", err))
		}
	}

	txHash, err := r.ledger.SubmitTransfer(ctx, "", dest, in.Asset, in.CryptoAmount, in.Reference)
	if err != nil {
		if ledger.IsRetryable(err) {
			// Unknown or transient outcome: leave pending so the next
			// sweep re-verifies true state instead of double-crediting.
			r.log.Warn("transfer not settled, will retry",
				zap.String("reference", reference),
				zap.Error(err),
			)
			return &ReconcileResult{Outcome: OutcomeNotYetPaid}, nil
		}
		return r.fail(ctx, in, err.Error())
	}

	won, err := r.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusCompleted,
		repositories.TransitionFields{LedgerTxHash: &txHash})
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the webhook/sweep race after the fact; not an error.
		return &ReconcileResult{Outcome: OutcomeAlreadySettled, TxHash: txHash}, nil
	}

	observability.SettlementsTotal.WithLabelValues(in.Kind, OutcomeSettled).Inc()
	r.log.Info("deposit settled",
		zap.String("reference", reference),
		zap.String("tx_hash", txHash),
		zap.String("crypto_amount", in.CryptoAmount.String()),
	)

	_ = r.publisher.Publish(ctx, events.StreamSettlements, events.Event{
		Type: events.EventSettlementCompleted,
		Payload: map[string]any{
			"reference": in.Reference,
			"kind":      in.Kind,
			"tx_hash":   txHash,
		},
	})
	_ = r.accounts.Notify(ctx, in.OwnerID,
		fmt.Sprintf("Your purchase %s is complete: %s %s delivered.", in.Reference, in.CryptoAmount.String(), in.Asset.Code))

	return &ReconcileResult{Outcome: OutcomeSettled, TxHash: txHash}, nil
}

func (r *DepositReconciler) recipientAddress(ctx context.Context, in *models.TransferIntent) (string, error) {
	if in.DestAddress != nil && *in.DestAddress != "" {
		return *in.DestAddress, nil
	}
	return r.accounts.WalletAddress(ctx, in.OwnerID)
}

func (r *DepositReconciler) fail(ctx context.Context, in *models.TransferIntent, reason string) (*ReconcileResult, error) {
	won, err := r.store.TryTransition(ctx, in.ID, models.IntentStatusPending, models.IntentStatusFailed,
		repositories.TransitionFields{FailReason: &reason})
	if err != nil {
		return nil, err
	}
	if !won {
		return &ReconcileResult{Outcome: OutcomeAlreadySettled}, nil
	}

	observability.SettlementsTotal.WithLabelValues(in.Kind, OutcomeFailed).Inc()
	r.log.Warn("deposit failed",
		zap.String("reference", in.Reference),
		zap.String("reason", reason),
	)
	_ = r.publisher.Publish(ctx, events.StreamSettlements, events.Event{
		Type: events.EventSettlementFailed,
		Payload: map[string]any{
			"reference": in.Reference,
			"kind":      in.Kind,
			"reason":    reason,
		},
	})
	return &ReconcileResult{Outcome: OutcomeFailed, Reason: reason}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
