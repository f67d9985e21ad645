package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/observability"
)

type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
}

// SweepService is the fallback settlement path for lost or undelivered
// triggers: deposits whose webhook never arrived, and memo-sells the
// custody watcher advanced past. It reuses the exact reconcile/confirm
// functions the live paths use, so the triggers can never diverge in
// business logic.
type SweepService struct {
	store      IntentStore
	reconciler *DepositReconciler
	settler    *WithdrawalSettler
	cfg        *config.Config
	log        *zap.Logger
}

func NewSweepService(store IntentStore, reconciler *DepositReconciler, settler *WithdrawalSettler, cfg *config.Config, log *zap.Logger) *SweepService {
	return &SweepService{store: store, reconciler: reconciler, settler: settler, cfg: cfg, log: log}
}

// Run scans pending intents inside the configured window and settles each
// sequentially. Safe to run concurrently with live webhook delivery, the
// custody watcher, and other sweeps.
func (s *SweepService) Run(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	result := &SweepResult{}
	since := time.Now().Add(-s.cfg.SweepWindow)

	if err := s.sweepDeposits(ctx, since, result); err != nil {
		return nil, err
	}
	if err := s.sweepMemoSells(ctx, since, result); err != nil {
		return nil, err
	}

	if result.Checked > 0 {
		s.log.Info("sweep finished",
			zap.Int("checked", result.Checked),
			zap.Int("completed", result.Completed),
		)
	}
	return result, nil
}

func (s *SweepService) sweepDeposits(ctx context.Context, since time.Time, result *SweepResult) error {
	pending, err := s.store.ListPending(ctx, models.IntentKindDeposit, since, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	for _, in := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Checked++

		res, err := s.reconciler.Reconcile(ctx, in.Reference)
		if err != nil {
			s.log.Error("sweep reconcile failed",
				zap.String("reference", in.Reference),
				zap.Error(err),
			)
			continue
		}
		if res.Outcome == OutcomeSettled {
			result.Completed++
		}
	}
	return nil
}

// sweepMemoSells re-confirms pending memo-tagged withdrawals against the
// chain. The watcher's cursor only moves forward, so this pass is the
// retry path for deposits it saw but could not settle at the time.
func (s *SweepService) sweepMemoSells(ctx context.Context, since time.Time, result *SweepResult) error {
	pending, err := s.store.ListPending(ctx, models.IntentKindWithdrawal, since, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	for _, in := range pending {
		if ctx.Err() != nil {
			break
		}
		if in.DepositMemo == nil || *in.DepositMemo == "" {
			// Custodial sells with an unknown debit outcome are for the
			// operator to reconcile by hand; nothing safe to retry here.
			continue
		}
		result.Checked++

		res, err := s.settler.ConfirmOnChainDeposit(ctx, *in.DepositMemo)
		if err != nil {
			s.log.Error("sweep confirm failed",
				zap.String("reference", in.Reference),
				zap.Error(err),
			)
			continue
		}
		switch res.Outcome {
		case WithdrawalPaidOut, WithdrawalPayoutFailed, WithdrawalManualPayout:
			result.Completed++
		}
	}
	return nil
}
