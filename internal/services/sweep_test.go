package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/repositories"
)

func TestSweepSettlesPaidDeposits(t *testing.T) {
	store := newMemStore()
	for _, ref := range []string{"DEP-0001", "DEP-0002", "DEP-0003"} {
		seedDepositIntent(t, store, ref)
	}
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
	reconciler := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})
	settler := newTestSettler(store, led, gw, &fakeAccounts{}, &fakePublisher{})

	sweep := NewSweepService(store, reconciler, settler, testConfig(), zap.NewNop())

	res, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Checked != 3 {
		t.Errorf("checked = %d, want 3", res.Checked)
	}
	if res.Completed != 3 {
		t.Errorf("completed = %d, want 3", res.Completed)
	}
	if led.submitCount() != 3 {
		t.Errorf("submit count = %d, want 3", led.submitCount())
	}
}

func TestSweepSkipsUnpaidAndSettledIntents(t *testing.T) {
	store := newMemStore()
	seedDepositIntent(t, store, "DEP-0001")

	// Already-settled intent: transitioned out of pending before the run.
	settled := seedDepositIntent(t, store, "DEP-0002")
	if _, err := store.TryTransition(context.Background(), settled.ID,
		models.IntentStatusPending, models.IntentStatusCompleted, repositories.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	led := &fakeLedger{}
	// Provider reports nothing paid.
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusPending}}
	reconciler := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})
	settler := newTestSettler(store, led, gw, &fakeAccounts{}, &fakePublisher{})

	sweep := NewSweepService(store, reconciler, settler, testConfig(), zap.NewNop())

	res, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Checked != 1 {
		t.Errorf("checked = %d, want only the pending intent", res.Checked)
	}
	if res.Completed != 0 {
		t.Errorf("completed = %d, want 0", res.Completed)
	}
	if led.submitCount() != 0 {
		t.Error("nothing was paid, nothing should move")
	}
}

func TestSweepAndDirectReconcileShareOutcome(t *testing.T) {
	store := newMemStore()
	in := seedDepositIntent(t, store, "DEP-0001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
	reconciler := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})
	settler := newTestSettler(store, led, gw, &fakeAccounts{}, &fakePublisher{})
	sweep := NewSweepService(store, reconciler, settler, testConfig(), zap.NewNop())

	// Webhook settles first, sweep runs right after.
	if _, err := reconciler.Reconcile(context.Background(), "DEP-0001"); err != nil {
		t.Fatal(err)
	}
	res, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 0 {
		t.Errorf("sweep completed = %d, want 0 after webhook already settled", res.Completed)
	}
	if led.submitCount() != 1 {
		t.Fatalf("submit count = %d, want exactly 1", led.submitCount())
	}

	got := store.mustGet(in.ID)
	if !got.CryptoAmount.Equal(decimal.RequireFromString("28.571428571")) {
		t.Errorf("crypto amount mutated during settlement: %s", got.CryptoAmount)
	}
}

func TestSweepConfirmsMemoSellsTheWatcherMissed(t *testing.T) {
	store := newMemStore()
	led := &fakeLedger{}
	gw := &fakeGateway{}
	accounts := &fakeAccounts{phone: "670000001", operator: "mtn"}
	reconciler := newTestReconciler(store, led, gw, accounts, newMemLocker(), &fakePublisher{})
	settler := newTestSettler(store, led, gw, accounts, &fakePublisher{})
	sweep := NewSweepService(store, reconciler, settler, testConfig(), zap.NewNop())

	instr, err := settler.InitiateByDeposit(context.Background(), uuid.New(), decimal.RequireFromString("10"), models.NativeAsset(), "", "")
	if err != nil {
		t.Fatalf("InitiateByDeposit: %v", err)
	}

	// Deposit not on chain yet: the watcher's cursor has moved on, only
	// the sweep rechecks the intent.
	res, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Checked != 1 || res.Completed != 0 {
		t.Errorf("checked/completed = %d/%d, want 1/0 before the deposit lands", res.Checked, res.Completed)
	}
	if gw.payoutCount() != 0 {
		t.Fatal("paid out before the deposit was visible")
	}

	// The deposit lands; the next sweep pass settles and pays out.
	led.memoTx = &ledger.Tx{Hash: "abc123", Amount: decimal.RequireFromString("10")}
	res, err = sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want 1", res.Completed)
	}
	if gw.payoutCount() != 1 {
		t.Errorf("payout count = %d, want 1", gw.payoutCount())
	}

	in, err := store.GetByMemo(context.Background(), instr.Memo)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != models.IntentStatusCompleted {
		t.Errorf("status = %q, want completed", in.Status)
	}

	// Settled intents drop out of later passes.
	res, err = sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Checked != 0 {
		t.Errorf("checked = %d, want 0 after settlement", res.Checked)
	}
}
