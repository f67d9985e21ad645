package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
)

func newTestReconciler(store IntentStore, l ledger.Client, gw gateway.Client, accounts Accounts, locker Locker, pub *fakePublisher) *DepositReconciler {
	return NewDepositReconciler(store, l, gw, accounts, locker, pub, zap.NewNop())
}

func seedDepositIntent(t *testing.T, store *memStore, reference string) *models.TransferIntent {
	t.Helper()
	dest := "EQuser1"
	in := &models.TransferIntent{
		OwnerID:      uuid.New(),
		Kind:         models.IntentKindDeposit,
		Asset:        models.NativeAsset(),
		FiatAmount:   decimal.RequireFromString("1000"),
		CryptoAmount: decimal.RequireFromString("28.571428571"),
		Status:       models.IntentStatusPending,
		Reference:    reference,
		DestAddress:  &dest,
	}
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return in
}

func TestReconcileSettlesConfirmedCollection(t *testing.T) {
	store := newMemStore()
	in := seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
	pub := &fakePublisher{}

	r := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), pub)

	res, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeSettled {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeSettled)
	}
	if res.TxHash == "" {
		t.Error("expected a tx hash on settlement")
	}
	if led.submitCount() != 1 {
		t.Errorf("submit count = %d, want 1", led.submitCount())
	}
	if led.lastDest != "EQuser1" {
		t.Errorf("transfer destination = %q, want EQuser1", led.lastDest)
	}
	if led.lastSeed != "" {
		t.Errorf("deposit payouts must come from custody, got seed %q", led.lastSeed)
	}

	got := store.mustGet(in.ID)
	if got.Status != models.IntentStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.LedgerTxHash == nil || *got.LedgerTxHash != res.TxHash {
		t.Error("stored tx hash does not match result")
	}
}

func TestReconcileRepeatDeliveriesSettleOnce(t *testing.T) {
	store := newMemStore()
	seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}

	r := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})

	first, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.Outcome != OutcomeSettled {
		t.Fatalf("first outcome = %q, want settled", first.Outcome)
	}

	// Duplicate webhook, then a sweep pass.
	for i := 0; i < 3; i++ {
		res, err := r.Reconcile(context.Background(), "DEP-1001")
		if err != nil {
			t.Fatalf("repeat Reconcile: %v", err)
		}
		if res.Outcome != OutcomeAlreadySettled {
			t.Errorf("repeat outcome = %q, want already_settled", res.Outcome)
		}
		if res.TxHash != first.TxHash {
			t.Errorf("repeat tx hash = %q, want %q", res.TxHash, first.TxHash)
		}
	}

	if led.submitCount() != 1 {
		t.Fatalf("submit count = %d, want exactly 1", led.submitCount())
	}
}

func TestReconcileConcurrentCallersSubmitOneTransfer(t *testing.T) {
	store := newMemStore()
	seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}

	// No lock: the conditional transition alone must hold the line.
	r := newTestReconciler(store, led, gw, &fakeAccounts{}, noopLocker{}, &fakePublisher{})

	const n = 16
	var wg sync.WaitGroup
	outcomes := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Reconcile(context.Background(), "DEP-1001")
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, o := range outcomes {
		if o == OutcomeSettled {
			settled++
		}
	}
	if settled != 1 {
		t.Errorf("settled outcomes = %d, want exactly 1", settled)
	}
	// Without the lock duplicate submissions may happen, but never a
	// duplicate credit: only one caller may record a completion.
	if led.submitCount() < 1 {
		t.Errorf("submit count = %d, want at least 1", led.submitCount())
	}
}

func TestReconcileDoesNotSettleUnconfirmedCollection(t *testing.T) {
	tests := []struct {
		name string
		gw   *fakeGateway
	}{
		{"provider still pending", &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusPending}}},
		{"provider has no record", &fakeGateway{collectionErr: gateway.ErrNotFound}},
		{"provider timeout", &fakeGateway{collectionErr: gateway.ErrTimeout}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			in := seedDepositIntent(t, store, "DEP-1001")
			led := &fakeLedger{}

			r := newTestReconciler(store, led, tt.gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})

			res, err := r.Reconcile(context.Background(), "DEP-1001")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if res.Outcome != OutcomeNotYetPaid {
				t.Errorf("outcome = %q, want not_yet_paid", res.Outcome)
			}
			if led.submitCount() != 0 {
				t.Errorf("submitted a transfer for an unconfirmed collection")
			}
			if store.mustGet(in.ID).Status != models.IntentStatusPending {
				t.Error("intent left pending state without confirmation")
			}
		})
	}
}

func TestReconcileFailedCollectionMarksFailed(t *testing.T) {
	store := newMemStore()
	in := seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusFailed}}
	pub := &fakePublisher{}

	r := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), pub)

	res, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", res.Outcome)
	}
	if led.submitCount() != 0 {
		t.Error("submitted a transfer for a failed collection")
	}

	got := store.mustGet(in.ID)
	if got.Status != models.IntentStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.FailReason == nil || *got.FailReason == "" {
		t.Error("expected a fail reason")
	}
}

func TestReconcileUnknownReferenceIsAcknowledged(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, &fakeLedger{}, &fakeGateway{}, &fakeAccounts{}, newMemLocker(), &fakePublisher{})

	res, err := r.Reconcile(context.Background(), "DEP-nope")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeNotYetPaid {
		t.Errorf("outcome = %q, want not_yet_paid", res.Outcome)
	}
}

func TestReconcileRetryableLedgerErrorLeavesPending(t *testing.T) {
	for _, submitErr := range []error{ledger.ErrTimeout, ledger.ErrSequenceConflict} {
		t.Run(submitErr.Error(), func(t *testing.T) {
			store := newMemStore()
			in := seedDepositIntent(t, store, "DEP-1001")
			led := &fakeLedger{submitErr: submitErr}
			gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}

			r := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})

			res, err := r.Reconcile(context.Background(), "DEP-1001")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if res.Outcome != OutcomeNotYetPaid {
				t.Errorf("outcome = %q, want not_yet_paid", res.Outcome)
			}
			if store.mustGet(in.ID).Status != models.IntentStatusPending {
				t.Error("a transient submit error must not close the intent")
			}
		})
	}
}

func TestReconcilePermanentLedgerErrorFails(t *testing.T) {
	store := newMemStore()
	in := seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{submitErr: ledger.ErrDestinationMissing}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}

	r := newTestReconciler(store, led, gw, &fakeAccounts{}, newMemLocker(), &fakePublisher{})

	res, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %q, want failed", res.Outcome)
	}
	if store.mustGet(in.ID).Status != models.IntentStatusFailed {
		t.Error("intent should be failed after a permanent submit error")
	}
}

func TestReconcileLockBusyDefersToHolder(t *testing.T) {
	store := newMemStore()
	seedDepositIntent(t, store, "DEP-1001")
	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}

	locker := newMemLocker()
	ok, _ := locker.Acquire(context.Background(), "DEP-1001", settleLockTTL)
	if !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	r := newTestReconciler(store, led, gw, &fakeAccounts{}, locker, &fakePublisher{})

	res, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeNotYetPaid {
		t.Errorf("outcome = %q, want not_yet_paid while another settler holds the lock", res.Outcome)
	}
	if led.submitCount() != 0 {
		t.Error("submitted while lock was held elsewhere")
	}
}

func TestReconcileFallsBackToWalletAddress(t *testing.T) {
	store := newMemStore()
	in := &models.TransferIntent{
		OwnerID:      uuid.New(),
		Kind:         models.IntentKindDeposit,
		Asset:        models.NativeAsset(),
		FiatAmount:   decimal.RequireFromString("1000"),
		CryptoAmount: decimal.RequireFromString("28.5"),
		Status:       models.IntentStatusPending,
		Reference:    "DEP-1001",
	}
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	led := &fakeLedger{}
	gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
	accounts := &fakeAccounts{address: "EQprofile"}

	r := newTestReconciler(store, led, gw, accounts, newMemLocker(), &fakePublisher{})

	res, err := r.Reconcile(context.Background(), "DEP-1001")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeSettled {
		t.Fatalf("outcome = %q, want settled", res.Outcome)
	}
	if led.lastDest != "EQprofile" {
		t.Errorf("destination = %q, want profile wallet address", led.lastDest)
	}
}

func TestReconcileRecipientLookupFailures(t *testing.T) {
	seed := func(store *memStore) *models.TransferIntent {
		in := &models.TransferIntent{
			OwnerID:      uuid.New(),
			Kind:         models.IntentKindDeposit,
			Asset:        models.NativeAsset(),
			FiatAmount:   decimal.RequireFromString("1000"),
			CryptoAmount: decimal.RequireFromString("28.5"),
			Status:       models.IntentStatusPending,
			Reference:    "DEP-1001",
		}
		if err := store.Create(context.Background(), in); err != nil {
			t.Fatal(err)
		}
		return in
	}

	t.Run("accounts outage leaves the paid intent pending", func(t *testing.T) {
		store := newMemStore()
		in := seed(store)
		led := &fakeLedger{}
		gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
		accounts := &fakeAccounts{addressErr: errors.New("dial tcp 10.0.0.5:8080: connection refused")}

		r := newTestReconciler(store, led, gw, accounts, newMemLocker(), &fakePublisher{})

		res, err := r.Reconcile(context.Background(), "DEP-1001")
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res.Outcome != OutcomeNotYetPaid {
			t.Errorf("outcome = %q, want not_yet_paid", res.Outcome)
		}
		if store.mustGet(in.ID).Status != models.IntentStatusPending {
			t.Error("an unreachable accounts service must not close a paid intent")
		}
		if led.submitCount() != 0 {
			t.Error("submitted a transfer with no destination")
		}

		// The outage clears: the next sweep pass settles normally.
		accounts.addressErr = nil
		accounts.address = "EQprofile"
		res, err = r.Reconcile(context.Background(), "DEP-1001")
		if err != nil {
			t.Fatalf("Reconcile after recovery: %v", err)
		}
		if res.Outcome != OutcomeSettled {
			t.Errorf("outcome after recovery = %q, want settled", res.Outcome)
		}
	})

	t.Run("definitive no-wallet answer fails the intent", func(t *testing.T) {
		store := newMemStore()
		in := seed(store)
		led := &fakeLedger{}
		gw := &fakeGateway{collection: &gateway.Collection{Status: gateway.StatusSuccessful}}
		accounts := &fakeAccounts{addressErr: ErrNoWallet}

		r := newTestReconciler(store, led, gw, accounts, newMemLocker(), &fakePublisher{})

		res, err := r.Reconcile(context.Background(), "DEP-1001")
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("outcome = %q, want failed", res.Outcome)
		}
		if store.mustGet(in.ID).Status != models.IntentStatusFailed {
			t.Error("a user without a wallet cannot be credited")
		}
	})
}
