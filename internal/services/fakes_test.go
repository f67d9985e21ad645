package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonramp/backend/internal/events"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/repositories"
)

// memStore is an in-memory IntentStore whose TryTransition has the same
// compare-and-set semantics as the database implementation: under N
// concurrent callers exactly one wins a given transition.
type memStore struct {
	mu      sync.Mutex
	intents map[uuid.UUID]*models.TransferIntent
}

func newMemStore() *memStore {
	return &memStore{intents: make(map[uuid.UUID]*models.TransferIntent)}
}

func (s *memStore) Create(_ context.Context, in *models.TransferIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = uuid.New()
	in.CreatedAt = time.Now()
	in.UpdatedAt = in.CreatedAt
	cp := *in
	s.intents[in.ID] = &cp
	return nil
}

func (s *memStore) GetByReference(_ context.Context, reference string) (*models.TransferIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.Reference == reference {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repositories.ErrIntentNotFound
}

func (s *memStore) GetByMemo(_ context.Context, memo string) (*models.TransferIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.DepositMemo != nil && *in.DepositMemo == memo {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repositories.ErrIntentNotFound
}

func (s *memStore) TryTransition(_ context.Context, id uuid.UUID, from, to string, fields repositories.TransitionFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status != from || !models.IsValidTransition(from, to) {
		return false, nil
	}
	in.Status = to
	if fields.LedgerTxHash != nil {
		in.LedgerTxHash = fields.LedgerTxHash
	}
	if fields.FailReason != nil {
		in.FailReason = fields.FailReason
	}
	in.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) ListPending(_ context.Context, kind string, since time.Time, limit int) ([]*models.TransferIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TransferIntent
	for _, in := range s.intents {
		if in.Kind == kind && in.Status == models.IntentStatusPending && in.CreatedAt.After(since) {
			cp := *in
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[id]; ok && in.Status == models.IntentStatusPending {
		delete(s.intents, id)
	}
	return nil
}

func (s *memStore) MemoExists(_ context.Context, memo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.DepositMemo != nil && *in.DepositMemo == memo {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) mustGet(id uuid.UUID) *models.TransferIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.intents[id]
	return &cp
}

// fakeLedger counts submissions so tests can assert exactly-once delivery.
type fakeLedger struct {
	mu          sync.Mutex
	submits     int
	submitErr   error
	balance     decimal.Decimal
	balanceErr  error
	registerErr error
	memoTx      *ledger.Tx
	memoErr     error
	lastDest    string
	lastSeed    string
	lastMemo    string
}

func (l *fakeLedger) GetBalance(context.Context, string, models.Asset) (decimal.Decimal, error) {
	return l.balance, l.balanceErr
}

func (l *fakeLedger) EnsureAssetRegistered(context.Context, string, models.Asset) error {
	return l.registerErr
}

func (l *fakeLedger) SubmitTransfer(_ context.Context, sourceSeed, destAddr string, _ models.Asset, _ decimal.Decimal, memo string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	l.lastSeed = sourceSeed
	l.lastDest = destAddr
	l.lastMemo = memo
	if l.submitErr != nil {
		return "", l.submitErr
	}
	return "txhash-" + memo, nil
}

func (l *fakeLedger) FindByMemo(context.Context, string, string) (*ledger.Tx, error) {
	return l.memoTx, l.memoErr
}

func (l *fakeLedger) CustodyAddress() string { return "EQcustody" }

func (l *fakeLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

type fakeGateway struct {
	mu            sync.Mutex
	collection    *gateway.Collection
	collectionErr error
	createErr     error
	payoutErr     error
	payouts       int
	collections   int
}

func (g *fakeGateway) CreateCollection(_ context.Context, amount decimal.Decimal, _, _, reference string) (*gateway.Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.Ack{ProviderID: "prov-" + reference, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) CreatePayout(_ context.Context, _ decimal.Decimal, _, _, reference string) (*gateway.Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts++
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &gateway.Ack{ProviderID: "prov-" + reference, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) GetCollectionByReference(_ context.Context, reference string) (*gateway.Collection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.collectionErr != nil {
		return nil, g.collectionErr
	}
	if g.collection == nil {
		return nil, gateway.ErrNotFound
	}
	cp := *g.collection
	cp.Reference = reference
	return &cp, nil
}

func (g *fakeGateway) GetTransactionByReference(_ context.Context, reference string) (*gateway.Transaction, error) {
	return &gateway.Transaction{Reference: reference, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) payoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.payouts
}

type fakeAccounts struct {
	address    string
	addressErr error
	seed       string
	seedErr    error
	phone      string
	operator   string
	contactErr error

	mu            sync.Mutex
	notifications []string
}

func (a *fakeAccounts) WalletAddress(context.Context, uuid.UUID) (string, error) {
	return a.address, a.addressErr
}

func (a *fakeAccounts) WalletSeed(context.Context, uuid.UUID) (string, error) {
	return a.seed, a.seedErr
}

func (a *fakeAccounts) PayoutContact(context.Context, uuid.UUID) (string, string, error) {
	return a.phone, a.operator, a.contactErr
}

func (a *fakeAccounts) Notify(_ context.Context, _ uuid.UUID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifications = append(a.notifications, text)
	return nil
}

type fakeRates struct {
	rate decimal.Decimal
	err  error
}

func (r *fakeRates) SettlementRate(context.Context) (decimal.Decimal, error) {
	return r.rate, r.err
}

func (r *fakeRates) DisplayRate(context.Context) decimal.Decimal {
	return r.rate
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// memLocker mirrors the redis SetNX lock in memory.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func timeZero() time.Time { return time.Time{} }

// noopLocker always grants the lock, exposing the store transition as the
// only remaining exactly-once mechanism.
type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (noopLocker) Release(context.Context, string)                              {}
