package bonus

import (
	"context"
	"testing"
	"time"
)

// fixedNow pins the clock for every service test: 13.05.25 12:00 UTC,
// which puts the recomputed expiry at 11.08.25.
var fixedNow = time.Date(2025, time.May, 13, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

type stubStore struct {
	account Account
	orders  map[string]Order
	leads   map[string]Lead

	accountMissing bool

	balancesErr error
	historyErr  error

	balanceWrites        int
	historyWrites        int
	orderDiscountUpdates map[string]int64
	leadReserveUpdates   map[string]int64
}

func newStubStore(test *testing.T, active int64, reserved int64) *stubStore {
	test.Helper()
	return &stubStore{
		account: Account{
			ClientRef:       "buyer-1",
			DisplayName:     "Test Buyer",
			ActiveBalance:   active,
			ReservedBalance: reserved,
			ExpiryDate:      fixedNow.Add(30 * 24 * time.Hour),
		},
		orders:               map[string]Order{},
		leads:                map[string]Lead{},
		orderDiscountUpdates: map[string]int64{},
		leadReserveUpdates:   map[string]int64{},
	}
}

func (store *stubStore) FindAccount(ctx context.Context, identity Identity) (Account, error) {
	if store.accountMissing {
		return Account{}, ErrAccountNotFound
	}
	return store.account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, clientRef string) (Account, error) {
	if store.accountMissing {
		return Account{}, ErrAccountNotFound
	}
	return store.account, nil
}

func (store *stubStore) CreateAccount(ctx context.Context, identity Identity, displayName string) (Account, error) {
	store.accountMissing = false
	store.account = Account{ClientRef: "buyer-1", DisplayName: displayName}
	return store.account, nil
}

func (store *stubStore) UpdateBalances(ctx context.Context, clientRef string, active int64, reserved int64, expiry time.Time) error {
	if store.balancesErr != nil {
		return store.balancesErr
	}
	store.balanceWrites++
	store.account.ActiveBalance = active
	store.account.ReservedBalance = reserved
	store.account.ExpiryDate = expiry
	return nil
}

func (store *stubStore) UpdateHistory(ctx context.Context, clientRef string, history string) error {
	if store.historyErr != nil {
		return store.historyErr
	}
	store.historyWrites++
	store.account.History = history
	return nil
}

func (store *stubStore) GetOrder(ctx context.Context, orderRef string) (Order, error) {
	order, ok := store.orders[orderRef]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (store *stubStore) UpdateOrderDiscount(ctx context.Context, orderRef string, discount int64) error {
	store.orderDiscountUpdates[orderRef] = discount
	if order, ok := store.orders[orderRef]; ok {
		order.DiscountAmount = discount
		store.orders[orderRef] = order
	}
	return nil
}

func (store *stubStore) GetLead(ctx context.Context, leadRef string) (Lead, error) {
	lead, ok := store.leads[leadRef]
	if !ok {
		return Lead{}, ErrLeadNotFound
	}
	return lead, nil
}

func (store *stubStore) UpdateLeadReserve(ctx context.Context, leadRef string, amount int64) error {
	store.leadReserveUpdates[leadRef] = amount
	return nil
}

func (store *stubStore) ledger(test *testing.T) []Entry {
	test.Helper()
	return DecodeLedger(store.account.History)
}

func (store *stubStore) countKind(test *testing.T, kind OperationKind) int {
	test.Helper()
	count := 0
	for _, entry := range store.ledger(test) {
		if entry.Kind == kind {
			count++
		}
	}
	return count
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, DefaultConfig(), func() time.Time { return fixedNow })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustIdentity(test *testing.T, raw string) Identity {
	test.Helper()
	identity, err := NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity: %v", err)
	}
	return identity
}

func assertBalances(test *testing.T, store *stubStore, active int64, reserved int64) {
	test.Helper()
	if store.account.ActiveBalance != active {
		test.Fatalf("expected active balance %d, got %d", active, store.account.ActiveBalance)
	}
	if store.account.ReservedBalance != reserved {
		test.Fatalf("expected reserved balance %d, got %d", reserved, store.account.ReservedBalance)
	}
}

func assertNonNegativeBalances(test *testing.T, store *stubStore) {
	test.Helper()
	if store.account.ActiveBalance < 0 || store.account.ReservedBalance < 0 {
		test.Fatalf("balance invariant violated: active=%d reserved=%d",
			store.account.ActiveBalance, store.account.ReservedBalance)
	}
}
