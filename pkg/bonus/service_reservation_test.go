package bonus

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestReserveHoldsRequestedAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	service := mustNewService(test, store)

	result, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 400)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Granted != 400 {
		test.Fatalf("expected grant 400, got %d", result.Granted)
	}
	assertBalances(test, store, 600, 400)
	if !result.HistoryUpdated {
		test.Fatalf("expected history to be written")
	}
	expected := "🔒 13.05.25 12:00 | #1001 | 1000₴ | reserved 400 | 1000→600 | до 11.08.25"
	if !strings.Contains(store.account.History, expected) {
		test.Fatalf("expected history entry %q, got %q", expected, store.account.History)
	}
}

func TestReserveClampsToRedemptionCap(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	service := mustNewService(test, store)

	result, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 600)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Granted != 500 {
		test.Fatalf("expected cap clamp to 500, got %d", result.Granted)
	}
	assertBalances(test, store, 500, 500)
}

func TestReserveClampsToActiveBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 300, 0)
	service := mustNewService(test, store)

	result, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 400)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Granted != 300 {
		test.Fatalf("expected grant limited to balance 300, got %d", result.Granted)
	}
	assertBalances(test, store, 0, 300)
	assertNonNegativeBalances(test, store)
}

func TestReserveWithZeroBalanceSucceedsWithoutWrites(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0, 0)
	service := mustNewService(test, store)

	result, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 400)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Granted != 0 {
		test.Fatalf("expected zero grant, got %d", result.Granted)
	}
	if store.balanceWrites != 0 || store.historyWrites != 0 {
		test.Fatalf("expected no writes, got %d balance and %d history", store.balanceWrites, store.historyWrites)
	}
}

func TestReserveReplayIsDuplicate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	service := mustNewService(test, store)
	order := Order{Ref: "1001", Total: 1000}

	if _, err := service.Reserve(context.Background(), "buyer-1", order, 400); err != nil {
		test.Fatalf("first reserve: %v", err)
	}
	replay, err := service.Reserve(context.Background(), "buyer-1", order, 400)
	if err != nil {
		test.Fatalf("replayed reserve: %v", err)
	}
	if !replay.Duplicate {
		test.Fatalf("expected duplicate result")
	}
	if store.balanceWrites != 1 {
		test.Fatalf("expected a single balance write, got %d", store.balanceWrites)
	}
	assertBalances(test, store, 600, 400)
}

func TestReserveRejectsExhaustedHeadroom(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 500)
	manual := Entry{
		Timestamp:      fixedNow,
		OrderRef:       "1001",
		LeadRef:        "77",
		Kind:           KindManualReserve,
		OrderTotal:     1000,
		AmountAdded:    500,
		BalanceBefore:  1500,
		BalanceAfter:   1000,
		ExpirySnapshot: fixedNow.AddDate(0, 0, 90),
	}
	store.account.History = FormatEntry(manual)
	service := mustNewService(test, store)

	_, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 100)
	if !errors.Is(err, ErrCapExceeded) {
		test.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	assertBalances(test, store, 1000, 500)
}

func TestReserveValidatesInput(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test, 1000, 0))
	cases := []struct {
		name      string
		clientRef string
		order     Order
		requested int64
		sentinel  error
	}{
		{name: "missing client", clientRef: "", order: Order{Ref: "1001", Total: 1000}, requested: 100, sentinel: ErrValidation},
		{name: "missing order", clientRef: "buyer-1", order: Order{Total: 1000}, requested: 100, sentinel: ErrInvalidOrderRef},
		{name: "negative amount", clientRef: "buyer-1", order: Order{Ref: "1001", Total: 1000}, requested: -1, sentinel: ErrInvalidAmount},
	}
	for _, testCase := range cases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := service.Reserve(context.Background(), testCase.clientRef, testCase.order, testCase.requested)
			if !errors.Is(err, testCase.sentinel) {
				test.Fatalf("expected %v, got %v", testCase.sentinel, err)
			}
		})
	}
}

func TestReserveSurvivesHistoryWriteFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.historyErr = errors.New("record store rejected the write")
	service := mustNewService(test, store)

	result, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 400)
	if err != nil {
		test.Fatalf("reserve must succeed when only the history write fails: %v", err)
	}
	if result.HistoryUpdated {
		test.Fatalf("expected HistoryUpdated=false")
	}
	assertBalances(test, store, 600, 400)
}

func TestReservePropagatesBalanceWriteFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.balancesErr = errors.New("record store rejected the write")
	service := mustNewService(test, store)

	_, err := service.Reserve(context.Background(), "buyer-1", Order{Ref: "1001", Total: 1000}, 400)
	if err == nil {
		test.Fatalf("expected the balance write failure to propagate")
	}
	assertBalances(test, store, 1000, 0)
}

func TestManualReserveCorrectsOverCapRequest(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.orders["1001"] = Order{Ref: "1001", ClientRef: "buyer-1", Total: 1000, DiscountAmount: 400}
	store.account.History = FormatEntry(Entry{
		Timestamp:      fixedNow,
		OrderRef:       "1001",
		Kind:           KindReserve,
		OrderTotal:     1000,
		AmountAdded:    400,
		BalanceBefore:  1400,
		BalanceAfter:   1000,
		ExpirySnapshot: fixedNow.AddDate(0, 0, 90),
	})
	service := mustNewService(test, store)

	result, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "1001", ReserveAmount: 200})
	if err != nil {
		test.Fatalf("manual reserve: %v", err)
	}
	if !result.WasCorrected {
		test.Fatalf("expected the over-cap request to be corrected")
	}
	if result.Granted != 100 {
		test.Fatalf("expected grant 100 within remaining headroom, got %d", result.Granted)
	}
	if store.leadReserveUpdates["77"] != 100 {
		test.Fatalf("expected lead reserve fixed to 100, got %d", store.leadReserveUpdates["77"])
	}
	if result.NewOrderDiscount != 500 || store.orderDiscountUpdates["1001"] != 500 {
		test.Fatalf("expected order discount raised to 500, got result %d store %d",
			result.NewOrderDiscount, store.orderDiscountUpdates["1001"])
	}
	assertBalances(test, store, 900, 100)
}

func TestManualReserveWritesLeadAnnotatedEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.orders["1001"] = Order{Ref: "1001", ClientRef: "buyer-1", Total: 1000}
	service := mustNewService(test, store)

	result, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "1001", ReserveAmount: 200})
	if err != nil {
		test.Fatalf("manual reserve: %v", err)
	}
	if result.Granted != 200 || result.WasCorrected {
		test.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(store.account.History, "🔐") || !strings.Contains(store.account.History, "#1001 (Lead #77)") {
		test.Fatalf("expected manual entry with lead reference, got %q", store.account.History)
	}
}

func TestManualReserveReplayIsDuplicate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.orders["1001"] = Order{Ref: "1001", ClientRef: "buyer-1", Total: 1000}
	service := mustNewService(test, store)
	lead := Lead{Ref: "77", OrderRef: "1001", ReserveAmount: 200}

	if _, err := service.ManualReserve(context.Background(), lead); err != nil {
		test.Fatalf("first manual reserve: %v", err)
	}
	replay, err := service.ManualReserve(context.Background(), lead)
	if err != nil {
		test.Fatalf("replayed manual reserve: %v", err)
	}
	if !replay.Duplicate {
		test.Fatalf("expected duplicate result")
	}
	if store.balanceWrites != 1 {
		test.Fatalf("expected a single balance write, got %d", store.balanceWrites)
	}
}

func TestManualReserveCoexistsWithAutomaticReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.orders["1001"] = Order{Ref: "1001", ClientRef: "buyer-1", Total: 1000}
	service := mustNewService(test, store)
	order := Order{Ref: "1001", Total: 1000}

	if _, err := service.Reserve(context.Background(), "buyer-1", order, 300); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	result, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "1001", ReserveAmount: 100})
	if err != nil {
		test.Fatalf("manual reserve after automatic: %v", err)
	}
	if result.Duplicate {
		test.Fatalf("manual path must not treat the automatic entry as its own duplicate")
	}
	if result.Granted != 100 {
		test.Fatalf("expected grant 100, got %d", result.Granted)
	}
	assertBalances(test, store, 600, 400)
}

func TestManualReserveFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000, 0)
	store.orders["2002"] = Order{Ref: "2002", Total: 1000}
	service := mustNewService(test, store)

	if _, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "9999", ReserveAmount: 100}); !errors.Is(err, ErrOrderNotFound) {
		test.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "2002", ReserveAmount: 0}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := service.ManualReserve(context.Background(), Lead{Ref: "77", ReserveAmount: 100}); !errors.Is(err, ErrInvalidOrderRef) {
		test.Fatalf("expected ErrInvalidOrderRef, got %v", err)
	}
	if _, err := service.ManualReserve(context.Background(), Lead{Ref: "77", OrderRef: "2002", ReserveAmount: 100}); !errors.Is(err, ErrValidation) {
		test.Fatalf("expected ErrValidation without any client reference, got %v", err)
	}
}
