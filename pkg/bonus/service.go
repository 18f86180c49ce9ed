package bonus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
//
// The record store offers no transactions and no compare-and-swap; every
// mutation is read-then-compute-then-overwrite. Operations on the same
// account are serialized through an in-process keyed mutex, which closes
// the race between concurrent deliveries handled by one instance. Races
// between instances remain possible: the last write wins. The idempotency
// checks guard replay of the same logical operation, not concurrent
// distinct ones.
//
// Partial-failure policy: the balance write is authoritative. When it
// succeeds but the subsequent history write fails, the operation still
// reports success with HistoryUpdated=false; the entry text is surfaced
// through the operation log instead.
type Service struct {
	store  Store
	config Config
	nowFn  func() time.Time
	logger OperationLogger
	locks  sync.Map
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve holds points against an order at creation time. The requested
// amount (normally the order's discount) is clamped by the redemption cap
// headroom and by the active balance; replayed deliveries succeed with
// Duplicate set and no balance change.
func (service *Service) Reserve(ctx context.Context, clientRef string, order Order, requested int64) (ReserveResult, error) {
	result := ReserveResult{Requested: requested}
	if clientRef == "" {
		return result, fmt.Errorf("%w: client reference is required", ErrValidation)
	}
	if order.Ref == "" {
		return result, fmt.Errorf("%w: order reference is required", ErrInvalidOrderRef)
	}
	if requested < 0 {
		return result, fmt.Errorf("%w: requested amount %d is negative", ErrInvalidAmount, requested)
	}
	unlock := service.lockAccount(clientRef)
	defer unlock()

	operationError := func() error {
		account, err := service.store.GetAccount(ctx, clientRef)
		if err != nil {
			return err
		}
		ledger := DecodeLedger(account.History)
		if HasOperation(ledger, order.Ref, symbolReserve) {
			result.Duplicate = true
			result.ActiveBefore = account.ActiveBalance
			result.ActiveAfter = account.ActiveBalance
			result.ReservedAfter = account.ReservedBalance
			result.HistoryUpdated = true
			return nil
		}
		sweep, err := service.sweepIfExpired(ctx, &account)
		if err != nil {
			return err
		}
		result.Sweep = sweep
		ledger = DecodeLedger(account.History)

		alreadyReserved, _ := FindReservationTotal(ledger, order.Ref)
		result.AlreadyReserved = alreadyReserved
		headroom := service.redemptionCap(order.Total) - alreadyReserved
		if headroom <= 0 {
			return fmt.Errorf("%w: order %s already carries %d of %d allowed",
				ErrCapExceeded, order.Ref, alreadyReserved, service.redemptionCap(order.Total))
		}
		grant := min(requested, headroom, account.ActiveBalance)
		result.ActiveBefore = account.ActiveBalance
		if grant <= 0 {
			result.ActiveAfter = account.ActiveBalance
			result.ReservedAfter = account.ReservedBalance
			result.HistoryUpdated = true
			return nil
		}
		result.Granted = grant
		return service.applyReservation(ctx, &account, order, grant, "", KindReserve, &result)
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		ClientRef:      clientRef,
		OrderRef:       order.Ref,
		Amount:         result.Granted,
		Duplicate:      result.Duplicate,
		HistoryUpdated: result.HistoryUpdated,
		Error:          operationError,
	})
	return result, operationError
}

// Complete finalizes an order: accrues the percentage of the order total
// and releases whatever the history says was reserved for it. When no
// reservation entry exists the order's recorded discount is used as a
// degraded fallback. Replay is detected through the completed entry.
func (service *Service) Complete(ctx context.Context, clientRef string, order Order) (SettleResult, error) {
	result := SettleResult{}
	if clientRef == "" {
		return result, fmt.Errorf("%w: client reference is required", ErrValidation)
	}
	if order.Ref == "" {
		return result, fmt.Errorf("%w: order reference is required", ErrInvalidOrderRef)
	}
	detail := ""
	unlock := service.lockAccount(clientRef)
	defer unlock()

	operationError := func() error {
		account, err := service.store.GetAccount(ctx, clientRef)
		if err != nil {
			return err
		}
		ledger := DecodeLedger(account.History)
		if HasOperation(ledger, order.Ref, symbolCompleted) {
			result.Duplicate = true
			result.ActiveAfter = account.ActiveBalance
			result.ReservedAfter = account.ReservedBalance
			result.HistoryUpdated = true
			return nil
		}

		reservedForOrder, found := FindReservationTotal(ledger, order.Ref)
		result.ReservationFound = found
		if !found {
			reservedForOrder = order.DiscountAmount
			detail = fmt.Sprintf("no reservation entry for order %s, falling back to recorded discount %d", order.Ref, reservedForOrder)
		}
		accrual := service.accrualAmount(order.Total)
		newReserved := max(0, account.ReservedBalance-reservedForOrder)
		newActive := account.ActiveBalance + accrual
		result.Accrued = accrual
		result.Released = account.ReservedBalance - newReserved

		expiry := service.nextExpiry()
		if err := service.store.UpdateBalances(ctx, account.ClientRef, newActive, newReserved, expiry); err != nil {
			return err
		}
		previousActive := account.ActiveBalance
		account.ActiveBalance = newActive
		account.ReservedBalance = newReserved
		account.ExpiryDate = expiry
		result.ActiveAfter = newActive
		result.ReservedAfter = newReserved
		result.HistoryUpdated = service.appendEntry(ctx, &account, Entry{
			Timestamp:      service.nowFn(),
			OrderRef:       order.Ref,
			Kind:           KindCompleted,
			OrderTotal:     order.Total,
			AmountAdded:    accrual,
			AmountRemoved:  reservedForOrder,
			BalanceBefore:  previousActive,
			BalanceAfter:   newActive,
			ExpirySnapshot: expiry,
		})
		return nil
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationComplete,
		ClientRef:      clientRef,
		OrderRef:       order.Ref,
		Amount:         result.Accrued,
		Duplicate:      result.Duplicate,
		HistoryUpdated: result.HistoryUpdated,
		Detail:         detail,
		Error:          operationError,
	})
	return result, operationError
}

// Cancel rolls a reservation back: the amount held for the order returns
// from the reserved balance to the active one. No accrual is ever granted
// on cancellation. The fallback amount is used when the history holds no
// reservation entry for the order.
func (service *Service) Cancel(ctx context.Context, clientRef string, orderRef string, fallbackAmount int64) (CancelResult, error) {
	result := CancelResult{}
	if clientRef == "" {
		return result, fmt.Errorf("%w: client reference is required", ErrValidation)
	}
	if orderRef == "" {
		return result, fmt.Errorf("%w: order reference is required", ErrInvalidOrderRef)
	}
	detail := ""
	unlock := service.lockAccount(clientRef)
	defer unlock()

	operationError := func() error {
		account, err := service.store.GetAccount(ctx, clientRef)
		if err != nil {
			return err
		}
		ledger := DecodeLedger(account.History)
		if HasOperation(ledger, orderRef, symbolCancelled) {
			result.Duplicate = true
			result.ActiveAfter = account.ActiveBalance
			result.ReservedAfter = account.ReservedBalance
			result.HistoryUpdated = true
			return nil
		}

		reservedForOrder, found := FindReservationTotal(ledger, orderRef)
		result.ReservationFound = found
		if !found {
			reservedForOrder = fallbackAmount
			detail = fmt.Sprintf("no reservation entry for order %s, falling back to caller-supplied amount %d", orderRef, reservedForOrder)
		}
		returnAmount := min(reservedForOrder, account.ReservedBalance)
		if returnAmount < 0 {
			returnAmount = 0
		}
		newActive := account.ActiveBalance + returnAmount
		newReserved := account.ReservedBalance - returnAmount
		result.Returned = returnAmount

		expiry := service.nextExpiry()
		if err := service.store.UpdateBalances(ctx, account.ClientRef, newActive, newReserved, expiry); err != nil {
			return err
		}
		previousActive := account.ActiveBalance
		account.ActiveBalance = newActive
		account.ReservedBalance = newReserved
		account.ExpiryDate = expiry
		result.ActiveAfter = newActive
		result.ReservedAfter = newReserved
		result.HistoryUpdated = service.appendEntry(ctx, &account, Entry{
			Timestamp:      service.nowFn(),
			OrderRef:       orderRef,
			Kind:           KindCancelled,
			AmountRemoved:  returnAmount,
			BalanceBefore:  previousActive,
			BalanceAfter:   newActive,
			ExpirySnapshot: expiry,
		})
		return nil
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationCancel,
		ClientRef:      clientRef,
		OrderRef:       orderRef,
		Amount:         result.Returned,
		Duplicate:      result.Duplicate,
		HistoryUpdated: result.HistoryUpdated,
		Detail:         detail,
		Error:          operationError,
	})
	return result, operationError
}

// sweepIfExpired lazily invalidates a stale active balance before a
// redemption-affecting operation runs. Reserved balance is untouched:
// open reservations settle or roll back through their own lifecycle.
func (service *Service) sweepIfExpired(ctx context.Context, account *Account) (SweepOutcome, error) {
	if account.ActiveBalance <= 0 || account.ExpiryDate.IsZero() {
		return SweepOutcome{}, nil
	}
	if !service.nowFn().After(account.ExpiryDate) {
		return SweepOutcome{}, nil
	}
	previousActive := account.ActiveBalance
	expiry := service.nextExpiry()
	if err := service.store.UpdateBalances(ctx, account.ClientRef, 0, account.ReservedBalance, expiry); err != nil {
		return SweepOutcome{}, err
	}
	account.ActiveBalance = 0
	account.ExpiryDate = expiry
	historyUpdated := service.appendEntry(ctx, account, Entry{
		Timestamp:      service.nowFn(),
		OrderRef:       expiredReference(),
		Kind:           KindExpired,
		AmountRemoved:  previousActive,
		BalanceBefore:  previousActive,
		BalanceAfter:   0,
		ExpirySnapshot: expiry,
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSweep,
		ClientRef:      account.ClientRef,
		Amount:         previousActive,
		HistoryUpdated: historyUpdated,
	})
	return SweepOutcome{Expired: true, ExpiredAmount: previousActive}, nil
}

func (service *Service) applyReservation(ctx context.Context, account *Account, order Order, grant int64, leadRef string, kind OperationKind, result *ReserveResult) error {
	newActive := account.ActiveBalance - grant
	newReserved := account.ReservedBalance + grant
	expiry := service.nextExpiry()
	if err := service.store.UpdateBalances(ctx, account.ClientRef, newActive, newReserved, expiry); err != nil {
		return err
	}
	previousActive := account.ActiveBalance
	account.ActiveBalance = newActive
	account.ReservedBalance = newReserved
	account.ExpiryDate = expiry
	result.ActiveAfter = newActive
	result.ReservedAfter = newReserved
	result.HistoryUpdated = service.appendEntry(ctx, account, Entry{
		Timestamp:      service.nowFn(),
		OrderRef:       order.Ref,
		LeadRef:        leadRef,
		Kind:           kind,
		OrderTotal:     order.Total,
		AmountAdded:    grant,
		BalanceBefore:  previousActive,
		BalanceAfter:   newActive,
		ExpirySnapshot: expiry,
	})
	return nil
}

// appendEntry prepends the entry to the account's history and writes it
// back. A failed history write degrades to false, never to an error.
func (service *Service) appendEntry(ctx context.Context, account *Account, entry Entry) bool {
	ledger := append([]Entry{entry}, DecodeLedger(account.History)...)
	encoded := EncodeLedger(service.config, ledger)
	if err := service.store.UpdateHistory(ctx, account.ClientRef, encoded); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: entry.operationName(),
			ClientRef: account.ClientRef,
			OrderRef:  entry.OrderRef,
			LeadRef:   entry.LeadRef,
			Status:    operationStatusDegraded,
			Detail:    "history write failed, entry kept as log only: " + entry.Text(),
			Error:     err,
		})
		return false
	}
	account.History = encoded
	return true
}

func (entry Entry) operationName() string {
	switch entry.Kind {
	case KindReserve:
		return operationReserve
	case KindManualReserve:
		return operationManualReserve
	case KindCompleted:
		return operationComplete
	case KindCancelled:
		return operationCancel
	case KindAccrual:
		return operationAccrue
	case KindDeduction:
		return operationDeduct
	case KindExpired:
		return operationSweep
	}
	return string(entry.Kind)
}

func (service *Service) redemptionCap(orderTotal int64) int64 {
	return int64(float64(orderTotal) * service.config.RedemptionCapPercent)
}

func (service *Service) accrualAmount(orderTotal int64) int64 {
	return int64(float64(orderTotal) * service.config.AccrualPercent)
}

func (service *Service) nextExpiry() time.Time {
	return service.nowFn().Add(service.config.ExpiryWindow)
}

func (service *Service) lockAccount(clientRef string) func() {
	lockValue, _ := service.locks.LoadOrStore(clientRef, &sync.Mutex{})
	accountLock := lockValue.(*sync.Mutex)
	accountLock.Lock()
	return accountLock.Unlock
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func expiredReference() string {
	return "EXPIRED-" + uuid.NewString()[:8]
}
