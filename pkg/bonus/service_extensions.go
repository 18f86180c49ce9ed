package bonus

import (
	"context"
	"errors"
	"fmt"
)

// ManualReserve applies a lead-sourced reservation. The lead names the
// order and the requested amount; the amount is clamped against the
// redemption cap headroom and, when clamped, the lead's reserve field and
// the order's recorded discount are fixed up to the granted amount so the
// three systems agree.
func (service *Service) ManualReserve(ctx context.Context, lead Lead) (ManualReserveResult, error) {
	result := ManualReserveResult{LeadRef: lead.Ref, OrderRef: lead.OrderRef}
	result.Requested = lead.ReserveAmount
	if lead.Ref == "" {
		return result, fmt.Errorf("%w: lead reference is required", ErrValidation)
	}
	if lead.OrderRef == "" {
		return result, fmt.Errorf("%w: lead %s names no order", ErrInvalidOrderRef, lead.Ref)
	}
	if lead.ReserveAmount <= 0 {
		return result, fmt.Errorf("%w: reserve amount %d must be positive", ErrInvalidAmount, lead.ReserveAmount)
	}

	order, err := service.store.GetOrder(ctx, lead.OrderRef)
	if err != nil {
		return result, err
	}
	if order.Total <= 0 {
		return result, fmt.Errorf("%w: order %s has non-positive total %d", ErrValidation, order.Ref, order.Total)
	}
	clientRef := order.ClientRef
	if clientRef == "" {
		clientRef = lead.ContactRef
	}
	if clientRef == "" {
		return result, fmt.Errorf("%w: neither order %s nor lead %s carries a client reference", ErrValidation, order.Ref, lead.Ref)
	}
	result.ClientRef = clientRef

	detail := ""
	unlock := service.lockAccount(clientRef)
	defer unlock()

	operationError := func() error {
		account, err := service.store.GetAccount(ctx, clientRef)
		if err != nil {
			return err
		}
		ledger := DecodeLedger(account.History)
		if HasManualReservation(ledger, order.Ref) {
			already, _ := FindReservationTotal(ledger, order.Ref)
			result.Duplicate = true
			result.AlreadyReserved = already
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

		amount := lead.ReserveAmount
		if amount > headroom {
			amount = headroom
			result.WasCorrected = true
			if err := service.store.UpdateLeadReserve(ctx, lead.Ref, amount); err != nil {
				detail = fmt.Sprintf("lead %s reserve field fix-up failed: %v", lead.Ref, err)
			}
		}
		grant := min(amount, account.ActiveBalance)
		result.ActiveBefore = account.ActiveBalance
		if grant <= 0 {
			result.ActiveAfter = account.ActiveBalance
			result.ReservedAfter = account.ReservedBalance
			result.HistoryUpdated = true
			return nil
		}
		result.Granted = grant
		if err := service.applyReservation(ctx, &account, order, grant, lead.Ref, KindManualReserve, &result.ReserveResult); err != nil {
			return err
		}
		result.NewOrderDiscount = order.DiscountAmount + grant
		if err := service.store.UpdateOrderDiscount(ctx, order.Ref, result.NewOrderDiscount); err != nil {
			// Points are already held; the discount fix-up is best effort.
			detail = fmt.Sprintf("order %s discount fix-up failed: %v", order.Ref, err)
		}
		return nil
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationManualReserve,
		ClientRef:      clientRef,
		OrderRef:       order.Ref,
		LeadRef:        lead.Ref,
		Amount:         result.Granted,
		Duplicate:      result.Duplicate,
		HistoryUpdated: result.HistoryUpdated,
		Detail:         detail,
		Error:          operationError,
	})
	return result, operationError
}

// Accrue grants the order percentage to an identity-resolved account,
// creating the account on first contact. An order that already carries an
// accrual or completion entry is acknowledged as a duplicate without
// effect; reservation and deduction entries do not block the accrual, so
// a combined deduct-then-accrue settlement lands in one pass.
func (service *Service) Accrue(ctx context.Context, identity Identity, displayName string, order Order) (AccrueResult, error) {
	result := AccrueResult{}
	if order.Ref == "" {
		return result, fmt.Errorf("%w: order reference is required", ErrInvalidOrderRef)
	}
	account, err := service.store.FindAccount(ctx, identity)
	if errors.Is(err, ErrAccountNotFound) {
		account, err = service.store.CreateAccount(ctx, identity, displayName)
		result.AccountCreated = err == nil
	}
	if err != nil {
		return result, err
	}

	unlock := service.lockAccount(account.ClientRef)
	defer unlock()

	operationError := func() error {
		if !result.AccountCreated {
			account, err = service.store.GetAccount(ctx, account.ClientRef)
			if err != nil {
				return err
			}
		}
		ledger := DecodeLedger(account.History)
		if HasOperation(ledger, order.Ref, symbolAccrual) || HasOperation(ledger, order.Ref, symbolCompleted) {
			result.Duplicate = true
			result.ActiveBefore = account.ActiveBalance
			result.ActiveAfter = account.ActiveBalance
			result.HistoryUpdated = true
			return nil
		}
		accrual := service.accrualAmount(order.Total)
		result.Accrued = accrual
		result.ActiveBefore = account.ActiveBalance
		if accrual <= 0 {
			result.ActiveAfter = account.ActiveBalance
			result.HistoryUpdated = true
			return nil
		}
		newActive := account.ActiveBalance + accrual
		expiry := service.nextExpiry()
		if err := service.store.UpdateBalances(ctx, account.ClientRef, newActive, account.ReservedBalance, expiry); err != nil {
			return err
		}
		previousActive := account.ActiveBalance
		account.ActiveBalance = newActive
		account.ExpiryDate = expiry
		result.ActiveAfter = newActive
		result.HistoryUpdated = service.appendEntry(ctx, &account, Entry{
			Timestamp:      service.nowFn(),
			OrderRef:       order.Ref,
			Kind:           KindAccrual,
			OrderTotal:     order.Total,
			AmountAdded:    accrual,
			BalanceBefore:  previousActive,
			BalanceAfter:   newActive,
			ExpirySnapshot: expiry,
		})
		return nil
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationAccrue,
		ClientRef:      account.ClientRef,
		OrderRef:       order.Ref,
		Amount:         result.Accrued,
		Duplicate:      result.Duplicate,
		HistoryUpdated: result.HistoryUpdated,
		Error:          operationError,
	})
	return result, operationError
}

// Deduct removes points from the active balance directly, outside the
// reservation lifecycle. The expiry sweep runs first and an expired
// balance refuses the deduction outright.
func (service *Service) Deduct(ctx context.Context, identity Identity, orderRef string, amount int64, orderTotal int64) (DeductResult, error) {
	result := DeductResult{}
	if amount <= 0 {
		return result, fmt.Errorf("%w: deduction amount %d must be positive", ErrInvalidAmount, amount)
	}
	account, err := service.store.FindAccount(ctx, identity)
	if err != nil {
		return result, err
	}

	unlock := service.lockAccount(account.ClientRef)
	defer unlock()

	operationError := func() error {
		account, err = service.store.GetAccount(ctx, account.ClientRef)
		if err != nil {
			return err
		}
		sweep, err := service.sweepIfExpired(ctx, &account)
		if err != nil {
			return err
		}
		result.Sweep = sweep
		if sweep.Expired {
			return fmt.Errorf("%w: %d points expired on %s", ErrBalanceExpired, sweep.ExpiredAmount, identity.String())
		}
		if account.ActiveBalance < amount {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, account.ActiveBalance, amount)
		}
		newActive := account.ActiveBalance - amount
		expiry := service.nextExpiry()
		if err := service.store.UpdateBalances(ctx, account.ClientRef, newActive, account.ReservedBalance, expiry); err != nil {
			return err
		}
		previousActive := account.ActiveBalance
		account.ActiveBalance = newActive
		account.ExpiryDate = expiry
		result.Deducted = amount
		result.ActiveAfter = newActive
		result.HistoryUpdated = service.appendEntry(ctx, &account, Entry{
			Timestamp:      service.nowFn(),
			OrderRef:       orderRef,
			Kind:           KindDeduction,
			OrderTotal:     orderTotal,
			AmountRemoved:  amount,
			BalanceBefore:  previousActive,
			BalanceAfter:   newActive,
			ExpirySnapshot: expiry,
		})
		return nil
	}()

	service.logOperation(ctx, OperationLog{
		Operation:      operationDeduct,
		ClientRef:      account.ClientRef,
		OrderRef:       orderRef,
		Amount:         result.Deducted,
		HistoryUpdated: result.HistoryUpdated,
		Error:          operationError,
	})
	return result, operationError
}

// Balance returns the current snapshot without mutating anything.
func (service *Service) Balance(ctx context.Context, identity Identity) (BalanceView, error) {
	account, err := service.store.FindAccount(ctx, identity)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		ClientRef:       account.ClientRef,
		ActiveBalance:   account.ActiveBalance,
		ReservedBalance: account.ReservedBalance,
		ExpiryDate:      account.ExpiryDate,
	}, nil
}

// CheckExpiry runs the lazy sweep for an identity and reports the
// resulting snapshot.
func (service *Service) CheckExpiry(ctx context.Context, identity Identity) (SweepOutcome, BalanceView, error) {
	account, err := service.store.FindAccount(ctx, identity)
	if err != nil {
		return SweepOutcome{}, BalanceView{}, err
	}
	unlock := service.lockAccount(account.ClientRef)
	defer unlock()
	account, err = service.store.GetAccount(ctx, account.ClientRef)
	if err != nil {
		return SweepOutcome{}, BalanceView{}, err
	}
	sweep, err := service.sweepIfExpired(ctx, &account)
	if err != nil {
		return SweepOutcome{}, BalanceView{}, err
	}
	view := BalanceView{
		ClientRef:       account.ClientRef,
		ActiveBalance:   account.ActiveBalance,
		ReservedBalance: account.ReservedBalance,
		ExpiryDate:      account.ExpiryDate,
	}
	return sweep, view, nil
}

// History returns the decoded ledger for an identity, newest first.
func (service *Service) History(ctx context.Context, identity Identity) ([]Entry, error) {
	account, err := service.store.FindAccount(ctx, identity)
	if err != nil {
		return nil, err
	}
	return DecodeLedger(account.History), nil
}
