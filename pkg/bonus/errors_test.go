package bonus

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	underlying := errors.New("record store timeout")
	wrapped := WrapError("reserve", "account", "store_unavailable", underlying)

	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "reserve" || operationError.Subject() != "account" || operationError.Code() != "store_unavailable" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	expected := "reserve.account.store_unavailable: record store timeout"
	if wrapped.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrapped.Error())
	}
	if !errors.Is(wrapped, underlying) {
		test.Fatalf("expected the underlying error to unwrap")
	}
}

func TestWrapErrorNilPassesThrough(test *testing.T) {
	test.Parallel()
	if wrapped := WrapError("reserve", "account", "store_unavailable", nil); wrapped != nil {
		test.Fatalf("expected nil, got %v", wrapped)
	}
}

func TestWrapErrorPreservesSentinels(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("deduct", "account", "insufficient_balance", ErrInsufficientBalance)
	if !errors.Is(wrapped, ErrInsufficientBalance) {
		test.Fatalf("expected the sentinel to survive wrapping, got %v", wrapped)
	}
}
