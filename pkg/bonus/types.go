package bonus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OperationKind enumerates ledger entry kinds.
type OperationKind string

const (
	KindAccrual       OperationKind = "accrual"
	KindDeduction     OperationKind = "deduction"
	KindReserve       OperationKind = "reserve"
	KindManualReserve OperationKind = "manual_reserve"
	KindCompleted     OperationKind = "completed"
	KindCancelled     OperationKind = "cancelled"
	KindExpired       OperationKind = "expired"
	KindUnknown       OperationKind = "unknown"
)

// Entry is a single immutable line of the embedded transaction log.
// Lines written by the legacy formatter that no longer parse are kept
// verbatim in raw and round-trip unchanged.
type Entry struct {
	Timestamp      time.Time
	OrderRef       string
	LeadRef        string
	Kind           OperationKind
	OrderTotal     int64
	AmountAdded    int64
	AmountRemoved  int64
	BalanceBefore  int64
	BalanceAfter   int64
	ExpirySnapshot time.Time

	raw string
}

// IsRaw reports whether the entry carries only unparsed legacy text.
func (entry Entry) IsRaw() bool {
	return entry.raw != ""
}

// RawEntry wraps a verbatim history line that the codec could not parse.
func RawEntry(line string) Entry {
	return Entry{Kind: KindUnknown, raw: strings.TrimSpace(line)}
}

// Account is the customer snapshot held in the record store. Both balance
// fields and History are rewritten together on every mutation; the store
// offers no finer-grained update.
type Account struct {
	ClientRef       string
	DisplayName     string
	ActiveBalance   int64
	ReservedBalance int64
	ExpiryDate      time.Time
	History         string
}

// Order is the order-side state this core reads; it never writes anything
// but the discount field, and that only on the manual reservation path.
type Order struct {
	Ref            string
	ClientRef      string
	Total          int64
	DiscountAmount int64
	PromoCode      string
}

// Lead carries the manual reservation request sourced from a pipeline card.
type Lead struct {
	Ref           string
	ContactRef    string
	OrderRef      string
	ReserveAmount int64
}

// Identity is a normalized customer identity: a canonical 12-digit phone
// or an email address.
type Identity struct {
	value string
	email bool
}

// NewIdentity classifies and normalizes a raw contact string.
func NewIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	if strings.Contains(trimmed, "@") {
		return Identity{value: trimmed, email: true}, nil
	}
	phone := NormalizePhone(trimmed)
	if phone == "" {
		return Identity{}, fmt.Errorf("%w: no digits in phone %q", ErrInvalidIdentity, raw)
	}
	return Identity{value: phone}, nil
}

// String returns the normalized contact value.
func (identity Identity) String() string {
	return identity.value
}

// IsEmail reports whether the identity is an email address.
func (identity Identity) IsEmail() bool {
	return identity.email
}

// NormalizePhone strips non-digits and maps the national 9/10/11/12 digit
// variants onto the canonical 12-digit international form.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, character := range raw {
		if character >= '0' && character <= '9' {
			digits.WriteRune(character)
		}
	}
	cleaned := digits.String()
	switch {
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "380"):
		return cleaned
	case len(cleaned) == 11 && strings.HasPrefix(cleaned, "80"):
		return "3" + cleaned
	case len(cleaned) == 10 && strings.HasPrefix(cleaned, "0"):
		return "38" + cleaned
	case len(cleaned) == 9:
		return "380" + cleaned
	}
	return cleaned
}

// Config collects every tunable of the engine. It is passed into the
// Service at construction; there is no module-level knob.
type Config struct {
	AccrualPercent       float64
	RedemptionCapPercent float64
	ExpiryWindow         time.Duration
	MaxHistoryEntries    int
	MaxHistoryLength     int
	TruncateKeepEntries  int
}

// DefaultConfig mirrors the production tuning of the loyalty program.
func DefaultConfig() Config {
	return Config{
		AccrualPercent:       0.10,
		RedemptionCapPercent: 0.50,
		ExpiryWindow:         90 * 24 * time.Hour,
		MaxHistoryEntries:    50,
		MaxHistoryLength:     4000,
		TruncateKeepEntries:  40,
	}
}

// Validate rejects configurations the engine cannot run with.
func (config Config) Validate() error {
	if config.AccrualPercent < 0 || config.AccrualPercent > 1 {
		return fmt.Errorf("%w: accrual percent %v out of [0,1]", ErrInvalidServiceConfig, config.AccrualPercent)
	}
	if config.RedemptionCapPercent <= 0 || config.RedemptionCapPercent > 1 {
		return fmt.Errorf("%w: redemption cap percent %v out of (0,1]", ErrInvalidServiceConfig, config.RedemptionCapPercent)
	}
	if config.ExpiryWindow <= 0 {
		return fmt.Errorf("%w: expiry window must be positive", ErrInvalidServiceConfig)
	}
	if config.MaxHistoryEntries <= 0 || config.MaxHistoryLength <= 0 {
		return fmt.Errorf("%w: history bounds must be positive", ErrInvalidServiceConfig)
	}
	if config.TruncateKeepEntries <= 0 || config.TruncateKeepEntries > config.MaxHistoryEntries {
		return fmt.Errorf("%w: truncate keep count %d out of (0,%d]", ErrInvalidServiceConfig, config.TruncateKeepEntries, config.MaxHistoryEntries)
	}
	return nil
}

// Store is the record-store contract used by Service. The backing store
// supports only whole-field reads and writes: no transactions, no unique
// constraints, no compare-and-swap. Balance updates and history updates
// are separate calls by design; see the partial-failure policy on Service.
type Store interface {
	FindAccount(ctx context.Context, identity Identity) (Account, error)
	GetAccount(ctx context.Context, clientRef string) (Account, error)
	CreateAccount(ctx context.Context, identity Identity, displayName string) (Account, error)
	UpdateBalances(ctx context.Context, clientRef string, active int64, reserved int64, expiry time.Time) error
	UpdateHistory(ctx context.Context, clientRef string, history string) error
	GetOrder(ctx context.Context, orderRef string) (Order, error)
	UpdateOrderDiscount(ctx context.Context, orderRef string, discount int64) error
	GetLead(ctx context.Context, leadRef string) (Lead, error)
	UpdateLeadReserve(ctx context.Context, leadRef string, amount int64) error
}

// SweepOutcome reports what the lazy expiry pass did before an operation.
type SweepOutcome struct {
	Expired       bool
	ExpiredAmount int64
}

// ReserveResult describes the effect of a reservation.
type ReserveResult struct {
	Duplicate       bool
	Requested       int64
	Granted         int64
	AlreadyReserved int64
	ActiveBefore    int64
	ActiveAfter     int64
	ReservedAfter   int64
	HistoryUpdated  bool
	Sweep           SweepOutcome
}

// ManualReserveResult extends ReserveResult with the cross-system fix-up
// outcome of the lead-sourced path.
type ManualReserveResult struct {
	ReserveResult
	OrderRef         string
	LeadRef          string
	ClientRef        string
	WasCorrected     bool
	NewOrderDiscount int64
}

// SettleResult describes the effect of completing an order.
type SettleResult struct {
	Duplicate        bool
	Accrued          int64
	Released         int64
	ReservationFound bool
	ActiveAfter      int64
	ReservedAfter    int64
	HistoryUpdated   bool
}

// CancelResult describes the effect of cancelling an order.
type CancelResult struct {
	Duplicate        bool
	Returned         int64
	ReservationFound bool
	ActiveAfter      int64
	ReservedAfter    int64
	HistoryUpdated   bool
}

// AccrueResult describes a plain accrual.
type AccrueResult struct {
	Duplicate      bool
	Accrued        int64
	ActiveBefore   int64
	ActiveAfter    int64
	AccountCreated bool
	HistoryUpdated bool
}

// DeductResult describes a direct deduction from the active balance.
type DeductResult struct {
	Deducted       int64
	ActiveAfter    int64
	HistoryUpdated bool
	Sweep          SweepOutcome
}

// BalanceView is the read-only snapshot returned to inspection endpoints.
type BalanceView struct {
	ClientRef       string
	ActiveBalance   int64
	ReservedBalance int64
	ExpiryDate      time.Time
}
