package bonus

const (
	operationReserve       = "reserve"
	operationManualReserve = "manual_reserve"
	operationComplete      = "complete"
	operationCancel        = "cancel"
	operationAccrue        = "accrue"
	operationDeduct        = "deduct"
	operationSweep         = "sweep"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDegraded = "degraded"

	symbolCompleted     = "✅"
	symbolCancelled     = "❌"
	symbolReserve       = "🔒"
	symbolManualReserve = "🔐"
	symbolAccrual       = "🎁"
	symbolDeduction     = "👤"
	symbolExpired       = "⏳"
	symbolUnknown       = "📝"

	summaryReserved = "reserved"
	summaryManual   = "manual"
	summaryUsed     = "used"
	summaryReturned = "returned"
	summaryAccrued  = "accrued"
	summaryExpired  = "expired"

	currencySign     = "₴"
	expiryPrefix     = "до"
	truncationMarker = "..."

	entryTimeLayout       = "02.01.06 15:04"
	entryDateLayout       = "02.01.06"
	legacyEntryDateLayout = "02.01"
)
