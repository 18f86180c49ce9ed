package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

// Handler exposes the bonus engine over the CRM webhook surface and the
// storefront inspection routes.
type Handler struct {
	service *bonus.Service
	store   bonus.Store
	logger  *zap.Logger
}

// NewHandler wires the HTTP handlers.
func NewHandler(service *bonus.Service, store bonus.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, store: store, logger: logger}
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bonus.ErrValidation),
		errors.Is(err, bonus.ErrInvalidAmount),
		errors.Is(err, bonus.ErrInvalidOrderRef),
		errors.Is(err, bonus.ErrInvalidIdentity),
		errors.Is(err, bonus.ErrCapExceeded),
		errors.Is(err, bonus.ErrInsufficientBalance),
		errors.Is(err, bonus.ErrBalanceExpired):
		status = http.StatusBadRequest
	case errors.Is(err, bonus.ErrAccountNotFound),
		errors.Is(err, bonus.ErrOrderNotFound),
		errors.Is(err, bonus.ErrLeadNotFound):
		status = http.StatusNotFound
	}
	ctx.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func ignored(ctx *gin.Context, event string) {
	ctx.JSON(http.StatusOK, gin.H{"success": true, "message": "event " + event + " ignored"})
}

func (handler *Handler) handleOrderReserve(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed webhook body"})
		return
	}
	if envelope.Event != eventOrderCreate && envelope.Event != eventOrderStatusChange {
		ignored(ctx, envelope.Event)
		return
	}
	var order orderContext
	if err := json.Unmarshal(envelope.Context, &order); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed order context"})
		return
	}
	if order.ID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "order id is required"})
		return
	}
	if order.PromoCode == "" || order.DiscountAmount <= 0 {
		ctx.JSON(http.StatusOK, gin.H{"success": true, "message": "order carries no bonus discount", "order_id": order.ID.String()})
		return
	}
	if order.ClientID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "client id is required"})
		return
	}

	result, err := handler.service.Reserve(ctx.Request.Context(), order.ClientID.String(), bonus.Order{
		Ref:            order.ID.String(),
		ClientRef:      order.ClientID.String(),
		Total:          order.total(),
		DiscountAmount: int64(order.DiscountAmount),
		PromoCode:      order.PromoCode,
	}, int64(order.DiscountAmount))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"order_id":        order.ID.String(),
		"duplicate":       result.Duplicate,
		"reserved":        result.Granted,
		"active_after":    result.ActiveAfter,
		"reserved_after":  result.ReservedAfter,
		"history_updated": result.HistoryUpdated,
	})
}

func (handler *Handler) handleOrderComplete(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed webhook body"})
		return
	}
	var order orderContext
	if err := json.Unmarshal(envelope.Context, &order); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed order context"})
		return
	}
	if order.ID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "order id is required"})
		return
	}
	if order.total() <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "order total is required"})
		return
	}
	if order.ClientID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "client id is required"})
		return
	}

	result, err := handler.service.Complete(ctx.Request.Context(), order.ClientID.String(), bonus.Order{
		Ref:            order.ID.String(),
		ClientRef:      order.ClientID.String(),
		Total:          order.total(),
		DiscountAmount: int64(order.DiscountAmount),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"order_id":          order.ID.String(),
		"duplicate":         result.Duplicate,
		"accrued":           result.Accrued,
		"released":          result.Released,
		"reservation_found": result.ReservationFound,
		"active_after":      result.ActiveAfter,
		"reserved_after":    result.ReservedAfter,
		"history_updated":   result.HistoryUpdated,
	})
}

func (handler *Handler) handleOrderCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed request body"})
		return
	}
	if request.OrderID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "order_id is required"})
		return
	}
	if request.ClientID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "client_id is required"})
		return
	}

	result, err := handler.service.Cancel(ctx.Request.Context(), request.ClientID.String(), request.OrderID.String(), int64(request.UsedBonusAmount))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"order_id":          request.OrderID.String(),
		"duplicate":         result.Duplicate,
		"returned":          result.Returned,
		"reservation_found": result.ReservationFound,
		"active_after":      result.ActiveAfter,
		"reserved_after":    result.ReservedAfter,
		"history_updated":   result.HistoryUpdated,
	})
}

func (handler *Handler) handleLeadReserve(ctx *gin.Context) {
	var envelope webhookEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed webhook body"})
		return
	}
	if envelope.Event != eventLeadStatusChange {
		ignored(ctx, envelope.Event)
		return
	}
	var card leadContext
	if err := json.Unmarshal(envelope.Context, &card); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed lead context"})
		return
	}
	if card.ID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "lead id is required"})
		return
	}

	lead, err := handler.store.GetLead(ctx.Request.Context(), card.ID.String())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if lead.ContactRef == "" {
		lead.ContactRef = card.ContactID.String()
	}
	if lead.OrderRef == "" && card.TargetType == "order" {
		lead.OrderRef = card.TargetID.String()
	}

	result, err := handler.service.ManualReserve(ctx.Request.Context(), lead)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":            true,
		"lead_id":            result.LeadRef,
		"order_id":           result.OrderRef,
		"duplicate":          result.Duplicate,
		"requested":          result.Requested,
		"reserved":           result.Granted,
		"amount_corrected":   result.WasCorrected,
		"new_order_discount": result.NewOrderDiscount,
		"active_after":       result.ActiveAfter,
		"reserved_after":     result.ReservedAfter,
		"history_updated":    result.HistoryUpdated,
	})
}

// handleAccrue serves the storefront accrual route. A request may combine
// a deduction of previously spent points with the accrual for the new
// order; the deduction runs first, matching how the storefront settles.
func (handler *Handler) handleAccrue(ctx *gin.Context) {
	var request accrueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed request body"})
		return
	}
	if request.OrderID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "orderId is required"})
		return
	}
	identity, err := bonus.NewIdentity(request.Customer.contact())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	// Replay guard for the whole settlement: once any entry mentions the
	// order, the deduction and the accrual have both been applied.
	if entries, err := handler.service.History(ctx.Request.Context(), identity); err == nil {
		if bonus.HasOperation(entries, request.OrderID.String(), "") {
			ctx.JSON(http.StatusOK, gin.H{
				"success":   true,
				"duplicate": true,
				"order_id":  request.OrderID.String(),
			})
			return
		}
	}

	response := gin.H{"success": true, "order_id": request.OrderID.String()}
	if request.UsedBonusAmount > 0 {
		deduction, err := handler.service.Deduct(ctx.Request.Context(), identity, request.OrderID.String(),
			int64(request.UsedBonusAmount), int64(request.OrderTotal))
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		response["deducted"] = deduction.Deducted
		response["active_after"] = deduction.ActiveAfter
	}
	if request.OrderTotal > 0 {
		accrual, err := handler.service.Accrue(ctx.Request.Context(), identity, request.Customer.Name, bonus.Order{
			Ref:   request.OrderID.String(),
			Total: int64(request.OrderTotal),
		})
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		response["duplicate"] = accrual.Duplicate
		response["accrued"] = accrual.Accrued
		response["account_created"] = accrual.AccountCreated
		response["active_after"] = accrual.ActiveAfter
	}
	ctx.JSON(http.StatusOK, response)
}

func contactFromQuery(ctx *gin.Context) (bonus.Identity, error) {
	contact := ctx.Query("phone")
	if contact == "" {
		contact = ctx.Query("email")
	}
	return bonus.NewIdentity(contact)
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	identity, err := contactFromQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	view, err := handler.service.Balance(ctx.Request.Context(), identity)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":          true,
		"client_id":        view.ClientRef,
		"active_balance":   view.ActiveBalance,
		"reserved_balance": view.ReservedBalance,
		"expiry_date":      formatExpiry(view),
	})
}

func (handler *Handler) handleCheckExpiry(ctx *gin.Context) {
	identity, err := contactFromQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	sweep, view, err := handler.service.CheckExpiry(ctx.Request.Context(), identity)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":          true,
		"client_id":        view.ClientRef,
		"expired":          sweep.Expired,
		"expired_amount":   sweep.ExpiredAmount,
		"active_balance":   view.ActiveBalance,
		"reserved_balance": view.ReservedBalance,
		"expiry_date":      formatExpiry(view),
	})
}

func (handler *Handler) handleHistory(ctx *gin.Context) {
	identity, err := contactFromQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.service.History(ctx.Request.Context(), identity)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Text())
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "entries": lines})
}

func formatExpiry(view bonus.BalanceView) string {
	if view.ExpiryDate.IsZero() {
		return ""
	}
	return view.ExpiryDate.UTC().Format("2006-01-02")
}
