package crmtwin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/internal/crm"
)

// ServerConfig carries the twin's HTTP settings. Fields names the
// custom field UUIDs the twin answers for, so it can mirror whichever
// CRM account the engine is configured against.
type ServerConfig struct {
	APIToken string
	Fields   crm.FieldIDs
}

type server struct {
	store  Store
	config ServerConfig
	logger *zap.Logger
}

type wireField struct {
	UUID  string `json:"uuid"`
	Value any    `json:"value"`
}

type buyerWrite struct {
	FullName     string      `json:"full_name"`
	Phone        []string    `json:"phone"`
	Email        []string    `json:"email"`
	CustomFields []wireField `json:"custom_fields"`
}

type orderWrite struct {
	ID             int64    `json:"id"`
	ClientID       int64    `json:"client_id"`
	ProductsTotal  *float64 `json:"products_total"`
	GrandTotal     *float64 `json:"grand_total"`
	DiscountAmount *float64 `json:"discount_amount"`
	PromoCode      string   `json:"promocode"`
}

type cardWrite struct {
	ID           int64       `json:"id"`
	ContactID    int64       `json:"contact_id"`
	TargetID     int64       `json:"target_id"`
	TargetType   string      `json:"target_type"`
	CustomFields []wireField `json:"custom_fields"`
}

// NewRouter returns a gin engine serving the CRM's buyer, order, and
// pipeline card endpoints backed by store.
func NewRouter(store Store, config ServerConfig, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	twin := &server{store: store, config: config, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if config.APIToken != "" {
		router.Use(twin.requireToken)
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/buyer", twin.findBuyer)
	router.POST("/buyer", twin.createBuyer)
	router.GET("/buyer/:id", twin.getBuyer)
	router.PUT("/buyer/:id", twin.updateBuyer)

	router.GET("/order/:id", twin.getOrder)
	router.POST("/order", twin.saveOrder)
	router.PUT("/order/:id", twin.updateOrder)

	router.GET("/pipelines/cards/:id", twin.getCard)
	router.POST("/pipelines/cards", twin.saveCard)
	router.PUT("/pipelines/cards/:id", twin.updateCard)

	return router
}

func (twin *server) requireToken(ctx *gin.Context) {
	header := ctx.GetHeader("Authorization")
	if header != "Bearer "+twin.config.APIToken {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
		return
	}
	ctx.Next()
}

func (twin *server) findBuyer(ctx *gin.Context) {
	phone := ctx.Query("filter[buyer_phone]")
	email := ctx.Query("filter[buyer_email]")

	var buyer Buyer
	var err error
	switch {
	case phone != "":
		buyer, err = twin.store.FindBuyerByPhone(ctx.Request.Context(), phone)
	case email != "":
		buyer, err = twin.store.FindBuyerByEmail(ctx.Request.Context(), email)
	default:
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "filter required"})
		return
	}
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusOK, gin.H{"data": []any{}})
		return
	}
	if err != nil {
		twin.fail(ctx, "buyer search failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": []any{twin.renderBuyer(buyer)}})
}

func (twin *server) getBuyer(ctx *gin.Context) {
	buyerID, ok := pathID(ctx)
	if !ok {
		return
	}
	buyer, err := twin.store.GetBuyer(ctx.Request.Context(), buyerID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "buyer not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "buyer read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, twin.renderBuyer(buyer))
}

func (twin *server) createBuyer(ctx *gin.Context) {
	var body buyerWrite
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	buyer := Buyer{FullName: body.FullName}
	if len(body.Phone) > 0 {
		buyer.Phone = body.Phone[0]
	}
	if len(body.Email) > 0 {
		buyer.Email = body.Email[0]
	}
	twin.applyBuyerFields(&buyer, body.CustomFields)
	created, err := twin.store.CreateBuyer(ctx.Request.Context(), buyer)
	if err != nil {
		twin.fail(ctx, "buyer create failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, twin.renderBuyer(created))
}

func (twin *server) updateBuyer(ctx *gin.Context) {
	buyerID, ok := pathID(ctx)
	if !ok {
		return
	}
	var body buyerWrite
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	buyer, err := twin.store.GetBuyer(ctx.Request.Context(), buyerID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "buyer not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "buyer read failed", err)
		return
	}
	if body.FullName != "" {
		buyer.FullName = body.FullName
	}
	twin.applyBuyerFields(&buyer, body.CustomFields)
	if err := twin.store.UpdateBuyer(ctx.Request.Context(), buyer); err != nil {
		twin.fail(ctx, "buyer update failed", err)
		return
	}
	ctx.JSON(http.StatusOK, twin.renderBuyer(buyer))
}

func (twin *server) getOrder(ctx *gin.Context) {
	orderID, ok := pathID(ctx)
	if !ok {
		return
	}
	order, err := twin.store.GetOrder(ctx.Request.Context(), orderID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "order not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "order read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, renderOrder(order))
}

func (twin *server) saveOrder(ctx *gin.Context) {
	var body orderWrite
	if err := ctx.ShouldBindJSON(&body); err != nil || body.ID == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	order := Order{
		ID:             body.ID,
		ClientID:       body.ClientID,
		ProductsTotal:  floatOrZero(body.ProductsTotal),
		GrandTotal:     floatOrZero(body.GrandTotal),
		DiscountAmount: floatOrZero(body.DiscountAmount),
		PromoCode:      body.PromoCode,
	}
	saved, err := twin.store.SaveOrder(ctx.Request.Context(), order)
	if err != nil {
		twin.fail(ctx, "order save failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, renderOrder(saved))
}

func (twin *server) updateOrder(ctx *gin.Context) {
	orderID, ok := pathID(ctx)
	if !ok {
		return
	}
	var body orderWrite
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	order, err := twin.store.GetOrder(ctx.Request.Context(), orderID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "order not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "order read failed", err)
		return
	}
	if body.DiscountAmount != nil {
		order.DiscountAmount = *body.DiscountAmount
	}
	saved, err := twin.store.SaveOrder(ctx.Request.Context(), order)
	if err != nil {
		twin.fail(ctx, "order save failed", err)
		return
	}
	ctx.JSON(http.StatusOK, renderOrder(saved))
}

func (twin *server) getCard(ctx *gin.Context) {
	cardID, ok := pathID(ctx)
	if !ok {
		return
	}
	card, err := twin.store.GetCard(ctx.Request.Context(), cardID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "card not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "card read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, renderCard(card))
}

func (twin *server) saveCard(ctx *gin.Context) {
	var body cardWrite
	if err := ctx.ShouldBindJSON(&body); err != nil || body.ID == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	card := Card{
		ID:           body.ID,
		ContactID:    body.ContactID,
		TargetID:     body.TargetID,
		TargetType:   body.TargetType,
		CustomFields: fieldMap(body.CustomFields),
	}
	saved, err := twin.store.SaveCard(ctx.Request.Context(), card)
	if err != nil {
		twin.fail(ctx, "card save failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, renderCard(saved))
}

func (twin *server) updateCard(ctx *gin.Context) {
	cardID, ok := pathID(ctx)
	if !ok {
		return
	}
	var body cardWrite
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	card, err := twin.store.GetCard(ctx.Request.Context(), cardID)
	if errors.Is(err, ErrRecordNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"message": "card not found"})
		return
	}
	if err != nil {
		twin.fail(ctx, "card read failed", err)
		return
	}
	for uuid, value := range fieldMap(body.CustomFields) {
		card.CustomFields[uuid] = value
	}
	saved, err := twin.store.SaveCard(ctx.Request.Context(), card)
	if err != nil {
		twin.fail(ctx, "card save failed", err)
		return
	}
	ctx.JSON(http.StatusOK, renderCard(saved))
}

func (twin *server) fail(ctx *gin.Context, message string, err error) {
	twin.logger.Error(message, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, gin.H{"message": message})
}

func (twin *server) applyBuyerFields(buyer *Buyer, fields []wireField) {
	ids := twin.config.Fields
	for _, field := range fields {
		value := stringValue(field.Value)
		switch field.UUID {
		case ids.ActiveBalance:
			buyer.ActiveBalance = parseAmount(value)
		case ids.ReservedBalance:
			buyer.ReservedBalance = parseAmount(value)
		case ids.ExpiryDate:
			buyer.ExpiryDate = value
		case ids.History:
			buyer.History = value
		}
	}
}

func (twin *server) renderBuyer(buyer Buyer) gin.H {
	ids := twin.config.Fields
	return gin.H{
		"id":        buyer.ID,
		"full_name": buyer.FullName,
		"phone":     []string{buyer.Phone},
		"email":     []string{buyer.Email},
		"custom_fields": []wireField{
			{UUID: ids.ActiveBalance, Value: strconv.FormatInt(buyer.ActiveBalance, 10)},
			{UUID: ids.ReservedBalance, Value: strconv.FormatInt(buyer.ReservedBalance, 10)},
			{UUID: ids.ExpiryDate, Value: buyer.ExpiryDate},
			{UUID: ids.History, Value: buyer.History},
		},
	}
}

func renderOrder(order Order) gin.H {
	return gin.H{
		"id":              order.ID,
		"client_id":       order.ClientID,
		"products_total":  order.ProductsTotal,
		"grand_total":     order.GrandTotal,
		"discount_amount": order.DiscountAmount,
		"promocode":       order.PromoCode,
	}
}

func renderCard(card Card) gin.H {
	fields := make([]wireField, 0, len(card.CustomFields))
	for uuid, value := range card.CustomFields {
		fields = append(fields, wireField{UUID: uuid, Value: value})
	}
	return gin.H{
		"id":            card.ID,
		"contact_id":    card.ContactID,
		"target_id":     card.TargetID,
		"target_type":   card.TargetType,
		"custom_fields": fields,
	}
}

func pathID(ctx *gin.Context) (int64, bool) {
	value, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || value <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
		return 0, false
	}
	return value, true
}

func fieldMap(fields []wireField) map[string]string {
	values := make(map[string]string, len(fields))
	for _, field := range fields {
		values[field.UUID] = stringValue(field.Value)
	}
	return values
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case nil:
		return ""
	default:
		return ""
	}
}

func parseAmount(value string) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0
	}
	return int64(parsed)
}

func floatOrZero(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}
