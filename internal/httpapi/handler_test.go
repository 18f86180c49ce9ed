package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

var testNow = time.Date(2025, time.May, 13, 12, 0, 0, 0, time.UTC)

type memStore struct {
	account bonus.Account
	orders  map[string]bonus.Order
	leads   map[string]bonus.Lead
}

func newMemStore(active int64, reserved int64) *memStore {
	return &memStore{
		account: bonus.Account{
			ClientRef:       "42",
			DisplayName:     "Test Buyer",
			ActiveBalance:   active,
			ReservedBalance: reserved,
			ExpiryDate:      testNow.AddDate(0, 0, 30),
		},
		orders: map[string]bonus.Order{},
		leads:  map[string]bonus.Lead{},
	}
}

func (store *memStore) FindAccount(ctx context.Context, identity bonus.Identity) (bonus.Account, error) {
	if store.account.ClientRef == "" {
		return bonus.Account{}, bonus.ErrAccountNotFound
	}
	return store.account, nil
}

func (store *memStore) GetAccount(ctx context.Context, clientRef string) (bonus.Account, error) {
	if store.account.ClientRef != clientRef {
		return bonus.Account{}, bonus.ErrAccountNotFound
	}
	return store.account, nil
}

func (store *memStore) CreateAccount(ctx context.Context, identity bonus.Identity, displayName string) (bonus.Account, error) {
	store.account = bonus.Account{ClientRef: "42", DisplayName: displayName}
	return store.account, nil
}

func (store *memStore) UpdateBalances(ctx context.Context, clientRef string, active int64, reserved int64, expiry time.Time) error {
	store.account.ActiveBalance = active
	store.account.ReservedBalance = reserved
	store.account.ExpiryDate = expiry
	return nil
}

func (store *memStore) UpdateHistory(ctx context.Context, clientRef string, history string) error {
	store.account.History = history
	return nil
}

func (store *memStore) GetOrder(ctx context.Context, orderRef string) (bonus.Order, error) {
	order, ok := store.orders[orderRef]
	if !ok {
		return bonus.Order{}, bonus.ErrOrderNotFound
	}
	return order, nil
}

func (store *memStore) UpdateOrderDiscount(ctx context.Context, orderRef string, discount int64) error {
	order := store.orders[orderRef]
	order.DiscountAmount = discount
	store.orders[orderRef] = order
	return nil
}

func (store *memStore) GetLead(ctx context.Context, leadRef string) (bonus.Lead, error) {
	lead, ok := store.leads[leadRef]
	if !ok {
		return bonus.Lead{}, bonus.ErrLeadNotFound
	}
	return lead, nil
}

func (store *memStore) UpdateLeadReserve(ctx context.Context, leadRef string, amount int64) error {
	lead := store.leads[leadRef]
	lead.ReserveAmount = amount
	store.leads[leadRef] = lead
	return nil
}

func newTestRouter(test *testing.T, store *memStore) *gin.Engine {
	test.Helper()
	service, err := bonus.NewService(store, bonus.DefaultConfig(), func() time.Time { return testNow })
	require.NoError(test, err)
	handler := NewHandler(service, store, nil)
	return NewRouter(Config{ListenAddr: ":0"}, handler)
}

func performJSON(test *testing.T, router *gin.Engine, method string, path string, payload any) *httptest.ResponseRecorder {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(test, json.NewEncoder(&body).Encode(payload))
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func TestHealthz(test *testing.T) {
	router := newTestRouter(test, newMemStore(0, 0))
	recorder := performJSON(test, router, http.MethodGet, "/healthz", nil)
	assert.Equal(test, http.StatusOK, recorder.Code)
}

func TestOrderReserveWebhook(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":              1001,
			"client_id":       42,
			"products_total":  1000,
			"discount_amount": 400,
			"promocode":       "BONUS400",
		},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, true, body["success"])
	assert.Equal(test, float64(400), body["reserved"])
	assert.Equal(test, int64(600), store.account.ActiveBalance)
	assert.Equal(test, int64(400), store.account.ReservedBalance)
	assert.Contains(test, store.account.History, "reserved 400")
}

func TestOrderReserveIgnoresForeignEvents(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event":   "product.create",
		"context": map[string]any{"id": 1001},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	assert.Equal(test, int64(1000), store.account.ActiveBalance)
}

func TestOrderReserveSkipsOrdersWithoutPromo(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":             1001,
			"client_id":      42,
			"products_total": 1000,
		},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, true, body["success"])
	assert.Equal(test, int64(1000), store.account.ActiveBalance)
}

func TestOrderReserveRequiresClient(test *testing.T) {
	router := newTestRouter(test, newMemStore(1000, 0))

	recorder := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":              1001,
			"products_total":  1000,
			"discount_amount": 400,
			"promocode":       "BONUS400",
		},
	})
	assert.Equal(test, http.StatusBadRequest, recorder.Code)
}

func TestOrderCompleteWebhook(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	reserve := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":              1001,
			"client_id":       42,
			"products_total":  1000,
			"discount_amount": 400,
			"promocode":       "BONUS400",
		},
	})
	require.Equal(test, http.StatusOK, reserve.Code)

	recorder := performJSON(test, router, http.MethodPost, "/order-complete", map[string]any{
		"event": "order.change_order_status",
		"context": map[string]any{
			"id":          1001,
			"client_id":   42,
			"grand_total": 1000,
		},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(100), body["accrued"])
	assert.Equal(test, float64(400), body["released"])
	assert.Equal(test, int64(700), store.account.ActiveBalance)
	assert.Equal(test, int64(0), store.account.ReservedBalance)
}

func TestOrderCancelRoute(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	reserve := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":              1001,
			"client_id":       42,
			"products_total":  1000,
			"discount_amount": 400,
			"promocode":       "BONUS400",
		},
	})
	require.Equal(test, http.StatusOK, reserve.Code)

	recorder := performJSON(test, router, http.MethodPost, "/order-cancel", map[string]any{
		"order_id":  1001,
		"client_id": 42,
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(400), body["returned"])
	assert.Equal(test, int64(1000), store.account.ActiveBalance)
	assert.Equal(test, int64(0), store.account.ReservedBalance)
}

func TestOrderCancelRequiresIdentifiers(test *testing.T) {
	router := newTestRouter(test, newMemStore(1000, 0))

	recorder := performJSON(test, router, http.MethodPost, "/order-cancel", map[string]any{"client_id": 42})
	assert.Equal(test, http.StatusBadRequest, recorder.Code)

	recorder = performJSON(test, router, http.MethodPost, "/order-cancel", map[string]any{"order_id": 1001})
	assert.Equal(test, http.StatusBadRequest, recorder.Code)
}

func TestLeadReserveWebhook(test *testing.T) {
	store := newMemStore(1000, 0)
	store.orders["1001"] = bonus.Order{Ref: "1001", ClientRef: "42", Total: 1000, DiscountAmount: 0}
	store.leads["77"] = bonus.Lead{Ref: "77", ContactRef: "42", OrderRef: "1001", ReserveAmount: 200}
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/lead-reserve", map[string]any{
		"event": "lead.change_lead_status",
		"context": map[string]any{
			"id":         77,
			"contact_id": 42,
		},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(200), body["requested"])
	assert.Equal(test, float64(200), body["reserved"])
	assert.Equal(test, false, body["amount_corrected"])
	assert.Equal(test, int64(800), store.account.ActiveBalance)
	assert.Equal(test, int64(200), store.account.ReservedBalance)
	assert.Equal(test, int64(200), store.orders["1001"].DiscountAmount)
}

func TestLeadReserveReportsClampedRequest(test *testing.T) {
	store := newMemStore(1000, 400)
	store.account.History = bonus.EncodeLedger(bonus.DefaultConfig(), []bonus.Entry{{
		Kind:           bonus.KindReserve,
		Timestamp:      testNow,
		OrderRef:       "1001",
		OrderTotal:     1000,
		AmountAdded:    400,
		BalanceBefore:  1400,
		BalanceAfter:   1000,
		ExpirySnapshot: testNow.AddDate(0, 0, 90),
	}})
	store.orders["1001"] = bonus.Order{Ref: "1001", ClientRef: "42", Total: 1000, DiscountAmount: 400}
	store.leads["77"] = bonus.Lead{Ref: "77", ContactRef: "42", OrderRef: "1001", ReserveAmount: 200}
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/lead-reserve", map[string]any{
		"event": "lead.change_lead_status",
		"context": map[string]any{
			"id":         77,
			"contact_id": 42,
		},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(200), body["requested"])
	assert.Equal(test, float64(100), body["reserved"])
	assert.Equal(test, true, body["amount_corrected"])
}

func TestLeadReserveIgnoresForeignEvents(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/lead-reserve", map[string]any{
		"event":   "lead.create",
		"context": map[string]any{"id": 77},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	assert.Equal(test, int64(1000), store.account.ActiveBalance)
}

func TestLeadReserveUnknownLead(test *testing.T) {
	router := newTestRouter(test, newMemStore(1000, 0))

	recorder := performJSON(test, router, http.MethodPost, "/lead-reserve", map[string]any{
		"event":   "lead.change_lead_status",
		"context": map[string]any{"id": 77, "contact_id": 42},
	})
	assert.Equal(test, http.StatusNotFound, recorder.Code)
}

func TestAccrueRouteCombinesDeductionAndAccrual(test *testing.T) {
	store := newMemStore(300, 0)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodPost, "/accrue", map[string]any{
		"orderId":         "1001",
		"orderTotal":      1000,
		"usedBonusAmount": 100,
		"customer":        map[string]any{"name": "Test Buyer", "phone": "0631234567"},
	})
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(100), body["deducted"])
	assert.Equal(test, float64(100), body["accrued"])
	assert.Equal(test, int64(300), store.account.ActiveBalance)
}

func TestBalanceRoute(test *testing.T) {
	store := newMemStore(400, 150)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodGet, "/balance?phone=0631234567", nil)
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, float64(400), body["active_balance"])
	assert.Equal(test, float64(150), body["reserved_balance"])
}

func TestBalanceRouteRequiresContact(test *testing.T) {
	router := newTestRouter(test, newMemStore(0, 0))
	recorder := performJSON(test, router, http.MethodGet, "/balance", nil)
	assert.Equal(test, http.StatusBadRequest, recorder.Code)
}

func TestCheckExpiryRouteSweeps(test *testing.T) {
	store := newMemStore(500, 0)
	store.account.ExpiryDate = testNow.AddDate(0, 0, -1)
	router := newTestRouter(test, store)

	recorder := performJSON(test, router, http.MethodGet, "/check-expiry?phone=0631234567", nil)
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	assert.Equal(test, true, body["expired"])
	assert.Equal(test, float64(500), body["expired_amount"])
	assert.Equal(test, int64(0), store.account.ActiveBalance)
}

func TestHistoryRoute(test *testing.T) {
	store := newMemStore(1000, 0)
	router := newTestRouter(test, store)

	reserve := performJSON(test, router, http.MethodPost, "/order-reserve", map[string]any{
		"event": "order.create",
		"context": map[string]any{
			"id":              1001,
			"client_id":       42,
			"products_total":  1000,
			"discount_amount": 400,
			"promocode":       "BONUS400",
		},
	})
	require.Equal(test, http.StatusOK, reserve.Code)

	recorder := performJSON(test, router, http.MethodGet, "/history?phone=0631234567", nil)
	require.Equal(test, http.StatusOK, recorder.Code)
	body := decodeBody(test, recorder)
	entries, ok := body["entries"].([]any)
	require.True(test, ok)
	require.Len(test, entries, 1)
	assert.Contains(test, entries[0], "reserved 400")
}
