package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Webhook event names delivered by the CRM. Everything else arriving on
// the webhook routes is acknowledged and dropped.
const (
	eventOrderCreate       = "order.create"
	eventOrderStatusChange = "order.change_order_status"
	eventLeadStatusChange  = "lead.change_lead_status"
)

// webhookEnvelope is the common CRM webhook shape: an event name plus an
// event-specific context object.
type webhookEnvelope struct {
	Event   string          `json:"event"`
	Context json.RawMessage `json:"context"`
}

// flexibleRef accepts identifiers the CRM serves inconsistently as JSON
// numbers or strings.
type flexibleRef string

func (ref *flexibleRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*ref = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*ref = flexibleRef(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*ref = flexibleRef(number.String())
	return nil
}

func (ref flexibleRef) String() string {
	return string(ref)
}

type orderContext struct {
	ID             flexibleRef `json:"id"`
	ClientID       flexibleRef `json:"client_id"`
	GrandTotal     float64     `json:"grand_total"`
	ProductsTotal  float64     `json:"products_total"`
	DiscountAmount float64     `json:"discount_amount"`
	PromoCode      string      `json:"promocode"`
}

// total prefers the product sum and falls back to the grand total, which
// is the only figure present on status-change deliveries.
func (order orderContext) total() int64 {
	if order.ProductsTotal > 0 {
		return int64(order.ProductsTotal)
	}
	return int64(order.GrandTotal)
}

type leadContext struct {
	ID         flexibleRef `json:"id"`
	ContactID  flexibleRef `json:"contact_id"`
	TargetID   flexibleRef `json:"target_id"`
	TargetType string      `json:"target_type"`
	StatusID   flexibleRef `json:"status_id"`
}

type cancelRequest struct {
	OrderID         flexibleRef `json:"order_id"`
	ClientID        flexibleRef `json:"client_id"`
	UsedBonusAmount float64     `json:"used_bonus_amount"`
}

type customerPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (customer customerPayload) contact() string {
	if customer.Phone != "" {
		return customer.Phone
	}
	return customer.Email
}

type accrueRequest struct {
	OrderID         flexibleRef     `json:"orderId"`
	OrderTotal      float64         `json:"orderTotal"`
	UsedBonusAmount float64         `json:"usedBonusAmount"`
	Customer        customerPayload `json:"customer"`
}
