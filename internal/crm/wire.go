package crm

import (
	"strconv"
	"strings"
	"time"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

// The CRM serves custom field values as whatever the operator typed:
// strings, numbers, or null. Everything below coerces leniently.

const expiryDateLayout = "2006-01-02"

type customField struct {
	UUID  string `json:"uuid"`
	Value any    `json:"value"`
}

type buyerRecord struct {
	ID           int64         `json:"id"`
	FullName     string        `json:"full_name"`
	Phone        []string      `json:"phone"`
	Email        []string      `json:"email"`
	CustomFields []customField `json:"custom_fields"`
}

type buyerPage struct {
	Data []buyerRecord `json:"data"`
}

type buyerUpdate struct {
	FullName     string        `json:"full_name,omitempty"`
	CustomFields []customField `json:"custom_fields"`
}

type buyerCreate struct {
	FullName string   `json:"full_name"`
	Phone    []string `json:"phone,omitempty"`
	Email    []string `json:"email,omitempty"`
}

type orderRecord struct {
	ID             int64   `json:"id"`
	ClientID       int64   `json:"client_id"`
	GrandTotal     float64 `json:"grand_total"`
	ProductsTotal  float64 `json:"products_total"`
	DiscountAmount float64 `json:"discount_amount"`
	PromoCode      string  `json:"promocode"`
}

type orderDiscountUpdate struct {
	DiscountAmount int64 `json:"discount_amount"`
}

type cardRecord struct {
	ID           int64         `json:"id"`
	ContactID    int64         `json:"contact_id"`
	TargetID     int64         `json:"target_id"`
	TargetType   string        `json:"target_type"`
	CustomFields []customField `json:"custom_fields"`
}

type cardUpdate struct {
	CustomFields []customField `json:"custom_fields"`
}

func fieldValue(fields []customField, uuid string) (string, bool) {
	for _, field := range fields {
		if field.UUID != uuid {
			continue
		}
		switch value := field.Value.(type) {
		case string:
			return strings.TrimSpace(value), true
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64), true
		case nil:
			return "", true
		}
	}
	return "", false
}

func fieldAmount(fields []customField, uuid string) int64 {
	raw, ok := fieldValue(fields, uuid)
	if !ok || raw == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(parsed)
}

func fieldDate(fields []customField, uuid string) time.Time {
	raw, ok := fieldValue(fields, uuid)
	if !ok || raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(expiryDateLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (client *Client) accountFromBuyer(buyer buyerRecord) bonus.Account {
	fields := client.config.Fields
	return bonus.Account{
		ClientRef:       strconv.FormatInt(buyer.ID, 10),
		DisplayName:     buyer.FullName,
		ActiveBalance:   fieldAmount(buyer.CustomFields, fields.ActiveBalance),
		ReservedBalance: fieldAmount(buyer.CustomFields, fields.ReservedBalance),
		ExpiryDate:      fieldDate(buyer.CustomFields, fields.ExpiryDate),
		History:         mustFieldString(buyer.CustomFields, fields.History),
	}
}

func mustFieldString(fields []customField, uuid string) string {
	value, _ := fieldValue(fields, uuid)
	return value
}

func (client *Client) orderFromRecord(record orderRecord) bonus.Order {
	total := record.ProductsTotal
	if total <= 0 {
		total = record.GrandTotal
	}
	clientRef := ""
	if record.ClientID != 0 {
		clientRef = strconv.FormatInt(record.ClientID, 10)
	}
	return bonus.Order{
		Ref:            strconv.FormatInt(record.ID, 10),
		ClientRef:      clientRef,
		Total:          int64(total),
		DiscountAmount: int64(record.DiscountAmount),
		PromoCode:      record.PromoCode,
	}
}

func (client *Client) leadFromCard(card cardRecord) bonus.Lead {
	fields := client.config.Fields
	orderRef, _ := fieldValue(card.CustomFields, fields.LeadOrder)
	if orderRef == "" && card.TargetType == "order" && card.TargetID != 0 {
		orderRef = strconv.FormatInt(card.TargetID, 10)
	}
	contactRef := ""
	if card.ContactID != 0 {
		contactRef = strconv.FormatInt(card.ContactID, 10)
	}
	return bonus.Lead{
		Ref:           strconv.FormatInt(card.ID, 10),
		ContactRef:    contactRef,
		OrderRef:      orderRef,
		ReserveAmount: fieldAmount(card.CustomFields, fields.LeadReserve),
	}
}
