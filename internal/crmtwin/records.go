// Package crmtwin is a local stand-in for the CRM REST API. It serves
// the same buyer, order, and pipeline card surface the production CRM
// exposes, backed by a real database, so the bonus engine can be
// developed and exercised without touching a live CRM account.
package crmtwin

import (
	"context"
	"errors"
)

// ErrRecordNotFound is returned by every lookup that matches nothing.
var ErrRecordNotFound = errors.New("record not found")

// Buyer is a CRM customer record. The bonus fields live in dedicated
// columns here; the HTTP layer renders them as the custom fields the
// real CRM serves.
type Buyer struct {
	ID              int64
	FullName        string
	Phone           string
	Email           string
	ActiveBalance   int64
	ReservedBalance int64
	ExpiryDate      string
	History         string
}

// Order is a CRM order record.
type Order struct {
	ID             int64
	ClientID       int64
	ProductsTotal  float64
	GrandTotal     float64
	DiscountAmount float64
	PromoCode      string
}

// Card is a pipeline card. Its custom fields are operator-typed and
// free-form, so they are kept as an opaque uuid-to-value map.
type Card struct {
	ID           int64
	ContactID    int64
	TargetID     int64
	TargetType   string
	CustomFields map[string]string
}

// Store is the persistence contract of the twin. Both backends return
// ErrRecordNotFound for missing records.
type Store interface {
	FindBuyerByPhone(ctx context.Context, phone string) (Buyer, error)
	FindBuyerByEmail(ctx context.Context, email string) (Buyer, error)
	GetBuyer(ctx context.Context, buyerID int64) (Buyer, error)
	CreateBuyer(ctx context.Context, buyer Buyer) (Buyer, error)
	UpdateBuyer(ctx context.Context, buyer Buyer) error

	GetOrder(ctx context.Context, orderID int64) (Order, error)
	SaveOrder(ctx context.Context, order Order) (Order, error)

	GetCard(ctx context.Context, cardID int64) (Card, error)
	SaveCard(ctx context.Context, card Card) (Card, error)
}
