package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// BuyerModel persists a CRM buyer. Bonus balances and history live in
// plain columns; the HTTP layer translates them to custom fields.
type BuyerModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	FullName        string `gorm:"size:255"`
	Phone           string `gorm:"size:32;index"`
	Email           string `gorm:"size:255;index"`
	ActiveBalance   int64
	ReservedBalance int64
	ExpiryDate      string `gorm:"size:16"`
	History         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BuyerModel) TableName() string {
	return "buyers"
}

// OrderModel persists a CRM order.
type OrderModel struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	ClientID       int64 `gorm:"index"`
	ProductsTotal  float64
	GrandTotal     float64
	DiscountAmount float64
	PromoCode      string `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (OrderModel) TableName() string {
	return "orders"
}

// CardModel persists a pipeline card. Card custom fields are free-form,
// so they are stored as a JSON uuid-to-value map.
type CardModel struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	ContactID    int64 `gorm:"index"`
	TargetID     int64
	TargetType   string         `gorm:"size:32"`
	CustomFields datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CardModel) TableName() string {
	return "pipeline_cards"
}
