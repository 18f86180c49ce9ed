// Package gormstore persists the CRM twin's records through GORM, so
// the twin can run on SQLite for local development and on PostgreSQL
// when a shared instance is wanted.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/svitloshop/bonusledger/internal/crmtwin"
)

const (
	emptyFieldsJSON = "{}"

	errorSubjectBuyer = "buyer"
	errorSubjectOrder = "order"
	errorSubjectCard  = "card"
	errorCodeCreate   = "create"
	errorCodeDecode   = "decode"
	errorCodeGet      = "get"
	errorCodeLookup   = "lookup"
	errorCodeSave     = "save"
	errorCodeUpdate   = "update"
)

// Store implements crmtwin.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by db and migrates the twin's tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&BuyerModel{}, &OrderModel{}, &CardModel{}); err != nil {
		return nil, fmt.Errorf("twin store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (store *Store) FindBuyerByPhone(ctx context.Context, phone string) (crmtwin.Buyer, error) {
	return store.findBuyer(ctx, "phone = ?", phone)
}

func (store *Store) FindBuyerByEmail(ctx context.Context, email string) (crmtwin.Buyer, error) {
	return store.findBuyer(ctx, "email = ?", email)
}

func (store *Store) findBuyer(ctx context.Context, condition string, value string) (crmtwin.Buyer, error) {
	var model BuyerModel
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crmtwin.Buyer{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeLookup, err)
	}
	return buyerFromModel(model), nil
}

func (store *Store) GetBuyer(ctx context.Context, buyerID int64) (crmtwin.Buyer, error) {
	var model BuyerModel
	err := store.db.WithContext(ctx).Take(&model, buyerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crmtwin.Buyer{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeGet, err)
	}
	return buyerFromModel(model), nil
}

func (store *Store) CreateBuyer(ctx context.Context, buyer crmtwin.Buyer) (crmtwin.Buyer, error) {
	model := buyerToModel(buyer)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return crmtwin.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeCreate, err)
	}
	return buyerFromModel(model), nil
}

func (store *Store) UpdateBuyer(ctx context.Context, buyer crmtwin.Buyer) error {
	model := buyerToModel(buyer)
	result := store.db.WithContext(ctx).
		Model(&BuyerModel{}).
		Where("id = ?", buyer.ID).
		Select("full_name", "phone", "email", "active_balance", "reserved_balance", "expiry_date", "history").
		Updates(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBuyer, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return crmtwin.ErrRecordNotFound
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderID int64) (crmtwin.Order, error) {
	var model OrderModel
	err := store.db.WithContext(ctx).Take(&model, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crmtwin.Order{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return orderFromModel(model), nil
}

func (store *Store) SaveOrder(ctx context.Context, order crmtwin.Order) (crmtwin.Order, error) {
	model := OrderModel{
		ID:             order.ID,
		ClientID:       order.ClientID,
		ProductsTotal:  order.ProductsTotal,
		GrandTotal:     order.GrandTotal,
		DiscountAmount: order.DiscountAmount,
		PromoCode:      order.PromoCode,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return crmtwin.Order{}, wrapStoreError(errorSubjectOrder, errorCodeSave, err)
	}
	return orderFromModel(model), nil
}

func (store *Store) GetCard(ctx context.Context, cardID int64) (crmtwin.Card, error) {
	var model CardModel
	err := store.db.WithContext(ctx).Take(&model, cardID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crmtwin.Card{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, err)
	}
	card, err := cardFromModel(model)
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeDecode, err)
	}
	return card, nil
}

func (store *Store) SaveCard(ctx context.Context, card crmtwin.Card) (crmtwin.Card, error) {
	fields, err := fieldsJSON(card.CustomFields)
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeDecode, err)
	}
	model := CardModel{
		ID:           card.ID,
		ContactID:    card.ContactID,
		TargetID:     card.TargetID,
		TargetType:   card.TargetType,
		CustomFields: fields,
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeSave, err)
	}
	saved, err := cardFromModel(model)
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeDecode, err)
	}
	return saved, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return fmt.Errorf("twin store: %s %s: %w", subject, code, err)
}

func buyerFromModel(model BuyerModel) crmtwin.Buyer {
	return crmtwin.Buyer{
		ID:              model.ID,
		FullName:        model.FullName,
		Phone:           model.Phone,
		Email:           model.Email,
		ActiveBalance:   model.ActiveBalance,
		ReservedBalance: model.ReservedBalance,
		ExpiryDate:      model.ExpiryDate,
		History:         model.History,
	}
}

func buyerToModel(buyer crmtwin.Buyer) BuyerModel {
	return BuyerModel{
		ID:              buyer.ID,
		FullName:        buyer.FullName,
		Phone:           buyer.Phone,
		Email:           buyer.Email,
		ActiveBalance:   buyer.ActiveBalance,
		ReservedBalance: buyer.ReservedBalance,
		ExpiryDate:      buyer.ExpiryDate,
		History:         buyer.History,
	}
}

func orderFromModel(model OrderModel) crmtwin.Order {
	return crmtwin.Order{
		ID:             model.ID,
		ClientID:       model.ClientID,
		ProductsTotal:  model.ProductsTotal,
		GrandTotal:     model.GrandTotal,
		DiscountAmount: model.DiscountAmount,
		PromoCode:      model.PromoCode,
	}
}

func cardFromModel(model CardModel) (crmtwin.Card, error) {
	fields := map[string]string{}
	raw := []byte(model.CustomFields)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return crmtwin.Card{}, err
		}
	}
	return crmtwin.Card{
		ID:           model.ID,
		ContactID:    model.ContactID,
		TargetID:     model.TargetID,
		TargetType:   model.TargetType,
		CustomFields: fields,
	}, nil
}

func fieldsJSON(fields map[string]string) (datatypes.JSON, error) {
	if len(fields) == 0 {
		return datatypes.JSON([]byte(emptyFieldsJSON)), nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
