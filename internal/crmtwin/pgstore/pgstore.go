// Package pgstore persists the CRM twin's records through a pgx
// connection pool, for deployments where the twin shares a PostgreSQL
// instance instead of carrying its own SQLite file.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/svitloshop/bonusledger/internal/crmtwin"
)

const (
	errorSubjectBuyer  = "buyer"
	errorSubjectOrder  = "order"
	errorSubjectCard   = "card"
	errorSubjectSchema = "schema"
	errorCodeCreate    = "create"
	errorCodeDecode    = "decode"
	errorCodeEnsure    = "ensure"
	errorCodeGet       = "get"
	errorCodeLookup    = "lookup"
	errorCodeSave      = "save"
	errorCodeUpdate    = "update"

	sqlCreateSchema = `
		create table if not exists buyers(
			id bigint generated by default as identity primary key,
			full_name text not null default '',
			phone text not null default '',
			email text not null default '',
			active_balance bigint not null default 0,
			reserved_balance bigint not null default 0,
			expiry_date text not null default '',
			history text not null default '',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists buyers_phone_idx on buyers(phone);
		create index if not exists buyers_email_idx on buyers(email);
		create table if not exists orders(
			id bigint primary key,
			client_id bigint not null default 0,
			products_total double precision not null default 0,
			grand_total double precision not null default 0,
			discount_amount double precision not null default 0,
			promo_code text not null default '',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists pipeline_cards(
			id bigint primary key,
			contact_id bigint not null default 0,
			target_id bigint not null default 0,
			target_type text not null default '',
			custom_fields jsonb not null default '{}',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)
	`

	sqlSelectBuyerByPhone = `
		select id, full_name, phone, email, active_balance, reserved_balance, expiry_date, history
		from buyers where phone = $1 limit 1
	`

	sqlSelectBuyerByEmail = `
		select id, full_name, phone, email, active_balance, reserved_balance, expiry_date, history
		from buyers where email = $1 limit 1
	`

	sqlSelectBuyerByID = `
		select id, full_name, phone, email, active_balance, reserved_balance, expiry_date, history
		from buyers where id = $1
	`

	sqlInsertBuyer = `
		insert into buyers(full_name, phone, email, active_balance, reserved_balance, expiry_date, history)
		values($1, $2, $3, $4, $5, $6, $7)
		returning id
	`

	sqlUpdateBuyer = `
		update buyers
		set full_name = $2, phone = $3, email = $4,
			active_balance = $5, reserved_balance = $6,
			expiry_date = $7, history = $8, updated_at = now()
		where id = $1
	`

	sqlSelectOrder = `
		select id, client_id, products_total, grand_total, discount_amount, promo_code
		from orders where id = $1
	`

	sqlUpsertOrder = `
		insert into orders(id, client_id, products_total, grand_total, discount_amount, promo_code)
		values($1, $2, $3, $4, $5, $6)
		on conflict (id) do update set
			client_id = excluded.client_id,
			products_total = excluded.products_total,
			grand_total = excluded.grand_total,
			discount_amount = excluded.discount_amount,
			promo_code = excluded.promo_code,
			updated_at = now()
	`

	sqlSelectCard = `
		select id, contact_id, target_id, target_type, custom_fields::text
		from pipeline_cards where id = $1
	`

	sqlUpsertCard = `
		insert into pipeline_cards(id, contact_id, target_id, target_type, custom_fields)
		values($1, $2, $3, $4, $5::jsonb)
		on conflict (id) do update set
			contact_id = excluded.contact_id,
			target_id = excluded.target_id,
			target_type = excluded.target_type,
			custom_fields = excluded.custom_fields,
			updated_at = now()
	`
)

// Store implements crmtwin.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the twin's tables when they do not exist yet.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) FindBuyerByPhone(ctx context.Context, phone string) (crmtwin.Buyer, error) {
	return store.scanBuyer(store.pool.QueryRow(ctx, sqlSelectBuyerByPhone, phone), errorCodeLookup)
}

func (store *Store) FindBuyerByEmail(ctx context.Context, email string) (crmtwin.Buyer, error) {
	return store.scanBuyer(store.pool.QueryRow(ctx, sqlSelectBuyerByEmail, email), errorCodeLookup)
}

func (store *Store) GetBuyer(ctx context.Context, buyerID int64) (crmtwin.Buyer, error) {
	return store.scanBuyer(store.pool.QueryRow(ctx, sqlSelectBuyerByID, buyerID), errorCodeGet)
}

func (store *Store) scanBuyer(row pgx.Row, code string) (crmtwin.Buyer, error) {
	var buyer crmtwin.Buyer
	err := row.Scan(
		&buyer.ID,
		&buyer.FullName,
		&buyer.Phone,
		&buyer.Email,
		&buyer.ActiveBalance,
		&buyer.ReservedBalance,
		&buyer.ExpiryDate,
		&buyer.History,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crmtwin.Buyer{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Buyer{}, wrapStoreError(errorSubjectBuyer, code, err)
	}
	return buyer, nil
}

func (store *Store) CreateBuyer(ctx context.Context, buyer crmtwin.Buyer) (crmtwin.Buyer, error) {
	err := store.pool.QueryRow(ctx, sqlInsertBuyer,
		buyer.FullName,
		buyer.Phone,
		buyer.Email,
		buyer.ActiveBalance,
		buyer.ReservedBalance,
		buyer.ExpiryDate,
		buyer.History,
	).Scan(&buyer.ID)
	if err != nil {
		return crmtwin.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeCreate, err)
	}
	return buyer, nil
}

func (store *Store) UpdateBuyer(ctx context.Context, buyer crmtwin.Buyer) error {
	tag, err := store.pool.Exec(ctx, sqlUpdateBuyer,
		buyer.ID,
		buyer.FullName,
		buyer.Phone,
		buyer.Email,
		buyer.ActiveBalance,
		buyer.ReservedBalance,
		buyer.ExpiryDate,
		buyer.History,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBuyer, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return crmtwin.ErrRecordNotFound
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderID int64) (crmtwin.Order, error) {
	var order crmtwin.Order
	err := store.pool.QueryRow(ctx, sqlSelectOrder, orderID).Scan(
		&order.ID,
		&order.ClientID,
		&order.ProductsTotal,
		&order.GrandTotal,
		&order.DiscountAmount,
		&order.PromoCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crmtwin.Order{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return order, nil
}

func (store *Store) SaveOrder(ctx context.Context, order crmtwin.Order) (crmtwin.Order, error) {
	_, err := store.pool.Exec(ctx, sqlUpsertOrder,
		order.ID,
		order.ClientID,
		order.ProductsTotal,
		order.GrandTotal,
		order.DiscountAmount,
		order.PromoCode,
	)
	if err != nil {
		return crmtwin.Order{}, wrapStoreError(errorSubjectOrder, errorCodeSave, err)
	}
	return order, nil
}

func (store *Store) GetCard(ctx context.Context, cardID int64) (crmtwin.Card, error) {
	var card crmtwin.Card
	var rawFields string
	err := store.pool.QueryRow(ctx, sqlSelectCard, cardID).Scan(
		&card.ID,
		&card.ContactID,
		&card.TargetID,
		&card.TargetType,
		&rawFields,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crmtwin.Card{}, crmtwin.ErrRecordNotFound
	}
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, err)
	}
	card.CustomFields = map[string]string{}
	if rawFields != "" {
		if err := json.Unmarshal([]byte(rawFields), &card.CustomFields); err != nil {
			return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeDecode, err)
		}
	}
	return card, nil
}

func (store *Store) SaveCard(ctx context.Context, card crmtwin.Card) (crmtwin.Card, error) {
	fields := card.CustomFields
	if fields == nil {
		fields = map[string]string{}
	}
	rawFields, err := json.Marshal(fields)
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeDecode, err)
	}
	_, err = store.pool.Exec(ctx, sqlUpsertCard,
		card.ID,
		card.ContactID,
		card.TargetID,
		card.TargetType,
		string(rawFields),
	)
	if err != nil {
		return crmtwin.Card{}, wrapStoreError(errorSubjectCard, errorCodeSave, err)
	}
	card.CustomFields = fields
	return card, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return fmt.Errorf("twin store: %s %s: %w", subject, code, err)
}
