package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

const defaultTimeout = 10 * time.Second

// Client talks to the CRM REST API and exposes it as a bonus.Store. The
// API offers plain record reads and overwrites; every higher guarantee
// lives in the service layer on top.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient wires a CRM client.
func NewClient(config Config, options ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type statusError struct {
	code int
	body string
}

func (statusError statusError) Error() string {
	return fmt.Sprintf("crm status %d: %s", statusError.code, statusError.body)
}

func (client *Client) doRequest(ctx context.Context, method string, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(client.config.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+client.config.APIToken)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	client.logger.Debug("crm request", zap.String("method", method), zap.String("path", path))
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", bonus.ErrExternalService, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		client.logger.Warn("crm request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return statusError{code: response.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// mapStatus converts a transport-level failure into a domain error: 404s
// become the given not-found sentinel, everything else degrades to
// ErrExternalService.
func mapStatus(err error, operation string, subject string, notFound error) error {
	if err == nil {
		return nil
	}
	var status statusError
	if errors.As(err, &status) {
		if status.code == http.StatusNotFound && notFound != nil {
			return bonus.WrapError(operation, subject, "not_found", notFound)
		}
		return bonus.WrapError(operation, subject, "crm_error", fmt.Errorf("%w: %v", bonus.ErrExternalService, err))
	}
	if errors.Is(err, bonus.ErrExternalService) {
		return bonus.WrapError(operation, subject, "crm_unreachable", err)
	}
	return bonus.WrapError(operation, subject, "decode_failed", err)
}

// FindAccount resolves a phone or email to a CRM buyer.
func (client *Client) FindAccount(ctx context.Context, identity bonus.Identity) (bonus.Account, error) {
	filter := "filter[buyer_phone]"
	if identity.IsEmail() {
		filter = "filter[buyer_email]"
	}
	query := url.Values{}
	query.Set(filter, identity.String())
	query.Set("include", "custom_fields")
	var page buyerPage
	if err := client.doRequest(ctx, http.MethodGet, "/buyer?"+query.Encode(), nil, &page); err != nil {
		return bonus.Account{}, mapStatus(err, "find_account", "buyer", bonus.ErrAccountNotFound)
	}
	if len(page.Data) == 0 {
		return bonus.Account{}, bonus.WrapError("find_account", "buyer", "not_found",
			fmt.Errorf("%w: no buyer matches %s", bonus.ErrAccountNotFound, identity.String()))
	}
	return client.accountFromBuyer(page.Data[0]), nil
}

// GetAccount loads a buyer by its CRM identifier.
func (client *Client) GetAccount(ctx context.Context, clientRef string) (bonus.Account, error) {
	var buyer buyerRecord
	if err := client.doRequest(ctx, http.MethodGet, "/buyer/"+url.PathEscape(clientRef)+"?include=custom_fields", nil, &buyer); err != nil {
		return bonus.Account{}, mapStatus(err, "get_account", "buyer", bonus.ErrAccountNotFound)
	}
	return client.accountFromBuyer(buyer), nil
}

// CreateAccount registers a new buyer carrying the identity contact.
func (client *Client) CreateAccount(ctx context.Context, identity bonus.Identity, displayName string) (bonus.Account, error) {
	if displayName == "" {
		displayName = "Клієнт без імені"
	}
	payload := buyerCreate{FullName: displayName}
	if identity.IsEmail() {
		payload.Email = []string{identity.String()}
	} else {
		payload.Phone = []string{identity.String()}
	}
	var buyer buyerRecord
	if err := client.doRequest(ctx, http.MethodPost, "/buyer", payload, &buyer); err != nil {
		return bonus.Account{}, mapStatus(err, "create_account", "buyer", nil)
	}
	return client.accountFromBuyer(buyer), nil
}

// UpdateBalances overwrites both balance fields and the expiry date in a
// single buyer update.
func (client *Client) UpdateBalances(ctx context.Context, clientRef string, active int64, reserved int64, expiry time.Time) error {
	fields := client.config.Fields
	payload := buyerUpdate{CustomFields: []customField{
		{UUID: fields.ActiveBalance, Value: fmt.Sprintf("%d", active)},
		{UUID: fields.ReservedBalance, Value: fmt.Sprintf("%d", reserved)},
		{UUID: fields.ExpiryDate, Value: expiry.UTC().Format(expiryDateLayout)},
	}}
	err := client.doRequest(ctx, http.MethodPut, "/buyer/"+url.PathEscape(clientRef), payload, nil)
	return mapStatus(err, "update_balances", "buyer", bonus.ErrAccountNotFound)
}

// UpdateHistory overwrites the embedded transaction log. The CRM requires
// the buyer name on update, so the current record is read first.
func (client *Client) UpdateHistory(ctx context.Context, clientRef string, history string) error {
	var buyer buyerRecord
	if err := client.doRequest(ctx, http.MethodGet, "/buyer/"+url.PathEscape(clientRef), nil, &buyer); err != nil {
		return mapStatus(err, "update_history", "buyer", bonus.ErrAccountNotFound)
	}
	fullName := buyer.FullName
	if fullName == "" {
		fullName = "Клієнт"
	}
	payload := buyerUpdate{
		FullName:     fullName,
		CustomFields: []customField{{UUID: client.config.Fields.History, Value: history}},
	}
	err := client.doRequest(ctx, http.MethodPut, "/buyer/"+url.PathEscape(clientRef), payload, nil)
	return mapStatus(err, "update_history", "buyer", bonus.ErrAccountNotFound)
}

// GetOrder loads an order by its CRM identifier.
func (client *Client) GetOrder(ctx context.Context, orderRef string) (bonus.Order, error) {
	var record orderRecord
	if err := client.doRequest(ctx, http.MethodGet, "/order/"+url.PathEscape(orderRef), nil, &record); err != nil {
		return bonus.Order{}, mapStatus(err, "get_order", "order", bonus.ErrOrderNotFound)
	}
	return client.orderFromRecord(record), nil
}

// UpdateOrderDiscount overwrites the discount field on an order.
func (client *Client) UpdateOrderDiscount(ctx context.Context, orderRef string, discount int64) error {
	err := client.doRequest(ctx, http.MethodPut, "/order/"+url.PathEscape(orderRef),
		orderDiscountUpdate{DiscountAmount: discount}, nil)
	return mapStatus(err, "update_order_discount", "order", bonus.ErrOrderNotFound)
}

// GetLead loads a pipeline card and extracts the manual reservation fields.
func (client *Client) GetLead(ctx context.Context, leadRef string) (bonus.Lead, error) {
	var card cardRecord
	if err := client.doRequest(ctx, http.MethodGet, "/pipelines/cards/"+url.PathEscape(leadRef)+"?include=custom_fields", nil, &card); err != nil {
		return bonus.Lead{}, mapStatus(err, "get_lead", "lead", bonus.ErrLeadNotFound)
	}
	return client.leadFromCard(card), nil
}

// UpdateLeadReserve writes the corrected reservation amount back to the
// pipeline card.
func (client *Client) UpdateLeadReserve(ctx context.Context, leadRef string, amount int64) error {
	payload := cardUpdate{CustomFields: []customField{
		{UUID: client.config.Fields.LeadReserve, Value: fmt.Sprintf("%d", amount)},
	}}
	err := client.doRequest(ctx, http.MethodPut, "/pipelines/cards/"+url.PathEscape(leadRef), payload, nil)
	return mapStatus(err, "update_lead_reserve", "lead", bonus.ErrLeadNotFound)
}
