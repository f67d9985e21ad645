package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPClient talks to the mobile-money provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPClient(baseURL, apiKey, currency string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type paymentRequest struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Phone     string `json:"phone"`
	Operator  string `json:"operator"`
}

func (c *HTTPClient) CreateCollection(ctx context.Context, amount decimal.Decimal, phone, operator, reference string) (*Ack, error) {
	var ack Ack
	err := c.do(ctx, http.MethodPost, "/v1/collections", paymentRequest{
		Reference: reference,
		Amount:    amount.String(),
		Currency:  c.currency,
		Phone:     phone,
		Operator:  operator,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) CreatePayout(ctx context.Context, amount decimal.Decimal, phone, operator, reference string) (*Ack, error) {
	var ack Ack
	err := c.do(ctx, http.MethodPost, "/v1/payouts", paymentRequest{
		Reference: reference,
		Amount:    amount.String(),
		Currency:  c.currency,
		Phone:     phone,
		Operator:  operator,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) GetCollectionByReference(ctx context.Context, reference string) (*Collection, error) {
	var col struct {
		Reference  string `json:"reference"`
		ProviderID string `json:"provider_id"`
		Status     string `json:"status"`
		Amount     string `json:"amount"`
		Currency   string `json:"currency"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/collections/"+reference, nil, &col); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(col.Amount)
	if err != nil {
		return nil, fmt.Errorf("gateway returned bad amount %q: %w", col.Amount, err)
	}
	return &Collection{
		Reference:  col.Reference,
		ProviderID: col.ProviderID,
		Status:     strings.ToLower(col.Status),
		Amount:     amount,
		Currency:   col.Currency,
	}, nil
}

func (c *HTTPClient) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+reference, nil, &tx); err != nil {
		return nil, err
	}
	tx.Status = strings.ToLower(tx.Status)
	return &tx, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}
