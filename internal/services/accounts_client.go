package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoWallet is the accounts service's definitive answer that no wallet
// exists for the user. A transport failure or 5xx never maps to it.
var ErrNoWallet = errors.New("no wallet on record")

// AccountsClient talks to the accounts service's internal API. Profiles,
// custodial wallet material and notification delivery live there; this
// service only consumes them.
type AccountsClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewAccountsClient(baseURL string, log *zap.Logger) *AccountsClient {
	return &AccountsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type walletInfo struct {
	Address string `json:"address"`
	Seed    string `json:"seed,omitempty"`
}

func (c *AccountsClient) WalletAddress(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var w walletInfo
	if err := c.get(ctx, fmt.Sprintf("/internal/users/%s/wallet", ownerID), &w); err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: user %s", ErrNoWallet, ownerID)
		}
		return "", err
	}
	if w.Address == "" {
		return "", fmt.Errorf("%w: user %s", ErrNoWallet, ownerID)
	}
	return w.Address, nil
}

func (c *AccountsClient) WalletSeed(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var w walletInfo
	if err := c.get(ctx, fmt.Sprintf("/internal/users/%s/wallet?include_seed=1", ownerID), &w); err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: user %s", ErrNoWallet, ownerID)
		}
		return "", err
	}
	if w.Seed == "" {
		return "", fmt.Errorf("%w: user %s has no custodial seed", ErrNoWallet, ownerID)
	}
	return w.Seed, nil
}

func (c *AccountsClient) PayoutContact(ctx context.Context, ownerID uuid.UUID) (string, string, error) {
	var contact struct {
		Phone    string `json:"phone"`
		Operator string `json:"operator"`
	}
	if err := c.get(ctx, fmt.Sprintf("/internal/users/%s/payout-contact", ownerID), &contact); err != nil {
		return "", "", err
	}
	return contact.Phone, contact.Operator, nil
}

// Notify is best effort: a delivery failure is logged and never propagated
// into settlement outcomes.
func (c *AccountsClient) Notify(ctx context.Context, ownerID uuid.UUID, text string) error {
	body, _ := json.Marshal(map[string]any{
		"user_id": ownerID.String(),
		"text":    text,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notify", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("failed to send notification", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("notification failed", zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (c *AccountsClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("accounts service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &apiError{status: resp.StatusCode, body: string(body)}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("accounts service returned %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.status == http.StatusNotFound
}
