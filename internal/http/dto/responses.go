package dto

import "time"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type QuoteResponse struct {
	AmountFiat   string `json:"amount_fiat"`
	AmountCrypto string `json:"amount_crypto"`
	Rate         string `json:"rate"`
	FeeBPS       int    `json:"fee_bps"`
}

type IntentResponse struct {
	Reference    string    `json:"reference"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	AssetCode    string    `json:"asset_code"`
	FiatAmount   string    `json:"fiat_amount"`
	CryptoAmount string    `json:"crypto_amount"`
	TxHash       string    `json:"tx_hash,omitempty"`
	FailReason   string    `json:"fail_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type WebhookAck struct {
	Outcome string `json:"outcome"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
