package dto

// Amounts travel as strings end to end; parsing to decimal happens once,
// at the handler boundary.

type BuyRequest struct {
	AmountFiat  string `json:"amount_fiat"`
	Phone       string `json:"phone"`
	Operator    string `json:"operator"` // mtn / orange
	DestAddress string `json:"dest_address,omitempty"`
	AssetCode   string `json:"asset_code,omitempty"`   // defaults to TON
	AssetIssuer string `json:"asset_issuer,omitempty"` // jetton master, empty for native
}

type SellRequest struct {
	AmountCrypto string `json:"amount_crypto"`
	Phone        string `json:"phone,omitempty"` // defaults to the payout contact on file
	Operator     string `json:"operator,omitempty"`
	AssetCode    string `json:"asset_code,omitempty"`
	AssetIssuer  string `json:"asset_issuer,omitempty"`
}

type SendRequest struct {
	DestAddress string `json:"dest_address"`
	Amount      string `json:"amount"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
}
