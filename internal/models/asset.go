package models

import "fmt"

// Asset identifies what moves on the ledger side: the native coin, or an
// issued (jetton-like) asset identified by code + issuer master address.
type Asset struct {
	Code   string `json:"code"`             // "TON" for native
	Issuer string `json:"issuer,omitempty"` // empty for native
}

func NativeAsset() Asset {
	return Asset{Code: "TON"}
}

func (a Asset) IsNative() bool {
	return a.Issuer == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return a.Code
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}
