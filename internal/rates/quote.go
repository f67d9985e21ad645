package rates

import "github.com/shopspring/decimal"

// Quote math. rate is fiat units per one crypto unit; feeBPS is the platform
// fee in basis points, taken on the fiat side.

var bpsDivisor = decimal.NewFromInt(10000)

// CryptoForFiat converts a fiat amount into the crypto amount the buyer
// receives, after fee. Result is rounded down to 9 decimal places (nano
// precision) so the platform never over-credits.
func CryptoForFiat(fiat, rate decimal.Decimal, feeBPS int) decimal.Decimal {
	fee := fiat.Mul(decimal.NewFromInt(int64(feeBPS))).Div(bpsDivisor)
	return fiat.Sub(fee).Div(rate).RoundDown(9)
}

// FiatForCrypto converts a crypto amount into the fiat payout the seller
// receives, after fee. Rounded down to 2 decimal places.
func FiatForCrypto(crypto, rate decimal.Decimal, feeBPS int) decimal.Decimal {
	gross := crypto.Mul(rate)
	fee := gross.Mul(decimal.NewFromInt(int64(feeBPS))).Div(bpsDivisor)
	return gross.Sub(fee).RoundDown(2)
}
