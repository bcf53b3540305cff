// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package custody

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// LedgerPrecision is the number of fraction digits the ledger keeps for every
// coin.
const LedgerPrecision = 8

// BaseUnitsToDecimal converts an integer amount of a coin's smallest unit to
// a ledger amount. Digits beyond LedgerPrecision are truncated, so the result
// never exceeds the on-chain value.
func BaseUnitsToDecimal(v *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(v, -int32(decimals)).Truncate(LedgerPrecision)
}

// DecimalToBaseUnits converts a ledger amount to an integer amount of the
// coin's smallest unit. Any fraction of a base unit is dropped.
func DecimalToBaseUnits(d decimal.Decimal, decimals uint8) *big.Int {
	return d.Shift(int32(decimals)).BigInt()
}

// FormatAmount renders a ledger amount with exactly LedgerPrecision fraction
// digits.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(LedgerPrecision)
}
