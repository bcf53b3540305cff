// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package custody

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func bigStr(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int %q", s)
	}
	return v
}

func TestBaseUnitsToDecimal(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		decimals uint8
		want     string
	}{
		{"eight decimals", "123400000000", 8, "1234.00000000"},
		{"pad", "5", 2, "0.05000000"},
		{"no decimals", "42", 0, "42.00000000"},
		{"truncate wei", "1234567891234567891", 18, "1.23456789"},
		{"dust", "999999999", 18, "0.00000000"},
		{"zero", "0", 18, "0.00000000"},
		{"large", "115792089237316195423570985008687907853269984665640564039457584007913129639935", 18,
			"115792089237316195423570985008687907853269984665640564039457.58400791"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatAmount(BaseUnitsToDecimal(bigStr(t, tt.value), tt.decimals))
			if got != tt.want {
				t.Fatalf("wanted %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecimalToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1234", 8, "123400000000"},
		{"0.01", 18, "10000000000000000"},
		{"1.23456789", 6, "1234567"},
		{"0", 18, "0"},
	}
	for _, tt := range tests {
		got := DecimalToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
		if got.String() != tt.want {
			t.Fatalf("%s with %d decimals: wanted %s, got %s", tt.amount, tt.decimals, tt.want, got)
		}
	}
}

func TestAmountRoundTrip(t *testing.T) {
	v := bigStr(t, "987654321012345678")
	d := BaseUnitsToDecimal(v, 18)
	// Digits past the ledger precision are truncated.
	if !d.Equal(decimal.RequireFromString("0.98765432")) {
		t.Fatalf("wrong ledger amount %s", d)
	}
	back := DecimalToBaseUnits(d, 18)
	if want := bigStr(t, "987654320000000000"); back.Cmp(want) != 0 {
		t.Fatalf("wanted %s, got %s", want, back)
	}
}
