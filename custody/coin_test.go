// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package custody

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCoinValidate(t *testing.T) {
	good := func() *Coin {
		return &Coin{
			Symbol:         "CFC",
			Chain:          ChainEthereum,
			Decimals:       8,
			Contract:       "0x6b175474e89094c44da98b954eedeac495271d0f",
			TransferFields: TransferFields{"_from", "_to", "_value"},
			Confirmations:  10,
			Step:           300,
			MinDeposit:     decimal.NewFromInt(10),
		}
	}
	if err := good().Validate(); err != nil {
		t.Fatalf("valid coin failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Coin)
	}{
		{"no symbol", func(c *Coin) { c.Symbol = "" }},
		{"unknown chain", func(c *Coin) { c.Chain = "dogecoin" }},
		{"btc token", func(c *Coin) { c.Chain = ChainBitcoin }},
		{"ether decimals", func(c *Coin) { c.Contract = "" }},
		{"missing field", func(c *Coin) { c.TransferFields.Value = "" }},
		{"zero confs", func(c *Coin) { c.Confirmations = 0 }},
		{"zero step", func(c *Coin) { c.Step = 0 }},
		{"negative min", func(c *Coin) { c.MinDeposit = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		c := good()
		tt.mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: no error", tt.name)
		}
	}
}

func TestCoinsLookup(t *testing.T) {
	coins := Coins{"BTC": {Symbol: "BTC", Chain: ChainBitcoin, Decimals: 8}}
	if c, err := coins.Lookup("btc"); err != nil || c.Symbol != "BTC" {
		t.Fatalf("lookup failed: %v", err)
	}
	_, err := coins.Lookup("XRP")
	if !errors.Is(err, ErrUnknownCoin) {
		t.Fatalf("wanted ErrUnknownCoin, got %v", err)
	}
	if fee := coins["BTC"].FeeSymbol(); fee != "BTC" {
		t.Fatalf("wrong fee symbol %s", fee)
	}
}
