// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package custody

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain identifies the blockchain a coin lives on. Addresses are registered
// per chain, so a token shares the deposit addresses of its host chain.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
)

// NativeSymbol is the symbol of the coin used to pay network fees on the
// chain.
func (c Chain) NativeSymbol() string {
	switch c {
	case ChainBitcoin:
		return "BTC"
	case ChainEthereum:
		return "ETH"
	}
	return ""
}

// TransferFields are the argument names of a token contract's Transfer event.
// Contracts disagree on them, e.g. "from" vs "_from".
type TransferFields struct {
	From  string
	To    string
	Value string
}

// DefaultTransferFields are the argument names used by the reference ERC20
// contract.
var DefaultTransferFields = TransferFields{From: "from", To: "to", Value: "value"}

// Coin is the static configuration of a custodied coin. Token specifics are
// expressed as values here rather than per-token code.
type Coin struct {
	Symbol   string
	Chain    Chain
	Decimals uint8
	// Contract is the token contract address. Empty for a chain's native
	// coin.
	Contract       string
	TransferFields TransferFields

	// Confirmations is the depth at which a deposit is credited.
	Confirmations uint64
	// Step bounds the work of one tick. For account-chain scanners it is the
	// block range size, for the UTXO batcher the withdrawal batch size.
	Step uint64
	// ReorgMargin is the number of blocks behind the tip the account-chain
	// scanners stay.
	ReorgMargin uint64
	// StartHeight is the first block scanned when no cursor is stored.
	StartHeight uint64
	// MinDeposit is the smallest transfer that is recorded as a deposit.
	MinDeposit decimal.Decimal

	// UTXO withdrawal parameters.
	MinConf    int
	ConfTarget int64
	TxSizeKB   decimal.Decimal
}

// IsToken is true for a contract-based coin.
func (c *Coin) IsToken() bool {
	return c.Contract != ""
}

// FeeSymbol is the symbol network fees for this coin are paid in.
func (c *Coin) FeeSymbol() string {
	return c.Chain.NativeSymbol()
}

// Validate checks that the configuration is usable.
func (c *Coin) Validate() error {
	if c.Symbol == "" {
		return errors.New("no coin symbol")
	}
	switch c.Chain {
	case ChainBitcoin:
		if c.IsToken() {
			return fmt.Errorf("%s: tokens are not supported on %s", c.Symbol, c.Chain)
		}
		if c.Decimals != 8 {
			return fmt.Errorf("%s: bitcoin has 8 decimals, not %d", c.Symbol, c.Decimals)
		}
	case ChainEthereum:
		if !c.IsToken() && c.Decimals != 18 {
			return fmt.Errorf("%s: ether has 18 decimals, not %d", c.Symbol, c.Decimals)
		}
		if c.IsToken() {
			f := c.TransferFields
			if f.From == "" || f.To == "" || f.Value == "" {
				return fmt.Errorf("%s: incomplete transfer event fields %+v", c.Symbol, f)
			}
		}
	default:
		return fmt.Errorf("%s: unknown chain %q", c.Symbol, c.Chain)
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("%s: zero confirmations", c.Symbol)
	}
	if c.Step == 0 {
		return fmt.Errorf("%s: zero step", c.Symbol)
	}
	if c.MinDeposit.IsNegative() {
		return fmt.Errorf("%s: negative minimum deposit", c.Symbol)
	}
	return nil
}

// Coins is the set of configured coins, keyed by symbol.
type Coins map[string]*Coin

// Lookup finds the coin for the symbol.
func (cs Coins) Lookup(symbol string) (*Coin, error) {
	c, found := cs[strings.ToUpper(symbol)]
	if !found {
		return nil, NewError(ErrUnknownCoin, symbol)
	}
	return c, nil
}

// Symbols is the sorted list of configured coin symbols.
func (cs Coins) Symbols() []string {
	syms := make([]string, 0, len(cs))
	for sym := range cs {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}
