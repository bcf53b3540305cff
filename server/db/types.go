// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"decred.org/dcrcustody/custody"
	"github.com/shopspring/decimal"
)

// DepositStatus is the life cycle state of a Deposit.
type DepositStatus string

const (
	DepositUnconfirmed DepositStatus = "unconfirmed"
	DepositConfirmed   DepositStatus = "confirmed"
	DepositFinished    DepositStatus = "finished"
	DepositAttacked    DepositStatus = "attacked"
)

// Valid is true for a known status.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositUnconfirmed, DepositConfirmed, DepositFinished, DepositAttacked:
		return true
	}
	return false
}

// WithdrawalStatus is the life cycle state of a Withdrawal.
type WithdrawalStatus string

const (
	WithdrawalCreated  WithdrawalStatus = "created"
	WithdrawalFinished WithdrawalStatus = "finished"
)

// Valid is true for a known status.
func (s WithdrawalStatus) Valid() bool {
	return s == WithdrawalCreated || s == WithdrawalFinished
}

// Account is a client's balance of one coin.
type Account struct {
	ClientID   int64           `json:"clientId"`
	CoinSymbol string          `json:"coinSymbol"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DepositInfo is the chain-specific metadata of a Deposit.
type DepositInfo struct {
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	// Nonce is the deposit address's nonce assigned to the collection sweep.
	Nonce *uint64 `json:"nonce,omitempty"`
	// CollectHash is the gas funding transaction of a token deposit.
	CollectHash string   `json:"collectHash,omitempty"`
	GasLimit    uint64   `json:"gasLimit,omitempty"`
	GasPrice    *big.Int `json:"gasPrice,omitempty"`
}

// Validate checks the metadata for internal consistency.
func (di *DepositInfo) Validate() error {
	if di.BlockHash != "" && di.BlockHeight == 0 {
		return errors.New("block hash without a height")
	}
	funded := di.CollectHash != ""
	if funded != (di.GasLimit > 0) || funded != (di.GasPrice != nil) {
		return errors.New("collect hash, gas limit and gas price must be set together")
	}
	if di.GasPrice != nil && di.GasPrice.Sign() <= 0 {
		return fmt.Errorf("invalid gas price %s", di.GasPrice)
	}
	return nil
}

// Deposit is incoming value detected on a chain.
type Deposit struct {
	ID           int64               `json:"id"`
	CoinSymbol   string              `json:"coinSymbol"`
	ClientID     int64               `json:"clientId"`
	AddrPath     string              `json:"addrPath"`
	Amount       decimal.Decimal     `json:"amount"`
	FeeAmount    decimal.NullDecimal `json:"feeAmount"`
	FeeSymbol    string              `json:"feeSymbol,omitempty"`
	Status       DepositStatus       `json:"status"`
	TxHash       string              `json:"txHash"`
	Info         DepositInfo         `json:"info"`
	WithdrawalID *int64              `json:"withdrawalId,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Validate checks a Deposit before it is persisted.
func (d *Deposit) Validate() error {
	if d.CoinSymbol == "" {
		return errors.New("no coin symbol")
	}
	if !d.Status.Valid() {
		return fmt.Errorf("unknown deposit status %q", d.Status)
	}
	if d.TxHash == "" {
		return errors.New("no transaction hash")
	}
	if !d.Amount.IsPositive() {
		return fmt.Errorf("non-positive deposit amount %s", d.Amount)
	}
	if d.FeeAmount.Valid && d.FeeSymbol == "" {
		return errors.New("fee amount without a fee symbol")
	}
	if err := d.Info.Validate(); err != nil {
		return fmt.Errorf("deposit info: %w", err)
	}
	return nil
}

// WithdrawalInfo is the chain-specific metadata of a Withdrawal.
type WithdrawalInfo struct {
	// Nonce is the hot wallet nonce assigned to the withdrawal.
	Nonce *uint64 `json:"nonce,omitempty"`
}

// Validate checks the metadata for internal consistency.
func (wi *WithdrawalInfo) Validate() error {
	return nil
}

// Withdrawal is a client's request to send value to an external address.
type Withdrawal struct {
	ID         int64               `json:"id"`
	ClientID   int64               `json:"clientId"`
	Key        string              `json:"key"`
	CoinSymbol string              `json:"coinSymbol"`
	Recipient  string              `json:"recipient"`
	Memo       string              `json:"memo,omitempty"`
	Amount     decimal.Decimal     `json:"amount"`
	FeeAmount  decimal.NullDecimal `json:"feeAmount"`
	FeeSymbol  string              `json:"feeSymbol,omitempty"`
	Status     WithdrawalStatus    `json:"status"`
	TxHash     string              `json:"txHash,omitempty"`
	Info       WithdrawalInfo      `json:"info"`
	DepositID  *int64              `json:"depositId,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Validate checks a Withdrawal before it is persisted.
func (w *Withdrawal) Validate() error {
	if w.CoinSymbol == "" {
		return errors.New("no coin symbol")
	}
	if w.Key == "" {
		return errors.New("no idempotency key")
	}
	if w.Recipient == "" {
		return errors.New("no recipient")
	}
	if !w.Status.Valid() {
		return fmt.Errorf("unknown withdrawal status %q", w.Status)
	}
	if !w.Amount.IsPositive() {
		return fmt.Errorf("non-positive withdrawal amount %s", w.Amount)
	}
	if w.FeeAmount.Valid && w.FeeSymbol == "" {
		return errors.New("fee amount without a fee symbol")
	}
	if w.Status == WithdrawalFinished && w.TxHash == "" {
		return errors.New("finished withdrawal without a transaction hash")
	}
	return w.Info.Validate()
}

// Address is a deposit address derived for a client.
type Address struct {
	Chain    custody.Chain `json:"chain"`
	ClientID int64         `json:"clientId"`
	Path     string        `json:"path"`
	Addr     string        `json:"addr"`
}

// CoinInfo is the per-coin scanning and broadcasting checkpoint.
type CoinInfo struct {
	// DepositMilestone is the most recent wallet transaction already scanned
	// for deposits on a UTXO chain.
	DepositMilestone string `json:"depositMilestone,omitempty"`
	// WithdrawalMilestone is the most recent wallet send already reconciled
	// against withdrawals on a UTXO chain.
	WithdrawalMilestone string `json:"withdrawalMilestone,omitempty"`
	// Cursor is the last fully scanned block on an account chain.
	Cursor uint64 `json:"cursor,omitempty"`
	// WithdrawalFee is the estimated fee of one UTXO withdrawal.
	WithdrawalFee decimal.Decimal `json:"withdrawalFee"`
}

// CheckAdvance verifies that replacing prev with ci does not move a
// checkpoint backward.
func (ci *CoinInfo) CheckAdvance(prev *CoinInfo) error {
	if ci.Cursor < prev.Cursor {
		return custody.NewError(custody.ErrInvariant,
			fmt.Sprintf("cursor regression from %d to %d", prev.Cursor, ci.Cursor))
	}
	if prev.DepositMilestone != "" && ci.DepositMilestone == "" {
		return custody.NewError(custody.ErrInvariant, "deposit milestone cleared")
	}
	if prev.WithdrawalMilestone != "" && ci.WithdrawalMilestone == "" {
		return custody.NewError(custody.ErrInvariant, "withdrawal milestone cleared")
	}
	if ci.WithdrawalFee.IsNegative() {
		return fmt.Errorf("negative withdrawal fee %s", ci.WithdrawalFee)
	}
	return nil
}

// DepositFilter selects deposits.
type DepositFilter struct {
	CoinSymbol string
	Status     DepositStatus
	// Funded selects on the presence of a collect hash when non-nil.
	Funded *bool
	Limit  int
}

// WithdrawalFilter selects withdrawals. Results are ordered by id, or by
// assigned nonce and then id when ByNonce is set.
type WithdrawalFilter struct {
	CoinSymbol string
	Status     WithdrawalStatus
	// MaxID excludes ids above it when non-zero.
	MaxID int64
	// Unsent selects rows without a transaction hash.
	Unsent  bool
	ByNonce bool
	Limit   int
}

// CheckDepositUpdate verifies that next is a legal successor of the stored
// deposit prev.
func CheckDepositUpdate(prev, next *Deposit) error {
	if prev.Status == DepositFinished {
		return fmt.Errorf("deposit %d is finished", prev.ID)
	}
	if prev.ID != next.ID || prev.CoinSymbol != next.CoinSymbol || prev.ClientID != next.ClientID ||
		prev.TxHash != next.TxHash || !prev.Amount.Equal(next.Amount) {
		return fmt.Errorf("deposit %d identity changed", prev.ID)
	}
	switch {
	case prev.Status == next.Status:
	case prev.Status == DepositUnconfirmed && (next.Status == DepositConfirmed || next.Status == DepositAttacked):
	case prev.Status == DepositConfirmed && next.Status == DepositFinished:
	default:
		return fmt.Errorf("deposit %d cannot move from %s to %s", prev.ID, prev.Status, next.Status)
	}
	return next.Validate()
}

// CheckWithdrawalUpdate verifies that next is a legal successor of the stored
// withdrawal prev.
func CheckWithdrawalUpdate(prev, next *Withdrawal) error {
	if prev.Status == WithdrawalFinished {
		return fmt.Errorf("withdrawal %d is finished", prev.ID)
	}
	if prev.ID != next.ID || prev.ClientID != next.ClientID || prev.Key != next.Key ||
		prev.CoinSymbol != next.CoinSymbol || prev.Recipient != next.Recipient ||
		!prev.Amount.Equal(next.Amount) {
		return fmt.Errorf("withdrawal %d identity changed", prev.ID)
	}
	if prev.Info.Nonce != nil && (next.Info.Nonce == nil || *next.Info.Nonce != *prev.Info.Nonce) {
		return custody.NewError(custody.ErrInvariant, fmt.Sprintf("withdrawal %d nonce reassigned", prev.ID))
	}
	return next.Validate()
}
