// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"

	"decred.org/dcrcustody/custody"
	"github.com/shopspring/decimal"
)

// Store is the ledger. Reads outside of Update see committed state only.
type Store interface {
	// Update runs f in one transaction. Locks taken through the Tx are held
	// until f returns. The transaction commits if f returns nil and rolls
	// back otherwise.
	Update(ctx context.Context, f func(Tx) error) error

	Account(ctx context.Context, clientID int64, coin string) (*Account, error)
	Deposit(ctx context.Context, id int64) (*Deposit, error)
	Deposits(ctx context.Context, filter *DepositFilter) ([]*Deposit, error)
	Withdrawal(ctx context.Context, id int64) (*Withdrawal, error)
	WithdrawalByKey(ctx context.Context, clientID int64, key string) (*Withdrawal, error)
	Withdrawals(ctx context.Context, filter *WithdrawalFilter) ([]*Withdrawal, error)
	CoinInfo(ctx context.Context, coin string) (*CoinInfo, error)
	AddressByAddr(ctx context.Context, chain custody.Chain, addr string) (*Address, error)
	Addresses(ctx context.Context, chain custody.Chain) ([]*Address, error)
	// InsertAddress records a derived address. Recording the same address
	// twice is not an error.
	InsertAddress(ctx context.Context, addr *Address) error

	Close() error
}

// Tx is the set of operations available inside a ledger transaction. The
// Lock methods take a row lock held until the transaction ends.
type Tx interface {
	// EnsureAccount creates a zero balance account if none exists.
	EnsureAccount(clientID int64, coin string) error
	// LockAccount locks an existing account. ErrNotFound if absent.
	LockAccount(clientID int64, coin string) (*Account, error)
	// AdjustBalance adds delta to a locked account's balance and returns the
	// new balance.
	AdjustBalance(clientID int64, coin string, delta decimal.Decimal) (decimal.Decimal, error)

	// InsertDepositIfAbsent inserts d unless a deposit already exists for
	// the same coin and transaction hash. The id of an inserted deposit is
	// set on d.
	InsertDepositIfAbsent(d *Deposit) (bool, error)
	LockDeposit(id int64) (*Deposit, error)
	Deposits(filter *DepositFilter) ([]*Deposit, error)
	UpdateDeposit(d *Deposit) error

	// InsertWithdrawal inserts w unless a withdrawal already exists for the
	// same client and key. The id of an inserted withdrawal is set on w.
	InsertWithdrawal(w *Withdrawal) (bool, error)
	LockWithdrawal(id int64) (*Withdrawal, error)
	// LockWithdrawals selects and locks the matching withdrawals.
	LockWithdrawals(filter *WithdrawalFilter) ([]*Withdrawal, error)
	UpdateWithdrawal(w *Withdrawal) error

	// LockCoin locks the coin's checkpoint row, creating an empty one if
	// absent.
	LockCoin(coin string) (*CoinInfo, error)
	// SetCoinInfo replaces a locked checkpoint. A checkpoint never moves
	// backward.
	SetCoinInfo(coin string, info *CoinInfo) error

	// LockNonce locks the nonce counter of the owner, returning the next
	// nonce to issue. The bool is false if no counter exists.
	LockNonce(owner string) (uint64, bool, error)
	// SetNonce sets the next nonce to issue for the owner. It must not move
	// an existing counter backward.
	SetNonce(owner string, next uint64) error
}
