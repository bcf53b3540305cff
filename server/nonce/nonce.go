// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package nonce issues account-chain transaction nonces. Each nonce is
// persisted on the row that consumes it in the same transaction that
// advances the owner's counter, so a row keeps its nonce across restarts and
// no two rows of an owner share one.
package nonce

import (
	"context"
	"errors"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"github.com/ethereum/go-ethereum/common"
)

// RowKind is the kind of ledger row a nonce is stamped on.
type RowKind uint8

const (
	WithdrawalRow RowKind = iota
	DepositRow
)

func (k RowKind) String() string {
	if k == DepositRow {
		return "deposit"
	}
	return "withdrawal"
}

// RowRef identifies the row consuming a nonce.
type RowRef struct {
	Kind RowKind
	ID   int64
}

// Withdrawal refers to a withdrawal row.
func Withdrawal(id int64) RowRef { return RowRef{WithdrawalRow, id} }

// Deposit refers to a deposit row.
func Deposit(id int64) RowRef { return RowRef{DepositRow, id} }

func (r RowRef) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// Chain is the source of an account's on-chain transaction count.
type Chain interface {
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
}

const errNoCounter = custody.ErrorKind("no nonce counter")

// Sequencer hands out per-owner nonces.
type Sequencer struct {
	store db.Store
	chain Chain
	log   custody.Logger
}

// NewSequencer is the constructor for a Sequencer.
func NewSequencer(store db.Store, chain Chain, log custody.Logger) *Sequencer {
	return &Sequencer{
		store: store,
		chain: chain,
		log:   log,
	}
}

// owner normalizes an address so that counters are not split by checksum
// case.
func owner(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid nonce owner %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// NextNonce returns the nonce of the row, assigning the owner's next nonce if
// the row has none. A counter that does not exist yet is seeded from the
// chain.
func (s *Sequencer) NextNonce(ctx context.Context, addr string, row RowRef) (uint64, error) {
	own, err := owner(addr)
	if err != nil {
		return 0, err
	}
	if n, ok, err := s.stamped(ctx, row); err != nil || ok {
		return n, err
	}
	n, err := s.assign(ctx, own, row)
	if errors.Is(err, errNoCounter) {
		if err = s.SeedFromChain(ctx, own); err != nil {
			return 0, err
		}
		n, err = s.assign(ctx, own, row)
	}
	return n, err
}

// stamped reads the committed nonce of the row, if any.
func (s *Sequencer) stamped(ctx context.Context, row RowRef) (uint64, bool, error) {
	var nonce *uint64
	switch row.Kind {
	case WithdrawalRow:
		w, err := s.store.Withdrawal(ctx, row.ID)
		if err != nil {
			return 0, false, err
		}
		nonce = w.Info.Nonce
	case DepositRow:
		d, err := s.store.Deposit(ctx, row.ID)
		if err != nil {
			return 0, false, err
		}
		nonce = d.Info.Nonce
	}
	if nonce == nil {
		return 0, false, nil
	}
	return *nonce, true, nil
}

func (s *Sequencer) assign(ctx context.Context, own string, row RowRef) (nonce uint64, err error) {
	err = s.store.Update(ctx, func(tx db.Tx) error {
		var stamp func(n uint64) error
		switch row.Kind {
		case WithdrawalRow:
			w, err := tx.LockWithdrawal(row.ID)
			if err != nil {
				return err
			}
			if w.Info.Nonce != nil {
				nonce = *w.Info.Nonce
				return nil
			}
			stamp = func(n uint64) error {
				w.Info.Nonce = &n
				return tx.UpdateWithdrawal(w)
			}
		case DepositRow:
			d, err := tx.LockDeposit(row.ID)
			if err != nil {
				return err
			}
			if d.Info.Nonce != nil {
				nonce = *d.Info.Nonce
				return nil
			}
			stamp = func(n uint64) error {
				d.Info.Nonce = &n
				return tx.UpdateDeposit(d)
			}
		default:
			return fmt.Errorf("unknown row kind %d", row.Kind)
		}

		next, found, err := tx.LockNonce(own)
		if err != nil {
			return err
		}
		if !found {
			return errNoCounter
		}
		if err = tx.SetNonce(own, next+1); err != nil {
			return err
		}
		if err = stamp(next); err != nil {
			return err
		}
		nonce = next
		s.log.Debugf("Assigned nonce %d of %s to %s", next, own, row)
		return nil
	})
	return nonce, err
}

// Seed creates the owner's counter with next as the next nonce to issue. An
// existing counter is left alone.
func (s *Sequencer) Seed(ctx context.Context, addr string, next uint64) error {
	own, err := owner(addr)
	if err != nil {
		return err
	}
	return s.store.Update(ctx, func(tx db.Tx) error {
		_, found, err := tx.LockNonce(own)
		if err != nil || found {
			return err
		}
		s.log.Infof("Seeding nonce counter of %s at %d", own, next)
		return tx.SetNonce(own, next)
	})
}

// Peek returns the owner's next nonce without issuing it. found is false if
// the owner has no counter.
func (s *Sequencer) Peek(ctx context.Context, addr string) (next uint64, found bool, err error) {
	own, err := owner(addr)
	if err != nil {
		return 0, false, err
	}
	err = s.store.Update(ctx, func(tx db.Tx) error {
		next, found, err = tx.LockNonce(own)
		return err
	})
	return next, found, err
}

// SeedFromChain seeds the owner's counter with its on-chain transaction
// count.
func (s *Sequencer) SeedFromChain(ctx context.Context, addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid nonce owner %q", addr)
	}
	count, err := s.chain.TransactionCount(ctx, common.HexToAddress(addr))
	if err != nil {
		return fmt.Errorf("error getting transaction count of %s: %w", addr, err)
	}
	return s.Seed(ctx, addr, count)
}

// Check compares an assigned nonce with the owner's on-chain transaction
// count. It returns true if the nonce is the next one the chain will accept
// and false if a predecessor is still pending. A count beyond the nonce means
// the account sent a transaction the ledger does not know about, which is an
// invariant violation.
func Check(nonce, count uint64, own string) (bool, error) {
	switch {
	case count > nonce:
		return false, custody.NewError(custody.ErrInvariant,
			fmt.Sprintf("on-chain nonce %d of %s is ahead of ledger nonce %d", count, own, nonce))
	case count < nonce:
		return false, nil
	}
	return true, nil
}
