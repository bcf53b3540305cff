// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package scan detects deposits to registered addresses. Each scanner keeps a
// per-coin checkpoint that is advanced in the same transaction that records
// the deposits found behind it.
package scan

import (
	"context"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"github.com/shopspring/decimal"
)

// scanner is the state common to all scanners.
type scanner struct {
	store  db.Store
	coin   *custody.Coin
	events *bus.Events
	log    custody.Logger
}

// owner looks up the registered address, if any.
func (s *scanner) owner(ctx context.Context, addr string) (*db.Address, bool, error) {
	a, err := s.store.AddressByAddr(ctx, s.coin.Chain, addr)
	if err != nil {
		if db.IsErrNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return a, true, nil
}

// belowMinimum is true for amounts that are not worth recording.
func (s *scanner) belowMinimum(amt decimal.Decimal) bool {
	return !amt.IsPositive() || amt.LessThan(s.coin.MinDeposit)
}

// insert records the deposit unless the transaction was seen before.
func (s *scanner) insert(tx db.Tx, d *db.Deposit) (bool, error) {
	inserted, err := tx.InsertDepositIfAbsent(d)
	if err != nil {
		return false, err
	}
	if inserted {
		s.log.Infof("New %s deposit %d: %s to client %d at %s in %s", d.CoinSymbol, d.ID,
			custody.FormatAmount(d.Amount), d.ClientID, d.AddrPath, d.TxHash)
	} else {
		s.log.Tracef("%s deposit in %s already recorded", d.CoinSymbol, d.TxHash)
	}
	return inserted, nil
}

// publish announces deposits after their transaction committed.
func (s *scanner) publish(ctx context.Context, deps []*db.Deposit) {
	for _, d := range deps {
		s.events.DepositCreated(ctx, d)
	}
}
