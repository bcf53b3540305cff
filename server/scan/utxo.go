// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package scan

import (
	"context"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
)

// UTXOScanner finds deposits in the node wallet's transaction history. Its
// checkpoint is the most recent wallet entry already scanned.
type UTXOScanner struct {
	scanner
	wallet btc.TxLister
}

// NewUTXOScanner is the constructor for a UTXOScanner.
func NewUTXOScanner(store db.Store, coin *custody.Coin, wallet btc.TxLister, events *bus.Events, log custody.Logger) *UTXOScanner {
	return &UTXOScanner{
		scanner: scanner{
			store:  store,
			coin:   coin,
			events: events,
			log:    log,
		},
		wallet: wallet,
	}
}

// Tick scans the wallet entries newer than the stored milestone.
func (s *UTXOScanner) Tick(ctx context.Context) error {
	sym := s.coin.Symbol
	var created []*db.Deposit
	err := s.store.Update(ctx, func(tx db.Tx) error {
		created = nil
		info, err := tx.LockCoin(sym)
		if err != nil {
			return err
		}
		latest, err := btc.LatestTx(ctx, s.wallet)
		if err != nil || latest == nil {
			return err
		}
		if latest.TxID == info.DepositMilestone {
			return nil
		}

		var entries []*btc.ListTransactionsResult
		err = btc.WalkHistory(ctx, s.wallet, func(e *btc.ListTransactionsResult) (bool, error) {
			if e.TxID == info.DepositMilestone {
				return true, nil
			}
			entries = append(entries, e)
			return false, nil
		})
		if err != nil {
			return err
		}

		// Oldest first, so deposit ids follow the wallet's order.
		for i := len(entries) - 1; i >= 0; i-- {
			d, err := s.deposit(ctx, entries[i])
			if err != nil {
				return err
			}
			if d == nil {
				continue
			}
			inserted, err := s.insert(tx, d)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, d)
			}
		}

		s.log.Debugf("Advancing %s deposit milestone to %s after %d entries", sym, latest.TxID, len(entries))
		info.DepositMilestone = latest.TxID
		return tx.SetCoinInfo(sym, info)
	})
	if err != nil {
		return fmt.Errorf("%s deposit scan: %w", sym, err)
	}
	s.publish(ctx, created)
	return nil
}

// deposit converts a wallet entry to a deposit. nil if the entry is not a
// deposit to a registered address.
func (s *UTXOScanner) deposit(ctx context.Context, e *btc.ListTransactionsResult) (*db.Deposit, error) {
	if e.Category != btc.CategoryReceive {
		return nil, nil
	}
	a, found, err := s.owner(ctx, e.Address)
	if err != nil || !found {
		return nil, err
	}
	amt, err := e.AmountDecimal()
	if err != nil {
		return nil, fmt.Errorf("bad amount in %s: %w", e.TxID, err)
	}
	if s.belowMinimum(amt) {
		s.log.Debugf("Ignoring %s deposit of %s in %s", s.coin.Symbol, custody.FormatAmount(amt), e.TxID)
		return nil, nil
	}
	return &db.Deposit{
		CoinSymbol: s.coin.Symbol,
		ClientID:   a.ClientID,
		AddrPath:   a.Path,
		Amount:     amt,
		Status:     db.DepositUnconfirmed,
		TxHash:     e.TxID,
		Info: db.DepositInfo{
			BlockHeight: e.BlockHeight,
			BlockHash:   e.BlockHash,
			Recipient:   e.Address,
		},
	}, nil
}
