// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package confirm credits deposits once they are buried deep enough.
package confirm

import (
	"context"
	"errors"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
)

// DepthSource reports how deep a deposit's transaction is buried. A negative
// depth means the transaction conflicts with the best chain.
type DepthSource interface {
	Depth(ctx context.Context, d *db.Deposit) (int64, error)
}

// HeightSource is an account chain's tip height.
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeightDepth measures depth as the distance from the deposit's block to the
// tip.
type HeightDepth struct {
	Chain HeightSource
}

// Depth is the tip height less the deposit's block height.
func (hd *HeightDepth) Depth(ctx context.Context, d *db.Deposit) (int64, error) {
	if d.Info.BlockHeight == 0 {
		return 0, nil
	}
	tip, err := hd.Chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if tip < d.Info.BlockHeight {
		return 0, nil
	}
	return int64(tip - d.Info.BlockHeight), nil
}

// ConfirmationSource is a UTXO wallet's view of a transaction's depth.
type ConfirmationSource interface {
	Confirmations(ctx context.Context, txid string) (int64, error)
}

// WalletDepth measures depth as the wallet's confirmation count, which is
// negative for a conflicted transaction.
type WalletDepth struct {
	Wallet ConfirmationSource
}

// Depth is the wallet's confirmation count of the deposit transaction.
func (wd *WalletDepth) Depth(ctx context.Context, d *db.Deposit) (int64, error) {
	return wd.Wallet.Confirmations(ctx, d.TxHash)
}

// Promoter moves deposits from unconfirmed to confirmed, crediting the
// client's account in the same transaction.
type Promoter struct {
	store  db.Store
	coin   *custody.Coin
	depth  DepthSource
	events *bus.Events
	log    custody.Logger
}

// NewPromoter is the constructor for a Promoter.
func NewPromoter(store db.Store, coin *custody.Coin, depth DepthSource, events *bus.Events, log custody.Logger) *Promoter {
	return &Promoter{
		store:  store,
		coin:   coin,
		depth:  depth,
		events: events,
		log:    log,
	}
}

// Tick checks every unconfirmed deposit of the coin.
func (p *Promoter) Tick(ctx context.Context) error {
	deps, err := p.store.Deposits(ctx, &db.DepositFilter{
		CoinSymbol: p.coin.Symbol,
		Status:     db.DepositUnconfirmed,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range deps {
		if err := p.check(ctx, d); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("deposit %d: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Promoter) check(ctx context.Context, d *db.Deposit) error {
	depth, err := p.depth.Depth(ctx, d)
	if err != nil {
		return fmt.Errorf("error getting depth of %s: %w", d.TxHash, err)
	}
	switch {
	case depth < 0:
		p.log.Warnf("%s deposit %d in %s conflicts with the best chain", d.CoinSymbol, d.ID, d.TxHash)
		return p.transition(ctx, d.ID, db.DepositAttacked)
	case uint64(depth) < p.coin.Confirmations:
		p.log.Tracef("%s deposit %d at depth %d of %d", d.CoinSymbol, d.ID, depth, p.coin.Confirmations)
		return nil
	}
	return p.transition(ctx, d.ID, db.DepositConfirmed)
}

// transition moves an unconfirmed deposit to status, crediting the account
// if it is confirmed. A deposit that is no longer unconfirmed is left alone.
func (p *Promoter) transition(ctx context.Context, id int64, status db.DepositStatus) error {
	var changed bool
	err := p.store.Update(ctx, func(tx db.Tx) error {
		d, err := tx.LockDeposit(id)
		if err != nil {
			return err
		}
		changed = false
		if d.Status != db.DepositUnconfirmed {
			p.log.Debugf("Deposit %d already %s", id, d.Status)
			return nil
		}
		d.Status = status
		if err = tx.UpdateDeposit(d); err != nil {
			return err
		}
		changed = true
		if status != db.DepositConfirmed {
			return nil
		}
		if err = tx.EnsureAccount(d.ClientID, d.CoinSymbol); err != nil {
			return err
		}
		if _, err = tx.LockAccount(d.ClientID, d.CoinSymbol); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(d.ClientID, d.CoinSymbol, d.Amount)
		if err != nil {
			return err
		}
		p.log.Infof("Credited %s %s of deposit %d to client %d, balance %s", custody.FormatAmount(d.Amount),
			d.CoinSymbol, id, d.ClientID, custody.FormatAmount(bal))
		return nil
	})
	if err != nil || !changed {
		return err
	}

	d, err := p.store.Deposit(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == status {
		p.events.DepositUpdated(ctx, d)
	}
	return nil
}
