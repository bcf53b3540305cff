// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package feerate keeps the UTXO wallet's fee rate and the ledger's
// withdrawal fee estimate current.
package feerate

import (
	"context"
	"errors"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/db"
	"github.com/shopspring/decimal"
)

// Wallet is the fee capability of the UTXO wallet.
type Wallet interface {
	EstimateSmartFee(ctx context.Context, confTarget int64) (decimal.Decimal, error)
	SetTxFee(ctx context.Context, rate decimal.Decimal) error
}

// Refresher updates the fee rate of one UTXO coin.
type Refresher struct {
	store  db.Store
	coin   *custody.Coin
	wallet Wallet
	log    custody.Logger
}

// NewRefresher is the constructor for a Refresher.
func NewRefresher(store db.Store, coin *custody.Coin, wallet Wallet, log custody.Logger) *Refresher {
	return &Refresher{
		store:  store,
		coin:   coin,
		wallet: wallet,
		log:    log,
	}
}

// Tick estimates the fee rate. A usable rate is set on the wallet and the
// coin's per-withdrawal fee is recorded.
func (r *Refresher) Tick(ctx context.Context) error {
	rate, err := r.wallet.EstimateSmartFee(ctx, r.coin.ConfTarget)
	if err != nil {
		if errors.Is(err, btc.ErrNoFeeRate) {
			r.log.Warnf("No %s fee rate for a %d block target: %v", r.coin.Symbol, r.coin.ConfTarget, err)
			return nil
		}
		return fmt.Errorf("error estimating fee: %w", err)
	}
	if !rate.IsPositive() {
		r.log.Warnf("Ignoring %s fee rate %s", r.coin.Symbol, rate)
		return nil
	}
	if err := r.wallet.SetTxFee(ctx, rate); err != nil {
		return fmt.Errorf("error setting fee rate %s: %w", rate, err)
	}
	fee := r.coin.TxSizeKB.Mul(rate).Round(custody.LedgerPrecision)
	err = r.store.Update(ctx, func(tx db.Tx) error {
		info, err := tx.LockCoin(r.coin.Symbol)
		if err != nil {
			return err
		}
		if info.WithdrawalFee.Equal(fee) {
			return nil
		}
		info.WithdrawalFee = fee
		return tx.SetCoinInfo(r.coin.Symbol, info)
	})
	if err != nil {
		return err
	}
	r.log.Debugf("%s fee rate %s/kB, withdrawal fee %s", r.coin.Symbol, rate, fee)
	return nil
}
