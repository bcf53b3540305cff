// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package prefund sends deposit addresses the gas they need to sweep their
// tokens to the hot wallet.
package prefund

import (
	"context"
	"fmt"
	"math/big"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/db"
	"github.com/ethereum/go-ethereum/common"
)

// Token pairs a token coin with its contract.
type Token struct {
	Coin     *custody.Coin
	Contract *eth.Token
}

// Prefunder funds the collection gas of confirmed token deposits from the
// pocket wallet. It serves every token so that pocket wallet nonces are
// issued by one job.
type Prefunder struct {
	store   db.Store
	tokens  []*Token
	node    eth.TxNode
	pocket  *eth.Signer
	hot     common.Address
	premium *big.Int
	log     custody.Logger
}

// Config is the configuration of a Prefunder.
type Config struct {
	Store  db.Store
	Tokens []*Token
	Node   eth.TxNode
	// Pocket signs for the gas funding wallet.
	Pocket *eth.Signer
	// Hot is the collection destination.
	Hot        common.Address
	GasPremium *big.Int
	Logger     custody.Logger
}

// New is the constructor for a Prefunder.
func New(cfg *Config) *Prefunder {
	premium := cfg.GasPremium
	if premium == nil {
		premium = new(big.Int)
	}
	return &Prefunder{
		store:   cfg.Store,
		tokens:  cfg.Tokens,
		node:    cfg.Node,
		pocket:  cfg.Pocket,
		hot:     cfg.Hot,
		premium: premium,
		log:     cfg.Logger,
	}
}

// Tick funds every unfunded confirmed token deposit. A pocket wallet that
// cannot cover a deposit's gas fails the tick before anything is sent for
// that deposit.
func (p *Prefunder) Tick(ctx context.Context) error {
	unfunded := false
	for _, t := range p.tokens {
		deps, err := p.store.Deposits(ctx, &db.DepositFilter{
			CoinSymbol: t.Coin.Symbol,
			Status:     db.DepositConfirmed,
			Funded:     &unfunded,
		})
		if err != nil {
			return err
		}
		for _, d := range deps {
			if err = p.fund(ctx, t, d); err != nil {
				return fmt.Errorf("%s deposit %d: %w", t.Coin.Symbol, d.ID, err)
			}
		}
	}
	return nil
}

func (p *Prefunder) fund(ctx context.Context, t *Token, d *db.Deposit) error {
	addr, err := eth.ParseAddress(d.Info.Recipient)
	if err != nil {
		return custody.NewError(custody.ErrInvariant, err.Error())
	}
	value := custody.DecimalToBaseUnits(d.Amount, t.Coin.Decimals)
	pay, err := eth.NewPayment(t.Contract, p.hot, value)
	if err != nil {
		return err
	}
	suggested, err := p.node.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("error getting gas price: %w", err)
	}
	gasPrice := eth.GasPrice(suggested, p.premium)
	// The deposit address has no ether yet, so the estimate carries no
	// gas price.
	gasLimit, err := p.node.EstimateGas(ctx, pay.CallMsg(addr, nil))
	if err != nil {
		return fmt.Errorf("error estimating collection gas: %w", err)
	}
	fee := eth.GasFee(gasLimit, gasPrice)

	pocket := p.pocket.Address()
	bal, err := p.node.BalanceAt(ctx, pocket)
	if err != nil {
		return fmt.Errorf("error getting pocket balance: %w", err)
	}
	need := new(big.Int).Add(fee, eth.GasFee(eth.NativeTransferGas, gasPrice))
	if bal.Cmp(need) < 0 {
		return custody.NewError(custody.ErrInsufficientFunds, fmt.Sprintf("pocket wallet %s has %s wei, needs %s",
			pocket, bal, need))
	}
	n, err := p.node.PendingNonceAt(ctx, pocket)
	if err != nil {
		return fmt.Errorf("error getting pocket nonce: %w", err)
	}
	tx, err := p.pocket.SignTx(n, addr, fee, eth.NativeTransferGas, gasPrice, nil)
	if err != nil {
		return err
	}
	if err = p.node.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("error sending %s: %w", tx.Hash(), err)
	}
	p.log.Infof("Funded %s deposit %d at %s with %s wei in %s", t.Coin.Symbol, d.ID, addr, fee, tx.Hash())

	return p.store.Update(ctx, func(dbtx db.Tx) error {
		d, err := dbtx.LockDeposit(d.ID)
		if err != nil {
			return err
		}
		if d.Status != db.DepositConfirmed || d.Info.CollectHash != "" {
			return custody.NewError(custody.ErrInvariant, fmt.Sprintf("deposit %d funded in %s changed to %s, collect hash %q",
				d.ID, tx.Hash(), d.Status, d.Info.CollectHash))
		}
		d.Info.CollectHash = tx.Hash().Hex()
		d.Info.GasLimit = gasLimit
		d.Info.GasPrice = gasPrice
		return dbtx.UpdateDeposit(d)
	})
}
