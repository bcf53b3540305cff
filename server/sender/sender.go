// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package sender broadcasts account-chain withdrawals from the hot wallet, one
// nonce at a time.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/nonce"
	"github.com/shopspring/decimal"
)

// errSkip stops a pass without failing the tick.
const errSkip = custody.ErrorKind("withdrawal not sendable yet")

// Sender broadcasts the withdrawals of one account-chain coin.
type Sender struct {
	store   db.Store
	coin    *custody.Coin
	token   *eth.Token
	node    eth.TxNode
	hot     *eth.Signer
	seq     *nonce.Sequencer
	premium *big.Int
	events  *bus.Events
	log     custody.Logger
}

// Config is the configuration of a Sender.
type Config struct {
	Store db.Store
	Coin  *custody.Coin
	// Token is nil for the native coin.
	Token *eth.Token
	Node  eth.TxNode
	// Hot signs for the hot wallet.
	Hot       *eth.Signer
	Sequencer *nonce.Sequencer
	// GasPremium is added to the node's suggested gas price.
	GasPremium *big.Int
	Events     *bus.Events
	Logger     custody.Logger
}

// New is the constructor for a Sender.
func New(cfg *Config) *Sender {
	premium := cfg.GasPremium
	if premium == nil {
		premium = new(big.Int)
	}
	return &Sender{
		store:   cfg.Store,
		coin:    cfg.Coin,
		token:   cfg.Token,
		node:    cfg.Node,
		hot:     cfg.Hot,
		seq:     cfg.Sequencer,
		premium: premium,
		events:  cfg.Events,
		log:     cfg.Logger,
	}
}

// Tick sends pending withdrawals in nonce order until a pass sends nothing.
func (s *Sender) Tick(ctx context.Context) error {
	for {
		sent, err := s.pass(ctx)
		if err != nil || sent == 0 {
			return err
		}
	}
}

func (s *Sender) pass(ctx context.Context) (int, error) {
	wds, err := s.store.Withdrawals(ctx, &db.WithdrawalFilter{
		CoinSymbol: s.coin.Symbol,
		Status:     db.WithdrawalCreated,
		Unsent:     true,
		ByNonce:    true,
	})
	if err != nil {
		return 0, err
	}
	var sent int
	for _, w := range wds {
		err := s.send(ctx, w)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, errSkip):
			s.log.Debugf("Withdrawal %d: %v", w.ID, err)
		case errors.Is(err, custody.ErrInsufficientFunds):
			// Later nonces cannot be mined before this one.
			s.log.Errorf("Withdrawal %d: %v", w.ID, err)
			return sent, nil
		default:
			return sent, fmt.Errorf("withdrawal %d: %w", w.ID, err)
		}
	}
	return sent, nil
}

func (s *Sender) send(ctx context.Context, w *db.Withdrawal) error {
	hot := s.hot.Address()
	n, err := s.seq.NextNonce(ctx, hot.Hex(), nonce.Withdrawal(w.ID))
	if err != nil {
		return err
	}
	count, err := s.node.TransactionCount(ctx, hot)
	if err != nil {
		return fmt.Errorf("error getting transaction count: %w", err)
	}
	ready, err := nonce.Check(n, count, hot.Hex())
	if err != nil {
		return err
	}
	if !ready {
		return custody.NewError(errSkip, fmt.Sprintf("nonce %d waits for %d", n, count))
	}

	recipient, err := eth.ParseAddress(w.Recipient)
	if err != nil {
		return custody.NewError(custody.ErrInvariant, fmt.Sprintf("withdrawal %d: %v", w.ID, err))
	}
	amount := custody.DecimalToBaseUnits(w.Amount, s.coin.Decimals)
	pay, err := eth.NewPayment(s.token, recipient, amount)
	if err != nil {
		return err
	}
	suggested, err := s.node.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("error getting gas price: %w", err)
	}
	gasPrice := eth.GasPrice(suggested, s.premium)
	gasLimit := eth.NativeTransferGas
	if s.token != nil {
		gasLimit, err = s.node.EstimateGas(ctx, pay.CallMsg(hot, gasPrice))
		if err != nil {
			return custody.NewError(errSkip, fmt.Sprintf("gas estimate failed: %v", err))
		}
	}
	if err = s.checkFunds(ctx, pay, amount, gasLimit, gasPrice); err != nil {
		return err
	}

	tx, err := s.hot.SignTx(n, pay.To, pay.Value, gasLimit, gasPrice, pay.Data)
	if err != nil {
		return err
	}
	if err = s.node.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("error sending %s: %w", tx.Hash(), err)
	}
	s.log.Infof("Sent withdrawal %d of %s %s to %s in %s with nonce %d", w.ID, custody.FormatAmount(w.Amount),
		s.coin.Symbol, w.Recipient, tx.Hash(), n)
	return s.finish(ctx, w.ID, tx.Hash().Hex())
}

// checkFunds verifies that the hot wallet covers the payment and its gas.
func (s *Sender) checkFunds(ctx context.Context, pay *eth.Payment, amount *big.Int, gasLimit uint64, gasPrice *big.Int) error {
	hot := s.hot.Address()
	bal, err := s.node.BalanceAt(ctx, hot)
	if err != nil {
		return fmt.Errorf("error getting balance: %w", err)
	}
	need := new(big.Int).Add(pay.Value, eth.GasFee(gasLimit, gasPrice))
	if bal.Cmp(need) < 0 {
		return custody.NewError(custody.ErrInsufficientFunds, fmt.Sprintf("hot wallet has %s wei, needs %s", bal, need))
	}
	if s.token == nil {
		return nil
	}
	tokenBal, err := s.token.BalanceOf(ctx, s.node, hot)
	if err != nil {
		return fmt.Errorf("error getting %s balance: %w", s.coin.Symbol, err)
	}
	if tokenBal.Cmp(amount) < 0 {
		return custody.NewError(custody.ErrInsufficientFunds, fmt.Sprintf("hot wallet has %s %s base units, needs %s",
			tokenBal, s.coin.Symbol, amount))
	}
	return nil
}

// finish records the broadcast. Account-chain withdrawals carry no fee for
// the client.
func (s *Sender) finish(ctx context.Context, id int64, txHash string) error {
	var w *db.Withdrawal
	err := s.store.Update(ctx, func(tx db.Tx) error {
		var err error
		w, err = tx.LockWithdrawal(id)
		if err != nil {
			return err
		}
		if w.Status != db.WithdrawalCreated || w.TxHash != "" {
			return custody.NewError(custody.ErrInvariant, fmt.Sprintf("withdrawal %d sent as %s was changed to %s %s",
				id, txHash, w.Status, w.TxHash))
		}
		w.TxHash = txHash
		w.Status = db.WithdrawalFinished
		w.FeeAmount = decimal.NewNullDecimal(decimal.Zero)
		w.FeeSymbol = s.coin.FeeSymbol()
		return tx.UpdateWithdrawal(w)
	})
	if err != nil {
		return err
	}
	s.events.WithdrawalUpdated(ctx, w)
	return nil
}
