// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package collect sweeps confirmed account-chain deposits from their deposit
// addresses into the hot wallet.
package collect

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/keys"
	"decred.org/dcrcustody/server/nonce"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// errSkip leaves a deposit for a later tick.
const errSkip = custody.ErrorKind("deposit not collectable yet")

// Sweeper collects the deposits of one account-chain coin.
type Sweeper struct {
	store   db.Store
	coin    *custody.Coin
	token   *eth.Token
	node    eth.TxNode
	keys    keys.Manager
	seq     *nonce.Sequencer
	hot     common.Address
	premium *big.Int
	log     custody.Logger
}

// Config is the configuration of a Sweeper.
type Config struct {
	Store db.Store
	Coin  *custody.Coin
	// Token is nil for the native coin.
	Token     *eth.Token
	Node      eth.TxNode
	Keys      keys.Manager
	Sequencer *nonce.Sequencer
	Hot       common.Address
	// GasPremium is added to the suggested gas price of native sweeps.
	// Token sweeps use the gas price recorded when they were funded.
	GasPremium *big.Int
	Logger     custody.Logger
}

// New is the constructor for a Sweeper.
func New(cfg *Config) *Sweeper {
	premium := cfg.GasPremium
	if premium == nil {
		premium = new(big.Int)
	}
	return &Sweeper{
		store:   cfg.Store,
		coin:    cfg.Coin,
		token:   cfg.Token,
		node:    cfg.Node,
		keys:    cfg.Keys,
		seq:     cfg.Sequencer,
		hot:     cfg.Hot,
		premium: premium,
		log:     cfg.Logger,
	}
}

// Tick sweeps the coin's confirmed deposits.
func (s *Sweeper) Tick(ctx context.Context) error {
	filter := &db.DepositFilter{
		CoinSymbol: s.coin.Symbol,
		Status:     db.DepositConfirmed,
	}
	if s.token != nil {
		funded := true
		filter.Funded = &funded
	}
	deps, err := s.store.Deposits(ctx, filter)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if s.token != nil {
			err = s.sweepToken(ctx, d)
		} else {
			err = s.sweepNative(ctx, d)
		}
		if errors.Is(err, errSkip) {
			s.log.Debugf("%s deposit %d: %v", s.coin.Symbol, d.ID, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s deposit %d: %w", s.coin.Symbol, d.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) signer(d *db.Deposit) (*eth.Signer, error) {
	priv, err := s.keys.PrivateKey(d.ClientID, d.AddrPath)
	if err != nil {
		return nil, err
	}
	signer, err := eth.NewSigner(priv, s.node.ChainID())
	if err != nil {
		return nil, err
	}
	if signer.Address().Hex() != common.HexToAddress(d.Info.Recipient).Hex() {
		return nil, custody.NewError(custody.ErrInvariant, fmt.Sprintf("deposit %d key of %d/%s is for %s, not %s",
			d.ID, d.ClientID, d.AddrPath, signer.Address(), d.Info.Recipient))
	}
	return signer, nil
}

// ready assigns the deposit's nonce and checks that the chain expects it.
func (s *Sweeper) ready(ctx context.Context, addr common.Address, d *db.Deposit) (uint64, error) {
	n, err := s.seq.NextNonce(ctx, addr.Hex(), nonce.Deposit(d.ID))
	if err != nil {
		return 0, err
	}
	count, err := s.node.TransactionCount(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("error getting transaction count: %w", err)
	}
	ok, err := nonce.Check(n, count, addr.Hex())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, custody.NewError(errSkip, fmt.Sprintf("nonce %d waits for %d", n, count))
	}
	return n, nil
}

// sweepNative sends the address's whole balance less gas to the hot wallet.
// Gas reserved for pending token sweeps from the same address stays behind.
func (s *Sweeper) sweepNative(ctx context.Context, d *db.Deposit) error {
	addr := common.HexToAddress(d.Info.Recipient)
	suggested, err := s.node.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("error getting gas price: %w", err)
	}
	gasPrice := eth.GasPrice(suggested, s.premium)
	fee := eth.GasFee(eth.NativeTransferGas, gasPrice)
	reserved, err := s.reserved(ctx, d.Info.Recipient)
	if err != nil {
		return err
	}
	value := func() (*big.Int, error) {
		bal, err := s.node.BalanceAt(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("error getting balance: %w", err)
		}
		v := new(big.Int).Sub(bal, fee)
		return v.Sub(v, reserved), nil
	}

	if d.Info.Nonce == nil {
		// A sweep of an earlier deposit to the address may still be
		// pending, and would take this deposit's value with it.
		next, found, err := s.seq.Peek(ctx, addr.Hex())
		if err != nil {
			return err
		}
		if found {
			count, err := s.node.TransactionCount(ctx, addr)
			if err != nil {
				return fmt.Errorf("error getting transaction count: %w", err)
			}
			ok, err := nonce.Check(next, count, addr.Hex())
			if err != nil {
				return err
			}
			if !ok {
				return custody.NewError(errSkip, "earlier sweep pending")
			}
		}
		v, err := value()
		if err != nil {
			return err
		}
		if v.Sign() <= 0 {
			s.log.Infof("%s deposit %d at %s was swept with an earlier deposit", s.coin.Symbol, d.ID, addr)
			return s.finish(ctx, d.ID)
		}
	}

	n, err := s.ready(ctx, addr, d)
	if err != nil {
		return err
	}
	v, err := value()
	if err != nil {
		return err
	}
	if v.Sign() <= 0 {
		return custody.NewError(errSkip, fmt.Sprintf("balance does not cover %s wei of gas", fee))
	}
	signer, err := s.signer(d)
	if err != nil {
		return err
	}
	tx, err := signer.SignTx(n, s.hot, v, eth.NativeTransferGas, gasPrice, nil)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, d, tx)
}

// reserved is the gas held at the address for funded token sweeps.
func (s *Sweeper) reserved(ctx context.Context, addr string) (*big.Int, error) {
	funded := true
	deps, err := s.store.Deposits(ctx, &db.DepositFilter{
		Status: db.DepositConfirmed,
		Funded: &funded,
	})
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, d := range deps {
		if d.CoinSymbol == s.coin.Symbol || common.HexToAddress(d.Info.Recipient) != common.HexToAddress(addr) {
			continue
		}
		sum.Add(sum, eth.GasFee(d.Info.GasLimit, d.Info.GasPrice))
	}
	return sum, nil
}

// sweepToken transfers the deposited tokens to the hot wallet once the gas
// funding is mined, using the funded gas parameters.
func (s *Sweeper) sweepToken(ctx context.Context, d *db.Deposit) error {
	addr := common.HexToAddress(d.Info.Recipient)
	mined, err := s.node.TransactionMined(ctx, common.HexToHash(d.Info.CollectHash))
	if err != nil {
		return fmt.Errorf("error checking funding %s: %w", d.Info.CollectHash, err)
	}
	if !mined {
		return custody.NewError(errSkip, "funding "+d.Info.CollectHash+" not mined")
	}
	value := custody.DecimalToBaseUnits(d.Amount, s.coin.Decimals)
	tokenBal, err := s.token.BalanceOf(ctx, s.node, addr)
	if err != nil {
		return fmt.Errorf("error getting %s balance: %w", s.coin.Symbol, err)
	}
	if tokenBal.Cmp(value) < 0 {
		s.log.Errorf("%s deposit %d: %s holds %s base units, expected %s", s.coin.Symbol, d.ID, addr, tokenBal, value)
		return custody.NewError(errSkip, "token balance short")
	}
	fee := eth.GasFee(d.Info.GasLimit, d.Info.GasPrice)
	bal, err := s.node.BalanceAt(ctx, addr)
	if err != nil {
		return fmt.Errorf("error getting balance: %w", err)
	}
	if bal.Cmp(fee) < 0 {
		return custody.NewError(errSkip, fmt.Sprintf("%s wei does not cover %s wei of gas", bal, fee))
	}

	n, err := s.ready(ctx, addr, d)
	if err != nil {
		return err
	}
	pay, err := eth.NewPayment(s.token, s.hot, value)
	if err != nil {
		return err
	}
	signer, err := s.signer(d)
	if err != nil {
		return err
	}
	tx, err := signer.SignTx(n, pay.To, pay.Value, d.Info.GasLimit, d.Info.GasPrice, pay.Data)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, d, tx)
}

func (s *Sweeper) broadcast(ctx context.Context, d *db.Deposit, tx *types.Transaction) error {
	if err := s.node.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("error sending %s: %w", tx.Hash(), err)
	}
	s.log.Infof("Collecting %s deposit %d from %s in %s with nonce %d", s.coin.Symbol, d.ID,
		d.Info.Recipient, tx.Hash(), tx.Nonce())
	return s.finish(ctx, d.ID)
}

// finish marks the deposit collected.
func (s *Sweeper) finish(ctx context.Context, id int64) error {
	return s.store.Update(ctx, func(dbtx db.Tx) error {
		d, err := dbtx.LockDeposit(id)
		if err != nil {
			return err
		}
		if d.Status != db.DepositConfirmed {
			return custody.NewError(custody.ErrInvariant, fmt.Sprintf("collected deposit %d is %s", id, d.Status))
		}
		d.Status = db.DepositFinished
		return dbtx.UpdateDeposit(d)
	})
}
