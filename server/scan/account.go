// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package scan

import (
	"context"
	"fmt"
	"math/big"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// BlockSource is the part of the Ethereum RPC the native scanner needs.
type BlockSource interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, height uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LogSource is the part of the Ethereum RPC the token scanner needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// blockRange is the next span of blocks to scan, staying reorgMargin blocks
// behind the tip. ok is false if there is nothing to scan yet.
func blockRange(coin *custody.Coin, cursor, tip uint64) (from, to uint64, ok bool) {
	from = cursor + 1
	if from < coin.StartHeight {
		from = coin.StartHeight
	}
	if tip < coin.ReorgMargin {
		return 0, 0, false
	}
	to = tip - coin.ReorgMargin
	if last := from + coin.Step - 1; last < to {
		to = last
	}
	return from, to, to >= from
}

// cursorScanner advances a block cursor over an account chain.
type cursorScanner struct {
	scanner
	pocket common.Address
	tip    func(ctx context.Context) (uint64, error)
	// scan finds the deposits in the inclusive block range.
	scan func(ctx context.Context, from, to uint64) ([]*db.Deposit, error)
}

// Tick scans the next block range.
func (s *cursorScanner) Tick(ctx context.Context) error {
	sym := s.coin.Symbol
	var created []*db.Deposit
	err := s.store.Update(ctx, func(tx db.Tx) error {
		created = nil
		info, err := tx.LockCoin(sym)
		if err != nil {
			return err
		}
		tip, err := s.tip(ctx)
		if err != nil {
			return fmt.Errorf("error getting block height: %w", err)
		}
		from, to, ok := blockRange(s.coin, info.Cursor, tip)
		if !ok {
			s.log.Tracef("No %s blocks to scan at cursor %d, tip %d", sym, info.Cursor, tip)
			return nil
		}
		deps, err := s.scan(ctx, from, to)
		if err != nil {
			return err
		}
		for _, d := range deps {
			inserted, err := s.insert(tx, d)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, d)
			}
		}
		s.log.Debugf("Scanned %s blocks %d to %d, %d deposits", sym, from, to, len(created))
		info.Cursor = to
		return tx.SetCoinInfo(sym, info)
	})
	if err != nil {
		return fmt.Errorf("%s deposit scan: %w", sym, err)
	}
	s.publish(ctx, created)
	return nil
}

// AccountScanner finds native coin deposits by walking blocks.
type AccountScanner struct {
	cursorScanner
	chain BlockSource
}

// NewAccountScanner is the constructor for an AccountScanner. Value sent
// from the pocket wallet is gas funding, not a deposit.
func NewAccountScanner(store db.Store, coin *custody.Coin, chain BlockSource, pocket common.Address,
	events *bus.Events, log custody.Logger) *AccountScanner {

	s := &AccountScanner{chain: chain}
	s.cursorScanner = cursorScanner{
		scanner: scanner{
			store:  store,
			coin:   coin,
			events: events,
			log:    log,
		},
		pocket: pocket,
		tip:    chain.BlockNumber,
		scan:   s.scanBlocks,
	}
	return s
}

func (s *AccountScanner) scanBlocks(ctx context.Context, from, to uint64) ([]*db.Deposit, error) {
	var deps []*db.Deposit
	for height := from; height <= to; height++ {
		block, err := s.chain.BlockByNumber(ctx, height)
		if err != nil {
			return nil, fmt.Errorf("error getting block %d: %w", height, err)
		}
		for _, tx := range block.Transactions() {
			d, err := s.deposit(ctx, block, tx)
			if err != nil {
				return nil, err
			}
			if d != nil {
				deps = append(deps, d)
			}
		}
	}
	return deps, nil
}

func (s *AccountScanner) deposit(ctx context.Context, block *types.Block, tx *types.Transaction) (*db.Deposit, error) {
	// Contract creation.
	if tx.To() == nil {
		return nil, nil
	}
	to := tx.To().Hex()
	a, found, err := s.owner(ctx, to)
	if err != nil || !found {
		return nil, err
	}
	from, err := eth.Sender(tx, s.chain.ChainID())
	if err != nil {
		return nil, fmt.Errorf("error recovering sender of %s: %w", tx.Hash(), err)
	}
	if from == s.pocket {
		return nil, nil
	}
	amt := custody.BaseUnitsToDecimal(tx.Value(), s.coin.Decimals)
	if s.belowMinimum(amt) {
		s.log.Debugf("Ignoring %s deposit of %s in %s", s.coin.Symbol, custody.FormatAmount(amt), tx.Hash())
		return nil, nil
	}
	receipt, err := s.chain.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("error getting receipt of %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.log.Debugf("Ignoring failed transaction %s to %s", tx.Hash(), to)
		return nil, nil
	}
	return &db.Deposit{
		CoinSymbol: s.coin.Symbol,
		ClientID:   a.ClientID,
		AddrPath:   a.Path,
		Amount:     amt,
		Status:     db.DepositUnconfirmed,
		TxHash:     tx.Hash().Hex(),
		Info: db.DepositInfo{
			BlockHeight: block.NumberU64(),
			BlockHash:   block.Hash().Hex(),
			Sender:      from.Hex(),
			Recipient:   to,
		},
	}, nil
}

// TokenScanner finds token deposits in the contract's Transfer logs.
type TokenScanner struct {
	cursorScanner
	chain LogSource
	token *eth.Token
}

// NewTokenScanner is the constructor for a TokenScanner.
func NewTokenScanner(store db.Store, coin *custody.Coin, token *eth.Token, chain LogSource, pocket common.Address,
	events *bus.Events, log custody.Logger) *TokenScanner {

	s := &TokenScanner{chain: chain, token: token}
	s.cursorScanner = cursorScanner{
		scanner: scanner{
			store:  store,
			coin:   coin,
			events: events,
			log:    log,
		},
		pocket: pocket,
		tip:    chain.BlockNumber,
		scan:   s.scanLogs,
	}
	return s
}

func (s *TokenScanner) scanLogs(ctx context.Context, from, to uint64) ([]*db.Deposit, error) {
	logs, err := s.chain.FilterLogs(ctx, s.token.TransferQuery(from, to))
	if err != nil {
		return nil, fmt.Errorf("error getting %s transfer logs: %w", s.coin.Symbol, err)
	}
	var deps []*db.Deposit
	for i := range logs {
		l := &logs[i]
		if l.Removed {
			continue
		}
		xfer, err := s.token.ParseTransfer(l)
		if err != nil {
			s.log.Warnf("Skipping %s log in %s: %v", s.coin.Symbol, l.TxHash, err)
			continue
		}
		d, err := s.deposit(ctx, xfer)
		if err != nil {
			return nil, err
		}
		if d != nil {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func (s *TokenScanner) deposit(ctx context.Context, xfer *eth.Transfer) (*db.Deposit, error) {
	to := xfer.To.Hex()
	a, found, err := s.owner(ctx, to)
	if err != nil || !found {
		return nil, err
	}
	if xfer.From == s.pocket {
		return nil, nil
	}
	amt := custody.BaseUnitsToDecimal(xfer.Value, s.coin.Decimals)
	if s.belowMinimum(amt) {
		s.log.Debugf("Ignoring %s deposit of %s in %s", s.coin.Symbol, custody.FormatAmount(amt), xfer.TxHash)
		return nil, nil
	}
	return &db.Deposit{
		CoinSymbol: s.coin.Symbol,
		ClientID:   a.ClientID,
		AddrPath:   a.Path,
		Amount:     amt,
		// The collection sweep is paid in the native coin.
		FeeAmount: decimal.NewNullDecimal(decimal.Zero),
		FeeSymbol: s.coin.FeeSymbol(),
		Status:    db.DepositUnconfirmed,
		TxHash:    xfer.TxHash.Hex(),
		Info: db.DepositInfo{
			BlockHeight: xfer.BlockNumber,
			BlockHash:   xfer.BlockHash.Hex(),
			Sender:      xfer.From.Hex(),
			Recipient:   to,
		},
	}, nil
}
