// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package batch pays UTXO withdrawals in batches with sendmany and matches
// the wallet's send entries back to the withdrawals they paid.
//
// Each batch is tagged with the highest withdrawal id it includes, stored as
// the wallet transaction comment. A batch includes every pending withdrawal
// up to its tag, so the pending rows at or below a tag are exactly the
// outputs of that batch.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"github.com/shopspring/decimal"
)

// Wallet is the part of the node wallet RPC the Batcher needs.
type Wallet interface {
	btc.TxLister
	SendMany(ctx context.Context, outputs map[string]decimal.Decimal, minConf int, comment string) (string, error)
}

// Batcher broadcasts and reconciles UTXO withdrawal batches.
type Batcher struct {
	store  db.Store
	coin   *custody.Coin
	wallet Wallet
	events *bus.Events
	log    custody.Logger
}

// NewBatcher is the constructor for a Batcher.
func NewBatcher(store db.Store, coin *custody.Coin, wallet Wallet, events *bus.Events, log custody.Logger) *Batcher {
	return &Batcher{
		store:  store,
		coin:   coin,
		wallet: wallet,
		events: events,
		log:    log,
	}
}

// tag parses a batch tag from a wallet comment.
func tag(comment string) (int64, bool) {
	id, err := strconv.ParseInt(comment, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// sends are the tagged send entries newer than the withdrawal milestone.
type sends struct {
	// entries are ordered oldest first.
	entries []*btc.ListTransactionsResult
	// latest is the txid of the newest send entry, tagged or not.
	latest string
	maxTag int64
}

func (b *Batcher) newSends(ctx context.Context, milestone string) (*sends, error) {
	s := new(sends)
	err := btc.WalkHistory(ctx, b.wallet, func(e *btc.ListTransactionsResult) (bool, error) {
		if e.TxID == milestone {
			return true, nil
		}
		if e.Category != btc.CategorySend {
			return false, nil
		}
		if s.latest == "" {
			s.latest = e.TxID
		}
		id, ok := tag(e.Comment)
		if !ok {
			return false, nil
		}
		s.entries = append(s.entries, e)
		if id > s.maxTag {
			s.maxTag = id
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(s.entries)-1; i < j; i, j = i+1, j-1 {
		s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	}
	return s, nil
}

// Tick reconciles the last batch if the wallet shows it, and otherwise
// broadcasts a new one.
func (b *Batcher) Tick(ctx context.Context) error {
	sym := b.coin.Symbol
	var finished []*db.Withdrawal
	err := b.store.Update(ctx, func(tx db.Tx) error {
		finished = nil
		info, err := tx.LockCoin(sym)
		if err != nil {
			return err
		}
		oldest, err := tx.LockWithdrawals(&db.WithdrawalFilter{
			CoinSymbol: sym,
			Status:     db.WithdrawalCreated,
			Limit:      1,
		})
		if err != nil || len(oldest) == 0 {
			return err
		}
		s, err := b.newSends(ctx, info.WithdrawalMilestone)
		if err != nil {
			return err
		}
		if s.maxTag >= oldest[0].ID {
			finished, err = b.reconcile(tx, info, s)
			return err
		}
		return b.broadcast(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("%s withdrawal batch: %w", sym, err)
	}
	for _, w := range finished {
		b.events.WithdrawalUpdated(ctx, w)
	}
	return nil
}

// broadcast pays the oldest pending withdrawals in one transaction. The batch
// ends before the first repeated recipient since a sendmany output map holds
// one amount per address.
func (b *Batcher) broadcast(ctx context.Context, tx db.Tx) error {
	wds, err := tx.LockWithdrawals(&db.WithdrawalFilter{
		CoinSymbol: b.coin.Symbol,
		Status:     db.WithdrawalCreated,
		Limit:      int(b.coin.Step),
	})
	if err != nil {
		return err
	}
	outputs := make(map[string]decimal.Decimal, len(wds))
	var last int64
	for _, w := range wds {
		if _, dup := outputs[w.Recipient]; dup {
			break
		}
		outputs[w.Recipient] = w.Amount
		last = w.ID
	}
	comment := strconv.FormatInt(last, 10)
	txid, err := b.wallet.SendMany(ctx, outputs, b.coin.MinConf, comment)
	if err != nil {
		return fmt.Errorf("error sending batch %s: %w", comment, err)
	}
	b.log.Infof("Broadcast %s batch %s paying %d withdrawals in %s", b.coin.Symbol, comment, len(outputs), txid)
	return nil
}

// reconcile matches the send entries of the newest batch to its withdrawals.
func (b *Batcher) reconcile(tx db.Tx, info *db.CoinInfo, s *sends) ([]*db.Withdrawal, error) {
	sym := b.coin.Symbol
	pivot := s.maxTag
	wds, err := tx.LockWithdrawals(&db.WithdrawalFilter{
		CoinSymbol: sym,
		Status:     db.WithdrawalCreated,
		MaxID:      pivot,
	})
	if err != nil {
		return nil, err
	}
	var entries []*btc.ListTransactionsResult
	for _, e := range s.entries {
		if id, _ := tag(e.Comment); id == pivot {
			entries = append(entries, e)
		}
	}
	if len(entries) != len(wds) {
		return nil, custody.NewError(custody.ErrInvariant, fmt.Sprintf("%s batch %d has %d outputs for %d withdrawals",
			sym, pivot, len(entries), len(wds)))
	}

	sort.SliceStable(wds, func(i, j int) bool { return wds[i].Recipient < wds[j].Recipient })
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	n := decimal.NewFromInt(int64(len(wds)))
	for i, w := range wds {
		e := entries[i]
		amt, err := e.AmountDecimal()
		if err != nil {
			return nil, fmt.Errorf("bad amount in %s: %w", e.TxID, err)
		}
		if e.Address != w.Recipient || !amt.Neg().Equal(w.Amount) {
			return nil, custody.NewError(custody.ErrInvariant, fmt.Sprintf("%s batch %d output %s %s does not match withdrawal %d %s %s",
				sym, pivot, e.Address, custody.FormatAmount(amt.Neg()), w.ID, w.Recipient, custody.FormatAmount(w.Amount)))
		}
		fee, err := e.FeeDecimal()
		if err != nil {
			return nil, fmt.Errorf("bad fee in %s: %w", e.TxID, err)
		}
		share := fee.Abs().Div(n).RoundUp(custody.LedgerPrecision)

		w.TxHash = e.TxID
		w.Status = db.WithdrawalFinished
		w.FeeAmount = decimal.NewNullDecimal(share)
		w.FeeSymbol = b.coin.FeeSymbol()
		if err = tx.UpdateWithdrawal(w); err != nil {
			return nil, err
		}
		if err = b.debitFee(tx, w); err != nil {
			return nil, err
		}
		b.log.Infof("Withdrawal %d paid in %s, fee %s", w.ID, e.TxID, custody.FormatAmount(share))
	}

	info.WithdrawalMilestone = s.latest
	if err = tx.SetCoinInfo(sym, info); err != nil {
		return nil, err
	}
	sort.Slice(wds, func(i, j int) bool { return wds[i].ID < wds[j].ID })
	return wds, nil
}

// debitFee charges the withdrawal's fee share to the client. The balance may
// go negative since the fee is only known after the broadcast.
func (b *Batcher) debitFee(tx db.Tx, w *db.Withdrawal) error {
	if w.FeeAmount.Decimal.IsZero() {
		return nil
	}
	if err := tx.EnsureAccount(w.ClientID, w.FeeSymbol); err != nil {
		return err
	}
	if _, err := tx.LockAccount(w.ClientID, w.FeeSymbol); err != nil {
		return err
	}
	bal, err := tx.AdjustBalance(w.ClientID, w.FeeSymbol, w.FeeAmount.Decimal.Neg())
	if err != nil {
		return err
	}
	if bal.IsNegative() {
		b.log.Warnf("Client %d %s balance is negative after withdrawal %d fee: %s", w.ClientID, w.FeeSymbol,
			w.ID, custody.FormatAmount(bal))
	}
	return nil
}
