// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/memdb"
	"github.com/shopspring/decimal"
)

var tCtx = context.Background()

// tWallet keeps a listtransactions history ordered oldest first, to which
// SendMany appends one send entry per output.
type tWallet struct {
	txs     []*btc.ListTransactionsResult
	fee     float64
	sends   []map[string]decimal.Decimal
	comment []string
	sendErr error
}

func (w *tWallet) ListTransactions(_ context.Context, count, skip int) ([]*btc.ListTransactionsResult, error) {
	end := len(w.txs) - skip
	if end <= 0 {
		return nil, nil
	}
	start := end - count
	if start < 0 {
		start = 0
	}
	return w.txs[start:end], nil
}

func (w *tWallet) SendMany(_ context.Context, outputs map[string]decimal.Decimal, _ int, comment string) (string, error) {
	if w.sendErr != nil {
		return "", w.sendErr
	}
	txid := "send" + strconv.Itoa(len(w.sends))
	w.sends = append(w.sends, outputs)
	w.comment = append(w.comment, comment)
	for addr, amt := range outputs {
		fee := -w.fee
		w.add(&btc.ListTransactionsResult{
			Category: btc.CategorySend,
			Address:  addr,
			Amount:   -amt.InexactFloat64(),
			Fee:      &fee,
			TxID:     txid,
			Comment:  comment,
		})
	}
	return txid, nil
}

func (w *tWallet) add(e *btc.ListTransactionsResult) {
	w.txs = append(w.txs, e)
}

type tHarness struct {
	store  *memdb.Store
	wallet *tWallet
	mb     *bus.MemBus
	b      *Batcher
}

func newTHarness(t *testing.T, step uint64) *tHarness {
	t.Helper()
	store := memdb.New()
	wallet := &tWallet{fee: 0.00001411}
	mb := bus.NewMemBus(time.Millisecond)
	coin := &custody.Coin{Symbol: "BTC", Chain: custody.ChainBitcoin, Decimals: 8, Confirmations: 1, Step: step, MinConf: 1}
	return &tHarness{
		store:  store,
		wallet: wallet,
		mb:     mb,
		b:      NewBatcher(store, coin, wallet, bus.NewEvents(mb, custody.Disabled), custody.Disabled),
	}
}

func (h *tHarness) withdraw(t *testing.T, clientID int64, recipient, amt string) int64 {
	t.Helper()
	w := &db.Withdrawal{
		ClientID:   clientID,
		Key:        recipient + amt,
		CoinSymbol: "BTC",
		Recipient:  recipient,
		Amount:     decimal.RequireFromString(amt),
		Status:     db.WithdrawalCreated,
	}
	err := h.store.Update(tCtx, func(tx db.Tx) error {
		_, err := tx.InsertWithdrawal(w)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return w.ID
}

func (h *tHarness) tick(t *testing.T) {
	t.Helper()
	if err := h.b.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
}

func (h *tHarness) updates(t *testing.T) []*db.Withdrawal {
	t.Helper()
	var wds []*db.Withdrawal
	for _, b := range h.mb.Published(bus.TopicWithdrawalUpdate) {
		w := new(db.Withdrawal)
		if err := json.Unmarshal(b, w); err != nil {
			t.Fatal(err)
		}
		wds = append(wds, w)
	}
	return wds
}

func TestBatcher(t *testing.T) {
	h := newTHarness(t, 10)

	// Nothing pending.
	h.tick(t)
	if len(h.wallet.sends) != 0 {
		t.Fatalf("sent without withdrawals")
	}

	h.withdraw(t, 1, "addrA", "0.1")
	h.withdraw(t, 2, "addrB", "0.2")
	h.withdraw(t, 1, "addrA", "0.3")
	h.withdraw(t, 1, "addrC", "0.4")
	// Unrelated wallet activity.
	h.wallet.add(&btc.ListTransactionsResult{Category: btc.CategoryReceive, Address: "x", Amount: 1, TxID: "rcv"})
	h.wallet.add(&btc.ListTransactionsResult{Category: btc.CategorySend, Address: "y", Amount: -1, TxID: "manual", Comment: "rent"})

	h.tick(t)
	if len(h.wallet.sends) != 1 || h.wallet.comment[0] != "2" || len(h.wallet.sends[0]) != 2 {
		t.Fatalf("wrong first batch %v %v", h.wallet.sends, h.wallet.comment)
	}
	if !h.wallet.sends[0]["addrA"].Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("wrong amount %s", h.wallet.sends[0]["addrA"])
	}

	h.tick(t)
	if len(h.wallet.sends) != 1 {
		t.Fatalf("broadcast instead of reconciling")
	}
	ups := h.updates(t)
	if len(ups) != 2 || ups[0].ID != 1 || ups[1].ID != 2 {
		t.Fatalf("wrong updates %+v", ups)
	}
	for _, w := range ups {
		if w.Status != db.WithdrawalFinished || w.TxHash != "send0" || w.FeeSymbol != "BTC" ||
			custody.FormatAmount(w.FeeAmount.Decimal) != "0.00000706" {
			t.Fatalf("wrong withdrawal %+v", w)
		}
	}
	info, _ := h.store.CoinInfo(tCtx, "BTC")
	if info.WithdrawalMilestone != "send0" {
		t.Fatalf("wrong milestone %q", info.WithdrawalMilestone)
	}
	acct, _ := h.store.Account(tCtx, 2, "BTC")
	if custody.FormatAmount(acct.Balance) != "-0.00000706" {
		t.Fatalf("fee not debited: %s", acct.Balance)
	}

	h.tick(t)
	if len(h.wallet.sends) != 2 || h.wallet.comment[1] != "4" || len(h.wallet.sends[1]) != 2 {
		t.Fatalf("wrong second batch %v %v", h.wallet.sends, h.wallet.comment)
	}
	h.tick(t)
	if ups = h.updates(t); len(ups) != 4 || ups[2].ID != 3 || ups[3].TxHash != "send1" {
		t.Fatalf("wrong updates %+v", ups)
	}
	h.tick(t)
	if len(h.wallet.sends) != 2 || len(h.updates(t)) != 4 {
		t.Fatalf("activity with nothing pending")
	}
	if wds, _ := h.store.Withdrawals(tCtx, &db.WithdrawalFilter{Status: db.WithdrawalCreated}); len(wds) != 0 {
		t.Fatalf("%d withdrawals still pending", len(wds))
	}
}

func TestBatcherStep(t *testing.T) {
	h := newTHarness(t, 1)
	h.withdraw(t, 1, "addrA", "0.1")
	h.withdraw(t, 1, "addrB", "0.1")
	h.tick(t)
	if len(h.wallet.sends[0]) != 1 || h.wallet.comment[0] != "1" {
		t.Fatalf("batch larger than step")
	}
	h.tick(t)
	ups := h.updates(t)
	if len(ups) != 1 || custody.FormatAmount(ups[0].FeeAmount.Decimal) != "0.00001411" {
		t.Fatalf("wrong updates %+v", ups)
	}
}

func TestBatcherSendError(t *testing.T) {
	h := newTHarness(t, 10)
	h.withdraw(t, 1, "addrA", "0.1")
	h.wallet.sendErr = errors.New("insufficient funds")
	if err := h.b.Tick(tCtx); err == nil {
		t.Fatalf("no error")
	}
	h.wallet.sendErr = nil
	h.tick(t)
	if len(h.wallet.sends) != 1 {
		t.Fatalf("batch not retried")
	}
}

func TestBatcherMismatch(t *testing.T) {
	fee := -0.0001
	tests := []struct {
		name    string
		entries []*btc.ListTransactionsResult
	}{
		{"count", []*btc.ListTransactionsResult{
			{Category: btc.CategorySend, Address: "addrA", Amount: -0.1, Fee: &fee, TxID: "s", Comment: "2"},
		}},
		{"amount", []*btc.ListTransactionsResult{
			{Category: btc.CategorySend, Address: "addrA", Amount: -0.1, Fee: &fee, TxID: "s", Comment: "2"},
			{Category: btc.CategorySend, Address: "addrB", Amount: -0.3, Fee: &fee, TxID: "s", Comment: "2"},
		}},
		{"recipient", []*btc.ListTransactionsResult{
			{Category: btc.CategorySend, Address: "addrA", Amount: -0.1, Fee: &fee, TxID: "s", Comment: "2"},
			{Category: btc.CategorySend, Address: "addrZ", Amount: -0.2, Fee: &fee, TxID: "s", Comment: "2"},
		}},
	}
	for _, tt := range tests {
		h := newTHarness(t, 10)
		h.withdraw(t, 1, "addrA", "0.1")
		h.withdraw(t, 1, "addrB", "0.2")
		h.wallet.txs = tt.entries
		err := h.b.Tick(tCtx)
		if !errors.Is(err, custody.ErrInvariant) {
			t.Fatalf("%s: wanted invariant violation, got %v", tt.name, err)
		}
		if wds, _ := h.store.Withdrawals(tCtx, &db.WithdrawalFilter{Status: db.WithdrawalCreated}); len(wds) != 2 {
			t.Fatalf("%s: rows changed", tt.name)
		}
	}
}
