// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/memdb"
	"github.com/shopspring/decimal"
)

var tCtx = context.Background()

type tDepth map[string]int64

func (td tDepth) Depth(_ context.Context, d *db.Deposit) (int64, error) {
	depth, found := td[d.TxHash]
	if !found {
		return 0, errors.New("unknown tx")
	}
	return depth, nil
}

type tHeight uint64

func (h tHeight) BlockNumber(context.Context) (uint64, error) { return uint64(h), nil }

type tConfs map[string]int64

func (c tConfs) Confirmations(_ context.Context, txid string) (int64, error) { return c[txid], nil }

func insert(t *testing.T, store db.Store, clientID int64, txHash, amt string, height uint64) int64 {
	t.Helper()
	d := &db.Deposit{
		CoinSymbol: "BTC",
		ClientID:   clientID,
		AddrPath:   "0",
		Amount:     decimal.RequireFromString(amt),
		Status:     db.DepositUnconfirmed,
		TxHash:     txHash,
		Info:       db.DepositInfo{BlockHeight: height},
	}
	err := store.Update(tCtx, func(tx db.Tx) error {
		_, err := tx.InsertDepositIfAbsent(d)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return d.ID
}

func status(t *testing.T, store db.Store, id int64) db.DepositStatus {
	t.Helper()
	d, err := store.Deposit(tCtx, id)
	if err != nil {
		t.Fatal(err)
	}
	return d.Status
}

func TestPromoter(t *testing.T) {
	store := memdb.New()
	mb := bus.NewMemBus(time.Millisecond)
	coin := &custody.Coin{Symbol: "BTC", Chain: custody.ChainBitcoin, Decimals: 8, Confirmations: 3, Step: 1}
	depths := tDepth{"deep": 3, "shallow": 2, "gone": -1, "deeper": 10}
	p := NewPromoter(store, coin, depths, bus.NewEvents(mb, custody.Disabled), custody.Disabled)

	deep := insert(t, store, 1, "deep", "0.5", 0)
	shallow := insert(t, store, 1, "shallow", "1", 0)
	gone := insert(t, store, 1, "gone", "2", 0)
	deeper := insert(t, store, 2, "deeper", "0.25", 0)
	if err := p.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if status(t, store, deep) != db.DepositConfirmed || status(t, store, deeper) != db.DepositConfirmed {
		t.Fatalf("deep deposits not confirmed")
	}
	if status(t, store, shallow) != db.DepositUnconfirmed {
		t.Fatalf("shallow deposit promoted")
	}
	if status(t, store, gone) != db.DepositAttacked {
		t.Fatalf("conflicted deposit not marked")
	}
	acct, _ := store.Account(tCtx, 1, "BTC")
	if custody.FormatAmount(acct.Balance) != "0.50000000" {
		t.Fatalf("wrong balance %s", acct.Balance)
	}
	if n := len(mb.Published(bus.TopicDepositUpdate)); n != 3 {
		t.Fatalf("wanted 3 updates, got %d", n)
	}

	// Credited exactly once.
	depths["shallow"] = 3
	if err := p.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	acct, _ = store.Account(tCtx, 1, "BTC")
	if custody.FormatAmount(acct.Balance) != "1.50000000" {
		t.Fatalf("wrong balance %s", acct.Balance)
	}
	if n := len(mb.Published(bus.TopicDepositUpdate)); n != 4 {
		t.Fatalf("wanted 4 updates, got %d", n)
	}
	if err := p.transition(tCtx, deep, db.DepositConfirmed); err != nil {
		t.Fatal(err)
	}
	acct, _ = store.Account(tCtx, 1, "BTC")
	if custody.FormatAmount(acct.Balance) != "1.50000000" {
		t.Fatalf("deposit credited twice: %s", acct.Balance)
	}
}

func TestPromoterDepthError(t *testing.T) {
	store := memdb.New()
	coin := &custody.Coin{Symbol: "BTC", Chain: custody.ChainBitcoin, Decimals: 8, Confirmations: 1, Step: 1}
	p := NewPromoter(store, coin, tDepth{"ok": 1}, bus.NewEvents(bus.NewMemBus(time.Millisecond), custody.Disabled), custody.Disabled)
	insert(t, store, 1, "missing", "1", 0)
	ok := insert(t, store, 1, "ok", "1", 0)
	if err := p.Tick(tCtx); err == nil {
		t.Fatalf("no error")
	}
	// The failure of one deposit does not hold back the others.
	if status(t, store, ok) != db.DepositConfirmed {
		t.Fatalf("deposit not confirmed")
	}
}

func TestDepthSources(t *testing.T) {
	hd := &HeightDepth{Chain: tHeight(110)}
	tests := []struct {
		height uint64
		want   int64
	}{
		{100, 10},
		{110, 0},
		{120, 0},
		{0, 0},
	}
	for _, tt := range tests {
		got, err := hd.Depth(tCtx, &db.Deposit{Info: db.DepositInfo{BlockHeight: tt.height}})
		if err != nil || got != tt.want {
			t.Fatalf("height %d: got %d, %v", tt.height, got, err)
		}
	}
	wd := &WalletDepth{Wallet: tConfs{"a": 6, "b": -2}}
	if d, _ := wd.Depth(tCtx, &db.Deposit{TxHash: "b"}); d != -2 {
		t.Fatalf("wrong depth %d", d)
	}
}
