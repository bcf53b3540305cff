// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package memdb

import (
	"context"
	"errors"
	"testing"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"github.com/shopspring/decimal"
)

var tCtx = context.Background()

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newDeposit(txHash string) *db.Deposit {
	return &db.Deposit{
		CoinSymbol: "BTC",
		ClientID:   1,
		AddrPath:   "0",
		Amount:     dec("1.5"),
		Status:     db.DepositUnconfirmed,
		TxHash:     txHash,
	}
}

func newWithdrawal(key, recipient string) *db.Withdrawal {
	return &db.Withdrawal{
		ClientID:   1,
		Key:        key,
		CoinSymbol: "ETH",
		Recipient:  recipient,
		Amount:     dec("0.1"),
		Status:     db.WithdrawalCreated,
	}
}

func TestRollback(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	err := s.Update(tCtx, func(tx db.Tx) error {
		if err := tx.EnsureAccount(1, "BTC"); err != nil {
			return err
		}
		if _, err := tx.InsertDepositIfAbsent(newDeposit("aa")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("wrong error %v", err)
	}
	if _, err := s.Account(tCtx, 1, "BTC"); !db.IsErrNotFound(err) {
		t.Fatalf("account survived rollback: %v", err)
	}
	deps, _ := s.Deposits(tCtx, &db.DepositFilter{})
	if len(deps) != 0 {
		t.Fatalf("deposit survived rollback")
	}
}

func TestBalanceRequiresLock(t *testing.T) {
	s := New()
	err := s.Update(tCtx, func(tx db.Tx) error {
		if err := tx.EnsureAccount(1, "BTC"); err != nil {
			return err
		}
		_, err := tx.AdjustBalance(1, "BTC", dec("1"))
		return err
	})
	if !errors.Is(err, db.ErrNotLocked) {
		t.Fatalf("wanted ErrNotLocked, got %v", err)
	}

	err = s.Update(tCtx, func(tx db.Tx) error {
		if err := tx.EnsureAccount(1, "BTC"); err != nil {
			return err
		}
		if _, err := tx.LockAccount(1, "BTC"); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(1, "BTC", dec("2.5"))
		if err != nil {
			return err
		}
		if !bal.Equal(dec("2.5")) {
			t.Fatalf("wrong balance %s", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	acct, err := s.Account(tCtx, 1, "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Balance.Equal(dec("2.5")) {
		t.Fatalf("balance not committed: %s", acct.Balance)
	}
}

func TestInsertDepositIfAbsent(t *testing.T) {
	s := New()
	var inserted []bool
	for i := 0; i < 2; i++ {
		err := s.Update(tCtx, func(tx db.Tx) error {
			ok, err := tx.InsertDepositIfAbsent(newDeposit("aa"))
			inserted = append(inserted, ok)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if !inserted[0] || inserted[1] {
		t.Fatalf("wrong insert results %v", inserted)
	}

	// Same hash on another coin is a different deposit.
	err := s.Update(tCtx, func(tx db.Tx) error {
		d := newDeposit("aa")
		d.CoinSymbol = "LTC"
		ok, err := tx.InsertDepositIfAbsent(d)
		if !ok || d.ID != 2 {
			t.Fatalf("second coin not inserted, id %d", d.ID)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDepositTransitions(t *testing.T) {
	s := New()
	var id int64
	s.Update(tCtx, func(tx db.Tx) error {
		d := newDeposit("bb")
		_, err := tx.InsertDepositIfAbsent(d)
		id = d.ID
		return err
	})

	setStatus := func(st db.DepositStatus, lock bool) error {
		return s.Update(tCtx, func(tx db.Tx) error {
			var d *db.Deposit
			var err error
			if lock {
				d, err = tx.LockDeposit(id)
			} else {
				d, err = s.Deposit(tCtx, id)
			}
			if err != nil {
				return err
			}
			d.Status = st
			return tx.UpdateDeposit(d)
		})
	}

	if err := setStatus(db.DepositConfirmed, false); !errors.Is(err, db.ErrNotLocked) {
		t.Fatalf("wanted ErrNotLocked, got %v", err)
	}
	if err := setStatus(db.DepositFinished, true); err == nil {
		t.Fatalf("skipped confirmation")
	}
	if err := setStatus(db.DepositConfirmed, true); err != nil {
		t.Fatal(err)
	}
	if err := setStatus(db.DepositFinished, true); err != nil {
		t.Fatal(err)
	}
	if err := setStatus(db.DepositFinished, true); err == nil {
		t.Fatalf("finished deposit modified")
	}
}

func TestWithdrawalsByNonce(t *testing.T) {
	s := New()
	nonce := func(n uint64) *uint64 { return &n }
	err := s.Update(tCtx, func(tx db.Tx) error {
		for i, n := range []*uint64{nil, nonce(5), nonce(4), nil} {
			w := newWithdrawal(string(rune('a'+i)), "0xabc")
			w.Info.Nonce = n
			if _, err := tx.InsertWithdrawal(w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	wds, _ := s.Withdrawals(tCtx, &db.WithdrawalFilter{CoinSymbol: "ETH", Status: db.WithdrawalCreated, ByNonce: true})
	var ids []int64
	for _, w := range wds {
		ids = append(ids, w.ID)
	}
	want := []int64{3, 2, 1, 4}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("wanted order %v, got %v", want, ids)
		}
	}

	wds, _ = s.Withdrawals(tCtx, &db.WithdrawalFilter{MaxID: 2})
	if len(wds) != 2 {
		t.Fatalf("MaxID not applied, got %d rows", len(wds))
	}
}

func TestInsertWithdrawalDuplicateKey(t *testing.T) {
	s := New()
	for i, want := range []bool{true, false} {
		err := s.Update(tCtx, func(tx db.Tx) error {
			ok, err := tx.InsertWithdrawal(newWithdrawal("k", "0xabc"))
			if ok != want {
				t.Fatalf("insert %d: wanted %v, got %v", i, want, ok)
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.WithdrawalByKey(tCtx, 1, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckpointsNeverRegress(t *testing.T) {
	s := New()
	set := func(cursor uint64) error {
		return s.Update(tCtx, func(tx db.Tx) error {
			ci, err := tx.LockCoin("ETH")
			if err != nil {
				return err
			}
			ci.Cursor = cursor
			return tx.SetCoinInfo("ETH", ci)
		})
	}
	if err := set(100); err != nil {
		t.Fatal(err)
	}
	if err := set(99); !errors.Is(err, custody.ErrInvariant) {
		t.Fatalf("wanted ErrInvariant, got %v", err)
	}
	ci, _ := s.CoinInfo(tCtx, "ETH")
	if ci.Cursor != 100 {
		t.Fatalf("cursor changed to %d", ci.Cursor)
	}
}

func TestNonceCounter(t *testing.T) {
	s := New()
	err := s.Update(tCtx, func(tx db.Tx) error {
		if _, found, _ := tx.LockNonce("0xabc"); found {
			t.Fatalf("counter exists")
		}
		return tx.SetNonce("0xabc", 7)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Update(tCtx, func(tx db.Tx) error {
		n, found, _ := tx.LockNonce("0xabc")
		if !found || n != 7 {
			t.Fatalf("wanted 7, got %d (found = %v)", n, found)
		}
		return tx.SetNonce("0xabc", 6)
	})
	if !errors.Is(err, custody.ErrInvariant) {
		t.Fatalf("wanted ErrInvariant, got %v", err)
	}
	err = s.Update(tCtx, func(tx db.Tx) error {
		return tx.SetNonce("0xdef", 1)
	})
	if !errors.Is(err, db.ErrNotLocked) {
		t.Fatalf("wanted ErrNotLocked, got %v", err)
	}
}

func TestInsertAddress(t *testing.T) {
	s := New()
	a := &db.Address{Chain: custody.ChainEthereum, ClientID: 3, Path: "1", Addr: "0xabc"}
	if err := s.InsertAddress(tCtx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAddress(tCtx, a); err != nil {
		t.Fatalf("repeat registration failed: %v", err)
	}
	clash := *a
	clash.ClientID = 4
	if err := s.InsertAddress(tCtx, &clash); err == nil {
		t.Fatalf("address registered to two clients")
	}
	got, err := s.AddressByAddr(tCtx, custody.ChainEthereum, "0xabc")
	if err != nil || got.ClientID != 3 {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, err := s.AddressByAddr(tCtx, custody.ChainBitcoin, "0xabc"); !db.IsErrNotFound(err) {
		t.Fatalf("wrong chain matched: %v", err)
	}
}
