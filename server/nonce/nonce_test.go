// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package nonce

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/memdb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const tOwner = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"

var tCtx = context.Background()

type tChain struct {
	mtx    sync.Mutex
	counts map[common.Address]uint64
	calls  int
	err    error
}

func (c *tChain) TransactionCount(_ context.Context, addr common.Address) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.calls++
	return c.counts[addr], c.err
}

func tWithdrawals(t *testing.T, store db.Store, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	err := store.Update(tCtx, func(tx db.Tx) error {
		for i := 0; i < n; i++ {
			w := &db.Withdrawal{
				ClientID:   1,
				Key:        "k" + strconv.Itoa(i),
				CoinSymbol: "ETH",
				Recipient:  tOwner,
				Amount:     decimal.NewFromInt(1),
				Status:     db.WithdrawalCreated,
			}
			if _, err := tx.InsertWithdrawal(w); err != nil {
				return err
			}
			ids = append(ids, w.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestNextNonceConcurrent(t *testing.T) {
	store := memdb.New()
	chain := &tChain{counts: map[common.Address]uint64{common.HexToAddress(tOwner): 7}}
	seq := NewSequencer(store, chain, custody.Disabled)
	ids := tWithdrawals(t, store, 20)

	var wg sync.WaitGroup
	var mtx sync.Mutex
	got := make(map[int64]uint64)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			n, err := seq.NextNonce(tCtx, tOwner, Withdrawal(id))
			if err != nil {
				t.Error(err)
				return
			}
			mtx.Lock()
			got[id] = n
			mtx.Unlock()
		}(id)
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	nonces := make([]uint64, 0, len(got))
	for id, n := range got {
		w, _ := store.Withdrawal(tCtx, id)
		if w.Info.Nonce == nil || *w.Info.Nonce != n {
			t.Fatalf("withdrawal %d not stamped with %d", id, n)
		}
		nonces = append(nonces, n)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, n := range nonces {
		if n != uint64(7+i) {
			t.Fatalf("nonces not contiguous from the chain count: %v", nonces)
		}
	}
	if chain.calls < 1 {
		t.Fatalf("counter not seeded from the chain")
	}
}

func TestNextNonceStable(t *testing.T) {
	store := memdb.New()
	seq := NewSequencer(store, &tChain{err: errors.New("no rpc")}, custody.Disabled)
	ids := tWithdrawals(t, store, 2)

	// Without a counter, the chain must be consulted.
	if _, err := seq.NextNonce(tCtx, tOwner, Withdrawal(ids[0])); err == nil {
		t.Fatalf("no error without a counter")
	}
	if err := seq.Seed(tCtx, tOwner, 3); err != nil {
		t.Fatal(err)
	}
	// A second seed does not move the counter.
	if err := seq.Seed(tCtx, tOwner, 100); err != nil {
		t.Fatal(err)
	}
	if next, found, err := seq.Peek(tCtx, tOwner); err != nil || !found || next != 3 {
		t.Fatalf("wrong peek %d %v %v", next, found, err)
	}
	// Owners are case insensitive.
	lower := "0x9858effd232b4033e47d90003d41ec34ecaeda94"
	n, err := seq.NextNonce(tCtx, lower, Withdrawal(ids[1]))
	if err != nil || n != 3 {
		t.Fatalf("wanted nonce 3, got %d, %v", n, err)
	}
	again, err := seq.NextNonce(tCtx, tOwner, Withdrawal(ids[1]))
	if err != nil || again != 3 {
		t.Fatalf("nonce changed to %d, %v", again, err)
	}
	n, _ = seq.NextNonce(tCtx, tOwner, Withdrawal(ids[0]))
	if n != 4 {
		t.Fatalf("wanted nonce 4, got %d", n)
	}
	if _, err = seq.NextNonce(tCtx, "nope", Withdrawal(ids[0])); err == nil {
		t.Fatalf("accepted bad owner")
	}
}

func TestNextNonceDeposit(t *testing.T) {
	store := memdb.New()
	addr := "0x000000000000000000000000000000000000dEaD"
	chain := &tChain{counts: map[common.Address]uint64{common.HexToAddress(addr): 0}}
	seq := NewSequencer(store, chain, custody.Disabled)
	dep := &db.Deposit{
		CoinSymbol: "ETH",
		Amount:     decimal.NewFromInt(2),
		Status:     db.DepositConfirmed,
		TxHash:     "0xab",
	}
	err := store.Update(tCtx, func(tx db.Tx) error {
		_, err := tx.InsertDepositIfAbsent(dep)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := seq.NextNonce(tCtx, addr, Deposit(dep.ID))
	if err != nil || n != 0 {
		t.Fatalf("wanted nonce 0, got %d, %v", n, err)
	}
	d, _ := store.Deposit(tCtx, dep.ID)
	if d.Info.Nonce == nil || *d.Info.Nonce != 0 || d.Status != db.DepositConfirmed {
		t.Fatalf("wrong deposit %+v", d)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		nonce, count uint64
		ready        bool
		fatal        bool
	}{
		{5, 5, true, false},
		{5, 4, false, false},
		{5, 6, false, true},
	}
	for _, tt := range tests {
		ready, err := Check(tt.nonce, tt.count, tOwner)
		if ready != tt.ready || errors.Is(err, custody.ErrInvariant) != tt.fatal {
			t.Fatalf("nonce %d count %d: got %v, %v", tt.nonce, tt.count, ready, err)
		}
	}
}
