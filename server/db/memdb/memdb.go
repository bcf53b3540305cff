// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package memdb is an in-process ledger. Transactions are serialized and run
// against a private copy of the ledger that replaces the shared state on
// commit, so a failed transaction leaves no trace.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"github.com/shopspring/decimal"
)

var log = custody.Disabled

type driver struct{}

// Open creates a new empty Store. The configuration is ignored.
func (driver) Open(_ context.Context, _ any) (db.Store, error) {
	return New(), nil
}

// UseLogger sets the package-wide logger.
func (driver) UseLogger(logger custody.Logger) {
	log = logger
}

func init() {
	db.Register("mem", driver{})
}

type acctKey struct {
	clientID int64
	coin     string
}

type addrKey struct {
	chain custody.Chain
	addr  string
}

type wdKey struct {
	clientID int64
	key      string
}

type depKey struct {
	coin   string
	txHash string
}

type state struct {
	accounts    map[acctKey]db.Account
	deposits    map[int64]db.Deposit
	depIndex    map[depKey]int64
	withdrawals map[int64]db.Withdrawal
	wdIndex     map[wdKey]int64
	addresses   map[addrKey]db.Address
	coins       map[string]db.CoinInfo
	nonces      map[string]uint64
	lastDepID   int64
	lastWdID    int64
}

func newState() *state {
	return &state{
		accounts:    make(map[acctKey]db.Account),
		deposits:    make(map[int64]db.Deposit),
		depIndex:    make(map[depKey]int64),
		withdrawals: make(map[int64]db.Withdrawal),
		wdIndex:     make(map[wdKey]int64),
		addresses:   make(map[addrKey]db.Address),
		coins:       make(map[string]db.CoinInfo),
		nonces:      make(map[string]uint64),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// clone copies the maps. Row structs are copied by value. Pointer fields in
// rows are never mutated in place, so they may be shared.
func (s *state) clone() *state {
	return &state{
		accounts:    cloneMap(s.accounts),
		deposits:    cloneMap(s.deposits),
		depIndex:    cloneMap(s.depIndex),
		withdrawals: cloneMap(s.withdrawals),
		wdIndex:     cloneMap(s.wdIndex),
		addresses:   cloneMap(s.addresses),
		coins:       cloneMap(s.coins),
		nonces:      cloneMap(s.nonces),
		lastDepID:   s.lastDepID,
		lastWdID:    s.lastWdID,
	}
}

// Store is an in-memory db.Store.
type Store struct {
	// txMtx serializes transactions, standing in for row locks.
	txMtx sync.Mutex

	mtx sync.RWMutex
	st  *state

	// Now is the clock used for row timestamps.
	Now func() time.Time
}

var _ db.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		st:  newState(),
		Now: time.Now,
	}
}

// Update runs f in a transaction.
func (s *Store) Update(ctx context.Context, f func(db.Tx) error) error {
	s.txMtx.Lock()
	defer s.txMtx.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mtx.RLock()
	work := s.st.clone()
	s.mtx.RUnlock()

	t := &tx{
		st:       work,
		now:      s.Now().UTC(),
		accounts: make(map[acctKey]bool),
		deposits: make(map[int64]bool),
		wds:      make(map[int64]bool),
		coins:    make(map[string]bool),
		nonces:   make(map[string]bool),
	}
	if err := f(t); err != nil {
		return err
	}

	s.mtx.Lock()
	s.st = work
	s.mtx.Unlock()
	return nil
}

func (s *Store) read(f func(st *state) error) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return f(s.st)
}

// Account retrieves an account.
func (s *Store) Account(_ context.Context, clientID int64, coin string) (acct *db.Account, err error) {
	err = s.read(func(st *state) error {
		a, found := st.accounts[acctKey{clientID, coin}]
		if !found {
			return custody.NewError(db.ErrNotFound, fmt.Sprintf("account %d:%s", clientID, coin))
		}
		acct = &a
		return nil
	})
	return
}

// Deposit retrieves a deposit by id.
func (s *Store) Deposit(_ context.Context, id int64) (dep *db.Deposit, err error) {
	err = s.read(func(st *state) error {
		d, found := st.deposits[id]
		if !found {
			return custody.NewError(db.ErrNotFound, fmt.Sprintf("deposit %d", id))
		}
		dep = &d
		return nil
	})
	return
}

// Deposits retrieves the deposits matching the filter, ordered by id.
func (s *Store) Deposits(_ context.Context, filter *db.DepositFilter) (deps []*db.Deposit, err error) {
	err = s.read(func(st *state) error {
		deps = st.filterDeposits(filter)
		return nil
	})
	return
}

// Withdrawal retrieves a withdrawal by id.
func (s *Store) Withdrawal(_ context.Context, id int64) (wd *db.Withdrawal, err error) {
	err = s.read(func(st *state) error {
		w, found := st.withdrawals[id]
		if !found {
			return custody.NewError(db.ErrNotFound, fmt.Sprintf("withdrawal %d", id))
		}
		wd = &w
		return nil
	})
	return
}

// WithdrawalByKey retrieves a withdrawal by its idempotency key.
func (s *Store) WithdrawalByKey(_ context.Context, clientID int64, key string) (wd *db.Withdrawal, err error) {
	err = s.read(func(st *state) error {
		id, found := st.wdIndex[wdKey{clientID, key}]
		if !found {
			return custody.NewError(db.ErrNotFound, fmt.Sprintf("withdrawal %d:%s", clientID, key))
		}
		w := st.withdrawals[id]
		wd = &w
		return nil
	})
	return
}

// Withdrawals retrieves the withdrawals matching the filter.
func (s *Store) Withdrawals(_ context.Context, filter *db.WithdrawalFilter) (wds []*db.Withdrawal, err error) {
	err = s.read(func(st *state) error {
		wds = st.filterWithdrawals(filter)
		return nil
	})
	return
}

// CoinInfo retrieves a coin's checkpoint. A coin never checkpointed has an
// empty one.
func (s *Store) CoinInfo(_ context.Context, coin string) (info *db.CoinInfo, err error) {
	err = s.read(func(st *state) error {
		ci := st.coins[coin]
		info = &ci
		return nil
	})
	return
}

// AddressByAddr looks up a registered address.
func (s *Store) AddressByAddr(_ context.Context, chain custody.Chain, addr string) (a *db.Address, err error) {
	err = s.read(func(st *state) error {
		rec, found := st.addresses[addrKey{chain, addr}]
		if !found {
			return custody.NewError(db.ErrNotFound, fmt.Sprintf("%s address %s", chain, addr))
		}
		a = &rec
		return nil
	})
	return
}

// Addresses lists the registered addresses of a chain.
func (s *Store) Addresses(_ context.Context, chain custody.Chain) (addrs []*db.Address, err error) {
	err = s.read(func(st *state) error {
		for k, a := range st.addresses {
			if k.chain != chain {
				continue
			}
			a := a
			addrs = append(addrs, &a)
		}
		return nil
	})
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].ClientID != addrs[j].ClientID {
			return addrs[i].ClientID < addrs[j].ClientID
		}
		return addrs[i].Path < addrs[j].Path
	})
	return
}

// InsertAddress records an address.
func (s *Store) InsertAddress(_ context.Context, addr *db.Address) error {
	s.txMtx.Lock()
	defer s.txMtx.Unlock()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k := addrKey{addr.Chain, addr.Addr}
	if prev, found := s.st.addresses[k]; found {
		if prev.ClientID != addr.ClientID || prev.Path != addr.Path {
			return fmt.Errorf("%s address %s already registered to %d/%s",
				addr.Chain, addr.Addr, prev.ClientID, prev.Path)
		}
		return nil
	}
	s.st.addresses[k] = *addr
	log.Debugf("Registered %s address %s for client %d at %s", addr.Chain, addr.Addr, addr.ClientID, addr.Path)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (st *state) filterDeposits(f *db.DepositFilter) []*db.Deposit {
	var deps []*db.Deposit
	for _, d := range st.deposits {
		if f.CoinSymbol != "" && d.CoinSymbol != f.CoinSymbol {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Funded != nil && *f.Funded != (d.Info.CollectHash != "") {
			continue
		}
		d := d
		deps = append(deps, &d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	if f.Limit > 0 && len(deps) > f.Limit {
		deps = deps[:f.Limit]
	}
	return deps
}

func (st *state) filterWithdrawals(f *db.WithdrawalFilter) []*db.Withdrawal {
	var wds []*db.Withdrawal
	for _, w := range st.withdrawals {
		if f.CoinSymbol != "" && w.CoinSymbol != f.CoinSymbol {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.MaxID > 0 && w.ID > f.MaxID {
			continue
		}
		if f.Unsent && w.TxHash != "" {
			continue
		}
		w := w
		wds = append(wds, &w)
	}
	sort.Slice(wds, func(i, j int) bool {
		a, b := wds[i], wds[j]
		if f.ByNonce {
			switch {
			case a.Info.Nonce != nil && b.Info.Nonce == nil:
				return true
			case a.Info.Nonce == nil && b.Info.Nonce != nil:
				return false
			case a.Info.Nonce != nil && *a.Info.Nonce != *b.Info.Nonce:
				return *a.Info.Nonce < *b.Info.Nonce
			}
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(wds) > f.Limit {
		wds = wds[:f.Limit]
	}
	return wds
}

// tx is a db.Tx on a private copy of the ledger.
type tx struct {
	st  *state
	now time.Time

	accounts map[acctKey]bool
	deposits map[int64]bool
	wds      map[int64]bool
	coins    map[string]bool
	nonces   map[string]bool
}

func (t *tx) EnsureAccount(clientID int64, coin string) error {
	k := acctKey{clientID, coin}
	if _, found := t.st.accounts[k]; found {
		return nil
	}
	t.st.accounts[k] = db.Account{
		ClientID:   clientID,
		CoinSymbol: coin,
		Balance:    decimal.Zero,
		CreatedAt:  t.now,
		UpdatedAt:  t.now,
	}
	return nil
}

func (t *tx) LockAccount(clientID int64, coin string) (*db.Account, error) {
	k := acctKey{clientID, coin}
	a, found := t.st.accounts[k]
	if !found {
		return nil, custody.NewError(db.ErrNotFound, fmt.Sprintf("account %d:%s", clientID, coin))
	}
	t.accounts[k] = true
	return &a, nil
}

func (t *tx) AdjustBalance(clientID int64, coin string, delta decimal.Decimal) (decimal.Decimal, error) {
	k := acctKey{clientID, coin}
	if !t.accounts[k] {
		return decimal.Zero, custody.NewError(db.ErrNotLocked, fmt.Sprintf("account %d:%s", clientID, coin))
	}
	a := t.st.accounts[k]
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = t.now
	t.st.accounts[k] = a
	return a.Balance, nil
}

func (t *tx) InsertDepositIfAbsent(d *db.Deposit) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	k := depKey{d.CoinSymbol, d.TxHash}
	if _, found := t.st.depIndex[k]; found {
		return false, nil
	}
	t.st.lastDepID++
	d.ID = t.st.lastDepID
	d.CreatedAt = t.now
	t.st.deposits[d.ID] = *d
	t.st.depIndex[k] = d.ID
	return true, nil
}

func (t *tx) LockDeposit(id int64) (*db.Deposit, error) {
	d, found := t.st.deposits[id]
	if !found {
		return nil, custody.NewError(db.ErrNotFound, fmt.Sprintf("deposit %d", id))
	}
	t.deposits[id] = true
	return &d, nil
}

func (t *tx) Deposits(filter *db.DepositFilter) ([]*db.Deposit, error) {
	return t.st.filterDeposits(filter), nil
}

func (t *tx) UpdateDeposit(d *db.Deposit) error {
	if !t.deposits[d.ID] {
		return custody.NewError(db.ErrNotLocked, fmt.Sprintf("deposit %d", d.ID))
	}
	prev := t.st.deposits[d.ID]
	if err := db.CheckDepositUpdate(&prev, d); err != nil {
		return err
	}
	t.st.deposits[d.ID] = *d
	return nil
}

func (t *tx) InsertWithdrawal(w *db.Withdrawal) (bool, error) {
	if err := w.Validate(); err != nil {
		return false, err
	}
	k := wdKey{w.ClientID, w.Key}
	if _, found := t.st.wdIndex[k]; found {
		return false, nil
	}
	t.st.lastWdID++
	w.ID = t.st.lastWdID
	w.CreatedAt = t.now
	t.st.withdrawals[w.ID] = *w
	t.st.wdIndex[k] = w.ID
	return true, nil
}

func (t *tx) LockWithdrawal(id int64) (*db.Withdrawal, error) {
	w, found := t.st.withdrawals[id]
	if !found {
		return nil, custody.NewError(db.ErrNotFound, fmt.Sprintf("withdrawal %d", id))
	}
	t.wds[id] = true
	return &w, nil
}

func (t *tx) LockWithdrawals(filter *db.WithdrawalFilter) ([]*db.Withdrawal, error) {
	wds := t.st.filterWithdrawals(filter)
	for _, w := range wds {
		t.wds[w.ID] = true
	}
	return wds, nil
}

func (t *tx) UpdateWithdrawal(w *db.Withdrawal) error {
	if !t.wds[w.ID] {
		return custody.NewError(db.ErrNotLocked, fmt.Sprintf("withdrawal %d", w.ID))
	}
	prev := t.st.withdrawals[w.ID]
	if err := db.CheckWithdrawalUpdate(&prev, w); err != nil {
		return err
	}
	t.st.withdrawals[w.ID] = *w
	return nil
}

func (t *tx) LockCoin(coin string) (*db.CoinInfo, error) {
	ci := t.st.coins[coin]
	t.coins[coin] = true
	return &ci, nil
}

func (t *tx) SetCoinInfo(coin string, info *db.CoinInfo) error {
	if !t.coins[coin] {
		return custody.NewError(db.ErrNotLocked, "coin "+coin)
	}
	prev := t.st.coins[coin]
	if err := info.CheckAdvance(&prev); err != nil {
		return err
	}
	t.st.coins[coin] = *info
	return nil
}

func (t *tx) LockNonce(owner string) (uint64, bool, error) {
	t.nonces[owner] = true
	n, found := t.st.nonces[owner]
	return n, found, nil
}

func (t *tx) SetNonce(owner string, next uint64) error {
	if !t.nonces[owner] {
		return custody.NewError(db.ErrNotLocked, "nonce "+owner)
	}
	if prev, found := t.st.nonces[owner]; found && next < prev {
		return custody.NewError(custody.ErrInvariant,
			fmt.Sprintf("nonce regression for %s from %d to %d", owner, prev, next))
	}
	t.st.nonces[owner] = next
	return nil
}
