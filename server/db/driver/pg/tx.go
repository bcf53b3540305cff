// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/driver/pg/internal"
	"github.com/shopspring/decimal"
)

type acctKey struct {
	clientID int64
	coin     string
}

// tx is a db.Tx on a *sql.Tx. The rows locked in the transaction are kept so
// that updates can be checked against the locked version.
type tx struct {
	ctx context.Context
	tx  *sql.Tx

	accounts map[acctKey]bool
	deposits map[int64]*db.Deposit
	wds      map[int64]*db.Withdrawal
	coins    map[string]*db.CoinInfo
	nonces   map[string]*uint64
}

var _ db.Tx = (*tx)(nil)

func newTx(ctx context.Context, dbTx *sql.Tx) *tx {
	return &tx{
		ctx:      ctx,
		tx:       dbTx,
		accounts: make(map[acctKey]bool),
		deposits: make(map[int64]*db.Deposit),
		wds:      make(map[int64]*db.Withdrawal),
		coins:    make(map[string]*db.CoinInfo),
		nonces:   make(map[string]*uint64),
	}
}

func (t *tx) exec(fmtStmt, table string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(fmtStmt, table), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *tx) queryRow(fmtStmt, table string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, fmt.Sprintf(fmtStmt, table), args...)
}

func (t *tx) EnsureAccount(clientID int64, coin string) error {
	_, err := t.exec(internal.EnsureAccount, accountsTableName, clientID, coin)
	return err
}

func (t *tx) LockAccount(clientID int64, coin string) (*db.Account, error) {
	a, err := scanAccount(t.queryRow(internal.LockAccount, accountsTableName, clientID, coin))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("account %d:%s", clientID, coin))
	}
	t.accounts[acctKey{clientID, coin}] = true
	return a, nil
}

func (t *tx) AdjustBalance(clientID int64, coin string, delta decimal.Decimal) (decimal.Decimal, error) {
	if !t.accounts[acctKey{clientID, coin}] {
		return decimal.Zero, custody.NewError(db.ErrNotLocked, fmt.Sprintf("account %d:%s", clientID, coin))
	}
	var bal decimal.Decimal
	err := t.queryRow(internal.AdjustBalance, accountsTableName, clientID, coin, delta).Scan(&bal)
	return bal, err
}

func (t *tx) InsertDepositIfAbsent(d *db.Deposit) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	info, err := json.Marshal(&d.Info)
	if err != nil {
		return false, err
	}
	err = t.queryRow(internal.InsertDepositIfAbsent, depositsTableName, d.CoinSymbol, d.ClientID,
		d.AddrPath, d.Amount, d.FeeAmount, nullString(d.FeeSymbol), string(d.Status),
		nullString(d.TxHash), string(info), nullInt64(d.WithdrawalID)).Scan(&d.ID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) LockDeposit(id int64) (*db.Deposit, error) {
	d, err := scanDeposit(t.queryRow(internal.LockDeposit, depositsTableName, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("deposit %d", id))
	}
	locked := *d
	t.deposits[id] = &locked
	return d, nil
}

func (t *tx) Deposits(filter *db.DepositFilter) ([]*db.Deposit, error) {
	stmt, args := depositsQuery(filter, false)
	return queryDeposits(t.ctx, t.tx, stmt, args)
}

func (t *tx) UpdateDeposit(d *db.Deposit) error {
	prev, locked := t.deposits[d.ID]
	if !locked {
		return custody.NewError(db.ErrNotLocked, fmt.Sprintf("deposit %d", d.ID))
	}
	if err := db.CheckDepositUpdate(prev, d); err != nil {
		return err
	}
	info, err := json.Marshal(&d.Info)
	if err != nil {
		return err
	}
	_, err = t.exec(internal.UpdateDeposit, depositsTableName, d.ID, d.FeeAmount,
		nullString(d.FeeSymbol), string(d.Status), string(info), nullInt64(d.WithdrawalID))
	if err != nil {
		return err
	}
	next := *d
	t.deposits[d.ID] = &next
	return nil
}

func (t *tx) InsertWithdrawal(w *db.Withdrawal) (bool, error) {
	if err := w.Validate(); err != nil {
		return false, err
	}
	info, err := json.Marshal(&w.Info)
	if err != nil {
		return false, err
	}
	err = t.queryRow(internal.InsertWithdrawal, withdrawalsTableName, w.ClientID, w.Key,
		w.CoinSymbol, w.Recipient, w.Memo, w.Amount, w.FeeAmount, nullString(w.FeeSymbol),
		string(w.Status), nullString(w.TxHash), string(info), nullInt64(w.DepositID)).Scan(&w.ID, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) LockWithdrawal(id int64) (*db.Withdrawal, error) {
	w, err := scanWithdrawal(t.queryRow(internal.LockWithdrawal, withdrawalsTableName, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("withdrawal %d", id))
	}
	locked := *w
	t.wds[id] = &locked
	return w, nil
}

func (t *tx) LockWithdrawals(filter *db.WithdrawalFilter) ([]*db.Withdrawal, error) {
	stmt, args := withdrawalsQuery(filter, true)
	wds, err := queryWithdrawals(t.ctx, t.tx, stmt, args)
	if err != nil {
		return nil, err
	}
	for _, w := range wds {
		locked := *w
		t.wds[w.ID] = &locked
	}
	return wds, nil
}

func (t *tx) UpdateWithdrawal(w *db.Withdrawal) error {
	prev, locked := t.wds[w.ID]
	if !locked {
		return custody.NewError(db.ErrNotLocked, fmt.Sprintf("withdrawal %d", w.ID))
	}
	if err := db.CheckWithdrawalUpdate(prev, w); err != nil {
		return err
	}
	info, err := json.Marshal(&w.Info)
	if err != nil {
		return err
	}
	_, err = t.exec(internal.UpdateWithdrawal, withdrawalsTableName, w.ID, w.FeeAmount,
		nullString(w.FeeSymbol), string(w.Status), nullString(w.TxHash), string(info), nullInt64(w.DepositID))
	if err != nil {
		return err
	}
	next := *w
	t.wds[w.ID] = &next
	return nil
}

func (t *tx) LockCoin(coin string) (*db.CoinInfo, error) {
	if _, err := t.exec(internal.EnsureCoin, coinsTableName, coin); err != nil {
		return nil, err
	}
	var b []byte
	if err := t.queryRow(internal.LockCoinInfo, coinsTableName, coin).Scan(&b); err != nil {
		return nil, err
	}
	ci := new(db.CoinInfo)
	if err := json.Unmarshal(b, ci); err != nil {
		return nil, fmt.Errorf("coin %s info: %w", coin, err)
	}
	locked := *ci
	t.coins[coin] = &locked
	return ci, nil
}

func (t *tx) SetCoinInfo(coin string, info *db.CoinInfo) error {
	prev, locked := t.coins[coin]
	if !locked {
		return custody.NewError(db.ErrNotLocked, "coin "+coin)
	}
	if err := info.CheckAdvance(prev); err != nil {
		return err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if _, err = t.exec(internal.SetCoinInfo, coinsTableName, coin, string(b)); err != nil {
		return err
	}
	next := *info
	t.coins[coin] = &next
	return nil
}

func (t *tx) LockNonce(owner string) (uint64, bool, error) {
	if _, err := t.tx.ExecContext(t.ctx, internal.LockNonceOwner, owner); err != nil {
		return 0, false, err
	}
	var next int64
	err := t.queryRow(internal.LockNonce, noncesTableName, owner).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		t.nonces[owner] = nil
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	n := uint64(next)
	t.nonces[owner] = &n
	return n, true, nil
}

func (t *tx) SetNonce(owner string, next uint64) error {
	prev, locked := t.nonces[owner]
	if !locked {
		return custody.NewError(db.ErrNotLocked, "nonce "+owner)
	}
	if prev != nil && next < *prev {
		return custody.NewError(custody.ErrInvariant,
			fmt.Sprintf("nonce regression for %s from %d to %d", owner, *prev, next))
	}
	if _, err := t.exec(internal.UpsertNonce, noncesTableName, owner, int64(next)); err != nil {
		return err
	}
	t.nonces[owner] = &next
	return nil
}
