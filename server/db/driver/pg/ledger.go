// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/driver/pg/internal"
)

// rowScanner is implemented by both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func scanAccount(rs rowScanner) (*db.Account, error) {
	a := new(db.Account)
	err := rs.Scan(&a.ClientID, &a.CoinSymbol, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanDeposit(rs rowScanner) (*db.Deposit, error) {
	d := new(db.Deposit)
	var status string
	var feeSymbol, txHash sql.NullString
	var info []byte
	var wdID sql.NullInt64
	err := rs.Scan(&d.ID, &d.CoinSymbol, &d.ClientID, &d.AddrPath, &d.Amount, &d.FeeAmount,
		&feeSymbol, &status, &txHash, &info, &wdID, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(info, &d.Info); err != nil {
		return nil, fmt.Errorf("deposit %d info: %w", d.ID, err)
	}
	d.Status = db.DepositStatus(status)
	d.FeeSymbol = feeSymbol.String
	d.TxHash = txHash.String
	d.WithdrawalID = int64Ptr(wdID)
	return d, nil
}

func scanWithdrawal(rs rowScanner) (*db.Withdrawal, error) {
	w := new(db.Withdrawal)
	var status string
	var feeSymbol, txHash sql.NullString
	var info []byte
	var depID sql.NullInt64
	err := rs.Scan(&w.ID, &w.ClientID, &w.Key, &w.CoinSymbol, &w.Recipient, &w.Memo, &w.Amount,
		&w.FeeAmount, &feeSymbol, &status, &txHash, &info, &depID, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(info, &w.Info); err != nil {
		return nil, fmt.Errorf("withdrawal %d info: %w", w.ID, err)
	}
	w.Status = db.WithdrawalStatus(status)
	w.FeeSymbol = feeSymbol.String
	w.TxHash = txHash.String
	w.DepositID = int64Ptr(depID)
	return w, nil
}

func scanAddress(rs rowScanner) (*db.Address, error) {
	a := new(db.Address)
	var chain string
	if err := rs.Scan(&chain, &a.ClientID, &a.Path, &a.Addr); err != nil {
		return nil, err
	}
	a.Chain = custody.Chain(chain)
	return a, nil
}

// queryBuilder accumulates WHERE conditions with positional arguments.
type queryBuilder struct {
	conds []string
	args  []any
}

func (qb *queryBuilder) where(cond string, arg any) {
	qb.args = append(qb.args, arg)
	qb.conds = append(qb.conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(qb.args)), 1))
}

func (qb *queryBuilder) build(sel, order string, limit int, forUpdate bool) (string, []any) {
	var sb strings.Builder
	sb.WriteString(sel)
	if len(qb.conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(qb.conds, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(order)
	if limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(limit))
	}
	if forUpdate {
		sb.WriteString(" FOR UPDATE")
	}
	sb.WriteString(";")
	return sb.String(), qb.args
}

func depositsQuery(f *db.DepositFilter, forUpdate bool) (string, []any) {
	var qb queryBuilder
	if f.CoinSymbol != "" {
		qb.where("coin_symbol = ?", f.CoinSymbol)
	}
	if f.Status != "" {
		qb.where("status = ?", string(f.Status))
	}
	if f.Funded != nil {
		if *f.Funded {
			qb.conds = append(qb.conds, "info ? 'collectHash'")
		} else {
			qb.conds = append(qb.conds, "NOT info ? 'collectHash'")
		}
	}
	sel := fmt.Sprintf("SELECT %s FROM %s", internal.DepositColumns, depositsTableName)
	return qb.build(sel, "id", f.Limit, forUpdate)
}

func withdrawalsQuery(f *db.WithdrawalFilter, forUpdate bool) (string, []any) {
	var qb queryBuilder
	if f.CoinSymbol != "" {
		qb.where("coin_symbol = ?", f.CoinSymbol)
	}
	if f.Status != "" {
		qb.where("status = ?", string(f.Status))
	}
	if f.MaxID > 0 {
		qb.where("id <= ?", f.MaxID)
	}
	if f.Unsent {
		qb.conds = append(qb.conds, "tx_hash IS NULL")
	}
	order := "id"
	if f.ByNonce {
		order = "(info->>'nonce')::INT8 NULLS LAST, id"
	}
	sel := fmt.Sprintf("SELECT %s FROM %s", internal.WithdrawalColumns, withdrawalsTableName)
	return qb.build(sel, order, f.Limit, forUpdate)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryDeposits(ctx context.Context, q queryer, stmt string, args []any) ([]*db.Deposit, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []*db.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func queryWithdrawals(ctx context.Context, q queryer, stmt string, args []any) ([]*db.Withdrawal, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var wds []*db.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		wds = append(wds, w)
	}
	return wds, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return custody.NewError(db.ErrNotFound, what)
	}
	return err
}

// Account retrieves an account.
func (l *Ledger) Account(ctx context.Context, clientID int64, coin string) (*db.Account, error) {
	stmt := fmt.Sprintf(internal.SelectAccount, accountsTableName)
	a, err := scanAccount(l.db.QueryRowContext(ctx, stmt, clientID, coin))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("account %d:%s", clientID, coin))
	}
	return a, nil
}

// Deposit retrieves a deposit by id.
func (l *Ledger) Deposit(ctx context.Context, id int64) (*db.Deposit, error) {
	stmt := fmt.Sprintf(internal.SelectDeposit, depositsTableName)
	d, err := scanDeposit(l.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("deposit %d", id))
	}
	return d, nil
}

// Deposits retrieves the deposits matching the filter, ordered by id.
func (l *Ledger) Deposits(ctx context.Context, filter *db.DepositFilter) ([]*db.Deposit, error) {
	stmt, args := depositsQuery(filter, false)
	return queryDeposits(ctx, l.db, stmt, args)
}

// Withdrawal retrieves a withdrawal by id.
func (l *Ledger) Withdrawal(ctx context.Context, id int64) (*db.Withdrawal, error) {
	stmt := fmt.Sprintf(internal.SelectWithdrawal, withdrawalsTableName)
	w, err := scanWithdrawal(l.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("withdrawal %d", id))
	}
	return w, nil
}

// WithdrawalByKey retrieves a withdrawal by its idempotency key.
func (l *Ledger) WithdrawalByKey(ctx context.Context, clientID int64, key string) (*db.Withdrawal, error) {
	stmt := fmt.Sprintf(internal.SelectWithdrawalByKey, withdrawalsTableName)
	w, err := scanWithdrawal(l.db.QueryRowContext(ctx, stmt, clientID, key))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("withdrawal %d:%s", clientID, key))
	}
	return w, nil
}

// Withdrawals retrieves the withdrawals matching the filter.
func (l *Ledger) Withdrawals(ctx context.Context, filter *db.WithdrawalFilter) ([]*db.Withdrawal, error) {
	stmt, args := withdrawalsQuery(filter, false)
	return queryWithdrawals(ctx, l.db, stmt, args)
}

// CoinInfo retrieves a coin's checkpoint. A coin never checkpointed has an
// empty one.
func (l *Ledger) CoinInfo(ctx context.Context, coin string) (*db.CoinInfo, error) {
	stmt := fmt.Sprintf(internal.SelectCoinInfo, coinsTableName)
	var b []byte
	err := l.db.QueryRowContext(ctx, stmt, coin).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return new(db.CoinInfo), nil
	}
	if err != nil {
		return nil, err
	}
	ci := new(db.CoinInfo)
	return ci, json.Unmarshal(b, ci)
}

// AddressByAddr looks up a registered address.
func (l *Ledger) AddressByAddr(ctx context.Context, chain custody.Chain, addr string) (*db.Address, error) {
	stmt := fmt.Sprintf(internal.SelectAddressByAddr, addressesTableName)
	a, err := scanAddress(l.db.QueryRowContext(ctx, stmt, string(chain), addr))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("%s address %s", chain, addr))
	}
	return a, nil
}

// Addresses lists the registered addresses of a chain.
func (l *Ledger) Addresses(ctx context.Context, chain custody.Chain) ([]*db.Address, error) {
	stmt := fmt.Sprintf(internal.SelectAddresses, addressesTableName)
	rows, err := l.db.QueryContext(ctx, stmt, string(chain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var addrs []*db.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// InsertAddress records an address. An address registered to another
// client or path is an error.
func (l *Ledger) InsertAddress(ctx context.Context, addr *db.Address) error {
	stmt := fmt.Sprintf(internal.InsertAddress, addressesTableName)
	_, err := l.db.ExecContext(ctx, stmt, string(addr.Chain), addr.ClientID, addr.Path, addr.Addr)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s address %s already registered: %w", addr.Chain, addr.Addr, err)
	}
	return err
}
