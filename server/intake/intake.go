// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package intake turns withdrawal requests from the bus into ledger rows,
// debiting the client's balance exactly once per idempotency key.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/keys"
	"github.com/shopspring/decimal"
)

// Request is a withdrawal_creation message.
type Request struct {
	Key        string          `json:"key"`
	CoinSymbol string          `json:"coinSymbol"`
	Recipient  string          `json:"recipient"`
	Memo       string          `json:"memo,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}

// errBadRequest marks a request that will never succeed.
const errBadRequest = custody.ErrorKind("bad request")

// Filter validates withdrawal requests and records them.
type Filter struct {
	store db.Store
	coins custody.Coins
	keys  keys.Managers
	log   custody.Logger
}

// NewFilter is the constructor for a Filter.
func NewFilter(store db.Store, coins custody.Coins, mgrs keys.Managers, log custody.Logger) *Filter {
	return &Filter{
		store: store,
		coins: coins,
		keys:  mgrs,
		log:   log,
	}
}

// Handler is a bus.Handler crediting requests to clientID.
func (f *Filter) Handler(clientID int64) bus.Handler {
	return func(ctx context.Context, payload []byte) bus.Disposition {
		return f.Handle(ctx, clientID, payload)
	}
}

// Handle processes one request. Requests that can never succeed, including
// those exceeding the client's balance, are acknowledged and dropped.
// Requests that failed on a ledger error are requeued.
func (f *Filter) Handle(ctx context.Context, clientID int64, payload []byte) bus.Disposition {
	req, coin, err := f.parse(payload)
	if err != nil {
		f.log.Warnf("Dropping withdrawal request for client %d: %v", clientID, err)
		return bus.Ack
	}

	if _, err = f.store.WithdrawalByKey(ctx, clientID, req.Key); err == nil {
		f.log.Infof("Withdrawal %q of client %d already recorded", req.Key, clientID)
		return bus.Ack
	} else if !db.IsErrNotFound(err) {
		f.log.Errorf("Error looking up withdrawal %q of client %d: %v", req.Key, clientID, err)
		return bus.Requeue
	}

	wd, err := f.record(ctx, clientID, req, coin)
	switch {
	case err == nil:
	case errors.Is(err, custody.ErrInsufficientFunds):
		f.log.Warnf("Dropping withdrawal %q of client %d: %v", req.Key, clientID, err)
		return bus.Ack
	case errors.Is(err, errBadRequest):
		f.log.Warnf("Dropping withdrawal %q of client %d: %v", req.Key, clientID, err)
		return bus.Ack
	default:
		f.log.Errorf("Error recording withdrawal %q of client %d: %v", req.Key, clientID, err)
		return bus.Requeue
	}
	if wd == nil {
		f.log.Infof("Withdrawal %q of client %d recorded concurrently", req.Key, clientID)
		return bus.Ack
	}
	f.log.Infof("Recorded withdrawal %d: %s %s to %s for client %d", wd.ID,
		custody.FormatAmount(wd.Amount), wd.CoinSymbol, wd.Recipient, clientID)
	return bus.Ack
}

func (f *Filter) parse(payload []byte) (*Request, *custody.Coin, error) {
	req := new(Request)
	if err := json.Unmarshal(payload, req); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return nil, nil, errors.New("no key")
	}
	coin, err := f.coins.Lookup(req.CoinSymbol)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := f.keys.ForCoin(coin)
	if err != nil {
		return nil, nil, err
	}
	if !mgr.IsValidAddress(req.Recipient) {
		return nil, nil, fmt.Errorf("invalid %s address %q", coin.Symbol, req.Recipient)
	}
	if !req.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("non-positive amount %s", req.Amount)
	}
	if !req.Amount.Equal(req.Amount.Truncate(custody.LedgerPrecision)) {
		return nil, nil, fmt.Errorf("amount %s has more than %d decimals", req.Amount, custody.LedgerPrecision)
	}
	return req, coin, nil
}

// record debits the account and inserts the withdrawal in one transaction.
// A nil withdrawal means one with the key already exists.
func (f *Filter) record(ctx context.Context, clientID int64, req *Request, coin *custody.Coin) (*db.Withdrawal, error) {
	wd := &db.Withdrawal{
		ClientID:   clientID,
		Key:        req.Key,
		CoinSymbol: coin.Symbol,
		Recipient:  req.Recipient,
		Memo:       req.Memo,
		Amount:     req.Amount,
		Status:     db.WithdrawalCreated,
	}
	if err := wd.Validate(); err != nil {
		return nil, custody.NewError(errBadRequest, err.Error())
	}
	// The account outlives a rejected request.
	err := f.store.Update(ctx, func(tx db.Tx) error {
		return tx.EnsureAccount(clientID, coin.Symbol)
	})
	if err != nil {
		return nil, err
	}
	var inserted bool
	err = f.store.Update(ctx, func(tx db.Tx) error {
		acct, err := tx.LockAccount(clientID, coin.Symbol)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(req.Amount) {
			return custody.NewError(custody.ErrInsufficientFunds, fmt.Sprintf("balance %s %s < %s",
				custody.FormatAmount(acct.Balance), coin.Symbol, custody.FormatAmount(req.Amount)))
		}
		inserted, err = tx.InsertWithdrawal(wd)
		if err != nil || !inserted {
			return err
		}
		_, err = tx.AdjustBalance(clientID, coin.Symbol, req.Amount.Neg())
		return err
	})
	if err != nil || !inserted {
		return nil, err
	}
	return wd, nil
}
