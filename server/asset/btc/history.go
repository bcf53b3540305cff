// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"fmt"
)

// HistoryPageSize is the number of wallet entries requested per
// listtransactions call when walking the history.
const HistoryPageSize = 64

// TxLister is the part of the wallet RPC needed to read the history.
type TxLister interface {
	ListTransactions(ctx context.Context, count, skip int) ([]*ListTransactionsResult, error)
}

// LatestTx is the most recent wallet entry, or nil for an empty wallet.
func LatestTx(ctx context.Context, l TxLister) (*ListTransactionsResult, error) {
	txs, err := l.ListTransactions(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("error getting latest wallet transaction: %w", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[len(txs)-1], nil
}

// WalkHistory visits wallet entries newest first until f returns true or the
// history is exhausted.
func WalkHistory(ctx context.Context, l TxLister, f func(*ListTransactionsResult) (stop bool, err error)) error {
	for skip := 0; ; {
		page, err := l.ListTransactions(ctx, HistoryPageSize, skip)
		if err != nil {
			return fmt.Errorf("error listing wallet transactions at %d: %w", skip, err)
		}
		// Pages are ordered oldest first.
		for i := len(page) - 1; i >= 0; i-- {
			stop, err := f(page[i])
			if err != nil || stop {
				return err
			}
		}
		if len(page) < HistoryPageSize {
			return nil
		}
		skip += len(page)
	}
}
