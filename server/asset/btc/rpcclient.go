// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"decred.org/dcrcustody/custody"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
)

const (
	methodListTransactions = "listtransactions"
	methodSendMany         = "sendmany"
	methodGetTransaction   = "gettransaction"
	methodEstimateSmartFee = "estimatesmartfee"
	methodSetTxFee         = "settxfee"
	methodImportPrivKey    = "importprivkey"

	// CategoryReceive and CategorySend are the listtransactions categories
	// of incoming and outgoing wallet entries.
	CategoryReceive = "receive"
	CategorySend    = "send"

	// ErrNoFeeRate is returned when the node has no estimate for the target.
	ErrNoFeeRate = custody.ErrorKind("no fee rate estimate")
)

// RawRequester is for sending context-aware RPC requests, and has methods for
// shutting down the underlying connection. The returned error should be of type
// btcjson.RPCError if non-nil.
type RawRequester interface {
	RawRequest(context.Context, string, []json.RawMessage) (json.RawMessage, error)
	Shutdown()
	WaitForShutdown()
}

// Config is the bitcoind wallet RPC connection configuration.
type Config struct {
	RPCHost string
	RPCUser string
	RPCPass string
	// Wallet is the bitcoind wallet name, for nodes with several wallets
	// loaded.
	Wallet string
}

// RPCClient is a bitcoind wallet RPC client that uses rpcclient.Client's
// RawRequest for wallet-related calls.
type RPCClient struct {
	requester RawRequester
}

// NewRPCClient connects to bitcoind in HTTP POST mode.
func NewRPCClient(cfg *Config) (*RPCClient, error) {
	host := cfg.RPCHost
	if cfg.Wallet != "" {
		host += "/wallet/" + cfg.Wallet
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         host,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating BTC RPC client: %w", err)
	}
	log.Infof("Using bitcoind wallet RPC at %s", host)
	return NewRPCClientFromRequester(&clientRequester{client}), nil
}

// clientRequester is a RawRequester for an rpcclient.Client, whose RawRequest
// takes no context. A request that has started runs to completion.
type clientRequester struct {
	*rpcclient.Client
}

var _ RawRequester = (*clientRequester)(nil)

func (c *clientRequester) RawRequest(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Client.RawRequest(method, params)
}

// NewRPCClientFromRequester wraps a RawRequester.
func NewRPCClientFromRequester(requester RawRequester) *RPCClient {
	return &RPCClient{requester: requester}
}

// Shutdown disconnects the client.
func (rc *RPCClient) Shutdown() {
	rc.requester.Shutdown()
	rc.requester.WaitForShutdown()
}

// ListTransactionsResult models an entry returned by the listtransactions
// command. A multi-output send has one entry per output.
type ListTransactionsResult struct {
	Address       string   `json:"address"`
	Category      string   `json:"category"`
	Amount        float64  `json:"amount"`
	Fee           *float64 `json:"fee,omitempty"`
	Confirmations int64    `json:"confirmations"`
	BlockHash     string   `json:"blockhash,omitempty"`
	BlockHeight   uint64   `json:"blockheight,omitempty"`
	TxID          string   `json:"txid"`
	Vout          uint32   `json:"vout"`
	Comment       string   `json:"comment,omitempty"`
	Time          int64    `json:"time"`
}

// AmountDecimal is the exact entry amount. Sends are negative.
func (r *ListTransactionsResult) AmountDecimal() (decimal.Decimal, error) {
	return ToDecimal(r.Amount)
}

// FeeDecimal is the exact fee of a send, which bitcoind reports as a
// negative number. Zero if absent.
func (r *ListTransactionsResult) FeeDecimal() (decimal.Decimal, error) {
	if r.Fee == nil {
		return decimal.Zero, nil
	}
	return ToDecimal(*r.Fee)
}

// ToDecimal converts a bitcoind float amount to an exact decimal, rounding
// to the nearest satoshi.
func ToDecimal(btc float64) (decimal.Decimal, error) {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(int64(amt), -8), nil
}

// ListTransactions returns count wallet entries after skipping the most
// recent skip entries, oldest first.
func (rc *RPCClient) ListTransactions(ctx context.Context, count, skip int) ([]*ListTransactionsResult, error) {
	var txs []*ListTransactionsResult
	err := rc.call(ctx, methodListTransactions, anylist{"*", count, skip}, &txs)
	return txs, err
}

// SendMany broadcasts one transaction paying each address its amount. The
// comment is stored by the wallet and returned with the send entries by
// listtransactions.
func (rc *RPCClient) SendMany(ctx context.Context, outputs map[string]decimal.Decimal, minConf int, comment string) (string, error) {
	if len(outputs) == 0 {
		return "", errors.New("no outputs")
	}
	amounts := make(map[string]json.RawMessage, len(outputs))
	addrs := make([]string, 0, len(outputs))
	for addr, amt := range outputs {
		if !amt.IsPositive() {
			return "", fmt.Errorf("non-positive amount %s for %s", amt, addr)
		}
		// Raw JSON numbers keep the amounts exact.
		amounts[addr] = json.RawMessage(custody.FormatAmount(amt))
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	var txid string
	err := rc.call(ctx, methodSendMany, anylist{"", amounts, minConf, comment}, &txid)
	if err != nil {
		return "", fmt.Errorf("sendmany to %v: %w", addrs, err)
	}
	if _, err = chainhash.NewHashFromStr(txid); err != nil {
		return "", fmt.Errorf("sendmany returned invalid txid %q: %w", txid, err)
	}
	return txid, nil
}

// GetTransactionResult models the data returned from the gettransaction
// command.
type GetTransactionResult struct {
	TxID          string   `json:"txid"`
	Amount        float64  `json:"amount"`
	Fee           *float64 `json:"fee,omitempty"`
	Confirmations int64    `json:"confirmations"`
	BlockHash     string   `json:"blockhash,omitempty"`
	BlockHeight   uint64   `json:"blockheight,omitempty"`
	Comment       string   `json:"comment,omitempty"`
}

// GetTransaction retrieves a wallet transaction.
func (rc *RPCClient) GetTransaction(ctx context.Context, txid string) (*GetTransactionResult, error) {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	res := new(GetTransactionResult)
	if err := rc.call(ctx, methodGetTransaction, anylist{txid}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Confirmations is the depth of a wallet transaction.
func (rc *RPCClient) Confirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := rc.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// EstimateSmartFee requests the server to estimate a fee level in BTC/kB.
func (rc *RPCClient) EstimateSmartFee(ctx context.Context, confTarget int64) (decimal.Decimal, error) {
	res := new(btcjson.EstimateSmartFeeResult)
	if err := rc.call(ctx, methodEstimateSmartFee, anylist{confTarget}, res); err != nil {
		return decimal.Zero, err
	}
	if len(res.Errors) > 0 {
		return decimal.Zero, custody.NewError(ErrNoFeeRate, fmt.Sprintf("%v", res.Errors))
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return decimal.Zero, ErrNoFeeRate
	}
	return ToDecimal(*res.FeeRate)
}

// SetTxFee sets the wallet's fee rate in BTC/kB.
func (rc *RPCClient) SetTxFee(ctx context.Context, rate decimal.Decimal) error {
	var ok bool
	if err := rc.call(ctx, methodSetTxFee, anylist{json.RawMessage(custody.FormatAmount(rate))}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("settxfee %s rejected", rate)
	}
	return nil
}

// ImportPrivKey adds a WIF private key to the wallet without rescanning, so
// that the wallet reports transactions to its address.
func (rc *RPCClient) ImportPrivKey(ctx context.Context, wif *btcutil.WIF, label string) error {
	return rc.call(ctx, methodImportPrivKey, anylist{wif.String(), label, false}, nil)
}

// anylist is a list of RPC parameters to be converted to []json.RawMessage
// and sent via RawRequest.
type anylist []any

// call is used internally to marshal parameters and send requests to the RPC
// server via (*rpcclient.Client).RawRequest. If thing is non-nil, the result
// will be marshaled into thing.
func (rc *RPCClient) call(ctx context.Context, method string, args anylist, thing any) error {
	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return err
		}
		params = append(params, p)
	}
	log.Tracef("Calling %s with %d params", method, len(params))
	b, err := rc.requester.RawRequest(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s rawrequest error: %w", method, err)
	}

	if thing != nil {
		return json.Unmarshal(b, thing)
	}
	return nil
}
