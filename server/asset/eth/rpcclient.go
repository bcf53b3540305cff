// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCClient is an Ethereum JSON-RPC client.
type RPCClient struct {
	// ec wraps a *rpc.Client with some useful calls.
	ec *ethclient.Client

	chainID *big.Int
}

// Connect dials an http, websocket or ipc endpoint. It then wraps ethclient's
// client and bundles commands in a form we can easily use.
func Connect(ctx context.Context, endpoint string) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("unable to dial rpc: %v", err)
	}
	ec := ethclient.NewClient(client)
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("error retrieving chain id: %w", err)
	}
	log.Infof("Connected to Ethereum node, chain id %s", chainID)
	return &RPCClient{ec: ec, chainID: chainID}, nil
}

// Shutdown shuts down the client.
func (c *RPCClient) Shutdown() {
	if c.ec != nil {
		c.ec.Close()
	}
}

// ChainID is the chain id reported by the node at connection time.
func (c *RPCClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// BlockNumber returns the current block number.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ec.BlockNumber(ctx)
}

// BlockByNumber gets the block at the height, with transactions.
func (c *RPCClient) BlockByNumber(ctx context.Context, height uint64) (*types.Block, error) {
	return c.ec.BlockByNumber(ctx, new(big.Int).SetUint64(height))
}

// TransactionReceipt gets the receipt of a mined transaction.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ec.TransactionReceipt(ctx, txHash)
}

// TransactionMined is true if the transaction is included in a block.
func (c *RPCClient) TransactionMined(ctx context.Context, txHash common.Hash) (bool, error) {
	_, pending, err := c.ec.TransactionByHash(ctx, txHash)
	if err != nil {
		return false, err
	}
	return !pending, nil
}

// FilterLogs executes a log filter query.
func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.ec.FilterLogs(ctx, q)
}

// BalanceAt gets the latest balance of the address in wei.
func (c *RPCClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.ec.BalanceAt(ctx, addr, nil)
}

// TransactionCount is the number of mined transactions sent from the address,
// which is also the nonce of its next transaction.
func (c *RPCClient) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return c.ec.NonceAt(ctx, addr, nil)
}

// PendingNonceAt is the next nonce of the address, including transactions in
// the node's pool.
func (c *RPCClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.ec.PendingNonceAt(ctx, addr)
}

// SuggestGasPrice retrieves the currently suggested gas price to allow a timely
// execution of a transaction.
func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ec.SuggestGasPrice(ctx)
}

// EstimateGas estimates the gas needed to execute the call.
func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.ec.EstimateGas(ctx, msg)
}

// CallContract executes a read-only contract call at the latest block.
func (c *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.ec.CallContract(ctx, msg, nil)
}

// SendTransaction broadcasts a signed transaction.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.ec.SendTransaction(ctx, tx)
}
