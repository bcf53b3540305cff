// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxNode is the part of the RPC used to build and broadcast transactions.
type TxNode interface {
	ContractCaller
	ChainID() *big.Int
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionMined(ctx context.Context, txHash common.Hash) (bool, error)
}

var _ TxNode = (*RPCClient)(nil)

// Payment is the call that moves value of a coin to a recipient.
type Payment struct {
	// To is the recipient for the native coin and the contract for a token.
	To    common.Address
	Value *big.Int
	Data  []byte
}

// NewPayment builds the call paying amount base units to recipient. token is
// nil for the native coin.
func NewPayment(token *Token, recipient common.Address, amount *big.Int) (*Payment, error) {
	if token == nil {
		return &Payment{To: recipient, Value: amount}, nil
	}
	data, err := token.PackTransfer(recipient, amount)
	if err != nil {
		return nil, err
	}
	return &Payment{To: token.Contract(), Value: new(big.Int), Data: data}, nil
}

// CallMsg is the payment as a call from the sender, for gas estimation.
func (p *Payment) CallMsg(from common.Address, gasPrice *big.Int) ethereum.CallMsg {
	to := p.To
	return ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    p.Value,
		Data:     p.Data,
	}
}
