// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"decred.org/dcrcustody/custody"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const transferEvent = "Transfer"

// erc20ABI is the part of the ERC20 interface in use. The Transfer event
// argument names are filled in per token.
const erc20ABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":%q,"type":"address"},
		{"indexed":true,"name":%q,"type":"address"},
		{"indexed":false,"name":%q,"type":"uint256"}],
	"name":"Transfer","type":"event"},
	{"constant":false,"inputs":[
		{"name":"_to","type":"address"},
		{"name":"_value","type":"uint256"}],
	"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],
	"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// Token is an ERC20 contract.
type Token struct {
	abi      abi.ABI
	contract common.Address
	fields   custody.TransferFields
}

// NewToken parses the contract ABI for the token's Transfer event argument
// names.
func NewToken(contract string, fields custody.TransferFields) (*Token, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(fmt.Sprintf(erc20ABI, fields.From, fields.To, fields.Value)))
	if err != nil {
		return nil, fmt.Errorf("error parsing token ABI: %w", err)
	}
	return &Token{
		abi:      parsed,
		contract: common.HexToAddress(contract),
		fields:   fields,
	}, nil
}

// Contract is the token contract address.
func (t *Token) Contract() common.Address {
	return t.contract
}

// Transfer is a decoded Transfer event.
type Transfer struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// TransferQuery is the filter for the token's Transfer events in the block
// range.
func (t *Token) TransferQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{t.contract},
		Topics:    [][]common.Hash{{t.abi.Events[transferEvent].ID}},
	}
}

// ParseTransfer decodes a Transfer event log.
func (t *Token) ParseTransfer(log *types.Log) (*Transfer, error) {
	ev := t.abi.Events[transferEvent]
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return nil, errors.New("not a transfer event")
	}
	if log.Address != t.contract {
		return nil, fmt.Errorf("event from %s, not the token contract", log.Address)
	}
	args := make(map[string]any, 3)
	if err := ev.Inputs.UnpackIntoMap(args, log.Data); err != nil {
		return nil, fmt.Errorf("error unpacking transfer data: %w", err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("error parsing transfer topics: %w", err)
	}
	from, ok1 := args[t.fields.From].(common.Address)
	to, ok2 := args[t.fields.To].(common.Address)
	value, ok3 := args[t.fields.Value].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected transfer arguments %v", args)
	}
	return &Transfer{
		TxHash:      log.TxHash,
		BlockHash:   log.BlockHash,
		BlockNumber: log.BlockNumber,
		From:        from,
		To:          to,
		Value:       value,
	}, nil
}

// PackTransfer encodes the call data of transfer(to, value).
func (t *Token) PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return t.abi.Pack("transfer", to, value)
}

// PackBalanceOf encodes the call data of balanceOf(owner).
func (t *Token) PackBalanceOf(owner common.Address) ([]byte, error) {
	return t.abi.Pack("balanceOf", owner)
}

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// BalanceOf gets the token balance of the owner.
func (t *Token) BalanceOf(ctx context.Context, c ContractCaller, owner common.Address) (*big.Int, error) {
	data, err := t.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	res, err := c.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data})
	if err != nil {
		return nil, err
	}
	return t.UnpackBalanceOf(res)
}

// UnpackBalanceOf decodes the result of balanceOf.
func (t *Token) UnpackBalanceOf(res []byte) (*big.Int, error) {
	out, err := t.abi.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return bal, nil
}
