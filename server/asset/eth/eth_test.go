// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"context"
	"math/big"
	"testing"

	"decred.org/dcrcustody/custody"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	tContract = common.HexToAddress("0x8cc5f7cd4d9b9f1d0b1bd7cb2a4f8c7d17b0eae1")
	tFrom     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tTo       = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func transferLog(t *testing.T, token *Token, value *big.Int) *types.Log {
	t.Helper()
	ev := token.abi.Events[transferEvent]
	data, err := ev.Inputs.NonIndexed().Pack(value)
	if err != nil {
		t.Fatal(err)
	}
	return &types.Log{
		Address:     tContract,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(tFrom[:]), common.BytesToHash(tTo[:])},
		Data:        data,
		BlockNumber: 77,
		TxHash:      common.HexToHash("0xaa"),
	}
}

func TestParseTransfer(t *testing.T) {
	for _, fields := range []custody.TransferFields{
		custody.DefaultTransferFields,
		{From: "_from", To: "_to", Value: "_value"},
	} {
		token, err := NewToken(tContract.Hex(), fields)
		if err != nil {
			t.Fatal(err)
		}
		value := big.NewInt(123400000000)
		tr, err := token.ParseTransfer(transferLog(t, token, value))
		if err != nil {
			t.Fatalf("%+v: %v", fields, err)
		}
		if tr.From != tFrom || tr.To != tTo || tr.Value.Cmp(value) != 0 || tr.BlockNumber != 77 {
			t.Fatalf("%+v: wrong transfer %+v", fields, tr)
		}

		// The standard event signature does not depend on argument names.
		if ev := token.abi.Events[transferEvent]; ev.ID != crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")) {
			t.Fatalf("wrong event id %s", ev.ID)
		}
	}
}

func TestParseTransferRejects(t *testing.T) {
	token, _ := NewToken(tContract.Hex(), custody.DefaultTransferFields)
	log := transferLog(t, token, big.NewInt(1))
	log.Address = tFrom
	if _, err := token.ParseTransfer(log); err == nil {
		t.Fatalf("accepted event from another contract")
	}
	log = transferLog(t, token, big.NewInt(1))
	log.Topics[0] = common.HexToHash("0x01")
	if _, err := token.ParseTransfer(log); err == nil {
		t.Fatalf("accepted another event")
	}
	if _, err := NewToken("nope", custody.DefaultTransferFields); err == nil {
		t.Fatalf("accepted bad contract address")
	}
}

func TestPackTransfer(t *testing.T) {
	token, _ := NewToken(tContract.Hex(), custody.DefaultTransferFields)
	data, err := token.PackTransfer(tTo, big.NewInt(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4+64 {
		t.Fatalf("wrong call data length %d", len(data))
	}
	if id := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]; string(data[:4]) != string(id) {
		t.Fatalf("wrong method id %x", data[:4])
	}
	if new(big.Int).SetBytes(data[36:]).Int64() != 5 {
		t.Fatalf("wrong value encoding %x", data[36:])
	}

	res := common.LeftPadBytes(big.NewInt(987).Bytes(), 32)
	bal, err := token.UnpackBalanceOf(res)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Int64() != 987 {
		t.Fatalf("wrong balance %s", bal)
	}
}

func TestSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(1337)
	s, err := NewSigner(crypto.FromECDSA(key), chainID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("wrong address")
	}
	gasPrice := GasPrice(big.NewInt(1), GWei)
	tx, err := s.SignTx(3, tTo, big.NewInt(10), NativeTransferGas, gasPrice, nil)
	if err != nil {
		t.Fatal(err)
	}
	from, err := Sender(tx, chainID)
	if err != nil {
		t.Fatal(err)
	}
	if from != s.Address() || tx.Nonce() != 3 || tx.Gas() != 21000 {
		t.Fatalf("wrong transaction")
	}
	if GasFee(21000, big.NewInt(2)).Int64() != 42000 {
		t.Fatalf("wrong gas fee")
	}
	if _, err = NewSigner([]byte{1, 2}, chainID); err == nil {
		t.Fatalf("accepted short key")
	}
}

type tCaller struct {
	msg ethereum.CallMsg
	res []byte
}

func (c *tCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.msg = msg
	return c.res, nil
}

func TestBalanceOf(t *testing.T) {
	token, _ := NewToken(tContract.Hex(), custody.DefaultTransferFields)
	c := &tCaller{res: common.LeftPadBytes(big.NewInt(5000).Bytes(), 32)}
	bal, err := token.BalanceOf(context.Background(), c, tTo)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Int64() != 5000 {
		t.Fatalf("wrong balance %s", bal)
	}
	if *c.msg.To != tContract || len(c.msg.Data) != 36 {
		t.Fatalf("wrong call %+v", c.msg)
	}
}

func TestNewPayment(t *testing.T) {
	p, err := NewPayment(nil, tTo, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}
	if p.To != tTo || p.Value.Int64() != 7 || p.Data != nil {
		t.Fatalf("wrong native payment %+v", p)
	}
	token, _ := NewToken(tContract.Hex(), custody.DefaultTransferFields)
	p, err = NewPayment(token, tTo, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}
	if p.To != tContract || p.Value.Sign() != 0 || len(p.Data) != 68 {
		t.Fatalf("wrong token payment %+v", p)
	}
	msg := p.CallMsg(tFrom, big.NewInt(3))
	if msg.From != tFrom || *msg.To != tContract || msg.GasPrice.Int64() != 3 {
		t.Fatalf("wrong call msg %+v", msg)
	}
}
