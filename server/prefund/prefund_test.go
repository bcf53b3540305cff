// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package prefund

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/memdb"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	tCtx      = context.Background()
	tChainID  = big.NewInt(1337)
	tContract = common.HexToAddress("0x8cc5f7cd4d9b9f1d0b1bd7cb2a4f8c7d17b0eae1")
	tHot      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tDepAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type tNode struct {
	pocketBal *big.Int
	nonce     uint64
	estimate  ethereum.CallMsg
	sent      []*types.Transaction
}

func (n *tNode) ChainID() *big.Int { return tChainID }
func (n *tNode) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return n.pocketBal, nil
}
func (n *tNode) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return nil, errors.New("unused")
}
func (n *tNode) TransactionCount(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("unused")
}
func (n *tNode) PendingNonceAt(context.Context, common.Address) (uint64, error) { return n.nonce, nil }
func (n *tNode) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(20e9), nil }
func (n *tNode) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	n.estimate = msg
	return 60000, nil
}
func (n *tNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.sent = append(n.sent, tx)
	n.nonce++
	return nil
}
func (n *tNode) TransactionMined(context.Context, common.Hash) (bool, error) { return false, nil }

func tToken(t *testing.T) *Token {
	t.Helper()
	coin := &custody.Coin{
		Symbol:         "USDT",
		Chain:          custody.ChainEthereum,
		Decimals:       6,
		Contract:       tContract.Hex(),
		TransferFields: custody.DefaultTransferFields,
		Confirmations:  1,
		Step:           1,
	}
	token, err := eth.NewToken(coin.Contract, coin.TransferFields)
	if err != nil {
		t.Fatal(err)
	}
	return &Token{Coin: coin, Contract: token}
}

func insert(t *testing.T, store db.Store, txHash string, status db.DepositStatus) int64 {
	t.Helper()
	d := &db.Deposit{
		CoinSymbol: "USDT",
		ClientID:   1,
		AddrPath:   "0",
		Amount:     decimal.RequireFromString("25"),
		FeeAmount:  decimal.NewNullDecimal(decimal.Zero),
		FeeSymbol:  "ETH",
		Status:     status,
		TxHash:     txHash,
		Info:       db.DepositInfo{BlockHeight: 10, Recipient: tDepAddr.Hex()},
	}
	err := store.Update(tCtx, func(tx db.Tx) error {
		_, err := tx.InsertDepositIfAbsent(d)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return d.ID
}

func newTPrefunder(t *testing.T, store db.Store, node *tNode) *Prefunder {
	t.Helper()
	key, _ := crypto.GenerateKey()
	pocket, err := eth.NewSigner(crypto.FromECDSA(key), tChainID)
	if err != nil {
		t.Fatal(err)
	}
	return New(&Config{
		Store:      store,
		Tokens:     []*Token{tToken(t)},
		Node:       node,
		Pocket:     pocket,
		Hot:        tHot,
		GasPremium: new(big.Int).Mul(big.NewInt(10), eth.GWei),
		Logger:     custody.Disabled,
	})
}

func TestPrefund(t *testing.T) {
	store := memdb.New()
	node := &tNode{pocketBal: big.NewInt(1e18), nonce: 3}
	p := newTPrefunder(t, store, node)
	id := insert(t, store, "0x01", db.DepositConfirmed)
	insert(t, store, "0x02", db.DepositUnconfirmed)

	if err := p.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(node.sent) != 1 {
		t.Fatalf("wanted 1 funding transaction, got %d", len(node.sent))
	}
	tx := node.sent[0]
	price := big.NewInt(30e9)
	fee := new(big.Int).Mul(big.NewInt(60000), price)
	if tx.Nonce() != 3 || *tx.To() != tDepAddr || tx.Value().Cmp(fee) != 0 || tx.Gas() != eth.NativeTransferGas ||
		tx.GasPrice().Cmp(price) != 0 {
		t.Fatalf("wrong funding transaction")
	}
	if node.estimate.From != tDepAddr || *node.estimate.To != tContract {
		t.Fatalf("wrong estimate call %+v", node.estimate)
	}
	d, _ := store.Deposit(tCtx, id)
	if d.Info.CollectHash != tx.Hash().Hex() || d.Info.GasLimit != 60000 || d.Info.GasPrice.Cmp(price) != 0 {
		t.Fatalf("funding not recorded %+v", d.Info)
	}

	// Funded deposits are skipped.
	if err := p.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(node.sent) != 1 {
		t.Fatalf("deposit funded twice")
	}
}

func TestPrefundInsufficient(t *testing.T) {
	store := memdb.New()
	// Covers the collection gas but not the funding transaction's own gas.
	node := &tNode{pocketBal: new(big.Int).Mul(big.NewInt(60000), big.NewInt(30e9))}
	p := newTPrefunder(t, store, node)
	id := insert(t, store, "0x01", db.DepositConfirmed)
	err := p.Tick(tCtx)
	if !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Fatalf("wanted insufficient funds, got %v", err)
	}
	if len(node.sent) != 0 {
		t.Fatalf("sent without funds")
	}
	if d, _ := store.Deposit(tCtx, id); d.Info.CollectHash != "" {
		t.Fatalf("funding recorded")
	}
}
