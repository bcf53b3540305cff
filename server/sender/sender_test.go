// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sender

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/memdb"
	"decred.org/dcrcustody/server/nonce"
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
	tDest     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type tNode struct {
	balances map[common.Address]*big.Int
	tokens   map[common.Address]*big.Int
	counts   map[common.Address]uint64
	gasPrice *big.Int
	gas      uint64
	gasErr   error
	sent     []*types.Transaction
}

func newTNode() *tNode {
	return &tNode{
		balances: make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]*big.Int),
		counts:   make(map[common.Address]uint64),
		gasPrice: big.NewInt(20e9),
		gas:      60000,
	}
}

func (n *tNode) ChainID() *big.Int { return tChainID }

func (n *tNode) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	if b := n.balances[addr]; b != nil {
		return b, nil
	}
	return new(big.Int), nil
}

func (n *tNode) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	owner := common.BytesToAddress(msg.Data[4:36])
	bal := n.tokens[owner]
	if bal == nil {
		bal = new(big.Int)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

func (n *tNode) TransactionCount(_ context.Context, addr common.Address) (uint64, error) {
	return n.counts[addr], nil
}

func (n *tNode) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	return n.counts[addr], nil
}

func (n *tNode) SuggestGasPrice(context.Context) (*big.Int, error) { return n.gasPrice, nil }

func (n *tNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return n.gas, n.gasErr
}

func (n *tNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.sent = append(n.sent, tx)
	return nil
}

func (n *tNode) TransactionMined(context.Context, common.Hash) (bool, error) { return true, nil }

type tHarness struct {
	store *memdb.Store
	node  *tNode
	hot   *eth.Signer
	mb    *bus.MemBus
	s     *Sender
}

func newTHarness(t *testing.T, coin *custody.Coin, token *eth.Token) *tHarness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hot, err := eth.NewSigner(crypto.FromECDSA(key), tChainID)
	if err != nil {
		t.Fatal(err)
	}
	store := memdb.New()
	node := newTNode()
	node.counts[hot.Address()] = 5
	node.balances[hot.Address()] = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	mb := bus.NewMemBus(time.Millisecond)
	s := New(&Config{
		Store:      store,
		Coin:       coin,
		Token:      token,
		Node:       node,
		Hot:        hot,
		Sequencer:  nonce.NewSequencer(store, node, custody.Disabled),
		GasPremium: new(big.Int).Mul(big.NewInt(30), eth.GWei),
		Events:     bus.NewEvents(mb, custody.Disabled),
		Logger:     custody.Disabled,
	})
	return &tHarness{store: store, node: node, hot: hot, mb: mb, s: s}
}

func (h *tHarness) withdraw(t *testing.T, coin, amt string) int64 {
	t.Helper()
	w := &db.Withdrawal{
		ClientID:   1,
		Key:        coin + amt,
		CoinSymbol: coin,
		Recipient:  tDest.Hex(),
		Amount:     decimal.RequireFromString(amt),
		Status:     db.WithdrawalCreated,
	}
	err := h.store.Update(tCtx, func(tx db.Tx) error {
		_, err := tx.InsertWithdrawal(w)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return w.ID
}

func (h *tHarness) get(t *testing.T, id int64) *db.Withdrawal {
	t.Helper()
	w, err := h.store.Withdrawal(tCtx, id)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func tETH() *custody.Coin {
	return &custody.Coin{Symbol: "ETH", Chain: custody.ChainEthereum, Decimals: 18, Confirmations: 1, Step: 1}
}

func TestSenderNative(t *testing.T) {
	h := newTHarness(t, tETH(), nil)
	first := h.withdraw(t, "ETH", "1.5")
	second := h.withdraw(t, "ETH", "0.25")

	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 1 {
		t.Fatalf("wanted 1 transaction, got %d", len(h.node.sent))
	}
	tx := h.node.sent[0]
	wantPrice := big.NewInt(50e9)
	if tx.Nonce() != 5 || *tx.To() != tDest || tx.Gas() != eth.NativeTransferGas || tx.GasPrice().Cmp(wantPrice) != 0 ||
		tx.Value().Cmp(custody.DecimalToBaseUnits(decimal.RequireFromString("1.5"), 18)) != 0 {
		t.Fatalf("wrong transaction nonce %d to %s value %s gas %d price %s", tx.Nonce(), tx.To(), tx.Value(), tx.Gas(), tx.GasPrice())
	}
	if from, _ := eth.Sender(tx, tChainID); from != h.hot.Address() {
		t.Fatalf("wrong sender %s", from)
	}
	w := h.get(t, first)
	if w.Status != db.WithdrawalFinished || w.TxHash != tx.Hash().Hex() || w.FeeSymbol != "ETH" ||
		!w.FeeAmount.Valid || !w.FeeAmount.Decimal.IsZero() {
		t.Fatalf("wrong withdrawal %+v", w)
	}
	w = h.get(t, second)
	if w.Status != db.WithdrawalCreated || w.Info.Nonce == nil || *w.Info.Nonce != 6 {
		t.Fatalf("wrong pending withdrawal %+v", w)
	}

	// The second waits for the first to be mined.
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 1 {
		t.Fatalf("sent before predecessor mined")
	}
	h.node.counts[h.hot.Address()] = 6
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 2 || h.node.sent[1].Nonce() != 6 {
		t.Fatalf("second withdrawal not sent")
	}

	var ups []*db.Withdrawal
	for _, b := range h.mb.Published(bus.TopicWithdrawalUpdate) {
		w := new(db.Withdrawal)
		if err := json.Unmarshal(b, w); err != nil {
			t.Fatal(err)
		}
		ups = append(ups, w)
	}
	if len(ups) != 2 || ups[0].ID != first || ups[1].ID != second {
		t.Fatalf("wrong updates %+v", ups)
	}
}

func TestSenderNonceAhead(t *testing.T) {
	h := newTHarness(t, tETH(), nil)
	h.withdraw(t, "ETH", "1")
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	id := h.withdraw(t, "ETH", "2")
	// A transaction the ledger does not know about.
	h.node.counts[h.hot.Address()] = 8
	err := h.s.Tick(tCtx)
	if !errors.Is(err, custody.ErrInvariant) {
		t.Fatalf("wanted invariant violation, got %v", err)
	}
	if h.get(t, id).Status != db.WithdrawalCreated {
		t.Fatalf("withdrawal changed")
	}
}

func TestSenderInsufficient(t *testing.T) {
	h := newTHarness(t, tETH(), nil)
	id := h.withdraw(t, "ETH", "10")
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 0 || h.get(t, id).Status != db.WithdrawalCreated {
		t.Fatalf("sent without funds")
	}
	h.node.balances[h.hot.Address()] = new(big.Int).Mul(big.NewInt(11), big.NewInt(1e18))
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 1 || h.node.sent[0].Nonce() != 5 {
		t.Fatalf("nonce not reused after funding")
	}
}

func TestSenderToken(t *testing.T) {
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
	h := newTHarness(t, coin, token)
	id := h.withdraw(t, "USDT", "12.5")

	h.node.gasErr = errors.New("execution reverted")
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	h.node.gasErr = nil
	h.node.tokens[h.hot.Address()] = big.NewInt(12499999)
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 0 {
		t.Fatalf("sent without token funds")
	}

	h.node.tokens[h.hot.Address()] = big.NewInt(12500000)
	if err := h.s.Tick(tCtx); err != nil {
		t.Fatal(err)
	}
	if len(h.node.sent) != 1 {
		t.Fatalf("token withdrawal not sent")
	}
	tx := h.node.sent[0]
	wantData, _ := token.PackTransfer(tDest, big.NewInt(12500000))
	if *tx.To() != tContract || tx.Value().Sign() != 0 || tx.Gas() != 60000 || string(tx.Data()) != string(wantData) {
		t.Fatalf("wrong token transaction")
	}
	if w := h.get(t, id); w.Status != db.WithdrawalFinished || w.FeeSymbol != "ETH" {
		t.Fatalf("wrong withdrawal %+v", w)
	}
}
