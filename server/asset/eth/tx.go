// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// NativeTransferGas is the gas used by a plain value transfer.
const NativeTransferGas = params.TxGas

// GWei is 1e9 wei.
var GWei = big.NewInt(params.GWei)

// GasPrice is the network's suggested gas price plus a premium.
func GasPrice(suggested, premium *big.Int) *big.Int {
	return new(big.Int).Add(suggested, premium)
}

// GasFee is gasLimit * gasPrice.
func GasFee(gasLimit uint64, gasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
}

// Signer signs legacy transactions for one account.
type Signer struct {
	key     *ecdsa.PrivateKey
	addr    common.Address
	chainID *big.Int
}

// NewSigner creates a signer from a raw secp256k1 private key.
func NewSigner(privKey []byte, chainID *big.Int) (*Signer, error) {
	key, err := crypto.ToECDSA(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address is the signing account.
func (s *Signer) Address() common.Address {
	return s.addr
}

// SignTx builds and signs a transaction from the signer's account.
func (s *Signer) SignTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
}

// Sender recovers the sender of a transaction.
func Sender(tx *types.Transaction, chainID *big.Int) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(chainID), tx)
}

// ParseAddress parses a hex address.
func ParseAddress(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr), nil
}
