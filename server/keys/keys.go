// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package keys derives per-client deposit addresses and signing keys from a
// single BIP39 seed.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"decred.org/dcrcustody/custody"
	"github.com/tyler-smith/go-bip39"
)

// firstHardened is the first hardened child index. Client ids and path
// elements are non-hardened indexes.
const firstHardened = 1 << 31

// Manager is the key capability of one chain.
type Manager interface {
	// Address is the deposit address of the client's path.
	Address(clientID int64, path string) (string, error)
	// IsValidAddress checks the syntax and network of an address.
	IsValidAddress(addr string) bool
	// PrivateKey is the raw 32 byte secp256k1 private key of the client's
	// path.
	PrivateKey(clientID int64, path string) ([]byte, error)
}

// SeedFromMnemonic validates a BIP39 mnemonic and derives its seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}

// NewMnemonic generates a 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// derivationPath converts a client id and a slash separated address path,
// e.g. "0" or "12/3", into the non-hardened child indexes below the account
// key.
func derivationPath(clientID int64, path string) ([]uint32, error) {
	if clientID < 0 || clientID >= firstHardened {
		return nil, fmt.Errorf("client id %d out of range", clientID)
	}
	idxs := []uint32{uint32(clientID)}
	for _, el := range strings.Split(path, "/") {
		// ParseUint accepts no sign, so "+1" and "-1" fail here.
		idx, err := strconv.ParseUint(el, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid address path %q", path)
		}
		idxs = append(idxs, uint32(idx))
	}
	return idxs, nil
}

// Managers maps each chain to its key manager.
type Managers map[custody.Chain]Manager

// ForCoin is the manager of the coin's chain.
func (ms Managers) ForCoin(coin *custody.Coin) (Manager, error) {
	m, found := ms[coin.Chain]
	if !found {
		return nil, fmt.Errorf("no key manager for chain %s", coin.Chain)
	}
	return m, nil
}
