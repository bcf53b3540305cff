// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package keys

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
)

// ETHManager derives ethereum keys at m/44'/60'/0'/<client>/<path>. The hot
// wallet is client 0 at path "0".
type ETHManager struct {
	acct *bip32.Key
}

var _ Manager = (*ETHManager)(nil)

// NewETHManager derives the account key from the seed.
func NewETHManager(seed []byte) (*ETHManager, error) {
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	acct := master
	for _, idx := range []uint32{44, 60, 0} {
		if acct, err = acct.NewChildKey(bip32.FirstHardenedChild + idx); err != nil {
			return nil, fmt.Errorf("derive account key: %w", err)
		}
	}
	return &ETHManager{acct: acct}, nil
}

func (m *ETHManager) key(clientID int64, path string) ([]byte, error) {
	idxs, err := derivationPath(clientID, path)
	if err != nil {
		return nil, err
	}
	k := m.acct
	for _, idx := range idxs {
		if k, err = k.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive child %d of %d/%s: %w", idx, clientID, path, err)
		}
	}
	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := k.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return raw, nil
}

// Address is the checksummed hex address of the path.
func (m *ETHManager) Address(clientID int64, path string) (string, error) {
	priv, err := m.key(clientID, path)
	if err != nil {
		return "", err
	}
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// IsValidAddress is true for a 20 byte hex address.
func (m *ETHManager) IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// PrivateKey is the private key of the path.
func (m *ETHManager) PrivateKey(clientID int64, path string) ([]byte, error) {
	return m.key(clientID, path)
}
