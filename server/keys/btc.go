// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BTCManager derives bitcoin keys at m/84'/0'/0'/<client>/<path>.
type BTCManager struct {
	acct   *hdkeychain.ExtendedKey
	params *chaincfg.Params
	// segwit selects native P2WPKH addresses. Otherwise the same key hash is
	// wrapped in P2SH.
	segwit bool
}

var _ Manager = (*BTCManager)(nil)

// NewBTCManager derives the account key from the seed.
func NewBTCManager(seed []byte, params *chaincfg.Params, segwit bool) (*BTCManager, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("error creating master key: %w", err)
	}
	acct := master
	for _, idx := range []uint32{84, 0, 0} {
		if acct, err = acct.Derive(hdkeychain.HardenedKeyStart + idx); err != nil {
			return nil, fmt.Errorf("error deriving account key: %w", err)
		}
	}
	return &BTCManager{acct: acct, params: params, segwit: segwit}, nil
}

func (m *BTCManager) key(clientID int64, path string) (*hdkeychain.ExtendedKey, error) {
	idxs, err := derivationPath(clientID, path)
	if err != nil {
		return nil, err
	}
	k := m.acct
	for _, idx := range idxs {
		if k, err = k.Derive(idx); err != nil {
			return nil, fmt.Errorf("error deriving child %d of %d/%s: %w", idx, clientID, path, err)
		}
	}
	return k, nil
}

// Address is the P2WPKH, or P2SH-P2WPKH, address of the path.
func (m *BTCManager) Address(clientID int64, path string) (string, error) {
	k, err := m.key(clientID, path)
	if err != nil {
		return "", err
	}
	pub, err := k.ECPubKey()
	if err != nil {
		return "", err
	}
	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), m.params)
	if err != nil {
		return "", err
	}
	if m.segwit {
		return wpkh.EncodeAddress(), nil
	}
	redeemScript, err := txscript.PayToAddrScript(wpkh)
	if err != nil {
		return "", err
	}
	sh, err := btcutil.NewAddressScriptHash(redeemScript, m.params)
	if err != nil {
		return "", err
	}
	return sh.EncodeAddress(), nil
}

// IsValidAddress is true for any standard address of the network.
func (m *BTCManager) IsValidAddress(addr string) bool {
	a, err := btcutil.DecodeAddress(addr, m.params)
	if err != nil {
		return false
	}
	return a.IsForNet(m.params)
}

// PrivateKey is the private key of the path.
func (m *BTCManager) PrivateKey(clientID int64, path string) ([]byte, error) {
	k, err := m.key(clientID, path)
	if err != nil {
		return nil, err
	}
	priv, err := k.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.Serialize(), nil
}

// WIF is the private key of the path in wallet import format.
func (m *BTCManager) WIF(clientID int64, path string) (*btcutil.WIF, error) {
	k, err := m.key(clientID, path)
	if err != nil {
		return nil, err
	}
	priv, err := k.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return btcutil.NewWIF(priv, m.params, true)
}
