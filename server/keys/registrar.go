// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package keys

import (
	"context"
	"fmt"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"github.com/btcsuite/btcd/btcutil"
)

// Hook prepares the chain side of a newly derived address before it is
// recorded. It must be safe to run more than once for the same address.
type Hook func(ctx context.Context, addr *db.Address) error

// Registrar derives deposit addresses and records them for the scanners.
type Registrar struct {
	store db.Store
	chain custody.Chain
	mgr   Manager
	hook  Hook
	log   custody.Logger
	// reserved paths are never handed out as deposit addresses.
	reserved map[string]bool
}

// NewRegistrar is the constructor for a Registrar. hook may be nil.
func NewRegistrar(store db.Store, chain custody.Chain, mgr Manager, hook Hook, log custody.Logger) *Registrar {
	return &Registrar{
		store:    store,
		chain:    chain,
		mgr:      mgr,
		hook:     hook,
		log:      log,
		reserved: make(map[string]bool),
	}
}

// Reserve keeps the client's path, e.g. the hot wallet, from being
// registered as a deposit address. It must be called before Register.
func (r *Registrar) Reserve(clientID int64, path string) {
	r.reserved[fmt.Sprintf("%d/%s", clientID, path)] = true
}

// Register returns the client's deposit address at the path, recording it if
// it is new.
func (r *Registrar) Register(ctx context.Context, clientID int64, path string) (string, error) {
	if r.reserved[fmt.Sprintf("%d/%s", clientID, path)] {
		return "", fmt.Errorf("%s path %d/%s is reserved", r.chain, clientID, path)
	}
	addr, err := r.mgr.Address(clientID, path)
	if err != nil {
		return "", err
	}
	existing, err := r.store.AddressByAddr(ctx, r.chain, addr)
	switch {
	case err == nil:
		if existing.ClientID != clientID || existing.Path != path {
			return "", custody.NewError(custody.ErrInvariant, fmt.Sprintf("%s address %s registered to %d/%s",
				r.chain, addr, existing.ClientID, existing.Path))
		}
		return addr, nil
	case !db.IsErrNotFound(err):
		return "", err
	}

	a := &db.Address{Chain: r.chain, ClientID: clientID, Path: path, Addr: addr}
	// The hook runs first so a failure leaves nothing recorded and the next
	// request retries it.
	if r.hook != nil {
		if err = r.hook(ctx, a); err != nil {
			return "", fmt.Errorf("error preparing %s address %s: %w", r.chain, addr, err)
		}
	}
	if err = r.store.InsertAddress(ctx, a); err != nil {
		return "", err
	}
	r.log.Infof("Registered %s address %s for client %d path %s", r.chain, addr, clientID, path)
	return addr, nil
}

// WalletImporter imports keys into a UTXO node wallet.
type WalletImporter interface {
	ImportPrivKey(ctx context.Context, wif *btcutil.WIF, label string) error
}

// ImportKeyHook imports each new address's key into the node wallet so that
// deposits to it show up in the wallet's transaction history.
func ImportKeyHook(mgr *BTCManager, wallet WalletImporter) Hook {
	return func(ctx context.Context, a *db.Address) error {
		wif, err := mgr.WIF(a.ClientID, a.Path)
		if err != nil {
			return err
		}
		return wallet.ImportPrivKey(ctx, wif, fmt.Sprintf("%d/%s", a.ClientID, a.Path))
	}
}

// NonceSeeder creates an address's nonce counter from its on-chain
// transaction count.
type NonceSeeder interface {
	SeedFromChain(ctx context.Context, owner string) error
}

// SeedNonceHook seeds the nonce counter of each new address, which later
// signs its collection sweeps.
func SeedNonceHook(seeder NonceSeeder) Hook {
	return func(ctx context.Context, a *db.Address) error {
		return seeder.SeedFromChain(ctx, a.Addr)
	}
}
