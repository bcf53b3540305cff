// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/admin"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/batch"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/collect"
	"decred.org/dcrcustody/server/confirm"
	"decred.org/dcrcustody/server/cron"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/feerate"
	"decred.org/dcrcustody/server/keys"
	"decred.org/dcrcustody/server/nonce"
	"decred.org/dcrcustody/server/prefund"
	"decred.org/dcrcustody/server/scan"
	"decred.org/dcrcustody/server/sender"
	"github.com/btcsuite/btcd/chaincfg"
)

// daemon holds the shared dependencies of the jobs.
type daemon struct {
	cfg    *custodyConf
	lm     *custody.LoggerMaker
	store  db.Store
	events *bus.Events
	sched  *cron.Scheduler
	seed   []byte

	coins      custody.Coins
	mgrs       keys.Managers
	registrars map[custody.Chain]admin.Registrar
	closers    []func()
}

func newDaemon(cfg *custodyConf, store db.Store, events *bus.Events, sched *cron.Scheduler, seed []byte) *daemon {
	return &daemon{
		cfg:        cfg,
		lm:         cfg.LogMaker,
		store:      store,
		events:     events,
		sched:      sched,
		seed:       seed,
		coins:      make(custody.Coins),
		mgrs:       make(keys.Managers),
		registrars: make(map[custody.Chain]admin.Registrar),
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (d *daemon) add(kind string, coin *custody.Coin, interval time.Duration, t cron.Ticker) error {
	return d.sched.Add(kind+"-"+coin.Symbol, interval, t)
}

// setup connects the chains of the configured coins and schedules their
// jobs.
func (d *daemon) setup(ctx context.Context, confs []*coinConf) error {
	byChain := make(map[custody.Chain][]*coinConf)
	for _, cc := range confs {
		d.coins[cc.coin.Symbol] = cc.coin
		byChain[cc.coin.Chain] = append(byChain[cc.coin.Chain], cc)
	}
	if ccs := byChain[custody.ChainBitcoin]; len(ccs) > 0 {
		if len(ccs) > 1 {
			return errors.New("only one bitcoin coin can share the wallet")
		}
		if err := d.setupBitcoin(ccs[0]); err != nil {
			return err
		}
	}
	if ccs := byChain[custody.ChainEthereum]; len(ccs) > 0 {
		if err := d.setupEthereum(ctx, ccs); err != nil {
			return err
		}
	}
	return nil
}

func btcParams(net custody.Network) (*chaincfg.Params, error) {
	switch net {
	case custody.Mainnet:
		return &chaincfg.MainNetParams, nil
	case custody.Testnet:
		return &chaincfg.TestNet3Params, nil
	case custody.Regtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %d", net)
}

func (d *daemon) setupBitcoin(cc *coinConf) error {
	coin, sym := cc.coin, cc.coin.Symbol
	params, err := btcParams(d.cfg.Network)
	if err != nil {
		return err
	}
	mgr, err := keys.NewBTCManager(d.seed, params, !d.cfg.NestedSegwit)
	if err != nil {
		return err
	}
	wallet, err := btc.NewRPCClient(&btc.Config{
		RPCHost: d.cfg.BTCRPCHost,
		RPCUser: d.cfg.BTCRPCUser,
		RPCPass: d.cfg.BTCRPCPass,
		Wallet:  d.cfg.BTCWallet,
	})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, wallet.Shutdown)
	d.mgrs[custody.ChainBitcoin] = mgr
	d.registrars[custody.ChainBitcoin] = keys.NewRegistrar(d.store, custody.ChainBitcoin, mgr,
		keys.ImportKeyHook(mgr, wallet), d.lm.SubLogger(subsysKeys, string(custody.ChainBitcoin)))

	ivs := cc.intervals
	for _, err := range []error{
		d.add("scan", coin, ivs.Scan, scan.NewUTXOScanner(d.store, coin, wallet, d.events, d.lm.SubLogger(subsysScan, sym))),
		d.add("confirm", coin, ivs.Confirm, confirm.NewPromoter(d.store, coin, &confirm.WalletDepth{Wallet: wallet},
			d.events, d.lm.SubLogger(subsysConfirm, sym))),
		d.add("batch", coin, ivs.Send, batch.NewBatcher(d.store, coin, wallet, d.events, d.lm.SubLogger(subsysBatch, sym))),
		d.add("feerate", coin, ivs.Fee, feerate.NewRefresher(d.store, coin, wallet, d.lm.SubLogger(subsysFees, sym))),
	} {
		if err != nil {
			return err
		}
	}
	log.Infof("Scheduled %s jobs on %s", sym, params.Name)
	return nil
}

// gwei converts a whole number of gwei to wei.
func gwei(n uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(n), eth.GWei)
}

// readPocketKey reads a hex encoded private key.
func readPocketKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pocket wallet key: %w", err)
	}
	priv, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"))
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("pocket wallet key file %s does not hold a 32 byte hex key", path)
	}
	return priv, nil
}

func (d *daemon) setupEthereum(ctx context.Context, ccs []*coinConf) error {
	node, err := eth.Connect(ctx, d.cfg.ETHRPC)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, node.Shutdown)
	mgr, err := keys.NewETHManager(d.seed)
	if err != nil {
		return err
	}
	// Client 0 at path "0" is the hot wallet.
	hotKey, err := mgr.PrivateKey(0, "0")
	if err != nil {
		return err
	}
	hot, err := eth.NewSigner(hotKey, node.ChainID())
	if err != nil {
		return err
	}
	pocketKey, err := readPocketKey(d.cfg.PocketPath)
	if err != nil {
		return err
	}
	pocket, err := eth.NewSigner(pocketKey, node.ChainID())
	if err != nil {
		return err
	}
	log.Infof("Ethereum chain %s, hot wallet %s, pocket wallet %s", node.ChainID(), hot.Address(), pocket.Address())

	seq := nonce.NewSequencer(d.store, node, d.lm.NewLogger(subsysNonce))
	d.mgrs[custody.ChainEthereum] = mgr
	reg := keys.NewRegistrar(d.store, custody.ChainEthereum, mgr, keys.SeedNonceHook(seq),
		d.lm.SubLogger(subsysKeys, string(custody.ChainEthereum)))
	reg.Reserve(0, "0")
	d.registrars[custody.ChainEthereum] = reg

	premium := gwei(d.cfg.GasPremiumGwei)
	var tokens []*prefund.Token
	collectInterval := d.cfg.Intervals.Collect
	for _, cc := range ccs {
		coin, sym, ivs := cc.coin, cc.coin.Symbol, cc.intervals
		var token *eth.Token
		var scanner cron.Ticker
		if coin.IsToken() {
			if token, err = eth.NewToken(coin.Contract, coin.TransferFields); err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
			tokens = append(tokens, &prefund.Token{Coin: coin, Contract: token})
			scanner = scan.NewTokenScanner(d.store, coin, token, node, pocket.Address(), d.events, d.lm.SubLogger(subsysScan, sym))
		} else {
			scanner = scan.NewAccountScanner(d.store, coin, node, pocket.Address(), d.events, d.lm.SubLogger(subsysScan, sym))
		}
		if ivs.Collect < collectInterval {
			collectInterval = ivs.Collect
		}
		for _, err := range []error{
			d.add("scan", coin, ivs.Scan, scanner),
			d.add("confirm", coin, ivs.Confirm, confirm.NewPromoter(d.store, coin, &confirm.HeightDepth{Chain: node},
				d.events, d.lm.SubLogger(subsysConfirm, sym))),
			d.add("send", coin, ivs.Send, sender.New(&sender.Config{
				Store:      d.store,
				Coin:       coin,
				Token:      token,
				Node:       node,
				Hot:        hot,
				Sequencer:  seq,
				GasPremium: premium,
				Events:     d.events,
				Logger:     d.lm.SubLogger(subsysSender, sym),
			})),
			d.add("collect", coin, ivs.Collect, collect.New(&collect.Config{
				Store:      d.store,
				Coin:       coin,
				Token:      token,
				Node:       node,
				Keys:       mgr,
				Sequencer:  seq,
				Hot:        hot.Address(),
				GasPremium: premium,
				Logger:     d.lm.SubLogger(subsysCollect, sym),
			})),
		} {
			if err != nil {
				return err
			}
		}
		log.Infof("Scheduled %s jobs", sym)
	}
	if len(tokens) == 0 {
		return nil
	}
	return d.sched.Add("prefund", collectInterval, prefund.New(&prefund.Config{
		Store:      d.store,
		Tokens:     tokens,
		Node:       node,
		Pocket:     pocket,
		Hot:        hot.Address(),
		GasPremium: gwei(d.cfg.PrefundGwei),
		Logger:     d.lm.NewLogger(subsysPrefund),
	}))
}
