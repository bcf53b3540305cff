// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"strings"
	"time"

	"decred.org/dcrcustody/custody"
	"github.com/shopspring/decimal"
	"gopkg.in/ini.v1"
)

// coinConf is a coin definition and its job intervals.
type coinConf struct {
	coin      *custody.Coin
	intervals intervals
}

// loadCoins reads one coin per INI section, keyed by symbol:
//
//	[USDT]
//	chain = ethereum
//	decimals = 6
//	contract = 0xdAC17F958D2ee523a2206206994597C13D831ec7
//	confirmations = 12
//	step = 100
//	reorgmargin = 6
//	scaninterval = 15s
//
// Keys that are absent take their zero value, or the default interval.
func loadCoins(pathOrData any, defaults intervals) ([]*coinConf, error) {
	f, err := ini.Load(pathOrData)
	if err != nil {
		return nil, err
	}
	var confs []*coinConf
	seen := make(map[string]bool)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return nil, fmt.Errorf("coin options outside of a [SYMBOL] section")
			}
			continue
		}
		cc, err := parseCoin(sec, defaults)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", sec.Name(), err)
		}
		if seen[cc.coin.Symbol] {
			return nil, fmt.Errorf("coin %s defined twice", cc.coin.Symbol)
		}
		seen[cc.coin.Symbol] = true
		confs = append(confs, cc)
	}
	if len(confs) == 0 {
		return nil, fmt.Errorf("no coins defined")
	}
	return confs, nil
}

// sectionReader collects the first parse error of a section.
type sectionReader struct {
	sec *ini.Section
	err error
}

func (r *sectionReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *sectionReader) str(key, def string) string {
	if !r.sec.HasKey(key) {
		return def
	}
	return strings.TrimSpace(r.sec.Key(key).String())
}

func (r *sectionReader) uint64(key string) uint64 {
	if !r.sec.HasKey(key) {
		return 0
	}
	v, err := r.sec.Key(key).Uint64()
	if err != nil {
		r.fail(key, err)
	}
	return v
}

func (r *sectionReader) int64(key string) int64 {
	if !r.sec.HasKey(key) {
		return 0
	}
	v, err := r.sec.Key(key).Int64()
	if err != nil {
		r.fail(key, err)
	}
	return v
}

func (r *sectionReader) decimal(key string) decimal.Decimal {
	if !r.sec.HasKey(key) {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(strings.TrimSpace(r.sec.Key(key).String()))
	if err != nil {
		r.fail(key, err)
	}
	return v
}

func (r *sectionReader) duration(key string, def time.Duration) time.Duration {
	if !r.sec.HasKey(key) {
		return def
	}
	v, err := r.sec.Key(key).Duration()
	if err != nil {
		r.fail(key, err)
		return def
	}
	if v <= 0 {
		r.fail(key, fmt.Errorf("non-positive interval %s", v))
	}
	return v
}

func parseCoin(sec *ini.Section, defaults intervals) (*coinConf, error) {
	r := &sectionReader{sec: sec}
	decimals := r.uint64("decimals")
	if decimals > 36 {
		return nil, fmt.Errorf("%d decimals", decimals)
	}
	coin := &custody.Coin{
		Symbol:   strings.ToUpper(sec.Name()),
		Chain:    custody.Chain(strings.ToLower(r.str("chain", ""))),
		Decimals: uint8(decimals),
		Contract: r.str("contract", ""),
		TransferFields: custody.TransferFields{
			From:  r.str("fromfield", custody.DefaultTransferFields.From),
			To:    r.str("tofield", custody.DefaultTransferFields.To),
			Value: r.str("valuefield", custody.DefaultTransferFields.Value),
		},
		Confirmations: r.uint64("confirmations"),
		Step:          r.uint64("step"),
		ReorgMargin:   r.uint64("reorgmargin"),
		StartHeight:   r.uint64("startheight"),
		MinDeposit:    r.decimal("mindeposit"),
		MinConf:       int(r.int64("minconf")),
		ConfTarget:    r.int64("conftarget"),
		TxSizeKB:      r.decimal("txsizekb"),
	}
	ivs := intervals{
		Scan:    r.duration("scaninterval", defaults.Scan),
		Confirm: r.duration("confirminterval", defaults.Confirm),
		Send:    r.duration("sendinterval", defaults.Send),
		Collect: r.duration("collectinterval", defaults.Collect),
		Fee:     r.duration("feeinterval", defaults.Fee),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := coin.Validate(); err != nil {
		return nil, err
	}
	return &coinConf{coin: coin, intervals: ivs}, nil
}
