// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"decred.org/dcrcustody/custody"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Subsystem identifiers. Per-coin jobs log as sub-loggers of their
// subsystem, e.g. SCAN[BTC].
const (
	subsysMain    = "MAIN"
	subsysIntake  = "INTK"
	subsysScan    = "SCAN"
	subsysConfirm = "CONF"
	subsysNonce   = "NONC"
	subsysBatch   = "BTCH"
	subsysSender  = "SNDR"
	subsysPrefund = "PFND"
	subsysCollect = "COLL"
	subsysFees    = "FEES"
	subsysCron    = "CRON"
	subsysDB      = "DB"
	subsysBus     = "BUS"
	subsysKeys    = "KEYS"
	subsysAsset   = "ASET"
	subsysAdmin   = "ADMN"
)

var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = custody.Disabled

	subsystems = []string{
		subsysMain, subsysIntake, subsysScan, subsysConfirm, subsysNonce, subsysBatch,
		subsysSender, subsysPrefund, subsysCollect, subsysFees, subsysCron, subsysDB,
		subsysBus, subsysKeys, subsysAsset, subsysAdmin,
	}
)

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subs := make([]string, len(subsystems))
	copy(subs, subsystems)
	sort.Strings(subs)
	return subs
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*custody.LoggerMaker, error) {
	lm, err := custody.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(subsystems))
	for _, s := range subsystems {
		known[s] = true
	}
	for subsysID := range lm.Levels {
		if !known[subsysID] {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
	}
	log = lm.NewLogger(subsysMain)
	return lm, nil
}
