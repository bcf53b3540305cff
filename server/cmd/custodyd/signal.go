// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// shutdownRequested is closed when the process should stop.
var shutdownRequested = make(chan struct{})

// interruptSignals are the signals that trigger a clean shutdown.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// withShutdownCancel creates a copy of a context that is cancelled whenever
// shutdown is requested.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-shutdownRequested
		cancel()
	}()
	return ctx
}

// shutdownListener listens for interrupt signals and requests shutdown on
// the first one. Later signals are logged and otherwise ignored.
func shutdownListener() {
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, interruptSignals...)

	sig := <-interruptChannel
	log.Infof("Received signal (%s). Shutting down...", sig)
	close(shutdownRequested)

	for sig := range interruptChannel {
		log.Infof("Received signal (%s). Already shutting down...", sig)
	}
}
