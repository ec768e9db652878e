package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var shuttingDown atomic.Bool

// isShuttingDown reports the shared shutdown flag; producers check it
// before scheduling new work, consumers between iterations, per the
// cooperative cancellation model — in-flight LLM calls and DB transactions
// are left to finish on their own.
func isShuttingDown() bool {
	return shuttingDown.Load()
}

// installSignalHandler returns a context cancelled on SIGINT/SIGTERM and
// flips the shared shutdown flag at the same time, plus a stop func to
// release the underlying signal.Notify registration.
func installSignalHandler() (context.Context, func()) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		shuttingDown.Store(true)
	}()
	return ctx, stop
}
