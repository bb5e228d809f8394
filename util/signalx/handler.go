package signalx

import (
	"context"
	"os"
	"os/signal"
)

var registered = make(chan struct{})

// Handler registers for signals and returns a context derived from the parent,
// which is cancelled on the first signal,
// the second signal exits the process.
func Handler(parent context.Context) context.Context {
	close(registered) // Panics when called twice.

	sigChan := make(chan os.Signal, len(sigs))
	ctx, cancel := context.WithCancel(parent)

	signal.Notify(sigChan, sigs...)

	go func() {
		var exited bool
		for range sigChan {
			if exited {
				os.Exit(1)
			}
			cancel()
			exited = true
		}
	}()

	return ctx
}
