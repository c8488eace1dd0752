// flashnbd attaches instance images to nbd devices behind a flashcache write
// back cache, tunes the caches, and live migrates running instances between
// hosts.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/pkg/deferer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	d := deferer.New()
	a := newApp(d)
	err := a.rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		d.Exit(err, "flashnbd failed", exitCode(err))
	}
	_ = d.Run()
}

// exitCode tells the caller, usually a migrating host, why a command failed.
func exitCode(err error) int {
	if errors.Is(err, flashnbd.ErrNoFreeDevice) {
		return flashnbd.ExitNoFreeDevice
	}
	var pe *flashnbd.PhaseError
	if errors.As(err, &pe) && pe.Kind == flashnbd.KindExhausted {
		return flashnbd.ExitNoFreeDevice
	}
	return 1
}
