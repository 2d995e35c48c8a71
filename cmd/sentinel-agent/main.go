// sentinel-agent is the on-appliance compliance enforcement agent:
// drift detection, three-tier auto-healing, signed evidence with WORM
// upload, and a pull-only control-plane client.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/sentinel/internal/agent"
	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/crypto"
	"github.com/osiriscare/sentinel/internal/queue"
	"github.com/osiriscare/sentinel/internal/store"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitCrypto      = 2
	exitCorrupt     = 3
	exitCycleFailed = 10
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := agent.LoadConfig(args)
	if err != nil {
		log.Printf("[agent] %v", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, clock.NewReal())
	if err != nil {
		log.Printf("[agent] Startup failed: %v", err)
		return exitCode(err)
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("[agent] %v", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, agent.ErrConfig):
		return exitConfig
	case errors.Is(err, crypto.ErrKeyUnavailable):
		return exitCrypto
	case errors.Is(err, store.ErrCorrupt), errors.Is(err, queue.ErrCorrupt):
		return exitCorrupt
	case errors.Is(err, agent.ErrCycleFailed):
		return exitCycleFailed
	}
	return exitConfig
}
