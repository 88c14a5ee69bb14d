// Command bridge wires up the engine against its out-of-scope collaborators
// (spec.md §1: the X-client library, the R-stream client, the persistent
// KV store) and runs every configured pairing until signaled to stop. The
// wiring itself is deliberately thin: every interesting decision lives in
// internal/, this file only constructs and starts it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/muni-town/roomy-discord-bridge/internal/config"
	"github.com/muni-town/roomy-discord-bridge/internal/kvstore"
	"github.com/muni-town/roomy-discord-bridge/internal/orchestrator"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to bridge config")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if err := run(*configPath, log); err != nil {
		log.Fatal().Err(err).Msg("bridge exited with error")
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	store, err := kvstore.Open(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "open kvstore")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := xplatform.Dial(ctx, cfg.Gateway.URL, log)
	if err != nil {
		return errors.Wrap(err, "dial x gateway")
	}
	defer gateway.Close()

	// The R-stream client and per-pairing X REST client are the out-of-scope
	// collaborators spec.md §1 names; this binary's only job is to hand the
	// Orchestrator concrete implementations of internal/rplatform.Stream and
	// internal/xplatform.Client, which live outside this module's scope.
	stream, err := newStream(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "connect r-stream client")
	}

	orch := orchestrator.New(store, stream, gateway, newClientFactory(log), nil, 0, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Register(ctx, cfg.Pairings)
	})
	g.Go(func() error {
		if err := orch.RunGateway(ctx); err != nil && ctx.Err() == nil {
			return errors.Wrap(err, "gateway listen loop")
		}
		return nil
	})

	<-ctx.Done()
	shutdownCtx := context.Background()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Err(err).Msg("error during orchestrator shutdown")
	}
	return g.Wait()
}
