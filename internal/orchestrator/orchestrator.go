// Package orchestrator implements the process-wide registry of Bridges and
// the X-gateway fan-out spec.md §2/§5 describe: one Gateway connection
// process-wide, routed to the owning Bridge by guildId, with many Bridges
// running in parallel and no shared mutable state between them beyond this
// registry.
package orchestrator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/muni-town/roomy-discord-bridge/internal/bridge"
	"github.com/muni-town/roomy-discord-bridge/internal/config"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/kvstore"
	"github.com/muni-town/roomy-discord-bridge/internal/profilesync"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

// Gateway is the subset of xplatform.Gateway the Orchestrator drives: a
// single inbound event source fanned out by guildId.
type Gateway interface {
	Listen(ctx context.Context, onEvent func(xplatform.GatewayEvent)) error
}

// ClientFactory builds the per-pairing X REST client for a pairing's auth
// handle. The Orchestrator never holds the X auth token itself.
type ClientFactory func(pairing config.Pairing) (xplatform.Client, error)

// Orchestrator owns every Bridge for the process and the one shared
// X-gateway connection (spec §2).
type Orchestrator struct {
	store   kvstore.KVStore
	stream  rplatform.Stream
	gateway Gateway
	clients ClientFactory
	fetcher profilesync.Fetcher
	botID   ids.XSnowflake
	log     zerolog.Logger

	mu       sync.RWMutex
	bridges  map[ids.XSnowflake]*bridge.Bridge
}

func New(store kvstore.KVStore, stream rplatform.Stream, gateway Gateway, clients ClientFactory, fetcher profilesync.Fetcher, botID ids.XSnowflake, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		stream:  stream,
		gateway: gateway,
		clients: clients,
		fetcher: fetcher,
		botID:   botID,
		log:     log.With().Str("component", "orchestrator").Logger(),
		bridges: make(map[ids.XSnowflake]*bridge.Bridge),
	}
}

// Register instantiates and starts a Bridge for one pairing, fanning its
// startup out alongside any other pairings registered in the same call via
// errgroup (SPEC_FULL DOMAIN STACK: golang.org/x/sync/errgroup), and returns
// once every pairing's Run has returned.
func (o *Orchestrator) Register(ctx context.Context, pairings []config.Pairing) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pairings {
		p := p
		g.Go(func() error {
			return o.registerOne(ctx, p)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) registerOne(ctx context.Context, pairing config.Pairing) error {
	o.mu.Lock()
	if _, exists := o.bridges[pairing.GuildID]; exists {
		o.mu.Unlock()
		return errors.Errorf("orchestrator: guild %s already registered", pairing.GuildID)
	}
	o.mu.Unlock()

	client, err := o.clients(pairing)
	if err != nil {
		return errors.Wrapf(err, "orchestrator: build x client for guild %s", pairing.GuildID)
	}

	b := bridge.New(pairing, o.store, o.stream, client, o.fetcher, o.botID, o.log)

	o.mu.Lock()
	o.bridges[pairing.GuildID] = b
	o.mu.Unlock()

	if err := b.Run(ctx); err != nil {
		o.mu.Lock()
		delete(o.bridges, pairing.GuildID)
		o.mu.Unlock()
		return errors.Wrapf(err, "orchestrator: start bridge for guild %s", pairing.GuildID)
	}
	return nil
}

// Unregister stops and deregisters the Bridge owning guildID, dropping its
// mapping repository namespace (spec §3: "Bridge: ... destroyed on
// unregister, which also deletes the repository namespace").
func (o *Orchestrator) Unregister(ctx context.Context, guildID ids.XSnowflake) error {
	o.mu.Lock()
	b, ok := o.bridges[guildID]
	if ok {
		delete(o.bridges, guildID)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Disconnect(ctx, true)
}

// Bridge returns the Bridge owning guildID, if any, for inspection by an
// out-of-scope control plane (e.g. status polling).
func (o *Orchestrator) Bridge(guildID ids.XSnowflake) (*bridge.Bridge, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.bridges[guildID]
	return b, ok
}

// RunGateway dials the shared X-gateway connection and fans every event out
// to its owning Bridge by guildId (spec §2), swallowing per-event handler
// panics/errors the way handleXEvent's "graceful degradation" contract
// demands (spec §7): one bad event from one guild must never stop delivery
// to the others.
func (o *Orchestrator) RunGateway(ctx context.Context) error {
	return o.gateway.Listen(ctx, o.handleXEvent)
}

func (o *Orchestrator) handleXEvent(evt xplatform.GatewayEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("recovered panic while routing x-gateway event")
		}
	}()

	o.mu.RLock()
	b, ok := o.bridges[evt.GuildID()]
	o.mu.RUnlock()
	if !ok {
		o.log.Debug().Uint64("guild_id", uint64(evt.GuildID())).Msg("gateway event for unregistered guild, dropping")
		return
	}
	b.HandleXEvent(evt)
}

// Shutdown disconnects every Bridge without deleting their mapping
// namespaces (a plain process shutdown, not an unregister; spec §5
// "graceful shutdown ... in-flight events may be lost but because all
// writes are idempotent, restart replays them").
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	bridges := make([]*bridge.Bridge, 0, len(o.bridges))
	for _, b := range o.bridges {
		bridges = append(bridges, b)
	}
	o.bridges = make(map[ids.XSnowflake]*bridge.Bridge)
	o.mu.Unlock()

	var firstErr error
	for _, b := range bridges {
		if err := b.Disconnect(ctx, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
