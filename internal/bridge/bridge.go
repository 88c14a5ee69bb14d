// Package bridge wires one (guildId, spaceId) pairing's MappingRepository,
// EventDispatcher, BridgeStateMachine and four domain sync services
// together, and drives the phased startup spec §4.1 and §5 describe.
package bridge

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/config"
	"github.com/muni-town/roomy-discord-bridge/internal/dispatcher"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/kvstore"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/messagesync"
	"github.com/muni-town/roomy-discord-bridge/internal/profilesync"
	"github.com/muni-town/roomy-discord-bridge/internal/reactionsync"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/statemachine"
	"github.com/muni-town/roomy-discord-bridge/internal/structuresync"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

// originExtensions is every extension name that marks an R event as
// previously produced by a bridge from an X-side event (spec §3/§9).
var originExtensions = []string{
	rplatform.ExtDiscordOrigin,
	rplatform.ExtDiscordMessageOrigin,
	rplatform.ExtDiscordUserOrigin,
	rplatform.ExtDiscordReactionOrig,
	rplatform.ExtDiscordSidebarOrigin,
	rplatform.ExtDiscordRoomLinkOrig,
}

// Bridge owns every component for one pairing (spec §2).
type Bridge struct {
	guildID  ids.XSnowflake
	spaceDid string

	machine    *statemachine.Machine
	mapping    *mapping.Repository
	dispatcher *dispatcher.Dispatcher
	stream     rplatform.Stream
	x          xplatform.Client

	profile   *profilesync.Service
	structure *structuresync.Service
	message   *messagesync.Service
	reaction  *reactionsync.Service

	xEvents *dispatcher.Queue[xplatform.GatewayEvent]

	// stateNotify is the bridge-state telemetry surface (SPEC_FULL
	// SUPPLEMENTED FEATURES): an out-of-scope control plane can observe
	// phase transitions without the core depending on it.
	stateNotify chan statemachine.State

	cancel context.CancelFunc
	log    zerolog.Logger
}

// New constructs a Bridge for one Pairing. store is the shared kvstore
// backing every pairing's namespaced mapping tables (spec §6); fetcher may
// be nil if no external profile resolver is configured.
func New(pairing config.Pairing, store kvstore.KVStore, stream rplatform.Stream, x xplatform.Client, fetcher profilesync.Fetcher, botUserID ids.XSnowflake, log zerolog.Logger) *Bridge {
	log = log.With().Uint64("guild_id", uint64(pairing.GuildID)).Str("space_id", pairing.SpaceDid).Logger()

	repo := mapping.New(store, pairing.GuildID, pairing.SpaceDid, log)
	machine := statemachine.New()

	profile := profilesync.New(repo, nil, fetcher, pairing.GuildID, log)
	structure := structuresync.New(repo, nil, x, pairing.GuildID, log)
	message := messagesync.New(repo, nil, x, pairing.GuildID, botUserID, log)
	reaction := reactionsync.New(repo, nil, x, pairing.GuildID, botUserID, log)

	// The fixed [profile, structure, message, reaction] routing order
	// spec §5 specifies.
	d := dispatcher.New(machine, stream, pairing.SpaceDid, []dispatcher.ServiceHandler{profile, structure, message, reaction}, log)
	profile.SetSink(d)
	structure.SetSink(d)
	message.SetSink(d)
	reaction.SetSink(d)

	return &Bridge{
		guildID:     pairing.GuildID,
		spaceDid:    pairing.SpaceDid,
		machine:     machine,
		mapping:     repo,
		dispatcher:  d,
		stream:      stream,
		x:           x,
		profile:     profile,
		structure:   structure,
		message:     message,
		reaction:    reaction,
		xEvents:     dispatcher.NewQueue[xplatform.GatewayEvent](),
		stateNotify: make(chan statemachine.State, 4),
		log:         log.With().Str("component", "bridge").Logger(),
	}
}

// State reports the current lifecycle phase.
func (b *Bridge) State() statemachine.State { return b.machine.Current() }

// StateChanges returns a channel of phase transitions, best-effort (a slow
// or absent reader never blocks the bridge).
func (b *Bridge) StateChanges() <-chan statemachine.State { return b.stateNotify }

func (b *Bridge) advance(s statemachine.State) {
	b.machine.Advance(s)
	select {
	case b.stateNotify <- s:
	default:
	}
}

// HandleXEvent enqueues a gateway event for this pairing's guild, called by
// the Orchestrator's fan-out (spec §2). Never blocks.
func (b *Bridge) HandleXEvent(evt xplatform.GatewayEvent) {
	b.xEvents.Push(evt)
}

// Run drives the pairing through backfillR, backfillXAndSyncToR, and into
// syncRToX (spec §4.1) and returns. The X-gateway consumer, the dispatcher
// loops and the live R-stream subscription keep running in goroutines until
// ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.dispatcher.Run(ctx)
	go b.consumeXEvents(ctx)

	fresh, err := b.isFreshStart(ctx)
	if err != nil {
		return errors.Wrap(err, "bridge: check fresh start")
	}
	if fresh {
		if err := b.structure.RecoverMappings(ctx); err != nil {
			b.log.Warn().Err(err).Msg("mapping recovery from topic markers failed")
		}
	}

	if err := b.backfillR(ctx); err != nil {
		return errors.Wrap(err, "bridge: backfillR")
	}
	b.advance(statemachine.BackfillXAndSyncToR)

	if err := b.backfillXAndSyncToR(ctx); err != nil {
		return errors.Wrap(err, "bridge: backfillXAndSyncToR")
	}
	b.dispatcher.FlushR()
	b.advance(statemachine.SyncRToX)

	go b.runRSubscription(ctx)
	return nil
}

// isFreshStart reports whether this pairing has never completed a backfill,
// the trigger condition for automatic mapping recovery (SPEC_FULL
// SUPPLEMENTED FEATURES): the cursor table is the cheapest durable signal
// MappingRepository exposes for "has this pairing run before."
func (b *Bridge) isFreshStart(ctx context.Context) (bool, error) {
	_, ok, err := b.mapping.GetCursor(ctx, b.spaceDid)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// backfillR replays the R-stream from the stored cursor, classifying each
// event as X-origin (absorbed: mapping/caches updated, never re-emitted) or
// R-origin (queued for replay to X once syncRToX begins).
func (b *Bridge) backfillR(ctx context.Context) error {
	batchID := uuid.NewString()
	cursor, _, err := b.mapping.GetCursor(ctx, b.spaceDid)
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, ev rplatform.Event) error {
		if isXOrigin(ev, b.guildID) {
			b.dispatcher.Absorb(ctx, ev)
		} else {
			b.dispatcher.PushToX(dispatcher.ToXItem{Decoded: &ev, BatchID: batchID})
		}
		return b.mapping.SetCursor(ctx, b.spaceDid, string(ev.ID))
	}

	if _, err := b.stream.Backfill(ctx, b.spaceDid, cursor, handler); err != nil {
		return err
	}

	b.dispatcher.SetLastBatchID(batchID)
	b.dispatcher.PushToX(dispatcher.ToXItem{BatchID: batchID, IsLastEvent: true})
	return nil
}

func isXOrigin(ev rplatform.Event, guildID ids.XSnowflake) bool {
	for _, ext := range originExtensions {
		if ev.HasOrigin(ext, guildID) {
			return true
		}
	}
	return false
}

// backfillXAndSyncToR enumerates X-platform state in the fixed order spec
// §4.1 requires: structure, then messages, then reactions. Each produced
// R-event lands on dispatcher.toR, which batches it at 100 while the Bridge
// is in this state.
func (b *Bridge) backfillXAndSyncToR(ctx context.Context) error {
	channels, err := b.x.ListChannels(ctx, b.guildID)
	if err != nil {
		return err
	}

	categoryNames := make(map[ids.XSnowflake]string)
	for _, ch := range channels {
		if ch.Type == xplatform.ChannelCategory {
			categoryNames[ch.ID] = ch.Name
		}
	}

	var textLike []xplatform.ChannelCreate
	for _, ch := range channels {
		switch ch.Type {
		case xplatform.ChannelCategory:
			continue
		case xplatform.ChannelThread:
			if ch.ParentID == nil {
				b.log.Warn().Str("thread_id", ch.ID.String()).Msg("thread missing parent id, skipping")
				continue
			}
			if _, err := b.structure.OnXThreadCreate(ctx, xplatform.ThreadCreate{
				GuildIDField: b.guildID,
				ID:           ch.ID,
				ParentID:     *ch.ParentID,
				Name:         ch.Name,
			}); err != nil {
				b.logSyncErr("structuresync.OnXThreadCreate", err)
				continue
			}
		default:
			if _, err := b.structure.OnXChannelCreate(ctx, ch); err != nil {
				b.logSyncErr("structuresync.OnXChannelCreate", err)
				continue
			}
		}
		textLike = append(textLike, ch)
	}

	xCategories := make(map[string][]ids.XSnowflake)
	var uncategorized []ids.XSnowflake
	for _, ch := range textLike {
		if ch.ParentID != nil {
			if name, ok := categoryNames[*ch.ParentID]; ok {
				xCategories[name] = append(xCategories[name], ch.ID)
				continue
			}
		}
		uncategorized = append(uncategorized, ch.ID)
	}
	if err := b.structure.ReconcileSidebar(ctx, xCategories, uncategorized); err != nil {
		return err
	}

	channelMessages := make(map[ids.XSnowflake][]xplatform.MessageCreate, len(textLike))
	for _, ch := range textLike {
		msgs, err := b.x.ListMessages(ctx, ch.ID, true)
		if err != nil {
			b.logSyncErr("xplatform.ListMessages", err)
			continue
		}
		channelMessages[ch.ID] = msgs
		for _, msg := range msgs {
			if err := b.message.SyncXMessageCreate(ctx, msg); err != nil {
				b.logSyncErr("messagesync.SyncXMessageCreate", err)
			}
		}
	}

	for _, ch := range textLike {
		for _, msg := range channelMessages[ch.ID] {
			reactions, err := b.x.ListReactions(ctx, ch.ID, msg.ID)
			if err != nil {
				b.logSyncErr("xplatform.ListReactions", err)
				continue
			}
			for _, r := range reactions {
				if err := b.reaction.SyncXReactionAdd(ctx, r); err != nil {
					b.logSyncErr("reactionsync.SyncXReactionAdd", err)
				}
			}
		}
	}

	return nil
}

// runRSubscription opens the live R-stream once the pairing reaches
// listening, processing each event immediately (spec §4.1 "listening").
func (b *Bridge) runRSubscription(ctx context.Context) {
	if err := b.machine.AwaitState(ctx, statemachine.Listening); err != nil {
		return
	}
	cursor, _, err := b.mapping.GetCursor(ctx, b.spaceDid)
	if err != nil {
		b.log.Err(err).Msg("failed to load cursor for live subscription")
		return
	}
	err = b.stream.Subscribe(ctx, b.spaceDid, cursor, func(ctx context.Context, ev rplatform.Event) error {
		if isXOrigin(ev, b.guildID) {
			b.dispatcher.Absorb(ctx, ev)
		} else {
			b.dispatcher.PushToX(dispatcher.ToXItem{Decoded: &ev})
		}
		return b.mapping.SetCursor(ctx, b.spaceDid, string(ev.ID))
	})
	if err != nil && ctx.Err() == nil {
		b.log.Err(err).Msg("live r-stream subscription ended")
	}
}

// consumeXEvents is the single-task consumer for inbound X-gateway events,
// preserving the per-Bridge single-writer invariant (spec §5) across the
// mapping tables this pairing owns.
func (b *Bridge) consumeXEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.xEvents.Out():
			b.dispatchXEvent(ctx, evt)
		}
	}
}

func (b *Bridge) dispatchXEvent(ctx context.Context, evt xplatform.GatewayEvent) {
	var err error
	switch e := evt.(type) {
	case xplatform.ChannelCreate:
		_, err = b.structure.OnXChannelCreate(ctx, e)
	case xplatform.ThreadCreate:
		_, err = b.structure.OnXThreadCreate(ctx, e)
	case xplatform.MessageCreate:
		err = b.message.SyncXMessageCreate(ctx, e)
	case xplatform.MessageUpdate:
		err = b.message.SyncXMessageEdit(ctx, e)
	case xplatform.MessageDelete:
		err = b.message.SyncXMessageDelete(ctx, e)
	case xplatform.ReactionAdd:
		err = b.reaction.SyncXReactionAdd(ctx, e)
	case xplatform.ReactionRemove:
		err = b.reaction.SyncXReactionRemove(ctx, e)
	default:
		b.log.Debug().Msg("unrecognized gateway event type, skipping")
		return
	}
	b.logSyncErr("dispatchXEvent", err)
}

// logSyncErr applies the error-kind policy spec §7 describes: the Bridge
// never crashes on a single event.
func (b *Bridge) logSyncErr(op string, err error) {
	if err == nil {
		return
	}
	var missing *bridgeerr.MappingMissingError
	var perm *bridgeerr.XPermissionError
	var stale *bridgeerr.StaleEditError
	var echo *bridgeerr.EchoDetected
	var conflict *bridgeerr.ConflictError
	switch {
	case errors.As(err, &missing):
		b.log.Warn().Err(err).Str("op", op).Msg("mapping missing, skipping")
	case errors.As(err, &perm):
		b.log.Warn().Err(err).Str("op", op).Msg("permission denied, skipping")
	case errors.As(err, &stale):
		b.log.Debug().Str("op", op).Msg("stale edit, skipping")
	case errors.As(err, &echo):
		b.log.Debug().Str("op", op).Msg("echo detected, skipping")
	case errors.As(err, &conflict):
		b.log.Error().Err(err).Str("op", op).Msg("mapping conflict, not overwriting")
	default:
		b.log.Error().Err(err).Str("op", op).Msg("sync operation failed")
	}
}

// Disconnect stops the Bridge. When unregister is true (the pairing was
// explicitly unregistered, not just a process shutdown) the mapping
// repository's entire namespace is dropped (spec §3 lifecycle).
func (b *Bridge) Disconnect(ctx context.Context, unregister bool) error {
	if b.cancel != nil {
		b.cancel()
	}
	if !unregister {
		return nil
	}
	return b.mapping.Delete(ctx)
}
