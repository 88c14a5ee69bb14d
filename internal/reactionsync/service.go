// Package reactionsync implements ReactionSyncService (spec §4.6):
// per-user reaction mirroring from X to R, and aggregate-set collapsing of
// many R reactors onto the bridge's single X-side reaction.
package reactionsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

// EventSink is the outbound half of the dispatcher this service needs.
type EventSink interface {
	PushToR(rplatform.Event)
}

// MessageXKey is the canonical mapping key for an X message, shared with
// messagesync so both packages resolve the same (channelId, messageId)
// pair from one R-side message id.
func MessageXKey(channelID, messageID ids.XSnowflake) string {
	return "msg:" + channelID.String() + ":" + messageID.String()
}

// ParseMessageXKey reverses MessageXKey.
func ParseMessageXKey(key string) (channelID, messageID ids.XSnowflake, err error) {
	const prefix = "msg:"
	if !strings.HasPrefix(key, prefix) {
		return 0, 0, fmt.Errorf("not a message key: %q", key)
	}
	parts := strings.SplitN(strings.TrimPrefix(key, prefix), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed message key: %q", key)
	}
	channelID, err = ids.ParseSnowflake(parts[0])
	if err != nil {
		return 0, 0, err
	}
	messageID, err = ids.ParseSnowflake(parts[1])
	return channelID, messageID, err
}

type reactionBody struct {
	MessageID ids.RUlid `json:"messageId"`
	Emoji     string    `json:"emoji"`
}

type Service struct {
	mapping   *mapping.Repository
	sink      EventSink
	x         xplatform.Client
	guildID   ids.XSnowflake
	botUserID ids.XSnowflake
	clock     func() time.Time
	log       zerolog.Logger
}

func New(m *mapping.Repository, sink EventSink, x xplatform.Client, guildID, botUserID ids.XSnowflake, log zerolog.Logger) *Service {
	return &Service{
		mapping:   m,
		sink:      sink,
		x:         x,
		guildID:   guildID,
		botUserID: botUserID,
		clock:     time.Now,
		log:       log.With().Str("component", "reactionsync").Logger(),
	}
}

// SetSink wires the dispatcher in after construction, breaking the
// constructor cycle between a service and the Dispatcher it feeds.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// ---- X -> R ----

// SyncXReactionAdd mirrors a single X user's reaction onto the R message as
// its own addReaction event, idempotently (spec §4.6).
func (s *Service) SyncXReactionAdd(ctx context.Context, add xplatform.ReactionAdd) error {
	if add.UserID == s.botUserID {
		// Our own aggregate reaction on X; not a user action to mirror.
		return nil
	}

	rMsg, ok, err := s.mapping.GetR(ctx, MessageXKey(add.ChannelID, add.MessageID))
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing(fmt.Sprintf("message %s for reaction add", add.MessageID))
	}

	emoji := ids.CanonicalEmoji(add.Emoji)
	if _, ok, err := s.mapping.GetReactionEvent(ctx, add.MessageID.String(), add.UserID, emoji); err != nil {
		return err
	} else if ok {
		return nil
	}

	evID := ids.NewRUlid(s.clock())
	did := ids.SurrogateDid(add.UserID)
	s.sink.PushToR(rplatform.Event{
		ID:     evID,
		RoomID: rMsg,
		Kind:   rplatform.KindAddReaction,
		Author: did,
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: emoji}),
		Extensions: map[string]any{
			rplatform.ExtDiscordReactionOrig: rplatform.OriginExtension{
				Snowflake: add.MessageID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	return s.mapping.SetReactionEvent(ctx, add.MessageID.String(), add.UserID, emoji, evID)
}

// SyncXReactionRemove mirrors removal of a single X user's reaction. A
// reaction never recorded as synced (e.g. added before the bridge started
// backfilling) is a silent no-op.
func (s *Service) SyncXReactionRemove(ctx context.Context, rem xplatform.ReactionRemove) error {
	if rem.UserID == s.botUserID {
		return nil
	}

	rMsg, ok, err := s.mapping.GetR(ctx, MessageXKey(rem.ChannelID, rem.MessageID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	emoji := ids.CanonicalEmoji(rem.Emoji)
	if _, ok, err := s.mapping.GetReactionEvent(ctx, rem.MessageID.String(), rem.UserID, emoji); err != nil {
		return err
	} else if !ok {
		return nil
	}

	did := ids.SurrogateDid(rem.UserID)
	s.sink.PushToR(rplatform.Event{
		ID:     ids.NewRUlid(s.clock()),
		RoomID: rMsg,
		Kind:   rplatform.KindRemoveReaction,
		Author: did,
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: emoji}),
		Extensions: map[string]any{
			rplatform.ExtDiscordReactionOrig: rplatform.OriginExtension{
				Snowflake: rem.MessageID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	return s.mapping.DeleteReactionEvent(ctx, rem.MessageID.String(), rem.UserID, emoji)
}

// ---- R -> X ----

// SyncToX implements dispatcher.ServiceHandler, owning every reaction event
// kind. Many R reactors collapse onto one bot-owned X reaction via the
// aggregate user set in MappingRepository (spec §4.6).
func (s *Service) SyncToX(ctx context.Context, ev rplatform.Event) (bool, error) {
	switch ev.Kind {
	case rplatform.KindAddReaction:
		return true, s.onRAddReaction(ctx, ev)
	case rplatform.KindRemoveReaction:
		return true, s.onRRemoveReaction(ctx, ev)
	case rplatform.KindAddBridgedReact, rplatform.KindRemoveBridgedReac:
		// Self-emitted audit markers from a prior SyncToX pass; never
		// reprocessed (spec §9 "bridge must not resync its own events").
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) onRAddReaction(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordReactionOrig, s.guildID) {
		return nil
	}
	if ids.IsSurrogate(ev.Author) {
		// A reaction authored by one of our own X-surrogate DIDs is an X
		// user's reaction that SyncXReactionAdd already mirrored into R;
		// never resync it onto X (spec §4.6 echo prevention).
		return nil
	}
	var body reactionBody
	decodeBody(ev.Body, &body)
	if body.MessageID == "" {
		return nil
	}
	emoji := ids.CanonicalEmoji(body.Emoji)

	xKey, ok, err := s.mapping.GetX(ctx, body.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("x message for r->x reaction on " + string(body.MessageID))
	}
	channelID, messageID, err := ParseMessageXKey(xKey)
	if err != nil {
		return bridgeerr.Storage("reactionsync.parseMessageKey", err)
	}

	becameNonEmpty, err := s.mapping.AddReactionUser(ctx, body.MessageID, emoji, ev.Author)
	if err != nil {
		return err
	}
	if !becameNonEmpty {
		return nil
	}
	if err := s.x.AddReaction(ctx, channelID, messageID, emoji); err != nil {
		return err
	}
	s.sink.PushToR(rplatform.Event{
		ID:     ids.NewRUlid(s.clock()),
		RoomID: ev.RoomID,
		Kind:   rplatform.KindAddBridgedReact,
		Body:   jsonBody(reactionBody{MessageID: body.MessageID, Emoji: emoji}),
		Extensions: map[string]any{
			rplatform.ExtDiscordReactionOrig: rplatform.OriginExtension{
				Snowflake: messageID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	return nil
}

func (s *Service) onRRemoveReaction(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordReactionOrig, s.guildID) {
		return nil
	}
	if ids.IsSurrogate(ev.Author) {
		return nil
	}
	var body reactionBody
	decodeBody(ev.Body, &body)
	if body.MessageID == "" {
		return nil
	}
	emoji := ids.CanonicalEmoji(body.Emoji)

	xKey, ok, err := s.mapping.GetX(ctx, body.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	channelID, messageID, err := ParseMessageXKey(xKey)
	if err != nil {
		return bridgeerr.Storage("reactionsync.parseMessageKey", err)
	}

	becameEmpty, err := s.mapping.RemoveReactionUser(ctx, body.MessageID, emoji, ev.Author)
	if err != nil {
		return err
	}
	if !becameEmpty {
		return nil
	}
	if err := s.x.RemoveOwnReaction(ctx, channelID, messageID, emoji); err != nil {
		return err
	}
	s.sink.PushToR(rplatform.Event{
		ID:     ids.NewRUlid(s.clock()),
		RoomID: ev.RoomID,
		Kind:   rplatform.KindRemoveBridgedReac,
		Body:   jsonBody(reactionBody{MessageID: body.MessageID, Emoji: emoji}),
		Extensions: map[string]any{
			rplatform.ExtDiscordReactionOrig: rplatform.OriginExtension{
				Snowflake: messageID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	return nil
}

func jsonBody(v any) rplatform.Body {
	raw, err := json.Marshal(v)
	if err != nil {
		return rplatform.Body{MimeType: "application/json"}
	}
	return rplatform.Body{MimeType: "application/json", Data: raw}
}

func decodeBody(b rplatform.Body, dst any) {
	if len(b.Data) == 0 {
		return
	}
	_ = json.Unmarshal(b.Data, dst)
}
