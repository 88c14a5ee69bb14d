// Package rplatform declares the shape of the Roomy event-stream
// collaborator this engine consumes and produces. The actual stream
// transport, decode, backfill cursor, and subscription plumbing are the
// out-of-scope "R-platform stream client" (spec.md §1); this package only
// carries the event/extension vocabulary (§3) and the narrow interface the
// engine needs from that client.
package rplatform

import (
	"context"

	"github.com/muni-town/roomy-discord-bridge/internal/ids"
)

// Kind is the opaque discriminator string carried by every R event.
type Kind string

const (
	KindCreateRoom        Kind = "room.createRoom"
	KindDeleteRoom        Kind = "room.deleteRoom"
	KindUpdateParent      Kind = "room.updateParent"
	KindCreateRoomLink    Kind = "link.createRoomLink"
	KindUpdateSidebarV0   Kind = "space.updateSidebar.v0"
	KindUpdateSidebarV1   Kind = "space.updateSidebar.v1"
	KindCreateMessage     Kind = "message.createMessage"
	KindEditMessage       Kind = "message.editMessage"
	KindDeleteMessage     Kind = "message.deleteMessage"
	KindForwardMessages   Kind = "message.forwardMessages"
	KindAddBridgedReact   Kind = "reaction.addBridgedReaction"
	KindRemoveBridgedReac Kind = "reaction.removeBridgedReaction"
	KindAddReaction       Kind = "reaction.addReaction"
	KindRemoveReaction    Kind = "reaction.removeReaction"
	KindUpdateProfile     Kind = "user.updateProfile"
)

// Extension names, bit-exact per spec.md §6.
const (
	ExtDiscordOrigin        = "space.roomy.extension.discordOrigin.v0"
	ExtDiscordMessageOrigin = "space.roomy.extension.discordMessageOrigin.v0"
	ExtDiscordUserOrigin    = "space.roomy.extension.discordUserOrigin.v0"
	ExtDiscordReactionOrig  = "space.roomy.extension.discordReactionOrigin.v0"
	ExtDiscordSidebarOrigin = "space.roomy.extension.discordSidebarOrigin.v0"
	ExtDiscordRoomLinkOrig  = "space.roomy.extension.discordRoomLinkOrigin.v0"
	ExtAuthorOverride       = "space.roomy.extension.authorOverride.v0"
	ExtTimestampOverride    = "space.roomy.extension.timestampOverride.v0"
	ExtAttachments          = "space.roomy.extension.attachments.v0"
	ExtAttachmentImage      = "space.roomy.attachment.image.v0"
	ExtAttachmentVideo      = "space.roomy.attachment.video.v0"
	ExtAttachmentFile       = "space.roomy.attachment.file.v0"
	ExtAttachmentReply      = "space.roomy.attachment.reply.v0"
)

// OriginExtension is the shape shared by every "*Origin" extension: a
// marker that this event was produced by a bridge from an X-side event, so
// it must never be resynced back. Extensions always carry the guildId so a
// space shared by multiple bridges can tell its own emissions apart
// (spec.md §9 design note).
type OriginExtension struct {
	Snowflake string           `json:"snowflake,omitempty"`
	ChannelID string           `json:"channelId,omitempty"`
	GuildID   ids.XSnowflake   `json:"guildId"`
}

// Body is the opaque payload carried by message events.
type Body struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Event is a single Roomy event as the engine sees it: a discriminator, a
// body, and an extensions bag keyed by extension name. The stream client
// decodes the wire format into this shape; the engine never looks past the
// discriminator and named extensions.
type Event struct {
	ID         ids.RUlid
	RoomID     ids.RUlid
	Kind       Kind
	Body       Body
	Extensions map[string]any
	Author     ids.UserDid
	Timestamp  int64 // unix millis
}

// Extension decodes a named extension into dst (a pointer), returning false
// if the extension is absent. Callers use this instead of poking at the map
// directly so extension shapes stay centralized here.
func (e *Event) Extension(name string, dst any) bool {
	raw, ok := e.Extensions[name]
	if !ok {
		return false
	}
	return assign(raw, dst)
}

// HasOrigin reports whether the event carries the named origin extension
// with a guildId matching ours — the echo-suppression test spec.md §9
// insists on (compare guildId equality, not merely presence).
func (e *Event) HasOrigin(extName string, guildID ids.XSnowflake) bool {
	var origin OriginExtension
	if !e.Extension(extName, &origin) {
		return false
	}
	return origin.GuildID == guildID
}

func assign(raw any, dst any) bool {
	switch d := dst.(type) {
	case *OriginExtension:
		if o, ok := raw.(OriginExtension); ok {
			*d = o
			return true
		}
		if o, ok := raw.(*OriginExtension); ok {
			*d = *o
			return true
		}
	case *string:
		if s, ok := raw.(string); ok {
			*d = s
			return true
		}
	case *map[string]any:
		if m, ok := raw.(map[string]any); ok {
			*d = m
			return true
		}
	}
	return false
}

// Stream is the narrow subscription surface the engine needs from the
// out-of-scope R-platform stream client: resumable replay from a cursor and
// a done-backfilling signal.
type Stream interface {
	// Backfill delivers every event already appended to the space, starting
	// at fromCursor (empty means from the beginning), to handler, then
	// returns once it catches up to the live edge. The returned batchID is
	// the one the last delivered event carried; Bridge.backfillR does not
	// read it, and tags its toX sentinel with a batch id of its own.
	Backfill(ctx context.Context, spaceDid, fromCursor string, handler func(context.Context, Event) error) (lastBatchID string, err error)
	// Subscribe starts delivering events from the given cursor, live, until
	// ctx is canceled. Used once a Bridge reaches listening.
	Subscribe(ctx context.Context, spaceDid, fromCursor string, handler func(context.Context, Event) error) error
	// Send publishes an event produced by the bridge onto the space.
	Send(ctx context.Context, spaceDid string, ev Event) (ids.RUlid, error)
}
