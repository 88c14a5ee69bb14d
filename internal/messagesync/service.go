// Package messagesync implements MessageSyncService (spec §4.5): message
// creation, editing and deletion in both directions, webhook impersonation
// on the X side, and the echo/staleness guards that keep the two platforms
// from re-mirroring each other's own writes.
package messagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/messageconv"
	"github.com/muni-town/roomy-discord-bridge/internal/reactionsync"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

// EventSink is the outbound half of the dispatcher this service needs.
type EventSink interface {
	PushToR(rplatform.Event)
}

func roomKey(x ids.XSnowflake) string { return "room:" + x.String() }

// MessageXKey and ParseMessageXKey are the (channelId, messageId) mapping
// key convention, shared with reactionsync so both resolve the same X
// message from one R-side message id.
var (
	MessageXKey     = reactionsync.MessageXKey
	ParseMessageXKey = reactionsync.ParseMessageXKey
)

// systemMessageTypes are X notices that never get a mirrored R message.
// Thread-starter messages are handled separately (spec §4.5 step 5): they
// forward a reference to the original message instead of being skipped.
var systemMessageTypes = map[xplatform.MessageType]bool{
	xplatform.MessageThreadCreated:     true,
	xplatform.MessageChannelNameChange: true,
}

type messageBody struct {
	Content     string                        `json:"content"`
	Attachments []messageconv.AttachmentRecord `json:"attachments,omitempty"`
	ReplyTo     ids.RUlid                      `json:"replyTo,omitempty"`
}

type editBody struct {
	MessageID ids.RUlid `json:"messageId"`
	Content   string    `json:"content"`
}

type deleteBody struct {
	MessageID ids.RUlid `json:"messageId"`
}

// forwardedMessage is one entry of a forwardMessages batch: either a bare
// reference to an already-mirrored message (the X thread-starter case, no
// content of its own) or a content-bearing copy (the R-native "forward this
// message" case).
type forwardedMessage struct {
	ReferencedMessageID ids.RUlid `json:"referencedMessageId,omitempty"`
	Content             string    `json:"content,omitempty"`
}

type forwardBody struct {
	Messages []forwardedMessage `json:"messages"`
}

type contentFingerprint struct {
	Content     string                        `json:"content"`
	Attachments []messageconv.AttachmentRecord `json:"attachments,omitempty"`
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
		log:       log.With().Str("component", "messagesync").Logger(),
	}
}

// SetSink wires the dispatcher in after construction, breaking the
// constructor cycle between a service and the Dispatcher it feeds.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// ---- X -> R ----

// SyncXMessageCreate mirrors a new X message onto the mapped R room, unless
// it is a system notice, a duplicate seen during reconciliation, the
// bridge's own webhook-impersonated echo, or a message the bot itself
// authored in a channel that has a registered webhook (spec §4.5 step 3).
func (s *Service) SyncXMessageCreate(ctx context.Context, msg xplatform.MessageCreate) error {
	if systemMessageTypes[msg.Type] {
		return nil
	}
	if msg.Type == xplatform.MessageThreadStarterMsg {
		return s.syncThreadStarterForward(ctx, msg)
	}

	if msg.Author.ID == s.botUserID {
		if _, _, ok, err := s.mapping.GetWebhookToken(ctx, msg.ChannelID); err != nil {
			return err
		} else if ok {
			return &bridgeerr.EchoDetected{Reason: "message authored by the bridge bot in a webhook-bridged channel"}
		}
	}

	if msg.WebhookID != nil {
		if webhookID, _, ok, err := s.mapping.GetWebhookToken(ctx, msg.ChannelID); err != nil {
			return err
		} else if ok && webhookID == *msg.WebhookID {
			return &bridgeerr.EchoDetected{Reason: "message posted through our own impersonation webhook"}
		}
	}

	rRoom, ok, err := s.mapping.GetR(ctx, roomKey(msg.ChannelID))
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing(fmt.Sprintf("room for channel %s", msg.ChannelID))
	}

	content := messageconv.ToMarkdown(msg.Content, s.log)
	attachments := messageconv.BuildAttachments(msg.Attachments)
	contentHash := ids.Fingerprint(contentFingerprint{Content: content, Attachments: attachments})

	if _, ok, err := s.mapping.GetMessageHash(ctx, msg.ChannelID, "", contentHash); err != nil {
		return err
	} else if ok {
		return nil
	}

	var replyTo ids.RUlid
	if msg.ReplyToID != nil {
		if r, ok, err := s.mapping.GetR(ctx, MessageXKey(msg.ChannelID, *msg.ReplyToID)); err != nil {
			return err
		} else if ok {
			replyTo = r
		}
	}

	rMsgID := ids.NewRUlid(s.clock())
	ev := rplatform.Event{
		ID:     rMsgID,
		RoomID: rRoom,
		Kind:   rplatform.KindCreateMessage,
		Author: ids.SurrogateDid(msg.Author.ID),
		Body:   jsonBody(messageBody{Content: content, Attachments: attachments, ReplyTo: replyTo}),
		Extensions: map[string]any{
			rplatform.ExtDiscordMessageOrigin: rplatform.OriginExtension{
				Snowflake: msg.ID.String(),
				ChannelID: msg.ChannelID.String(),
				GuildID:   s.guildID,
			},
		},
		Timestamp: msg.Timestamp,
	}
	if len(attachments) > 0 {
		ev.Extensions[rplatform.ExtAttachments] = attachments
	}
	s.sink.PushToR(ev)

	if err := s.mapping.RegisterMapping(ctx, MessageXKey(msg.ChannelID, msg.ID), rMsgID); err != nil {
		return err
	}
	if err := s.mapping.SetMessageHash(ctx, msg.ChannelID, "", contentHash, msg.ID.String()); err != nil {
		return err
	}
	return s.mapping.SetEditInfo(ctx, msg.ID.String(), mapping.EditInfo{EditedTimestamp: msg.Timestamp, ContentHash: contentHash})
}

// syncThreadStarterForward mirrors X's synthetic thread-starter message (the
// copy Discord-like platforms insert at the top of a thread, pointing back
// at the channel message the thread was created from) as a forwardMessages
// event referencing that original, resolving and syncing it first if this
// bridge hasn't mirrored it yet (spec §4.5 step 5).
func (s *Service) syncThreadStarterForward(ctx context.Context, msg xplatform.MessageCreate) error {
	if msg.ReferencedMsgID == nil {
		return nil
	}

	rRoom, ok, err := s.mapping.GetR(ctx, roomKey(msg.ChannelID))
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing(fmt.Sprintf("room for channel %s", msg.ChannelID))
	}

	refKey := MessageXKey(msg.ChannelID, *msg.ReferencedMsgID)
	refR, ok, err := s.mapping.GetR(ctx, refKey)
	if err != nil {
		return err
	}
	if !ok {
		orig, err := s.x.GetMessage(ctx, msg.ChannelID, *msg.ReferencedMsgID)
		if err != nil {
			return err
		}
		if orig != nil {
			if err := s.SyncXMessageCreate(ctx, *orig); err != nil {
				return err
			}
			if refR, ok, err = s.mapping.GetR(ctx, refKey); err != nil {
				return err
			}
			_ = ok
		}
	}

	rMsgID := ids.NewRUlid(s.clock())
	s.sink.PushToR(rplatform.Event{
		ID:     rMsgID,
		RoomID: rRoom,
		Kind:   rplatform.KindForwardMessages,
		Author: ids.SurrogateDid(msg.Author.ID),
		Body:   jsonBody(forwardBody{Messages: []forwardedMessage{{ReferencedMessageID: refR}}}),
		Extensions: map[string]any{
			rplatform.ExtDiscordMessageOrigin: rplatform.OriginExtension{
				Snowflake: msg.ID.String(),
				ChannelID: msg.ChannelID.String(),
				GuildID:   s.guildID,
			},
		},
		Timestamp: msg.Timestamp,
	})
	return s.mapping.RegisterMapping(ctx, MessageXKey(msg.ChannelID, msg.ID), rMsgID)
}

// SyncXMessageEdit mirrors an edit, rejecting stale edits (an editedTimestamp
// no newer than what's stored) per the edit-monotonicity invariant
// (spec §4.5, §8).
func (s *Service) SyncXMessageEdit(ctx context.Context, upd xplatform.MessageUpdate) error {
	rMsg, ok, err := s.mapping.GetR(ctx, MessageXKey(upd.ChannelID, upd.ID))
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing(fmt.Sprintf("message %s for edit", upd.ID))
	}

	content := messageconv.ToMarkdown(upd.Content, s.log)
	attachments := messageconv.BuildAttachments(upd.Attachments)
	newHash := ids.Fingerprint(contentFingerprint{Content: content, Attachments: attachments})

	info, hasInfo, err := s.mapping.GetEditInfo(ctx, upd.ID.String())
	if err != nil {
		return err
	}
	if hasInfo {
		if upd.EditedTimestamp != nil && *upd.EditedTimestamp <= info.EditedTimestamp {
			return &bridgeerr.StaleEditError{MessageID: upd.ID.String()}
		}
		if info.ContentHash == newHash {
			return nil
		}
	}

	s.sink.PushToR(rplatform.Event{
		ID:     ids.NewRUlid(s.clock()),
		RoomID: rMsg,
		Kind:   rplatform.KindEditMessage,
		Body:   jsonBody(editBody{MessageID: rMsg, Content: content}),
		Extensions: map[string]any{
			rplatform.ExtDiscordMessageOrigin: rplatform.OriginExtension{
				Snowflake: upd.ID.String(),
				ChannelID: upd.ChannelID.String(),
				GuildID:   s.guildID,
			},
		},
	})

	var editedAt int64
	if hasInfo {
		editedAt = info.EditedTimestamp
	}
	if upd.EditedTimestamp != nil {
		editedAt = *upd.EditedTimestamp
	}
	return s.mapping.SetEditInfo(ctx, upd.ID.String(), mapping.EditInfo{EditedTimestamp: editedAt, ContentHash: newHash})
}

// SyncXMessageDelete mirrors a delete. A message never synced (e.g. it
// predates the bridge, or was a filtered system notice) is a silent no-op.
func (s *Service) SyncXMessageDelete(ctx context.Context, del xplatform.MessageDelete) error {
	key := MessageXKey(del.ChannelID, del.ID)
	rMsg, ok, err := s.mapping.GetR(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.sink.PushToR(rplatform.Event{
		ID:   ids.NewRUlid(s.clock()),
		Kind: rplatform.KindDeleteMessage,
		Body: jsonBody(deleteBody{MessageID: rMsg}),
		Extensions: map[string]any{
			rplatform.ExtDiscordMessageOrigin: rplatform.OriginExtension{
				Snowflake: del.ID.String(),
				ChannelID: del.ChannelID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	return s.mapping.UnregisterMapping(ctx, key, rMsg)
}

// ---- R -> X ----

// SyncToX implements dispatcher.ServiceHandler, owning every message event
// kind (spec §4.5 R→X rules).
func (s *Service) SyncToX(ctx context.Context, ev rplatform.Event) (bool, error) {
	switch ev.Kind {
	case rplatform.KindCreateMessage:
		return true, s.onRCreateMessage(ctx, ev)
	case rplatform.KindEditMessage:
		return true, s.onREditMessage(ctx, ev)
	case rplatform.KindDeleteMessage:
		return true, s.onRDeleteMessage(ctx, ev)
	case rplatform.KindForwardMessages:
		return true, s.onRForwardMessages(ctx, ev)
	default:
		return false, nil
	}
}

func (s *Service) onRCreateMessage(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordMessageOrigin, s.guildID) {
		return nil
	}
	var body messageBody
	decodeBody(ev.Body, &body)

	xKey, ok, err := s.mapping.GetX(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("x channel for room " + string(ev.RoomID))
	}
	channelID, err := parseRoomKey(xKey)
	if err != nil {
		return bridgeerr.Storage("messagesync.parseRoomKey", err)
	}

	webhookID, token, err := s.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}

	username, avatarURL := s.authorDisplay(ctx, ev.Author)
	nonce := ids.Nonce(ev.ID)

	xMsgID, err := s.x.ExecuteWebhook(ctx, webhookID, token, username, avatarURL, body.Content, nonce)
	if err != nil {
		return err
	}

	if err := s.mapping.RegisterMapping(ctx, MessageXKey(channelID, xMsgID), ev.ID); err != nil {
		return err
	}
	contentHash := ids.Fingerprint(contentFingerprint{Content: body.Content, Attachments: body.Attachments})
	if err := s.mapping.SetMessageHash(ctx, channelID, nonce, contentHash, xMsgID.String()); err != nil {
		return err
	}
	return s.mapping.SetEditInfo(ctx, xMsgID.String(), mapping.EditInfo{EditedTimestamp: ev.Timestamp, ContentHash: contentHash})
}

func (s *Service) onREditMessage(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordMessageOrigin, s.guildID) {
		return nil
	}
	var body editBody
	decodeBody(ev.Body, &body)
	if body.MessageID == "" {
		return nil
	}

	xKey, ok, err := s.mapping.GetX(ctx, body.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("x message for edit of " + string(body.MessageID))
	}
	channelID, messageID, err := ParseMessageXKey(xKey)
	if err != nil {
		return bridgeerr.Storage("messagesync.parseMessageKey", err)
	}

	webhookID, token, ok, err := s.mapping.GetWebhookToken(ctx, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("webhook for channel " + channelID.String())
	}

	if err := s.x.EditWebhookMessage(ctx, webhookID, token, messageID, body.Content); err != nil {
		return err
	}
	return s.mapping.SetEditInfo(ctx, messageID.String(), mapping.EditInfo{EditedTimestamp: ev.Timestamp, ContentHash: ids.Fingerprint(contentFingerprint{Content: body.Content})})
}

func (s *Service) onRDeleteMessage(ctx context.Context, ev rplatform.Event) error {
	var body deleteBody
	decodeBody(ev.Body, &body)
	if body.MessageID == "" {
		return nil
	}

	xKey, ok, err := s.mapping.GetX(ctx, body.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	channelID, messageID, err := ParseMessageXKey(xKey)
	if err != nil {
		return bridgeerr.Storage("messagesync.parseMessageKey", err)
	}

	webhookID, token, ok, err := s.mapping.GetWebhookToken(ctx, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("webhook for channel " + channelID.String())
	}
	if err := s.x.DeleteWebhookMessage(ctx, webhookID, token, messageID); err != nil {
		return err
	}
	return s.mapping.UnregisterMapping(ctx, xKey, body.MessageID)
}

// onRForwardMessages posts a forwarded batch of messages into the mapped X
// channel via the impersonation webhook, prefixing each with a quote line
// when it references an already-mirrored message (spec §4.5 step 5, R→X
// direction). A single-message batch gets a real id mapping registered so a
// later edit/delete of that forwarded copy can resolve it; a multi-message
// batch has no single R id to bind the mapping bijection to, so all of its
// messages are posted and none gets a mapping.
func (s *Service) onRForwardMessages(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordMessageOrigin, s.guildID) {
		return nil
	}
	var body forwardBody
	decodeBody(ev.Body, &body)
	if len(body.Messages) == 0 {
		return nil
	}

	xKey, ok, err := s.mapping.GetX(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("x channel for room " + string(ev.RoomID))
	}
	channelID, err := parseRoomKey(xKey)
	if err != nil {
		return bridgeerr.Storage("messagesync.parseRoomKey", err)
	}

	webhookID, token, err := s.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}
	username, avatarURL := s.authorDisplay(ctx, ev.Author)

	var lastXMsgID ids.XSnowflake
	for i, fm := range body.Messages {
		content := fm.Content
		if fm.ReferencedMessageID != "" {
			if refKey, ok, err := s.mapping.GetX(ctx, fm.ReferencedMessageID); err == nil && ok {
				if _, refMsgID, err := ParseMessageXKey(refKey); err == nil {
					content = fmt.Sprintf("> forwarded message %s\n%s", refMsgID, content)
				}
			}
		}
		nonce := fmt.Sprintf("%s-%d", ids.Nonce(ev.ID), i)
		xMsgID, err := s.x.ExecuteWebhook(ctx, webhookID, token, username, avatarURL, content, nonce)
		if err != nil {
			return err
		}
		lastXMsgID = xMsgID
	}

	if len(body.Messages) == 1 {
		return s.mapping.RegisterMapping(ctx, MessageXKey(channelID, lastXMsgID), ev.ID)
	}
	return nil
}

func (s *Service) ensureWebhook(ctx context.Context, channelID ids.XSnowflake) (webhookID, token string, err error) {
	if webhookID, token, ok, err := s.mapping.GetWebhookToken(ctx, channelID); err != nil {
		return "", "", err
	} else if ok {
		return webhookID, token, nil
	}
	webhookID, token, err = s.x.EnsureWebhook(ctx, channelID)
	if err != nil {
		return "", "", err
	}
	if err := s.mapping.SetWebhookToken(ctx, channelID, webhookID, token); err != nil {
		return "", "", err
	}
	return webhookID, token, nil
}

func (s *Service) authorDisplay(ctx context.Context, did ids.UserDid) (username, avatarURL string) {
	profile, ok, err := s.mapping.GetRoomyUserProfile(ctx, did)
	if err != nil || !ok {
		return string(did), ""
	}
	name := profile.Name
	if name == "" {
		name = profile.Handle
	}
	return name, profile.Avatar
}

func parseRoomKey(key string) (ids.XSnowflake, error) {
	const prefix = "room:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return ids.ParseSnowflake(key[len(prefix):])
	}
	return ids.ParseSnowflake(key)
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
