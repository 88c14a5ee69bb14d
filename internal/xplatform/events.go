// Package xplatform declares the shape of the gateway/REST collaborator the
// engine consumes and drives. The real connection, rate limiting, and cache
// proxies are the out-of-scope "X-platform client library" (spec.md §1);
// this package only carries the event/channel/message vocabulary the sync
// services are written against, plus a minimal gateway/REST stand-in good
// enough to exercise that vocabulary end to end.
package xplatform

import (
	"context"

	"github.com/muni-town/roomy-discord-bridge/internal/ids"
)

// ChannelType mirrors the handful of Discord-style channel kinds this
// bridge cares about. Voice/media-heavy types are a non-goal (spec §1).
type ChannelType string

const (
	ChannelText     ChannelType = "text"
	ChannelCategory ChannelType = "category"
	ChannelThread   ChannelType = "thread"
)

// MessageType distinguishes ordinary messages from system notices the
// message sync service must not mirror (spec §4.5 step 3).
type MessageType string

const (
	MessageDefault            MessageType = "default"
	MessageThreadCreated      MessageType = "thread_created"
	MessageChannelNameChange  MessageType = "channel_name_change"
	MessageThreadStarterMsg   MessageType = "thread_starter_message"
)

type Attachment struct {
	ID       string
	Filename string
	MimeType string
	URL      string
}

// GatewayEvent is the sealed union of inbound X-gateway events the
// Orchestrator routes to Bridges by guildId.
type GatewayEvent interface {
	GuildID() ids.XSnowflake
}

type ChannelCreate struct {
	GuildIDField ids.XSnowflake
	ID           ids.XSnowflake
	ParentID     *ids.XSnowflake
	Name         string
	Type         ChannelType
	Topic        string
}

func (e ChannelCreate) GuildID() ids.XSnowflake { return e.GuildIDField }

type ThreadCreate struct {
	GuildIDField ids.XSnowflake
	ID           ids.XSnowflake
	ParentID     ids.XSnowflake
	Name         string
}

func (e ThreadCreate) GuildID() ids.XSnowflake { return e.GuildIDField }

type MessageCreate struct {
	GuildIDField    ids.XSnowflake
	ID              ids.XSnowflake
	ChannelID       ids.XSnowflake
	Content         string
	Type            MessageType
	Author          Author
	Attachments     []Attachment
	ReplyToID       *ids.XSnowflake
	ReferencedMsgID *ids.XSnowflake // the original message a thread-starter references
	WebhookID       *string
	Timestamp       int64
}

func (e MessageCreate) GuildID() ids.XSnowflake { return e.GuildIDField }

type Author struct {
	ID       ids.XSnowflake
	Username string
	Bot      bool
}

type MessageUpdate struct {
	GuildIDField    ids.XSnowflake
	ID              ids.XSnowflake
	ChannelID       ids.XSnowflake
	Content         string
	Attachments     []Attachment
	EditedTimestamp *int64
}

func (e MessageUpdate) GuildID() ids.XSnowflake { return e.GuildIDField }

type MessageDelete struct {
	GuildIDField ids.XSnowflake
	ID           ids.XSnowflake
	ChannelID    ids.XSnowflake
}

func (e MessageDelete) GuildID() ids.XSnowflake { return e.GuildIDField }

type ReactionAdd struct {
	GuildIDField ids.XSnowflake
	MessageID    ids.XSnowflake
	ChannelID    ids.XSnowflake
	UserID       ids.XSnowflake
	Emoji        string
}

func (e ReactionAdd) GuildID() ids.XSnowflake { return e.GuildIDField }

type ReactionRemove struct {
	GuildIDField ids.XSnowflake
	MessageID    ids.XSnowflake
	ChannelID    ids.XSnowflake
	UserID       ids.XSnowflake
	Emoji        string
}

func (e ReactionRemove) GuildID() ids.XSnowflake { return e.GuildIDField }

// Client is the narrow REST surface the sync services call. Concurrency,
// retry, and rate limiting live inside the real implementation; this
// engine only calls these methods and reacts to the typed errors in
// internal/bridgeerr.
type Client interface {
	CreateChannel(ctx context.Context, guildID ids.XSnowflake, name string, parent *ids.XSnowflake, topic string) (ids.XSnowflake, error)
	CreateThread(ctx context.Context, parentChannelID ids.XSnowflake, name string) (ids.XSnowflake, error)
	SetChannelTopic(ctx context.Context, channelID ids.XSnowflake, topic string) error
	SetChannelName(ctx context.Context, channelID ids.XSnowflake, name string) error
	GetChannelTopic(ctx context.Context, channelID ids.XSnowflake) (string, error)

	ListChannels(ctx context.Context, guildID ids.XSnowflake) ([]ChannelCreate, error)
	ListMessages(ctx context.Context, channelID ids.XSnowflake, oldestFirst bool) ([]MessageCreate, error)
	ListReactions(ctx context.Context, channelID, messageID ids.XSnowflake) ([]ReactionAdd, error)
	GetMessage(ctx context.Context, channelID, messageID ids.XSnowflake) (*MessageCreate, error)

	EnsureWebhook(ctx context.Context, channelID ids.XSnowflake) (webhookID, token string, err error)
	ExecuteWebhook(ctx context.Context, webhookID, token string, username, avatarURL, content, nonce string) (ids.XSnowflake, error)
	EditWebhookMessage(ctx context.Context, webhookID, token string, messageID ids.XSnowflake, content string) error
	DeleteWebhookMessage(ctx context.Context, webhookID, token string, messageID ids.XSnowflake) error

	AddReaction(ctx context.Context, channelID, messageID ids.XSnowflake, emoji string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID ids.XSnowflake, emoji string) error
}
