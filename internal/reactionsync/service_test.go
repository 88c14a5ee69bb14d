package reactionsync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/kvstore"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

type fakeSink struct{ events []rplatform.Event }

func (s *fakeSink) PushToR(ev rplatform.Event) { s.events = append(s.events, ev) }

type fakeXClient struct {
	xplatform.Client
	addCalls    []string
	removeCalls []string
}

func (f *fakeXClient) AddReaction(ctx context.Context, channelID, messageID ids.XSnowflake, emoji string) error {
	f.addCalls = append(f.addCalls, channelID.String()+":"+messageID.String()+":"+emoji)
	return nil
}

func (f *fakeXClient) RemoveOwnReaction(ctx context.Context, channelID, messageID ids.XSnowflake, emoji string) error {
	f.removeCalls = append(f.removeCalls, channelID.String()+":"+messageID.String()+":"+emoji)
	return nil
}

const (
	guildID    = ids.XSnowflake(1)
	botUserID  = ids.XSnowflake(999)
	channelID  = ids.XSnowflake(10)
	xMessageID = ids.XSnowflake(20)
)

func newTestService(x xplatform.Client) (*Service, *fakeSink, *mapping.Repository) {
	sink := &fakeSink{}
	repo := mapping.New(kvstore.NewMemStore(), guildID, "did:plc:space", zerolog.Nop())
	return New(repo, sink, x, guildID, botUserID, zerolog.Nop()), sink, repo
}

func seedMessageMapping(t *testing.T, repo *mapping.Repository) ids.RUlid {
	t.Helper()
	rMsg := ids.NewRUlid(time.Now())
	require.NoError(t, repo.RegisterMapping(context.Background(), MessageXKey(channelID, xMessageID), rMsg))
	return rMsg
}

func TestSyncXReactionAdd_EmitsOncePerUser(t *testing.T) {
	svc, sink, repo := newTestService(&fakeXClient{})
	ctx := context.Background()
	seedMessageMapping(t, repo)

	add := xplatform.ReactionAdd{GuildIDField: guildID, ChannelID: channelID, MessageID: xMessageID, UserID: ids.XSnowflake(5), Emoji: "👍"}
	require.NoError(t, svc.SyncXReactionAdd(ctx, add))
	assert.Len(t, sink.events, 1)
	assert.Equal(t, rplatform.KindAddReaction, sink.events[0].Kind)

	require.NoError(t, svc.SyncXReactionAdd(ctx, add))
	assert.Len(t, sink.events, 1, "duplicate reaction add must not re-emit")
}

func TestSyncXReactionAdd_SkipsBotsOwnReaction(t *testing.T) {
	svc, sink, repo := newTestService(&fakeXClient{})
	ctx := context.Background()
	seedMessageMapping(t, repo)

	add := xplatform.ReactionAdd{ChannelID: channelID, MessageID: xMessageID, UserID: botUserID, Emoji: "👍"}
	require.NoError(t, svc.SyncXReactionAdd(ctx, add))
	assert.Empty(t, sink.events)
}

func TestSyncXReactionAdd_FailsWithoutMessageMapping(t *testing.T) {
	svc, _, _ := newTestService(&fakeXClient{})
	ctx := context.Background()

	add := xplatform.ReactionAdd{ChannelID: channelID, MessageID: xMessageID, UserID: ids.XSnowflake(5), Emoji: "👍"}
	err := svc.SyncXReactionAdd(ctx, add)
	require.Error(t, err)
	var missing *bridgeerr.MappingMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestSyncXReactionRemove_RoundTrip(t *testing.T) {
	svc, sink, repo := newTestService(&fakeXClient{})
	ctx := context.Background()
	seedMessageMapping(t, repo)

	add := xplatform.ReactionAdd{ChannelID: channelID, MessageID: xMessageID, UserID: ids.XSnowflake(5), Emoji: "👍"}
	require.NoError(t, svc.SyncXReactionAdd(ctx, add))

	rem := xplatform.ReactionRemove{ChannelID: channelID, MessageID: xMessageID, UserID: ids.XSnowflake(5), Emoji: "👍"}
	require.NoError(t, svc.SyncXReactionRemove(ctx, rem))
	require.Len(t, sink.events, 2)
	assert.Equal(t, rplatform.KindRemoveReaction, sink.events[1].Kind)

	// Removing again (never-synced state) is a silent no-op.
	require.NoError(t, svc.SyncXReactionRemove(ctx, rem))
	assert.Len(t, sink.events, 2)
}

func TestSyncToX_AggregatesMultipleRUsersIntoOneXReaction(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	ev1 := rplatform.Event{RoomID: rMsg, Kind: rplatform.KindAddReaction, Author: ids.UserDid("did:plc:alice"), Body: jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"})}
	handled, err := svc.SyncToX(ctx, ev1)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Len(t, x.addCalls, 1)

	ev2 := rplatform.Event{RoomID: rMsg, Kind: rplatform.KindAddReaction, Author: ids.UserDid("did:plc:bob"), Body: jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"})}
	_, err = svc.SyncToX(ctx, ev2)
	require.NoError(t, err)
	assert.Len(t, x.addCalls, 1, "a second R reactor must not trigger a second X reaction call")
}

func TestSyncToX_RemovesXReactionOnlyWhenSetEmpties(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	for _, who := range []ids.UserDid{"did:plc:alice", "did:plc:bob"} {
		_, err := svc.SyncToX(ctx, rplatform.Event{RoomID: rMsg, Kind: rplatform.KindAddReaction, Author: who, Body: jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"})})
		require.NoError(t, err)
	}

	_, err := svc.SyncToX(ctx, rplatform.Event{RoomID: rMsg, Kind: rplatform.KindRemoveReaction, Author: ids.UserDid("did:plc:alice"), Body: jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"})})
	require.NoError(t, err)
	assert.Empty(t, x.removeCalls, "one remaining reactor must keep the bot's X reaction in place")

	_, err = svc.SyncToX(ctx, rplatform.Event{RoomID: rMsg, Kind: rplatform.KindRemoveReaction, Author: ids.UserDid("did:plc:bob"), Body: jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"})})
	require.NoError(t, err)
	assert.Len(t, x.removeCalls, 1, "last reactor leaving must remove the bot's X reaction")
}

func TestSyncToX_SkipsEventsEchoedFromX(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	ev := rplatform.Event{
		RoomID: rMsg,
		Kind:   rplatform.KindAddReaction,
		Author: ids.UserDid("did:plc:alice"),
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"}),
		Extensions: map[string]any{
			rplatform.ExtDiscordReactionOrig: rplatform.OriginExtension{GuildID: guildID},
		},
	}
	handled, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, x.addCalls, "an event the bridge itself produced from X must not be mirrored back")
}

func TestSyncToX_BridgedKindsAreAlwaysNoops(t *testing.T) {
	svc, _, _ := newTestService(&fakeXClient{})
	handled, err := svc.SyncToX(context.Background(), rplatform.Event{Kind: rplatform.KindAddBridgedReact})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestSyncToX_SkipsReactionsAuthoredBySurrogateDid(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	ev := rplatform.Event{
		RoomID: rMsg,
		Kind:   rplatform.KindAddReaction,
		Author: ids.SurrogateDid(ids.XSnowflake(42)),
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"}),
	}
	handled, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, x.addCalls, "a reaction authored by our own did:x: surrogate must never round-trip back to X")
}

func TestSyncToX_RemoveSkipsReactionsAuthoredBySurrogateDid(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	ev := rplatform.Event{
		RoomID: rMsg,
		Kind:   rplatform.KindRemoveReaction,
		Author: ids.SurrogateDid(ids.XSnowflake(42)),
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: "🎉"}),
	}
	handled, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, x.removeCalls)
}

func TestSyncToX_RewritesCustomEmojiToCanonicalWireForm(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()
	rMsg := seedMessageMapping(t, repo)

	ev := rplatform.Event{
		RoomID: rMsg,
		Kind:   rplatform.KindAddReaction,
		Author: ids.UserDid("did:plc:alice"),
		Body:   jsonBody(reactionBody{MessageID: rMsg, Emoji: "<:partyparrot:12345>"}),
	}
	_, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)
	require.Len(t, x.addCalls, 1)
	assert.Equal(t, channelID.String()+":"+xMessageID.String()+":partyparrot:12345", x.addCalls[0])
}

func TestSyncXReactionAdd_RewritesAnimatedCustomEmojiToCanonicalWireForm(t *testing.T) {
	svc, sink, repo := newTestService(&fakeXClient{})
	ctx := context.Background()
	seedMessageMapping(t, repo)

	add := xplatform.ReactionAdd{ChannelID: channelID, MessageID: xMessageID, UserID: ids.XSnowflake(5), Emoji: "<a:wave:999>"}
	require.NoError(t, svc.SyncXReactionAdd(ctx, add))
	require.Len(t, sink.events, 1)
	var body reactionBody
	decodeBody(sink.events[0].Body, &body)
	assert.Equal(t, "wave:999", body.Emoji)
}

func TestMessageXKey_RoundTrip(t *testing.T) {
	key := MessageXKey(channelID, xMessageID)
	gotChannel, gotMessage, err := ParseMessageXKey(key)
	require.NoError(t, err)
	assert.Equal(t, channelID, gotChannel)
	assert.Equal(t, xMessageID, gotMessage)
}
