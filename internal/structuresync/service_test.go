package structuresync

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
	channels        []xplatform.ChannelCreate
	topicsByChannel map[ids.XSnowflake]string
	createCalls     int
	createdTopic    string
	createdParent   ids.XSnowflake
	nextChannelID   ids.XSnowflake
	nextThreadID    ids.XSnowflake

	setTopicCalls       int
	lastSetTopic        string
	lastSetTopicChannel ids.XSnowflake

	setNameCalls       int
	lastSetName        string
	lastSetNameChannel ids.XSnowflake
}

func (f *fakeXClient) CreateChannel(ctx context.Context, guildID ids.XSnowflake, name string, parent *ids.XSnowflake, topic string) (ids.XSnowflake, error) {
	f.createCalls++
	f.createdTopic = topic
	return f.nextChannelID, nil
}

func (f *fakeXClient) CreateThread(ctx context.Context, parentChannelID ids.XSnowflake, name string) (ids.XSnowflake, error) {
	f.createdParent = parentChannelID
	return f.nextThreadID, nil
}

func (f *fakeXClient) ListChannels(ctx context.Context, guildID ids.XSnowflake) ([]xplatform.ChannelCreate, error) {
	return f.channels, nil
}

func (f *fakeXClient) GetChannelTopic(ctx context.Context, channelID ids.XSnowflake) (string, error) {
	return f.topicsByChannel[channelID], nil
}

func (f *fakeXClient) SetChannelTopic(ctx context.Context, channelID ids.XSnowflake, topic string) error {
	f.setTopicCalls++
	f.lastSetTopic = topic
	f.lastSetTopicChannel = channelID
	return nil
}

func (f *fakeXClient) SetChannelName(ctx context.Context, channelID ids.XSnowflake, name string) error {
	f.setNameCalls++
	f.lastSetName = name
	f.lastSetNameChannel = channelID
	return nil
}

func newTestService(x xplatform.Client) (*Service, *fakeSink, *mapping.Repository) {
	sink := &fakeSink{}
	repo := mapping.New(kvstore.NewMemStore(), ids.XSnowflake(1), "did:plc:space", zerolog.Nop())
	return New(repo, sink, x, ids.XSnowflake(1), zerolog.Nop()), sink, repo
}

func TestOnXChannelCreate_AssignsNewRoomOnce(t *testing.T) {
	svc, sink, _ := newTestService(&fakeXClient{})
	ctx := context.Background()
	ch := xplatform.ChannelCreate{ID: ids.XSnowflake(100), Name: "general"}

	r1, err := svc.OnXChannelCreate(ctx, ch)
	require.NoError(t, err)
	assert.Len(t, sink.events, 1)
	assert.Equal(t, rplatform.KindCreateRoom, sink.events[0].Kind)

	r2, err := svc.OnXChannelCreate(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Len(t, sink.events, 1, "re-seeing the same channel must not create a second room")
}

func TestOnXChannelCreate_WritesTopicMarkerForRecovery(t *testing.T) {
	x := &fakeXClient{}
	svc, _, _ := newTestService(x)
	ctx := context.Background()
	ch := xplatform.ChannelCreate{ID: ids.XSnowflake(900), Name: "new-chan"}

	r, err := svc.OnXChannelCreate(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, x.setTopicCalls)
	assert.Equal(t, ids.XSnowflake(900), x.lastSetTopicChannel)
	assert.Contains(t, x.lastSetTopic, string(r))
}

func TestOnXChannelCreate_FallsBackToFetchedTopicForMarker(t *testing.T) {
	marker := ids.NewRUlid(time.Now())
	x := &fakeXClient{topicsByChannel: map[ids.XSnowflake]string{
		ids.XSnowflake(901): TopicMarker(marker),
	}}
	svc, sink, _ := newTestService(x)
	ctx := context.Background()

	r, err := svc.OnXChannelCreate(ctx, xplatform.ChannelCreate{ID: ids.XSnowflake(901), Name: "no-inline-topic"})
	require.NoError(t, err)
	assert.Equal(t, marker, r)
	assert.Empty(t, sink.events, "adopting a marker found via fallback fetch must not mint a new room event")
	assert.Equal(t, 0, x.setTopicCalls, "adopted mappings don't need a marker rewritten")
}

func TestOnXChannelCreate_AdoptsExistingTopicMarker(t *testing.T) {
	svc, sink, _ := newTestService(&fakeXClient{})
	ctx := context.Background()
	marker := ids.NewRUlid(time.Now())
	ch := xplatform.ChannelCreate{ID: ids.XSnowflake(200), Name: "archive", Topic: TopicMarker(marker)}

	r, err := svc.OnXChannelCreate(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, marker, r)
	assert.Empty(t, sink.events, "adopting a marker must not mint a new room event")
}

func TestOnXThreadCreate_FailsWithoutParentMapping(t *testing.T) {
	svc, _, _ := newTestService(&fakeXClient{})
	ctx := context.Background()

	_, err := svc.OnXThreadCreate(ctx, xplatform.ThreadCreate{ID: ids.XSnowflake(11), ParentID: ids.XSnowflake(999), Name: "thread"})
	require.Error(t, err)
	var missing *bridgeerr.MappingMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestOnXThreadCreate_EmitsRoomAndCreationLink(t *testing.T) {
	svc, sink, _ := newTestService(&fakeXClient{})
	ctx := context.Background()

	parentR, err := svc.OnXChannelCreate(ctx, xplatform.ChannelCreate{ID: ids.XSnowflake(1), Name: "parent"})
	require.NoError(t, err)

	childR, err := svc.OnXThreadCreate(ctx, xplatform.ThreadCreate{ID: ids.XSnowflake(2), ParentID: ids.XSnowflake(1), Name: "child thread"})
	require.NoError(t, err)
	assert.NotEqual(t, parentR, childR)

	require.Len(t, sink.events, 3, "channel create + thread room create + creation link")
	assert.Equal(t, rplatform.KindCreateRoomLink, sink.events[2].Kind)
}

func TestReconcileSidebar_NoopWhenUnchanged(t *testing.T) {
	svc, sink, _ := newTestService(&fakeXClient{})
	ctx := context.Background()

	roomR, err := svc.OnXChannelCreate(ctx, xplatform.ChannelCreate{ID: ids.XSnowflake(5), Name: "general"})
	require.NoError(t, err)
	sink.events = nil

	cats := map[string][]ids.XSnowflake{"Text Channels": {ids.XSnowflake(5)}}
	require.NoError(t, svc.ReconcileSidebar(ctx, cats, nil))
	require.Len(t, sink.events, 1)
	assert.Equal(t, rplatform.KindUpdateSidebarV1, sink.events[0].Kind)

	require.NoError(t, svc.ReconcileSidebar(ctx, cats, nil))
	assert.Len(t, sink.events, 1, "unchanged sidebar layout must not re-emit")

	_ = roomR
}

func TestReconcileSidebar_UncategorizedFallsUnderGeneral(t *testing.T) {
	svc, sink, _ := newTestService(&fakeXClient{})
	ctx := context.Background()

	_, err := svc.OnXChannelCreate(ctx, xplatform.ChannelCreate{ID: ids.XSnowflake(7), Name: "lobby"})
	require.NoError(t, err)
	sink.events = nil

	require.NoError(t, svc.ReconcileSidebar(ctx, nil, []ids.XSnowflake{ids.XSnowflake(7)}))
	require.Len(t, sink.events, 1)
}

func TestSyncToX_CreateRoomCachesWithoutEmitting(t *testing.T) {
	x := &fakeXClient{}
	svc, _, _ := newTestService(x)
	ctx := context.Background()

	ev := rplatform.Event{ID: ids.NewRUlid(time.Now()), Kind: rplatform.KindCreateRoom, Body: jsonBody(roomBody{Kind: "channel", Name: "new-room"})}
	handled, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 0, x.createCalls, "createRoom alone must not materialize an X channel yet")
}

func TestSyncToX_SidebarUpdateMaterializesCachedRoom(t *testing.T) {
	x := &fakeXClient{nextChannelID: ids.XSnowflake(42)}
	svc, _, repo := newTestService(x)
	ctx := context.Background()

	roomID := ids.NewRUlid(time.Now())
	_, err := svc.SyncToX(ctx, rplatform.Event{ID: roomID, Kind: rplatform.KindCreateRoom, Body: jsonBody(roomBody{Kind: "channel", Name: "from-r"})})
	require.NoError(t, err)

	handled, err := svc.SyncToX(ctx, rplatform.Event{
		Kind: rplatform.KindUpdateSidebarV1,
		Body: jsonBody(sidebarBody{Categories: []Category{{Name: "general", RoomIDs: []ids.RUlid{roomID}}}}),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, x.createCalls)
	assert.Contains(t, x.createdTopic, string(roomID))

	xKey, ok, err := repo.GetX(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "room:42", xKey)
}

func TestSyncToX_SkipsRoomsThatOriginatedFromX(t *testing.T) {
	x := &fakeXClient{nextChannelID: ids.XSnowflake(99)}
	svc, _, _ := newTestService(x)
	ctx := context.Background()

	roomID := ids.NewRUlid(time.Now())
	ev := rplatform.Event{
		ID:   roomID,
		Kind: rplatform.KindCreateRoom,
		Body: jsonBody(roomBody{Kind: "channel", Name: "mirrored"}),
		Extensions: map[string]any{
			rplatform.ExtDiscordOrigin: rplatform.OriginExtension{GuildID: ids.XSnowflake(1)},
		},
	}
	_, err := svc.SyncToX(ctx, ev)
	require.NoError(t, err)

	_, err = svc.SyncToX(ctx, rplatform.Event{
		Kind: rplatform.KindUpdateSidebarV1,
		Body: jsonBody(sidebarBody{Categories: []Category{{Name: "general", RoomIDs: []ids.RUlid{roomID}}}}),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, x.createCalls, "a room already echoed back from X must not be recreated")
}

func TestSyncToX_UnknownKindNotHandled(t *testing.T) {
	svc, _, _ := newTestService(&fakeXClient{})
	handled, err := svc.SyncToX(context.Background(), rplatform.Event{Kind: rplatform.KindCreateMessage})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSyncToX_UpdateParentRenamesMappedRoom(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()

	roomID := ids.NewRUlid(time.Now())
	require.NoError(t, repo.RegisterMapping(ctx, roomKey(ids.XSnowflake(77)), roomID))

	handled, err := svc.SyncToX(ctx, rplatform.Event{
		RoomID: roomID,
		Kind:   rplatform.KindUpdateParent,
		Body:   jsonBody(updateParentBody{Name: "renamed-room"}),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, x.setNameCalls)
	assert.Equal(t, ids.XSnowflake(77), x.lastSetNameChannel)
	assert.Equal(t, "renamed-room", x.lastSetName)
}

func TestSyncToX_UpdateParentCategoryIsNoop(t *testing.T) {
	x := &fakeXClient{}
	svc, _, _ := newTestService(x)
	ctx := context.Background()

	handled, err := svc.SyncToX(ctx, rplatform.Event{
		RoomID: ids.NewRUlid(time.Now()),
		Kind:   rplatform.KindUpdateParent,
		Body:   jsonBody(updateParentBody{Name: "Category Renamed"}),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 0, x.setNameCalls, "an id with no room mapping names a sidebar category, not an X channel")
}

func TestSyncToX_UpdateParentSkipsEventsEchoedFromX(t *testing.T) {
	x := &fakeXClient{}
	svc, _, repo := newTestService(x)
	ctx := context.Background()

	roomID := ids.NewRUlid(time.Now())
	require.NoError(t, repo.RegisterMapping(ctx, roomKey(ids.XSnowflake(78)), roomID))

	handled, err := svc.SyncToX(ctx, rplatform.Event{
		RoomID: roomID,
		Kind:   rplatform.KindUpdateParent,
		Body:   jsonBody(updateParentBody{Name: "renamed-room"}),
		Extensions: map[string]any{
			rplatform.ExtDiscordOrigin: rplatform.OriginExtension{GuildID: ids.XSnowflake(1)},
		},
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 0, x.setNameCalls, "a rename already echoed back from X must not be sent back to X")
}

func TestRecoverMappings_RegistersFromTopicMarkers(t *testing.T) {
	marker := ids.NewRUlid(time.Now())
	x := &fakeXClient{channels: []xplatform.ChannelCreate{
		{ID: ids.XSnowflake(500), Name: "recovered", Topic: TopicMarker(marker)},
		{ID: ids.XSnowflake(501), Name: "unrelated", Topic: "just a topic"},
	}}
	svc, _, repo := newTestService(x)
	ctx := context.Background()

	require.NoError(t, svc.RecoverMappings(ctx))

	r, ok, err := repo.GetR(ctx, roomKey(ids.XSnowflake(500)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, marker, r)

	_, ok, err = repo.GetR(ctx, roomKey(ids.XSnowflake(501)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseTopicMarker_RoundTrip(t *testing.T) {
	u := ids.NewRUlid(time.Now())
	topic := "Welcome! " + TopicMarker(u)
	parsed, ok := ParseTopicMarker(topic)
	require.True(t, ok)
	assert.Equal(t, u, parsed)

	_, ok = ParseTopicMarker("no marker here")
	assert.False(t, ok)
}
