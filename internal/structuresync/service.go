// Package structuresync implements StructureSyncService (spec §4.4): room
// and thread topology, the topic-marker recovery mechanism, and sidebar
// reconciliation between X categories and R-native room layout.
package structuresync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

const generalCategoryName = "general"

var topicMarkerRe = regexp.MustCompile(`\[Synced from R: ([0-9A-Za-z]{26})\]`)

// TopicMarker returns the marker text embedded in an X channel topic to
// record the R room it was created from (spec §6).
func TopicMarker(u ids.RUlid) string {
	return fmt.Sprintf("[Synced from R: %s]", u)
}

// ParseTopicMarker extracts a ULID from anywhere inside arbitrary topic
// prose, if present.
func ParseTopicMarker(topic string) (ids.RUlid, bool) {
	m := topicMarkerRe.FindStringSubmatch(topic)
	if m == nil {
		return "", false
	}
	return ids.RUlid(m[1]), true
}

func roomKey(x ids.XSnowflake) string { return "room:" + x.String() }

// EventSink is the outbound half of the dispatcher this service needs.
type EventSink interface {
	PushToR(rplatform.Event)
}

// cachedRoom is what the service remembers about an R createRoom event
// before it decides whether/when to materialize it on X (spec §4.4
// "cache the room name ... do not sync yet").
type cachedRoom struct {
	name           string
	hasDiscordOrig bool
}

// Category models one sidebar category as the reconciliation loop sees it.
type Category struct {
	Name    string      `json:"name"`
	RoomIDs []ids.RUlid `json:"rooms"`
}

type Service struct {
	mapping *mapping.Repository
	sink    EventSink
	x       xplatform.Client
	guildID ids.XSnowflake
	clock   func() time.Time
	log     zerolog.Logger

	cachedRooms   map[ids.RUlid]cachedRoom
	cachedSidebar []Category
}

func New(m *mapping.Repository, sink EventSink, x xplatform.Client, guildID ids.XSnowflake, log zerolog.Logger) *Service {
	return &Service{
		mapping:     m,
		sink:        sink,
		x:           x,
		guildID:     guildID,
		clock:       time.Now,
		log:         log.With().Str("component", "structuresync").Logger(),
		cachedRooms: make(map[ids.RUlid]cachedRoom),
	}
}

// SetSink wires the dispatcher in after construction, breaking the
// constructor cycle between a service and the Dispatcher it feeds.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// ---- X -> R ----

// OnXChannelCreate handles a new X channel, idempotently mapping it to an R
// room (spec §4.4).
func (s *Service) OnXChannelCreate(ctx context.Context, ch xplatform.ChannelCreate) (ids.RUlid, error) {
	key := roomKey(ch.ID)

	if existing, ok, err := s.mapping.GetR(ctx, key); err != nil {
		return "", err
	} else if ok {
		return existing, nil
	}

	topic := ch.Topic
	if topic == "" {
		// The gateway's channel-create payload doesn't always carry the
		// topic; fall back to a direct fetch so marker recovery still works
		// (spec §4.4 step 3).
		if fetched, err := s.x.GetChannelTopic(ctx, ch.ID); err != nil {
			s.log.Warn().Err(err).Str("channel_id", ch.ID.String()).Msg("failed to fetch channel topic for marker lookup")
		} else {
			topic = fetched
		}
	}

	if adopted, ok := ParseTopicMarker(topic); ok {
		if err := s.mapping.RegisterMapping(ctx, key, adopted); err != nil {
			return "", err
		}
		return adopted, nil
	}

	newID := ids.NewRUlid(s.clock())
	s.sink.PushToR(rplatform.Event{
		ID:   newID,
		Kind: rplatform.KindCreateRoom,
		Body: jsonBody(roomBody{Kind: "channel", Name: ch.Name}),
		Extensions: map[string]any{
			rplatform.ExtDiscordOrigin: rplatform.OriginExtension{
				Snowflake: ch.ID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	if err := s.mapping.RegisterMapping(ctx, key, newID); err != nil {
		return "", err
	}
	// Write the marker back onto the X channel so a repository loss can
	// still recover this mapping via RecoverMappings (spec §4.4).
	if err := s.x.SetChannelTopic(ctx, ch.ID, TopicMarker(newID)); err != nil {
		s.log.Warn().Err(err).Str("channel_id", ch.ID.String()).Msg("failed to write sync marker to channel topic")
	}
	return newID, nil
}

// OnXThreadCreate mirrors a thread and its creation link, failing with
// MappingMissingError if the parent channel has no R room yet.
func (s *Service) OnXThreadCreate(ctx context.Context, th xplatform.ThreadCreate) (ids.RUlid, error) {
	parentR, ok, err := s.mapping.GetR(ctx, roomKey(th.ParentID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", bridgeerr.MappingMissing(fmt.Sprintf("parent room for thread %s (parent %s)", th.ID, th.ParentID))
	}

	threadR := ids.NewRUlid(s.clock())
	s.sink.PushToR(rplatform.Event{
		ID:   threadR,
		Kind: rplatform.KindCreateRoom,
		Body: jsonBody(roomBody{Kind: "thread", Name: th.Name}),
		Extensions: map[string]any{
			rplatform.ExtDiscordOrigin: rplatform.OriginExtension{
				Snowflake: th.ID.String(),
				GuildID:   s.guildID,
			},
		},
	})
	if err := s.mapping.RegisterMapping(ctx, roomKey(th.ID), threadR); err != nil {
		return "", err
	}

	linkID := ids.NewRUlid(s.clock())
	s.sink.PushToR(rplatform.Event{
		ID:   linkID,
		Kind: rplatform.KindCreateRoomLink,
		Body: jsonBody(roomLinkBody{IsCreationLink: true, Parent: parentR, Child: threadR}),
		Extensions: map[string]any{
			rplatform.ExtDiscordRoomLinkOrig: rplatform.OriginExtension{GuildID: s.guildID},
		},
	})
	if err := s.mapping.SetRoomLink(ctx, parentR, threadR, linkID); err != nil {
		return "", err
	}
	return threadR, nil
}

// ---- Sidebar reconciliation ----

// ReconcileSidebar builds the sidebar proposal described in spec §4.4 from
// the X category layout and the cached R-native categories, emitting
// space.updateSidebar.v1 only when the computed fingerprint differs from
// the stored one (the "sidebar stability" invariant, spec §8).
func (s *Service) ReconcileSidebar(ctx context.Context, xCategories map[string][]ids.XSnowflake, uncategorized []ids.XSnowflake) error {
	proposal := make(map[string][]ids.RUlid)
	order := make([]string, 0, len(s.cachedSidebar))

	for _, cat := range s.cachedSidebar {
		proposal[cat.Name] = append([]ids.RUlid{}, cat.RoomIDs...)
		order = append(order, cat.Name)
	}

	for catName, channelIDs := range xCategories {
		var roomIDs []ids.RUlid
		for _, ch := range channelIDs {
			if r, ok, err := s.mapping.GetR(ctx, roomKey(ch)); err != nil {
				return err
			} else if ok {
				roomIDs = append(roomIDs, r)
			}
		}
		if _, exists := proposal[catName]; exists {
			proposal[catName] = union(proposal[catName], roomIDs)
		} else {
			proposal[catName] = roomIDs
			order = append(order, catName)
		}
	}

	if len(uncategorized) > 0 {
		var roomIDs []ids.RUlid
		for _, ch := range uncategorized {
			if r, ok, err := s.mapping.GetR(ctx, roomKey(ch)); err != nil {
				return err
			} else if ok {
				roomIDs = append(roomIDs, r)
			}
		}
		if _, exists := proposal[generalCategoryName]; exists {
			proposal[generalCategoryName] = union(proposal[generalCategoryName], roomIDs)
		} else {
			proposal[generalCategoryName] = roomIDs
			order = append(order, generalCategoryName)
		}
	}

	ordered := make([]Category, 0, len(order))
	for _, name := range order {
		ordered = append(ordered, Category{Name: name, RoomIDs: proposal[name]})
	}

	newHash := ids.Fingerprint(ordered)
	storedHash, _, err := s.mapping.GetSidebarHash(ctx)
	if err != nil {
		return err
	}
	if storedHash == newHash {
		return nil
	}

	s.sink.PushToR(rplatform.Event{
		ID:   ids.NewRUlid(s.clock()),
		Kind: rplatform.KindUpdateSidebarV1,
		Body: jsonBody(sidebarBody{Categories: ordered}),
		Extensions: map[string]any{
			rplatform.ExtDiscordSidebarOrigin: rplatform.OriginExtension{GuildID: s.guildID},
		},
	})
	s.cachedSidebar = ordered
	return s.mapping.SetSidebarHash(ctx, newHash)
}

func union(a, b []ids.RUlid) []ids.RUlid {
	seen := make(map[ids.RUlid]bool, len(a)+len(b))
	out := make([]ids.RUlid, 0, len(a)+len(b))
	for _, v := range append(append([]ids.RUlid{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// roomBody, roomLinkBody and sidebarBody are this engine's wire shape for
// the event bodies it produces; the R-stream client ships them as opaque
// bytes (spec.md §3 Body), so only this package needs to agree with itself
// on the JSON shape.
type roomBody struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type roomLinkBody struct {
	IsCreationLink bool      `json:"isCreationLink"`
	Parent         ids.RUlid `json:"parent"`
	Child          ids.RUlid `json:"child"`
}

type sidebarBody struct {
	Categories []Category `json:"categories"`
}

type updateParentBody struct {
	Name     string    `json:"name"`
	ParentID ids.RUlid `json:"parentId"`
}

func jsonBody(v any) rplatform.Body {
	raw, err := json.Marshal(v)
	if err != nil {
		return rplatform.Body{MimeType: "application/json"}
	}
	return rplatform.Body{MimeType: "application/json", Data: raw}
}

// ---- R -> X ----

// SyncToX implements dispatcher.ServiceHandler, owning every room/link/
// sidebar event kind (spec §4.4 R→X rules, §5 ordering).
func (s *Service) SyncToX(ctx context.Context, ev rplatform.Event) (bool, error) {
	switch ev.Kind {
	case rplatform.KindCreateRoom:
		return true, s.onRCreateRoom(ctx, ev)
	case rplatform.KindUpdateSidebarV0, rplatform.KindUpdateSidebarV1:
		return true, s.onRUpdateSidebar(ctx, ev)
	case rplatform.KindCreateRoomLink:
		return true, s.onRCreateRoomLink(ctx, ev)
	case rplatform.KindDeleteRoom:
		return true, s.onRDeleteRoom(ctx, ev)
	case rplatform.KindUpdateParent:
		return true, s.onRUpdateParent(ctx, ev)
	default:
		return false, nil
	}
}

func (s *Service) onRCreateRoom(ctx context.Context, ev rplatform.Event) error {
	hasOrigin := ev.HasOrigin(rplatform.ExtDiscordOrigin, s.guildID)
	name := roomNameFromBody(ev.Body)
	s.cachedRooms[ev.ID] = cachedRoom{name: name, hasDiscordOrig: hasOrigin}
	// Do not sync yet: materialization happens when the room is referenced
	// from a sidebar update or a creation link (spec §4.4).
	return nil
}

func (s *Service) onRUpdateSidebar(ctx context.Context, ev rplatform.Event) error {
	var sidebar sidebarBody
	decodeBody(ev.Body, &sidebar)
	if len(sidebar.Categories) > 0 {
		s.cachedSidebar = sidebar.Categories
	}
	referenced := make(map[ids.RUlid]bool)
	for _, cat := range sidebar.Categories {
		for _, id := range cat.RoomIDs {
			referenced[id] = true
		}
	}
	for roomID, cached := range s.cachedRooms {
		if !referenced[roomID] || cached.hasDiscordOrig {
			continue
		}
		if _, ok, err := s.mapping.GetX(ctx, roomID); err != nil {
			return err
		} else if ok {
			continue
		}
		topic := TopicMarker(roomID)
		xID, err := s.x.CreateChannel(ctx, s.guildID, cached.name, nil, topic)
		if err != nil {
			return err
		}
		if err := s.mapping.RegisterMapping(ctx, roomKey(xID), roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) onRCreateRoomLink(ctx context.Context, ev rplatform.Event) error {
	var link roomLinkBody
	decodeBody(ev.Body, &link)
	if !link.IsCreationLink || link.Parent == "" || link.Child == "" {
		return nil
	}

	parentX, ok, err := s.mapping.GetX(ctx, link.Parent)
	if err != nil {
		return err
	}
	if !ok {
		return bridgeerr.MappingMissing("parent room for r->x thread link " + string(link.Parent))
	}
	parentSnowflake, err := parseXFromRoomKey(parentX)
	if err != nil {
		return err
	}

	cached := s.cachedRooms[link.Child]
	childID, err := s.x.CreateThread(ctx, parentSnowflake, cached.name)
	if err != nil {
		return err
	}
	return s.mapping.RegisterMapping(ctx, roomKey(childID), link.Child)
}

func (s *Service) onRDeleteRoom(ctx context.Context, ev rplatform.Event) error {
	xKey, ok, err := s.mapping.GetX(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	// X-side deletion is a non-goal placeholder (spec §4.4): we drop the
	// mapping and leave the X channel untouched.
	return s.mapping.UnregisterMapping(ctx, xKey, ev.RoomID)
}

// onRUpdateParent implements spec §4.4's R→X updateParent rule: a rename of
// a room that's mapped to an X channel propagates by editing the channel
// name; updateParent events against an R id with no X mapping describe a
// sidebar category (X has no server-side concept of one), and stay a logged
// no-op.
func (s *Service) onRUpdateParent(ctx context.Context, ev rplatform.Event) error {
	if ev.HasOrigin(rplatform.ExtDiscordOrigin, s.guildID) {
		return nil
	}
	var body updateParentBody
	decodeBody(ev.Body, &body)

	xKey, ok, err := s.mapping.GetX(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info().Str("room_id", string(ev.RoomID)).Msg("category reparent received, no-op by design")
		return nil
	}
	if body.Name == "" {
		return nil
	}
	channelID, err := parseXFromRoomKey(xKey)
	if err != nil {
		return err
	}
	return s.x.SetChannelName(ctx, channelID, body.Name)
}

// RecoverMappings re-registers room mappings from X channel topic markers,
// used when local mapping data may have been lost (spec §4.4).
func (s *Service) RecoverMappings(ctx context.Context) error {
	channels, err := s.x.ListChannels(ctx, s.guildID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		u, ok := ParseTopicMarker(ch.Topic)
		if !ok {
			continue
		}
		if err := s.mapping.RegisterMapping(ctx, roomKey(ch.ID), u); err != nil {
			s.log.Warn().Err(err).Str("channel_id", ch.ID.String()).Msg("failed to recover mapping from topic marker")
		}
	}
	return nil
}

func roomNameFromBody(b rplatform.Body) string {
	var parsed roomBody
	decodeBody(b, &parsed)
	return parsed.Name
}

func parseXFromRoomKey(key string) (ids.XSnowflake, error) {
	const prefix = "room:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return ids.ParseSnowflake(key[len(prefix):])
	}
	return ids.ParseSnowflake(key)
}

func decodeBody(b rplatform.Body, dst any) {
	if len(b.Data) == 0 {
		return
	}
	_ = json.Unmarshal(b.Data, dst)
}
