// Package profilesync implements ProfileSyncService (spec §4.7): hash-gated
// replication of X user identity onto the Roomy surrogate, backed by a
// bounded in-process LRU over a persistent mirror, and reverse lookup
// through a rate-limited external profile resolver.
package profilesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
)

const blueskyFetchTTL = time.Hour

// Fetcher resolves a Roomy profile for a DID from an external directory.
// This is the "external profile resolver" spec §4.7 mentions; the bridge
// never learns whether it's backed by Bluesky, a Roomy directory service,
// or something else.
type Fetcher interface {
	FetchProfile(ctx context.Context, did ids.UserDid) (*RoomyProfile, error)
}

// EventSink is the subset of EventDispatcher this service needs: a place
// to push outbound R events.
type EventSink interface {
	PushToR(rplatform.Event)
}

// Clock is injected so tests control TTL expiry deterministically.
type Clock func() time.Time

type Service struct {
	mapping *mapping.Repository
	sink    EventSink
	fetcher Fetcher
	clock   Clock
	guildID ids.XSnowflake
	log     zerolog.Logger

	lru *lruCache
}

func New(mapping *mapping.Repository, sink EventSink, fetcher Fetcher, guildID ids.XSnowflake, log zerolog.Logger) *Service {
	return &Service{
		mapping: mapping,
		sink:    sink,
		fetcher: fetcher,
		clock:   time.Now,
		guildID: guildID,
		log:     log.With().Str("component", "profilesync").Logger(),
		lru:     newLRU(50),
	}
}

// SetClock overrides the clock used for TTL gating; test-only.
func (s *Service) SetClock(c Clock) { s.clock = c }

// SetSink wires the dispatcher in after construction, breaking the
// constructor cycle between a service and the Dispatcher it feeds (the
// Dispatcher itself is constructed from the list of services).
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// SyncXToR mirrors an X user's identity fields to the R surrogate profile.
// It is a no-op when the new hash equals the stored one (spec §4.7).
func (s *Service) SyncXToR(ctx context.Context, x ids.XSnowflake, username, globalName, avatar string) error {
	newHash := ids.ProfileHash(username, globalName, avatar)

	stored, _, err := s.mapping.GetProfileHash(ctx, x)
	if err != nil {
		return err
	}
	if stored == newHash {
		return nil
	}

	did := ids.SurrogateDid(x)
	name := globalName
	if name == "" {
		name = username
	}
	profile := RoomyProfile{Name: name, Avatar: avatar, Handle: username}

	s.sink.PushToR(rplatform.Event{
		ID:     ids.NewRUlid(s.clock()),
		Kind:   rplatform.KindUpdateProfile,
		Author: did,
		Body:   jsonBody(profile),
		Extensions: map[string]any{
			rplatform.ExtDiscordUserOrigin: rplatform.OriginExtension{
				Snowflake: x.String(),
				GuildID:   s.guildID,
			},
		},
	})

	if err := s.mapping.SetRoomyUserProfile(ctx, did, profile); err != nil {
		return err
	}
	s.lru.Put(string(did), profile)
	return s.mapping.SetProfileHash(ctx, x, newHash)
}

func jsonBody(v any) rplatform.Body {
	raw, err := json.Marshal(v)
	if err != nil {
		return rplatform.Body{MimeType: "application/json"}
	}
	return rplatform.Body{MimeType: "application/json", Data: raw}
}

// SyncToX implements dispatcher.ServiceHandler. Profiles only ever flow
// X→R in this bridge (spec §4.7 Non-goals: no R-native identity is pushed
// onto X), so this just claims the kind and logs; it exists to keep
// profilesync in the fixed [profile, structure, message, reaction] routing
// order spec §5 specifies.
func (s *Service) SyncToX(ctx context.Context, ev rplatform.Event) (bool, error) {
	if ev.Kind != rplatform.KindUpdateProfile {
		return false, nil
	}
	s.log.Debug().Str("did", string(ev.Author)).Msg("ignoring r-native profile update, profiles are x-origin only")
	return true, nil
}

// GetProfileOrFetch resolves a Roomy profile for did, checking the LRU,
// then the persistent mirror, then falling back to an external fetch that
// is itself rate limited by the blueskyFetchAttempt TTL (spec §4.7).
func (s *Service) GetProfileOrFetch(ctx context.Context, did ids.UserDid) (*RoomyProfile, error) {
	if p, ok := s.lru.Get(string(did)); ok {
		return &p, nil
	}

	if p, ok, err := s.mapping.GetRoomyUserProfile(ctx, did); err != nil {
		return nil, err
	} else if ok {
		s.lru.Put(string(did), *p)
		return p, nil
	}

	lastAttempt, attempted, err := s.mapping.GetBlueskyFetchAttempt(ctx, did)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if attempted && now.Sub(time.UnixMilli(lastAttempt)) < blueskyFetchTTL {
		return nil, nil
	}

	if err := s.mapping.SetBlueskyFetchAttempt(ctx, did, now.UnixMilli()); err != nil {
		return nil, err
	}

	if s.fetcher == nil {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	profile, err := s.fetcher.FetchProfile(fetchCtx, did)
	if err != nil {
		s.log.Warn().Err(err).Str("did", string(did)).Msg("external profile fetch failed, gated by TTL until retry")
		return nil, &bridgeerr.ProfileFetchError{Did: string(did), Err: err}
	}
	if profile == nil {
		return nil, nil
	}

	s.lru.Put(string(did), *profile)
	if err := s.mapping.SetRoomyUserProfile(ctx, did, *profile); err != nil {
		return nil, err
	}
	return profile, nil
}
