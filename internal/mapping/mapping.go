// Package mapping implements MappingRepository (spec §4.2): the durable
// bidirectional id table and the supporting caches every sync service
// consults before emitting or skipping an event. It is pure persistence —
// no X or R calls happen here.
package mapping

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/kvstore"
)

const (
	tableIDMap      = "idMap"
	tableRoomLink   = "roomLink"
	tableReaction   = "reactionKey"
	tableReactUsers = "reactionUsers"
	tableProfHash   = "profileHash"
	tableProfCache  = "profileCache"
	tableFetchAttm  = "blueskyFetchAttempt"
	tableSidebar    = "sidebarHash"
	tableEditInfo   = "editInfo"
	tableWebhook    = "webhookToken"
	tableMsgHashes  = "messageHashes"
	tableCursor     = "cursor"

	sidebarSingletonKey = "_"
)

// RoomyProfile is the cached surrogate-user profile shape stored in the
// profileCache table.
type RoomyProfile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Handle string `json:"handle"`
}

// EditInfo is the last-synced edit fingerprint for a message, used to reject
// stale or duplicate edits (spec §4.5, §8 "Edit monotonicity").
type EditInfo struct {
	EditedTimestamp int64  `json:"editedTimestamp"`
	ContentHash     string `json:"contentHash"`
}

// Repository is a MappingRepository scoped to one (guildId, spaceId)
// pairing, namespaced per spec §6 as "<guildId>/<spaceId>/<table>".
type Repository struct {
	store   kvstore.KVStore
	guildID ids.XSnowflake
	spaceID string
	log     zerolog.Logger
}

func New(store kvstore.KVStore, guildID ids.XSnowflake, spaceID string, log zerolog.Logger) *Repository {
	return &Repository{
		store:   store,
		guildID: guildID,
		spaceID: spaceID,
		log:     log.With().Uint64("guild_id", uint64(guildID)).Str("space_id", spaceID).Logger(),
	}
}

func (r *Repository) namespace(table string) string {
	return r.guildID.String() + "/" + r.spaceID + "/" + table
}

// ---- idMap ----

// RegisterMapping writes both directions of xKey <-> rID. It is idempotent
// if the same pair is already present, and fails with ConflictError if xKey
// or rID is already bound to a different opposite side (bijection,
// spec §3/§8). Both directions commit or neither (atomicity of a single
// registerMapping, spec §4.2).
func (r *Repository) RegisterMapping(ctx context.Context, xKey string, rID ids.RUlid) error {
	ns := r.namespace(tableIDMap)

	if existingR, ok, err := r.store.Get(ctx, ns, "x:"+xKey); err != nil {
		return bridgeerr.Storage("idMap.get", err)
	} else if ok {
		if string(existingR) == string(rID) {
			return nil
		}
		r.log.Error().Str("x_key", xKey).Str("existing_r", string(existingR)).Str("attempted_r", string(rID)).
			Msg("mapping conflict: x key already bound to a different room/message")
		return &bridgeerr.ConflictError{Existing: string(existingR), Attempted: string(rID)}
	}
	if existingX, ok, err := r.store.Get(ctx, ns, "r:"+string(rID)); err != nil {
		return bridgeerr.Storage("idMap.get", err)
	} else if ok {
		if string(existingX) == xKey {
			return nil
		}
		r.log.Error().Str("r_id", string(rID)).Str("existing_x", string(existingX)).Str("attempted_x", xKey).
			Msg("mapping conflict: r id already bound to a different x entity")
		return &bridgeerr.ConflictError{Existing: string(existingX), Attempted: xKey}
	}

	if err := r.store.Put(ctx, ns, "x:"+xKey, []byte(rID)); err != nil {
		return bridgeerr.Storage("idMap.put", err)
	}
	if err := r.store.Put(ctx, ns, "r:"+string(rID), []byte(xKey)); err != nil {
		// Best-effort rollback of the half-write; the store call itself
		// failing here is already an exceptional condition.
		_ = r.store.Delete(ctx, ns, "x:"+xKey)
		return bridgeerr.Storage("idMap.put", err)
	}
	return nil
}

// UnregisterMapping removes both directions, silently no-op if absent.
func (r *Repository) UnregisterMapping(ctx context.Context, xKey string, rID ids.RUlid) error {
	ns := r.namespace(tableIDMap)
	if err := r.store.Delete(ctx, ns, "x:"+xKey); err != nil {
		return bridgeerr.Storage("idMap.delete", err)
	}
	if err := r.store.Delete(ctx, ns, "r:"+string(rID)); err != nil {
		return bridgeerr.Storage("idMap.delete", err)
	}
	return nil
}

func (r *Repository) GetR(ctx context.Context, xKey string) (ids.RUlid, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableIDMap), "x:"+xKey)
	if err != nil {
		return "", false, bridgeerr.Storage("idMap.get", err)
	}
	if !ok {
		return "", false, nil
	}
	return ids.RUlid(v), true, nil
}

func (r *Repository) GetX(ctx context.Context, rID ids.RUlid) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableIDMap), "r:"+string(rID))
	if err != nil {
		return "", false, bridgeerr.Storage("idMap.get", err)
	}
	if !ok {
		return "", false, nil
	}
	return string(v), true, nil
}

// ---- roomLink ----

func roomLinkKey(parent, child ids.RUlid) string {
	return string(parent) + ":" + string(child)
}

func (r *Repository) GetRoomLink(ctx context.Context, parent, child ids.RUlid) (ids.RUlid, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableRoomLink), roomLinkKey(parent, child))
	if err != nil {
		return "", false, bridgeerr.Storage("roomLink.get", err)
	}
	return ids.RUlid(v), ok, nil
}

func (r *Repository) SetRoomLink(ctx context.Context, parent, child, linkEvent ids.RUlid) error {
	err := r.store.Put(ctx, r.namespace(tableRoomLink), roomLinkKey(parent, child), []byte(linkEvent))
	return bridgeerr.Storage("roomLink.put", err)
}

// ---- reactionKey ----

func reactionKeyOf(xMsgID string, xUserID ids.XSnowflake, emojiKey string) string {
	return xMsgID + ":" + xUserID.String() + ":" + emojiKey
}

func (r *Repository) GetReactionEvent(ctx context.Context, xMsgID string, xUserID ids.XSnowflake, emojiKey string) (ids.RUlid, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableReaction), reactionKeyOf(xMsgID, xUserID, emojiKey))
	if err != nil {
		return "", false, bridgeerr.Storage("reactionKey.get", err)
	}
	return ids.RUlid(v), ok, nil
}

func (r *Repository) SetReactionEvent(ctx context.Context, xMsgID string, xUserID ids.XSnowflake, emojiKey string, ev ids.RUlid) error {
	err := r.store.Put(ctx, r.namespace(tableReaction), reactionKeyOf(xMsgID, xUserID, emojiKey), []byte(ev))
	return bridgeerr.Storage("reactionKey.put", err)
}

func (r *Repository) DeleteReactionEvent(ctx context.Context, xMsgID string, xUserID ids.XSnowflake, emojiKey string) error {
	err := r.store.Delete(ctx, r.namespace(tableReaction), reactionKeyOf(xMsgID, xUserID, emojiKey))
	return bridgeerr.Storage("reactionKey.delete", err)
}

// ---- reactionUsers (aggregate set) ----

func reactionUsersKey(rMsg ids.RUlid, emoji string) string {
	return string(rMsg) + ":" + emoji
}

func (r *Repository) GetReactionUsers(ctx context.Context, rMsg ids.RUlid, emoji string) (map[ids.UserDid]bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableReactUsers), reactionUsersKey(rMsg, emoji))
	if err != nil {
		return nil, bridgeerr.Storage("reactionUsers.get", err)
	}
	if !ok {
		return map[ids.UserDid]bool{}, nil
	}
	var list []string
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, bridgeerr.Storage("reactionUsers.decode", err)
	}
	out := make(map[ids.UserDid]bool, len(list))
	for _, d := range list {
		out[ids.UserDid(d)] = true
	}
	return out, nil
}

func (r *Repository) putReactionUsers(ctx context.Context, rMsg ids.RUlid, emoji string, set map[ids.UserDid]bool) error {
	list := make([]string, 0, len(set))
	for d := range set {
		list = append(list, string(d))
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return bridgeerr.Storage("reactionUsers.encode", err)
	}
	return bridgeerr.Storage("reactionUsers.put", r.store.Put(ctx, r.namespace(tableReactUsers), reactionUsersKey(rMsg, emoji), raw))
}

// AddReactionUser adds a user to the aggregate set and reports whether the
// set transitioned from empty to non-empty (the signal to add the bot's own
// X reaction).
func (r *Repository) AddReactionUser(ctx context.Context, rMsg ids.RUlid, emoji string, user ids.UserDid) (becameNonEmpty bool, err error) {
	set, err := r.GetReactionUsers(ctx, rMsg, emoji)
	if err != nil {
		return false, err
	}
	wasEmpty := len(set) == 0
	if set[user] {
		return false, nil
	}
	set[user] = true
	if err := r.putReactionUsers(ctx, rMsg, emoji, set); err != nil {
		return false, err
	}
	return wasEmpty && len(set) == 1, nil
}

// RemoveReactionUser removes a user from the aggregate set and reports
// whether the set transitioned to empty (the signal to remove the bot's own
// X reaction).
func (r *Repository) RemoveReactionUser(ctx context.Context, rMsg ids.RUlid, emoji string, user ids.UserDid) (becameEmpty bool, err error) {
	set, err := r.GetReactionUsers(ctx, rMsg, emoji)
	if err != nil {
		return false, err
	}
	if !set[user] {
		return false, nil
	}
	delete(set, user)
	if err := r.putReactionUsers(ctx, rMsg, emoji, set); err != nil {
		return false, err
	}
	return len(set) == 0, nil
}

// ---- profileHash ----

func (r *Repository) GetProfileHash(ctx context.Context, xUserID ids.XSnowflake) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableProfHash), xUserID.String())
	if err != nil {
		return "", false, bridgeerr.Storage("profileHash.get", err)
	}
	return string(v), ok, nil
}

func (r *Repository) SetProfileHash(ctx context.Context, xUserID ids.XSnowflake, hash string) error {
	err := r.store.Put(ctx, r.namespace(tableProfHash), xUserID.String(), []byte(hash))
	return bridgeerr.Storage("profileHash.put", err)
}

// ---- profileCache (durable mirror of the LRU ProfileSyncService keeps) ----

func (r *Repository) GetRoomyUserProfile(ctx context.Context, did ids.UserDid) (*RoomyProfile, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableProfCache), string(did))
	if err != nil {
		return nil, false, bridgeerr.Storage("profileCache.get", err)
	}
	if !ok {
		return nil, false, nil
	}
	var p RoomyProfile
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, false, bridgeerr.Storage("profileCache.decode", err)
	}
	return &p, true, nil
}

func (r *Repository) SetRoomyUserProfile(ctx context.Context, did ids.UserDid, p RoomyProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return bridgeerr.Storage("profileCache.encode", err)
	}
	return bridgeerr.Storage("profileCache.put", r.store.Put(ctx, r.namespace(tableProfCache), string(did), raw))
}

// ---- blueskyFetchAttempt ----

func (r *Repository) GetBlueskyFetchAttempt(ctx context.Context, did ids.UserDid) (int64, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableFetchAttm), string(did))
	if err != nil {
		return 0, false, bridgeerr.Storage("blueskyFetchAttempt.get", err)
	}
	if !ok {
		return 0, false, nil
	}
	ts, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, bridgeerr.Storage("blueskyFetchAttempt.decode", err)
	}
	return ts, true, nil
}

func (r *Repository) SetBlueskyFetchAttempt(ctx context.Context, did ids.UserDid, unixMs int64) error {
	err := r.store.Put(ctx, r.namespace(tableFetchAttm), string(did), []byte(strconv.FormatInt(unixMs, 10)))
	return bridgeerr.Storage("blueskyFetchAttempt.put", err)
}

// ---- sidebarHash ----

func (r *Repository) GetSidebarHash(ctx context.Context) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableSidebar), sidebarSingletonKey)
	if err != nil {
		return "", false, bridgeerr.Storage("sidebarHash.get", err)
	}
	return string(v), ok, nil
}

func (r *Repository) SetSidebarHash(ctx context.Context, hash string) error {
	err := r.store.Put(ctx, r.namespace(tableSidebar), sidebarSingletonKey, []byte(hash))
	return bridgeerr.Storage("sidebarHash.put", err)
}

// ---- editInfo ----

func (r *Repository) GetEditInfo(ctx context.Context, xMsgID string) (*EditInfo, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableEditInfo), xMsgID)
	if err != nil {
		return nil, false, bridgeerr.Storage("editInfo.get", err)
	}
	if !ok {
		return nil, false, nil
	}
	var info EditInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return nil, false, bridgeerr.Storage("editInfo.decode", err)
	}
	return &info, true, nil
}

func (r *Repository) SetEditInfo(ctx context.Context, xMsgID string, info EditInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return bridgeerr.Storage("editInfo.encode", err)
	}
	return bridgeerr.Storage("editInfo.put", r.store.Put(ctx, r.namespace(tableEditInfo), xMsgID, raw))
}

// ---- webhookToken ----

func (r *Repository) GetWebhookToken(ctx context.Context, xChannelID ids.XSnowflake) (webhookID, token string, ok bool, err error) {
	v, found, getErr := r.store.Get(ctx, r.namespace(tableWebhook), xChannelID.String())
	if getErr != nil {
		return "", "", false, bridgeerr.Storage("webhookToken.get", getErr)
	}
	if !found {
		return "", "", false, nil
	}
	parts := strings.SplitN(string(v), ":", 2)
	if len(parts) != 2 {
		return "", "", false, bridgeerr.Storage("webhookToken.decode", strconv.ErrSyntax)
	}
	return parts[0], parts[1], true, nil
}

func (r *Repository) SetWebhookToken(ctx context.Context, xChannelID ids.XSnowflake, webhookID, token string) error {
	err := r.store.Put(ctx, r.namespace(tableWebhook), xChannelID.String(), []byte(webhookID+":"+token))
	return bridgeerr.Storage("webhookToken.put", err)
}

// ---- messageHashes (scoped per channel, resolving the spec's noted
// namespace-conflation open question) ----

func (r *Repository) messageHashesNamespace(xChannelID ids.XSnowflake) string {
	return r.namespace(tableMsgHashes) + "/" + xChannelID.String()
}

func (r *Repository) GetMessageHash(ctx context.Context, xChannelID ids.XSnowflake, noncePrefix, contentHash string) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.messageHashesNamespace(xChannelID), noncePrefix+":"+contentHash)
	if err != nil {
		return "", false, bridgeerr.Storage("messageHashes.get", err)
	}
	return string(v), ok, nil
}

func (r *Repository) SetMessageHash(ctx context.Context, xChannelID ids.XSnowflake, noncePrefix, contentHash, xMsgID string) error {
	err := r.store.Put(ctx, r.messageHashesNamespace(xChannelID), noncePrefix+":"+contentHash, []byte(xMsgID))
	return bridgeerr.Storage("messageHashes.put", err)
}

// ---- cursor ----

func (r *Repository) GetCursor(ctx context.Context, streamDid string) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.namespace(tableCursor), streamDid)
	if err != nil {
		return "", false, bridgeerr.Storage("cursor.get", err)
	}
	return string(v), ok, nil
}

func (r *Repository) SetCursor(ctx context.Context, streamDid, cursor string) error {
	err := r.store.Put(ctx, r.namespace(tableCursor), streamDid, []byte(cursor))
	return bridgeerr.Storage("cursor.put", err)
}

// Delete drops the entire per-pairing namespace across every table, used by
// Bridge.disconnect on unregister.
func (r *Repository) Delete(ctx context.Context) error {
	for _, table := range []string{
		tableIDMap, tableRoomLink, tableReaction, tableReactUsers, tableProfHash,
		tableProfCache, tableFetchAttm, tableSidebar, tableEditInfo, tableWebhook, tableCursor,
	} {
		if err := r.store.DeleteNamespace(ctx, r.namespace(table)); err != nil {
			return bridgeerr.Storage("delete."+table, err)
		}
	}
	// messageHashes fans out one namespace per channel; drop all of them by
	// the shared pairing prefix rather than tracking the channel set here.
	if err := r.store.DeleteNamespacePrefix(ctx, r.namespace(tableMsgHashes)); err != nil {
		return bridgeerr.Storage("delete.messageHashes", err)
	}
	return nil
}
