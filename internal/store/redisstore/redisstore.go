// Package redisstore implements the Local State Cache on Redis.
//
// It mirrors store.Store for deployments where several engine processes share
// one cache. Read-modify-write operations (monotonic snapshot replacement,
// compare-and-mark attribute sync) run as Lua scripts so they stay atomic
// without client-side locking.
//
// Key layout, all under "<prefix>:<app user id>:":
//
//	entitlements        hash {snapshot, request_date, fetched_at}
//	catalog             hash {snapshot, fetched_at}
//	sent_tokens         sorted set token hash -> confirmed_at millis
//	attribution         hash network -> fingerprint
//	attributes          hash key -> value
//	attributes:set_at   hash key -> unix millis
//	attributes:unsynced set of keys
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "receipts"

// writeEntitlementsScript replaces the snapshot only when strictly newer.
// KEYS[1] = entitlements hash
// ARGV[1] = snapshot, ARGV[2] = request_date millis, ARGV[3] = fetched_at millis or ""
// Returns 1 when the snapshot body was replaced.
var writeEntitlementsScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "request_date")
local rd = tonumber(ARGV[2])
if not cur then
    redis.call("HSET", KEYS[1], "snapshot", ARGV[1], "request_date", ARGV[2], "fetched_at", ARGV[3])
    return 1
end
cur = tonumber(cur)
if rd > cur then
    redis.call("HSET", KEYS[1], "snapshot", ARGV[1], "request_date", ARGV[2], "fetched_at", ARGV[3])
    return 1
end
if rd == cur then
    redis.call("HSET", KEYS[1], "fetched_at", ARGV[3])
end
return 0
`)

// invalidateScript clears fetched_at without creating a partial hash.
// KEYS[1] = snapshot hash
var invalidateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    redis.call("HSET", KEYS[1], "fetched_at", "")
end
return 0
`)

// setAttributesScript writes changed values and flags them unsynced.
// KEYS[1] = attributes, KEYS[2] = attributes:set_at, KEYS[3] = attributes:unsynced
// ARGV = set_at millis, then key/value pairs
var setAttributesScript = redis.NewScript(`
local setAt = ARGV[1]
for i = 2, #ARGV, 2 do
    local key = ARGV[i]
    local value = ARGV[i + 1]
    if redis.call("HGET", KEYS[1], key) ~= value then
        redis.call("HSET", KEYS[1], key, value)
        redis.call("HSET", KEYS[2], key, setAt)
        redis.call("SADD", KEYS[3], key)
    end
end
return 0
`)

// markSyncedScript is compare-and-mark: a key leaves the unsynced set only
// while its stored value equals the sent value.
// KEYS[1] = attributes, KEYS[2] = attributes:unsynced
// ARGV = key/value pairs that were sent
var markSyncedScript = redis.NewScript(`
local marked = 0
for i = 1, #ARGV, 2 do
    if redis.call("HGET", KEYS[1], ARGV[i]) == ARGV[i + 1] then
        marked = marked + redis.call("SREM", KEYS[2], ARGV[i])
    end
end
return marked
`)

// pruneSentTokensScript removes hashes confirmed before the cutoff that are
// not kept. Hashes confirmed at or after the cutoff always survive.
// KEYS[1] = sent_tokens sorted set
// ARGV[1] = cutoff millis, ARGV[2..] = hashes to keep
// Returns the number of removed hashes.
var pruneSentTokensScript = redis.NewScript(`
local keep = {}
for i = 2, #ARGV do
    keep[ARGV[i]] = true
end
local removed = 0
local old = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
for _, hash in ipairs(old) do
    if not keep[hash] then
        removed = removed + redis.call("ZREM", KEYS[1], hash)
    end
end
return removed
`)

// Store is the Redis Local State Cache.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(rdb, DefaultPrefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(appUserID, name string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, appUserID, name)
}

func (s *Store) keys(appUserID string) []string {
	return []string{
		s.key(appUserID, "entitlements"),
		s.key(appUserID, "catalog"),
		s.key(appUserID, "sent_tokens"),
		s.key(appUserID, "attribution"),
		s.key(appUserID, "attributes"),
		s.key(appUserID, "attributes:set_at"),
		s.key(appUserID, "attributes:unsynced"),
	}
}

func millisArg(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse millis %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ReadEntitlements returns the cached entitlement snapshot for a user.
func (s *Store) ReadEntitlements(ctx context.Context, appUserID string) (store.CachedEntitlements, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(appUserID, "entitlements")).Result()
	if err != nil {
		return store.CachedEntitlements{}, false, fmt.Errorf("read entitlements: %w", err)
	}
	if len(fields) == 0 {
		return store.CachedEntitlements{}, false, nil
	}
	requestDate, err := parseMillis(fields["request_date"])
	if err != nil {
		return store.CachedEntitlements{}, false, fmt.Errorf("read entitlements: %w", err)
	}
	fetchedAt, err := parseMillis(fields["fetched_at"])
	if err != nil {
		return store.CachedEntitlements{}, false, fmt.Errorf("read entitlements: %w", err)
	}
	return store.CachedEntitlements{
		Snapshot: ir.EntitlementSnapshot{
			AppUserID:   appUserID,
			RequestDate: requestDate,
			Raw:         []byte(fields["snapshot"]),
		},
		FetchedAt: fetchedAt,
	}, true, nil
}

// WriteEntitlements stores snap when it is strictly newer than the cached one.
func (s *Store) WriteEntitlements(ctx context.Context, snap ir.EntitlementSnapshot, fetchedAt time.Time) (bool, error) {
	res, err := writeEntitlementsScript.Run(ctx, s.client,
		[]string{s.key(snap.AppUserID, "entitlements")},
		string(snap.Raw), strconv.FormatInt(snap.RequestDate.UnixMilli(), 10), millisArg(fetchedAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("write entitlements: %w", err)
	}
	return res == 1, nil
}

// InvalidateEntitlements clears the freshness timestamp, keeping the snapshot.
func (s *Store) InvalidateEntitlements(ctx context.Context, appUserID string) error {
	if err := invalidateScript.Run(ctx, s.client, []string{s.key(appUserID, "entitlements")}).Err(); err != nil {
		return fmt.Errorf("invalidate entitlements: %w", err)
	}
	return nil
}

// ReadCatalog returns the cached catalog snapshot for a user.
func (s *Store) ReadCatalog(ctx context.Context, appUserID string) (store.CachedCatalog, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(appUserID, "catalog")).Result()
	if err != nil {
		return store.CachedCatalog{}, false, fmt.Errorf("read catalog: %w", err)
	}
	if len(fields) == 0 {
		return store.CachedCatalog{}, false, nil
	}
	fetchedAt, err := parseMillis(fields["fetched_at"])
	if err != nil {
		return store.CachedCatalog{}, false, fmt.Errorf("read catalog: %w", err)
	}
	return store.CachedCatalog{
		Snapshot:  ir.CatalogSnapshot{AppUserID: appUserID, Raw: []byte(fields["snapshot"])},
		FetchedAt: fetchedAt,
	}, true, nil
}

// WriteCatalog replaces the user's catalog snapshot.
func (s *Store) WriteCatalog(ctx context.Context, snap ir.CatalogSnapshot, fetchedAt time.Time) error {
	err := s.client.HSet(ctx, s.key(snap.AppUserID, "catalog"),
		"snapshot", string(snap.Raw),
		"fetched_at", millisArg(fetchedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

// InvalidateCatalog clears the catalog freshness timestamp.
func (s *Store) InvalidateCatalog(ctx context.Context, appUserID string) error {
	if err := invalidateScript.Run(ctx, s.client, []string{s.key(appUserID, "catalog")}).Err(); err != nil {
		return fmt.Errorf("invalidate catalog: %w", err)
	}
	return nil
}

// SentTokens returns the set of confirmed token hashes for a user.
func (s *Store) SentTokens(ctx context.Context, appUserID string) (map[string]struct{}, error) {
	members, err := s.client.ZRange(ctx, s.key(appUserID, "sent_tokens"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query sent tokens: %w", err)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

// AddSentToken records hash as confirmed. Re-adding a hash keeps the first
// confirmation time.
func (s *Store) AddSentToken(ctx context.Context, appUserID, hash string, confirmedAt time.Time) error {
	err := s.client.ZAddNX(ctx, s.key(appUserID, "sent_tokens"), redis.Z{
		Score:  float64(confirmedAt.UnixMilli()),
		Member: hash,
	}).Err()
	if err != nil {
		return fmt.Errorf("add sent token: %w", err)
	}
	return nil
}

// PruneSentTokens removes every hash for the user that is not in keep and
// was confirmed before confirmedBefore.
func (s *Store) PruneSentTokens(ctx context.Context, appUserID string, keep map[string]struct{}, confirmedBefore time.Time) (int, error) {
	args := make([]any, 0, 1+len(keep))
	args = append(args, strconv.FormatInt(confirmedBefore.UnixMilli(), 10))
	for hash := range keep {
		args = append(args, hash)
	}
	removed, err := pruneSentTokensScript.Run(ctx, s.client, []string{s.key(appUserID, "sent_tokens")}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("prune sent tokens: %w", err)
	}
	return removed, nil
}

// AttributionFingerprint returns the last fingerprint sent for (network, user).
func (s *Store) AttributionFingerprint(ctx context.Context, appUserID, network string) (string, bool, error) {
	fp, err := s.client.HGet(ctx, s.key(appUserID, "attribution"), network).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read attribution fingerprint: %w", err)
	}
	return fp, true, nil
}

// SetAttributionFingerprint records the fingerprint last sent for (network, user).
func (s *Store) SetAttributionFingerprint(ctx context.Context, appUserID, network, fingerprint string, _ time.Time) error {
	if err := s.client.HSet(ctx, s.key(appUserID, "attribution"), network, fingerprint).Err(); err != nil {
		return fmt.Errorf("write attribution fingerprint: %w", err)
	}
	return nil
}

// SetAttributes writes attribute values for a user and flags changed ones unsynced.
func (s *Store) SetAttributes(ctx context.Context, appUserID string, values map[string]string, setAt time.Time) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, 1+2*len(values))
	args = append(args, strconv.FormatInt(setAt.UnixMilli(), 10))
	for k, v := range values {
		args = append(args, k, v)
	}
	err := setAttributesScript.Run(ctx, s.client, []string{
		s.key(appUserID, "attributes"),
		s.key(appUserID, "attributes:set_at"),
		s.key(appUserID, "attributes:unsynced"),
	}, args...).Err()
	if err != nil {
		return fmt.Errorf("set attributes: %w", err)
	}
	return nil
}

// UnsyncedAttributes returns the user's attributes that have not been synced.
func (s *Store) UnsyncedAttributes(ctx context.Context, appUserID string) (ir.AttributeSet, error) {
	keys, err := s.client.SMembers(ctx, s.key(appUserID, "attributes:unsynced")).Result()
	if err != nil {
		return nil, fmt.Errorf("query unsynced attributes: %w", err)
	}
	set := make(ir.AttributeSet, len(keys))
	if len(keys) == 0 {
		return set, nil
	}
	values, err := s.client.HMGet(ctx, s.key(appUserID, "attributes"), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query unsynced attributes: %w", err)
	}
	setAts, err := s.client.HMGet(ctx, s.key(appUserID, "attributes:set_at"), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query unsynced attributes: %w", err)
	}
	for i, k := range keys {
		value, ok := values[i].(string)
		if !ok {
			continue
		}
		attr := ir.SubscriberAttribute{Key: k, Value: value}
		if raw, ok := setAts[i].(string); ok {
			if attr.SetAt, err = parseMillis(raw); err != nil {
				return nil, fmt.Errorf("query unsynced attributes: %w", err)
			}
		}
		set[k] = attr
	}
	return set, nil
}

// MarkAttributesSynced marks each sent attribute synced while its stored
// value still equals the sent value.
func (s *Store) MarkAttributesSynced(ctx context.Context, appUserID string, sent ir.AttributeSet) (int, error) {
	if len(sent) == 0 {
		return 0, nil
	}
	args := make([]any, 0, 2*len(sent))
	for k, attr := range sent {
		args = append(args, k, attr.Value)
	}
	marked, err := markSyncedScript.Run(ctx, s.client, []string{
		s.key(appUserID, "attributes"),
		s.key(appUserID, "attributes:unsynced"),
	}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("mark attributes synced: %w", err)
	}
	return marked, nil
}

// ClearUser deletes every cached key for a user.
func (s *Store) ClearUser(ctx context.Context, appUserID string) error {
	if err := s.client.Del(ctx, s.keys(appUserID)...).Err(); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	return nil
}

// Inspect summarizes the cached state for a user.
func (s *Store) Inspect(ctx context.Context, appUserID string) (store.Stats, error) {
	stats := store.Stats{AppUserID: appUserID}

	ent, found, err := s.ReadEntitlements(ctx, appUserID)
	if err != nil {
		return store.Stats{}, err
	}
	if found {
		stats.HasEntitlements = true
		stats.EntitlementsFetchedAt = ent.FetchedAt
		stats.EntitlementRequestDate = ent.Snapshot.RequestDate
	}
	cat, found, err := s.ReadCatalog(ctx, appUserID)
	if err != nil {
		return store.Stats{}, err
	}
	if found {
		stats.HasCatalog = true
		stats.CatalogFetchedAt = cat.FetchedAt
	}

	pipe := s.client.Pipeline()
	tokens := pipe.ZCard(ctx, s.key(appUserID, "sent_tokens"))
	unsynced := pipe.SCard(ctx, s.key(appUserID, "attributes:unsynced"))
	networks := pipe.HLen(ctx, s.key(appUserID, "attribution"))
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Stats{}, fmt.Errorf("inspect: %w", err)
	}
	stats.SentTokens = int(tokens.Val())
	stats.UnsyncedAttributes = int(unsynced.Val())
	stats.AttributionNetworks = int(networks.Val())
	return stats, nil
}
