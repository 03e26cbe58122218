package token

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned when no record exists for a digest.
var ErrTokenNotFound = errors.New("refresh token not found")

// ErrTokenExpired is returned when the record exists but its absolute
// expiry has passed. Expiry is benign and never escalates.
var ErrTokenExpired = errors.New("refresh token expired")

// ErrTokenReused is returned when the record exists but was already
// consumed by a prior rotation. The caller is expected to revoke the
// whole family.
var ErrTokenReused = errors.New("refresh token already rotated")

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateScript is the single atomic step of the rotation protocol:
// verify the presented record is still the family's current token,
// revoke it, and materialize its successor under the new digest. All
// of it runs inside one Lua invocation, so two requests racing on the
// same secret cannot both win; the loser observes rev=1 and gets the
// reuse status.
const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end

local f = redis.call("HMGET", KEYS[1], "rev", "exp", "fam", "uid", "email", "role", "ip", "ua")
local expires_at = tonumber(f[2])
local now = tonumber(ARGV[1])

if f[1] == "1" then
  return {2, f[3]}
end
if not expires_at or expires_at <= now then
  return {1, f[3]}
end

redis.call("HSET", KEYS[1], "rev", "1")
redis.call("HSET", KEYS[1], "lat", ARGV[1])

redis.call("HSET", KEYS[2], "fam", f[3])
redis.call("HSET", KEYS[2], "uid", f[4])
redis.call("HSET", KEYS[2], "email", f[5])
redis.call("HSET", KEYS[2], "role", f[6])
redis.call("HSET", KEYS[2], "iat", ARGV[1])
redis.call("HSET", KEYS[2], "lat", "0")
redis.call("HSET", KEYS[2], "exp", f[2])
redis.call("HSET", KEYS[2], "rev", "0")
if f[7] then
  redis.call("HSET", KEYS[2], "ip", f[7])
end
if f[8] then
  redis.call("HSET", KEYS[2], "ua", f[8])
end

local fam_key = ARGV[3] .. f[3]
local ttl = redis.call("PTTL", KEYS[1])

redis.call("SADD", fam_key, ARGV[2])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[2], ttl)
  redis.call("PEXPIRE", fam_key, ttl)
end

return {3, f[3], f[4], f[5], f[6], f[2]}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeFamilyScript marks every token in a family lineage revoked.
// Token keys are derived from the key prefix in ARGV[1], same pattern
// the save path uses.
const revokeFamilyScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for i = 1, #members do
  local key = ARGV[1] .. members[i]
  if redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key, "rev", "1")
    n = n + 1
  end
end
return n
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

// Store persists hashed refresh-token records keyed by secret digest,
// with a per-family set of digests and a per-user set of family IDs
// for bulk revocation.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a refresh-token [Store] backed by the given Redis
// client. prefix namespaces all keys; retention controls how long
// records outlive the family expiry so reuse and expiry remain
// distinguishable (expired rows are reaped by Redis TTLs, never by a
// sweeper).
func NewStore(redis redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 30 * time.Minute
	}

	return &Store{
		redis:     redis,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Store) key(digest [32]byte) string {
	return s.tokenKeyPrefix() + hex.EncodeToString(digest[:])
}

func (s *Store) tokenKeyPrefix() string {
	return s.prefix + ":rt:"
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":rf:" + familyID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":ru:" + userID
}

func (s *Store) recordTTL(expiresAt int64) time.Duration {
	ttl := time.Until(time.Unix(expiresAt, 0)) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create inserts a new token record under the secret's digest and
// indexes it by family and user. Used at login and registration; the
// rotation path creates successors inside the Lua script instead.
func (s *Store) Create(ctx context.Context, digest [32]byte, rec *Record) error {
	key := s.key(digest)
	famKey := s.familyKey(rec.FamilyID)
	userKey := s.userKey(rec.UserID)
	ttl := s.recordTTL(rec.ExpiresAt)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, rec.fields())
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, famKey, hex.EncodeToString(digest[:]))
		pipe.PExpire(ctx, famKey, ttl)
		pipe.SAdd(ctx, userKey, rec.FamilyID)
		pipe.PExpire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get fetches a record by digest without mutating any state.
func (s *Store) Get(ctx context.Context, digest [32]byte) (*Record, error) {
	m, err := s.redis.HGetAll(ctx, s.key(digest)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(m) == 0 {
		return nil, ErrTokenNotFound
	}

	return recordFromFields(m), nil
}

// Rotate atomically consumes the token stored under oldDigest and
// creates its successor under newDigest within the same family. The
// compare-and-set guard is the rev field: only a record that is still
// unrevoked and unexpired can rotate. Exactly one caller wins per
// presented secret.
//
// On [ErrTokenReused] and [ErrTokenExpired] the returned record is
// partial and carries only FamilyID, so the caller can escalate.
func (s *Store) Rotate(ctx context.Context, oldDigest, newDigest [32]byte, now time.Time) (*Record, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(oldDigest), s.key(newDigest)},
		now.Unix(),
		hex.EncodeToString(newDigest[:]),
		s.prefix+":rf:",
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrTokenNotFound
	case rotateStatusExpired:
		return &Record{FamilyID: scriptString(parts, 1)}, ErrTokenExpired
	case rotateStatusReused:
		return &Record{FamilyID: scriptString(parts, 1)}, ErrTokenReused
	case rotateStatusRotated:
		if len(parts) < 6 {
			return nil, fmt.Errorf("%w: truncated rotate script response", ErrRedisUnavailable)
		}
		exp, convErr := scriptInt(parts[5])
		if convErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, convErr)
		}
		return &Record{
			FamilyID:  scriptString(parts, 1),
			UserID:    scriptString(parts, 2),
			Email:     scriptString(parts, 3),
			Role:      scriptString(parts, 4),
			IssuedAt:  now.Unix(),
			ExpiresAt: exp,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// RevokeFamily marks every token in a family lineage revoked. Terminal:
// no rotation can succeed from a revoked family. Returns the number of
// records touched.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	n, err := revokeFamilyLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		s.tokenKeyPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return n, nil
}

// RevokeAllForUser revokes every family tracked for a user ("logout
// everywhere").
//
// ATOMICITY NOTE: the family list is read first and then each family
// is revoked atomically. A family created between the read and the
// revocations is not captured; it will be caught by the next call or
// expire on its own. Per-family revocation itself is atomic.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	familyIDs, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	total := 0
	for _, familyID := range familyIDs {
		n, err := s.RevokeFamily(ctx, familyID)
		if err != nil {
			return total, err
		}
		total += n
	}

	return total, nil
}

// FamilyDigests returns the hex digests tracked for a family, oldest
// first ordering not guaranteed.
func (s *Store) FamilyDigests(ctx context.Context, familyID string) ([]string, error) {
	members, err := s.redis.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return members, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func scriptString(parts []interface{}, i int) string {
	if i >= len(parts) {
		return ""
	}
	switch v := parts[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func scriptInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	case []byte:
		var out int64
		_, err := fmt.Sscanf(string(n), "%d", &out)
		return out, err
	default:
		return 0, errors.New("unexpected script integer type")
	}
}
