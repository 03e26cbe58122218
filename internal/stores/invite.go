package stores

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInviteNotFound is returned when no invite exists for the digest.
	ErrInviteNotFound = errors.New("invite not found")
	// ErrInviteExpired is returned when the invite outlived its deadline.
	ErrInviteExpired = errors.New("invite expired")
	// ErrInviteRevoked is returned when the invite was withdrawn.
	ErrInviteRevoked = errors.New("invite revoked")
	// ErrInviteExhausted is returned when every use has been redeemed.
	ErrInviteExhausted = errors.New("invite exhausted")
	// ErrInviteUnavailable wraps transport-level Redis failures.
	ErrInviteUnavailable = errors.New("invite store unavailable")
)

// InviteRecord is the persisted state of a multi-use invite. Uses
// grows monotonically from 0 toward MaxUses; the redeem script is the
// only writer of that counter.
type InviteRecord struct {
	ID        string
	Role      string
	ClassID   string
	CreatedBy string
	MaxUses   int64
	Uses      int64
	ExpiresAt int64
	Revoked   bool
}

const (
	redeemStatusNotFound  int64 = 0
	redeemStatusExpired   int64 = 1
	redeemStatusRevoked   int64 = 2
	redeemStatusExhausted int64 = 3
	redeemStatusRedeemed  int64 = 4
)

// redeemScript is the bounded-counter compare-and-set: the increment
// happens only while uses < max_uses holds at write time, so N callers
// racing on the last remaining slot produce exactly max_uses total
// successes.
const redeemScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end

local f = redis.call("HMGET", KEYS[1], "rev", "exp", "max", "uses", "role", "class")

if f[1] == "1" then
  return {2}
end
if tonumber(f[2]) <= tonumber(ARGV[1]) then
  return {1}
end
if tonumber(f[4]) >= tonumber(f[3]) then
  return {3}
end

local uses = redis.call("HINCRBY", KEYS[1], "uses", 1)
return {4, f[5], f[6], uses}
`

var redeemLua = redis.NewScript(redeemScript)

// InviteStore persists invites keyed by the invite secret's digest.
type InviteStore struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

func NewInviteStore(redisClient *redis.Client, prefix string, retention time.Duration) *InviteStore {
	if retention <= 0 {
		retention = 30 * time.Minute
	}

	return &InviteStore{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *InviteStore) key(digest [32]byte) string {
	return s.prefix + ":inv:" + hex.EncodeToString(digest[:])
}

// Create persists a new invite under the secret's digest.
func (s *InviteStore) Create(ctx context.Context, digest [32]byte, record *InviteRecord) error {
	fields := map[string]interface{}{
		"id":    record.ID,
		"role":  record.Role,
		"max":   strconv.FormatInt(record.MaxUses, 10),
		"uses":  strconv.FormatInt(record.Uses, 10),
		"exp":   strconv.FormatInt(record.ExpiresAt, 10),
		"rev":   "0",
		"class": record.ClassID,
		"by":    record.CreatedBy,
	}

	ttl := time.Until(time.Unix(record.ExpiresAt, 0)) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}

	key := s.key(digest)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}

	return nil
}

// Get fetches an invite with no side effects and no state checks
// beyond existence; callers decide how to interpret expiry and
// revocation.
func (s *InviteStore) Get(ctx context.Context, digest [32]byte) (*InviteRecord, error) {
	m, err := s.redis.HGetAll(ctx, s.key(digest)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}
	if len(m) == 0 {
		return nil, ErrInviteNotFound
	}

	maxUses, _ := strconv.ParseInt(m["max"], 10, 64)
	uses, _ := strconv.ParseInt(m["uses"], 10, 64)
	exp, _ := strconv.ParseInt(m["exp"], 10, 64)

	return &InviteRecord{
		ID:        m["id"],
		Role:      m["role"],
		ClassID:   m["class"],
		CreatedBy: m["by"],
		MaxUses:   maxUses,
		Uses:      uses,
		ExpiresAt: exp,
		Revoked:   m["rev"] == "1",
	}, nil
}

// Redeem atomically claims one use. The winner of the race on the last
// slot succeeds; everyone else gets [ErrInviteExhausted].
func (s *InviteStore) Redeem(ctx context.Context, digest [32]byte, now time.Time) (role, classID string, uses int64, err error) {
	result, err := redeemLua.Run(ctx, s.redis, []string{s.key(digest)}, now.Unix()).Result()
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return "", "", 0, fmt.Errorf("%w: invalid redeem script response", ErrInviteUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return "", "", 0, fmt.Errorf("%w: invalid redeem script status", ErrInviteUnavailable)
	}

	switch code {
	case redeemStatusNotFound:
		return "", "", 0, ErrInviteNotFound
	case redeemStatusExpired:
		return "", "", 0, ErrInviteExpired
	case redeemStatusRevoked:
		return "", "", 0, ErrInviteRevoked
	case redeemStatusExhausted:
		return "", "", 0, ErrInviteExhausted
	case redeemStatusRedeemed:
		if len(parts) < 4 {
			return "", "", 0, fmt.Errorf("%w: truncated redeem script response", ErrInviteUnavailable)
		}
		uses, ok := parts[3].(int64)
		if !ok {
			return "", "", 0, fmt.Errorf("%w: invalid redeem script counter", ErrInviteUnavailable)
		}
		return inviteScriptString(parts[1]), inviteScriptString(parts[2]), uses, nil
	default:
		return "", "", 0, fmt.Errorf("%w: unknown redeem script status", ErrInviteUnavailable)
	}
}

// Revoke withdraws an invite. Idempotent; revoking a missing invite
// reports [ErrInviteNotFound].
func (s *InviteStore) Revoke(ctx context.Context, digest [32]byte) error {
	n, err := s.redis.Exists(ctx, s.key(digest)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}
	if n == 0 {
		return ErrInviteNotFound
	}

	if err := s.redis.HSet(ctx, s.key(digest), "rev", "1").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}

	return nil
}

func inviteScriptString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
