package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

// addRefreshTokenScript evicts the oldest members until there is room, then stores the token.
// A score that does not sort after the newest member is bumped past it, so members sharing a
// timestamp are evicted in insertion order.
const addRefreshTokenScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return -1
end
local max = tonumber(ARGV[1])
local evicted = 0
while redis.call("ZCARD", KEYS[1]) >= max do
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0)
  if #oldest == 0 then
    break
  end
  redis.call("ZREM", KEYS[1], oldest[1])
  redis.call("DEL", ARGV[2] .. oldest[1])
  evicted = evicted + 1
end
local score = ARGV[3]
local newest = redis.call("ZRANGE", KEYS[1], -1, -1, "WITHSCORES")
if #newest == 2 and tonumber(newest[2]) >= tonumber(score) then
  score = string.format("%.0f", tonumber(newest[2]) + 1)
end
redis.call("ZADD", KEYS[1], score, ARGV[4])
redis.call("HSET", KEYS[2], "id", ARGV[5], "principal_id", ARGV[6], "created_at", ARGV[3], "expires_at", ARGV[7], "issuing_ip", ARGV[8])
local ttl = tonumber(ARGV[9])
redis.call("PEXPIRE", KEYS[2], ttl)
if redis.call("PTTL", KEYS[1]) < ttl then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return evicted
`

// rotateRefreshTokenScript removes the presented token (KEYS[3], member ARGV[10]) and runs the
// add script in the same call. -2 means the presented token is not the principal's.
const rotateRefreshTokenScript = `
local owner = redis.call("HGET", KEYS[3], "principal_id")
if not owner or owner ~= ARGV[6] then
  return -2
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return -1
end
redis.call("ZREM", KEYS[1], ARGV[10])
redis.call("DEL", KEYS[3])
` + addRefreshTokenScript

const revokeRefreshTokenScript = `
local owner = redis.call("HGET", KEYS[2], "principal_id")
if owner and owner ~= ARGV[1] then
  return 0
end
local removed = redis.call("ZREM", KEYS[1], ARGV[2])
local deleted = redis.call("DEL", KEYS[2])
if removed + deleted > 0 then
  return 1
end
return 0
`

var (
	addRefreshTokenLua    = redis.NewScript(addRefreshTokenScript)
	rotateRefreshTokenLua = redis.NewScript(rotateRefreshTokenScript)
	revokeRefreshTokenLua = redis.NewScript(revokeRefreshTokenScript)
)

// RedisRefreshTokenRepository stores refresh tokens in Redis. Each principal owns a sorted set of
// token hashes scored by creation time; each token is a hash expiring with the token itself.
// Bound enforcement and revocation run as Lua scripts so they are atomic per principal.
type RedisRefreshTokenRepository struct {
	client    redis.UniversalClient
	prefix    string
	maxActive int
}

// NewRedisRefreshTokenRepository creates a Redis backed store enforcing maxActive tokens per principal.
func NewRedisRefreshTokenRepository(client redis.UniversalClient, prefix string, maxActive int) *RedisRefreshTokenRepository {
	if maxActive < 1 {
		maxActive = 1
	}
	if prefix == "" {
		prefix = "rt"
	}
	return &RedisRefreshTokenRepository{client: client, prefix: prefix, maxActive: maxActive}
}

func (r *RedisRefreshTokenRepository) principalKey(principalID string) string {
	return r.prefix + ":principal:" + principalID
}

func (r *RedisRefreshTokenRepository) tokenKeyPrefix() string {
	return r.prefix + ":token:"
}

func (r *RedisRefreshTokenRepository) tokenKey(hash string) string {
	return r.tokenKeyPrefix() + hash
}

// Add inserts the token, evicting the principal's oldest tokens when the bound is reached.
func (r *RedisRefreshTokenRepository) Add(ctx context.Context, token *models.RefreshToken) (int, error) {
	if err := prepareRefreshToken(token); err != nil {
		return 0, err
	}

	keys := []string{r.principalKey(token.PrincipalID), r.tokenKey(token.TokenHash)}
	evicted, err := addRefreshTokenLua.Run(ctx, r.client, keys, r.scriptArgs(token)...).Int()
	if err != nil {
		return 0, fmt.Errorf("create refresh token: %w", err)
	}
	if evicted < 0 {
		return 0, ErrDuplicateRefreshToken
	}
	return evicted, nil
}

// Rotate atomically replaces the principal's token holding presented with next. When presented
// is not stored for the principal nothing changes.
func (r *RedisRefreshTokenRepository) Rotate(ctx context.Context, principalID, presented string, next *models.RefreshToken) (int, models.RevokeResult, error) {
	if err := prepareRefreshToken(next); err != nil {
		return 0, models.RevokeNotFound, err
	}
	if next.PrincipalID != principalID {
		return 0, models.RevokeNotFound, errors.New("rotate refresh token: principal mismatch")
	}

	hash := HashSecret(presented)
	keys := []string{r.principalKey(principalID), r.tokenKey(next.TokenHash), r.tokenKey(hash)}
	args := append(r.scriptArgs(next), hash)
	evicted, err := rotateRefreshTokenLua.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, models.RevokeNotFound, fmt.Errorf("rotate refresh token: %w", err)
	}
	switch {
	case evicted == -2:
		return 0, models.RevokeNotFound, nil
	case evicted < 0:
		return 0, models.RevokeNotFound, ErrDuplicateRefreshToken
	}
	return evicted, models.RevokeRemoved, nil
}

func (r *RedisRefreshTokenRepository) scriptArgs(token *models.RefreshToken) []interface{} {
	ttl := time.Until(token.ExpiresAt).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	ip := ""
	if token.IssuingIP != nil {
		ip = *token.IssuingIP
	}
	return []interface{}{
		r.maxActive,
		r.tokenKeyPrefix(),
		token.CreatedAt.UnixMicro(),
		token.TokenHash,
		token.ID,
		token.PrincipalID,
		token.ExpiresAt.UnixMilli(),
		ip,
		ttl,
	}
}

// Validate reports whether the principal holds an unexpired token with this secret.
func (r *RedisRefreshTokenRepository) Validate(ctx context.Context, principalID, secret string, at time.Time) (bool, error) {
	values, err := r.client.HMGet(ctx, r.tokenKey(HashSecret(secret)), "principal_id", "expires_at").Result()
	if err != nil {
		return false, fmt.Errorf("validate refresh token: %w", err)
	}
	owner, _ := values[0].(string)
	rawExpiry, _ := values[1].(string)
	if owner == "" || owner != principalID {
		return false, nil
	}
	expiresAt, err := strconv.ParseInt(rawExpiry, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse refresh token expiry: %w", err)
	}
	return at.UnixMilli() < expiresAt, nil
}

// Revoke removes the principal's token with this secret.
func (r *RedisRefreshTokenRepository) Revoke(ctx context.Context, principalID, secret string) (models.RevokeResult, error) {
	hash := HashSecret(secret)
	keys := []string{r.principalKey(principalID), r.tokenKey(hash)}
	removed, err := revokeRefreshTokenLua.Run(ctx, r.client, keys, principalID, hash).Int()
	if err != nil {
		return models.RevokeNotFound, fmt.Errorf("revoke refresh token: %w", err)
	}
	if removed == 0 {
		return models.RevokeNotFound, nil
	}
	return models.RevokeRemoved, nil
}

// LookupIssuingIP returns the address recorded when the token was issued, or "".
func (r *RedisRefreshTokenRepository) LookupIssuingIP(ctx context.Context, secret string) (string, error) {
	ip, err := r.client.HGet(ctx, r.tokenKey(HashSecret(secret)), "issuing_ip").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("lookup refresh token ip: %w", err)
	}
	return ip, nil
}
