package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

const redisKeyPrefix = "audit:dedup:"

// releaseScript deletes the key only while it still holds the claim's value
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGate shares the suppression window between instances. The window is
// enforced with key expiry, so it follows the Redis clock rather than the
// record timestamp.
type RedisGate struct {
	client redis.UniversalClient
	cfg    Config
}

// NewRedisGate creates a gate backed by client
func NewRedisGate(client redis.UniversalClient, cfg Config) *RedisGate {
	return &RedisGate{client: client, cfg: cfg.withDefaults()}
}

// Check implements Gate. Redis failures fail open: the record is persisted
// and the error is returned for logging.
func (g *RedisGate) Check(ctx context.Context, rec *audit.Record) (bool, error) {
	if rec.OperationKind != audit.KindQuery {
		return false, nil
	}
	key := g.key(rec)
	created, err := g.client.SetNX(ctx, key, claimValue(rec), g.cfg.Window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup check failed: %w", err)
	}
	return !created, nil
}

// Release implements Gate
func (g *RedisGate) Release(ctx context.Context, rec *audit.Record) error {
	if rec.OperationKind != audit.KindQuery {
		return nil
	}
	if err := releaseScript.Run(ctx, g.client, []string{g.key(rec)}, claimValue(rec)).Err(); err != nil {
		return fmt.Errorf("redis dedup release failed: %w", err)
	}
	return nil
}

func claimValue(rec *audit.Record) string {
	return strconv.FormatInt(rec.OccurredAt.UnixNano(), 10)
}

func (g *RedisGate) key(rec *audit.Record) string {
	sum := sha256.Sum256([]byte(Fingerprint(rec, g.cfg.Fields)))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}
