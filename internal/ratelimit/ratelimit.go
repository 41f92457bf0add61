// Package ratelimit throttles security-sensitive operations per identity and
// per client IP.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names used by the submission pipeline
const (
	ActionVerify = "verify"
	ActionSubmit = "submit"
)

// Policy is a fixed ceiling of attempts within a window
type Policy struct {
	Limit  int
	Window time.Duration
}

// Limiter decides whether an identity may attempt an action
type Limiter interface {
	Allow(ctx context.Context, identity, action string) (bool, error)
}

// INCR and PEXPIRE run as one script so a failing call never leaves a
// counter without a TTL and a rejected script counts nothing.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter keeps fixed-window counters in Redis
type RedisLimiter struct {
	rdb      redis.Scripter
	policies map[string]Policy
	fallback Policy
}

// NewRedisLimiter creates a limiter; actions without a policy use fallback
func NewRedisLimiter(rdb redis.Scripter, fallback Policy, policies map[string]Policy) *RedisLimiter {
	if policies == nil {
		policies = make(map[string]Policy)
	}
	return &RedisLimiter{
		rdb:      rdb,
		policies: policies,
		fallback: fallback,
	}
}

// PolicyFor returns the policy applied to action
func (l *RedisLimiter) PolicyFor(action string) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return l.fallback
}

// Allow counts one attempt and reports whether it is within the ceiling
func (l *RedisLimiter) Allow(ctx context.Context, identity, action string) (bool, error) {
	p := l.PolicyFor(action)
	if p.Limit <= 0 || p.Window <= 0 {
		return false, fmt.Errorf("rate limit policy for %q is not configured", action)
	}

	count, err := incrScript.Run(ctx, l.rdb, []string{Key(action, identity)}, p.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return count <= int64(p.Limit), nil
}

// Key builds the counter key. Identities are hashed so raw national ids
// never reach Redis.
func Key(action, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("rl:%s:%s", action, hex.EncodeToString(sum[:]))
}
