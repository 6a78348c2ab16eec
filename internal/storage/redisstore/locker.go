package redisstore

import (
	"context"
	"ecobridge/internal/idgen"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a refresh lock kept in its own Redis key with SET NX PX.
// The key expires after the staleness threshold, which gives the same
// takeover behaviour as the timestamp kept in the custom data document.
type Locker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewLocker creates a locker on "<namespace>:refresh_lock"
func NewLocker(client *redis.Client, namespace string, ttl time.Duration) *Locker {
	return &Locker{
		client: client,
		key:    namespace + ":refresh_lock",
		ttl:    ttl,
		token:  idgen.NewInstance(),
	}
}

// Acquire reports whether this instance now holds the lock
func (l *Locker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release drops the lock if this instance holds it
func (l *Locker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
