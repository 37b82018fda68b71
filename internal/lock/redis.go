package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 10 * time.Second
	defaultLockRetry = 25 * time.Millisecond
	redisKeyPrefix   = "taskpilot:lock:"
)

var _ Locker = (*Redis)(nil)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a SET NX based lock shared by every instance pointing at the same
// Redis. TTL bounds how long a crashed holder can block others; a live holder
// renews the key every TTL/3 until it unlocks.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{Client: client, TTL: ttl}
}

func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("redis client not configured")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retry := l.Retry
	if retry <= 0 {
		retry = defaultLockRetry
	}
	fullKey := redisKeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.Client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(fullKey, token, ttl, stop, done)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.Client, []string{fullKey}, token).Err()
		})
	}, nil
}

// renew keeps the key alive until stop closes or the token is lost.
func (l *Redis) renew(fullKey, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			n, err := renewScript.Run(ctx, l.Client, []string{fullKey}, token, ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
