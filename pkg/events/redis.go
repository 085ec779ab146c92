package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	SessionKeyPrefix = "netdump:sess:"
	DiscKey          = "netdump:disc"

	DefaultSessionTTL = 300 * time.Second

	redisPingTimeout = 5 * time.Second
)

// RedisRecorder keeps the set of live sessions in Redis, one key per session with a
// TTL, and the last disc seen in the DiscKey hash.
type RedisRecorder struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRecorder(addr string, ttl time.Duration) (*RedisRecorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %v", addr)
	}
	logrus.Infof("Tracking sessions in Redis at %v", addr)
	return newRedisRecorder(client, ttl), nil
}

func newRedisRecorder(client *redis.Client, ttl time.Duration) *RedisRecorder {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisRecorder{client: client, ttl: ttl}
}

func SessionKey(id string) string {
	return SessionKeyPrefix + id
}

func (r *RedisRecorder) Record(ctx context.Context, event *Event) error {
	key := SessionKey(event.SessionID)

	switch event.Type {
	case TypeSessionStarted:
		value, err := json.Marshal(event)
		if err != nil {
			return errors.Wrapf(err, "failed to encode session %v", event.SessionID)
		}
		if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
			return errors.Wrapf(err, "failed to register session %v", event.SessionID)
		}
	case TypeSessionFinished:
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return errors.Wrapf(err, "failed to remove session %v", event.SessionID)
		}
	}

	if event.DiscInfo == nil {
		return nil
	}
	discType, err := event.DiscInfo.Type.MarshalText()
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, DiscKey,
		"disc_type", string(discType),
		"game_name", event.DiscInfo.GameName,
		"internal_name", event.DiscInfo.InternalName,
		"ts", event.Timestamp.Unix(),
	).Err(); err != nil {
		return errors.Wrap(err, "failed to store disc info")
	}
	return nil
}

func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
