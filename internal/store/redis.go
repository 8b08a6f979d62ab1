package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"
)

// RedisStore backs the shared KV + event bus with a Redis instance, the
// deployment mode where admin and bot run as separate OS processes.
type RedisStore struct {
	client *redis.Client
}

var writeRetry = wbfretry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

// NewRedisStore connects with a bounded retry so a slow-starting Redis
// container does not kill the process at boot.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	wbfClient := wbfredis.New(addr, password, db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connectRetry := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}

	err := wbfretry.DoContext(ctx, connectRetry, func() error {
		return wbfClient.Ping(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.Infof("connected to Redis at %s", addr)
	return &RedisStore{client: wbfClient.Client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logrus.Warnf("redis get %s: %v", key, err)
		}
		return "", false
	}
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if err != redis.Nil {
			logrus.Warnf("redis hget %s.%s: %v", key, field, err)
		}
		return "", false
	}
	return val, true
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) map[string]string {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		logrus.Warnf("redis hgetall %s: %v", key, err)
		return map[string]string{}
	}
	return vals
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.HIncrBy(ctx, key, field, delta).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to hincrby %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.LPush(ctx, key, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to lpush %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, bool) {
	val, err := s.client.RPop(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logrus.Warnf("redis rpop %s: %v", key, err)
		}
		return "", false
	}
	return val, true
}

func (s *RedisStore) LLen(ctx context.Context, key string) int64 {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		logrus.Warnf("redis llen %s: %v", key, err)
		return 0
	}
	return n
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.LRem(ctx, key, count, value).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to lrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	err := wbfretry.DoContext(ctx, writeRetry, func() error {
		return s.client.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, topics ...string) (<-chan Message, func()) {
	pubsub := s.client.Subscribe(ctx, topics...)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			logrus.Warnf("redis pubsub close: %v", err)
		}
	}
	return out, cancel
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
