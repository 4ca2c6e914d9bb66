package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
	"github.com/voxline/callflow/pkg/config"
)

// ErrNotFound is returned when no descriptor exists for a call.
var ErrNotFound = errors.New("session state not found")

// decrClamp decrements a counter but never below zero. Duplicate
// playback-ended webhooks land here, so the clamp must be server-side
// atomic, not a read-modify-write on the client.
var decrClamp = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return v
`)

// Store implements ports.SessionStore on Redis.
type Store struct {
	client    *redis.Client
	flagTTL   time.Duration
	readyPoll time.Duration
	log       *zap.Logger
}

func New(cfg config.RedisConfig, flagTTL time.Duration, log *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Successfully connected to Redis session store")
	return &Store{
		client:    client,
		flagTTL:   flagTTL,
		readyPoll: 50 * time.Millisecond,
		log:       log,
	}, nil
}

func descriptorKey(callControlID string) string {
	return "call:" + callControlID + ":descriptor"
}

func counterKey(callControlID, counter string) string {
	return "call:" + callControlID + ":counter:" + counter
}

func flagKey(callControlID, name string) string {
	return "call:" + callControlID + ":flag:" + name
}

func (s *Store) SetDescriptor(ctx context.Context, callControlID string, desc domain.SessionDescriptor, ttl time.Duration) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal session descriptor: %w", err)
	}
	return s.client.Set(ctx, descriptorKey(callControlID), data, ttl).Err()
}

func (s *Store) GetDescriptor(ctx context.Context, callControlID string) (*domain.SessionDescriptor, error) {
	data, err := s.client.Get(ctx, descriptorKey(callControlID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var desc domain.SessionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session descriptor: %w", err)
	}
	return &desc, nil
}

func (s *Store) Increment(ctx context.Context, callControlID, counter string) (int64, error) {
	key := counterKey(callControlID, counter)
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, key, s.flagTTL)
	return v, nil
}

func (s *Store) Decrement(ctx context.Context, callControlID, counter string) (int64, error) {
	v, err := decrClamp.Run(ctx, s.client, []string{counterKey(callControlID, counter)}).Int64()
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) GetCounter(ctx context.Context, callControlID, counter string) (int64, error) {
	v, err := s.client.Get(ctx, counterKey(callControlID, counter)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *Store) ResetCounter(ctx context.Context, callControlID, counter string) error {
	return s.client.Set(ctx, counterKey(callControlID, counter), 0, s.flagTTL).Err()
}

func (s *Store) SetFlag(ctx context.Context, callControlID, name string, value bool, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.flagTTL
	}
	v := "0"
	if value {
		v = "1"
	}
	return s.client.Set(ctx, flagKey(callControlID, name), v, ttl).Err()
}

func (s *Store) GetFlag(ctx context.Context, callControlID, name string) (bool, error) {
	v, err := s.client.Get(ctx, flagKey(callControlID, name)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// WaitForFlag polls the flag at a short interval until it is set or ctx
// expires. The caller supplies the deadline; there is no unbounded wait.
func (s *Store) WaitForFlag(ctx context.Context, callControlID, name string) error {
	ticker := time.NewTicker(s.readyPoll)
	defer ticker.Stop()

	for {
		set, err := s.GetFlag(ctx, callControlID, name)
		if err != nil {
			return err
		}
		if set {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for flag %s on call %s: %w", name, callControlID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Store) ExpireAll(ctx context.Context, callControlID string, grace time.Duration) error {
	pattern := "call:" + callControlID + ":*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Expire(ctx, iter.Val(), grace).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *Store) Ping() error {
	return s.client.Ping(context.Background()).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ ports.SessionStore = (*Store)(nil)
