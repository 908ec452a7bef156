package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/id/uuid"
	"github.com/ticnsp/eaas/internal/liturgy"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of go-redis used for claims.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis implements liturgy.Claimer with SET NX PX.
type Redis struct {
	client Client
	prefix string
	tokens func() (string, error)
	logger *zap.Logger
}

var _ liturgy.Claimer = (*Redis)(nil)

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedis builds a Redis claimer. Keys are stored as prefix+key.
func NewRedis(client Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "eaas:claim:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		tokens: uuid.New().Token,
		logger: logger.Named("claim"),
	}
}

// Claim takes the lease or returns liturgy.ErrClaimed.
func (r *Redis) Claim(ctx context.Context, key string, lease time.Duration) (liturgy.ReleaseFunc, error) {
	token, err := r.tokens()
	if err != nil {
		return nil, err
	}
	redisKey := r.prefix + key
	ok, err := r.client.SetNX(ctx, redisKey, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, liturgy.ErrClaimed
	}
	r.logger.Debug("claimed key", zap.String("key", redisKey), zap.Duration("lease", lease))

	return func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if deleted == 0 {
			r.logger.Warn("claim expired before release", zap.String("key", redisKey))
		}
		return nil
	}, nil
}
