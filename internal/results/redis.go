package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/stats"
)

const (
	redisPrefix   = "stgen:runs:"
	redisIndexKey = redisPrefix + "index"
)

// saveScript stores the summary only if absent and indexes it by end time.
var saveScript = redis.NewScript(`
	local key = KEYS[1]
	local index_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local score = ARGV[3]
	local run_id = ARGV[4]
	local ok
	if ttl > 0 then
		ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	else
		ok = redis.call('SET', key, data, 'NX')
	end
	if not ok then
		return 0
	end
	redis.call('ZADD', index_key, score, run_id)
	return 1
`)

// RedisStore keeps each summary as JSON under stgen:runs:<id> and an index
// sorted set of run IDs scored by end time.
type RedisStore struct {
	client redis.UniversalClient
	logger logger.Logger
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps summaries forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, log logger.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: log.WithField("component", "results_redis"),
		ttl:    ttl,
	}
}

// OpenRedis connects to the configured Redis and verifies it with PING.
func OpenRedis(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, cfg.TTL, log), nil
}

// Client exposes the underlying client for health checks.
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Save(ctx context.Context, s *stats.Summary) error {
	if s.RunID == "" {
		return errors.New("summary has no run id")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	stored, err := saveScript.Run(ctx, r.client,
		[]string{redisPrefix + s.RunID, redisIndexKey},
		data, r.ttl.Milliseconds(), s.EndedAt.UnixMilli(), s.RunID).Int()
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}

	if stored == 0 {
		r.logger.WithField("run_id", s.RunID).Debug("Summary already stored")
		return nil
	}
	r.logger.WithFields(map[string]interface{}{
		"run_id": s.RunID,
		"role":   s.Role,
	}).Info("Summary stored")
	return nil
}

func (r *RedisStore) Get(ctx context.Context, runID string) (*stats.Summary, error) {
	data, err := r.client.Get(ctx, redisPrefix+runID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	var s stats.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) List(ctx context.Context) ([]*stats.Summary, error) {
	ids, err := r.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}
	if len(ids) == 0 {
		return []*stats.Summary{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, redisPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get summaries: %w", err)
	}

	out := make([]*stats.Summary, 0, len(ids))
	expired := make([]interface{}, 0)
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			expired = append(expired, ids[i])
			continue
		} else if err != nil {
			r.logger.WithError(err).Warnf("Failed to get summary %s", ids[i])
			continue
		}

		var s stats.Summary
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.WithError(err).Warnf("Failed to unmarshal summary %s", ids[i])
			continue
		}
		out = append(out, &s)
	}

	// Summaries that reached their TTL leave the index lazily
	if len(expired) > 0 {
		if err := r.client.ZRem(ctx, redisIndexKey, expired...).Err(); err != nil {
			r.logger.WithError(err).Warn("Failed to prune run index")
		}
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
