package resultcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
)

// KeyPrefix namespaces the per-scope result hashes.
const KeyPrefix = "retention:results:"

// RedisConfig holds connection settings for the Redis cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL is refreshed on every save. Zero keeps results until Clear.
	TTL time.Duration
}

// Redis stores one hash per scope so that a summary query from another
// process sees the results of an in-flight session.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "resultcache: ping redis %s", cfg.Addr)
	}
	return client, nil
}

// NewRedis returns a cache bound to scope on an existing client.
func NewRedis(client redis.Cmdable, scope string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: KeyPrefix + scope, ttl: ttl}
}

// Key returns the Redis hash key backing this cache.
func (r *Redis) Key() string { return r.key }

func (r *Redis) Save(ctx context.Context, stage string, result model.AgentResult) error {
	if stage == "" {
		return ErrEmptyStage
	}
	if result.Stage == "" {
		result.Stage = stage
	}
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrapf(err, "resultcache: marshal %s result", stage)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, stage, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	return eris.Wrapf(err, "resultcache: save %s", stage)
}

func (r *Redis) GetAll(ctx context.Context) (map[string]model.AgentResult, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, eris.Wrap(err, "resultcache: get all")
	}
	out := make(map[string]model.AgentResult, len(raw))
	for stage, v := range raw {
		var res model.AgentResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, eris.Wrapf(err, "resultcache: decode %s result", stage)
		}
		out[stage] = res
	}
	return out, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return eris.Wrap(r.client.Del(ctx, r.key).Err(), "resultcache: clear")
}

// RedisFactory returns a Factory that binds each scope to its own hash.
func RedisFactory(client redis.Cmdable, ttl time.Duration) Factory {
	return func(scope string) Cache { return NewRedis(client, scope, ttl) }
}
