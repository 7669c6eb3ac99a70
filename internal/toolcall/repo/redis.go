package repo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisStore stores every key as a plain Redis string under a namespace
// prefix. SET and GET are atomic per key.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ model.StateStore = (*RedisStore)(nil)

// NewRedisStore creates a store. A positive ttl is refreshed on every save.
func NewRedisStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(key string) string {
	return r.prefix + key
}

func (r *RedisStore) Save(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errx.InvalidArgument("key is required")
	}
	k := r.key(key)
	if err := r.rdb.Set(ctx, k, value, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", k).Msg("failed to save state to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	k := r.key(key)
	b, err := r.rdb.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.NotFound("key %q not found", key)
		}
		logx.Error().Err(err).Str("key", k).Msg("failed to load state from redis")
		return nil, errx.WrapRedis(err)
	}
	return b, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	k := r.key(key)
	if err := r.rdb.Del(ctx, k).Err(); err != nil {
		logx.Error().Err(err).Str("key", k).Msg("failed to delete state from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	k := r.key(key)
	n, err := r.rdb.Exists(ctx, k).Result()
	if err != nil {
		logx.Error().Err(err).Str("key", k).Msg("failed to check state key in redis")
		return false, errx.WrapRedis(err)
	}
	return n > 0, nil
}

// List walks the keyspace with SCAN so large databases are not blocked.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scan(ctx, r.key(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisStore) Size(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx, r.prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	seen := map[string]struct{}{}
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			logx.Error().Err(err).Str("match", match).Msg("failed to scan redis keys")
			return nil, errx.WrapRedis(err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
