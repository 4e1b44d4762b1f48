package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ctxbudget/internal/memory"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string, e.g. "redis://localhost:6379/0".
	URL string

	// KeyPrefix namespaces every key. Default: "ctxbudget"
	KeyPrefix string

	// ConnectTimeout bounds the initial ping. Default: 5s
	ConnectTimeout time.Duration

	// CompressThreshold follows NewSQLiteBackend.
	CompressThreshold int
}

// RedisBackend persists working-memory entries as CBOR records in one hash
// per namespace.
type RedisBackend struct {
	client    *redis.Client
	prefix    string
	threshold int
}

// redisRecord is the CBOR form of a memory.Entry.
type redisRecord struct {
	Key            string `cbor:"1,keyasint"`
	Description    string `cbor:"2,keyasint,omitempty"`
	Value          []byte `cbor:"3,keyasint"`
	Encoding       string `cbor:"4,keyasint,omitempty"`
	Scope          string `cbor:"5,keyasint"`
	Tier           string `cbor:"6,keyasint,omitempty"`
	PlanID         string `cbor:"7,keyasint,omitempty"`
	SizeBytes      int    `cbor:"8,keyasint"`
	BasePriority   int    `cbor:"9,keyasint"`
	Pinned         bool   `cbor:"10,keyasint,omitempty"`
	CreatedAt      int64  `cbor:"11,keyasint"`
	LastAccessedAt int64  `cbor:"12,keyasint"`
	AccessCount    int    `cbor:"13,keyasint,omitempty"`
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "ctxbudget"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = DefaultCompressThreshold
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBackend{client: client, prefix: opts.KeyPrefix, threshold: opts.CompressThreshold}, nil
}

func (b *RedisBackend) hashKey(namespace string) string {
	return b.prefix + ":memory:" + namespace
}

func (b *RedisBackend) namespacesKey() string {
	return b.prefix + ":namespaces"
}

// Save implements memory.Backend.
func (b *RedisBackend) Save(ctx context.Context, namespace string, entries []memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make(map[string]any, len(entries))
	for _, e := range entries {
		blob, enc := encodeBlob(e.Value, b.threshold)
		data, err := cborEnc.Marshal(redisRecord{
			Key:            e.Key,
			Description:    e.Description,
			Value:          blob,
			Encoding:       enc,
			Scope:          string(e.Scope),
			Tier:           string(e.Tier),
			PlanID:         e.PlanID,
			SizeBytes:      e.SizeBytes,
			BasePriority:   int(e.BasePriority),
			Pinned:         e.Pinned,
			CreatedAt:      e.CreatedAt.UnixNano(),
			LastAccessedAt: e.LastAccessedAt.UnixNano(),
			AccessCount:    e.AccessCount,
		})
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		fields[e.Key] = data
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.hashKey(namespace), fields)
	pipe.SAdd(ctx, b.namespacesKey(), namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save to redis: %w", err)
	}
	return nil
}

// Delete implements memory.Backend.
func (b *RedisBackend) Delete(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.HDel(ctx, b.hashKey(namespace), keys...).Err(); err != nil {
		return fmt.Errorf("delete from redis: %w", err)
	}
	return nil
}

// LoadAll implements memory.Backend.
func (b *RedisBackend) LoadAll(ctx context.Context, namespace string) ([]memory.Entry, error) {
	all, err := b.client.HGetAll(ctx, b.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("load from redis: %w", err)
	}
	out := make([]memory.Entry, 0, len(all))
	for field, data := range all {
		var rec redisRecord
		if err := cborDec.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		value, err := decodeBlob(rec.Value, rec.Encoding)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		out = append(out, memory.Entry{
			Key:            rec.Key,
			Description:    rec.Description,
			Value:          json.RawMessage(value),
			Scope:          memory.Scope(rec.Scope),
			Tier:           memory.Tier(rec.Tier),
			PlanID:         rec.PlanID,
			SizeBytes:      rec.SizeBytes,
			BasePriority:   memory.Priority(rec.BasePriority),
			Pinned:         rec.Pinned,
			CreatedAt:      time.Unix(0, rec.CreatedAt).UTC(),
			LastAccessedAt: time.Unix(0, rec.LastAccessedAt).UTC(),
			AccessCount:    rec.AccessCount,
		})
	}
	return out, nil
}

// Namespaces lists every namespace that has been saved, in order.
func (b *RedisBackend) Namespaces(ctx context.Context) ([]string, error) {
	ns, err := b.client.SMembers(ctx, b.namespacesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ns)
	return ns, nil
}

// DeleteNamespace removes a namespace hash and its registration.
func (b *RedisBackend) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	n, err := b.client.HLen(ctx, b.hashKey(namespace)).Result()
	if err != nil {
		return 0, err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.hashKey(namespace))
	pipe.SRem(ctx, b.namespacesKey(), namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
