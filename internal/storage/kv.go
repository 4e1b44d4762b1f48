package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// namespacePrefix 命名空间注册表的键前缀
const namespacePrefix = "memory.namespace:"

// KVSet 设置键值，ttl 为 0 表示永不过期
func (db *DB) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)",
		key, value, expiresAt,
	)
	return err
}

// KVGet 获取键值，过期视为不存在
func (db *DB) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		_, _ = db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}
	return value, nil
}

// KVDelete 删除键值
func (db *DB) KVDelete(ctx context.Context, key string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// KVList 按前缀列出未过期的键值对
func (db *DB) KVList(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key, value, expires_at FROM kv_store WHERE key LIKE ? || '%'", prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		var expiresAt sql.NullTime
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid && expiresAt.Time.Before(now) {
			continue
		}
		result[key] = value
	}
	return result, rows.Err()
}

// KVCleanExpired 清理过期的键值对
func (db *DB) KVCleanExpired(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?", time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// touchNamespace 记录命名空间最近一次写入时间
func (db *DB) touchNamespace(ctx context.Context, namespace string) error {
	return db.KVSet(ctx, namespacePrefix+namespace, time.Now().UTC().Format(time.RFC3339), 0)
}

// Namespaces 返回已注册的命名空间及其最近写入时间
func (db *DB) Namespaces(ctx context.Context) (map[string]string, error) {
	kv, err := db.KVList(ctx, namespacePrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		out[strings.TrimPrefix(k, namespacePrefix)] = v
	}
	return out, nil
}
