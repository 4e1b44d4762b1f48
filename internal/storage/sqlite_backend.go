package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ctxbudget/internal/memory"
)

// SQLiteBackend persists working-memory entries in SQLite. Values at or
// above the compression threshold are stored zstd-compressed.
type SQLiteBackend struct {
	db        *DB
	threshold int
}

// NewSQLiteBackend creates a SQLiteBackend. threshold 0 uses
// DefaultCompressThreshold; negative disables compression.
func NewSQLiteBackend(db *DB, threshold int) *SQLiteBackend {
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	return &SQLiteBackend{db: db, threshold: threshold}
}

// Save implements memory.Backend.
func (b *SQLiteBackend) Save(ctx context.Context, namespace string, entries []memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := b.db.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO memory_entries (namespace, key, description, value, encoding, scope, tier, plan_id,
				size_bytes, base_priority, pinned, created_at, last_accessed_at, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (namespace, key) DO UPDATE SET
				description = excluded.description,
				value = excluded.value,
				encoding = excluded.encoding,
				scope = excluded.scope,
				tier = excluded.tier,
				plan_id = excluded.plan_id,
				size_bytes = excluded.size_bytes,
				base_priority = excluded.base_priority,
				pinned = excluded.pinned,
				created_at = excluded.created_at,
				last_accessed_at = excluded.last_accessed_at,
				access_count = excluded.access_count
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			blob, enc := encodeBlob(e.Value, b.threshold)
			_, err := stmt.ExecContext(ctx,
				namespace, e.Key, e.Description, blob, enc, string(e.Scope), string(e.Tier), e.PlanID,
				e.SizeBytes, int(e.BasePriority), e.Pinned, e.CreatedAt.UnixNano(), e.LastAccessedAt.UnixNano(), e.AccessCount,
			)
			if err != nil {
				return fmt.Errorf("save %s: %w", e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.db.touchNamespace(ctx, namespace)
}

// Delete implements memory.Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.WithTx(ctx, func(tx *Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entries WHERE namespace = ? AND key = ?", namespace, k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return nil
	})
}

// LoadAll implements memory.Backend.
func (b *SQLiteBackend) LoadAll(ctx context.Context, namespace string) ([]memory.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT key, description, value, encoding, scope, tier, plan_id, size_bytes, base_priority,
			pinned, created_at, last_accessed_at, access_count
		FROM memory_entries WHERE namespace = ? ORDER BY key
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns a single entry without loading the namespace.
func (b *SQLiteBackend) Get(ctx context.Context, namespace, key string) (memory.Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT key, description, value, encoding, scope, tier, plan_id, size_bytes, base_priority,
			pinned, created_at, last_accessed_at, access_count
		FROM memory_entries WHERE namespace = ? AND key = ?
	`, namespace, key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return memory.Entry{}, ErrNotFound
	}
	return e, err
}

// Namespaces returns the registered namespaces in order.
func (b *SQLiteBackend) Namespaces(ctx context.Context) ([]string, error) {
	ns, err := b.db.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ns))
	for name := range ns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteNamespace removes every entry of namespace and its registration.
func (b *SQLiteBackend) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM memory_entries WHERE namespace = ?", namespace)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := b.db.KVDelete(ctx, namespacePrefix+namespace); err != nil && err != ErrNotFound {
		return n, err
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (memory.Entry, error) {
	var (
		e                 memory.Entry
		blob              []byte
		enc, scope, tier  string
		priority          int
		created, accessed int64
	)
	if err := s.Scan(&e.Key, &e.Description, &blob, &enc, &scope, &tier, &e.PlanID, &e.SizeBytes,
		&priority, &e.Pinned, &created, &accessed, &e.AccessCount); err != nil {
		return memory.Entry{}, err
	}
	value, err := decodeBlob(blob, enc)
	if err != nil {
		return memory.Entry{}, fmt.Errorf("decode %s: %w", e.Key, err)
	}
	e.Value = json.RawMessage(value)
	e.Scope = memory.Scope(scope)
	e.Tier = memory.Tier(tier)
	e.BasePriority = memory.Priority(priority)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.LastAccessedAt = time.Unix(0, accessed).UTC()
	return e, nil
}
