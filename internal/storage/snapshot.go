package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one saved context state.
type Snapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Version   int       `json:"version"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore keeps versioned context snapshots per session in SQLite.
type SnapshotStore struct {
	db        *DB
	threshold int
}

// NewSnapshotStore creates a SnapshotStore. threshold follows
// NewSQLiteBackend.
func NewSnapshotStore(db *DB, threshold int) *SnapshotStore {
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	return &SnapshotStore{db: db, threshold: threshold}
}

// SaveSnapshot stores state as the session's next version and returns it.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, sessionID string, state []byte) (int, error) {
	var version int
	err := s.db.WithTx(ctx, func(tx *Tx) error {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(version) FROM context_snapshots WHERE session_id = ?", sessionID,
		).Scan(&max); err != nil {
			return err
		}
		version = int(max.Int64) + 1

		blob, enc := encodeBlob(state, s.threshold)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_snapshots (id, session_id, version, state, encoding, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), sessionID, version, blob, enc, len(state), time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return version, nil
}

// LatestSnapshot returns the newest snapshot, or version 0 when the session
// has none.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, sessionID string) ([]byte, int, error) {
	var (
		blob    []byte
		enc     string
		version int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, encoding, version FROM context_snapshots
		WHERE session_id = ? ORDER BY version DESC LIMIT 1
	`, sessionID).Scan(&blob, &enc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	state, err := decodeBlob(blob, enc)
	if err != nil {
		return nil, 0, err
	}
	return state, version, nil
}

// ListSnapshots returns up to limit snapshots of a session, newest first.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, version, size_bytes, created_at FROM context_snapshots
		WHERE session_id = ? ORDER BY version DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.SessionID, &snap.Version, &snap.SizeBytes, &snap.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots keeps the newest keep versions of a session and returns
// how many were removed.
func (s *SnapshotStore) PruneSnapshots(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM context_snapshots WHERE session_id = ? AND version <= (
			SELECT COALESCE(MAX(version), 0) - ? FROM context_snapshots WHERE session_id = ?
		)
	`, sessionID, keep, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
