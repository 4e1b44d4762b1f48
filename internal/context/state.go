package context

import (
	"context"
	"encoding/json"
	"fmt"
)

// StateVersion is the snapshot format written by GetState.
const StateVersion = 1

// State is the combined snapshot of every Stateful plugin.
type State struct {
	Version int                        `json:"version"`
	Plugins map[string]json.RawMessage `json:"plugins"`
}

// SnapshotStore persists versioned state snapshots per session.
type SnapshotStore interface {
	// SaveSnapshot stores state as the next version and returns it.
	SaveSnapshot(ctx context.Context, sessionID string, state []byte) (int, error)

	// LatestSnapshot returns the newest snapshot, or version 0 when the
	// session has none.
	LatestSnapshot(ctx context.Context, sessionID string) ([]byte, int, error)
}

// GetState snapshots every Stateful plugin without I/O.
func (m *Manager) GetState() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("GetState")

	st := State{Version: StateVersion, Plugins: make(map[string]json.RawMessage)}
	for _, p := range m.plugins {
		sp, ok := p.(Stateful)
		if !ok {
			continue
		}
		raw, err := sp.GetState()
		if err != nil {
			return State{}, fmt.Errorf("get state of %s: %w", p.Name(), err)
		}
		st.Plugins[p.Name()] = raw
	}
	return st, nil
}

// RestoreState restores each registered Stateful plugin from st. Plugins
// missing from st are left as they are.
func (m *Manager) RestoreState(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("RestoreState")

	if st.Version != 0 && st.Version != StateVersion {
		return fmt.Errorf("context: unsupported state version %d", st.Version)
	}
	for _, p := range m.plugins {
		sp, ok := p.(Stateful)
		if !ok {
			continue
		}
		raw, ok := st.Plugins[p.Name()]
		if !ok {
			continue
		}
		if err := sp.RestoreState(raw); err != nil {
			return fmt.Errorf("restore state of %s: %w", p.Name(), err)
		}
	}
	for name := range st.Plugins {
		if !m.hasPlugin(name) {
			m.logger.Warn().Str("plugin", name).Msg("context: state for unregistered plugin ignored")
		}
	}
	return nil
}

// Checkpoint saves the current state as the session's next snapshot.
func (m *Manager) Checkpoint(ctx context.Context) (int, error) {
	if m.snapshots == nil {
		return 0, ErrNoSnapshotStore
	}
	st, err := m.GetState()
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	version, err := m.snapshots.SaveSnapshot(ctx, m.sessionID, data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	m.logger.Debug().Str("session_id", m.sessionID).Int("version", version).Msg("context: checkpoint saved")
	return version, nil
}

// Resume restores the session's latest snapshot. It reports false when the
// session has none.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	if m.snapshots == nil {
		return false, ErrNoSnapshotStore
	}
	data, version, err := m.snapshots.LatestSnapshot(ctx, m.sessionID)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if version == 0 {
		return false, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return false, fmt.Errorf("decode snapshot %d: %w", version, err)
	}
	if err := m.RestoreState(st); err != nil {
		return false, err
	}
	m.logger.Debug().Str("session_id", m.sessionID).Int("version", version).Msg("context: resumed from snapshot")
	return true, nil
}

func (m *Manager) hasPlugin(name string) bool {
	for _, p := range m.plugins {
		if p.Name() == name {
			return true
		}
	}
	return false
}
