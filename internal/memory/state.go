package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
)

// StateVersion is the snapshot format written by GetState.
const StateVersion = 1

// State is a serializable snapshot of a WorkingMemory.
type State struct {
	Version   int     `json:"version"`
	Namespace string  `json:"namespace"`
	Entries   []Entry `json:"entries"`
}

// GetState returns a deep copy of the current entries. It never performs
// I/O and always reflects the last completed mutation.
func (m *WorkingMemory) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("GetState")

	st := State{Version: StateVersion, Namespace: m.namespace, Entries: make([]Entry, 0, len(m.entries))}
	for _, key := range m.sortedKeys() {
		st.Entries = append(st.Entries, *m.entries[key].clone())
	}
	return st
}

// RestoreState replaces the store's contents with st. When st exceeds the
// configured capacity the least valuable entries are evicted; if pinned and
// critical entries alone exceed it, the store is left unchanged and
// ErrInsufficientCapacity is returned. All restored keys are marked for the
// next flush and keys that disappeared are scheduled for deletion.
func (m *WorkingMemory) RestoreState(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("RestoreState")

	if st.Version != 0 && st.Version != StateVersion {
		return &MemoryError{Op: "restore", Err: fmt.Errorf("%w: %d", ErrStateVersion, st.Version)}
	}

	prevEntries, prevBytes := maps.Clone(m.entries), m.totalBytes
	prevDirty, prevDeleted := maps.Clone(m.dirty), maps.Clone(m.deleted)

	for key := range m.entries {
		m.remove(key)
	}
	m.entries = make(map[string]*Entry, len(st.Entries))
	m.totalBytes = 0
	for i := range st.Entries {
		e := st.Entries[i].clone()
		if e.SizeBytes == 0 {
			e.SizeBytes = len(e.Value)
		}
		if e.Tier == "" {
			e.Tier = TierOf(e.Key)
		}
		e.BasePriority = e.BasePriority.OrNormal()
		m.entries[e.Key] = e
		m.totalBytes += e.SizeBytes
		m.markDirty(e.Key)
	}
	m.invalidate()

	if err := m.shrinkToCapacity(); err != nil {
		m.entries, m.totalBytes = prevEntries, prevBytes
		m.dirty, m.deleted = prevDirty, prevDeleted
		return &MemoryError{Op: "restore", Err: err}
	}
	return nil
}

// shrinkToCapacity evicts entries until the store is within its limits. It
// removes nothing when the limits cannot be reached.
func (m *WorkingMemory) shrinkToCapacity() error {
	bytes, count := m.totalBytes, len(m.entries)
	fits := func() bool {
		return bytes <= m.config.MaxSizeBytes && count <= m.config.MaxIndexEntries
	}
	if fits() {
		return nil
	}

	var victims []string
	for _, e := range m.candidates(EvictLRU, "") {
		victims = append(victims, e.Key)
		bytes -= e.SizeBytes
		count--
		if fits() {
			break
		}
	}
	if !fits() {
		return ErrInsufficientCapacity
	}

	for _, k := range victims {
		m.remove(k)
	}
	m.evictions += len(victims)
	m.logger.Debug().Strs("keys", victims).Msg("memory: restored state over capacity")
	return nil
}

// Load replaces the in-process contents with what the backend holds for
// this namespace. Loaded entries are clean.
func (m *WorkingMemory) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		m.panicDestroyed("Load")
	}
	backend := m.backend
	m.mu.Unlock()

	if backend == nil {
		return &MemoryError{Op: "load", Err: ErrNoBackend}
	}
	entries, err := backend.LoadAll(ctx, m.namespace)
	if err != nil {
		return &MemoryError{Op: "load", Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry, len(entries))
	m.totalBytes = 0
	for i := range entries {
		e := entries[i].clone()
		e.BasePriority = e.BasePriority.OrNormal()
		m.entries[e.Key] = e
		m.totalBytes += e.SizeBytes
	}
	m.dirty = make(map[string]struct{})
	m.deleted = make(map[string]struct{})
	m.invalidate()
	return nil
}

// Flush writes pending changes to the backend. Changes that fail to persist
// stay pending for the next flush.
func (m *WorkingMemory) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		m.panicDestroyed("Flush")
	}
	return m.flushLocked(ctx)
}

// flushIfAlive is Flush for background callers that may race with Destroy.
func (m *WorkingMemory) flushIfAlive(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	return m.flushLocked(ctx)
}

// flushLocked is called with m.flushMu and m.mu held and releases m.mu.
func (m *WorkingMemory) flushLocked(ctx context.Context) error {
	if m.backend == nil {
		m.mu.Unlock()
		return nil
	}
	puts := make([]Entry, 0, len(m.dirty))
	for key := range m.dirty {
		if e, ok := m.entries[key]; ok {
			puts = append(puts, *e.clone())
		}
	}
	dels := make([]string, 0, len(m.deleted))
	for key := range m.deleted {
		dels = append(dels, key)
	}
	m.dirty = make(map[string]struct{})
	m.deleted = make(map[string]struct{})
	backend := m.backend
	m.mu.Unlock()

	if len(puts) == 0 && len(dels) == 0 {
		return nil
	}

	var err error
	if len(dels) > 0 {
		if derr := backend.Delete(ctx, m.namespace, dels); derr != nil {
			err = derr
		} else {
			dels = nil
		}
	}
	if len(puts) > 0 {
		if perr := backend.Save(ctx, m.namespace, puts); perr != nil {
			err = perr
		} else {
			puts = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFlushErr = err
	if err == nil {
		return nil
	}
	if m.deleted == nil {
		// Destroyed while the backend call was in flight.
		return &MemoryError{Op: "flush", Err: err}
	}
	// Requeue whatever failed unless a newer mutation already superseded it.
	for _, key := range dels {
		if _, ok := m.entries[key]; !ok {
			m.deleted[key] = struct{}{}
		}
	}
	for _, e := range puts {
		if _, ok := m.entries[e.Key]; ok {
			if _, del := m.deleted[e.Key]; !del {
				m.dirty[e.Key] = struct{}{}
			}
		}
	}
	m.logger.Error().Err(err).Str("namespace", m.namespace).Msg("memory: flush failed")
	return &MemoryError{Op: "flush", Err: err}
}

// Destroy flushes pending changes and releases the store. It is idempotent;
// any other call afterwards panics.
func (m *WorkingMemory) Destroy(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	err := m.flushLocked(ctx)

	m.mu.Lock()
	m.entries = nil
	m.dirty = nil
	m.deleted = nil
	m.backend = nil
	m.invalidate()
	m.mu.Unlock()
	return err
}

// Destroyed reports whether Destroy has been called.
func (m *WorkingMemory) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
