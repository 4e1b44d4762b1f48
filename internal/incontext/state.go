package incontext

import "fmt"

// StateVersion is the snapshot format written by GetState.
const StateVersion = 1

// State is a serializable snapshot of a Store.
type State struct {
	Version    int     `json:"version"`
	MaxEntries int     `json:"max_entries"`
	Entries    []Entry `json:"entries"`
}

// GetState returns a deep copy of the store's entries.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("GetState")
	st := State{Version: StateVersion, MaxEntries: s.config.MaxEntries}
	for _, e := range s.ordered() {
		st.Entries = append(st.Entries, *clone(e))
	}
	return st
}

// RestoreState replaces the store's contents with st.
func (s *Store) RestoreState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("RestoreState")
	if st.Version != 0 && st.Version != StateVersion {
		return fmt.Errorf("incontext: unsupported state version %d", st.Version)
	}
	if st.MaxEntries > 0 {
		s.config.MaxEntries = st.MaxEntries
	}
	s.entries = make(map[string]*Entry, len(st.Entries))
	s.seq = 0
	for i := range st.Entries {
		e := clone(&st.Entries[i])
		s.entries[e.Key] = e
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	return nil
}
