// Package context assembles the model context from plugin components and
// keeps it inside a token budget by compacting the least protected
// components first.
package context

import "errors"

// Context manager errors.
var (
	// ErrFixedOverBudget indicates that fixed components alone exceed the
	// budget. This is a configuration error; nothing can be compacted.
	ErrFixedOverBudget = errors.New("context: fixed components exceed budget")

	// ErrDuplicatePlugin indicates that a plugin name is already registered.
	ErrDuplicatePlugin = errors.New("context: duplicate plugin name")

	// ErrDuplicateComponent indicates two plugins produced the same
	// component name.
	ErrDuplicateComponent = errors.New("context: duplicate component name")

	// ErrNoSnapshotStore indicates a checkpoint call without a snapshot store.
	ErrNoSnapshotStore = errors.New("context: no snapshot store configured")
)
