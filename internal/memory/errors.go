// Package memory provides the tiered working-memory store: an in-process
// key/value store with tiers, priorities, capacity-driven eviction and a
// write-behind persistence backend.
package memory

import (
	"errors"
	"fmt"
)

// Memory errors.
var (
	// ErrEntryNotFound indicates that the memory entry was not found.
	ErrEntryNotFound = errors.New("memory: entry not found")

	// ErrEntryTooLarge indicates that a single value exceeds MaxSizeBytes.
	ErrEntryTooLarge = errors.New("memory: entry larger than store capacity")

	// ErrInsufficientCapacity indicates that no combination of evictable
	// entries frees enough room; everything left is pinned or critical.
	ErrInsufficientCapacity = errors.New("memory: insufficient evictable capacity")

	// ErrInvalidKey indicates an empty or malformed key.
	ErrInvalidKey = errors.New("memory: invalid key")

	// ErrInvalidValue indicates that a value could not be encoded as JSON.
	ErrInvalidValue = errors.New("memory: value is not JSON-serializable")

	// ErrNoBackend indicates a persistence call on a store without a backend.
	ErrNoBackend = errors.New("memory: no backend configured")

	// ErrStateVersion indicates a snapshot written by an incompatible version.
	ErrStateVersion = errors.New("memory: unsupported state version")
)

// MemoryError represents an error with context about the memory operation.
type MemoryError struct {
	Op  string // Operation name (e.g., "store", "flush", "load")
	Key string // Related entry key (if applicable)
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *MemoryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *MemoryError) Unwrap() error {
	return e.Err
}
