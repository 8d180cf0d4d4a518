package storage

import "errors"

// ErrNotFound reports that a named store has no snapshot yet (first run).
var ErrNotFound = errors.New("snapshot not found")

// ErrCorrupted reports that both the primary snapshot and its backup copy are
// unreadable. Callers treat this as fatal at startup.
var ErrCorrupted = errors.New("snapshot corrupted")

// Store persists named snapshots of in-memory state. Each named store keeps a
// primary copy and the previous known-good copy; Load falls back to the backup
// when the primary is unreadable.
type Store interface {
	// Load reads the named snapshot into out. Returns ErrNotFound when no
	// snapshot exists and ErrCorrupted when neither copy is readable.
	Load(name string, out any) error

	// Save writes a new snapshot, rotating the current primary to the backup.
	Save(name string, v any) error

	// SizeBytes returns the on-disk database size.
	SizeBytes() (int64, error)

	Close() error
}
