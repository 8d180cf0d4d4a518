package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketSnapshots = "snapshots"
	backupSuffix    = ".bak"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/state.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshots))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) Load(name string, out any) error {
	var primary, backup []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		if v := b.Get([]byte(name)); v != nil {
			primary = make([]byte, len(v))
			copy(primary, v)
		}
		if v := b.Get([]byte(name + backupSuffix)); v != nil {
			backup = make([]byte, len(v))
			copy(backup, v)
		}
		return nil
	}); err != nil {
		return err
	}

	if primary == nil && backup == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if primary != nil {
		if err := msgpack.Unmarshal(primary, out); err == nil {
			return nil
		}
	}
	if backup != nil {
		if err := msgpack.Unmarshal(backup, out); err == nil {
			metrics.SnapshotRestores.Inc()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCorrupted, name)
}

func (s *bboltStore) Save(name string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		key := []byte(name)
		// Rotate the current primary to the backup slot before overwriting,
		// so a crash mid-write still leaves one good copy.
		if current := b.Get(key); current != nil {
			rotated := make([]byte, len(current))
			copy(rotated, current)
			if err := b.Put([]byte(name+backupSuffix), rotated); err != nil {
				return err
			}
		}
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}
	metrics.SnapshotWrites.WithLabelValues(name).Inc()
	return nil
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
