package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"threadfeed/api/internal/feed"
)

// PebbleKV is an embedded on-disk store.
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens or creates the database in dir. A nil fs uses the
// operating system's filesystem.
func OpenPebble(dir string, fs vfs.FS) (*PebbleKV, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleKV{db: db}, nil
}

func pebbleKey(ns Namespace, key string) []byte {
	return []byte(string(ns) + ":" + key)
}

func (s *PebbleKV) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	v, closer, err := s.db.Get(pebbleKey(ns, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %s/%s: %w", ns, key, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleKV) Put(_ context.Context, ns Namespace, key string, value []byte) error {
	if err := s.db.Set(pebbleKey(ns, key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PebbleKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
