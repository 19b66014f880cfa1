// Package localcache keeps the last known document state of each room on the
// client's disk, so a diagram opens before the relay answers.
package localcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketState   = []byte("state")
	bucketSavedAt = []byte("saved_at")
)

type Entry struct {
	State   []byte
	SavedAt time.Time
}

type Cache struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("localcache: mkdir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketSavedAt} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localcache: init buckets: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put replaces the cached state of roomID.
func (c *Cache) Put(roomID string, state []byte) error {
	if roomID == "" {
		return errors.New("localcache: empty room id")
	}
	ts, err := c.now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketState).Put([]byte(roomID), state); err != nil {
			return err
		}
		return tx.Bucket(bucketSavedAt).Put([]byte(roomID), ts)
	})
}

// Get returns the cached entry; ok is false when nothing is cached.
func (c *Cache) Get(roomID string) (e Entry, ok bool, err error) {
	err = c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(roomID))
		if v == nil {
			return nil
		}
		// bbolt memory is only valid inside the transaction
		e.State = append([]byte(nil), v...)
		ok = true
		if ts := tx.Bucket(bucketSavedAt).Get([]byte(roomID)); ts != nil {
			return e.SavedAt.UnmarshalBinary(ts)
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("localcache: get %s: %w", roomID, err)
	}
	return e, ok, nil
}

func (c *Cache) Delete(roomID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketState).Delete([]byte(roomID)); err != nil {
			return err
		}
		return tx.Bucket(bucketSavedAt).Delete([]byte(roomID))
	})
}

// Rooms lists cached room ids in key order.
func (c *Cache) Rooms() ([]string, error) {
	var out []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
