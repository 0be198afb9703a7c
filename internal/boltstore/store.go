// Package boltstore provides typed JSON key-value storage on bbolt.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Put(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errdefs.ErrNotFound

// BoltStore is a bucket-scoped Store backed by a bbolt database.
type BoltStore[T any] struct {
	db     *bolt.DB
	bucket []byte
	owned  bool
}

// Open opens (creating if needed) the database at path.
// The flock timeout keeps a second agent from blocking forever on the file.
func Open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	return db, nil
}

// New returns a store for bucket in an already open database.
// Close on the returned store does not close db.
func New[T any](db *bolt.DB, bucket string) (*BoltStore[T], error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return &BoltStore[T]{db: db, bucket: []byte(bucket)}, nil
}

// OpenStore opens path and returns a store that owns the database.
func OpenStore[T any](path, bucket string) (*BoltStore[T], error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s, err := New[T](db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *BoltStore[T]) bucketFrom(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", s.bucket)
	}
	return b, nil
}

// Get retrieves a value by key.
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucketFrom(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Put stores value under key, replacing any previous value.
func (s *BoltStore[T]) Put(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucketFrom(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucketFrom(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Scan calls fn for every key with the given prefix, in key order.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucketFrom(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", k, err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database if this store opened it.
func (s *BoltStore[T]) Close() error {
	if s.owned && s.db != nil {
		return s.db.Close()
	}
	return nil
}
