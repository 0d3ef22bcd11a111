package storage

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltDB stores every key in a single bucket of a bbolt file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (and initialises) the bbolt file at path.
func NewBoltDB(path string, options *bolt.Options) (*BoltDB, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("bolt put: empty key")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, clone(value))
	})
	if err != nil {
		return fmt.Errorf("bolt put: %w", err)
	}
	return nil
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		// Seek distinguishes a stored empty value from a missing key.
		k, v := tx.Bucket(boltBucket).Cursor().Seek(key)
		if k != nil && bytes.Equal(k, key) {
			found = true
			value = clone(v)
			if value == nil {
				value = []byte{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt get: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (b *BoltDB) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("bolt delete: %w", err)
	}
	return nil
}

func (b *BoltDB) NewIterator(prefix []byte) Iterator {
	start, limit := prefixRange(prefix)
	return &pagedIterator{fetch: func(after []byte, first bool) ([]kvPair, error) {
		page := make([]kvPair, 0, iteratorPageSize)
		err := b.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(boltBucket).Cursor()
			var k, v []byte
			switch {
			case first && len(start) == 0:
				k, v = c.First()
			case first:
				k, v = c.Seek(start)
			default:
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && inRange(k, limit) && len(page) < iteratorPageSize; k, v = c.Next() {
				page = append(page, kvPair{key: clone(k), value: clone(v)})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("bolt iterate: %w", err)
		}
		return page, nil
	}}
}

func (b *BoltDB) Write(batch *Batch) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range batch.ops() {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, clone(op.value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt write batch: %w", err)
	}
	return nil
}

// Close releases the underlying Bolt database handle.
func (b *BoltDB) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
