package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("storage: database closed")

// Database is a generic interface for an ordered key-value store.
// Every engine behind it exposes identical external semantics so the agent can
// pick one at runtime.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// NewIterator walks every key starting with prefix in ascending byte order.
	NewIterator(prefix []byte) Iterator
	// Write applies the batch atomically.
	Write(batch *Batch) error
	Close() error
}

// Iterator is a forward cursor over a key range. Key and Value return copies
// that remain valid after the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// prefixRange returns the [start, limit) range covering every key with the
// given prefix. limit is nil when the range is unbounded above.
func prefixRange(prefix []byte) (start, limit []byte) {
	r := util.BytesPrefix(prefix)
	return r.Start, r.Limit
}

func inRange(key, limit []byte) bool {
	return limit == nil || bytes.Compare(key, limit) < 0
}

// --- In-Memory DB (for testing and ephemeral runs) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.data[string(key)] = clone(value)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(value), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	delete(db.data, string(key))
	return nil
}

// NewIterator snapshots the matching entries under the read lock.
func (db *MemDB) NewIterator(prefix []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return &sliceIterator{err: ErrClosed}
	}
	start, limit := prefixRange(prefix)
	keys := make([]string, 0)
	for k := range db.data {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && inRange(kb, limit) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]kvPair, len(keys))
	for i, k := range keys {
		pairs[i] = kvPair{key: []byte(k), value: clone(db.data[k])}
	}
	return &sliceIterator{pairs: pairs, pos: -1}
}

func (db *MemDB) Write(batch *Batch) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	for _, op := range batch.ops() {
		if op.delete {
			delete(db.data, string(op.key))
			continue
		}
		db.data[string(op.key)] = clone(op.value)
	}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db   *leveldb.DB
	sync bool
}

// NewLevelDB creates or opens a LevelDB database at the specified path. When
// syncWrites is set every write is flushed to disk before returning.
func NewLevelDB(path string, syncWrites bool) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db, sync: syncWrites}, nil
}

func (ldb *LevelDB) writeOptions() *opt.WriteOptions {
	if !ldb.sync {
		return nil
	}
	return &opt.WriteOptions{Sync: true}
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	if err := ldb.db.Put(key, value, ldb.writeOptions()); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return value, nil
}

func (ldb *LevelDB) Delete(key []byte) error {
	if err := ldb.db.Delete(key, ldb.writeOptions()); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

func (ldb *LevelDB) NewIterator(prefix []byte) Iterator {
	return &levelIterator{it: ldb.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (ldb *LevelDB) Write(batch *Batch) error {
	b := new(leveldb.Batch)
	for _, op := range batch.ops() {
		if op.delete {
			b.Delete(op.key)
			continue
		}
		b.Put(op.key, op.value)
	}
	if err := ldb.db.Write(b, ldb.writeOptions()); err != nil {
		return fmt.Errorf("leveldb write batch: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

type levelIterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Error() error
		Release()
	}
}

func (i *levelIterator) Next() bool    { return i.it.Next() }
func (i *levelIterator) Key() []byte   { return clone(i.it.Key()) }
func (i *levelIterator) Value() []byte { return clone(i.it.Value()) }
func (i *levelIterator) Release()      { i.it.Release() }

func (i *levelIterator) Error() error {
	if err := i.it.Error(); err != nil {
		return fmt.Errorf("leveldb iterate: %w", err)
	}
	return nil
}

type kvPair struct {
	key   []byte
	value []byte
}

// sliceIterator walks a materialised set of pairs.
type sliceIterator struct {
	pairs []kvPair
	pos   int
	err   error
}

func (i *sliceIterator) Next() bool {
	if i.err != nil || i.pos+1 >= len(i.pairs) {
		i.pos = len(i.pairs)
		return false
	}
	i.pos++
	return true
}

func (i *sliceIterator) Key() []byte {
	if i.pos < 0 || i.pos >= len(i.pairs) {
		return nil
	}
	return clone(i.pairs[i.pos].key)
}

func (i *sliceIterator) Value() []byte {
	if i.pos < 0 || i.pos >= len(i.pairs) {
		return nil
	}
	return clone(i.pairs[i.pos].value)
}

func (i *sliceIterator) Error() error { return i.err }
func (i *sliceIterator) Release()     { i.pairs = nil }
