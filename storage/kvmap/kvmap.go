// Package kvmap layers typed, namespaced maps over a storage.Database.
package kvmap

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"tradeagent/observability/metrics"
	"tradeagent/storage"
)

var (
	// ErrDeserialization marks a stored entry that could not be decoded.
	ErrDeserialization = errors.New("kvmap: stored entry could not be decoded")
	// ErrNamespaceOverlap is returned when a namespace shares a prefix with one
	// already bound on the same store.
	ErrNamespaceOverlap = errors.New("kvmap: namespace overlaps an existing map")
)

// DecodeError reports which entry failed to decode.
type DecodeError struct {
	Namespace string
	Key       []byte
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("kvmap: decode %s/%x: %v", e.Namespace, e.Key, e.Err)
}

// Unwrap exposes both ErrDeserialization and the codec error to errors.Is.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDeserialization, e.Err}
}

// CorruptionPolicy controls how iteration treats undecodable entries.
type CorruptionPolicy int

const (
	// SkipCorrupt drops the entry, counts it and keeps going.
	SkipCorrupt CorruptionPolicy = iota
	// AbortOnCorrupt stops iteration and reports the DecodeError from Err.
	AbortOnCorrupt
)

// Store owns a database handle and the namespaces bound on it.
type Store struct {
	db storage.Database

	mu         sync.Mutex
	namespaces []string
}

// NewStore wraps an opened database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() storage.Database { return s.db }

// Write applies a batch staged across any maps of this store.
func (s *Store) Write(batch *storage.Batch) error {
	if err := s.db.Write(batch); err != nil {
		metrics.Agent().RecordStoreError("write_batch")
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Namespaces lists the bound namespaces in registration order.
func (s *Store) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.namespaces...)
}

func (s *Store) reserve(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.namespaces {
		if strings.HasPrefix(existing, namespace) || strings.HasPrefix(namespace, existing) {
			return fmt.Errorf("%w: %q and %q", ErrNamespaceOverlap, namespace, existing)
		}
	}
	s.namespaces = append(s.namespaces, namespace)
	return nil
}

type options struct {
	policy CorruptionPolicy
	logger *slog.Logger
}

// Option configures a Map.
type Option func(*options)

// WithPolicy selects the iteration corruption policy.
func WithPolicy(policy CorruptionPolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithLogger overrides the logger used for skipped entries.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Pair is one decoded entry.
type Pair[K, V any] struct {
	Key   K
	Value V
}

// Map is a typed view over every key starting with its namespace prefix.
type Map[K, V any] struct {
	store     *Store
	namespace string
	prefix    []byte
	keys      Codec[K]
	values    Codec[V]
	policy    CorruptionPolicy
	logger    *slog.Logger
	corrupted atomic.Uint64
}

// New binds a map to namespace on store.
func New[K, V any](store *Store, namespace string, keys Codec[K], values Codec[V], opts ...Option) (*Map[K, V], error) {
	if store == nil || store.db == nil {
		return nil, fmt.Errorf("kvmap: store required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("kvmap: namespace required")
	}
	if keys == nil || values == nil {
		return nil, fmt.Errorf("kvmap: codecs required")
	}
	cfg := options{policy: SkipCorrupt, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := store.reserve(namespace); err != nil {
		return nil, err
	}
	return &Map[K, V]{
		store:     store,
		namespace: namespace,
		prefix:    []byte(namespace),
		keys:      keys,
		values:    values,
		policy:    cfg.policy,
		logger:    cfg.logger.With("component", "kvmap", "namespace", namespace),
	}, nil
}

// Namespace returns the map's key prefix.
func (m *Map[K, V]) Namespace() string { return m.namespace }

// Store returns the store the map is bound to.
func (m *Map[K, V]) Store() *Store { return m.store }

func (m *Map[K, V]) storageKey(k K) []byte {
	raw, err := m.keys.Encode(k)
	if err != nil {
		panic(fmt.Sprintf("kvmap: encode key for %s: %v", m.namespace, err))
	}
	out := make([]byte, 0, len(m.prefix)+len(raw))
	out = append(out, m.prefix...)
	return append(out, raw...)
}

func (m *Map[K, V]) encodeValue(v V) []byte {
	raw, err := m.values.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("kvmap: encode value for %s: %v", m.namespace, err))
	}
	return raw
}

// Insert stores v under k, replacing any previous value. Codec failures are
// contract violations and panic; store failures are returned.
func (m *Map[K, V]) Insert(k K, v V) error {
	key := m.storageKey(k)
	if err := m.store.db.Put(key, m.encodeValue(v)); err != nil {
		metrics.Agent().RecordStoreError("put")
		return fmt.Errorf("kvmap %s insert: %w", m.namespace, err)
	}
	return nil
}

// PutBatch stages an insert into batch instead of writing it.
func (m *Map[K, V]) PutBatch(batch *storage.Batch, k K, v V) {
	batch.Put(m.storageKey(k), m.encodeValue(v))
}

// Get returns the value under k. A missing key yields ok == false and a nil
// error; an undecodable value yields a *DecodeError.
func (m *Map[K, V]) Get(k K) (V, bool, error) {
	var zero V
	key := m.storageKey(k)
	raw, err := m.store.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		metrics.Agent().RecordStoreError("get")
		return zero, false, fmt.Errorf("kvmap %s get: %w", m.namespace, err)
	}
	v, err := m.values.Decode(raw)
	if err != nil {
		return zero, false, &DecodeError{Namespace: m.namespace, Key: key[len(m.prefix):], Err: err}
	}
	return v, true, nil
}

// Remove deletes k. Removing a missing key is not an error.
func (m *Map[K, V]) Remove(k K) error {
	if err := m.store.db.Delete(m.storageKey(k)); err != nil {
		metrics.Agent().RecordStoreError("delete")
		return fmt.Errorf("kvmap %s remove: %w", m.namespace, err)
	}
	return nil
}

// Iterate returns a fresh lazy iterator in serialized-key byte order.
func (m *Map[K, V]) Iterate() *Iter[K, V] {
	return &Iter[K, V]{m: m, it: m.store.db.NewIterator(m.prefix)}
}

// All materialises every decodable entry.
func (m *Map[K, V]) All() ([]Pair[K, V], error) {
	it := m.Iterate()
	defer it.Release()
	var out []Pair[K, V]
	for it.Next() {
		out = append(out, Pair[K, V]{Key: it.Key(), Value: it.Value()})
	}
	return out, it.Err()
}

// Len counts the decodable entries.
func (m *Map[K, V]) Len() (int, error) {
	it := m.Iterate()
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// Corrupted reports how many entries iteration has skipped or aborted on.
func (m *Map[K, V]) Corrupted() uint64 { return m.corrupted.Load() }

func (m *Map[K, V]) noteCorrupt(err *DecodeError) {
	m.corrupted.Add(1)
	metrics.Agent().RecordCorruptEntry(m.namespace)
	m.logger.Debug("skipping undecodable entry", "key", fmt.Sprintf("%x", err.Key), "error", err.Err)
}

// Iter walks a Map. It is not safe for concurrent use.
type Iter[K, V any] struct {
	m     *Map[K, V]
	it    storage.Iterator
	key   K
	value V
	err   error
}

// Next advances to the next decodable entry.
func (i *Iter[K, V]) Next() bool {
	if i.err != nil {
		return false
	}
	for i.it.Next() {
		full := i.it.Key()
		if !bytes.HasPrefix(full, i.m.prefix) {
			continue
		}
		raw := full[len(i.m.prefix):]
		k, err := i.m.keys.Decode(raw)
		var v V
		if err == nil {
			v, err = i.m.values.Decode(i.it.Value())
		}
		if err != nil {
			derr := &DecodeError{Namespace: i.m.namespace, Key: raw, Err: err}
			if i.m.policy == AbortOnCorrupt {
				i.m.corrupted.Add(1)
				metrics.Agent().RecordCorruptEntry(i.m.namespace)
				i.err = derr
				return false
			}
			i.m.noteCorrupt(derr)
			continue
		}
		i.key, i.value = k, v
		return true
	}
	if err := i.it.Error(); err != nil {
		metrics.Agent().RecordStoreError("iterate")
		i.err = fmt.Errorf("kvmap %s iterate: %w", i.m.namespace, err)
	}
	return false
}

func (i *Iter[K, V]) Key() K   { return i.key }
func (i *Iter[K, V]) Value() V { return i.value }

// Err returns the error that stopped iteration, if any.
func (i *Iter[K, V]) Err() error { return i.err }

// Release frees the underlying storage iterator.
func (i *Iter[K, V]) Release() { i.it.Release() }
