package actions

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradeagent/observability/metrics"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
)

// Namespace is the key prefix of the action log.
const Namespace = "agent_actions"

// Entry is one logged action. Entries are written once and never mutated.
type Entry struct {
	Timestamp uint64 `json:"timestamp"`
	Action    string `json:"action"`
	Signature string `json:"signature,omitempty"`
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.Unix(int64(e.Timestamp), 0).UTC()
}

type entryKey struct {
	Timestamp uint64
	Action    string
}

// entryKeyCodec lays keys out as an 8-byte big-endian timestamp followed by the
// payload so byte order equals timestamp order.
type entryKeyCodec struct{}

func (entryKeyCodec) Encode(k entryKey) ([]byte, error) {
	if k.Action == "" {
		return nil, fmt.Errorf("actions: empty payload")
	}
	out := make([]byte, 8+len(k.Action))
	binary.BigEndian.PutUint64(out, k.Timestamp)
	copy(out[8:], k.Action)
	return out, nil
}

func (entryKeyCodec) Decode(b []byte) (entryKey, error) {
	if len(b) <= 8 {
		return entryKey{}, fmt.Errorf("actions: entry key too short (%d bytes)", len(b))
	}
	return entryKey{Timestamp: binary.BigEndian.Uint64(b[:8]), Action: string(b[8:])}, nil
}

type entryMeta struct {
	Signature string
}

// Log is the append-only action log.
type Log struct {
	entries  *kvmap.Map[entryKey, entryMeta]
	now      func() time.Time
	attestor *Attestor
	logger   *slog.Logger
}

type logOptions struct {
	now      func() time.Time
	attestor *Attestor
	logger   *slog.Logger
	policy   kvmap.CorruptionPolicy
}

// Option configures a Log.
type Option func(*logOptions)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *logOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithAttestor signs every new entry.
func WithAttestor(a *Attestor) Option {
	return func(o *logOptions) { o.attestor = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *logOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPolicy sets how iteration treats undecodable entries.
func WithPolicy(policy kvmap.CorruptionPolicy) Option {
	return func(o *logOptions) { o.policy = policy }
}

// NewLog binds the action log to store.
func NewLog(store *kvmap.Store, opts ...Option) (*Log, error) {
	cfg := logOptions{now: time.Now, logger: slog.Default(), policy: kvmap.SkipCorrupt}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logger := cfg.logger.With("component", "actions")
	entries, err := kvmap.New[entryKey, entryMeta](store, Namespace, entryKeyCodec{}, kvmap.RLP[entryMeta](),
		kvmap.WithPolicy(cfg.policy), kvmap.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}
	return &Log{entries: entries, now: cfg.now, attestor: cfg.attestor, logger: logger}, nil
}

// Store returns the store backing the log.
func (l *Log) Store() *kvmap.Store { return l.entries.Store() }

// NewEntry encodes a, stamps it with the current time and signs it when an
// attestor is configured. Nothing is written.
func (l *Log) NewEntry(a Action) (Entry, error) {
	if a == nil {
		return Entry{}, fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	payload, err := a.Encode()
	if err != nil {
		return Entry{}, err
	}
	sec := l.now().Unix()
	if sec < 0 {
		sec = 0
	}
	entry := Entry{Timestamp: uint64(sec), Action: payload}
	if l.attestor != nil {
		entry.Signature = l.attestor.Sign(entry.Timestamp, entry.Action)
	}
	return entry, nil
}

// Record appends a to the log and returns the written entry. Two identical
// actions recorded in the same second share a key; the second write replaces
// the first with identical content.
func (l *Log) Record(a Action) (Entry, error) {
	entry, err := l.NewEntry(a)
	if err != nil {
		return Entry{}, err
	}
	if err := l.Append(entry); err != nil {
		return Entry{}, err
	}
	metrics.Agent().RecordAction(string(a.Domain()))
	return entry, nil
}

// Append writes a prepared entry.
func (l *Log) Append(e Entry) error {
	if err := l.entries.Insert(entryKey{Timestamp: e.Timestamp, Action: e.Action}, entryMeta{Signature: e.Signature}); err != nil {
		l.logger.Error("failed to write action entry", "timestamp", e.Timestamp, "error", err)
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// Stage adds a prepared entry to batch.
func (l *Log) Stage(batch *storage.Batch, e Entry) {
	l.entries.PutBatch(batch, entryKey{Timestamp: e.Timestamp, Action: e.Action}, entryMeta{Signature: e.Signature})
}

// Corrupted reports how many undecodable entries iteration has met.
func (l *Log) Corrupted() uint64 { return l.entries.Corrupted() }

// Entries iterates every entry in timestamp order, regardless of domain.
func (l *Log) Entries() *EntryIter {
	return &EntryIter{it: l.entries.Iterate()}
}

// EntryIter walks raw log entries.
type EntryIter struct {
	it  *kvmap.Iter[entryKey, entryMeta]
	cur Entry
}

func (i *EntryIter) Next() bool {
	if !i.it.Next() {
		return false
	}
	k, meta := i.it.Key(), i.it.Value()
	i.cur = Entry{Timestamp: k.Timestamp, Action: k.Action, Signature: meta.Signature}
	return true
}

func (i *EntryIter) Entry() Entry { return i.cur }
func (i *EntryIter) Err() error   { return i.it.Err() }
func (i *EntryIter) Release()     { i.it.Release() }

// Record pairs a decoded action with the entry it came from.
type Record[A Action] struct {
	Action A
	Entry  Entry
}

// Iter yields the entries of one domain in timestamp order.
type Iter[A Action] struct {
	entries *EntryIter
	decode  Decoder[A]
	logger  *slog.Logger
	cur     Record[A]
}

// Iterate returns a fresh iterator over the actions decode accepts. Entries of
// other domains are skipped silently; entries of the right domain that fail
// to decode are skipped and logged.
func Iterate[A Action](l *Log, decode Decoder[A]) *Iter[A] {
	return &Iter[A]{entries: l.Entries(), decode: decode, logger: l.logger}
}

func (i *Iter[A]) Next() bool {
	for i.entries.Next() {
		entry := i.entries.Entry()
		action, err := i.decode(entry.Action)
		if err != nil {
			if !errors.Is(err, ErrWrongDomain) {
				i.logger.Debug("skipping undecodable action", "timestamp", entry.Timestamp, "error", err)
			}
			continue
		}
		i.cur = Record[A]{Action: action, Entry: entry}
		return true
	}
	return false
}

func (i *Iter[A]) Record() Record[A] { return i.cur }
func (i *Iter[A]) Err() error        { return i.entries.Err() }
func (i *Iter[A]) Release()          { i.entries.Release() }

// Since returns the actions of one domain logged strictly after ts, oldest
// first.
func Since[A Action](l *Log, decode Decoder[A], ts uint64) ([]Record[A], error) {
	it := Iterate(l, decode)
	defer it.Release()
	var out []Record[A]
	for it.Next() {
		rec := it.Record()
		if rec.Entry.Timestamp > ts {
			out = append(out, rec)
		}
	}
	return out, it.Err()
}

// Latest returns the most recent action of one domain. It scans every entry
// and keeps the maximum timestamp rather than trusting iteration order.
func Latest[A Action](l *Log, decode Decoder[A]) (Record[A], bool, error) {
	it := Iterate(l, decode)
	defer it.Release()
	var (
		best  Record[A]
		found bool
	)
	for it.Next() {
		rec := it.Record()
		if !found || rec.Entry.Timestamp >= best.Entry.Timestamp {
			best, found = rec, true
		}
	}
	if err := it.Err(); err != nil {
		return Record[A]{}, false, err
	}
	return best, found, nil
}
