package storage

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch collects puts and deletes that Database.Write applies atomically.
// Operations are applied in the order they were staged.
type Batch struct {
	staged []batchOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages an insert or overwrite.
func (b *Batch) Put(key, value []byte) {
	b.staged = append(b.staged, batchOp{key: clone(key), value: clone(value)})
}

// Delete stages a removal.
func (b *Batch) Delete(key []byte) {
	b.staged = append(b.staged, batchOp{key: clone(key), delete: true})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.staged)
}

// Reset drops every staged operation.
func (b *Batch) Reset() {
	b.staged = b.staged[:0]
}

func (b *Batch) ops() []batchOp {
	if b == nil {
		return nil
	}
	return b.staged
}

// pagedIterator pulls a bounded page of entries at a time so engines do not
// hold a read transaction or a connection open between calls to Next.
type pagedIterator struct {
	fetch   func(after []byte, first bool) ([]kvPair, error)
	page    []kvPair
	pos     int
	last    []byte
	started bool
	done    bool
	err     error
	cur     kvPair
}

const iteratorPageSize = 256

func (i *pagedIterator) Next() bool {
	if i.done || i.err != nil {
		return false
	}
	if i.pos >= len(i.page) {
		page, err := i.fetch(i.last, !i.started)
		i.started = true
		if err != nil {
			i.err = err
			i.done = true
			return false
		}
		if len(page) == 0 {
			i.done = true
			return false
		}
		if len(page) < iteratorPageSize {
			// Final page; no further fetch is needed once it drains.
			i.fetch = func([]byte, bool) ([]kvPair, error) { return nil, nil }
		}
		i.page = page
		i.pos = 0
	}
	i.cur = i.page[i.pos]
	i.pos++
	i.last = i.cur.key
	return true
}

func (i *pagedIterator) Key() []byte   { return clone(i.cur.key) }
func (i *pagedIterator) Value() []byte { return clone(i.cur.value) }
func (i *pagedIterator) Error() error  { return i.err }

func (i *pagedIterator) Release() {
	i.done = true
	i.page = nil
}
