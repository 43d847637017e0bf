package syncstate

import "github.com/agentworkforce/fieldsync/internal/entity"

// Position says where Upsert puts a record.
type Position int

const (
	// AtTail appends unknown ids and replaces known ids in place.
	AtTail Position = iota
	// AtHead prepends unknown ids and replaces known ids in place.
	AtHead
	// ToHead puts the record at the head whether or not the id is known.
	ToHead
)

// Collection is the ordered, id-unique store for one entity kind.
// It is not safe for concurrent use; the merge engine is its only writer.
type Collection[T entity.Record] struct {
	items   []T
	index   map[string]int
	counter func(T) bool
	derived int
}

// NewCollection returns an empty collection. counter, when set, defines the
// derived count (unread notifications, for example).
func NewCollection[T entity.Record](counter func(T) bool) *Collection[T] {
	return &Collection[T]{
		index:   map[string]int{},
		counter: counter,
	}
}

func (c *Collection[T]) Len() int {
	return len(c.items)
}

// Items returns a copy of the records, head first.
func (c *Collection[T]) Items() []T {
	return append([]T(nil), c.items...)
}

func (c *Collection[T]) Get(id string) (T, bool) {
	pos, ok := c.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[pos], true
}

// Derived is the number of records matching the counter predicate.
func (c *Collection[T]) Derived() int {
	return c.derived
}

// Upsert merges one record. It reports whether the id was new.
func (c *Collection[T]) Upsert(record T, pos Position) bool {
	id := record.RecordID()
	if id == "" {
		return false
	}
	existing, found := c.index[id]
	switch {
	case found && pos != ToHead:
		c.items[existing] = record
	case found:
		c.items = append(c.items[:existing], c.items[existing+1:]...)
		c.items = append([]T{record}, c.items...)
		c.reindex()
	case pos == AtTail:
		c.items = append(c.items, record)
		c.index[id] = len(c.items) - 1
	default:
		c.items = append([]T{record}, c.items...)
		c.reindex()
	}
	c.recount()
	return !found
}

// UpsertMany merges a batch. Known ids are replaced in place; unknown ids are
// inserted as one block, at the head when prepend is set, keeping batch order.
// Records missing from the batch are left alone.
func (c *Collection[T]) UpsertMany(records []T, prepend bool) int {
	fresh := make([]T, 0, len(records))
	seen := make(map[string]int, len(records))
	for _, record := range records {
		id := record.RecordID()
		if id == "" {
			continue
		}
		if pos, ok := c.index[id]; ok {
			c.items[pos] = record
			continue
		}
		if pos, ok := seen[id]; ok {
			fresh[pos] = record
			continue
		}
		seen[id] = len(fresh)
		fresh = append(fresh, record)
	}
	if len(fresh) > 0 {
		if prepend {
			c.items = append(fresh, c.items...)
		} else {
			c.items = append(c.items, fresh...)
		}
		c.reindex()
	}
	c.recount()
	return len(fresh)
}

// Remove deletes the id and reports whether it was present.
func (c *Collection[T]) Remove(id string) bool {
	pos, ok := c.index[id]
	if !ok {
		return false
	}
	c.items = append(c.items[:pos], c.items[pos+1:]...)
	c.reindex()
	c.recount()
	return true
}

// Reset discards every record.
func (c *Collection[T]) Reset() {
	c.items = nil
	c.index = map[string]int{}
	c.derived = 0
}

func (c *Collection[T]) reindex() {
	c.index = make(map[string]int, len(c.items))
	for i, item := range c.items {
		c.index[item.RecordID()] = i
	}
}

func (c *Collection[T]) recount() {
	if c.counter == nil {
		c.derived = 0
		return
	}
	n := 0
	for _, item := range c.items {
		if c.counter(item) {
			n++
		}
	}
	c.derived = n
}
