package delivery

import "sync"

// DefaultIdempotencyCapacity is the number of event ids remembered by a
// receiver.
const DefaultIdempotencyCapacity = 5000

// IdempotencyTable remembers the most recent event ids. When full, the oldest
// id is evicted first.
type IdempotencyTable struct {
	mu    sync.Mutex
	ids   map[string]int
	slots []string
	next  int
	full  bool
}

// NewIdempotencyTable creates a table holding up to capacity ids.
func NewIdempotencyTable(capacity int) *IdempotencyTable {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	return &IdempotencyTable{
		ids:   make(map[string]int, capacity),
		slots: make([]string, capacity),
	}
}

// Add records id. It returns false when id is already present.
func (t *IdempotencyTable) Add(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[id]; ok {
		return false
	}

	if t.full {
		old := t.slots[t.next]
		if slot, ok := t.ids[old]; ok && slot == t.next {
			delete(t.ids, old)
		}
	}
	t.slots[t.next] = id
	t.ids[id] = t.next
	t.next++
	if t.next == len(t.slots) {
		t.next = 0
		t.full = true
	}
	return true
}

// Remove forgets id so a later redelivery is processed again.
func (t *IdempotencyTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, id)
}

// Contains reports whether id is remembered.
func (t *IdempotencyTable) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// Len returns the number of remembered ids.
func (t *IdempotencyTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}
