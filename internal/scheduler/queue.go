package scheduler

import "time"

// item is one idle checkable waiting for its next check.
type item struct {
	typ  string
	name string
	due  time.Time
	pos  int
}

func (it *item) key() string { return it.typ + "/" + it.name }

// checkQueue is a min-heap over idle checkables ordered by due time,
// with (type, name) as the tie-break so peers drain equal deadlines in
// the same order. An index map supports removal by key.
type checkQueue struct {
	items []*item
	index map[string]*item
}

func newCheckQueue() *checkQueue {
	return &checkQueue{index: make(map[string]*item)}
}

func (q *checkQueue) Len() int { return len(q.items) }

func (q *checkQueue) less(a, b *item) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if a.typ != b.typ {
		return a.typ < b.typ
	}
	return a.name < b.name
}

// Peek returns the earliest item without removing it.
func (q *checkQueue) Peek() *item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns the earliest item.
func (q *checkQueue) Pop() *item {
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.removeAt(0)
	return it
}

// Push inserts or reschedules a checkable.
func (q *checkQueue) Push(typ, name string, due time.Time) {
	key := typ + "/" + name
	if existing, ok := q.index[key]; ok {
		existing.due = due
		q.fix(existing.pos)
		return
	}
	it := &item{typ: typ, name: name, due: due, pos: len(q.items)}
	q.items = append(q.items, it)
	q.index[key] = it
	q.up(it.pos)
}

// Remove deletes a checkable from the queue if present.
func (q *checkQueue) Remove(typ, name string) bool {
	it, ok := q.index[typ+"/"+name]
	if !ok {
		return false
	}
	q.removeAt(it.pos)
	return true
}

// Contains reports whether the checkable is queued.
func (q *checkQueue) Contains(typ, name string) bool {
	_, ok := q.index[typ+"/"+name]
	return ok
}

func (q *checkQueue) removeAt(pos int) {
	it := q.items[pos]
	last := len(q.items) - 1
	q.swap(pos, last)
	q.items = q.items[:last]
	delete(q.index, it.key())
	if pos < last {
		q.fix(pos)
	}
}

func (q *checkQueue) fix(pos int) {
	if !q.down(pos) {
		q.up(pos)
	}
}

func (q *checkQueue) up(pos int) {
	for pos > 0 {
		parent := (pos - 1) / 2
		if !q.less(q.items[pos], q.items[parent]) {
			break
		}
		q.swap(pos, parent)
		pos = parent
	}
}

func (q *checkQueue) down(pos int) bool {
	moved := false
	n := len(q.items)
	for {
		left := 2*pos + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && q.less(q.items[right], q.items[left]) {
			smallest = right
		}
		if !q.less(q.items[smallest], q.items[pos]) {
			break
		}
		q.swap(pos, smallest)
		pos = smallest
		moved = true
	}
	return moved
}

func (q *checkQueue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].pos = i
	q.items[j].pos = j
}
