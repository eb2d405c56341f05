package scheduler

import (
	"container/heap"
	"time"
)

// slot is an arena cell holding one scheduled occurrence of a task.
type slot struct {
	task  *Task
	ts    time.Time
	valid bool
}

// item is a heap element. It carries the ordering key by value so the heap
// never has to dereference the arena to compare.
type item struct {
	ts   time.Time
	seq  uint64
	slot int
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].ts.Equal(h[j].ts) {
		return h[i].seq < h[j].seq
	}
	return h[i].ts.Before(h[j].ts)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// compactThreshold is the minimum number of tombstones before the heap is
// rebuilt without them.
const compactThreshold = 256

// HeapScheduler is a min-heap of tasks keyed by (timestamp, insertion order).
//
// Rescheduling or removing a task does not search the heap: the old entry is
// tombstoned and skipped when it surfaces. HeapScheduler is not safe for
// concurrent use; the owner serializes access.
type HeapScheduler struct {
	slots []slot
	free  []int
	items itemHeap
	live  map[int64]int

	nextID  int64
	nextSeq uint64
	dead    int
}

// NewHeapScheduler creates an empty scheduler.
func NewHeapScheduler() *HeapScheduler {
	return &HeapScheduler{
		live: make(map[int64]int),
	}
}

// Schedule inserts task to run at ts. A task without an ID is assigned the
// next one. A task that is already queued is moved: its previous entry is
// invalidated and the task takes a fresh position in insertion order.
func (s *HeapScheduler) Schedule(task *Task, ts time.Time) *Task {
	if task.ID == 0 {
		s.nextID++
		task.ID = s.nextID
	} else if task.ID > s.nextID {
		s.nextID = task.ID
	}

	if old, ok := s.live[task.ID]; ok {
		s.tombstone(old)
	}

	idx := s.alloc(slot{task: task, ts: ts, valid: true})
	s.live[task.ID] = idx
	task.timestamp = ts

	s.nextSeq++
	heap.Push(&s.items, item{ts: ts, seq: s.nextSeq, slot: idx})
	s.maybeCompact()
	return task
}

// Remove drops the task with the given ID. Unknown or already removed IDs
// are ignored.
func (s *HeapScheduler) Remove(id int64) {
	idx, ok := s.live[id]
	if !ok {
		return
	}
	s.tombstone(idx)
	s.maybeCompact()
}

// Next pops the earliest valid task. It returns nil and the zero time when
// the scheduler holds no valid entries.
func (s *HeapScheduler) Next() (*Task, time.Time) {
	for s.items.Len() > 0 {
		it := heap.Pop(&s.items).(item)
		cell := s.slots[it.slot]
		if !cell.valid {
			s.release(it.slot)
			s.dead--
			continue
		}
		delete(s.live, cell.task.ID)
		s.release(it.slot)
		return cell.task, cell.ts
	}
	return nil, time.Time{}
}

// Peek returns the timestamp of the earliest valid task without removing it.
func (s *HeapScheduler) Peek() (time.Time, bool) {
	for s.items.Len() > 0 {
		top := s.items[0]
		if s.slots[top.slot].valid {
			return top.ts, true
		}
		heap.Pop(&s.items)
		s.release(top.slot)
		s.dead--
	}
	return time.Time{}, false
}

// Contains reports whether a task with the given ID is queued.
func (s *HeapScheduler) Contains(id int64) bool {
	_, ok := s.live[id]
	return ok
}

// Len returns the number of valid queued tasks.
func (s *HeapScheduler) Len() int {
	return len(s.live)
}

// IsEmpty returns true when no valid tasks are queued.
func (s *HeapScheduler) IsEmpty() bool {
	return len(s.live) == 0
}

func (s *HeapScheduler) tombstone(idx int) {
	cell := &s.slots[idx]
	if !cell.valid {
		return
	}
	cell.valid = false
	delete(s.live, cell.task.ID)
	cell.task = nil
	s.dead++
}

func (s *HeapScheduler) alloc(c slot) int {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx] = c
		return idx
	}
	s.slots = append(s.slots, c)
	return len(s.slots) - 1
}

func (s *HeapScheduler) release(idx int) {
	s.slots[idx] = slot{}
	s.free = append(s.free, idx)

	// Once everything is drained, give the arena back.
	if s.items.Len() == 0 && len(s.live) == 0 {
		s.slots = s.slots[:0]
		s.free = s.free[:0]
	}
}

// maybeCompact rebuilds the heap when tombstones outnumber live entries.
func (s *HeapScheduler) maybeCompact() {
	if s.dead < compactThreshold || s.dead < len(s.live) {
		return
	}
	kept := s.items[:0]
	for _, it := range s.items {
		if s.slots[it.slot].valid {
			kept = append(kept, it)
			continue
		}
		s.slots[it.slot] = slot{}
		s.free = append(s.free, it.slot)
	}
	s.items = kept
	s.dead = 0
	heap.Init(&s.items)
}
