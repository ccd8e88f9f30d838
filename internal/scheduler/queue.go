package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrWorkOrderExists is returned when a work order is already queued.
	ErrWorkOrderExists = errors.New("work order already exists in queue")
)

// QueuedWorkOrder represents a work order waiting to be claimed.
type QueuedWorkOrder struct {
	WorkOrderID string
	Priority    int // higher priority is claimed first
	QueuedAt    time.Time
	WorkOrder   *v1.WorkOrder
	seq         uint64 // FIFO tie-break among equal priorities
	index       int    // index in the heap (used by container/heap)
}

// orderHeap implements heap.Interface.
type orderHeap struct {
	entries []*QueuedWorkOrder
	byPrio  bool
}

func (h *orderHeap) Len() int { return len(h.entries) }

func (h *orderHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if h.byPrio && a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (h *orderHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *orderHeap) Push(x interface{}) {
	item := x.(*QueuedWorkOrder)
	item.index = len(h.entries)
	h.entries = append(h.entries, item)
}

func (h *orderHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.entries = old[0 : n-1]
	return item
}

// Queue is the priority queue of pending work orders. Equal priorities keep
// submission order. With priority disabled the queue is plain FIFO.
type Queue struct {
	mu       sync.RWMutex
	heap     orderHeap
	orderMap map[string]*QueuedWorkOrder
	maxDepth int
	nextSeq  uint64
}

// NewQueue creates a queue. A zero maxDepth means unlimited.
func NewQueue(maxDepth int, priorityEnabled bool) *Queue {
	q := &Queue{
		heap:     orderHeap{byPrio: priorityEnabled},
		orderMap: make(map[string]*QueuedWorkOrder),
		maxDepth: maxDepth,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a work order to the queue.
// Returns ErrQueueFull at max depth and ErrWorkOrderExists on duplicates.
func (q *Queue) Enqueue(wo *v1.WorkOrder) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.orderMap[wo.ID]; exists {
		return ErrWorkOrderExists
	}
	if q.maxDepth > 0 && len(q.heap.entries) >= q.maxDepth {
		return ErrQueueFull
	}

	q.nextSeq++
	entry := &QueuedWorkOrder{
		WorkOrderID: wo.ID,
		Priority:    wo.Priority,
		QueuedAt:    time.Now().UTC(),
		WorkOrder:   wo,
		seq:         q.nextSeq,
	}
	heap.Push(&q.heap, entry)
	q.orderMap[wo.ID] = entry
	return nil
}

// Peek returns the head of the queue without removing it.
// Returns nil when the queue is empty.
func (q *Queue) Peek() *QueuedWorkOrder {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.heap.entries) == 0 {
		return nil
	}
	return q.heap.entries[0]
}

// Dequeue removes and returns the head of the queue.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() *QueuedWorkOrder {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap.entries) == 0 {
		return nil
	}
	entry := heap.Pop(&q.heap).(*QueuedWorkOrder)
	delete(q.orderMap, entry.WorkOrderID)
	return entry
}

// Requeue puts a previously dequeued entry back, keeping its original
// position among equal priorities (its sequence number is preserved).
func (q *Queue) Requeue(entry *QueuedWorkOrder) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.orderMap[entry.WorkOrderID]; exists {
		return ErrWorkOrderExists
	}
	heap.Push(&q.heap, entry)
	q.orderMap[entry.WorkOrderID] = entry
	return nil
}

// Remove deletes a specific work order from the queue.
func (q *Queue) Remove(workOrderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, exists := q.orderMap[workOrderID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, entry.index)
	delete(q.orderMap, workOrderID)
	return true
}

// Contains reports whether a work order is queued.
func (q *Queue) Contains(workOrderID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.orderMap[workOrderID]
	return ok
}

// Len returns the number of queued work orders.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap.entries)
}

// IsFull returns true when the queue is at max depth.
func (q *Queue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxDepth > 0 && len(q.heap.entries) >= q.maxDepth
}

// List returns the queued entries in heap order (head first, rest unordered).
func (q *Queue) List() []*QueuedWorkOrder {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*QueuedWorkOrder, len(q.heap.entries))
	copy(out, q.heap.entries)
	return out
}
