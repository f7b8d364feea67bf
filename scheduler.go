package director

import (
	"container/heap"
	"sync"
	"time"
)

// queueItem is one pending admission in the priority queue.
type queueItem struct {
	executionID string
	priority    Priority
	seq         uint64
}

// admissionQueue orders items by priority descending, FIFO among equal
// priorities.
type admissionQueue []*queueItem

func (q admissionQueue) Len() int { return len(q) }

func (q admissionQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q admissionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *admissionQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *admissionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler is the priority-ordered admission queue feeding the dispatch
// loop. Pop blocks for a bounded wait so the dispatch loop can observe
// shutdown between attempts.
type Scheduler struct {
	mutex sync.Mutex
	queue admissionQueue
	seq   uint64
	wake  chan struct{}
}

// NewScheduler creates an empty admission queue
func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Push enqueues an execution at the given priority.
func (s *Scheduler) Push(executionID string, priority Priority) {
	s.mutex.Lock()
	s.seq++
	heap.Push(&s.queue, &queueItem{
		executionID: executionID,
		priority:    priority,
		seq:         s.seq,
	})
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pop removes the highest-priority execution, waiting up to timeout for
// one to arrive. It returns false on timeout or when stop closes.
func (s *Scheduler) Pop(timeout time.Duration, stop <-chan struct{}) (string, bool) {
	if id, ok := s.tryPop(); ok {
		return id, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return "", false
		case <-timer.C:
			return "", false
		case <-s.wake:
			if id, ok := s.tryPop(); ok {
				return id, true
			}
		}
	}
}

// Len returns the number of queued admissions.
func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.queue)
}

func (s *Scheduler) tryPop() (string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) == 0 {
		return "", false
	}
	item := heap.Pop(&s.queue).(*queueItem)
	return item.executionID, true
}
