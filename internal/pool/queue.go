package pool

import (
	"container/heap"
	"time"

	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

// queueItem is one task waiting for a worker. seq makes the FIFO
// tie-break stable even when two tasks share an enqueue timestamp.
type queueItem struct {
	task       *task.Task
	req        *worker.Requirements
	priority   int
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// taskQueue is a max-heap: higher priority first, earlier enqueue first
// within a priority.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *taskQueue) push(item *queueItem) {
	heap.Push(q, item)
}

func (q *taskQueue) pop() *queueItem {
	return heap.Pop(q).(*queueItem)
}

func (q taskQueue) peek() *queueItem {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
