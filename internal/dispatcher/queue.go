package dispatcher

import "github.com/eapache/queue"

// executionQueue is the FIFO of work items waiting for a session.
type executionQueue struct {
	name  string
	items *queue.Queue
}

func newExecutionQueue(name string) *executionQueue {
	return &executionQueue{name: name, items: queue.New()}
}

func (q *executionQueue) push(item *workItem) {
	q.items.Add(item)
	queueDepth.WithLabelValues(q.name).Inc()
}

// pop removes the head, or returns nil when empty.
func (q *executionQueue) pop() *workItem {
	if q.items.Length() == 0 {
		return nil
	}
	queueDepth.WithLabelValues(q.name).Dec()
	return q.items.Remove().(*workItem)
}

func (q *executionQueue) len() int {
	return q.items.Length()
}

// drain empties the queue, returning items in FIFO order.
func (q *executionQueue) drain() []*workItem {
	var out []*workItem
	for item := q.pop(); item != nil; item = q.pop() {
		out = append(out, item)
	}
	return out
}
