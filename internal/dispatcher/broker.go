package dispatcher

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressEvent is one intermediate report of a work item.
type ProgressEvent struct {
	WorkItemID   uint64         `json:"work_item_id"`
	TaskTypeName string         `json:"task_type"`
	WorkerID     int            `json:"worker_id"`
	Seq          int            `json:"seq"`
	Progress     float64        `json:"progress"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// ProgressBroker fans intermediate reports out to per-work-item subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a work item resolved) receive a closed channel instead of
// blocking forever.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[uint64]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan ProgressEvent
	nextID int
	closed bool
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[uint64]*progressTopic),
	}
}

// Subscribe returns a channel of progress events for the given work item and
// an unsubscribe function. If the work item has already resolved, the
// returned channel is immediately closed.
func (b *ProgressBroker) Subscribe(workItemID uint64) (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workItemID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan ProgressEvent)}
		b.topics[workItemID] = t
	}

	ch := make(chan ProgressEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of its work item. Events are
// dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.WorkItemID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that the work item will report no more progress. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (b *ProgressBroker) Close(workItemID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workItemID]
	if !ok {
		b.topics[workItemID] = &progressTopic{subs: make(map[int]chan ProgressEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
