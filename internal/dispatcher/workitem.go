package dispatcher

import (
	"sync"
	"time"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// workItem is one enqueued execution. It is owned by the coordinator until
// its future resolves.
type workItem struct {
	id       uint64
	tt       *taskType
	payload  *envelope.Envelope
	future   *Future[*envelope.Envelope]
	delivery *delivery

	onIntermediate func(*envelope.Envelope)
	progressSeq    int

	workerID   int
	enqueuedAt time.Time
	startedAt  time.Time
}

// delivery runs the callbacks of one work item in order on its own
// goroutine, so a slow callback never stalls the coordinator.
type delivery struct {
	mu      sync.Mutex
	pending []func()
	running bool
	wg      *sync.WaitGroup
}

func newDelivery(wg *sync.WaitGroup) *delivery {
	return &delivery{wg: wg}
}

// schedule queues fn behind every function scheduled before it.
func (d *delivery) schedule(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

func (d *delivery) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		fn()
	}
}
