package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zemo/api/internal/model"
)

// ErrBrokerClosed is returned when enqueueing after Shutdown.
var ErrBrokerClosed = errors.New("broker closed")

// readyQueue orders deliveries by priority, then insertion order.
type readyQueue []Delivery

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)   { *q = append(*q, x.(Delivery)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

type delayed struct {
	d     Delivery
	timer *time.Timer
}

// typeQueue is the pending work of one job type.
type typeQueue struct {
	ready   readyQueue
	delayed map[string]*delayed
	wake    chan struct{}
}

// MemoryBroker is an in-process broker. Deliveries do not survive a
// restart; it backs tests and single-process development runs.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[model.JobType]*typeQueue
	seq    uint64
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[model.JobType]*typeQueue)}
}

func (b *MemoryBroker) queue(t model.JobType) *typeQueue {
	q, ok := b.queues[t]
	if !ok {
		q = &typeQueue{delayed: make(map[string]*delayed), wake: make(chan struct{}, 1)}
		b.queues[t] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(_ context.Context, d Delivery, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.seq++
	d.Seq = b.seq
	if d.Attempt == 0 {
		d.Attempt = 1
	}
	b.push(d, delay)
	return nil
}

// push must be called with mu held. A redelivery keeps its sequence number
// so it does not lose its place among equal priorities.
func (b *MemoryBroker) push(d Delivery, delay time.Duration) {
	q := b.queue(d.Type)
	if delay <= 0 {
		heap.Push(&q.ready, d)
		b.signal(q)
		return
	}
	entry := &delayed{d: d}
	entry.timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if q.delayed[d.JobID] != entry {
			return
		}
		delete(q.delayed, d.JobID)
		heap.Push(&q.ready, d)
		b.signal(q)
	})
	q.delayed[d.JobID] = entry
}

func (b *MemoryBroker) signal(q *typeQueue) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops a waiting or delayed delivery of the job.
func (b *MemoryBroker) Remove(_ context.Context, d Delivery) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[d.Type]
	if !ok {
		return false, nil
	}
	if entry, ok := q.delayed[d.JobID]; ok {
		entry.timer.Stop()
		delete(q.delayed, d.JobID)
		return true, nil
	}
	for i, r := range q.ready {
		if r.JobID == d.JobID {
			heap.Remove(&q.ready, i)
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of waiting and delayed deliveries of a type.
func (b *MemoryBroker) Len(t model.JobType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[t]
	if !ok {
		return 0
	}
	return len(q.ready) + len(q.delayed)
}

// Start runs Concurrency workers per type.
func (b *MemoryBroker) Start(ctx context.Context, pools map[model.JobType]PoolConfig, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	for t, pool := range pools {
		q := b.queue(t)
		n := pool.Concurrency
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			b.wg.Add(1)
			go b.work(ctx, q, handler)
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) work(ctx context.Context, q *typeQueue, handler Handler) {
	defer b.wg.Done()
	for {
		d, ok := b.next(q)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		// another worker may be idle while items remain
		b.mu.Lock()
		if len(q.ready) > 0 {
			b.signal(q)
		}
		b.mu.Unlock()

		out := handler(ctx, d)
		b.settle(d, out)
	}
}

func (b *MemoryBroker) next(q *typeQueue) (Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(q.ready) == 0 {
		return Delivery{}, false
	}
	return heap.Pop(&q.ready).(Delivery), true
}

func (b *MemoryBroker) settle(d Delivery, out Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	switch out.Action {
	case Retry:
		d.Attempt++
		b.push(d, out.Delay)
	case Defer:
		b.push(d, out.Delay)
	}
}

// Shutdown stops the workers and waits for running handlers.
func (b *MemoryBroker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	for _, q := range b.queues {
		for id, entry := range q.delayed {
			entry.timer.Stop()
			delete(q.delayed, id)
		}
	}
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
