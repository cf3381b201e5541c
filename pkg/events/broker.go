package events

import (
	"sync"
)

// Broker owns the per-task queues. Queues are created on first use and
// dropped explicitly when the node is done replaying a task.
type Broker struct {
	capacity  int
	subBuffer int

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewBroker creates a broker producing queues with the given retained
// window and subscriber buffer.
func NewBroker(capacity, subBuffer int) *Broker {
	return &Broker{
		capacity:  capacity,
		subBuffer: subBuffer,
		queues:    make(map[string]*Queue),
	}
}

// Queue returns the task's queue, creating it if needed.
func (b *Broker) Queue(taskID string) *Queue {
	b.mu.RLock()
	q, ok := b.queues[taskID]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[taskID]; ok {
		return q
	}
	q = NewQueue(taskID, b.capacity, b.subBuffer)
	b.queues[taskID] = q
	return q
}

// Get returns the task's queue without creating one.
func (b *Broker) Get(taskID string) (*Queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[taskID]
	return q, ok
}

// Drop closes and forgets the task's queue.
func (b *Broker) Drop(taskID string) {
	b.mu.Lock()
	q, ok := b.queues[taskID]
	delete(b.queues, taskID)
	b.mu.Unlock()
	if ok {
		q.Close()
	}
}

// Len returns the number of open queues.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues)
}

// Stats aggregates counters across all queues.
type Stats struct {
	OpenQueues         int
	EventsPublished    int64
	SubscribersDropped int64
}

// Stats returns a snapshot of broker-wide counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{OpenQueues: len(b.queues)}
	for _, q := range b.queues {
		q.mu.Lock()
		st.EventsPublished += q.published
		st.SubscribersDropped += q.dropped
		q.mu.Unlock()
	}
	return st
}

// CloseAll force-closes every queue (shutdown).
func (b *Broker) CloseAll() {
	b.mu.Lock()
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*Queue)
	b.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
