// Package events implements the per-task event queue: a bounded ring of
// protocol events with monotonically increasing sequence numbers,
// multi-subscriber fan-out, and bounded replay for resubscription.
//
// Publishing never blocks. Back-pressure is projected onto subscribers:
// one that cannot keep up with its buffer is dropped (StreamLagged), so
// a task's progress never depends on its observers.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

var (
	// ErrQueueClosed is returned by Publish after the final event.
	ErrQueueClosed = errors.New("event queue is closed")

	// ErrStreamLagged terminates a subscription that fell behind its
	// buffer while live events kept arriving.
	ErrStreamLagged = errors.New("subscriber lagged behind the event stream")
)

// Envelope is one queued event with its per-task sequence number.
// Sequences start at 1 and are used as the SSE id field.
type Envelope struct {
	Seq   int64
	Event a2a.Event
}

// Queue is the bounded per-task event ring. It retains the most recent
// capacity events for replay after the live tail has moved on.
type Queue struct {
	taskID    string
	capacity  int
	subBuffer int

	mu      sync.Mutex
	buf     []Envelope // retained window, oldest first
	nextSeq int64
	closed  bool
	subs    map[*Subscription]struct{}

	published int64
	dropped   int64
}

// NewQueue creates a queue for one task. capacity is the retained
// window (K); subBuffer is each subscriber's channel buffer.
func NewQueue(taskID string, capacity, subBuffer int) *Queue {
	if capacity < 1 {
		capacity = 1024
	}
	if subBuffer < 1 {
		subBuffer = 64
	}
	return &Queue{
		taskID:    taskID,
		capacity:  capacity,
		subBuffer: subBuffer,
		nextSeq:   1,
		subs:      make(map[*Subscription]struct{}),
	}
}

// TaskID returns the task this queue belongs to.
func (q *Queue) TaskID() string { return q.taskID }

// Publish appends an event, assigns its sequence number, and fans it
// out to live subscribers without blocking. A status-update with
// final=true closes the queue; later publishes fail with ErrQueueClosed.
func (q *Queue) Publish(ev a2a.Event) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	env := Envelope{Seq: q.nextSeq, Event: ev}
	q.nextSeq++
	q.published++

	q.buf = append(q.buf, env)
	if len(q.buf) > q.capacity {
		q.buf = q.buf[len(q.buf)-q.capacity:]
	}

	for sub := range q.subs {
		select {
		case sub.live <- env:
		default:
			// Slow subscriber: drop it, never the producer.
			sub.fail(ErrStreamLagged)
			delete(q.subs, sub)
			q.dropped++
		}
	}

	if su, ok := ev.(*a2a.TaskStatusUpdateEvent); ok && su.Final {
		q.closeLocked()
	}
	return env.Seq, nil
}

// Subscribe returns a subscription delivering retained events with
// sequence > afterSeq in order, then live events. afterSeq 0 requests
// the stream from the beginning. If afterSeq predates the retained
// window, CatchUp reports false and the caller should prepend a fresh
// snapshot.
func (q *Queue) Subscribe(ctx context.Context, afterSeq int64) *Subscription {
	q.mu.Lock()

	var replay []Envelope
	for _, env := range q.buf {
		if env.Seq > afterSeq {
			replay = append(replay, env)
		}
	}

	// The window start is the sequence just before the oldest retained
	// event; anything the caller saw beyond that is gone.
	windowStart := q.nextSeq - 1 - int64(len(q.buf))
	catchUp := afterSeq >= windowStart

	sub := &Subscription{
		taskID:  q.taskID,
		catchUp: catchUp,
		live:    make(chan Envelope, q.subBuffer),
		out:     make(chan Envelope),
		stop:    make(chan struct{}),
	}

	if q.closed {
		close(sub.live)
	} else {
		q.subs[sub] = struct{}{}
		sub.unsubscribe = func() { q.remove(sub) }
	}
	q.mu.Unlock()

	go sub.pump(ctx, replay)
	return sub
}

// Closed reports whether the final event has been published.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// LastSeq returns the most recently assigned sequence number.
func (q *Queue) LastSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq - 1
}

// Close force-closes the queue and every subscription (shutdown path).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *Queue) closeLocked() {
	if q.closed {
		return
	}
	q.closed = true
	for sub := range q.subs {
		close(sub.live)
		delete(q.subs, sub)
	}
}

func (q *Queue) remove(sub *Subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[sub]; ok {
		delete(q.subs, sub)
		close(sub.live)
	}
}

// Subscription is one subscriber's view of a queue: retained replay
// first, then live events, all in publish order.
type Subscription struct {
	taskID  string
	catchUp bool

	live chan Envelope // fed by the queue under its lock
	out  chan Envelope // consumed by the caller

	unsubscribe func()

	mu     sync.Mutex
	err    error
	stop   chan struct{}
	closed bool
}

// Events is the caller's receive channel. It is closed when the stream
// ends; check Err to distinguish completion from a lagged drop.
func (s *Subscription) Events() <-chan Envelope { return s.out }

// CatchUp reports whether the replay covered everything after the
// caller's last seen sequence. False means events were evicted from the
// retained window and the caller needs a fresh snapshot.
func (s *Subscription) CatchUp() bool { return s.catchUp }

// Err returns ErrStreamLagged if the subscription was dropped for
// falling behind, nil on normal closure.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription from its queue. Safe to call more
// than once and from any goroutine.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.live)
}

// pump forwards replay then live events to the out channel, keeping
// delivery order while the queue stays decoupled from slow readers.
func (s *Subscription) pump(ctx context.Context, replay []Envelope) {
	defer close(s.out)

	for _, env := range replay {
		select {
		case s.out <- env:
		case <-ctx.Done():
			s.detach()
			return
		case <-s.stop:
			s.detach()
			return
		}
	}
	for {
		select {
		case env, ok := <-s.live:
			if !ok {
				return
			}
			select {
			case s.out <- env:
			case <-ctx.Done():
				s.detach()
				return
			case <-s.stop:
				s.detach()
				return
			}
		case <-ctx.Done():
			s.detach()
			return
		case <-s.stop:
			s.detach()
			return
		}
	}
}

func (s *Subscription) detach() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	// Drain so the queue's close of the live channel is observed.
	for range s.live {
	}
}
