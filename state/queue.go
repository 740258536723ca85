package state

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
)

// Queue is a bounded MPMC FIFO between components. Messages are delivered in
// order per producer.
type Queue[T any] struct {
	ch        chan T
	closeOnce sync.Once
	closed    chan struct{}
}

func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Push blocks until there is room.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush never blocks. A full queue is surfaced to the caller, which may
// treat it as a hard error.
func (q *Queue[T]) TryPush(v T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	// drain buffered messages before honoring close
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.closed:
		return zero, ErrQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Chan exposes the receive side for use in select loops. Pair it with
// Closed when the producer may go away.
func (q *Queue[T]) Chan() <-chan T {
	return q.ch
}

// Closed is closed once the queue is shut down. The message channel itself
// is never closed, so in-flight producers cannot panic.
func (q *Queue[T]) Closed() <-chan struct{} {
	return q.closed
}

func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Subscription is one reader of a ReplicateQueue.
type Subscription[T any] struct {
	Id uuid.UUID
	C  <-chan T

	cancel func()
}

// Close detaches the subscription. The channel is closed afterwards.
func (s *Subscription[T]) Close() {
	s.cancel()
}

// ReplicateQueue multicasts each published message to every subscriber.
// Each subscriber has its own buffer; a subscriber that falls behind has its
// oldest messages dropped rather than stalling the publisher.
type ReplicateQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[uuid.UUID]chan T
	dropped  uint64
	closed   bool
}

func NewReplicateQueue[T any](capacity int) *ReplicateQueue[T] {
	return &ReplicateQueue[T]{
		capacity: capacity,
		subs:     make(map[uuid.UUID]chan T),
	}
}

func (r *ReplicateQueue[T]) Publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, ch := range r.subs {
		for {
			select {
			case ch <- v:
			default:
				// evict the oldest message to make room
				select {
				case <-ch:
					r.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a reader. initial, if non-nil, is delivered before any
// subsequent publication.
func (r *ReplicateQueue[T]) Subscribe(initial ...T) *Subscription[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	ch := make(chan T, r.capacity+len(initial))
	for _, v := range initial {
		ch <- v
	}
	if !r.closed {
		r.subs[id] = ch
	} else {
		close(ch)
	}
	return &Subscription[T]{
		Id: id,
		C:  ch,
		cancel: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		},
	}
}

func (r *ReplicateQueue[T]) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *ReplicateQueue[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *ReplicateQueue[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
