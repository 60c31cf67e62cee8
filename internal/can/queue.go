package can

// Queue is a fixed-capacity FIFO. TryPush and TryPop never block, so both
// are safe from notification callbacks.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue holding up to capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v, returning false without side effects when full.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// TryPop dequeues the head element if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Reset discards every queued element.
func (q *Queue[T]) Reset() int {
	n := 0
	for {
		if _, ok := q.TryPop(); !ok {
			return n
		}
		n++
	}
}
