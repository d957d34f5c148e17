package dispatch

import "github.com/roach88/pubengine/internal/ir"

// pending is an emitted event waiting for its turn.
type pending struct {
	name      string
	payload   ir.Value
	depth     int
	emittedBy string // registration id
}

// eventQueue is the FIFO of emitted events for one FireEvent call.
//
// Emitted events run after every handler of the event that emitted them,
// in emission order, so the cascade is breadth-first and deterministic.
// A queue never outlives its call, so it needs no locking.
type eventQueue struct {
	events []pending
}

func newEventQueue() *eventQueue {
	return &eventQueue{events: make([]pending, 0, 8)}
}

func (q *eventQueue) enqueue(p pending) {
	q.events = append(q.events, p)
}

// dequeue removes the front event. ok is false when the queue is empty.
func (q *eventQueue) dequeue() (p pending, ok bool) {
	if len(q.events) == 0 {
		return pending{}, false
	}
	p = q.events[0]
	// Clear the slot so the payload is collectable once consumed.
	q.events[0] = pending{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return p, true
}
