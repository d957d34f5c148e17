package dispatch

import (
	"errors"
	"fmt"
)

// DefaultMaxCascade bounds the number of emitted events one FireEvent call
// dispatches after the root event.
const DefaultMaxCascade = 32

// Drop reasons reported on CascadeDispatch.Dropped.
const (
	DropCycle   = "cycle"
	DropQuota   = "quota"
	DropInvalid = "invalid"
)

// cycleDetector remembers which (event name, payload hash) pairs already
// ran in one cascade.
//
// Cycles occur when handlers re-emit the event they are handling, directly
// or through another event:
//
//	cart.updated -> handler emits price.changed -> handler emits cart.updated
//	(same payload) <- CYCLE, dropped
//
// The same name with a different payload is not a cycle.
type cycleDetector struct {
	seen map[string]bool
}

func newCycleDetector() *cycleDetector {
	return &cycleDetector{seen: make(map[string]bool)}
}

// wouldCycle reports whether the pair already ran.
func (c *cycleDetector) wouldCycle(name, payloadHash string) bool {
	return c.seen[name+":"+payloadHash]
}

// record marks the pair as run.
func (c *cycleDetector) record(name, payloadHash string) {
	c.seen[name+":"+payloadHash] = true
}

// cascadeQuota counts emitted events dispatched in one call.
//
// The cycle detector catches loops (A -> B -> A); the quota catches long
// chains of distinct events (A -> B -> C -> ...). Together they bound every
// cascade.
type cascadeQuota struct {
	max     int
	current int
}

func newCascadeQuota(limit int) *cascadeQuota {
	return &cascadeQuota{max: limit}
}

// take consumes one unit, or returns *CascadeExceededError when none is left.
func (q *cascadeQuota) take(event string) error {
	if q.current >= q.max {
		return &CascadeExceededError{Event: event, Limit: q.max}
	}
	q.current++
	return nil
}

// CascadeExceededError reports an emitted event refused by the quota.
type CascadeExceededError struct {
	Event string
	Limit int
}

func (e *CascadeExceededError) Error() string {
	return fmt.Sprintf("event %s dropped: cascade limit of %d events reached", e.Event, e.Limit)
}

// IsCascadeExceeded reports whether err is a *CascadeExceededError.
func IsCascadeExceeded(err error) bool {
	var ce *CascadeExceededError
	return errors.As(err, &ce)
}
