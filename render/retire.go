package render

import "github.com/vkngwrapper/mtquad/gpu"

type retiree struct {
	value    uint64
	resource gpu.Releaser
}

// RetireQueue defers releasing objects the GPU may still read until the
// fence passes the value they were retired at. It is owned by the
// controller goroutine.
type RetireQueue struct {
	entries []retiree
}

// Retire schedules resources for release once the fence reaches value.
func (q *RetireQueue) Retire(value uint64, resources ...gpu.Releaser) {
	for _, r := range resources {
		q.entries = append(q.entries, retiree{value: value, resource: r})
	}
}

// Collect releases every entry whose value is at most completed and
// returns how many were released.
func (q *RetireQueue) Collect(completed uint64) int {
	released := 0
	pending := q.entries[:0]
	for _, e := range q.entries {
		if e.value <= completed {
			e.resource.Release()
			released++
			continue
		}
		pending = append(pending, e)
	}

	for i := len(pending); i < len(q.entries); i++ {
		q.entries[i] = retiree{}
	}
	q.entries = pending
	return released
}

// Drain releases everything regardless of fence progress. Only safe once
// the GPU is idle or the device is gone.
func (q *RetireQueue) Drain() int {
	n := len(q.entries)
	for _, e := range q.entries {
		e.resource.Release()
	}
	q.entries = nil
	return n
}

func (q *RetireQueue) Len() int { return len(q.entries) }
