package render

import "testing"

type countingReleaser struct {
	released int
}

func (c *countingReleaser) Release() { c.released++ }

func TestRetireQueue(t *testing.T) {
	var q RetireQueue
	a, b, c := &countingReleaser{}, &countingReleaser{}, &countingReleaser{}

	q.Retire(2, a)
	q.Retire(5, b, c)

	if n := q.Collect(1); n != 0 {
		t.Fatalf("expected nothing released at 1; got %d", n)
	}
	if n := q.Collect(4); n != 1 || a.released != 1 {
		t.Fatalf("expected a released at 4; got %d released", n)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending; got %d", q.Len())
	}
	if n := q.Collect(4); n != 0 || a.released != 1 {
		t.Fatal("expected entries to be released once")
	}

	if n := q.Drain(); n != 2 || b.released != 1 || c.released != 1 {
		t.Fatalf("expected drain to release the rest; got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue; got %d", q.Len())
	}
}
