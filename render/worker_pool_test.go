package render

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		workers, objects int
	}{
		{1, 1},
		{3, 7},
		{4, 2},
		{8, 100},
	}

	for _, tt := range tests {
		assignments := Partition(tt.workers, tt.objects)
		if len(assignments) != tt.workers {
			t.Fatalf("%d/%d: expected %d assignments; got %d", tt.workers, tt.objects, tt.workers, len(assignments))
		}

		seen := make([]int, tt.objects)
		for w, objects := range assignments {
			for _, o := range objects {
				if o%tt.workers != w {
					t.Fatalf("%d/%d: object %d assigned to worker %d", tt.workers, tt.objects, o, w)
				}
				seen[o]++
			}
		}
		for o, n := range seen {
			if n != 1 {
				t.Fatalf("%d/%d: object %d assigned %d times", tt.workers, tt.objects, o, n)
			}
		}
	}
}

func TestWorkerPoolStop(t *testing.T) {
	p := NewWorkerPool(4, 10)
	if p.Size() != 4 {
		t.Fatalf("expected 4 workers; got %d", p.Size())
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("expected second stop to be a no-op; got %v", err)
	}

	if err := p.Begin(frameJob{}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected %v; got %v", ErrPoolStopped, err)
	}
}
