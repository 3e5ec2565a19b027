package vulkan

import (
	"context"
	"testing"
	"time"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/mtquad/gpu"
)

func TestWaitChunkFollowsDeadline(t *testing.T) {
	if got := waitChunk(context.Background()); got != fenceWaitChunk {
		t.Fatalf("expected %s without a deadline; got %s", fenceWaitChunk, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := waitChunk(ctx); got <= 0 || got > 20*time.Millisecond {
		t.Fatalf("expected a chunk within the 20ms deadline; got %s", got)
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	if got := waitChunk(ctx); got != fenceWaitChunk {
		t.Fatalf("expected %s for a distant deadline; got %s", fenceWaitChunk, got)
	}

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if got := waitChunk(ctx); got != 0 {
		t.Fatalf("expected 0 for an expired deadline; got %s", got)
	}
}

func TestFenceReusesUnsubmittedHandle(t *testing.T) {
	f := &fence{completed: 3, last: 3}

	// A handle whose submission failed goes back on the free list.
	f.unused(core1_0.Fence{})
	if len(f.free) != 1 {
		t.Fatalf("expected 1 free handle; got %d", len(f.free))
	}

	if _, err := f.signal(3); gpu.ResultOf(err) != gpu.ResultInvalidCall {
		t.Fatalf("expected a non-increasing value to be rejected; got %v", err)
	}
	if len(f.free) != 1 {
		t.Fatalf("expected rejected signal to keep the free handle; got %d", len(f.free))
	}

	if _, err := f.signal(4); err != nil {
		t.Fatal(err)
	}
	if len(f.free) != 0 {
		t.Fatalf("expected signal to take the free handle; got %d left", len(f.free))
	}
}
