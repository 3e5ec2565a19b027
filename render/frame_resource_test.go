package render

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/mtquad/gpu"
	"github.com/vkngwrapper/mtquad/gpu/sim"
)

func newTestFrame(t *testing.T, workers, objects, frames, slot int) (*FrameResource, gpu.DescriptorHeap) {
	t.Helper()

	dev, err := sim.NewBackend(sim.Options{}).Open(gpu.DeviceConfig{Width: 8, Height: 8, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Release)

	heap, err := dev.CreateDescriptorHeap(heapCapacity(frames, objects))
	if err != nil {
		t.Fatal(err)
	}
	pso, err := dev.CreatePipelineState(gpu.PipelineDesc{ConstantBufferSize: transformSize})
	if err != nil {
		t.Fatal(err)
	}

	fr, err := NewFrameResource(dev, pso, heap, workers, objects, slot)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fr.Release)
	return fr, heap
}

func TestFrameResourceStartsWithIdentity(t *testing.T) {
	fr, _ := newTestFrame(t, 2, 5, 1, 0)

	for o := 0; o < fr.ObjectCount(); o++ {
		if fr.Transform(o) != mgl32.Ident4() {
			t.Fatalf("object %d: expected identity transform; got %v", o, fr.Transform(o))
		}
		if got := readTransform(fr.mapped[o]); got != mgl32.Ident4() {
			t.Fatalf("object %d: expected identity in constant buffer; got %v", o, got)
		}
	}
}

func TestWriteObjectTransformComposesOnTheLeft(t *testing.T) {
	fr, _ := newTestFrame(t, 1, 3, 1, 0)

	translate := mgl32.Translate3D(1, 2, 3)
	rotate := mgl32.HomogRotate3DZ(0.1)

	fr.WriteObjectTransform(1, translate)
	fr.WriteObjectTransform(1, rotate)

	want := rotate.Mul4(translate)
	if got := fr.Transform(1); !got.ApproxEqual(want) {
		t.Fatalf("expected rotate * translate\n%v\ngot\n%v", want, got)
	}
	if got := readTransform(fr.mapped[1]); got != fr.Transform(1) {
		t.Fatalf("expected constant buffer to hold the stored transform; got %v", got)
	}

	// Other objects are untouched.
	if fr.Transform(0) != mgl32.Ident4() || fr.Transform(2) != mgl32.Ident4() {
		t.Fatal("expected only object 1 to change")
	}
}

func TestWriteIdentityKeepsTransform(t *testing.T) {
	fr, _ := newTestFrame(t, 1, 2, 1, 0)

	fr.WriteObjectTransform(1, mgl32.Translate3D(0.5, -0.25, 0))
	fr.WriteObjectTransform(1, mgl32.HomogRotate3DZ(0.3))
	before := fr.Transform(1)

	fr.WriteObjectTransform(1, mgl32.Ident4())
	if got := fr.Transform(1); got != before {
		t.Fatalf("expected identity write to keep transform\n%v\ngot\n%v", before, got)
	}
	if got := readTransform(fr.mapped[1]); got != before {
		t.Fatalf("expected constant buffer to keep transform\n%v\ngot\n%v", before, got)
	}
}

func TestRepeatedRotationAccumulates(t *testing.T) {
	fr, _ := newTestFrame(t, 1, 1, 1, 0)

	step := mgl32.HomogRotate3DZ(0.1)
	for i := 0; i < 10; i++ {
		fr.WriteObjectTransform(0, step)
	}

	want := mgl32.HomogRotate3DZ(1)
	if got := fr.Transform(0); !got.ApproxEqualThreshold(want, 1e-5) {
		t.Fatalf("expected ten 0.1 rad steps to equal a 1 rad rotation\n%v\ngot\n%v", want, got)
	}
}

func TestBatchOrder(t *testing.T) {
	fr, _ := newTestFrame(t, 4, 2, 1, 0)

	batch := fr.Batch()
	if len(batch) != fr.WorkerCount()+2 {
		t.Fatalf("expected %d lists; got %d", fr.WorkerCount()+2, len(batch))
	}
	if batch[0] != fr.PreList() {
		t.Fatal("expected pre-barrier list first")
	}
	if batch[len(batch)-1] != fr.PostList() {
		t.Fatal("expected post-barrier list last")
	}
	for w := 0; w < fr.WorkerCount(); w++ {
		if batch[w+1] != fr.WorkerList(w) {
			t.Fatalf("expected worker %d list at position %d", w, w+1)
		}
	}
}

func TestConstantBufferSlotsAreDistinct(t *testing.T) {
	const frames, objects = 3, 7

	seen := map[int]bool{textureSlot: true}
	for f := 0; f < frames; f++ {
		for o := 0; o < objects; o++ {
			slot := constantBufferSlot(f, objects, o)
			if seen[slot] {
				t.Fatalf("frame %d object %d: slot %d already used", f, o, slot)
			}
			if slot >= heapCapacity(frames, objects) {
				t.Fatalf("frame %d object %d: slot %d outside heap", f, o, slot)
			}
			seen[slot] = true
		}
	}
	if len(seen) != heapCapacity(frames, objects) {
		t.Fatalf("expected every heap slot to be used; got %d of %d", len(seen), heapCapacity(frames, objects))
	}
}

func TestNewFrameResourceRejectsSmallHeap(t *testing.T) {
	dev, err := sim.NewBackend(sim.Options{}).Open(gpu.DeviceConfig{Width: 8, Height: 8, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Release()

	heap, err := dev.CreateDescriptorHeap(heapCapacity(1, 4))
	if err != nil {
		t.Fatal(err)
	}
	pso, err := dev.CreatePipelineState(gpu.PipelineDesc{ConstantBufferSize: transformSize})
	if err != nil {
		t.Fatal(err)
	}

	if _, err = NewFrameResource(dev, pso, heap, 1, 4, 1); err == nil {
		t.Fatal("expected slot 1 to overflow a heap sized for one frame")
	}
}
