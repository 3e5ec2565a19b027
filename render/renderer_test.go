package render

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/mtquad/gpu"
	"github.com/vkngwrapper/mtquad/gpu/sim"
)

func testOptions(frames, workers, objects int) Options {
	opts := DefaultOptions()
	opts.FrameCount = frames
	opts.WorkerCount = workers
	opts.ObjectCount = objects
	opts.Width = 32
	opts.Height = 32
	return opts
}

func newTestRenderer(t *testing.T, backend gpu.Backend, opts Options) (*Renderer, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	r, err := New(ctx, backend, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return r, ctx
}

func TestRendererDrawsEveryObjectOncePerFrame(t *testing.T) {
	const frames, workers, objects, count = 2, 3, 7, 100

	backend := sim.NewBackend(sim.Options{})
	r, ctx := newTestRenderer(t, backend, testOptions(frames, workers, objects))

	if err := r.Run(ctx, count); err != nil {
		t.Fatal(err)
	}
	if err := r.WaitForGPU(ctx); err != nil {
		t.Fatal(err)
	}

	dev := backend.Devices()[0]
	if dev.Removed() {
		t.Fatalf("expected a healthy device; got %v", dev.RemovedReason())
	}

	draws := dev.Draws()
	if len(draws) != count*objects {
		t.Fatalf("expected %d draws; got %d", count*objects, len(draws))
	}
	if got := r.Stats().Draws; got != count*objects {
		t.Fatalf("expected %d recorded draws; got %d", count*objects, got)
	}
	if got := r.Stats().Frames; got != count {
		t.Fatalf("expected %d frames; got %d", count, got)
	}
	if got := dev.Presented(); got != count {
		t.Fatalf("expected %d presents; got %d", count, got)
	}
	if stats := r.Stats(); stats.SubmitTime <= 0 || stats.PresentTime <= 0 {
		t.Fatalf("expected submit and present phases to be timed; got %s and %s", stats.SubmitTime, stats.PresentTime)
	}

	// Submission 1 uploads the assets; frames follow.
	perFrame := make(map[int][]int)
	for _, d := range draws {
		object := (d.ConstantSlot - textureDescriptors) % objects
		if d.List != 1+object%workers {
			t.Fatalf("object %d drawn from list %d; expected worker list %d", object, d.List, 1+object%workers)
		}
		perFrame[d.Submission] = append(perFrame[d.Submission], object)
	}
	for submission := 2; submission <= count+1; submission++ {
		seen := make([]int, objects)
		for _, o := range perFrame[submission] {
			seen[o]++
		}
		for o, n := range seen {
			if n != 1 {
				t.Fatalf("submission %d: object %d drawn %d times", submission, o, n)
			}
		}
	}
}

func TestAdvanceWaitsForFrameFence(t *testing.T) {
	backend := sim.NewBackend(sim.Options{Latency: 2 * time.Millisecond})
	r, ctx := newTestRenderer(t, backend, testOptions(2, 2, 4))

	var last uint64
	for i := 0; i < 20; i++ {
		if err := r.Advance(ctx); err != nil {
			t.Fatal(err)
		}
		frame := r.CurrentFrame()
		if frame.FenceValue() > r.CompletedFenceValue() {
			t.Fatalf("frame %d: slot %d still in flight (fence %d, completed %d)", i, frame.Slot(), frame.FenceValue(), r.CompletedFenceValue())
		}

		r.UpdatePass()
		if err := r.RenderFrame(ctx); err != nil {
			t.Fatal(err)
		}
		if frame.FenceValue() <= last {
			t.Fatalf("frame %d: fence value %d not above %d", i, frame.FenceValue(), last)
		}
		last = frame.FenceValue()
	}

	if r.Stats().FenceWaits == 0 {
		t.Fatal("expected the controller to wait on a slow GPU at least once")
	}
}

func TestConstantsWrittenBeforeSubmission(t *testing.T) {
	const frames, objects = 2, 5

	backend := sim.NewBackend(sim.Options{Latency: time.Millisecond})
	r, ctx := newTestRenderer(t, backend, testOptions(frames, 2, objects))
	dev := backend.Devices()[0]

	type snapshot struct {
		slot       int
		transforms []mgl32.Mat4
	}
	snapshots := make(map[int]snapshot)
	for i := 0; i < 12; i++ {
		if err := r.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		frame := r.CurrentFrame()
		s := snapshot{slot: frame.Slot(), transforms: make([]mgl32.Mat4, objects)}
		for o := range s.transforms {
			s.transforms[o] = frame.Transform(o)
		}
		snapshots[dev.Submissions()] = s
	}
	if err := r.WaitForGPU(ctx); err != nil {
		t.Fatal(err)
	}

	for _, d := range dev.Draws() {
		s, ok := snapshots[d.Submission]
		if !ok {
			t.Fatalf("draw from unknown submission %d", d.Submission)
		}
		slot := (d.ConstantSlot - textureDescriptors) / objects
		object := (d.ConstantSlot - textureDescriptors) % objects
		if slot != s.slot {
			t.Fatalf("submission %d: draw used slot %d; frame used %d", d.Submission, slot, s.slot)
		}
		if got := readTransform(d.Constants); got != s.transforms[object] {
			t.Fatalf("submission %d object %d: GPU saw\n%v\nCPU wrote\n%v", d.Submission, object, got, s.transforms[object])
		}
	}
}

func TestRendererRecoversFromDeviceRemoval(t *testing.T) {
	backend := sim.NewBackend(sim.Options{RemoveAfter: 5})
	r, ctx := newTestRenderer(t, backend, testOptions(2, 3, 7))

	if err := r.Run(ctx, 20); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	if stats.Recoveries != 1 {
		t.Fatalf("expected 1 recovery; got %d", stats.Recoveries)
	}
	if stats.Frames != 19 {
		t.Fatalf("expected 19 frames around the recovery; got %d", stats.Frames)
	}

	devices := backend.Devices()
	if len(devices) != 2 {
		t.Fatalf("expected the device to be recreated once; got %d devices", len(devices))
	}
	if !devices[0].Removed() {
		t.Fatal("expected the first device to be removed")
	}
	if devices[1].Removed() {
		t.Fatalf("expected the new device to be healthy; got %v", devices[1].RemovedReason())
	}
	if r.Device().ID() != devices[1].ID() {
		t.Fatal("expected the renderer to use the new device")
	}
}

func TestFenceTimeoutReportsHungDevice(t *testing.T) {
	opts := testOptions(2, 1, 1)
	opts.FenceTimeout = 20 * time.Millisecond

	r, ctx := newTestRenderer(t, sim.NewBackend(sim.Options{}), opts)

	// Nothing will ever signal this value.
	err := r.waitForFence(ctx, r.fenceValue+10)
	if got := gpu.ResultOf(err); got != gpu.ResultDeviceHung {
		t.Fatalf("expected %s; got %v", gpu.ResultDeviceHung, err)
	}
	if !gpu.IsDeviceLost(err) {
		t.Fatal("expected a hung device to count as lost")
	}
}

func TestTickAfterClose(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, sim.NewBackend(sim.Options{}), testOptions(1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err = r.Close(); err != nil {
		t.Fatal(err)
	}
	if err = r.Tick(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected %v; got %v", ErrClosed, err)
	}
	if err = r.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op; got %v", err)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	tests := map[string]func(*Options){
		"no frames":      func(o *Options) { o.FrameCount = 0 },
		"too many":       func(o *Options) { o.FrameCount = MaxFrameCount + 1 },
		"no workers":     func(o *Options) { o.WorkerCount = 0 },
		"no objects":     func(o *Options) { o.ObjectCount = 0 },
		"no width":       func(o *Options) { o.Width = 0 },
		"negative fence": func(o *Options) { o.FenceTimeout = -time.Second },
	}

	for name, mutate := range tests {
		opts := DefaultOptions()
		mutate(&opts)

		_, err := New(context.Background(), sim.NewBackend(sim.Options{}), opts)
		if !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("%s: expected %v; got %v", name, ErrInvalidOptions, err)
		}
	}
}
