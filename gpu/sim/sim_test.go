package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mtquad/gpu"
)

type fixture struct {
	dev   *Device
	heap  gpu.DescriptorHeap
	pso   gpu.PipelineState
	mesh  gpu.Mesh
	alloc gpu.CommandAllocator
	list  gpu.CommandList
	cb    gpu.Buffer
	fence gpu.Fence
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	backend := NewBackend(opts)
	d, err := backend.Open(gpu.DeviceConfig{Width: 64, Height: 64, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	dev := d.(*Device)
	t.Cleanup(dev.Release)

	f := &fixture{dev: dev}
	if f.heap, err = dev.CreateDescriptorHeap(2); err != nil {
		t.Fatal(err)
	}
	if f.pso, err = dev.CreatePipelineState(gpu.PipelineDesc{ConstantBufferSize: 64}); err != nil {
		t.Fatal(err)
	}
	if f.mesh, err = dev.CreateMesh([]gpu.Vertex{{}, {}, {}}, []uint32{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	if f.alloc, err = dev.CreateCommandAllocator(); err != nil {
		t.Fatal(err)
	}
	if f.list, err = dev.CreateCommandList(f.alloc, f.pso); err != nil {
		t.Fatal(err)
	}
	if f.cb, err = dev.CreateUploadBuffer(gpu.ConstantBufferAlignment); err != nil {
		t.Fatal(err)
	}
	if err = dev.CreateConstantBufferView(f.cb, f.heap, 1); err != nil {
		t.Fatal(err)
	}
	if f.fence, err = dev.CreateFence(0); err != nil {
		t.Fatal(err)
	}

	// Upload a 1x1 texture and wait for it.
	if err = f.list.Reset(f.alloc, f.pso); err != nil {
		t.Fatal(err)
	}
	tex, staging, err := dev.CreateTexture(f.list, []byte{1, 2, 3, 4}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err = dev.CreateShaderResourceView(tex, f.heap, 0); err != nil {
		t.Fatal(err)
	}
	f.submit(t, 1)
	staging.Release()

	return f
}

func (f *fixture) submit(t *testing.T, value uint64) {
	t.Helper()
	if err := f.list.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Queue().ExecuteCommandLists([]gpu.CommandList{f.list}); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Queue().Signal(f.fence, value); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.fence.Wait(ctx, value); err != nil {
		t.Fatal(err)
	}
}

// executeUntilLost submits the list and waits for the GPU to lose the device.
func (f *fixture) executeUntilLost(t *testing.T) {
	t.Helper()
	if err := f.list.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Queue().ExecuteCommandLists([]gpu.CommandList{f.list}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.fence.Wait(ctx, math.MaxUint64); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) recordDraw(t *testing.T, withBarrier bool) {
	t.Helper()
	if err := f.alloc.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := f.list.Reset(f.alloc, f.pso); err != nil {
		t.Fatal(err)
	}

	rt := f.dev.SwapChain().CurrentBackBufferIndex()
	if withBarrier {
		f.list.ResourceBarrier(rt, gpu.StatePresent, gpu.StateRenderTarget)
	}
	f.list.SetGraphicsRootSignature(f.pso)
	f.list.SetDescriptorHeap(f.heap)
	f.list.SetGraphicsRootDescriptorTable(gpu.RootTexture, 0)
	f.list.SetGraphicsRootDescriptorTable(gpu.RootConstants, 1)
	f.list.SetViewport(gpu.Viewport{Width: 64, Height: 64, MaxDepth: 1})
	f.list.SetScissor(gpu.Rect{Right: 64, Bottom: 64})
	f.list.SetMesh(f.mesh)
	f.list.SetRenderTarget(rt)
	f.list.DrawIndexedInstanced(3, 1, 0, 0, 0)
	if withBarrier {
		f.list.ResourceBarrier(rt, gpu.StateRenderTarget, gpu.StatePresent)
	}
}

func TestDrawCapturesConstants(t *testing.T) {
	f := newFixture(t, Options{})

	data, err := f.cb.Map()
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 42

	f.recordDraw(t, true)
	f.submit(t, 2)

	// Writes after completion must not leak into the executed draw.
	data[0] = 7

	draws := f.dev.Draws()
	if len(draws) != 1 {
		t.Fatalf("expected 1 draw; got %d", len(draws))
	}
	if draws[0].Constants[0] != 42 {
		t.Fatalf("expected draw to observe constant 42; got %d", draws[0].Constants[0])
	}
	if draws[0].ConstantSlot != 1 || draws[0].IndexCount != 3 {
		t.Fatalf("unexpected draw %+v", draws[0])
	}
	if f.dev.Removed() {
		t.Fatalf("expected device to be healthy; got %v", f.dev.RemovedReason())
	}
}

func TestDrawOutsideRenderTargetStateHangsDevice(t *testing.T) {
	f := newFixture(t, Options{})

	f.recordDraw(t, false)
	f.executeUntilLost(t)

	if !gpu.IsDeviceLost(f.dev.RemovedReason()) {
		t.Fatalf("expected device to be lost; got %v", f.dev.RemovedReason())
	}
	if got := gpu.ResultOf(f.dev.RemovedReason()); got != gpu.ResultDeviceHung {
		t.Fatalf("expected result %s; got %s", gpu.ResultDeviceHung, got)
	}
	if got := f.fence.CompletedValue(); got != math.MaxUint64 {
		t.Fatalf("expected lost device fence to read %d; got %d", uint64(math.MaxUint64), got)
	}

	err := f.dev.Queue().ExecuteCommandLists([]gpu.CommandList{f.list})
	if !gpu.IsDeviceLost(err) {
		t.Fatalf("expected submission on lost device to report device lost; got %v", err)
	}
}

func TestAllocatorResetWhileExecuting(t *testing.T) {
	f := newFixture(t, Options{Latency: 50 * time.Millisecond})

	f.recordDraw(t, true)
	if err := f.list.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Queue().ExecuteCommandLists([]gpu.CommandList{f.list}); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Queue().Signal(f.fence, 2); err != nil {
		t.Fatal(err)
	}

	err := f.alloc.Reset()
	if gpu.ResultOf(err) != gpu.ResultInvalidCall {
		t.Fatalf("expected reset of in-flight allocator to fail with %s; got %v", gpu.ResultInvalidCall, err)
	}

	if err = f.fence.Wait(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if err = f.alloc.Reset(); err != nil {
		t.Fatalf("expected reset after fence completion to succeed; got %v", err)
	}
}

func TestInjectedRemovalOnlyAffectsFirstDevice(t *testing.T) {
	backend := NewBackend(Options{RemoveAfter: 2})

	f := newFixture(t, Options{RemoveAfter: 2})
	f.recordDraw(t, true)
	f.executeUntilLost(t)
	if !f.dev.Removed() {
		t.Fatal("expected device to be removed at submission 2")
	}
	if got := gpu.ResultOf(f.dev.RemovedReason()); got != gpu.ResultDeviceRemoved {
		t.Fatalf("expected result %s; got %s", gpu.ResultDeviceRemoved, got)
	}

	first, err := backend.Open(gpu.DeviceConfig{Width: 1, Height: 1, BufferCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()
	second, err := backend.Open(gpu.DeviceConfig{Width: 1, Height: 1, BufferCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()

	devices := backend.Devices()
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices; got %d", len(devices))
	}
	if devices[0].removeAfter != 2 || devices[1].removeAfter != 0 {
		t.Fatalf("expected fault injection on the first device only; got %d and %d", devices[0].removeAfter, devices[1].removeAfter)
	}
	if devices[0].ID() == devices[1].ID() {
		t.Fatal("expected distinct device ids")
	}
}

func TestFenceWaitHonorsContext(t *testing.T) {
	f := newFixture(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.fence.Wait(ctx, 100)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded; got %v", err)
	}
}

func TestCloseReportsRecordingErrors(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.list.Reset(f.alloc, f.pso); err != nil {
		t.Fatal(err)
	}
	f.list.SetViewport(gpu.Viewport{})
	if err := f.list.Close(); gpu.ResultOf(err) != gpu.ResultInvalidCall {
		t.Fatalf("expected close to report %s; got %v", gpu.ResultInvalidCall, err)
	}

	err := f.dev.Queue().ExecuteCommandLists([]gpu.CommandList{f.list})
	if gpu.ResultOf(err) != gpu.ResultInvalidCall {
		t.Fatalf("expected submission of failed list to be rejected; got %v", err)
	}
}
