package vulkan

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/mtquad/gpu"
)

const fenceWaitChunk = 100 * time.Millisecond

type queue struct {
	dev *Device

	// Allocators whose lists were submitted since the last signal.
	submitted []*commandAllocator
}

func (q *queue) ExecuteCommandLists(lists []gpu.CommandList) error {
	const op = "Queue.ExecuteCommandLists"
	d := q.dev
	if err := d.check(op); err != nil {
		return err
	}
	if len(lists) == 0 {
		return nil
	}

	info := core1_0.SubmitInfo{}
	usesSwapChain := false
	for _, list := range lists {
		l, ok := list.(*commandList)
		switch {
		case !ok || l.dev != d:
			return gpu.Failf(op, gpu.ResultInvalidCall, "list belongs to another device")
		case l.recording:
			return gpu.Failf(op, gpu.ResultInvalidCall, "list is still recording")
		case l.err != nil:
			return gpu.Wrap(l.err, op, gpu.ResultInvalidCall)
		}

		info.CommandBuffers = append(info.CommandBuffers, l.buffer)
		usesSwapChain = usesSwapChain || l.usesSwapChain
	}

	// Uploads never touch the swap chain and must not consume the acquire.
	if usesSwapChain {
		d.swapChain.submitInfo(&info)
	}

	res, err := d.deviceDriver.QueueSubmit(d.graphicsQueue, nil, info)
	if err != nil {
		return d.result("QueueSubmit", res, err)
	}

	for _, list := range lists {
		a := list.(*commandList).alloc
		atomic.AddInt32(&a.inflight, 1)
		q.submitted = append(q.submitted, a)
	}
	return nil
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	const op = "Queue.Signal"
	d := q.dev
	if err := d.check(op); err != nil {
		return err
	}

	ff, ok := f.(*fence)
	if !ok || ff.dev != d {
		return gpu.Failf(op, gpu.ResultInvalidCall, "fence belongs to another device")
	}

	handle, err := ff.signal(value)
	if err != nil {
		return err
	}

	res, err := d.deviceDriver.QueueSubmit(d.graphicsQueue, &handle)
	if err != nil {
		ff.unused(handle)
		return d.result("QueueSubmit", res, err)
	}

	ff.push(pendingSignal{value: value, handle: handle, allocs: q.submitted})
	q.submitted = nil
	return nil
}

type pendingSignal struct {
	value  uint64
	handle core1_0.Fence
	allocs []*commandAllocator
}

// fence emulates a monotonic counter with one binary fence per signal.
// Signaled fences are reset and reused.
type fence struct {
	dev *Device

	mu        sync.Mutex
	completed uint64
	last      uint64
	pending   []pendingSignal
	free      []core1_0.Fence
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	if err := d.check("CreateFence"); err != nil {
		return nil, err
	}
	return &fence{dev: d, completed: initial, last: initial}, nil
}

// signal returns an unsignaled fence handle for value.
func (f *fence) signal(value uint64) (core1_0.Fence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if value <= f.last {
		return core1_0.Fence{}, gpu.Failf("Queue.Signal", gpu.ResultInvalidCall, "fence value %d does not increase past %d", value, f.last)
	}

	if n := len(f.free); n > 0 {
		handle := f.free[n-1]
		f.free = f.free[:n-1]
		return handle, nil
	}

	handle, res, err := f.dev.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		return core1_0.Fence{}, f.dev.result("CreateFence", res, err)
	}
	return handle, nil
}

// unused returns a handle from signal that was never submitted.
func (f *fence) unused(handle core1_0.Fence) {
	f.mu.Lock()
	f.free = append(f.free, handle)
	f.mu.Unlock()
}

func (f *fence) push(p pendingSignal) {
	f.mu.Lock()
	f.pending = append(f.pending, p)
	f.last = p.value
	f.mu.Unlock()
}

// poll retires every pending signal whose fence is set. Callers hold mu.
func (f *fence) poll() error {
	driver := f.dev.deviceDriver
	for len(f.pending) > 0 {
		p := f.pending[0]
		res, err := driver.WaitForFences(true, 0, p.handle)
		if err != nil {
			return f.dev.result("WaitForFences", res, err)
		}
		if res == core1_0.VKTimeout {
			return nil
		}

		f.retire(p)
	}
	return nil
}

func (f *fence) retire(p pendingSignal) {
	for _, a := range p.allocs {
		atomic.AddInt32(&a.inflight, -1)
	}
	if res, err := f.dev.deviceDriver.ResetFences(p.handle); err != nil {
		logger.Warningf("device %s: reset fence: %v", f.dev.id, f.dev.result("ResetFences", res, err))
		f.dev.deviceDriver.DestroyFence(p.handle, nil)
	} else {
		f.free = append(f.free, p.handle)
	}

	f.completed = p.value
	f.pending = f.pending[1:]
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.poll(); err != nil || f.dev.RemovedReason() != nil {
		return math.MaxUint64
	}
	return f.completed
}

func (f *fence) Wait(ctx context.Context, value uint64) error {
	const op = "Fence.Wait"
	for {
		f.mu.Lock()
		if err := f.poll(); err != nil {
			f.mu.Unlock()
			return err
		}
		if f.completed >= value {
			f.mu.Unlock()
			return nil
		}

		var target *pendingSignal
		for i := range f.pending {
			if f.pending[i].value >= value {
				target = &f.pending[i]
				break
			}
		}
		if target == nil {
			f.mu.Unlock()
			return gpu.Failf(op, gpu.ResultInvalidCall, "no signal for fence value %d is queued", value)
		}
		handle := target.handle
		f.mu.Unlock()

		res, err := f.dev.deviceDriver.WaitForFences(true, waitChunk(ctx), handle)
		if err != nil {
			return f.dev.result("WaitForFences", res, err)
		}
		if res != core1_0.VKTimeout {
			continue
		}

		if err = ctx.Err(); err != nil {
			return gpu.Wrap(errors.Wrapf(err, "waiting for fence value %d", value), op, gpu.ResultWaitTimeout)
		}
	}
}

// waitChunk returns the timeout of the next driver wait. It never runs past
// the context deadline.
func waitChunk(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fenceWaitChunk
	}

	remaining := time.Until(deadline)
	switch {
	case remaining <= 0:
		return 0
	case remaining < fenceWaitChunk:
		return remaining
	default:
		return fenceWaitChunk
	}
}

func (f *fence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	driver := f.dev.deviceDriver
	if driver == nil {
		return
	}
	for _, p := range f.pending {
		driver.DestroyFence(p.handle, nil)
	}
	for _, handle := range f.free {
		driver.DestroyFence(handle, nil)
	}
	f.pending = nil
	f.free = nil
}
