package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mtquad/gpu"
)

type queue struct {
	dev *Device
}

func (q *queue) ExecuteCommandLists(lists []gpu.CommandList) error {
	const opName = "Queue.ExecuteCommandLists"
	d := q.dev

	submitted := make([]submittedList, 0, len(lists))
	for index, list := range lists {
		cl, ok := list.(*commandList)
		switch {
		case !ok || cl.dev != d:
			return gpu.Failf(opName, gpu.ResultInvalidCall, "list %d belongs to another device", index)
		case cl.state != listClosed:
			return gpu.Failf(opName, gpu.ResultInvalidCall, "list %d is still recording", index)
		case cl.err != nil:
			return gpu.Failf(opName, gpu.ResultInvalidCall, "list %d was closed with an error: %v", index, cl.err)
		}

		submitted = append(submitted, submittedList{
			alloc:    cl.alloc,
			commands: append([]command(nil), cl.commands...),
		})
	}

	d.mu.Lock()
	if err := d.checkLocked(opName); err != nil {
		d.mu.Unlock()
		return err
	}
	d.submitted++
	submission := d.submitted
	d.mu.Unlock()

	for _, l := range submitted {
		atomic.AddInt32(&l.alloc.inflight, 1)
	}
	d.ops <- op{kind: opExecute, submission: submission, lists: submitted}
	return nil
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	const opName = "Queue.Signal"

	sf, ok := f.(*fence)
	if !ok || sf.dev != q.dev {
		return gpu.Failf(opName, gpu.ResultInvalidCall, "fence belongs to another device")
	}
	if err := q.dev.check(opName); err != nil {
		return err
	}

	q.dev.ops <- op{kind: opSignal, fence: sf, value: value}
	return nil
}

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

type fence struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	waiters []fenceWaiter
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fence) Wait(ctx context.Context, value uint64) error {
	f.mu.Lock()
	if f.value >= value {
		f.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, fenceWaiter{value: value, ch: ch})
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		for i, w := range f.waiters {
			if w.ch == ch {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		return errors.Wrapf(ctx.Err(), "waiting for fence value %d", value)
	}
}

func (f *fence) complete(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if value <= f.value {
		return
	}
	f.value = value

	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.ch)
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

func (f *fence) Release() {}

type swapChain struct {
	dev     *Device
	count   int
	current int
}

func (s *swapChain) BufferCount() int { return s.count }

func (s *swapChain) CurrentBackBufferIndex() int { return s.current }

func (s *swapChain) Present() error {
	if err := s.dev.check("SwapChain.Present"); err != nil {
		return err
	}

	renderTarget := s.current
	s.current = (s.current + 1) % s.count
	s.dev.ops <- op{kind: opPresent, renderTarget: renderTarget}
	return nil
}
