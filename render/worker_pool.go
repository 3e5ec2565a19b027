package render

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mtquad/gpu"
	"golang.org/x/sync/errgroup"
)

// frameJob is handed to every worker when a frame begins.
type frameJob struct {
	shared       *Context
	frame        *FrameResource
	renderTarget int
}

// Partition assigns objects to workers round-robin: worker w draws every
// object o with o % workers == w.
func Partition(workers, objects int) [][]int {
	assignments := make([][]int, workers)
	for o := 0; o < objects; o++ {
		w := o % workers
		assignments[w] = append(assignments[w], o)
	}
	return assignments
}

// WorkerPool runs a fixed set of long-lived recording goroutines. Each frame
// the controller hands every worker the same job through its begin channel
// and collects one result per worker from the done channels.
type WorkerPool struct {
	group       *errgroup.Group
	begin       []chan frameJob
	done        []chan error
	assignments [][]int

	draws    int64
	stopOnce sync.Once
	stopErr  error
	stopped  bool
}

// NewWorkerPool starts workers goroutines that split objects between them.
func NewWorkerPool(workers, objects int) *WorkerPool {
	p := &WorkerPool{
		group:       new(errgroup.Group),
		begin:       make([]chan frameJob, workers),
		done:        make([]chan error, workers),
		assignments: Partition(workers, objects),
	}

	for i := 0; i < workers; i++ {
		p.begin[i] = make(chan frameJob, 1)
		p.done[i] = make(chan error, 1)

		index := i
		p.group.Go(func() error {
			return p.run(index)
		})
	}

	logger.Debugf("started %d workers for %d objects", workers, objects)
	return p
}

func (p *WorkerPool) Size() int { return len(p.begin) }

// Assignment returns the objects drawn by worker.
func (p *WorkerPool) Assignment(worker int) []int { return p.assignments[worker] }

// Draws returns the number of draws recorded so far.
func (p *WorkerPool) Draws() int64 { return atomic.LoadInt64(&p.draws) }

func (p *WorkerPool) run(index int) error {
	for job := range p.begin[index] {
		p.done[index] <- p.record(index, job)
	}
	return nil
}

func (p *WorkerPool) record(index int, job frameJob) error {
	list := job.frame.WorkerList(index)
	shared := job.shared

	list.SetGraphicsRootSignature(shared.Pipeline)
	list.SetDescriptorHeap(shared.Heap)
	list.SetGraphicsRootDescriptorTable(gpu.RootTexture, textureSlot)
	list.SetViewport(shared.Viewport)
	list.SetScissor(shared.Scissor)
	list.SetMesh(shared.Mesh)

	indexCount := shared.Mesh.IndexCount()
	for _, object := range p.assignments[index] {
		job.frame.Bind(list, job.renderTarget, object)
		list.DrawIndexedInstanced(indexCount, 1, 0, 0, 0)
	}

	if err := list.Close(); err != nil {
		return errors.Wrapf(err, "render: worker %d", index)
	}

	atomic.AddInt64(&p.draws, int64(len(p.assignments[index])))
	return nil
}

// Begin signals every worker to record job.
func (p *WorkerPool) Begin(job frameJob) error {
	if p.stopped {
		return ErrPoolStopped
	}
	for _, ch := range p.begin {
		ch <- job
	}
	return nil
}

// Wait blocks until every worker has finished the current job. Device loss
// errors take precedence so callers can classify the result.
func (p *WorkerPool) Wait() error {
	var result error
	for _, ch := range p.done {
		err := <-ch
		switch {
		case err == nil:
		case result == nil:
			result = err
		case gpu.IsDeviceLost(err) && !gpu.IsDeviceLost(result):
			result = errors.CombineErrors(err, result)
		default:
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}

// Stop retires every worker and waits for them to exit. Must not be called
// between Begin and Wait.
func (p *WorkerPool) Stop() error {
	p.stopOnce.Do(func() {
		p.stopped = true
		for _, ch := range p.begin {
			close(ch)
		}
		p.stopErr = p.group.Wait()
		logger.Debugf("stopped %d workers", len(p.begin))
	})
	return p.stopErr
}
