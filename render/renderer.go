package render

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/mtquad/gpu"
	"github.com/vkngwrapper/mtquad/log"
)

var logger = log.New("render")

// State tracks where the controller is inside a frame.
type State int

const (
	StateIdle State = iota
	StateWaitingOnFence
	StateRecording
	StateSubmitted
	StatePresented
)

func (s State) String() string {
	switch s {
	case StateWaitingOnFence:
		return "waiting-on-fence"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StatePresented:
		return "presented"
	}
	return "idle"
}

// Renderer drives a ring of frame resources. All methods must be called
// from a single controller goroutine.
type Renderer struct {
	opts    Options
	backend gpu.Backend
	pool    *WorkerPool
	retire  RetireQueue

	// Per-device state, rebuilt after device loss.
	device    gpu.Device
	swapChain gpu.SwapChain
	heap      gpu.DescriptorHeap
	pipeline  gpu.PipelineState
	mesh      gpu.Mesh
	texture   gpu.Texture
	fence     gpu.Fence
	shared    *Context
	frames    []*FrameResource

	current      int
	fenceValue   uint64
	renderTarget int

	state  State
	stats  Stats
	closed bool
}

// New validates opts, starts the worker pool and loads every device
// resource through backend.
func New(ctx context.Context, backend gpu.Backend, opts Options) (*Renderer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	r := &Renderer{
		opts:    opts,
		backend: backend,
		pool:    NewWorkerPool(opts.WorkerCount, opts.ObjectCount),
	}

	if err := r.load(ctx); err != nil {
		r.unload()
		if stopErr := r.pool.Stop(); stopErr != nil {
			err = errors.CombineErrors(err, stopErr)
		}
		return nil, err
	}

	return r, nil
}

func (r *Renderer) load(ctx context.Context) error {
	dev, err := r.backend.Open(gpu.DeviceConfig{
		Width:       r.opts.Width,
		Height:      r.opts.Height,
		BufferCount: r.opts.FrameCount,
		Debug:       r.opts.Debug,
	})
	if err != nil {
		return errors.Wrapf(err, "render: open %s device", r.backend.Name())
	}
	r.device = dev
	r.swapChain = dev.SwapChain()

	if err = r.loadPipeline(); err != nil {
		return err
	}
	if err = r.loadAssets(ctx); err != nil {
		return err
	}
	if err = r.loadFrameResources(); err != nil {
		return err
	}

	logger.Infof(
		"device %s ready: %d frames in flight, %d workers, %d objects, %d swap chain buffers",
		dev.ID(), r.opts.FrameCount, r.opts.WorkerCount, r.opts.ObjectCount, r.swapChain.BufferCount(),
	)
	return nil
}

func (r *Renderer) loadPipeline() error {
	var err error

	if r.heap, err = r.device.CreateDescriptorHeap(heapCapacity(r.opts.FrameCount, r.opts.ObjectCount)); err != nil {
		return errors.Wrap(err, "render: create descriptor heap")
	}

	r.pipeline, err = r.device.CreatePipelineState(gpu.PipelineDesc{
		VertexShader:       r.opts.VertexShader,
		PixelShader:        r.opts.PixelShader,
		ConstantBufferSize: transformSize,
	})
	if err != nil {
		return errors.Wrap(err, "render: create pipeline state")
	}

	if r.fence, err = r.device.CreateFence(0); err != nil {
		return errors.Wrap(err, "render: create fence")
	}
	r.fenceValue = 1

	return nil
}

// loadAssets uploads the mesh and texture and waits for the upload to
// finish before the first frame.
func (r *Renderer) loadAssets(ctx context.Context) (err error) {
	dev := r.device

	alloc, err := dev.CreateCommandAllocator()
	if err != nil {
		return errors.Wrap(err, "render: create setup allocator")
	}
	list, err := dev.CreateCommandList(alloc, r.pipeline)
	if err != nil {
		alloc.Release()
		return errors.Wrap(err, "render: create setup list")
	}
	r.retire.Retire(r.fenceValue, list, alloc)

	if err = list.Reset(alloc, r.pipeline); err != nil {
		return errors.Wrap(err, "render: open setup list")
	}

	if r.mesh, err = dev.CreateMesh(r.opts.Mesh.Vertices, r.opts.Mesh.Indices); err != nil {
		return errors.Wrap(err, "render: create mesh")
	}

	tex := r.opts.Texture
	texture, staging, err := dev.CreateTexture(list, tex.Pixels, tex.Width, tex.Height)
	if err != nil {
		return errors.Wrap(err, "render: create texture")
	}
	r.texture = texture
	r.retire.Retire(r.fenceValue, staging)

	if err = dev.CreateShaderResourceView(texture, r.heap, textureSlot); err != nil {
		return errors.Wrap(err, "render: create texture view")
	}

	if err = list.Close(); err != nil {
		return errors.Wrap(err, "render: close setup list")
	}
	if err = dev.Queue().ExecuteCommandLists([]gpu.CommandList{list}); err != nil {
		return errors.Wrap(err, "render: submit setup list")
	}

	if err = r.WaitForGPU(ctx); err != nil {
		return errors.Wrap(err, "render: wait for asset upload")
	}
	r.retire.Collect(r.fence.CompletedValue())

	return nil
}

func (r *Renderer) loadFrameResources() error {
	r.shared = &Context{
		Device:   r.device,
		Queue:    r.device.Queue(),
		Heap:     r.heap,
		Pipeline: r.pipeline,
		Mesh:     r.mesh,
		Viewport: gpu.Viewport{Width: float32(r.opts.Width), Height: float32(r.opts.Height), MaxDepth: 1},
		Scissor:  gpu.Rect{Right: r.opts.Width, Bottom: r.opts.Height},
	}

	r.frames = make([]*FrameResource, 0, r.opts.FrameCount)
	for slot := 0; slot < r.opts.FrameCount; slot++ {
		fr, err := NewFrameResource(r.device, r.pipeline, r.heap, r.opts.WorkerCount, r.opts.ObjectCount, slot)
		if err != nil {
			return err
		}
		r.frames = append(r.frames, fr)
	}

	r.current = 0
	r.renderTarget = r.swapChain.CurrentBackBufferIndex()
	r.state = StateIdle
	return nil
}

// unload releases every per-device object. The GPU must be idle or lost.
func (r *Renderer) unload() {
	for _, fr := range r.frames {
		fr.Release()
	}
	r.frames = nil
	r.retire.Drain()

	if r.texture != nil {
		r.texture.Release()
		r.texture = nil
	}
	if r.mesh != nil {
		r.mesh.Release()
		r.mesh = nil
	}
	if r.pipeline != nil {
		r.pipeline.Release()
		r.pipeline = nil
	}
	if r.heap != nil {
		r.heap.Release()
		r.heap = nil
	}
	if r.fence != nil {
		r.fence.Release()
		r.fence = nil
	}
	if r.device != nil {
		r.device.Release()
		r.device = nil
	}
	r.swapChain = nil
	r.shared = nil
}

// waitForFence blocks until the fence reaches value. A wait that outlives
// the configured fence timeout is reported as a hung device.
func (r *Renderer) waitForFence(ctx context.Context, value uint64) error {
	if r.fence.CompletedValue() >= value {
		return nil
	}

	waitCtx := ctx
	if r.opts.FenceTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.opts.FenceTimeout)
		defer cancel()
	}

	err := r.fence.Wait(waitCtx, value)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return gpu.Wrap(err, "Fence.Wait", gpu.ResultDeviceHung)
	}
	return err
}

// WaitForGPU signals a fresh fence value and waits for it.
func (r *Renderer) WaitForGPU(ctx context.Context) error {
	value := r.fenceValue
	if err := r.device.Queue().Signal(r.fence, value); err != nil {
		return err
	}
	r.fenceValue++
	return r.waitForFence(ctx, value)
}

// Advance moves to the next frame resource, waiting for the GPU to finish
// its previous use if necessary.
func (r *Renderer) Advance(ctx context.Context) error {
	r.state = StateWaitingOnFence

	completed := r.fence.CompletedValue()
	r.current = (r.current + 1) % len(r.frames)
	frame := r.frames[r.current]

	if frame.FenceValue() > completed {
		start := hrtime.Now()
		if err := r.waitForFence(ctx, frame.FenceValue()); err != nil {
			return err
		}
		r.stats.FenceWaits++
		r.stats.FenceWaitTime += hrtime.Since(start)
		completed = r.fence.CompletedValue()
	}

	r.retire.Collect(completed)
	return nil
}

// UpdatePass composes the incremental transform of every object into the
// current frame resource.
func (r *Renderer) UpdatePass() {
	frame := r.frames[r.current]
	for object := 0; object < r.opts.ObjectCount; object++ {
		frame.WriteObjectTransform(object, r.opts.Animator(object))
	}
}

// beginFrame records the present to render-target transition and the clear.
func (r *Renderer) beginFrame(frame *FrameResource) error {
	if err := frame.Begin(); err != nil {
		return err
	}

	pre := frame.PreList()
	pre.ResourceBarrier(r.renderTarget, gpu.StatePresent, gpu.StateRenderTarget)
	pre.ClearRenderTarget(r.renderTarget, r.opts.ClearColor)
	return errors.Wrap(pre.Close(), "render: close pre-barrier list")
}

// endFrame records the render-target to present transition.
func (r *Renderer) endFrame(frame *FrameResource) error {
	post := frame.PostList()
	post.ResourceBarrier(r.renderTarget, gpu.StateRenderTarget, gpu.StatePresent)
	return errors.Wrap(post.Close(), "render: close post-barrier list")
}

// RenderFrame records the current frame resource with the worker pool,
// submits it, presents and signals the fence for the slot.
func (r *Renderer) RenderFrame(ctx context.Context) error {
	frame := r.frames[r.current]
	r.state = StateRecording

	start := hrtime.Now()
	if err := r.beginFrame(frame); err != nil {
		return err
	}

	if err := r.pool.Begin(frameJob{shared: r.shared, frame: frame, renderTarget: r.renderTarget}); err != nil {
		return err
	}
	endErr := r.endFrame(frame)
	if err := r.pool.Wait(); err != nil {
		return err
	}
	if endErr != nil {
		return endErr
	}
	r.stats.RecordTime += hrtime.Since(start)

	start = hrtime.Now()
	if err := r.shared.Queue.ExecuteCommandLists(frame.Batch()); err != nil {
		return err
	}
	r.state = StateSubmitted
	r.stats.SubmitTime += hrtime.Since(start)

	start = hrtime.Now()
	if err := r.swapChain.Present(); err != nil {
		return err
	}
	r.state = StatePresented
	r.renderTarget = r.swapChain.CurrentBackBufferIndex()

	frame.fenceValue = r.fenceValue
	if err := r.shared.Queue.Signal(r.fence, r.fenceValue); err != nil {
		return err
	}
	r.fenceValue++
	r.stats.PresentTime += hrtime.Since(start)

	r.state = StateIdle
	return nil
}

// Tick renders one frame. Device loss is recovered from by rebuilding every
// device resource; any other error is returned.
func (r *Renderer) Tick(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if r.device == nil {
		return errors.New("render: no device")
	}

	start := hrtime.Now()
	err := r.tick(ctx)
	if err != nil {
		if gpu.IsDeviceLost(err) || gpu.IsDeviceLost(r.device.RemovedReason()) {
			return r.recover(ctx, err)
		}
		return err
	}

	elapsed := hrtime.Since(start)
	r.stats.Frames++
	r.stats.TotalFrameTime += elapsed
	if elapsed > r.stats.MaxFrameTime {
		r.stats.MaxFrameTime = elapsed
	}
	return nil
}

func (r *Renderer) tick(ctx context.Context) error {
	if err := r.Advance(ctx); err != nil {
		return err
	}

	r.state = StateRecording
	start := hrtime.Now()
	r.UpdatePass()
	r.stats.UpdateTime += hrtime.Since(start)

	return r.RenderFrame(ctx)
}

func (r *Renderer) recover(ctx context.Context, cause error) error {
	logger.Warningf("device %s lost: %v (removal reason: %v); recreating device resources", r.device.ID(), cause, r.device.RemovedReason())

	if err := r.WaitForGPU(ctx); err != nil {
		logger.Debugf("ignoring wait error on lost device: %v", err)
	}
	r.unload()

	if err := r.load(ctx); err != nil {
		r.unload()
		return errors.WithSecondaryError(errors.Wrap(err, "render: recreate device resources"), cause)
	}

	r.stats.Recoveries++
	return nil
}

// Run renders frames until ctx is done or, when frames is positive, until
// that many frames have been attempted.
func (r *Renderer) Run(ctx context.Context, frames int) error {
	for i := 0; frames <= 0 || i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for the GPU, releases every device resource and stops the
// workers.
func (r *Renderer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.device != nil {
		if waitErr := r.WaitForGPU(context.Background()); waitErr != nil && !gpu.IsDeviceLost(waitErr) {
			err = waitErr
		}
	}
	r.unload()

	if stopErr := r.pool.Stop(); stopErr != nil {
		err = errors.CombineErrors(err, stopErr)
	}
	return err
}

func (r *Renderer) State() State { return r.state }

// Stats returns a snapshot of the frame statistics.
func (r *Renderer) Stats() Stats {
	s := r.stats
	s.Draws = r.pool.Draws()
	return s
}

// Device returns the current device, or nil once closed.
func (r *Renderer) Device() gpu.Device { return r.device }

// CurrentFrame returns the frame resource selected by the last Advance.
func (r *Renderer) CurrentFrame() *FrameResource {
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[r.current]
}

// CompletedFenceValue returns the last fence value the GPU reached.
func (r *Renderer) CompletedFenceValue() uint64 {
	if r.fence == nil {
		return 0
	}
	return r.fence.CompletedValue()
}
