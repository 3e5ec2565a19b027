package sim

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/mtquad/gpu"
)

// Draw describes an indexed draw as executed by the simulated GPU.
type Draw struct {
	// Submission the draw belongs to, counting from 1.
	Submission int

	// Position of the owning list inside the submission.
	List int

	RenderTarget int

	// Heap slot bound to gpu.RootConstants.
	ConstantSlot int

	// First 64 bytes of the constant buffer as seen at execution time.
	Constants []byte

	IndexCount    int
	InstanceCount int
}

type opKind int

const (
	opExecute opKind = iota
	opSignal
	opPresent
)

type submittedList struct {
	alloc    *commandAllocator
	commands []command
}

type op struct {
	kind         opKind
	submission   int
	lists        []submittedList
	fence        *fence
	value        uint64
	renderTarget int
}

// Device is a simulated GPU device.
type Device struct {
	id          uuid.UUID
	cfg         gpu.DeviceConfig
	latency     time.Duration
	removeAfter int

	queue     *queue
	swapChain *swapChain

	ops         chan op
	exited      chan struct{}
	releaseOnce sync.Once

	// Owned by the GPU goroutine.
	rtStates []gpu.ResourceState

	mu        sync.Mutex
	removed   error
	released  bool
	submitted int
	executed  int
	presented int
	fences    []*fence
	draws     []Draw
	busy      time.Duration
}

func newDevice(cfg gpu.DeviceConfig, latency time.Duration, removeAfter int) *Device {
	d := &Device{
		id:          uuid.New(),
		cfg:         cfg,
		latency:     latency,
		removeAfter: removeAfter,
		ops:         make(chan op, 256),
		exited:      make(chan struct{}),
		rtStates:    make([]gpu.ResourceState, cfg.BufferCount),
	}
	d.queue = &queue{dev: d}
	d.swapChain = &swapChain{dev: d, count: cfg.BufferCount}

	go d.run()
	return d
}

func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Queue() gpu.Queue { return d.queue }

func (d *Device) SwapChain() gpu.SwapChain { return d.swapChain }

func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Removed returns true once the device has been lost.
func (d *Device) Removed() bool {
	return d.RemovedReason() != nil
}

// Draws returns a copy of every draw executed so far.
func (d *Device) Draws() []Draw {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Draw(nil), d.draws...)
}

// Submissions returns the number of accepted ExecuteCommandLists calls.
func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

// Executed returns the number of submissions the GPU has completed.
func (d *Device) Executed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executed
}

// Presented returns the number of presents the GPU has processed.
func (d *Device) Presented() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presented
}

// BusyTime returns the time the GPU spent executing command lists.
func (d *Device) BusyTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Release stops the GPU goroutine after it drains pending work.
func (d *Device) Release() {
	d.releaseOnce.Do(func() {
		d.mu.Lock()
		d.released = true
		d.mu.Unlock()

		close(d.ops)
		<-d.exited
		logger.Debugf("released device %s", d.id)
	})
}

// check returns an error if the device can no longer accept calls.
func (d *Device) check(opName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(opName)
}

func (d *Device) checkLocked(opName string) error {
	if d.removed != nil {
		return gpu.Wrap(d.removed, opName, gpu.ResultOf(d.removed))
	}
	if d.released {
		return gpu.Failf(opName, gpu.ResultInvalidCall, "device %s already released", d.id)
	}
	return nil
}

func (d *Device) remove(reason error) {
	d.mu.Lock()
	if d.removed == nil {
		d.removed = reason
		logger.Debugf("device %s removed: %v", d.id, reason)
	}
	fences := append([]*fence(nil), d.fences...)
	d.mu.Unlock()

	// Fences of a lost device report every value as complete.
	for _, f := range fences {
		f.complete(math.MaxUint64)
	}
}

func (d *Device) run() {
	defer close(d.exited)

	for o := range d.ops {
		if d.Removed() {
			d.retire(o)
			continue
		}

		switch o.kind {
		case opExecute:
			d.execute(o)
		case opSignal:
			o.fence.complete(o.value)
		case opPresent:
			d.present(o.renderTarget)
		}
	}
}

func (d *Device) retire(o op) {
	for _, l := range o.lists {
		l.alloc.release()
	}
}

func (d *Device) execute(o op) {
	defer d.retire(o)

	start := hrtime.Now()
	if d.latency > 0 {
		time.Sleep(d.latency)
	}

	if d.removeAfter > 0 && o.submission == d.removeAfter {
		d.remove(gpu.Failf("Queue.ExecuteCommandLists", gpu.ResultDeviceRemoved, "injected fault at submission %d", o.submission))
		return
	}

	var draws []Draw
	for index, l := range o.lists {
		listDraws, err := d.interpret(o.submission, index, l.commands)
		if err != nil {
			d.remove(err)
			return
		}
		draws = append(draws, listDraws...)
	}

	d.mu.Lock()
	d.draws = append(d.draws, draws...)
	d.executed++
	d.busy += hrtime.Since(start)
	d.mu.Unlock()
}

func (d *Device) present(renderTarget int) {
	if d.rtStates[renderTarget] != gpu.StatePresent {
		d.remove(gpu.Failf("SwapChain.Present", gpu.ResultDeviceHung, "render target %d presented in state %s", renderTarget, d.rtStates[renderTarget]))
		return
	}

	d.mu.Lock()
	d.presented++
	d.mu.Unlock()
}

// execState is the binding state of one list during execution. Bindings
// never carry over between lists.
type execState struct {
	rootSignature *pipelineState
	heap          *descriptorHeap
	tables        [2]int
	viewport      bool
	scissor       bool
	mesh          *mesh
	renderTarget  int
}

func (d *Device) hung(format string, args ...interface{}) error {
	return gpu.Failf("Queue.ExecuteCommandLists", gpu.ResultDeviceHung, format, args...)
}

func (d *Device) interpret(submission, listIndex int, commands []command) ([]Draw, error) {
	st := execState{tables: [2]int{-1, -1}, renderTarget: -1}

	var draws []Draw
	for _, c := range commands {
		switch c.kind {
		case cmdRootSignature:
			st.rootSignature = c.pso
		case cmdDescriptorHeap:
			st.heap = c.heap
		case cmdDescriptorTable:
			if c.root < 0 || c.root >= len(st.tables) {
				return nil, d.hung("list %d: root parameter %d out of range", listIndex, c.root)
			}
			st.tables[c.root] = c.slot
		case cmdViewport:
			st.viewport = true
		case cmdScissor:
			st.scissor = true
		case cmdMesh:
			st.mesh = c.mesh
		case cmdRenderTarget:
			if c.renderTarget < 0 || c.renderTarget >= len(d.rtStates) {
				return nil, d.hung("list %d: render target %d out of range", listIndex, c.renderTarget)
			}
			st.renderTarget = c.renderTarget
		case cmdBarrier:
			if c.renderTarget < 0 || c.renderTarget >= len(d.rtStates) {
				return nil, d.hung("list %d: barrier on unknown render target %d", listIndex, c.renderTarget)
			}
			if d.rtStates[c.renderTarget] != c.before {
				return nil, d.hung("list %d: barrier on render target %d expects %s but resource is %s", listIndex, c.renderTarget, c.before, d.rtStates[c.renderTarget])
			}
			d.rtStates[c.renderTarget] = c.after
		case cmdClear:
			if c.renderTarget < 0 || c.renderTarget >= len(d.rtStates) || d.rtStates[c.renderTarget] != gpu.StateRenderTarget {
				return nil, d.hung("list %d: clear of render target %d outside render-target state", listIndex, c.renderTarget)
			}
		case cmdUpload:
			c.texture.pixels = append(c.texture.pixels[:0], c.buffer.data...)
			c.texture.uploaded = true
		case cmdDraw:
			draw, err := d.draw(&st, submission, listIndex, c)
			if err != nil {
				return nil, err
			}
			draws = append(draws, draw)
		}
	}

	return draws, nil
}

func (d *Device) draw(st *execState, submission, listIndex int, c command) (Draw, error) {
	switch {
	case st.rootSignature == nil:
		return Draw{}, d.hung("list %d: draw without root signature", listIndex)
	case st.heap == nil:
		return Draw{}, d.hung("list %d: draw without descriptor heap", listIndex)
	case !st.viewport || !st.scissor:
		return Draw{}, d.hung("list %d: draw without viewport or scissor", listIndex)
	case st.mesh == nil:
		return Draw{}, d.hung("list %d: draw without mesh", listIndex)
	case c.startIndex+c.indexCount > len(st.mesh.indices):
		return Draw{}, d.hung("list %d: draw reads %d indices past the mesh", listIndex, c.startIndex+c.indexCount-len(st.mesh.indices))
	case st.renderTarget < 0:
		return Draw{}, d.hung("list %d: draw without render target", listIndex)
	case d.rtStates[st.renderTarget] != gpu.StateRenderTarget:
		return Draw{}, d.hung("list %d: draw into render target %d in state %s", listIndex, st.renderTarget, d.rtStates[st.renderTarget])
	}

	tex, ok := st.heap.lookup(st.tables[gpu.RootTexture], descriptorSRV)
	if !ok || !tex.texture.uploaded {
		return Draw{}, d.hung("list %d: draw samples an invalid texture descriptor %d", listIndex, st.tables[gpu.RootTexture])
	}

	cbv, ok := st.heap.lookup(st.tables[gpu.RootConstants], descriptorCBV)
	if !ok {
		return Draw{}, d.hung("list %d: draw reads an invalid constant buffer descriptor %d", listIndex, st.tables[gpu.RootConstants])
	}

	n := 64
	if len(cbv.buffer.data) < n {
		n = len(cbv.buffer.data)
	}

	return Draw{
		Submission:    submission,
		List:          listIndex,
		RenderTarget:  st.renderTarget,
		ConstantSlot:  st.tables[gpu.RootConstants],
		Constants:     append([]byte(nil), cbv.buffer.data[:n]...),
		IndexCount:    c.indexCount,
		InstanceCount: c.instanceCount,
	}, nil
}
