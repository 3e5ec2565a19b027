package render

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/mtquad/gpu"
)

type commandPair struct {
	alloc gpu.CommandAllocator
	list  gpu.CommandList
}

func newCommandPair(dev gpu.Device, pso gpu.PipelineState) (commandPair, error) {
	alloc, err := dev.CreateCommandAllocator()
	if err != nil {
		return commandPair{}, err
	}

	list, err := dev.CreateCommandList(alloc, pso)
	if err != nil {
		alloc.Release()
		return commandPair{}, err
	}

	return commandPair{alloc: alloc, list: list}, nil
}

func (p commandPair) reset(pso gpu.PipelineState) error {
	if err := p.alloc.Reset(); err != nil {
		return err
	}
	return p.list.Reset(p.alloc, pso)
}

func (p commandPair) release() {
	if p.list != nil {
		p.list.Release()
	}
	if p.alloc != nil {
		p.alloc.Release()
	}
}

// FrameResource owns everything the CPU writes while recording one frame:
// the pre and post barrier lists, one list per worker and one constant
// buffer per object. A frame resource may only be reset once the GPU has
// passed its fence value.
type FrameResource struct {
	slot int
	pso  gpu.PipelineState

	pre     commandPair
	post    commandPair
	workers []commandPair

	constants  []gpu.Buffer
	mapped     [][]byte
	transforms []mgl32.Mat4
	cbvSlots   []int

	// Submission order: pre, workers in index order, post.
	batch []gpu.CommandList

	fenceValue uint64
}

// NewFrameResource allocates the command lists and constant buffers of
// frame slot and registers one constant buffer view per object in heap.
// All lists are returned closed.
func NewFrameResource(dev gpu.Device, pso gpu.PipelineState, heap gpu.DescriptorHeap, workers, objects, slot int) (fr *FrameResource, err error) {
	if workers < 1 || objects < 1 || slot < 0 {
		return nil, errors.Newf("render: invalid frame resource layout (workers %d, objects %d, slot %d)", workers, objects, slot)
	}
	if need := heapCapacity(slot+1, objects); heap.Capacity() < need {
		return nil, errors.Newf("render: descriptor heap holds %d descriptors; frame slot %d needs %d", heap.Capacity(), slot, need)
	}

	fr = &FrameResource{
		slot:       slot,
		pso:        pso,
		workers:    make([]commandPair, 0, workers),
		constants:  make([]gpu.Buffer, 0, objects),
		mapped:     make([][]byte, 0, objects),
		transforms: make([]mgl32.Mat4, objects),
		cbvSlots:   make([]int, objects),
	}
	defer func() {
		if err != nil {
			fr.Release()
			fr = nil
		}
	}()

	if fr.pre, err = newCommandPair(dev, pso); err != nil {
		return fr, errors.Wrapf(err, "render: frame %d pre-barrier list", slot)
	}
	if fr.post, err = newCommandPair(dev, pso); err != nil {
		return fr, errors.Wrapf(err, "render: frame %d post-barrier list", slot)
	}
	for i := 0; i < workers; i++ {
		pair, err := newCommandPair(dev, pso)
		if err != nil {
			return fr, errors.Wrapf(err, "render: frame %d worker %d list", slot, i)
		}
		fr.workers = append(fr.workers, pair)
	}

	bufferSize := gpu.AlignConstantBufferSize(transformSize)
	for o := 0; o < objects; o++ {
		buf, err := dev.CreateUploadBuffer(bufferSize)
		if err != nil {
			return fr, errors.Wrapf(err, "render: frame %d constant buffer %d", slot, o)
		}
		fr.constants = append(fr.constants, buf)

		data, err := buf.Map()
		if err != nil {
			return fr, errors.Wrapf(err, "render: map frame %d constant buffer %d", slot, o)
		}
		fr.mapped = append(fr.mapped, data)

		fr.cbvSlots[o] = constantBufferSlot(slot, objects, o)
		if err = dev.CreateConstantBufferView(buf, heap, fr.cbvSlots[o]); err != nil {
			return fr, errors.Wrapf(err, "render: frame %d constant buffer view %d", slot, o)
		}

		fr.transforms[o] = mgl32.Ident4()
		writeTransform(data, fr.transforms[o])
	}

	fr.batch = make([]gpu.CommandList, 0, workers+2)
	fr.batch = append(fr.batch, fr.pre.list)
	for _, w := range fr.workers {
		fr.batch = append(fr.batch, w.list)
	}
	fr.batch = append(fr.batch, fr.post.list)

	return fr, nil
}

// Slot returns the ring index of the frame resource.
func (fr *FrameResource) Slot() int { return fr.slot }

// FenceValue returns the fence value that signals the GPU is done with the
// most recent submission recorded from this frame resource.
func (fr *FrameResource) FenceValue() uint64 { return fr.fenceValue }

func (fr *FrameResource) ObjectCount() int { return len(fr.transforms) }

func (fr *FrameResource) WorkerCount() int { return len(fr.workers) }

func (fr *FrameResource) PreList() gpu.CommandList { return fr.pre.list }

func (fr *FrameResource) PostList() gpu.CommandList { return fr.post.list }

func (fr *FrameResource) WorkerList(worker int) gpu.CommandList { return fr.workers[worker].list }

// Batch returns the lists in submission order. The slice is shared and
// must not be modified.
func (fr *FrameResource) Batch() []gpu.CommandList { return fr.batch }

// Begin resets every allocator and reopens every list. The caller must
// have waited for FenceValue.
func (fr *FrameResource) Begin() error {
	if err := fr.pre.reset(fr.pso); err != nil {
		return errors.Wrapf(err, "render: reset frame %d pre-barrier list", fr.slot)
	}
	if err := fr.post.reset(fr.pso); err != nil {
		return errors.Wrapf(err, "render: reset frame %d post-barrier list", fr.slot)
	}
	for i, w := range fr.workers {
		if err := w.reset(fr.pso); err != nil {
			return errors.Wrapf(err, "render: reset frame %d worker %d list", fr.slot, i)
		}
	}
	return nil
}

// WriteObjectTransform composes m with the stored transform of object
// (new = m * existing) and writes the result into its constant buffer.
func (fr *FrameResource) WriteObjectTransform(object int, m mgl32.Mat4) {
	fr.transforms[object] = m.Mul4(fr.transforms[object])
	writeTransform(fr.mapped[object], fr.transforms[object])
}

// Transform returns the last transform written for object.
func (fr *FrameResource) Transform(object int) mgl32.Mat4 {
	return fr.transforms[object]
}

// Bind points list at the constant buffer of object and at renderTarget.
func (fr *FrameResource) Bind(list gpu.CommandList, renderTarget, object int) {
	list.SetGraphicsRootDescriptorTable(gpu.RootConstants, fr.cbvSlots[object])
	list.SetRenderTarget(renderTarget)
}

// Release unmaps and frees the constant buffers, then the command lists.
func (fr *FrameResource) Release() {
	for i, buf := range fr.constants {
		if i < len(fr.mapped) {
			buf.Unmap()
		}
		buf.Release()
	}
	fr.constants = nil
	fr.mapped = nil

	fr.pre.release()
	fr.post.release()
	for _, w := range fr.workers {
		w.release()
	}
	fr.workers = nil
	fr.batch = nil
}

// writeTransform stores m in column-major order as little-endian float32.
func writeTransform(dst []byte, m mgl32.Mat4) {
	for i, v := range m {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// readTransform is the inverse of writeTransform.
func readTransform(src []byte) mgl32.Mat4 {
	var m mgl32.Mat4
	for i := range m {
		m[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return m
}
