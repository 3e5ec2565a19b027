package sim

import (
	"github.com/vkngwrapper/mtquad/gpu"
)

type buffer struct {
	dev      *Device
	data     []byte
	mapped   bool
	released bool
}

func (b *buffer) Size() int { return len(b.data) }

func (b *buffer) Map() ([]byte, error) {
	if b.released {
		return nil, gpu.Fail("Buffer.Map", gpu.ResultInvalidCall)
	}
	if err := b.dev.check("Buffer.Map"); err != nil {
		return nil, err
	}
	b.mapped = true
	return b.data, nil
}

func (b *buffer) Unmap() { b.mapped = false }

func (b *buffer) Release() {
	b.mapped = false
	b.released = true
}

type texture struct {
	width, height int

	// Written by the GPU goroutine when the upload executes.
	pixels   []byte
	uploaded bool
}

func (t *texture) Width() int  { return t.width }
func (t *texture) Height() int { return t.height }
func (t *texture) Release()    {}

type mesh struct {
	vertices []gpu.Vertex
	indices  []uint32
}

func (m *mesh) IndexCount() int { return len(m.indices) }
func (m *mesh) Release()        {}

type pipelineState struct {
	desc gpu.PipelineDesc
}

func (p *pipelineState) Release() {}

type descriptorKind int

const (
	descriptorNone descriptorKind = iota
	descriptorCBV
	descriptorSRV
)

type descriptor struct {
	kind    descriptorKind
	buffer  *buffer
	texture *texture
}

type descriptorHeap struct {
	slots []descriptor
}

func (h *descriptorHeap) Capacity() int { return len(h.slots) }
func (h *descriptorHeap) Release()      {}

func (h *descriptorHeap) lookup(slot int, kind descriptorKind) (descriptor, bool) {
	if slot < 0 || slot >= len(h.slots) || h.slots[slot].kind != kind {
		return descriptor{}, false
	}
	return h.slots[slot], true
}

func (d *Device) CreateDescriptorHeap(capacity int) (gpu.DescriptorHeap, error) {
	if err := d.check("Device.CreateDescriptorHeap"); err != nil {
		return nil, err
	}
	if capacity < 1 {
		return nil, gpu.Failf("Device.CreateDescriptorHeap", gpu.ResultInvalidCall, "capacity %d", capacity)
	}
	return &descriptorHeap{slots: make([]descriptor, capacity)}, nil
}

func (d *Device) CreatePipelineState(desc gpu.PipelineDesc) (gpu.PipelineState, error) {
	if err := d.check("Device.CreatePipelineState"); err != nil {
		return nil, err
	}
	if desc.ConstantBufferSize <= 0 {
		return nil, gpu.Failf("Device.CreatePipelineState", gpu.ResultInvalidCall, "constant buffer size %d", desc.ConstantBufferSize)
	}
	return &pipelineState{desc: desc}, nil
}

func (d *Device) CreateUploadBuffer(size int) (gpu.Buffer, error) {
	if err := d.check("Device.CreateUploadBuffer"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, gpu.Failf("Device.CreateUploadBuffer", gpu.ResultInvalidCall, "size %d", size)
	}
	return &buffer{dev: d, data: make([]byte, size)}, nil
}

func (d *Device) CreateMesh(vertices []gpu.Vertex, indices []uint32) (gpu.Mesh, error) {
	if err := d.check("Device.CreateMesh"); err != nil {
		return nil, err
	}
	if len(vertices) == 0 || len(indices) == 0 {
		return nil, gpu.Failf("Device.CreateMesh", gpu.ResultInvalidCall, "empty mesh")
	}
	for i, idx := range indices {
		if int(idx) >= len(vertices) {
			return nil, gpu.Failf("Device.CreateMesh", gpu.ResultInvalidCall, "index %d references vertex %d of %d", i, idx, len(vertices))
		}
	}

	return &mesh{
		vertices: append([]gpu.Vertex(nil), vertices...),
		indices:  append([]uint32(nil), indices...),
	}, nil
}

func (d *Device) CreateTexture(list gpu.CommandList, pixels []byte, width, height int) (gpu.Texture, gpu.Buffer, error) {
	const opName = "Device.CreateTexture"
	if err := d.check(opName); err != nil {
		return nil, nil, err
	}
	if width <= 0 || height <= 0 || len(pixels) != width*height*4 {
		return nil, nil, gpu.Failf(opName, gpu.ResultInvalidCall, "%d bytes of pixel data for a %dx%d texture", len(pixels), width, height)
	}

	cl, ok := list.(*commandList)
	if !ok || cl.dev != d || cl.state != listRecording {
		return nil, nil, gpu.Failf(opName, gpu.ResultInvalidCall, "upload list is not recording on this device")
	}

	staging := &buffer{dev: d, data: append([]byte(nil), pixels...)}
	tex := &texture{width: width, height: height}
	cl.record(command{kind: cmdUpload, texture: tex, buffer: staging})
	return tex, staging, nil
}

func (d *Device) CreateConstantBufferView(buf gpu.Buffer, heap gpu.DescriptorHeap, slot int) error {
	const opName = "Device.CreateConstantBufferView"
	if err := d.check(opName); err != nil {
		return err
	}

	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return gpu.Failf(opName, gpu.ResultInvalidCall, "buffer belongs to another device")
	}
	if len(b.data)%gpu.ConstantBufferAlignment != 0 {
		return gpu.Failf(opName, gpu.ResultInvalidCall, "buffer size %d is not %d-byte aligned", len(b.data), gpu.ConstantBufferAlignment)
	}

	h, err := d.heapSlot(opName, heap, slot)
	if err != nil {
		return err
	}
	h.slots[slot] = descriptor{kind: descriptorCBV, buffer: b}
	return nil
}

func (d *Device) CreateShaderResourceView(tex gpu.Texture, heap gpu.DescriptorHeap, slot int) error {
	const opName = "Device.CreateShaderResourceView"
	if err := d.check(opName); err != nil {
		return err
	}

	t, ok := tex.(*texture)
	if !ok {
		return gpu.Failf(opName, gpu.ResultInvalidCall, "texture belongs to another backend")
	}

	h, err := d.heapSlot(opName, heap, slot)
	if err != nil {
		return err
	}
	h.slots[slot] = descriptor{kind: descriptorSRV, texture: t}
	return nil
}

func (d *Device) heapSlot(opName string, heap gpu.DescriptorHeap, slot int) (*descriptorHeap, error) {
	h, ok := heap.(*descriptorHeap)
	if !ok {
		return nil, gpu.Failf(opName, gpu.ResultInvalidCall, "heap belongs to another backend")
	}
	if slot < 0 || slot >= len(h.slots) {
		return nil, gpu.Failf(opName, gpu.ResultInvalidCall, "descriptor slot %d outside heap of %d", slot, len(h.slots))
	}
	return h, nil
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	if err := d.check("Device.CreateFence"); err != nil {
		return nil, err
	}

	f := &fence{dev: d, value: initial}
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f, nil
}
