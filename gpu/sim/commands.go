package sim

import (
	"sync/atomic"

	"github.com/vkngwrapper/mtquad/gpu"
)

type commandKind int

const (
	cmdRootSignature commandKind = iota
	cmdDescriptorHeap
	cmdDescriptorTable
	cmdViewport
	cmdScissor
	cmdMesh
	cmdRenderTarget
	cmdBarrier
	cmdClear
	cmdUpload
	cmdDraw
)

type command struct {
	kind commandKind

	pso  *pipelineState
	heap *descriptorHeap
	mesh *mesh

	root, slot    int
	renderTarget  int
	before, after gpu.ResourceState
	color         [4]float32

	texture *texture
	buffer  *buffer

	indexCount, instanceCount, startIndex int
}

type commandAllocator struct {
	dev *Device

	// Submissions referencing lists recorded from this allocator that
	// the GPU has not finished executing.
	inflight int32
}

func (a *commandAllocator) release() {
	atomic.AddInt32(&a.inflight, -1)
}

func (a *commandAllocator) Reset() error {
	if err := a.dev.check("CommandAllocator.Reset"); err != nil {
		return err
	}
	if n := atomic.LoadInt32(&a.inflight); n > 0 {
		return gpu.Failf("CommandAllocator.Reset", gpu.ResultInvalidCall, "%d submissions still executing", n)
	}
	return nil
}

func (a *commandAllocator) Release() {}

func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	if err := d.check("Device.CreateCommandAllocator"); err != nil {
		return nil, err
	}
	return &commandAllocator{dev: d}, nil
}

type listState int

const (
	listClosed listState = iota
	listRecording
)

type commandList struct {
	dev      *Device
	alloc    *commandAllocator
	state    listState
	commands []command
	err      error
}

func (d *Device) CreateCommandList(alloc gpu.CommandAllocator, pso gpu.PipelineState) (gpu.CommandList, error) {
	if err := d.check("Device.CreateCommandList"); err != nil {
		return nil, err
	}

	a, ok := alloc.(*commandAllocator)
	if !ok || a.dev != d {
		return nil, gpu.Failf("Device.CreateCommandList", gpu.ResultInvalidCall, "allocator belongs to another device")
	}
	return &commandList{dev: d, alloc: a}, nil
}

func (l *commandList) Release() {}

func (l *commandList) Reset(alloc gpu.CommandAllocator, pso gpu.PipelineState) error {
	if err := l.dev.check("CommandList.Reset"); err != nil {
		return err
	}
	if l.state == listRecording {
		return gpu.Failf("CommandList.Reset", gpu.ResultInvalidCall, "list is still recording")
	}

	a, ok := alloc.(*commandAllocator)
	if !ok || a.dev != l.dev {
		return gpu.Failf("CommandList.Reset", gpu.ResultInvalidCall, "allocator belongs to another device")
	}

	l.alloc = a
	l.commands = nil
	l.err = nil
	l.state = listRecording
	return nil
}

func (l *commandList) Close() error {
	if l.state != listRecording {
		return gpu.Failf("CommandList.Close", gpu.ResultInvalidCall, "list is not recording")
	}
	l.state = listClosed

	if err := l.dev.check("CommandList.Close"); err != nil {
		return err
	}
	return l.err
}

func (l *commandList) fail(format string, args ...interface{}) {
	if l.err == nil {
		l.err = gpu.Failf("CommandList.Close", gpu.ResultInvalidCall, format, args...)
	}
}

func (l *commandList) record(c command) {
	if l.state != listRecording {
		l.fail("command recorded into a closed list")
		return
	}
	l.commands = append(l.commands, c)
}

func (l *commandList) SetGraphicsRootSignature(pso gpu.PipelineState) {
	p, ok := pso.(*pipelineState)
	if !ok {
		l.fail("pipeline state belongs to another backend")
		return
	}
	l.record(command{kind: cmdRootSignature, pso: p})
}

func (l *commandList) SetDescriptorHeap(heap gpu.DescriptorHeap) {
	h, ok := heap.(*descriptorHeap)
	if !ok {
		l.fail("descriptor heap belongs to another backend")
		return
	}
	l.record(command{kind: cmdDescriptorHeap, heap: h})
}

func (l *commandList) SetGraphicsRootDescriptorTable(root int, slot int) {
	l.record(command{kind: cmdDescriptorTable, root: root, slot: slot})
}

func (l *commandList) SetViewport(v gpu.Viewport) {
	if v.Width <= 0 || v.Height <= 0 {
		l.fail("empty viewport %+v", v)
		return
	}
	l.record(command{kind: cmdViewport})
}

func (l *commandList) SetScissor(r gpu.Rect) {
	if r.Right <= r.Left || r.Bottom <= r.Top {
		l.fail("empty scissor %+v", r)
		return
	}
	l.record(command{kind: cmdScissor})
}

func (l *commandList) SetMesh(m gpu.Mesh) {
	mm, ok := m.(*mesh)
	if !ok {
		l.fail("mesh belongs to another backend")
		return
	}
	l.record(command{kind: cmdMesh, mesh: mm})
}

func (l *commandList) SetRenderTarget(renderTarget int) {
	l.record(command{kind: cmdRenderTarget, renderTarget: renderTarget})
}

func (l *commandList) ResourceBarrier(renderTarget int, before, after gpu.ResourceState) {
	l.record(command{kind: cmdBarrier, renderTarget: renderTarget, before: before, after: after})
}

func (l *commandList) ClearRenderTarget(renderTarget int, color [4]float32) {
	l.record(command{kind: cmdClear, renderTarget: renderTarget, color: color})
}

func (l *commandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex, baseVertex, startInstance int) {
	l.record(command{kind: cmdDraw, indexCount: indexCount, instanceCount: instanceCount, startIndex: startIndex})
}
