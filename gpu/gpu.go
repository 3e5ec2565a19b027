// Package gpu defines the narrow capability surface the frame pipeline
// consumes from a graphics backend.
package gpu

import (
	"context"

	"github.com/google/uuid"
)

const (
	// Constant buffer views must cover a multiple of this many bytes.
	ConstantBufferAlignment = 256

	// Root parameter indices shared by every pipeline state.
	RootTexture   = 0
	RootConstants = 1
)

// AlignConstantBufferSize rounds size up to ConstantBufferAlignment.
func AlignConstantBufferSize(size int) int {
	return (size + ConstantBufferAlignment - 1) &^ (ConstantBufferAlignment - 1)
}

// ResourceState is the usage a render target is transitioned into.
type ResourceState int

const (
	StatePresent ResourceState = iota
	StateRenderTarget
)

func (s ResourceState) String() string {
	if s == StateRenderTarget {
		return "render-target"
	}
	return "present"
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type Rect struct {
	Left, Top, Right, Bottom int
}

// Vertex is the layout consumed by every pipeline state.
type Vertex struct {
	Position [3]float32
	TexCoord [2]float32
}

type PipelineDesc struct {
	// Backend specific shader byte code. Backends that do not execute
	// shaders ignore these.
	VertexShader []byte
	PixelShader  []byte

	// Size of the per-object constant block read by the vertex stage.
	ConstantBufferSize int
}

type DeviceConfig struct {
	// Swap chain dims.
	Width  int
	Height int

	// Number of swap chain buffers.
	BufferCount int

	// Enable backend validation.
	Debug bool
}

// Releaser is implemented by every backend object.
type Releaser interface {
	Release()
}

// Backend opens devices.
type Backend interface {
	Name() string
	Open(cfg DeviceConfig) (Device, error)
}

// Device creates resources. Everything it returns becomes unusable once
// the device is released or lost.
type Device interface {
	Releaser

	// ID uniquely identifies this device instance.
	ID() uuid.UUID

	Queue() Queue
	SwapChain() SwapChain

	CreateDescriptorHeap(capacity int) (DescriptorHeap, error)
	CreatePipelineState(desc PipelineDesc) (PipelineState, error)
	CreateCommandAllocator() (CommandAllocator, error)

	// CreateCommandList returns a closed list bound to alloc.
	CreateCommandList(alloc CommandAllocator, pso PipelineState) (CommandList, error)

	// CreateUploadBuffer returns a host-visible buffer.
	CreateUploadBuffer(size int) (Buffer, error)

	CreateMesh(vertices []Vertex, indices []uint32) (Mesh, error)

	// CreateTexture records an upload of RGBA8 pixels into list. The
	// returned staging buffer must outlive the GPU execution of list.
	CreateTexture(list CommandList, pixels []byte, width, height int) (Texture, Buffer, error)

	CreateConstantBufferView(buf Buffer, heap DescriptorHeap, slot int) error
	CreateShaderResourceView(tex Texture, heap DescriptorHeap, slot int) error

	CreateFence(initial uint64) (Fence, error)

	// RemovedReason returns nil while the device is healthy.
	RemovedReason() error
}

type DescriptorHeap interface {
	Releaser
	Capacity() int
}

type PipelineState interface {
	Releaser
}

type CommandAllocator interface {
	Releaser

	// Reset reclaims the memory of every list recorded with this
	// allocator. It fails while any of them may still execute.
	Reset() error
}

// CommandList records commands. Recording calls never fail directly; a
// recording error is reported by Close.
type CommandList interface {
	Releaser

	Reset(alloc CommandAllocator, pso PipelineState) error
	Close() error

	SetGraphicsRootSignature(pso PipelineState)
	SetDescriptorHeap(heap DescriptorHeap)
	SetGraphicsRootDescriptorTable(root int, slot int)
	SetViewport(v Viewport)
	SetScissor(r Rect)
	SetMesh(m Mesh)
	SetRenderTarget(renderTarget int)
	ResourceBarrier(renderTarget int, before, after ResourceState)
	ClearRenderTarget(renderTarget int, color [4]float32)
	DrawIndexedInstanced(indexCount, instanceCount, startIndex, baseVertex, startInstance int)
}

type Buffer interface {
	Releaser
	Size() int

	// Map returns the host view of the buffer. The view stays valid until
	// Unmap or Release.
	Map() ([]byte, error)
	Unmap()
}

type Mesh interface {
	Releaser
	IndexCount() int
}

type Texture interface {
	Releaser
	Width() int
	Height() int
}

type Queue interface {
	// ExecuteCommandLists submits closed lists in slice order.
	ExecuteCommandLists(lists []CommandList) error

	// Signal asks the GPU to set f to value once all prior work completes.
	Signal(f Fence, value uint64) error
}

// Fence is a monotonic completion counter written by the GPU.
type Fence interface {
	Releaser
	CompletedValue() uint64

	// Wait blocks until the completed value reaches value or ctx is done.
	Wait(ctx context.Context, value uint64) error
}

type SwapChain interface {
	BufferCount() int
	CurrentBackBufferIndex() int
	Present() error
}
