package render

import "github.com/vkngwrapper/mtquad/gpu"

const (
	// Descriptors reserved at the start of the heap for textures.
	textureDescriptors = 1
	textureSlot        = 0

	// Bytes of the model matrix at the start of every constant buffer.
	transformSize = 16 * 4
)

// Context is the device state shared by the controller and every worker.
// It is built once per device and never mutated afterwards.
type Context struct {
	Device   gpu.Device
	Queue    gpu.Queue
	Heap     gpu.DescriptorHeap
	Pipeline gpu.PipelineState
	Mesh     gpu.Mesh
	Viewport gpu.Viewport
	Scissor  gpu.Rect
}

// constantBufferSlot returns the heap slot holding the constant buffer view
// of object in frame slot frameSlot.
func constantBufferSlot(frameSlot, objects, object int) int {
	return textureDescriptors + frameSlot*objects + object
}

// heapCapacity returns the descriptor count needed by frames frame slots
// of objects objects each.
func heapCapacity(frames, objects int) int {
	return textureDescriptors + frames*objects
}
