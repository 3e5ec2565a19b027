package vulkan

import (
	"sync/atomic"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"github.com/vkngwrapper/mtquad/gpu"
)

type commandAllocator struct {
	dev  *Device
	pool core1_0.CommandPool

	// Submissions of lists from this pool that have not been retired by a
	// signaled fence.
	inflight int32
}

func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	const op = "CreateCommandAllocator"
	if err := d.check(op); err != nil {
		return nil, err
	}

	pool, res, err := d.deviceDriver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: *d.indices.GraphicsFamily,
	})
	if err != nil {
		return nil, d.result(op, res, err)
	}

	return &commandAllocator{dev: d, pool: pool}, nil
}

func (a *commandAllocator) Reset() error {
	const op = "CommandAllocator.Reset"
	if err := a.dev.check(op); err != nil {
		return err
	}
	if n := atomic.LoadInt32(&a.inflight); n > 0 {
		return gpu.Failf(op, gpu.ResultInvalidCall, "%d submissions still executing", n)
	}

	res, err := a.dev.deviceDriver.ResetCommandPool(a.pool, 0)
	return a.dev.result(op, res, err)
}

func (a *commandAllocator) Release() {
	if a.pool.Initialized() {
		a.dev.deviceDriver.DestroyCommandPool(a.pool, nil)
		a.pool = core1_0.CommandPool{}
	}
}

// commandList records into one primary command buffer. Render passes are
// opened lazily: a clear runs its own clear pass, and the first draw after
// any barrier or clear opens a load pass on the bound render target.
type commandList struct {
	dev    *Device
	alloc  *commandAllocator
	buffer core1_0.CommandBuffer

	recording bool
	err       error

	layout       core1_0.PipelineLayout
	heap         *descriptorHeap
	renderTarget int
	inPass       bool

	// Set when the list touches a swap chain image, so its submission must
	// wait for the image to be acquired.
	usesSwapChain bool
}

func (d *Device) CreateCommandList(alloc gpu.CommandAllocator, pso gpu.PipelineState) (gpu.CommandList, error) {
	const op = "CreateCommandList"
	if err := d.check(op); err != nil {
		return nil, err
	}

	a, ok := alloc.(*commandAllocator)
	if !ok || a.dev != d {
		return nil, gpu.Failf(op, gpu.ResultInvalidCall, "allocator belongs to another device")
	}

	buffers, res, err := d.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        a.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, d.result(op, res, err)
	}

	return &commandList{dev: d, alloc: a, buffer: buffers[0]}, nil
}

func (l *commandList) Release() {
	if l.buffer.Initialized() && l.alloc.pool.Initialized() {
		l.dev.deviceDriver.FreeCommandBuffers(l.buffer)
	}
	l.buffer = core1_0.CommandBuffer{}
}

// Reset begins recording. A command buffer cannot move between pools, so
// alloc must be the allocator the list was created with.
func (l *commandList) Reset(alloc gpu.CommandAllocator, pso gpu.PipelineState) error {
	const op = "CommandList.Reset"
	if err := l.dev.check(op); err != nil {
		return err
	}
	if l.recording {
		return gpu.Failf(op, gpu.ResultInvalidCall, "list is still recording")
	}
	if a, ok := alloc.(*commandAllocator); !ok || a != l.alloc {
		return gpu.Failf(op, gpu.ResultInvalidCall, "list was created from another allocator")
	}

	res, err := l.dev.deviceDriver.BeginCommandBuffer(l.buffer, core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return l.dev.result(op, res, err)
	}

	l.recording = true
	l.err = nil
	l.inPass = false
	l.usesSwapChain = false
	l.layout = core1_0.PipelineLayout{}
	l.heap = nil

	if pso != nil {
		l.SetGraphicsRootSignature(pso)
	}
	return nil
}

func (l *commandList) Close() error {
	const op = "CommandList.Close"
	if !l.recording {
		return gpu.Failf(op, gpu.ResultInvalidCall, "list is not recording")
	}
	l.recording = false

	l.endPass()
	res, err := l.dev.deviceDriver.EndCommandBuffer(l.buffer)
	if err != nil && l.err == nil {
		l.err = l.dev.result(op, res, err)
	}
	return l.err
}

func (l *commandList) fail(format string, args ...interface{}) {
	if l.err == nil {
		l.err = gpu.Failf("CommandList.Close", gpu.ResultInvalidCall, format, args...)
	}
}

func (l *commandList) setErr(op string, err error) {
	if err != nil && l.err == nil {
		l.err = gpu.Wrap(err, op, gpu.ResultFailed)
	}
}

func (l *commandList) ready() bool {
	if !l.recording {
		l.fail("command recorded into a closed list")
		return false
	}
	return l.err == nil
}

func (l *commandList) endPass() {
	if l.inPass {
		l.dev.deviceDriver.CmdEndRenderPass(l.buffer)
		l.inPass = false
	}
}

func (l *commandList) beginPass(renderPass core1_0.RenderPass, renderTarget int, clear []core1_0.ClearValue) bool {
	sc := l.dev.swapChain
	if renderTarget < 0 || renderTarget >= len(sc.framebuffers) {
		l.fail("render target %d outside swap chain of %d", renderTarget, len(sc.framebuffers))
		return false
	}

	err := l.dev.deviceDriver.CmdBeginRenderPass(l.buffer, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  renderPass,
			Framebuffer: sc.framebuffers[renderTarget],
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: sc.extent,
			},
			ClearValues: clear,
		})
	if err != nil {
		l.setErr("CmdBeginRenderPass", err)
		return false
	}

	l.inPass = true
	l.usesSwapChain = true
	return true
}

func (l *commandList) SetGraphicsRootSignature(pso gpu.PipelineState) {
	if !l.ready() {
		return
	}
	p, ok := pso.(*pipelineState)
	if !ok || p.dev != l.dev {
		l.fail("pipeline state belongs to another device")
		return
	}

	l.dev.deviceDriver.CmdBindPipeline(l.buffer, core1_0.PipelineBindPointGraphics, p.pipeline)
	l.layout = p.layout
}

// SetDescriptorHeap selects the heap later descriptor table slots refer
// to. Nothing is recorded; sets are bound one by one.
func (l *commandList) SetDescriptorHeap(heap gpu.DescriptorHeap) {
	if !l.ready() {
		return
	}
	h, ok := heap.(*descriptorHeap)
	if !ok || h.dev != l.dev {
		l.fail("descriptor heap belongs to another device")
		return
	}
	l.heap = h
}

func (l *commandList) SetGraphicsRootDescriptorTable(root int, slot int) {
	if !l.ready() {
		return
	}
	if !l.layout.Initialized() {
		l.fail("descriptor table %d set before the root signature", root)
		return
	}

	heap := l.heap
	if heap == nil {
		l.fail("descriptor table %d set before the descriptor heap", root)
		return
	}
	if slot < 0 || slot >= len(heap.sets) || !heap.sets[slot].Initialized() {
		l.fail("descriptor slot %d has no view", slot)
		return
	}
	if heap.kinds[slot] != root {
		l.fail("descriptor slot %d does not match root parameter %d", slot, root)
		return
	}

	l.dev.deviceDriver.CmdBindDescriptorSets(l.buffer, core1_0.PipelineBindPointGraphics, l.layout, root,
		[]core1_0.DescriptorSet{heap.sets[slot]}, nil)
}

func (l *commandList) SetViewport(v gpu.Viewport) {
	if !l.ready() {
		return
	}
	if v.Width <= 0 || v.Height <= 0 {
		l.fail("empty viewport %+v", v)
		return
	}

	l.dev.deviceDriver.CmdSetViewport(l.buffer, core1_0.Viewport{
		X:        v.X,
		Y:        v.Y,
		Width:    v.Width,
		Height:   v.Height,
		MinDepth: v.MinDepth,
		MaxDepth: v.MaxDepth,
	})
}

func (l *commandList) SetScissor(r gpu.Rect) {
	if !l.ready() {
		return
	}
	if r.Right <= r.Left || r.Bottom <= r.Top {
		l.fail("empty scissor %+v", r)
		return
	}

	l.dev.deviceDriver.CmdSetScissor(l.buffer, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: r.Left, Y: r.Top},
		Extent: core1_0.Extent2D{Width: r.Right - r.Left, Height: r.Bottom - r.Top},
	})
}

func (l *commandList) SetMesh(m gpu.Mesh) {
	if !l.ready() {
		return
	}
	mm, ok := m.(*mesh)
	if !ok || mm.vertices.dev != l.dev {
		l.fail("mesh belongs to another device")
		return
	}

	l.dev.deviceDriver.CmdBindVertexBuffers(l.buffer, 0, []core1_0.Buffer{mm.vertices.handle}, []int{0})
	l.dev.deviceDriver.CmdBindIndexBuffer(l.buffer, mm.indices.handle, 0, core1_0.IndexTypeUInt32)
}

func (l *commandList) SetRenderTarget(renderTarget int) {
	if !l.ready() {
		return
	}
	if l.inPass && renderTarget != l.renderTarget {
		l.endPass()
	}
	l.renderTarget = renderTarget
}

func (l *commandList) ResourceBarrier(renderTarget int, before, after gpu.ResourceState) {
	if !l.ready() {
		return
	}
	sc := l.dev.swapChain
	if renderTarget < 0 || renderTarget >= len(sc.images) {
		l.fail("render target %d outside swap chain of %d", renderTarget, len(sc.images))
		return
	}
	if before == after {
		l.fail("barrier on render target %d does not change state", renderTarget)
		return
	}
	l.endPass()

	barrier := core1_0.ImageMemoryBarrier{
		Image:               sc.images[renderTarget],
		SrcQueueFamilyIndex: -1,
		DstQueueFamilyIndex: -1,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	var srcStage, dstStage core1_0.PipelineStageFlags
	if after == gpu.StateRenderTarget {
		// The previous contents are cleared anyway.
		barrier.OldLayout = core1_0.ImageLayoutUndefined
		barrier.NewLayout = core1_0.ImageLayoutColorAttachmentOptimal
		barrier.DstAccessMask = core1_0.AccessColorAttachmentWrite
		srcStage = core1_0.PipelineStageColorAttachmentOutput
		dstStage = core1_0.PipelineStageColorAttachmentOutput
	} else {
		barrier.OldLayout = core1_0.ImageLayoutColorAttachmentOptimal
		barrier.NewLayout = khr_swapchain.ImageLayoutPresentSrc
		barrier.SrcAccessMask = core1_0.AccessColorAttachmentWrite
		srcStage = core1_0.PipelineStageColorAttachmentOutput
		dstStage = core1_0.PipelineStageBottomOfPipe
	}

	err := l.dev.deviceDriver.CmdPipelineBarrier(l.buffer, srcStage, dstStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{barrier})
	l.setErr("CmdPipelineBarrier", err)
	l.usesSwapChain = true
}

func (l *commandList) ClearRenderTarget(renderTarget int, color [4]float32) {
	if !l.ready() {
		return
	}
	l.endPass()

	if l.beginPass(l.dev.clearPass, renderTarget, []core1_0.ClearValue{
		core1_0.ClearValueFloat{color[0], color[1], color[2], color[3]},
	}) {
		l.endPass()
	}
}

func (l *commandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex, baseVertex, startInstance int) {
	if !l.ready() {
		return
	}
	if !l.inPass && !l.beginPass(l.dev.loadPass, l.renderTarget, nil) {
		return
	}

	l.dev.deviceDriver.CmdDrawIndexed(l.buffer, indexCount, instanceCount, startIndex, baseVertex, startInstance)
}

// uploadTexture records the staging copy into t and leaves t readable by
// the fragment stage.
func (l *commandList) uploadTexture(staging *buffer, t *texture) error {
	driver := l.dev.deviceDriver
	subresource := core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	err := driver.CmdPipelineBarrier(l.buffer, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           core1_0.ImageLayoutUndefined,
			NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               t.image,
			SubresourceRange:    subresource,
			DstAccessMask:       core1_0.AccessTransferWrite,
		},
	})
	if err != nil {
		return gpu.Wrap(err, "CmdPipelineBarrier", gpu.ResultFailed)
	}

	err = driver.CmdCopyBufferToImage(l.buffer, staging.handle, t.image, core1_0.ImageLayoutTransferDstOptimal,
		core1_0.BufferImageCopy{
			BufferOffset:      0,
			BufferRowLength:   0,
			BufferImageHeight: 0,

			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			ImageExtent: core1_0.Extent3D{Width: t.width, Height: t.height, Depth: 1},
		},
	)
	if err != nil {
		return gpu.Wrap(err, "CmdCopyBufferToImage", gpu.ResultFailed)
	}

	err = driver.CmdPipelineBarrier(l.buffer, core1_0.PipelineStageTransfer, core1_0.PipelineStageFragmentShader, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
			NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               t.image,
			SubresourceRange:    subresource,
			SrcAccessMask:       core1_0.AccessTransferWrite,
			DstAccessMask:       core1_0.AccessShaderRead,
		},
	})
	if err != nil {
		return gpu.Wrap(err, "CmdPipelineBarrier", gpu.ResultFailed)
	}
	return nil
}
