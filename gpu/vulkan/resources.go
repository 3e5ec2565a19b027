package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/mtquad/gpu"
)

type buffer struct {
	dev    *Device
	handle core1_0.Buffer
	memory core1_0.DeviceMemory
	size   int
	mapped []byte
}

func (b *buffer) Size() int { return b.size }

func (b *buffer) Map() ([]byte, error) {
	if b.mapped != nil {
		return b.mapped, nil
	}

	ptr, res, err := b.dev.deviceDriver.MapMemory(b.memory, 0, b.size, 0)
	if err != nil {
		return nil, b.dev.result("MapMemory", res, err)
	}

	b.mapped = unsafe.Slice((*byte)(ptr), b.size)
	return b.mapped, nil
}

func (b *buffer) Unmap() {
	if b.mapped == nil {
		return
	}
	b.dev.deviceDriver.UnmapMemory(b.memory)
	b.mapped = nil
}

func (b *buffer) Release() {
	b.Unmap()
	if b.handle.Initialized() {
		b.dev.deviceDriver.DestroyBuffer(b.handle, nil)
		b.handle = core1_0.Buffer{}
	}
	if b.memory.Initialized() {
		b.dev.deviceDriver.FreeMemory(b.memory, nil)
		b.memory = core1_0.DeviceMemory{}
	}
}

type mesh struct {
	vertices   *buffer
	indices    *buffer
	indexCount int
}

func (m *mesh) IndexCount() int { return m.indexCount }

func (m *mesh) Release() {
	m.vertices.Release()
	m.indices.Release()
}

type texture struct {
	dev    *Device
	image  core1_0.Image
	memory core1_0.DeviceMemory
	view   core1_0.ImageView
	width  int
	height int
}

func (t *texture) Width() int  { return t.width }
func (t *texture) Height() int { return t.height }

func (t *texture) Release() {
	driver := t.dev.deviceDriver
	if t.view.Initialized() {
		driver.DestroyImageView(t.view, nil)
		t.view = core1_0.ImageView{}
	}
	if t.image.Initialized() {
		driver.DestroyImage(t.image, nil)
		t.image = core1_0.Image{}
	}
	if t.memory.Initialized() {
		driver.FreeMemory(t.memory, nil)
		t.memory = core1_0.DeviceMemory{}
	}
}

// descriptorHeap maps heap slots onto descriptor sets allocated from one
// pool. Every slot holds either the texture set or a constant buffer set.
type descriptorHeap struct {
	dev   *Device
	pool  core1_0.DescriptorPool
	sets  []core1_0.DescriptorSet
	kinds []int
}

func (h *descriptorHeap) Capacity() int { return len(h.sets) }

func (h *descriptorHeap) Release() {
	if h.pool.Initialized() {
		h.dev.deviceDriver.DestroyDescriptorPool(h.pool, nil)
		h.pool = core1_0.DescriptorPool{}
	}
}

// set returns the descriptor set for slot, allocating it with the layout
// of kind on first use.
func (h *descriptorHeap) set(op string, slot, kind int) (core1_0.DescriptorSet, error) {
	if slot < 0 || slot >= len(h.sets) {
		return core1_0.DescriptorSet{}, gpu.Failf(op, gpu.ResultInvalidCall, "slot %d outside heap of %d", slot, len(h.sets))
	}

	if h.sets[slot].Initialized() {
		if h.kinds[slot] != kind {
			return core1_0.DescriptorSet{}, gpu.Failf(op, gpu.ResultInvalidCall, "slot %d already holds a different descriptor type", slot)
		}
		return h.sets[slot], nil
	}

	sets, res, err := h.dev.deviceDriver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: h.pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{h.dev.setLayouts[kind]},
	})
	if err != nil {
		return core1_0.DescriptorSet{}, h.dev.result(op, res, err)
	}

	h.sets[slot] = sets[0]
	h.kinds[slot] = kind
	return sets[0], nil
}

type pipelineState struct {
	dev      *Device
	layout   core1_0.PipelineLayout
	pipeline core1_0.Pipeline
}

func (p *pipelineState) Release() {
	if p.pipeline.Initialized() {
		p.dev.deviceDriver.DestroyPipeline(p.pipeline, nil)
		p.pipeline = core1_0.Pipeline{}
	}
	if p.layout.Initialized() {
		p.dev.deviceDriver.DestroyPipelineLayout(p.layout, nil)
		p.layout = core1_0.PipelineLayout{}
	}
}

func (d *Device) createBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (*buffer, error) {
	b := &buffer{dev: d, size: size}

	var res common.VkResult
	var err error
	b.handle, res, err = d.deviceDriver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, d.result("CreateBuffer", res, err)
	}

	memRequirements := d.deviceDriver.GetBufferMemoryRequirements(b.handle)
	memoryTypeIndex, err := d.findMemoryType(memRequirements.MemoryTypeBits, properties)
	if err != nil {
		b.Release()
		return nil, err
	}

	b.memory, res, err = d.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		b.Release()
		return nil, d.result("AllocateMemory", res, err)
	}

	if res, err = d.deviceDriver.BindBufferMemory(b.handle, b.memory, 0); err != nil {
		b.Release()
		return nil, d.result("BindBufferMemory", res, err)
	}

	return b, nil
}

func (d *Device) CreateUploadBuffer(size int) (gpu.Buffer, error) {
	if err := d.check("CreateUploadBuffer"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, gpu.Failf("CreateUploadBuffer", gpu.ResultInvalidCall, "invalid size %d", size)
	}

	return d.createBuffer(size,
		core1_0.BufferUsageUniformBuffer|core1_0.BufferUsageTransferSrc,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
}

// CreateMesh keeps vertices and indices in host-visible memory. The mesh is
// small and written once, so no staging copy is recorded.
func (d *Device) CreateMesh(vertices []gpu.Vertex, indices []uint32) (gpu.Mesh, error) {
	const op = "CreateMesh"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if len(vertices) == 0 || len(indices) == 0 {
		return nil, gpu.Failf(op, gpu.ResultInvalidCall, "empty mesh")
	}

	hostVisible := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

	vertexBytes := len(vertices) * int(unsafe.Sizeof(gpu.Vertex{}))
	vb, err := d.createBuffer(vertexBytes, core1_0.BufferUsageVertexBuffer, hostVisible)
	if err != nil {
		return nil, err
	}

	ib, err := d.createBuffer(len(indices)*4, core1_0.BufferUsageIndexBuffer, hostVisible)
	if err != nil {
		vb.Release()
		return nil, err
	}

	m := &mesh{vertices: vb, indices: ib, indexCount: len(indices)}
	if err = writeSlice(vb, vertices); err != nil {
		m.Release()
		return nil, err
	}
	if err = writeSlice(ib, indices); err != nil {
		m.Release()
		return nil, err
	}

	return m, nil
}

func writeSlice[T any](b *buffer, data []T) error {
	dst, err := b.Map()
	if err != nil {
		return err
	}
	defer b.Unmap()

	src := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(data[0])))
	copy(dst, src)
	return nil
}

// CreateTexture creates an RGBA8 image and records its upload into list.
// The returned staging buffer must outlive the execution of list.
func (d *Device) CreateTexture(list gpu.CommandList, pixels []byte, width, height int) (gpu.Texture, gpu.Buffer, error) {
	const op = "CreateTexture"
	if err := d.check(op); err != nil {
		return nil, nil, err
	}

	cl, ok := list.(*commandList)
	switch {
	case !ok || cl.dev != d:
		return nil, nil, gpu.Failf(op, gpu.ResultInvalidCall, "list belongs to another device")
	case !cl.recording:
		return nil, nil, gpu.Failf(op, gpu.ResultInvalidCall, "list is not recording")
	case width <= 0 || height <= 0 || len(pixels) != width*height*4:
		return nil, nil, gpu.Failf(op, gpu.ResultInvalidCall, "%d bytes for %dx%d RGBA pixels", len(pixels), width, height)
	}

	staging, err := d.createBuffer(len(pixels), core1_0.BufferUsageTransferSrc, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return nil, nil, err
	}
	if err = writeSlice(staging, pixels); err != nil {
		staging.Release()
		return nil, nil, err
	}

	t := &texture{dev: d, width: width, height: height}
	fail := func(err error) (gpu.Texture, gpu.Buffer, error) {
		t.Release()
		staging.Release()
		return nil, nil, err
	}

	var res common.VkResult
	t.image, res, err = d.deviceDriver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        core1_0.FormatR8G8B8A8SRGB,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return fail(d.result("CreateImage", res, err))
	}

	memReqs := d.deviceDriver.GetImageMemoryRequirements(t.image)
	memoryIndex, err := d.findMemoryType(memReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return fail(err)
	}

	t.memory, res, err = d.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	})
	if err != nil {
		return fail(d.result("AllocateMemory", res, err))
	}

	if res, err = d.deviceDriver.BindImageMemory(t.image, t.memory, 0); err != nil {
		return fail(d.result("BindImageMemory", res, err))
	}

	t.view, res, err = d.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    t.image,
		ViewType: core1_0.ImageViewType2D,
		Format:   core1_0.FormatR8G8B8A8SRGB,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return fail(d.result("CreateImageView", res, err))
	}

	if err = cl.uploadTexture(staging, t); err != nil {
		return fail(err)
	}

	return t, staging, nil
}

func (d *Device) CreateDescriptorHeap(capacity int) (gpu.DescriptorHeap, error) {
	const op = "CreateDescriptorHeap"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, gpu.Failf(op, gpu.ResultInvalidCall, "invalid capacity %d", capacity)
	}

	pool, res, err := d.deviceDriver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: capacity,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: capacity,
			},
			{
				Type:            core1_0.DescriptorTypeCombinedImageSampler,
				DescriptorCount: capacity,
			},
		},
	})
	if err != nil {
		return nil, d.result(op, res, err)
	}

	return &descriptorHeap{
		dev:   d,
		pool:  pool,
		sets:  make([]core1_0.DescriptorSet, capacity),
		kinds: make([]int, capacity),
	}, nil
}

func (d *Device) heap(op string, heap gpu.DescriptorHeap) (*descriptorHeap, error) {
	h, ok := heap.(*descriptorHeap)
	if !ok || h.dev != d {
		return nil, gpu.Failf(op, gpu.ResultInvalidCall, "heap belongs to another device")
	}
	return h, nil
}

func (d *Device) CreateConstantBufferView(buf gpu.Buffer, heap gpu.DescriptorHeap, slot int) error {
	const op = "CreateConstantBufferView"
	if err := d.check(op); err != nil {
		return err
	}

	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return gpu.Failf(op, gpu.ResultInvalidCall, "buffer belongs to another device")
	}
	if b.size%gpu.ConstantBufferAlignment != 0 {
		return gpu.Failf(op, gpu.ResultInvalidCall, "buffer size %d is not a multiple of %d", b.size, gpu.ConstantBufferAlignment)
	}

	h, err := d.heap(op, heap)
	if err != nil {
		return err
	}
	set, err := h.set(op, slot, constantsSet)
	if err != nil {
		return err
	}

	return d.deviceDriver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          set,
			DstBinding:      0,
			DstArrayElement: 0,

			DescriptorType: core1_0.DescriptorTypeUniformBuffer,

			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: b.handle,
					Offset: 0,
					Range:  b.size,
				},
			},
		},
	}, nil)
}

func (d *Device) CreateShaderResourceView(tex gpu.Texture, heap gpu.DescriptorHeap, slot int) error {
	const op = "CreateShaderResourceView"
	if err := d.check(op); err != nil {
		return err
	}

	t, ok := tex.(*texture)
	if !ok || t.dev != d {
		return gpu.Failf(op, gpu.ResultInvalidCall, "texture belongs to another device")
	}

	h, err := d.heap(op, heap)
	if err != nil {
		return err
	}
	set, err := h.set(op, slot, textureSet)
	if err != nil {
		return err
	}

	return d.deviceDriver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          set,
			DstBinding:      0,
			DstArrayElement: 0,

			DescriptorType: core1_0.DescriptorTypeCombinedImageSampler,

			ImageInfo: []core1_0.DescriptorImageInfo{
				{
					ImageView:   t.view,
					Sampler:     d.sampler,
					ImageLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
				},
			},
		},
	}, nil)
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}

func (d *Device) createShaderModule(code []byte) (core1_0.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return core1_0.ShaderModule{}, gpu.Failf("CreateShaderModule", gpu.ResultInvalidCall, "SPIR-V must be a non-empty multiple of 4 bytes; got %d", len(code))
	}

	module, res, err := d.deviceDriver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(code),
	})
	return module, d.result("CreateShaderModule", res, err)
}

func (d *Device) CreatePipelineState(desc gpu.PipelineDesc) (gpu.PipelineState, error) {
	const op = "CreatePipelineState"
	if err := d.check(op); err != nil {
		return nil, err
	}

	vertShader, err := d.createShaderModule(desc.VertexShader)
	if err != nil {
		return nil, err
	}
	defer d.deviceDriver.DestroyShaderModule(vertShader, nil)

	fragShader, err := d.createShaderModule(desc.PixelShader)
	if err != nil {
		return nil, err
	}
	defer d.deviceDriver.DestroyShaderModule(fragShader, nil)

	p := &pipelineState{dev: d}

	var res common.VkResult
	p.layout, res, err = d.deviceDriver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: d.setLayouts[:],
	})
	if err != nil {
		return nil, d.result("CreatePipelineLayout", res, err)
	}

	v := gpu.Vertex{}
	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{
		VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
			{
				Binding:   0,
				Stride:    int(unsafe.Sizeof(v)),
				InputRate: core1_0.VertexInputRateVertex,
			},
		},
		VertexAttributeDescriptions: []core1_0.VertexInputAttributeDescription{
			{
				Binding:  0,
				Location: 0,
				Format:   core1_0.FormatR32G32B32SignedFloat,
				Offset:   int(unsafe.Offsetof(v.Position)),
			},
			{
				Binding:  0,
				Location: 1,
				Format:   core1_0.FormatR32G32SignedFloat,
				Offset:   int(unsafe.Offsetof(v.TexCoord)),
			},
		},
	}

	// Viewport and scissor are dynamic; the counts come from these slices.
	extent := d.swapChain.extent
	viewport := &core1_0.PipelineViewportStateCreateInfo{
		Viewports: []core1_0.Viewport{
			{Width: float32(extent.Width), Height: float32(extent.Height), MaxDepth: 1},
		},
		Scissors: []core1_0.Rect2D{
			{Extent: extent},
		},
	}

	pipelines, res, err := d.deviceDriver.CreateGraphicsPipelines(nil, nil,
		core1_0.GraphicsPipelineCreateInfo{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				{
					Stage:  core1_0.StageVertex,
					Module: vertShader,
					Name:   "main",
				},
				{
					Stage:  core1_0.StageFragment,
					Module: fragShader,
					Name:   "main",
				},
			},
			VertexInputState: vertexInput,
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology:               core1_0.PrimitiveTopologyTriangleList,
				PrimitiveRestartEnable: false,
			},
			ViewportState: viewport,
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    core1_0.CullModeNone,
				FrontFace:   core1_0.FrontFaceCounterClockwise,
				LineWidth:   1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				LogicOp: core1_0.LogicOpCopy,
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						BlendEnabled:   false,
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
			},
			Layout:            p.layout,
			RenderPass:        d.loadPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	)
	if err != nil {
		p.Release()
		return nil, d.result("CreateGraphicsPipelines", res, err)
	}
	p.pipeline = pipelines[0]

	return p, nil
}
