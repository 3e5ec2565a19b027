package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"github.com/vkngwrapper/mtquad/gpu"
)

// Descriptor set indices in the pipeline layout. They match the root
// parameter indices of gpu.RootTexture and gpu.RootConstants.
const (
	textureSet   = gpu.RootTexture
	constantsSet = gpu.RootConstants
)

// Device is a logical Vulkan device with its queue and swap chain.
type Device struct {
	id      uuid.UUID
	cfg     gpu.DeviceConfig
	backend *Backend

	physicalDevice core1_0.PhysicalDevice
	indices        queueFamilyIndices
	deviceDriver   core1_0.CoreDeviceDriver

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue

	swapchainExtension khr_swapchain.ExtensionDriver

	// Set layouts shared by every pipeline and descriptor heap.
	setLayouts [2]core1_0.DescriptorSetLayout

	// clearPass clears the render target, loadPass draws on top of it.
	// Both are compatible, so pipelines and framebuffers are built against
	// loadPass only.
	clearPass core1_0.RenderPass
	loadPass  core1_0.RenderPass

	sampler core1_0.Sampler

	queue     *queue
	swapChain *swapChain

	mu      sync.Mutex
	removed error
}

func newDevice(b *Backend, cfg gpu.DeviceConfig) (d *Device, err error) {
	d = &Device{id: uuid.New(), cfg: cfg, backend: b}
	defer func() {
		if err != nil {
			d.Release()
			d = nil
		}
	}()

	if d.physicalDevice, d.indices, err = b.pickPhysicalDevice(); err != nil {
		return d, err
	}
	if err = d.createLogicalDevice(); err != nil {
		return d, err
	}
	if err = d.createDescriptorSetLayouts(); err != nil {
		return d, err
	}
	if err = d.createSampler(); err != nil {
		return d, err
	}

	d.queue = &queue{dev: d}
	if d.swapChain, err = newSwapChain(d); err != nil {
		return d, err
	}

	logger.Debugf("opened device %s (%dx%d, %d swap chain images)", d.id, d.swapChain.extent.Width, d.swapChain.extent.Height, len(d.swapChain.images))
	return d, nil
}

func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Queue() gpu.Queue { return d.queue }

func (d *Device) SwapChain() gpu.SwapChain { return d.swapChain }

func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Release waits for the device to go idle and destroys it. Resources
// created from the device must have been released first.
func (d *Device) Release() {
	if d.deviceDriver == nil {
		return
	}

	if d.RemovedReason() == nil {
		if _, err := d.deviceDriver.DeviceWaitIdle(); err != nil {
			logger.Warningf("device %s: wait idle before release: %v", d.id, err)
		}
	}

	if d.swapChain != nil {
		d.swapChain.destroy()
		d.swapChain = nil
	}

	if d.sampler.Initialized() {
		d.deviceDriver.DestroySampler(d.sampler, nil)
		d.sampler = core1_0.Sampler{}
	}

	if d.loadPass.Initialized() {
		d.deviceDriver.DestroyRenderPass(d.loadPass, nil)
		d.loadPass = core1_0.RenderPass{}
	}

	if d.clearPass.Initialized() {
		d.deviceDriver.DestroyRenderPass(d.clearPass, nil)
		d.clearPass = core1_0.RenderPass{}
	}

	for i, layout := range d.setLayouts {
		if layout.Initialized() {
			d.deviceDriver.DestroyDescriptorSetLayout(layout, nil)
			d.setLayouts[i] = core1_0.DescriptorSetLayout{}
		}
	}

	d.deviceDriver.DestroyDevice(nil)
	d.deviceDriver = nil
	logger.Debugf("released device %s", d.id)
}

// result converts a driver result into a gpu error and records device
// removal.
func (d *Device) result(op string, res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	code := gpu.ResultFailed
	switch res {
	case core1_0.VKErrorDeviceLost:
		code = gpu.ResultDeviceRemoved
	case khr_swapchain.VKErrorOutOfDate:
		code = gpu.ResultDeviceReset
	case core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfDeviceMemory:
		code = gpu.ResultOutOfMemory
	}

	// An out of date swap chain is recovered from like a lost device, but
	// the device itself stays usable until it is released.
	wrapped := gpu.Wrap(err, op, code)
	if code == gpu.ResultDeviceRemoved {
		d.mu.Lock()
		if d.removed == nil {
			d.removed = wrapped
		}
		d.mu.Unlock()
	}
	return wrapped
}

func (d *Device) check(op string) error {
	if reason := d.RemovedReason(); reason != nil {
		return gpu.Wrap(reason, op, gpu.ResultOf(reason))
	}
	return nil
}

func (d *Device) createLogicalDevice() error {
	instanceDriver := d.backend.instanceDriver
	indices := d.indices

	uniqueQueueFamilies := []int{*indices.GraphicsFamily}
	if uniqueQueueFamilies[0] != *indices.PresentFamily {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *indices.PresentFamily)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{1.0},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	extensions, _, err := instanceDriver.EnumerateDeviceExtensionProperties(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "vulkan: enumerate device extensions")
	}

	if _, supported := extensions[khr_portability_subset.ExtensionName]; supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.deviceDriver, _, err = instanceDriver.CreateDevice(d.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "vulkan: create device")
	}

	d.graphicsQueue = d.deviceDriver.GetQueue(*indices.GraphicsFamily, 0)
	d.presentQueue = d.deviceDriver.GetQueue(*indices.PresentFamily, 0)
	d.swapchainExtension = khr_swapchain.CreateExtensionDriverFromCoreDriver(d.deviceDriver)
	return nil
}

func (d *Device) createDescriptorSetLayouts() error {
	var err error
	d.setLayouts[textureSet], _, err = d.deviceDriver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeCombinedImageSampler,
				DescriptorCount: 1,

				StageFlags: core1_0.StageFragment,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "vulkan: create texture set layout")
	}

	d.setLayouts[constantsSet], _, err = d.deviceDriver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,

				StageFlags: core1_0.StageVertex,
			},
		},
	})
	return errors.Wrap(err, "vulkan: create constant buffer set layout")
}

func (d *Device) createSampler() error {
	var err error
	d.sampler, _, err = d.deviceDriver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeRepeat,
		AddressModeV: core1_0.SamplerAddressModeRepeat,
		AddressModeW: core1_0.SamplerAddressModeRepeat,

		BorderColor: core1_0.BorderColorIntOpaqueBlack,

		MipmapMode: core1_0.SamplerMipmapModeLinear,
		MinLod:     0,
		MaxLod:     0,
	})
	return errors.Wrap(err, "vulkan: create sampler")
}

// createRenderPasses builds the clear and load passes for the swap chain
// format. Both keep the attachment in color-attachment layout; transitions
// to and from present are explicit barriers.
func (d *Device) createRenderPasses(format core1_0.Format) error {
	build := func(loadOp core1_0.AttachmentLoadOp) (core1_0.RenderPass, error) {
		renderPass, _, err := d.deviceDriver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
			Attachments: []core1_0.AttachmentDescription{
				{
					Format:         format,
					Samples:        core1_0.Samples1,
					LoadOp:         loadOp,
					StoreOp:        core1_0.AttachmentStoreOpStore,
					StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
					StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
					InitialLayout:  core1_0.ImageLayoutColorAttachmentOptimal,
					FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
				},
			},
			Subpasses: []core1_0.SubpassDescription{
				{
					PipelineBindPoint: core1_0.PipelineBindPointGraphics,
					ColorAttachments: []core1_0.AttachmentReference{
						{
							Attachment: 0,
							Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
						},
					},
				},
			},
			SubpassDependencies: []core1_0.SubpassDependency{
				{
					SrcSubpass: core1_0.SubpassExternal,
					DstSubpass: 0,

					SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
					SrcAccessMask: core1_0.AccessColorAttachmentWrite,

					DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
					DstAccessMask: core1_0.AccessColorAttachmentWrite,
				},
			},
		})
		return renderPass, err
	}

	var err error
	if d.clearPass, err = build(core1_0.AttachmentLoadOpClear); err != nil {
		return errors.Wrap(err, "vulkan: create clear render pass")
	}
	if d.loadPass, err = build(core1_0.AttachmentLoadOpLoad); err != nil {
		return errors.Wrap(err, "vulkan: create load render pass")
	}
	return nil
}

func (d *Device) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := d.backend.instanceDriver.GetPhysicalDeviceMemoryProperties(d.physicalDevice)
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, gpu.Failf("findMemoryType", gpu.ResultOutOfMemory, "no memory type matches %s", properties)
}
