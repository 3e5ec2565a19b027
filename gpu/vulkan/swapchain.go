package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"github.com/vkngwrapper/mtquad/gpu"
)

// swapChain acquires the next image eagerly so CurrentBackBufferIndex can
// answer without blocking. The first submission after an acquire waits on
// the acquire semaphore and signals the image's present semaphore.
type swapChain struct {
	dev *Device

	handle       khr_swapchain.Swapchain
	format       core1_0.Format
	extent       core1_0.Extent2D
	images       []core1_0.Image
	views        []core1_0.ImageView
	framebuffers []core1_0.Framebuffer

	// One acquire semaphore more than images so a semaphore is never
	// reused while an acquire on it may still be pending.
	acquireSemaphores []core1_0.Semaphore
	renderSemaphores  []core1_0.Semaphore
	nextAcquire       int

	current     int
	waitAcquire *core1_0.Semaphore
	signaled    bool
	acquireErr  error
}

func newSwapChain(d *Device) (s *swapChain, err error) {
	s = &swapChain{dev: d}
	defer func() {
		if err != nil {
			s.destroy()
			s = nil
		}
	}()

	if err = s.create(); err != nil {
		return s, err
	}
	if err = d.createRenderPasses(s.format); err != nil {
		return s, err
	}
	if err = s.createFramebuffers(); err != nil {
		return s, err
	}
	if err = s.createSemaphores(); err != nil {
		return s, err
	}

	s.acquire()
	return s, s.acquireErr
}

func (s *swapChain) create() error {
	d := s.dev

	support, err := d.backend.querySwapChainSupport(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "vulkan: query swap chain support")
	}

	surfaceFormat := chooseSwapSurfaceFormat(support.Formats)
	presentMode := chooseSwapPresentMode(support.PresentModes)
	extent := chooseSwapExtent(support.Capabilities, d.cfg.Width, d.cfg.Height)

	imageCount := d.cfg.BufferCount
	if imageCount < support.Capabilities.MinImageCount {
		imageCount = support.Capabilities.MinImageCount
	}
	if support.Capabilities.MaxImageCount > 0 && support.Capabilities.MaxImageCount < imageCount {
		imageCount = support.Capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int

	if *d.indices.GraphicsFamily != *d.indices.PresentFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, *d.indices.GraphicsFamily, *d.indices.PresentFamily)
	}

	swapchain, res, err := d.swapchainExtension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface: d.backend.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	})
	if err != nil {
		return d.result("CreateSwapchain", res, err)
	}
	s.handle = swapchain
	s.extent = extent
	s.format = surfaceFormat.Format

	images, res, err := d.swapchainExtension.GetSwapchainImages(s.handle)
	if err != nil {
		return d.result("GetSwapchainImages", res, err)
	}
	s.images = images

	for _, image := range images {
		view, res, err := d.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   s.format,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return d.result("CreateImageView", res, err)
		}
		s.views = append(s.views, view)
	}

	return nil
}

func (s *swapChain) createFramebuffers() error {
	d := s.dev
	for _, imageView := range s.views {
		framebuffer, res, err := d.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass:  d.loadPass,
			Layers:      1,
			Attachments: []core1_0.ImageView{imageView},
			Width:       s.extent.Width,
			Height:      s.extent.Height,
		})
		if err != nil {
			return d.result("CreateFramebuffer", res, err)
		}

		s.framebuffers = append(s.framebuffers, framebuffer)
	}
	return nil
}

func (s *swapChain) createSemaphores() error {
	d := s.dev
	for i := 0; i <= len(s.images); i++ {
		semaphore, res, err := d.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			return d.result("CreateSemaphore", res, err)
		}
		s.acquireSemaphores = append(s.acquireSemaphores, semaphore)
	}

	for range s.images {
		semaphore, res, err := d.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			return d.result("CreateSemaphore", res, err)
		}
		s.renderSemaphores = append(s.renderSemaphores, semaphore)
	}
	return nil
}

func (s *swapChain) acquire() {
	semaphore := &s.acquireSemaphores[s.nextAcquire]
	s.nextAcquire = (s.nextAcquire + 1) % len(s.acquireSemaphores)

	imageIndex, res, err := s.dev.swapchainExtension.AcquireNextImage(s.handle, common.NoTimeout, semaphore, nil)
	if err != nil {
		s.acquireErr = s.dev.result("AcquireNextImage", res, err)
		return
	}

	s.current = imageIndex
	s.waitAcquire = semaphore
	s.signaled = false
}

// submitInfo attaches the swap chain semaphores to the first submission
// that follows an acquire.
func (s *swapChain) submitInfo(info *core1_0.SubmitInfo) {
	if s.waitAcquire == nil {
		return
	}

	info.WaitSemaphores = []core1_0.Semaphore{*s.waitAcquire}
	info.WaitDstStageMask = []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput}
	info.SignalSemaphores = []core1_0.Semaphore{s.renderSemaphores[s.current]}
	s.waitAcquire = nil
	s.signaled = true
}

func (s *swapChain) BufferCount() int { return len(s.images) }

func (s *swapChain) CurrentBackBufferIndex() int { return s.current }

func (s *swapChain) Present() error {
	const op = "SwapChain.Present"
	if err := s.dev.check(op); err != nil {
		return err
	}
	if s.acquireErr != nil {
		return s.acquireErr
	}
	if !s.signaled {
		return gpu.Failf(op, gpu.ResultInvalidCall, "nothing was rendered to image %d", s.current)
	}

	res, err := s.dev.swapchainExtension.QueuePresent(s.dev.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{s.renderSemaphores[s.current]},
		Swapchains:     []khr_swapchain.Swapchain{s.handle},
		ImageIndices:   []int{s.current},
	})
	if res == khr_swapchain.VKSuboptimal {
		logger.Debugf("device %s: swap chain is suboptimal", s.dev.id)
	} else if err != nil {
		return s.dev.result("QueuePresent", res, err)
	}

	s.acquire()
	return nil
}

func (s *swapChain) destroy() {
	driver := s.dev.deviceDriver
	if driver == nil {
		return
	}

	for _, semaphore := range s.acquireSemaphores {
		driver.DestroySemaphore(semaphore, nil)
	}
	s.acquireSemaphores = nil

	for _, semaphore := range s.renderSemaphores {
		driver.DestroySemaphore(semaphore, nil)
	}
	s.renderSemaphores = nil

	for _, framebuffer := range s.framebuffers {
		driver.DestroyFramebuffer(framebuffer, nil)
	}
	s.framebuffers = nil

	for _, imageView := range s.views {
		driver.DestroyImageView(imageView, nil)
	}
	s.views = nil

	if s.handle.Initialized() {
		s.dev.swapchainExtension.DestroySwapchain(s.handle, nil)
		s.handle = khr_swapchain.Swapchain{}
	}
}

func chooseSwapSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

func chooseSwapPresentMode(availablePresentModes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range availablePresentModes {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}

	return khr_surface.PresentModeFIFO
}

func chooseSwapExtent(capabilities *khr_surface.SurfaceCapabilities, width, height int) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}
