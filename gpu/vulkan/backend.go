// Package vulkan implements the gpu interfaces on top of vkngwrapper. An SDL
// window supplies the surface; every device opened from the backend presents
// to it.
package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
	"github.com/vkngwrapper/mtquad/gpu"
	"github.com/vkngwrapper/mtquad/log"
)

var logger = log.New("vulkan")

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

type Options struct {
	// Enable the Khronos validation layer and route its messages to the log.
	Validation bool

	ApplicationName string
}

type queueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
}

func (i *queueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil
}

type swapChainSupportDetails struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

// Backend owns the instance and the window surface. Devices come and go
// across device loss; the backend outlives them.
type Backend struct {
	opts   Options
	window *sdl.Window

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver

	debugDriver      ext_debug_utils.ExtensionDriver
	debugMessenger   ext_debug_utils.DebugUtilsMessenger
	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface
}

// NewBackend creates a Vulkan instance and a surface for window. The window
// must have been created with sdl.WINDOW_VULKAN.
func NewBackend(window *sdl.Window, opts Options) (*Backend, error) {
	if opts.ApplicationName == "" {
		opts.ApplicationName = "mtquad"
	}

	b := &Backend{opts: opts, window: window}

	var err error
	b.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: load driver")
	}

	if err = b.createInstance(); err != nil {
		b.Destroy()
		return nil, err
	}
	if err = b.setupDebugMessenger(); err != nil {
		b.Destroy()
		return nil, err
	}
	if err = b.createSurface(); err != nil {
		b.Destroy()
		return nil, err
	}

	return b, nil
}

func (b *Backend) Name() string {
	return "vulkan"
}

func (b *Backend) Open(cfg gpu.DeviceConfig) (gpu.Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.BufferCount < 1 {
		return nil, gpu.Failf("Backend.Open", gpu.ResultInvalidCall, "invalid device config %+v", cfg)
	}

	d, err := newDevice(b, cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Destroy releases the surface and the instance. Every device must have
// been released first.
func (b *Backend) Destroy() {
	if b.debugMessenger.Initialized() {
		b.debugDriver.DestroyDebugUtilsMessenger(b.debugMessenger, nil)
		b.debugMessenger = ext_debug_utils.DebugUtilsMessenger{}
	}

	if b.surface.Initialized() {
		b.surfaceExtension.DestroySurface(b.surface, nil)
		b.surface = khr_surface.Surface{}
	}

	if b.instanceDriver != nil {
		b.instanceDriver.DestroyInstance(nil)
		b.instanceDriver = nil
	}
}

func (b *Backend) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    b.opts.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "mtquad",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := b.window.VulkanGetInstanceExtensions()
	extensions, _, err := b.globalDriver.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "vulkan: enumerate instance extensions")
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Newf("vulkan: cannot initialize sdl: missing extension %s", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if b.opts.Validation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if b.opts.Validation {
		layers, _, err := b.globalDriver.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "vulkan: enumerate layers")
		}

		for _, layer := range validationLayers {
			if _, hasValidation := layers[layer]; !hasValidation {
				return errors.Newf("vulkan: validation layer %s not available; install the LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		instanceOptions.Next = b.debugMessengerOptions()
	}

	b.instanceDriver, _, err = b.globalDriver.CreateInstance(nil, instanceOptions)
	return errors.Wrap(err, "vulkan: create instance")
}

func (b *Backend) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    logDebug,
	}
}

func (b *Backend) setupDebugMessenger() error {
	if !b.opts.Validation {
		return nil
	}

	var err error
	b.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(b.instanceDriver)
	b.debugMessenger, _, err = b.debugDriver.CreateDebugUtilsMessenger(nil, b.debugMessengerOptions())
	return errors.Wrap(err, "vulkan: create debug messenger")
}

func (b *Backend) createSurface() error {
	b.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(b.instanceDriver)
	surface, err := vkng_sdl2.CreateSurface(b.instanceDriver.Instance(), b.surfaceExtension, b.window)
	if err != nil {
		return errors.Wrap(err, "vulkan: create surface")
	}

	b.surface = surface
	return nil
}

func (b *Backend) pickPhysicalDevice() (core1_0.PhysicalDevice, queueFamilyIndices, error) {
	physicalDevices, _, err := b.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return core1_0.PhysicalDevice{}, queueFamilyIndices{}, errors.Wrap(err, "vulkan: enumerate physical devices")
	}

	for _, device := range physicalDevices {
		indices, err := b.findQueueFamilies(device)
		if err != nil || !indices.IsComplete() {
			continue
		}
		if !b.checkDeviceExtensionSupport(device) {
			continue
		}

		support, err := b.querySwapChainSupport(device)
		if err != nil || len(support.Formats) == 0 || len(support.PresentModes) == 0 {
			continue
		}

		return device, indices, nil
	}

	return core1_0.PhysicalDevice{}, queueFamilyIndices{}, errors.New("vulkan: failed to find a suitable GPU")
}

func (b *Backend) querySwapChainSupport(device core1_0.PhysicalDevice) (swapChainSupportDetails, error) {
	var details swapChainSupportDetails
	var err error

	details.Capabilities, _, err = b.surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(b.surface, device)
	if err != nil {
		return details, err
	}

	details.Formats, _, err = b.surfaceExtension.GetPhysicalDeviceSurfaceFormats(b.surface, device)
	if err != nil {
		return details, err
	}

	details.PresentModes, _, err = b.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(b.surface, device)
	return details, err
}

func (b *Backend) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := b.instanceDriver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		if _, hasExtension := extensions[extension]; !hasExtension {
			return false
		}
	}

	return true
}

func (b *Backend) findQueueFamilies(device core1_0.PhysicalDevice) (queueFamilyIndices, error) {
	indices := queueFamilyIndices{}
	queueFamilies := b.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(device)

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = queueFamilyIdx
		}

		supported, _, err := b.surfaceExtension.GetPhysicalDeviceSurfaceSupport(b.surface, device, queueFamilyIdx)
		if err != nil {
			return indices, err
		}

		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = queueFamilyIdx
		}

		if indices.IsComplete() {
			break
		}
	}

	return indices, nil
}

func logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	if severity&ext_debug_utils.SeverityError != 0 {
		logger.Errorf("[%s %s] %s", severity, msgType, data.Message)
	} else {
		logger.Warningf("[%s %s] %s", severity, msgType, data.Message)
	}
	return false
}
