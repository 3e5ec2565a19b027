package render

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/mtquad/imageio"
	"github.com/vkngwrapper/mtquad/mesh"
)

const (
	MaxFrameCount  = 16
	MaxWorkerCount = 64
	MaxObjectCount = 1 << 16
)

type Options struct {
	// Number of frames in flight. Also used as the swap chain buffer count.
	FrameCount int

	// Number of recording workers.
	WorkerCount int

	// Number of objects drawn each frame. Fixed for the run.
	ObjectCount int

	// Back buffer dims.
	Width  int
	Height int

	// Rotation about Z, in radians, composed into every object transform
	// each time its frame slot is updated.
	RotationStep float32

	ClearColor [4]float32

	// Upper bound for a single fence wait. A wait that exceeds it is
	// treated as a hung device. Zero waits forever.
	FenceTimeout time.Duration

	// Enable backend validation.
	Debug bool

	// Backend specific shader byte code.
	VertexShader []byte
	PixelShader  []byte

	// Texture sampled by every draw. A checkerboard is used when nil.
	Texture *imageio.Image

	// Geometry drawn for every object. A quad is used when nil.
	Mesh *mesh.Mesh

	// Incremental transform for an object. Defaults to a rotation by
	// RotationStep.
	Animator func(object int) mgl32.Mat4
}

// DefaultOptions returns the options used by the run command.
func DefaultOptions() Options {
	return Options{
		FrameCount:   3,
		WorkerCount:  3,
		ObjectCount:  100,
		Width:        1280,
		Height:       720,
		RotationStep: 0.1,
		ClearColor:   [4]float32{0, 0.2, 0.4, 1},
	}
}

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("render: "+format, args...), ErrInvalidOptions)
}

// Validate checks every count the frame pipeline sizes its containers with.
func (o Options) Validate() error {
	switch {
	case o.FrameCount < 1 || o.FrameCount > MaxFrameCount:
		return invalidf("frame count %d outside [1, %d]", o.FrameCount, MaxFrameCount)
	case o.WorkerCount < 1 || o.WorkerCount > MaxWorkerCount:
		return invalidf("worker count %d outside [1, %d]", o.WorkerCount, MaxWorkerCount)
	case o.ObjectCount < 1 || o.ObjectCount > MaxObjectCount:
		return invalidf("object count %d outside [1, %d]", o.ObjectCount, MaxObjectCount)
	case o.Width <= 0 || o.Height <= 0:
		return invalidf("invalid frame dims %dx%d", o.Width, o.Height)
	case o.FenceTimeout < 0:
		return invalidf("negative fence timeout %s", o.FenceTimeout)
	}

	if o.Texture != nil && (o.Texture.Width <= 0 || o.Texture.Height <= 0 || len(o.Texture.Pixels) != o.Texture.Width*o.Texture.Height*4) {
		return invalidf("texture holds %d bytes for %dx%d RGBA pixels", len(o.Texture.Pixels), o.Texture.Width, o.Texture.Height)
	}
	if o.Mesh != nil && (len(o.Mesh.Vertices) == 0 || len(o.Mesh.Indices) == 0) {
		return invalidf("empty mesh")
	}

	return nil
}

func (o *Options) applyDefaults() {
	if o.Animator == nil {
		step := mgl32.HomogRotate3DZ(o.RotationStep)
		o.Animator = func(int) mgl32.Mat4 { return step }
	}
	if o.Mesh == nil {
		o.Mesh = mesh.Quad()
	}
	if o.Texture == nil {
		o.Texture = imageio.Checkerboard(256, 32)
	}
}
