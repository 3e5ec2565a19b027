package render

import "time"

type Stats struct {
	// Frames presented since the renderer was created.
	Frames int

	// Draws recorded by the worker pool.
	Draws int64

	// Device losses that were recovered from.
	Recoveries int

	// Frames whose slot was still in use by the GPU.
	FenceWaits    int
	FenceWaitTime time.Duration

	// Time spent per phase across all frames. PresentTime includes the
	// fence signal that follows the present.
	UpdateTime  time.Duration
	RecordTime  time.Duration
	SubmitTime  time.Duration
	PresentTime time.Duration

	TotalFrameTime time.Duration
	MaxFrameTime   time.Duration
}

// AvgFrameTime returns the mean frame time.
func (s Stats) AvgFrameTime() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return s.TotalFrameTime / time.Duration(s.Frames)
}
