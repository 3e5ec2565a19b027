package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli"
	"github.com/vkngwrapper/mtquad/cmd"
	"github.com/vkngwrapper/mtquad/render"
)

func main() {
	// SDL and the Vulkan surface must stay on the thread that created them.
	runtime.LockOSThread()

	defaults := render.DefaultOptions()

	app := cli.NewApp()
	app.Name = "mtquad"
	app.Usage = "draw textured quads from multiple recording goroutines with frames in flight"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "render frames and print frame statistics",
			Description: `
Draw a fixed set of rotating textured quads. Each frame is recorded by a pool
of worker goroutines into their own command lists while previous frames are
still executing on the GPU.

The sim backend executes command lists on a software GPU and can inject
device removal to exercise recovery. The vulkan backend presents to an SDL
window and needs compiled SPIR-V shaders.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "backend",
					Value: "sim",
					Usage: "graphics backend (sim, vulkan)",
				},
				cli.IntFlag{
					Name:  "frames",
					Value: 0,
					Usage: "number of frames to render; 0 renders until interrupted",
				},
				cli.IntFlag{
					Name:  "frame-count",
					Value: defaults.FrameCount,
					Usage: "frames in flight",
				},
				cli.IntFlag{
					Name:  "workers",
					Value: defaults.WorkerCount,
					Usage: "recording goroutines",
				},
				cli.IntFlag{
					Name:  "objects",
					Value: defaults.ObjectCount,
					Usage: "quads drawn per frame",
				},
				cli.IntFlag{
					Name:  "width",
					Value: defaults.Width,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: defaults.Height,
					Usage: "frame height",
				},
				cli.Float64Flag{
					Name:  "rotation-step",
					Value: float64(defaults.RotationStep),
					Usage: "rotation about Z in radians applied each time a frame slot is updated",
				},
				cli.DurationFlag{
					Name:  "fence-timeout",
					Value: 5 * time.Second,
					Usage: "treat the device as hung when a fence wait exceeds this; 0 waits forever",
				},
				cli.StringFlag{
					Name:  "texture",
					Usage: "image file used as the quad texture (png, jpeg, gif, bmp, tiff, webp)",
				},
				cli.StringFlag{
					Name:  "mesh",
					Usage: "wavefront obj file drawn instead of the quad",
				},
				cli.StringFlag{
					Name:  "vert",
					Usage: "SPIR-V vertex shader (vulkan backend)",
				},
				cli.StringFlag{
					Name:  "frag",
					Usage: "SPIR-V fragment shader (vulkan backend)",
				},
				cli.BoolFlag{
					Name:  "validation",
					Usage: "enable backend validation layers",
				},
				cli.DurationFlag{
					Name:  "sim-latency",
					Usage: "time the sim backend spends on every submission",
				},
				cli.IntFlag{
					Name:  "sim-remove-after",
					Usage: "remove the first sim device when it reaches this submission; 0 disables",
				},
			},
			Action: cmd.Run,
		},
		{
			Name:   "backends",
			Usage:  "list available graphics backends",
			Action: cmd.ListBackends,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}
