package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/mtquad/gpu/sim"
	"github.com/vkngwrapper/mtquad/gpu/vulkan"
	"github.com/vkngwrapper/mtquad/imageio"
	"github.com/vkngwrapper/mtquad/log"
	"github.com/vkngwrapper/mtquad/mesh"
	"github.com/vkngwrapper/mtquad/render"
)

// Render frames with the selected backend and print frame statistics.
func Run(ctx *cli.Context) error {
	setupLogging(ctx)

	opts, err := optionsFromFlags(ctx)
	if err != nil {
		return err
	}
	if err = opts.Validate(); err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var stats render.Stats
	switch backend := ctx.String("backend"); backend {
	case "sim":
		stats, err = runSim(runCtx, ctx, opts)
	case "vulkan":
		stats, err = runVulkan(runCtx, ctx, opts)
	default:
		return errors.WithHint(
			errors.Newf("unknown backend %q", backend),
			"run the backends command to list the supported backends",
		)
	}

	displayFrameStats(stats)
	if errors.Is(err, context.Canceled) {
		logger.Notice("interrupted")
		return nil
	}
	return err
}

func optionsFromFlags(ctx *cli.Context) (render.Options, error) {
	opts := render.DefaultOptions()
	opts.FrameCount = ctx.Int("frame-count")
	opts.WorkerCount = ctx.Int("workers")
	opts.ObjectCount = ctx.Int("objects")
	opts.Width = ctx.Int("width")
	opts.Height = ctx.Int("height")
	opts.RotationStep = float32(ctx.Float64("rotation-step"))
	opts.FenceTimeout = ctx.Duration("fence-timeout")
	opts.Debug = ctx.Bool("validation")

	if path := ctx.String("texture"); path != "" {
		img, err := imageio.DecodeFile(path)
		if err != nil {
			return opts, err
		}
		logger.Infof("loaded %dx%d texture from %s", img.Width, img.Height, path)
		opts.Texture = img
	}

	if path := ctx.String("mesh"); path != "" {
		m, err := mesh.LoadOBJFile(path)
		if err != nil {
			return opts, err
		}
		logger.Infof("loaded mesh with %d vertices and %d indices from %s", len(m.Vertices), len(m.Indices), path)
		opts.Mesh = m
	}

	return opts, nil
}

func runSim(runCtx context.Context, ctx *cli.Context, opts render.Options) (render.Stats, error) {
	backend := sim.NewBackend(sim.Options{
		Latency:     ctx.Duration("sim-latency"),
		RemoveAfter: ctx.Int("sim-remove-after"),
	})

	r, err := render.New(runCtx, backend, opts)
	if err != nil {
		return render.Stats{}, err
	}

	logger.Noticef("rendering %d objects with %d workers and %d frames in flight on %s device %s",
		opts.ObjectCount, opts.WorkerCount, opts.FrameCount, backend.Name(), r.Device().ID())

	err = r.Run(runCtx, ctx.Int("frames"))
	return r.Stats(), errors.CombineErrors(err, r.Close())
}

func runVulkan(runCtx context.Context, ctx *cli.Context, opts render.Options) (render.Stats, error) {
	vert, frag := ctx.String("vert"), ctx.String("frag")
	if vert == "" || frag == "" {
		return render.Stats{}, errors.WithHint(
			errors.New("the vulkan backend needs SPIR-V shaders"),
			"compile gpu/vulkan/shaders with go generate and pass --vert and --frag",
		)
	}

	var err error
	if opts.VertexShader, err = os.ReadFile(vert); err != nil {
		return render.Stats{}, errors.Wrap(err, "read vertex shader")
	}
	if opts.PixelShader, err = os.ReadFile(frag); err != nil {
		return render.Stats{}, errors.Wrap(err, "read fragment shader")
	}

	if err = sdl.Init(sdl.INIT_VIDEO); err != nil {
		return render.Stats{}, errors.Wrap(err, "init sdl")
	}
	defer sdl.Quit()

	window, err := sdl.CreateWindow("mtquad", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(opts.Width), int32(opts.Height), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN)
	if err != nil {
		return render.Stats{}, errors.Wrap(err, "create window")
	}
	defer window.Destroy()

	backend, err := vulkan.NewBackend(window, vulkan.Options{Validation: opts.Debug})
	if err != nil {
		return render.Stats{}, err
	}
	defer backend.Destroy()

	r, err := render.New(runCtx, backend, opts)
	if err != nil {
		return render.Stats{}, err
	}

	logger.Noticef("rendering %d objects with %d workers and %d frames in flight on %s device %s",
		opts.ObjectCount, opts.WorkerCount, opts.FrameCount, backend.Name(), r.Device().ID())

	err = renderLoop(runCtx, r, ctx.Int("frames"))
	return r.Stats(), errors.CombineErrors(err, r.Close())
}

// renderLoop interleaves window events with frames. It must run on the
// thread that created the window.
func renderLoop(runCtx context.Context, r *render.Renderer, frames int) error {
	rendering := true
	for rendered := 0; frames <= 0 || rendered < frames; {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				return nil
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED:
					rendering = true
				}
			}
		}

		if err := runCtx.Err(); err != nil {
			return err
		}
		if !rendering {
			sdl.Delay(10)
			continue
		}

		if err := r.Tick(runCtx); err != nil {
			return err
		}
		rendered++
	}
	return nil
}

func displayFrameStats(stats render.Stats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Frames", "Draws", "Fence waits", "Fence wait time", "Recoveries", "Avg frame", "Max frame"})
	table.Append([]string{
		fmt.Sprintf("%d", stats.Frames),
		fmt.Sprintf("%d", stats.Draws),
		fmt.Sprintf("%d", stats.FenceWaits),
		fmt.Sprintf("%s", stats.FenceWaitTime),
		fmt.Sprintf("%d", stats.Recoveries),
		fmt.Sprintf("%s", stats.AvgFrameTime()),
		fmt.Sprintf("%s", stats.MaxFrameTime),
	})
	table.Render()
	logger.Noticef("frame statistics\n%s", buf.String())

	if stats.Frames == 0 || !log.Enabled(log.Info) {
		return
	}

	buf.Reset()
	phases := tablewriter.NewWriter(&buf)
	phases.SetAutoFormatHeaders(false)
	phases.SetHeader([]string{"Phase", "Total", "Per frame"})
	for _, phase := range []struct {
		name  string
		total time.Duration
	}{
		{"update", stats.UpdateTime},
		{"record", stats.RecordTime},
		{"submit", stats.SubmitTime},
		{"present", stats.PresentTime},
	} {
		phases.Append([]string{
			phase.name,
			fmt.Sprintf("%s", phase.total),
			fmt.Sprintf("%s", phase.total/time.Duration(stats.Frames)),
		})
	}
	phases.Render()
	logger.Infof("frame phases\n%s", buf.String())
}
