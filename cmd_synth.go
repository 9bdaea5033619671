package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	etwmain "etw_decoder/internal/etw"
	"etw_decoder/internal/kernel/synth"
	"etw_decoder/internal/provider"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
)

type synthOptions struct {
	processes   int
	threads     int
	pointerSize int
	decode      bool
	flushEvery  time.Duration
}

func newSynthCmd() *cobra.Command {
	opts := &synthOptions{}
	cmd := &cobra.Command{
		Use:   "synth <file>",
		Short: "Write a synthetic kernel trace log file",
		Long: `Synth starts a logging session writing to <file>, enables the kernel
provider with the flags of the configured kernel groups and emits a rundown
of a small system followed by process lifecycles. With --decode the session
is also consumed in realtime while it is written, and partially filled
buffers are delivered every --flush-interval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSynth(opts, args[0])
		},
	}
	cmd.Flags().IntVar(&opts.processes, "processes", 8, "Number of processes to start after the rundown.")
	cmd.Flags().IntVar(&opts.threads, "threads", 3, fmt.Sprintf("Threads per process (at most %d).", synth.MaxThreads))
	cmd.Flags().IntVar(&opts.pointerSize, "pointer-size", 8, "Pointer width of the synthetic producer, 4 or 8.")
	cmd.Flags().BoolVar(&opts.decode, "decode", false, "Decode the session in realtime while writing it.")
	cmd.Flags().DurationVar(&opts.flushEvery, "flush-interval", time.Second, "How often --decode flushes partially filled buffers, 0 to disable.")
	return cmd
}

func runSynth(opts *synthOptions, path string) error {
	if opts.pointerSize != 4 && opts.pointerSize != 8 {
		return fmt.Errorf("pointer size must be 4 or 8, got %d", opts.pointerSize)
	}
	cfg := appConfig
	ctx := schema.Context{PointerSize: opts.pointerSize, WideCharSize: cfg.Session.WideCharSize}

	lb := transport.NewLoopback(ctx)
	defer lb.Close()

	p, err := newPipeline(cfg, lb)
	if err != nil {
		return err
	}
	defer p.controller.Close()

	name := cfg.Session.RealtimeName
	h, err := p.controller.Start(name, &transport.Properties{LogFile: path})
	if err != nil {
		return err
	}

	var decoded chan error
	if opts.decode {
		if _, err := p.controller.OpenRealtimeSession(name); err != nil {
			return err
		}
		if opts.flushEvery > 0 {
			if err := lb.StartFlushTimer(h, opts.flushEvery); err != nil {
				return err
			}
		}
		decoded = make(chan error, 1)
		go func() { decoded <- p.controller.Process() }()
	}

	flags := etwmain.GetEnabledKernelFlags(&cfg.Session)
	if err := p.controller.EnableProvider(h, etwmain.KernelProviderGUID, uint8(provider.LevelVerbose), flags); err != nil {
		return err
	}
	if err := p.controller.EnableConfiguredProviders(h); err != nil {
		return err
	}

	categories := etwmain.GetEnabledCategoryGUIDs(&cfg.Session)
	kernel, err := provider.Register(lb, etwmain.KernelProviderGUID, categories)
	if err != nil {
		return err
	}
	defer kernel.Unregister()

	gen, err := synth.New(kernel, ctx, categories)
	if err != nil {
		return err
	}

	log.Info().Str("file", path).Int("processes", opts.processes).Int("threads", opts.threads).
		Int("pointer_size", opts.pointerSize).Msg("🔄 Writing synthetic trace")
	start := time.Now()
	runErr := gen.Run(synth.Options{Processes: opts.processes, Threads: opts.threads})

	props, err := p.controller.Stop(h)
	if runErr != nil {
		return runErr
	}
	if err != nil {
		return err
	}

	stats := gen.Stats()
	entry := log.Info().Str("file", path).
		Uint64("emitted", stats.Emitted).
		Uint64("skipped", stats.Skipped).
		Uint32("buffers_written", props.BuffersWritten).
		Uint32("events_lost", props.EventsLost)
	if fi, err := os.Stat(path); err == nil {
		entry = entry.Str("size", humanize.IBytes(uint64(fi.Size())))
	}
	entry.Msg("✅ Synthetic trace written")

	if decoded != nil {
		err := <-decoded
		p.logSummary(time.Since(start))
		return err
	}
	return nil
}
