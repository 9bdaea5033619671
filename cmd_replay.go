package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
)

type replayOptions struct {
	metrics bool
	linger  bool
	listen  string
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <file>...",
		Short: "Decode one or more trace log files",
		Long: `Replay decodes trace log files through the configured kernel groups.
Files are replayed concurrently, at most session.max_file_sessions at a
time. A handler error stops the replay of the file it occurred in.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics") {
				appConfig.Server.Enabled = opts.metrics
			}
			if opts.listen != "" {
				appConfig.Server.ListenAddress = opts.listen
			}
			return runReplay(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Serve decoder metrics while replaying.")
	cmd.Flags().BoolVar(&opts.linger, "linger", false, "Keep serving metrics after the replay until interrupted.")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Metrics listen address (overrides server.listen_address).")
	return cmd
}

func runReplay(ctx context.Context, opts *replayOptions, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var totalBytes uint64
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("cannot replay %s: %w", f, err)
		}
		totalBytes += uint64(fi.Size())
	}

	// The loopback transport replays files on its own; its context is only
	// used for sessions it produces.
	lb := transport.NewLoopback(schema.DefaultContext())
	defer lb.Close()

	p, err := newPipeline(appConfig, lb)
	if err != nil {
		return err
	}
	defer p.controller.Close()

	if appConfig.Server.Enabled {
		shutdown := p.serveMetrics(&appConfig.Server)
		defer shutdown()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Info().Msg("🛑 Received shutdown signal, stopping replay...")
			p.controller.Close()
		case <-done:
		}
	}()

	log.Info().
		Int("files", len(files)).
		Str("size", humanize.IBytes(totalBytes)).
		Msg("🔄 Replaying trace files")

	start := time.Now()
	batch := appConfig.Session.MaxFileSessions
	var errs []error
	for len(files) > 0 && ctx.Err() == nil {
		n := min(batch, len(files))
		for _, f := range files[:n] {
			if _, err := p.controller.OpenFileSession(f); err != nil {
				errs = append(errs, err)
			}
		}
		files = files[n:]
		if err := p.controller.Process(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logSummary(time.Since(start))

	if appConfig.Server.Enabled && opts.linger && ctx.Err() == nil {
		log.Info().Str("address", appConfig.Server.ListenAddress).Msg("Replay done, serving metrics until interrupted")
		<-ctx.Done()
	}
	return errors.Join(errs...)
}
