package main

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"etw_decoder/internal/config"
	etwmain "etw_decoder/internal/etw"
	"etw_decoder/internal/kernel/statemanager"
	"etw_decoder/internal/transport"
)

// pipeline is the decoding side shared by the commands: a dispatcher fed by
// a session controller, with the state databases registered as consumers.
type pipeline struct {
	dispatcher *etwmain.Dispatcher
	controller *etwmain.SessionController
	processes  *statemanager.ProcessDatabase
	modules    *statemanager.ModuleDatabase
}

func newPipeline(cfg *config.AppConfig, t transport.Transport) (*pipeline, error) {
	registry, err := etwmain.NewRegistry(&cfg.Session)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("schemas", registry.Len()).Msg("- Schema registry created")

	p := &pipeline{dispatcher: etwmain.NewDispatcher(registry, &cfg.Dispatch)}
	if cfg.Dispatch.StateDatabases {
		p.processes = statemanager.NewProcessDatabase("")
		p.modules = statemanager.NewModuleDatabase(p.processes, "")
		p.dispatcher.AddConsumer(p.modules)
		log.Debug().Msg("- State databases registered")
	}
	p.controller = etwmain.NewSessionController(t, p.dispatcher, &cfg.Session)
	return p, nil
}

// serveMetrics starts the metrics endpoint for the pipeline. The returned
// function shuts it down.
func (p *pipeline) serveMetrics(cfg *config.ServerConfig) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		etwmain.NewETWStatsCollector(p.dispatcher, p.controller),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>ETW Decoder</title></head>
            <body>
            <h1>ETW Decoder v` + version + ` </h1>
            <p><a href="` + cfg.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	log.Info().Str("address", cfg.ListenAddress).Str("metrics_path", cfg.MetricsPath).Msg("🌐 Starting HTTP server")
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("❌ HTTP server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Debug().Msg("🔌 Shutting down HTTP server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
		}
	}
}

// logSummary logs the dispatcher counters per category and, when tracked,
// the reconstructed system state.
func (p *pipeline) logSummary(elapsed time.Duration) {
	for _, s := range p.dispatcher.Stats() {
		entry := log.Info()
		if s.DecodeErrors > 0 || s.HandlerFailures > 0 {
			entry = log.Warn()
		}
		entry.Str("category", s.Name).
			Str("processed", humanize.Comma(int64(s.Processed))).
			Str("dropped", humanize.Comma(int64(s.Dropped))).
			Uint64("decode_errors", s.DecodeErrors).
			Uint64("handler_failures", s.HandlerFailures).
			Msg("Category summary")
	}

	totals := p.dispatcher.Totals()
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(totals.Processed) / secs
	}
	log.Info().
		Str("events", humanize.Comma(int64(totals.Processed))).
		Str("buffers", humanize.Comma(int64(p.dispatcher.BuffersProcessed()))).
		Str("rate", humanize.Comma(int64(rate))+"/s").
		Str("elapsed", elapsed.Round(time.Millisecond).String()).
		Msg("✅ Decoding finished")

	if p.processes == nil {
		return
	}
	unattributed := p.processes.Unattributed()
	log.Info().
		Int("processes", p.processes.ProcessCount()).
		Int("threads", p.processes.ThreadCount()).
		Uint64("processes_ended", p.processes.Ended()).
		Int("modules", p.modules.ModuleCount()).
		Uint64("module_loads", p.modules.Loads()).
		Uint64("module_unloads", p.modules.Unloads()).
		Uint64("unattributed_hard_faults", unattributed.HardFaults).
		Msg("System state")

	for _, proc := range p.processes.Processes() {
		activity := proc.Activity()
		log.Debug().
			Uint32("pid", proc.PID).
			Uint32("ppid", proc.ParentPID).
			Str("name", proc.Name).
			Int("threads", proc.Threads()).
			Int("modules", len(p.modules.Modules(proc.PID))).
			Uint64("hard_faults", activity.HardFaults).
			Str("disk_read", humanize.IBytes(activity.DiskReadBytes)).
			Str("disk_written", humanize.IBytes(activity.DiskWriteBytes)).
			Msg("Live process")
	}
}
