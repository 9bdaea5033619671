package etwmain

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ETWStatsCollector implements prometheus.Collector for the decoding pipeline.
// It reports dispatcher counters per category, delivery counters per open
// trace and the loss counters of stopped logging sessions.
type ETWStatsCollector struct {
	dispatcher *Dispatcher
	controller *SessionController

	// Metric Descriptors
	eventsProcessedDesc *prometheus.Desc
	eventsDroppedDesc   *prometheus.Desc
	decodeErrorsDesc    *prometheus.Desc
	handlerFailuresDesc *prometheus.Desc
	buffersDesc         *prometheus.Desc

	traceBuffersDesc *prometheus.Desc
	traceEventsDesc  *prometheus.Desc

	sessionBuffersWrittenDesc *prometheus.Desc
	sessionEventsLostDesc     *prometheus.Desc
	sessionBuffersLostDesc    *prometheus.Desc
}

// NewETWStatsCollector creates a new statistics collector. controller may be
// nil when only dispatcher counters are wanted.
func NewETWStatsCollector(d *Dispatcher, controller *SessionController) *ETWStatsCollector {
	return &ETWStatsCollector{
		dispatcher: d,
		controller: controller,

		eventsProcessedDesc: prometheus.NewDesc(
			"etw_decoder_events_processed_total",
			"Total number of events decoded and handed to handlers, by category.",
			[]string{"category"}, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"etw_decoder_events_dropped_total",
			"Total number of events skipped because no schema or no handler is registered for them.",
			[]string{"category"}, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"etw_decoder_decode_errors_total",
			"Total number of events whose payload could not be decoded with their schema.",
			[]string{"category"}, nil,
		),
		handlerFailuresDesc: prometheus.NewDesc(
			"etw_decoder_handler_failures_total",
			"Total number of handler invocations that returned an error or panicked.",
			[]string{"category"}, nil,
		),
		buffersDesc: prometheus.NewDesc(
			"etw_decoder_buffers_processed_total",
			"Total number of transport buffers seen by the dispatcher.",
			nil, nil,
		),

		traceBuffersDesc: prometheus.NewDesc(
			"etw_decoder_trace_buffers_total",
			"Number of buffers delivered to an open trace.",
			[]string{"trace", "id", "mode"}, nil,
		),
		traceEventsDesc: prometheus.NewDesc(
			"etw_decoder_trace_events_total",
			"Number of events delivered to an open trace.",
			[]string{"trace", "id", "mode"}, nil,
		),

		sessionBuffersWrittenDesc: prometheus.NewDesc(
			"etw_decoder_session_buffers_written_total",
			"Buffers written by a stopped logging session.",
			[]string{"session"}, nil,
		),
		sessionEventsLostDesc: prometheus.NewDesc(
			"etw_decoder_session_events_lost_total",
			"Events lost by a stopped logging session.",
			[]string{"session"}, nil,
		),
		sessionBuffersLostDesc: prometheus.NewDesc(
			"etw_decoder_session_buffers_lost_total",
			"Buffers lost by a stopped logging session.",
			[]string{"session"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ETWStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsProcessedDesc
	ch <- c.eventsDroppedDesc
	ch <- c.decodeErrorsDesc
	ch <- c.handlerFailuresDesc
	ch <- c.buffersDesc
	ch <- c.traceBuffersDesc
	ch <- c.traceEventsDesc
	ch <- c.sessionBuffersWrittenDesc
	ch <- c.sessionEventsLostDesc
	ch <- c.sessionBuffersLostDesc
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (c *ETWStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectDispatcherStats(ch)
	if c.controller != nil {
		c.collectTraceStats(ch)
		c.collectSessionStats(ch)
	}
}

// collectDispatcherStats gathers the per-category dispatcher counters.
func (c *ETWStatsCollector) collectDispatcherStats(ch chan<- prometheus.Metric) {
	for _, s := range c.dispatcher.Stats() {
		ch <- prometheus.MustNewConstMetric(c.eventsProcessedDesc, prometheus.CounterValue, float64(s.Processed), s.Name)
		ch <- prometheus.MustNewConstMetric(c.eventsDroppedDesc, prometheus.CounterValue, float64(s.Dropped), s.Name)
		ch <- prometheus.MustNewConstMetric(c.decodeErrorsDesc, prometheus.CounterValue, float64(s.DecodeErrors), s.Name)
		ch <- prometheus.MustNewConstMetric(c.handlerFailuresDesc, prometheus.CounterValue, float64(s.HandlerFailures), s.Name)
	}
	ch <- prometheus.MustNewConstMetric(
		c.buffersDesc,
		prometheus.CounterValue,
		float64(c.dispatcher.BuffersProcessed()),
	)
}

// collectTraceStats gathers delivery counters of the open traces.
func (c *ETWStatsCollector) collectTraceStats(ch chan<- prometheus.Metric) {
	for _, s := range c.controller.Sessions() {
		id, mode := strconv.FormatUint(s.ID(), 10), s.Mode().String()
		ch <- prometheus.MustNewConstMetric(
			c.traceBuffersDesc,
			prometheus.CounterValue,
			float64(s.BuffersProcessed()),
			s.Name(), id, mode,
		)
		ch <- prometheus.MustNewConstMetric(
			c.traceEventsDesc,
			prometheus.CounterValue,
			float64(s.EventsProcessed()),
			s.Name(), id, mode,
		)
	}
}

// collectSessionStats gathers the final counters of stopped logging sessions.
func (c *ETWStatsCollector) collectSessionStats(ch chan<- prometheus.Metric) {
	for _, s := range c.controller.StoppedSessions() {
		ch <- prometheus.MustNewConstMetric(
			c.sessionBuffersWrittenDesc,
			prometheus.CounterValue,
			float64(s.BuffersWritten),
			s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionEventsLostDesc,
			prometheus.CounterValue,
			float64(s.EventsLost),
			s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionBuffersLostDesc,
			prometheus.CounterValue,
			float64(s.BuffersLost),
			s.Name,
		)
	}
}
