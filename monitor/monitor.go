// Package monitor exports prometheus metrics for scope sessions.  A Metrics
// is an mxo.Observer; attach it with Scope.SetObserver and serve Handler on
// /metrics.
package monitor

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/mxo"
	"github.com/nasa-jpl/mxoscope/oscilloscope"
)

// Metrics holds the collectors for one process, registered on a private
// registry so that tests and multiple scopes do not collide on the global one
type Metrics struct {
	reg *prometheus.Registry

	captures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	samples    *prometheus.GaugeVec
	state      *prometheus.GaugeVec
	uploads    *prometheus.CounterVec
	uploadSize prometheus.Histogram
}

// New creates and registers the collectors, along with the Go runtime and
// process collectors
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxo_captures_total",
			Help: "Capture attempts by channel and result.",
		}, []string{"channel", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxo_capture_duration_seconds",
			Help:    "Time from trigger to scaled record.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"channel"}),
		samples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mxo_capture_samples",
			Help: "Number of samples in the last successful capture.",
		}, []string{"channel"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mxo_capture_state",
			Help: "1 for the current phase of each channel's capture state machine, else 0.",
		}, []string{"channel", "state"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxo_arb_uploads_total",
			Help: "ARB file uploads by result.",
		}, []string{"result"}),
		uploadSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxo_arb_upload_bytes",
			Help:    "Size of uploaded ARB files.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
	m.reg.MustRegister(
		m.captures,
		m.duration,
		m.samples,
		m.state,
		m.uploads,
		m.uploadSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, e.g. for testutil
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// result is "ok" or the error's fault kind as a label value
func result(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ReplaceAll(fault.KindOf(err).String(), " ", "_")
}

// StateChanged implements mxo.Observer
func (m *Metrics) StateChanged(channel int, from, to mxo.State) {
	ch := strconv.Itoa(channel)
	m.state.WithLabelValues(ch, from.String()).Set(0)
	m.state.WithLabelValues(ch, to.String()).Set(1)
}

// CaptureFinished implements mxo.Observer
func (m *Metrics) CaptureFinished(channel int, res oscilloscope.CaptureResult, elapsed time.Duration, err error) {
	ch := strconv.Itoa(channel)
	m.captures.WithLabelValues(ch, result(err)).Inc()
	if err != nil {
		return
	}
	m.duration.WithLabelValues(ch).Observe(elapsed.Seconds())
	m.samples.WithLabelValues(ch).Set(float64(res.Metadata.SampleCount))
}

// ArbUploaded implements mxo.Observer
func (m *Metrics) ArbUploaded(bytes int, _ uint16, err error) {
	m.uploads.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.uploadSize.Observe(float64(bytes))
	}
}
