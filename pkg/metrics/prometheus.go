package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
)

// PrometheusExporter exports metrics in Prometheus text format.
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter creates a new Prometheus exporter for the given collector.
// The namespace is prepended to all metric names (e.g., "skybridge").
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	return &PrometheusExporter{
		collector: c,
		namespace: namespace,
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes all metrics in Prometheus text format to the writer.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	snap := e.collector.Snapshot()
	labels := e.formatLabels(snap.Labels)

	// --- Dataplane Packets ---
	e.writeHelp(w, "plaintext_in_total", "Datagrams read from the application socket")
	e.writeType(w, "plaintext_in_total", "counter")
	e.writeMetric(w, "plaintext_in_total", labels, float64(snap.PlaintextIn))

	e.writeHelp(w, "plaintext_out_total", "Decrypted datagrams delivered to the application")
	e.writeType(w, "plaintext_out_total", "counter")
	e.writeMetric(w, "plaintext_out_total", labels, float64(snap.PlaintextOut))

	e.writeHelp(w, "encrypted_in_total", "Datagrams received from the peer")
	e.writeType(w, "encrypted_in_total", "counter")
	e.writeMetric(w, "encrypted_in_total", labels, float64(snap.EncryptedIn))

	e.writeHelp(w, "encrypted_out_total", "Encrypted datagrams sent to the peer")
	e.writeType(w, "encrypted_out_total", "counter")
	e.writeMetric(w, "encrypted_out_total", labels, float64(snap.EncryptedOut))

	// --- Dataplane Bytes ---
	e.writeHelp(w, "plaintext_in_bytes_total", "Plaintext bytes read from the application")
	e.writeType(w, "plaintext_in_bytes_total", "counter")
	e.writeMetric(w, "plaintext_in_bytes_total", labels, float64(snap.PlaintextInBytes))

	e.writeHelp(w, "plaintext_out_bytes_total", "Plaintext bytes delivered to the application")
	e.writeType(w, "plaintext_out_bytes_total", "counter")
	e.writeMetric(w, "plaintext_out_bytes_total", labels, float64(snap.PlaintextOutBytes))

	e.writeHelp(w, "encrypted_in_bytes_total", "Ciphertext bytes received from the peer")
	e.writeType(w, "encrypted_in_bytes_total", "counter")
	e.writeMetric(w, "encrypted_in_bytes_total", labels, float64(snap.EncryptedInBytes))

	e.writeHelp(w, "encrypted_out_bytes_total", "Ciphertext bytes sent to the peer")
	e.writeType(w, "encrypted_out_bytes_total", "counter")
	e.writeMetric(w, "encrypted_out_bytes_total", labels, float64(snap.EncryptedOutBytes))

	// --- Drops ---
	e.writeHelp(w, "drops_total", "Packets dropped, by reason")
	e.writeType(w, "drops_total", "counter")
	for reason, count := range map[string]uint64{
		"replay":     snap.Drops.Replay,
		"auth":       snap.Drops.Auth,
		"header":     snap.Drops.Header,
		"epoch":      snap.Drops.Epoch,
		"src_addr":   snap.Drops.SourceAddr,
		"rate_limit": snap.Drops.RateLimit,
		"other":      snap.Drops.Other,
	} {
		reasonLabels := fmt.Sprintf("reason=%q", reason)
		if labels != "" {
			reasonLabels = labels + "," + reasonLabels
		}
		e.writeMetric(w, "drops_total", reasonLabels, float64(count))
	}

	// --- Rekeys ---
	e.writeHelp(w, "rekeys_initiated_total", "Rekey negotiations initiated")
	e.writeType(w, "rekeys_initiated_total", "counter")
	e.writeMetric(w, "rekeys_initiated_total", labels, float64(snap.RekeysInitiated))

	e.writeHelp(w, "rekeys_completed_total", "Rekey negotiations that installed a new epoch")
	e.writeType(w, "rekeys_completed_total", "counter")
	e.writeMetric(w, "rekeys_completed_total", labels, float64(snap.RekeysCompleted))

	e.writeHelp(w, "rekeys_failed_total", "Rekey negotiations that failed")
	e.writeType(w, "rekeys_failed_total", "counter")
	e.writeMetric(w, "rekeys_failed_total", labels, float64(snap.RekeysFailed))

	e.writeHelp(w, "last_rekey_seconds", "Duration of the most recent successful rekey")
	e.writeType(w, "last_rekey_seconds", "gauge")
	e.writeMetric(w, "last_rekey_seconds", labels, snap.LastRekey.Seconds())

	e.writeHelp(w, "last_blackout_seconds", "Dataplane gap around the most recent epoch install")
	e.writeType(w, "last_blackout_seconds", "gauge")
	e.writeMetric(w, "last_blackout_seconds", labels, snap.LastBlackout.Seconds())

	// --- Uptime ---
	e.writeHelp(w, "uptime_seconds", "Time since the collector was created")
	e.writeType(w, "uptime_seconds", "gauge")
	e.writeMetric(w, "uptime_seconds", labels, snap.Uptime.Seconds())

	// --- Histograms ---
	e.writeHistogram(w, "handshake_duration_milliseconds", "Handshake duration in milliseconds", labels, snap.HandshakeLatency)
	e.writeHistogram(w, "encrypt_duration_microseconds", "Packet seal duration in microseconds", labels, snap.EncryptLatency)
	e.writeHistogram(w, "decrypt_duration_microseconds", "Packet open duration in microseconds", labels, snap.DecryptLatency)
}

// writeHelp writes a HELP line.
func (e *PrometheusExporter) writeHelp(w io.Writer, name, help string) {
	fmt.Fprintf(w, "# HELP %s_%s %s\n", e.namespace, name, help)
}

// writeType writes a TYPE line.
func (e *PrometheusExporter) writeType(w io.Writer, name, typ string) {
	fmt.Fprintf(w, "# TYPE %s_%s %s\n", e.namespace, name, typ)
}

// writeMetric writes a single metric line.
func (e *PrometheusExporter) writeMetric(w io.Writer, name, labels string, value float64) {
	if labels != "" {
		fmt.Fprintf(w, "%s_%s{%s} %g\n", e.namespace, name, labels, value)
	} else {
		fmt.Fprintf(w, "%s_%s %g\n", e.namespace, name, value)
	}
}

// writeHistogram writes a histogram in Prometheus format.
func (e *PrometheusExporter) writeHistogram(w io.Writer, name, help, labels string, h HistogramSummary) {
	e.writeHelp(w, name, help)
	e.writeType(w, name, "histogram")

	fullName := e.namespace + "_" + name

	// Write bucket counts
	for _, b := range h.Buckets {
		le := fmt.Sprintf("%g", b.UpperBound)
		if math.IsInf(b.UpperBound, 1) {
			le = "+Inf"
		}
		if labels != "" {
			fmt.Fprintf(w, "%s_bucket{%s,le=\"%s\"} %d\n", fullName, labels, le, b.Count)
		} else {
			fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", fullName, le, b.Count)
		}
	}

	// Write sum and count
	if labels != "" {
		fmt.Fprintf(w, "%s_sum{%s} %g\n", fullName, labels, h.Sum)
		fmt.Fprintf(w, "%s_count{%s} %d\n", fullName, labels, h.Count)
	} else {
		fmt.Fprintf(w, "%s_sum %g\n", fullName, h.Sum)
		fmt.Fprintf(w, "%s_count %d\n", fullName, h.Count)
	}
}

// formatLabels converts Labels to Prometheus label format.
func (e *PrometheusExporter) formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		// Escape label values
		v := escapePromValue(labels[k])
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", k, v))
	}

	return strings.Join(parts, ",")
}

// escapePromValue escapes a string for use as a Prometheus label value.
func escapePromValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// --- Convenience Functions ---

// ServePrometheus starts an HTTP server serving Prometheus metrics.
// This is a convenience function for simple use cases.
func ServePrometheus(addr string, c *Collector, namespace string) error {
	exp := NewPrometheusExporter(c, namespace)
	http.Handle("/metrics", exp.Handler())
	return http.ListenAndServe(addr, nil)
}
