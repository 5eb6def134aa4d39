// Package metrics provides observability primitives for the skybridge proxy.
//
// The package includes:
//   - a lock-free Collector for dataplane counters and drop accounting
//   - Histogram with Prometheus-compatible text export
//   - OpenTelemetry tracing support behind the otel build tag
//   - structured logging with levels
//   - an optional HTTP server for health and metrics endpoints
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DropReason classifies why an inbound or outbound packet was discarded.
type DropReason int

const (
	DropReplay DropReason = iota
	DropAuth
	DropHeader
	DropEpoch
	DropSourceAddr
	DropRateLimit
	DropOther
	dropReasonCount
)

// String returns the snake_case reason name used in snapshots and logs.
func (r DropReason) String() string {
	switch r {
	case DropReplay:
		return "replay"
	case DropAuth:
		return "auth"
	case DropHeader:
		return "header"
	case DropEpoch:
		return "epoch"
	case DropSourceAddr:
		return "src_addr"
	case DropRateLimit:
		return "rate_limit"
	default:
		return "other"
	}
}

// Collector aggregates dataplane and rekey metrics. All counter updates are
// atomic so the hot path never takes a lock.
type Collector struct {
	// Dataplane packet counters
	plaintextIn  atomic.Uint64 // datagrams read from the application
	plaintextOut atomic.Uint64 // datagrams delivered to the application
	encryptedIn  atomic.Uint64 // datagrams received from the peer
	encryptedOut atomic.Uint64 // datagrams sent to the peer

	// Dataplane byte counters
	plaintextInBytes  atomic.Uint64
	plaintextOutBytes atomic.Uint64
	encryptedInBytes  atomic.Uint64
	encryptedOutBytes atomic.Uint64

	// Drop accounting by reason
	drops [dropReasonCount]atomic.Uint64

	// Rekey metrics
	rekeysInitiated atomic.Uint64
	rekeysCompleted atomic.Uint64
	rekeysFailed    atomic.Uint64
	lastRekeyNanos  atomic.Int64 // duration of the last successful rekey
	lastBlackout    atomic.Int64 // dataplane gap around the last install
	lastRekeyReason atomic.Value // string

	// Latency histograms
	handshakeLatency *Histogram
	encryptLatency   *Histogram
	decryptLatency   *Histogram

	createdAt time.Time
	labels    Labels
}

// Labels represents key-value pairs for metric labeling.
type Labels map[string]string

// Default bucket configurations for histograms.
var (
	// HandshakeLatencyBuckets for handshake duration (milliseconds).
	HandshakeLatencyBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

	// LatencyBuckets for encrypt/decrypt operations (microseconds).
	LatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// NewCollector creates a new metrics collector.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	c := &Collector{
		handshakeLatency: NewHistogram(HandshakeLatencyBuckets),
		encryptLatency:   NewHistogram(LatencyBuckets),
		decryptLatency:   NewHistogram(LatencyBuckets),
		createdAt:        time.Now(),
		labels:           labels,
	}
	c.lastRekeyReason.Store("")
	return c
}

// --- Dataplane Metrics ---

// RecordPlaintextIn counts a datagram read from the application socket.
func (c *Collector) RecordPlaintextIn(n int) {
	c.plaintextIn.Add(1)
	c.plaintextInBytes.Add(uint64(n))
}

// RecordPlaintextOut counts a decrypted datagram delivered to the application.
func (c *Collector) RecordPlaintextOut(n int) {
	c.plaintextOut.Add(1)
	c.plaintextOutBytes.Add(uint64(n))
}

// RecordEncryptedIn counts a datagram received from the peer.
func (c *Collector) RecordEncryptedIn(n int) {
	c.encryptedIn.Add(1)
	c.encryptedInBytes.Add(uint64(n))
}

// RecordEncryptedOut counts an encrypted datagram sent to the peer.
func (c *Collector) RecordEncryptedOut(n int) {
	c.encryptedOut.Add(1)
	c.encryptedOutBytes.Add(uint64(n))
}

// RecordDrop counts a discarded packet by reason.
func (c *Collector) RecordDrop(reason DropReason) {
	if reason < 0 || reason >= dropReasonCount {
		reason = DropOther
	}
	c.drops[reason].Add(1)
}

// --- Rekey Metrics ---

// RecordRekeyInitiated records the start of a rekey negotiation.
func (c *Collector) RecordRekeyInitiated(reason string) {
	c.rekeysInitiated.Add(1)
	c.lastRekeyReason.Store(reason)
}

// RecordRekeyCompleted records a successful epoch install. blackout is the
// dataplane gap between the last packet under the old epoch and the first
// under the new one.
func (c *Collector) RecordRekeyCompleted(duration, blackout time.Duration) {
	c.rekeysCompleted.Add(1)
	c.lastRekeyNanos.Store(int64(duration))
	c.lastBlackout.Store(int64(blackout))
}

// RecordRekeyFailed records a rekey attempt that did not install an epoch.
func (c *Collector) RecordRekeyFailed() {
	c.rekeysFailed.Add(1)
}

// --- Latency Metrics ---

// RecordHandshakeLatency records a handshake duration.
func (c *Collector) RecordHandshakeLatency(d time.Duration) {
	c.handshakeLatency.Observe(float64(d.Milliseconds()))
}

// RecordEncryptLatency records a packet seal duration.
func (c *Collector) RecordEncryptLatency(d time.Duration) {
	c.encryptLatency.Observe(float64(d.Microseconds()))
}

// RecordDecryptLatency records a packet open duration.
func (c *Collector) RecordDecryptLatency(d time.Duration) {
	c.decryptLatency.Observe(float64(d.Microseconds()))
}

// --- Snapshot ---

// DropCounts breaks drops down by reason.
type DropCounts struct {
	Replay     uint64 `json:"replay"`
	Auth       uint64 `json:"auth"`
	Header     uint64 `json:"header"`
	Epoch      uint64 `json:"epoch"`
	SourceAddr uint64 `json:"src_addr"`
	RateLimit  uint64 `json:"rate_limit"`
	Other      uint64 `json:"other"`
}

// Total sums every drop reason.
func (d DropCounts) Total() uint64 {
	return d.Replay + d.Auth + d.Header + d.Epoch + d.SourceAddr + d.RateLimit + d.Other
}

// Snapshot is a point-in-time copy of all metrics. It is embedded in the
// proxy status file, so field names are part of the operator interface.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime_ns"`

	PlaintextIn       uint64 `json:"ptx_in"`
	PlaintextOut      uint64 `json:"ptx_out"`
	EncryptedIn       uint64 `json:"enc_in"`
	EncryptedOut      uint64 `json:"enc_out"`
	PlaintextInBytes  uint64 `json:"ptx_in_bytes"`
	PlaintextOutBytes uint64 `json:"ptx_out_bytes"`
	EncryptedInBytes  uint64 `json:"enc_in_bytes"`
	EncryptedOutBytes uint64 `json:"enc_out_bytes"`

	Drops      DropCounts `json:"drops"`
	DropsTotal uint64     `json:"drops_total"`

	RekeysInitiated uint64        `json:"rekeys_initiated"`
	RekeysCompleted uint64        `json:"rekeys_ok"`
	RekeysFailed    uint64        `json:"rekeys_fail"`
	LastRekey       time.Duration `json:"last_rekey_ns"`
	LastBlackout    time.Duration `json:"last_blackout_ns"`
	LastRekeyReason string        `json:"last_rekey_reason,omitempty"`

	HandshakeLatency HistogramSummary `json:"handshake_latency"`
	EncryptLatency   HistogramSummary `json:"encrypt_latency"`
	DecryptLatency   HistogramSummary `json:"decrypt_latency"`

	Labels Labels `json:"labels,omitempty"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	drops := DropCounts{
		Replay:     c.drops[DropReplay].Load(),
		Auth:       c.drops[DropAuth].Load(),
		Header:     c.drops[DropHeader].Load(),
		Epoch:      c.drops[DropEpoch].Load(),
		SourceAddr: c.drops[DropSourceAddr].Load(),
		RateLimit:  c.drops[DropRateLimit].Load(),
		Other:      c.drops[DropOther].Load(),
	}
	reason, _ := c.lastRekeyReason.Load().(string)
	return Snapshot{
		Timestamp:         time.Now(),
		Uptime:            time.Since(c.createdAt),
		PlaintextIn:       c.plaintextIn.Load(),
		PlaintextOut:      c.plaintextOut.Load(),
		EncryptedIn:       c.encryptedIn.Load(),
		EncryptedOut:      c.encryptedOut.Load(),
		PlaintextInBytes:  c.plaintextInBytes.Load(),
		PlaintextOutBytes: c.plaintextOutBytes.Load(),
		EncryptedInBytes:  c.encryptedInBytes.Load(),
		EncryptedOutBytes: c.encryptedOutBytes.Load(),
		Drops:             drops,
		DropsTotal:        drops.Total(),
		RekeysInitiated:   c.rekeysInitiated.Load(),
		RekeysCompleted:   c.rekeysCompleted.Load(),
		RekeysFailed:      c.rekeysFailed.Load(),
		LastRekey:         time.Duration(c.lastRekeyNanos.Load()),
		LastBlackout:      time.Duration(c.lastBlackout.Load()),
		LastRekeyReason:   reason,
		HandshakeLatency:  c.handshakeLatency.Summary(),
		EncryptLatency:    c.encryptLatency.Summary(),
		DecryptLatency:    c.decryptLatency.Summary(),
		Labels:            c.labels,
	}
}

// Reset clears all metrics (useful for testing).
func (c *Collector) Reset() {
	c.plaintextIn.Store(0)
	c.plaintextOut.Store(0)
	c.encryptedIn.Store(0)
	c.encryptedOut.Store(0)
	c.plaintextInBytes.Store(0)
	c.plaintextOutBytes.Store(0)
	c.encryptedInBytes.Store(0)
	c.encryptedOutBytes.Store(0)
	for i := range c.drops {
		c.drops[i].Store(0)
	}
	c.rekeysInitiated.Store(0)
	c.rekeysCompleted.Store(0)
	c.rekeysFailed.Store(0)
	c.lastRekeyNanos.Store(0)
	c.lastBlackout.Store(0)
	c.lastRekeyReason.Store("")
	c.handshakeLatency.Reset()
	c.encryptLatency.Reset()
	c.decryptLatency.Reset()
	c.createdAt = time.Now()
}

// --- Global Collector ---

var (
	globalCollector     *Collector
	globalCollectorOnce sync.Once
)

// Global returns the global metrics collector.
// Creates one with default settings if not already initialized.
func Global() *Collector {
	globalCollectorOnce.Do(func() {
		globalCollector = NewCollector(Labels{"instance": "default"})
	})
	return globalCollector
}

// SetGlobal sets the global metrics collector.
// Should be called during initialization before any metrics are recorded.
func SetGlobal(c *Collector) {
	globalCollector = c
}
