package metrics

import (
	"math"
	"sort"
	"sync"
)

// Histogram tracks a value distribution across fixed buckets. The proxy
// feeds it operation latencies in milliseconds, so bucket layouts are
// chosen per operation (a KEM handshake and an AEAD seal live three orders
// of magnitude apart). Safe for concurrent use.
type Histogram struct {
	mu      sync.RWMutex
	bounds  []float64 // Upper bounds, ascending.
	counts  []uint64  // One per bound plus an overflow slot.
	sum     float64
	total   uint64
	minSeen float64
	maxSeen float64
}

// NewHistogram creates a histogram over the given upper bounds. The bounds
// are copied and sorted, so callers may share a bucket slice.
func NewHistogram(bounds []float64) *Histogram {
	b := make([]float64, len(bounds))
	copy(b, bounds)
	sort.Float64s(b)

	return &Histogram{
		bounds:  b,
		counts:  make([]uint64, len(b)+1),
		minSeen: math.MaxFloat64,
		maxSeen: -math.MaxFloat64,
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.total++
	if v < h.minSeen {
		h.minSeen = v
	}
	if v > h.maxSeen {
		h.maxSeen = v
	}
}

// HistogramSummary is the snapshot form of a histogram, embedded in status
// reports and the telemetry endpoint.
type HistogramSummary struct {
	Count       uint64              `json:"count"`
	Sum         float64             `json:"sum"`
	Min         float64             `json:"min"`
	Max         float64             `json:"max"`
	Mean        float64             `json:"mean"`
	Buckets     []BucketCount       `json:"buckets"`
	Percentiles map[float64]float64 `json:"percentiles,omitempty"`
}

// BucketCount pairs a bucket upper bound with its cumulative count.
type BucketCount struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Summary snapshots the histogram. An empty histogram summarizes to zero
// values rather than NaNs so the JSON stays well formed.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.total == 0 {
		return HistogramSummary{
			Buckets:     make([]BucketCount, 0),
			Percentiles: make(map[float64]float64),
		}
	}

	buckets := make([]BucketCount, len(h.bounds)+1)
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += h.counts[i]
		buckets[i] = BucketCount{UpperBound: bound, Count: cumulative}
	}
	cumulative += h.counts[len(h.bounds)]
	buckets[len(h.bounds)] = BucketCount{UpperBound: math.Inf(1), Count: cumulative}

	return HistogramSummary{
		Count:       h.total,
		Sum:         h.sum,
		Min:         h.minSeen,
		Max:         h.maxSeen,
		Mean:        h.sum / float64(h.total),
		Buckets:     buckets,
		Percentiles: h.estimatePercentiles([]float64{0.5, 0.9, 0.95, 0.99}),
	}
}

// estimatePercentiles interpolates percentiles from bucket counts. The
// estimate is only as fine as the bucket layout; the overflow bucket
// reports the observed maximum since it has no upper bound to
// interpolate toward.
func (h *Histogram) estimatePercentiles(ps []float64) map[float64]float64 {
	result := make(map[float64]float64, len(ps))
	if h.total == 0 {
		return result
	}

	for _, p := range ps {
		rank := p * float64(h.total)
		var cumulative uint64

		for i, c := range h.counts {
			cumulative += c
			if float64(cumulative) < rank {
				continue
			}
			switch {
			case i == 0:
				result[p] = h.bounds[0] / 2
			case i >= len(h.bounds):
				result[p] = h.maxSeen
			default:
				lower := h.bounds[i-1]
				upper := h.bounds[i]
				before := cumulative - c
				fraction := (rank - float64(before)) / float64(c)
				result[p] = lower + fraction*(upper-lower)
			}
			break
		}
	}
	return result
}

// Reset clears all recorded data. Bucket bounds are kept.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.counts {
		h.counts[i] = 0
	}
	h.sum = 0
	h.total = 0
	h.minSeen = math.MaxFloat64
	h.maxSeen = -math.MaxFloat64
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Mean returns the mean of all observations, zero when empty.
func (h *Histogram) Mean() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.total == 0 {
		return 0
	}
	return h.sum / float64(h.total)
}
