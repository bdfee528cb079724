package stats

import (
	"sort"
	"sync"
)

// Histogram is a fixed-width bucket histogram over [min, max) with
// underflow and overflow counters.
type Histogram struct {
	min, max  float64
	width     float64
	buckets   []uint64
	underflow uint64
	overflow  uint64
	count     uint64
	sum       float64
}

// HistogramStats is a summary view of a Histogram.
type HistogramStats struct {
	Count     uint64  `json:"count" yaml:"count"`
	Sum       float64 `json:"sum" yaml:"sum"`
	Mean      float64 `json:"mean" yaml:"mean"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Underflow uint64  `json:"underflow" yaml:"underflow"`
	Overflow  uint64  `json:"overflow" yaml:"overflow"`
}

// NewHistogram creates a histogram. numBuckets < 1 is treated as 1.
func NewHistogram(min, max float64, numBuckets int) *Histogram {
	if numBuckets < 1 {
		numBuckets = 1
	}
	if max <= min {
		max = min + 1
	}
	return &Histogram{
		min:     min,
		max:     max,
		width:   (max - min) / float64(numBuckets),
		buckets: make([]uint64, numBuckets),
	}
}

// Add records a value.
func (h *Histogram) Add(v float64) {
	h.count++
	h.sum += v

	if v < h.min {
		h.underflow++
		return
	}
	if v >= h.max {
		h.overflow++
		return
	}

	idx := int((v - h.min) / h.width)
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	h.buckets[idx]++
}

// Percentile estimates the p-th percentile (0-100) by linear interpolation
// inside the bucket that crosses the target rank.
func (h *Histogram) Percentile(p float64) float64 {
	if h.count == 0 {
		return 0
	}

	target := p / 100 * float64(h.count)
	cumulative := float64(h.underflow)

	for i, c := range h.buckets {
		cumulative += float64(c)
		if cumulative >= target {
			start := h.min + float64(i)*h.width
			if c == 0 {
				return start
			}
			fraction := (cumulative - target) / float64(c)
			return start + h.width - fraction*h.width
		}
	}

	return h.max
}

// Mean returns the arithmetic mean of all added values.
func (h *Histogram) Mean() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Stats returns a summary of the histogram.
func (h *Histogram) Stats() HistogramStats {
	return HistogramStats{
		Count:     h.count,
		Sum:       h.sum,
		Mean:      h.Mean(),
		Min:       h.min,
		Max:       h.max,
		Underflow: h.underflow,
		Overflow:  h.overflow,
	}
}

// StreamingPercentile keeps the most recent samples in a bounded ring and
// computes percentiles over them.
type StreamingPercentile struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	sorted  []float64
	valid   bool
}

// NewStreamingPercentile creates a calculator keeping at most size samples.
func NewStreamingPercentile(size int) *StreamingPercentile {
	if size < 1 {
		size = 1
	}
	return &StreamingPercentile{samples: make([]float64, 0, size)}
}

// Add records a sample, evicting the oldest once the ring is full.
func (s *StreamingPercentile) Add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		s.samples = append(s.samples, v)
		if len(s.samples) == cap(s.samples) {
			s.full = true
		}
	} else {
		s.samples[s.next] = v
		s.next = (s.next + 1) % len(s.samples)
	}
	s.valid = false
}

// Len returns the number of retained samples.
func (s *StreamingPercentile) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Percentile returns the sample at rank int(p/100*n), clamped to the range.
func (s *StreamingPercentile) Percentile(p float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0
	}
	s.ensureSorted()

	idx := int(p / 100 * float64(len(s.sorted)))
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.sorted)-1 {
		idx = len(s.sorted) - 1
	}
	return s.sorted[idx]
}

// MinMax returns the smallest and largest retained samples.
func (s *StreamingPercentile) MinMax() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0, 0
	}
	s.ensureSorted()
	return s.sorted[0], s.sorted[len(s.sorted)-1]
}

func (s *StreamingPercentile) ensureSorted() {
	if s.valid {
		return
	}
	s.sorted = append(s.sorted[:0], s.samples...)
	sort.Float64s(s.sorted)
	s.valid = true
}
