package stats

import (
	"sort"
	"sync"
	"time"
)

const maxRetainedErrors = 100

// Options configures a Collector.
type Options struct {
	RunID           string
	Role            string
	MaxSamples      int     // retained latency samples for percentiles
	ClientSamples   int     // retained latency samples per client
	HistogramMinMS  float64 // histogram lower bound in milliseconds
	HistogramMaxMS  float64 // histogram upper bound in milliseconds
	HistogramBucket int     // number of histogram buckets

	// SendOnly marks runs that never observe deliveries (a sender without
	// echo). Loss is then lost/(sent+lost), lost being skipped sequences.
	SendOnly bool
}

// DefaultOptions returns the collector defaults: 100k samples, 0-1000ms in 100 buckets.
func DefaultOptions() Options {
	return Options{
		MaxSamples:      100000,
		ClientSamples:   10000,
		HistogramMinMS:  0,
		HistogramMaxMS:  1000,
		HistogramBucket: 100,
	}
}

type clientStats struct {
	count     uint64
	errors    uint64
	latencies *StreamingPercentile
	sumMS     float64
	minMS     float64
	maxMS     float64
}

// Collector accumulates counters and latency samples for one run.
// It is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	runID string
	role  string
	start time.Time
	end   time.Time

	sent       uint64
	received   uint64
	lost       uint64
	dropped    uint64 // lost before transmission, part of the attempts
	recovered  uint64
	duplicates uint64
	bytesSent  uint64
	bytesRecv  uint64

	latencies *StreamingPercentile
	histogram *Histogram
	latSumMS  float64
	latMinMS  float64
	latMaxMS  float64
	latCount  uint64

	errorTypes map[string]uint64
	errorCount uint64
	errors     []string

	clients       map[string]*clientStats
	clientSamples int
	sendOnly      bool

	now func() time.Time
}

// NewCollector creates a collector and starts its clock.
func NewCollector(opts Options) *Collector {
	def := DefaultOptions()
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.ClientSamples <= 0 {
		opts.ClientSamples = def.ClientSamples
	}
	if opts.HistogramBucket <= 0 {
		opts.HistogramBucket = def.HistogramBucket
	}
	if opts.HistogramMaxMS <= opts.HistogramMinMS {
		opts.HistogramMinMS = def.HistogramMinMS
		opts.HistogramMaxMS = def.HistogramMaxMS
	}

	c := &Collector{
		runID:         opts.RunID,
		role:          opts.Role,
		latencies:     NewStreamingPercentile(opts.MaxSamples),
		histogram:     NewHistogram(opts.HistogramMinMS, opts.HistogramMaxMS, opts.HistogramBucket),
		errorTypes:    make(map[string]uint64),
		clients:       make(map[string]*clientStats),
		clientSamples: opts.ClientSamples,
		sendOnly:      opts.SendOnly,
		now:           time.Now,
	}
	c.start = c.now()
	return c
}

// RunID returns the identifier of the run being collected.
func (c *Collector) RunID() string {
	return c.runID
}

// RecordSend counts one transmitted datagram of n bytes.
func (c *Collector) RecordSend(n int) {
	c.mu.Lock()
	c.sent++
	c.bytesSent += uint64(n)
	c.mu.Unlock()
}

// RecordRecv counts one received datagram of n bytes.
func (c *Collector) RecordRecv(n int) {
	c.mu.Lock()
	c.received++
	c.bytesRecv += uint64(n)
	c.mu.Unlock()
}

// RecordLoss counts n datagrams detected as lost.
func (c *Collector) RecordLoss(n uint64) {
	c.mu.Lock()
	c.lost += n
	c.mu.Unlock()
}

// RecordDrop counts n datagrams skipped by the sender before transmission.
// They are lost and count as attempted sends.
func (c *Collector) RecordDrop(n uint64) {
	c.mu.Lock()
	c.lost += n
	c.dropped += n
	c.mu.Unlock()
}

// RecordRecovered counts n datagrams that arrived after being counted lost.
// They are removed from the loss count.
func (c *Collector) RecordRecovered(n uint64) {
	c.mu.Lock()
	c.recovered += n
	if c.lost >= n {
		c.lost -= n
	} else {
		c.lost = 0
	}
	c.mu.Unlock()
}

// RecordDuplicate counts a datagram whose sequence was already seen.
func (c *Collector) RecordDuplicate() {
	c.mu.Lock()
	c.duplicates++
	c.mu.Unlock()
}

// RecordLatency records one latency sample, attributed to clientID when non-empty.
func (c *Collector) RecordLatency(d time.Duration, clientID string) {
	ms := float64(d) / float64(time.Millisecond)

	c.latencies.Add(ms)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.histogram.Add(ms)
	if c.latCount == 0 || ms < c.latMinMS {
		c.latMinMS = ms
	}
	if c.latCount == 0 || ms > c.latMaxMS {
		c.latMaxMS = ms
	}
	c.latSumMS += ms
	c.latCount++

	if clientID == "" {
		return
	}
	cs := c.client(clientID)
	if cs.count == 0 || ms < cs.minMS {
		cs.minMS = ms
	}
	if cs.count == 0 || ms > cs.maxMS {
		cs.maxMS = ms
	}
	cs.count++
	cs.sumMS += ms
	cs.latencies.Add(ms)
}

// RecordError counts an error of the given type.
func (c *Collector) RecordError(errType, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCount++
	c.errorTypes[errType]++
	entry := errType
	if message != "" {
		entry += ": " + message
	}
	if len(c.errors) >= maxRetainedErrors {
		copy(c.errors, c.errors[1:])
		c.errors = c.errors[:len(c.errors)-1]
	}
	c.errors = append(c.errors, entry)
}

// RecordClientError counts an error attributed to a client.
func (c *Collector) RecordClientError(clientID, errType, message string) {
	c.RecordError(errType, message)

	c.mu.Lock()
	c.client(clientID).errors++
	c.mu.Unlock()
}

// Finalize stops the run clock. Further records are still accepted.
func (c *Collector) Finalize() {
	c.mu.Lock()
	if c.end.IsZero() {
		c.end = c.now()
	}
	c.mu.Unlock()
}

// SetWindow fixes the run interval, for offline analysis where the
// observation times come from the input rather than the wall clock.
func (c *Collector) SetWindow(start, end time.Time) {
	c.mu.Lock()
	c.start = start
	c.end = end
	c.mu.Unlock()
}

// Errors returns the most recent error messages.
func (c *Collector) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.errors))
	copy(out, c.errors)
	return out
}

// Summary computes the run summary.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	end := c.end
	if end.IsZero() {
		end = c.now()
	}
	duration := end.Sub(c.start).Seconds()

	s := Summary{
		RunID:         c.runID,
		Role:          c.role,
		StartedAt:     c.start,
		EndedAt:       end,
		DurationSec:   duration,
		Sent:          c.sent,
		Received:      c.received,
		Lost:          c.lost,
		Dropped:       c.dropped,
		Recovered:     c.recovered,
		Duplicates:    c.duplicates,
		BytesSent:     c.bytesSent,
		BytesReceived: c.bytesRecv,
		Errors:        c.errorCount,
		ErrorTypes:    make(map[string]uint64, len(c.errorTypes)),
		Histogram:     c.histogram.Stats(),
	}
	for k, v := range c.errorTypes {
		s.ErrorTypes[k] = v
	}
	if c.latCount > 0 {
		s.Latency.MeanMS = c.latSumMS / float64(c.latCount)
		s.Latency.MinMS = c.latMinMS
		s.Latency.MaxMS = c.latMaxMS
	}
	s.Latency.Samples = c.latCount

	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sendOnly := c.sendOnly
	c.mu.Unlock()

	switch {
	case sendOnly:
		s.Loss = LossRatio(0, s.Sent, s.Lost)
	case s.Sent > 0:
		s.Loss = LossRatio(s.Sent+s.Dropped, s.Received, s.Lost)
	default:
		s.Loss = LossRatio(0, s.Received, s.Lost)
	}
	if duration > 0 {
		s.ThroughputPPS = float64(s.Received) / duration
		if s.Received == 0 {
			s.ThroughputPPS = float64(s.Sent) / duration
		}
		bytes := s.BytesReceived
		if bytes == 0 {
			bytes = s.BytesSent
		}
		s.ThroughputBps = float64(bytes) * 8 / duration
	}

	s.Latency.P50MS = c.latencies.Percentile(50)
	s.Latency.P75MS = c.latencies.Percentile(75)
	s.Latency.P90MS = c.latencies.Percentile(90)
	s.Latency.P95MS = c.latencies.Percentile(95)
	s.Latency.P99MS = c.latencies.Percentile(99)

	sort.Strings(ids)
	for _, id := range ids {
		if cs, ok := c.ClientSummary(id); ok {
			s.Clients = append(s.Clients, cs)
		}
	}

	return s
}

// ClientSummary returns per-client statistics.
func (c *Collector) ClientSummary(clientID string) (ClientSummary, bool) {
	c.mu.Lock()
	cs, ok := c.clients[clientID]
	if !ok {
		c.mu.Unlock()
		return ClientSummary{}, false
	}
	count, errs, sum := cs.count, cs.errors, cs.sumMS
	minMS, maxMS := cs.minMS, cs.maxMS
	lat := cs.latencies
	c.mu.Unlock()

	out := ClientSummary{
		ClientID:    clientID,
		PacketCount: count,
		ErrorCount:  errs,
	}
	if count > 0 {
		out.MinMS, out.MaxMS = minMS, maxMS
		out.AvgMS = sum / float64(count)
		out.P50MS = lat.Percentile(50)
		out.P95MS = lat.Percentile(95)
	}
	return out, true
}

func (c *Collector) client(id string) *clientStats {
	cs, ok := c.clients[id]
	if !ok {
		cs = &clientStats{latencies: NewStreamingPercentile(c.clientSamples)}
		c.clients[id] = cs
	}
	return cs
}

// LossRatio is 1 - received/sent when the sent count is known, otherwise
// lost/(received+lost). The result is clamped to [0, 1].
func LossRatio(sent, received, lost uint64) float64 {
	var ratio float64
	switch {
	case sent > 0:
		ratio = 1 - float64(received)/float64(sent)
	case received+lost > 0:
		ratio = float64(lost) / float64(received+lost)
	}
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
