package receiver

import (
	"math"
	"net"
	"sync"
	"time"
)

// Session is the receiver state for one source address.
type Session struct {
	id      string
	addr    *net.UDPAddr
	tracker *LossTracker
	timeout time.Duration

	mu          sync.Mutex
	firstSeen   time.Time
	lastSeen    time.Time
	packets     uint64
	bytes       uint64
	clockSkew   uint64
	lastLatency time.Duration

	// RFC 3550 interarrival jitter, in microseconds
	jitter      float64
	lastTransit int64
	haveTransit bool
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Packets       uint64    `json:"packets"`
	Bytes         uint64    `json:"bytes"`
	ClockSkew     uint64    `json:"clock_skew"`
	LastLatencyMS float64   `json:"last_latency_ms"`
	JitterMS      float64   `json:"jitter_ms"`
	Active        bool      `json:"active"`
	Loss          LossStats `json:"loss"`
}

func newSession(addr *net.UDPAddr, maxGap, reorderWindow int, timeout time.Duration, now time.Time) *Session {
	return &Session{
		id:        addr.String(),
		addr:      addr,
		tracker:   NewLossTracker(maxGap, reorderWindow),
		timeout:   timeout,
		firstSeen: now,
		lastSeen:  now,
	}
}

// ID returns the source ip:port.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the source address.
func (s *Session) Addr() *net.UDPAddr {
	return s.addr
}

// Tracker returns the session loss tracker.
func (s *Session) Tracker() *LossTracker {
	return s.tracker
}

// observe accounts for one accepted datagram and updates jitter from its transit time.
func (s *Session) observe(size int, sendUS, recvUS uint64, latency time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = now
	s.packets++
	s.bytes += uint64(size)
	s.lastLatency = latency

	transit := int64(recvUS - sendUS)
	if s.haveTransit {
		d := math.Abs(float64(transit - s.lastTransit))
		s.jitter += (d - s.jitter) / 16
	}
	s.lastTransit = transit
	s.haveTransit = true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) recordClockSkew() {
	s.mu.Lock()
	s.clockSkew++
	s.mu.Unlock()
}

// Jitter returns the smoothed interarrival jitter.
func (s *Session) Jitter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.jitter * float64(time.Microsecond))
}

// IsActive reports whether the session has seen traffic within its timeout.
func (s *Session) IsActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) <= s.timeout
}

// Snapshot returns the current session state.
func (s *Session) Snapshot(now time.Time) SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.addr.String(),
		FirstSeen:     s.firstSeen,
		LastSeen:      s.lastSeen,
		Packets:       s.packets,
		Bytes:         s.bytes,
		ClockSkew:     s.clockSkew,
		LastLatencyMS: float64(s.lastLatency) / float64(time.Millisecond),
		JitterMS:      s.jitter / 1000,
		Active:        now.Sub(s.lastSeen) <= s.timeout,
	}
	s.mu.Unlock()

	info.Loss = s.tracker.GetStats()
	return info
}
