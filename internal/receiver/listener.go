package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/metrics"
	"github.com/zsiec/stgen/internal/stats"
	"github.com/zsiec/stgen/internal/wire"
)

// ErrSessionLimit is returned when a new source arrives while max_sessions are tracked.
var ErrSessionLimit = errors.New("session limit reached")

// readBufferSize fits the largest UDP payload.
const readBufferSize = 64 * 1024

// Listener receives stgen datagrams, tracks one session per source and feeds
// a stats.Collector.
type Listener struct {
	config    *config.ReceiverConfig
	codec     *wire.Codec
	clock     wire.Clock
	collector *stats.Collector
	logger    logger.Logger
	packetLog *logger.SampledLogger
	recvLog   *RecvLog

	conn     *net.UDPConn
	sessions map[string]*Session
	mu       sync.RWMutex
	running  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Configurable for testing
	cleanupInterval time.Duration
	sessionTimeout  time.Duration
}

// NewListener creates a receiver. Call Start to bind the socket.
func NewListener(cfg *config.ReceiverConfig, codec *wire.Codec, collector *stats.Collector, log logger.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		config:          cfg,
		codec:           codec,
		clock:           wire.SystemClock{},
		collector:       collector,
		logger:          log.WithField("component", "receiver"),
		sessions:        make(map[string]*Session),
		ctx:             ctx,
		cancel:          cancel,
		cleanupInterval: 5 * time.Second,
		sessionTimeout:  30 * time.Second,
	}
	l.packetLog = logger.NewPacketLogger(l.logger)

	if cfg.SessionTimeout > 0 {
		l.sessionTimeout = cfg.SessionTimeout
		if cfg.SessionTimeout/2 < l.cleanupInterval {
			l.cleanupInterval = cfg.SessionTimeout / 2
		}
	}

	return l
}

// SetClock replaces the receive-time clock. Must be called before Start.
func (l *Listener) SetClock(c wire.Clock) {
	l.clock = c
}

// SetTestTimeouts sets shorter timeouts for testing
func (l *Listener) SetTestTimeouts(cleanupInterval, sessionTimeout time.Duration) {
	l.cleanupInterval = cleanupInterval
	l.sessionTimeout = sessionTimeout
}

// Start binds the UDP socket and starts the read and cleanup loops.
func (l *Listener) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(l.config.ListenAddr, fmt.Sprint(l.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if l.config.BufferSize > 0 {
		if err := conn.SetReadBuffer(l.config.BufferSize); err != nil {
			l.logger.WithError(err).Warn("Failed to set read buffer size")
		}
		if l.config.Echo {
			if err := conn.SetWriteBuffer(l.config.BufferSize); err != nil {
				l.logger.WithError(err).Warn("Failed to set write buffer size")
			}
		}
	}

	if l.config.RecvLog != "" {
		rl, err := OpenRecvLog(l.config.RecvLog)
		if err != nil {
			conn.Close()
			return err
		}
		l.recvLog = rl
	}

	l.conn = conn
	l.running.Store(true)

	l.logger.WithFields(map[string]interface{}{
		"address":      conn.LocalAddr().String(),
		"echo":         l.config.Echo,
		"recv_log":     l.config.RecvLog,
		"max_sessions": l.config.MaxSessions,
	}).Info("Receiver started")

	l.wg.Add(2)
	go l.readLoop()
	go l.cleanupSessions()

	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (l *Listener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}
	l.logger.Info("Stopping receiver")
	l.cancel()

	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()

	var err error
	if l.recvLog != nil {
		err = l.recvLog.Close()
	}

	l.mu.Lock()
	for id := range l.sessions {
		metrics.RemoveSession(id)
	}
	l.mu.Unlock()
	metrics.SetActiveSessions(0)

	l.collector.Finalize()
	l.logger.Info("Receiver stopped")
	return err
}

// Addr returns the bound socket address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Running reports whether the read loop is active.
func (l *Listener) Running() bool {
	return l.running.Load()
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	metrics.IncrementGoroutineCreated("receiver_read")
	defer metrics.IncrementGoroutineDestroyed("receiver_read")

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.collector.RecordError("read_error", err.Error())
			metrics.IncrementError("read_error")
			l.logger.WithError(err).Error("Failed to read datagram")
			continue
		}

		l.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram processes one received datagram. b is only valid for the call.
func (l *Listener) handleDatagram(b []byte, addr *net.UDPAddr) {
	recvUS := l.clock.NowMicros()
	now := time.Now()

	dg, err := l.codec.Parse(b)
	if err != nil {
		l.recordError("", "short_datagram", fmt.Sprintf("%d bytes from %s", len(b), addr))
		l.packetLog.WarnWithCategory(logger.CategoryShortDatagram, "Dropped short datagram", map[string]interface{}{
			"bytes":       len(b),
			"remote_addr": addr.String(),
		})
		return
	}

	session, err := l.session(addr, now)
	if err != nil {
		l.recordError("", "session_limit", addr.String())
		l.packetLog.WarnWithCategory(logger.CategorySession, "Session limit reached, dropping datagram", map[string]interface{}{
			"remote_addr":  addr.String(),
			"max_sessions": l.config.MaxSessions,
		})
		return
	}

	res, err := session.tracker.ProcessSequence(dg.Seq)
	switch {
	case errors.Is(err, ErrDuplicate):
		session.touch(now)
		l.collector.RecordDuplicate()
		metrics.RecordDuplicate()
		l.recordError(session.id, "duplicate", err.Error())
		l.packetLog.DebugWithCategory(logger.CategoryDuplicate, "Duplicate datagram", map[string]interface{}{
			"session_id": session.id,
			"seq":        dg.Seq,
		})
		return
	case errors.Is(err, ErrLateDatagram):
		session.touch(now)
		l.recordError(session.id, "late", err.Error())
		l.packetLog.DebugWithCategory(logger.CategoryLate, "Late datagram", map[string]interface{}{
			"session_id": session.id,
			"seq":        dg.Seq,
		})
		return
	case errors.Is(err, ErrSequenceReset):
		l.recordError(session.id, "sequence_reset", err.Error())
		l.packetLog.WarnWithCategory(logger.CategoryReset, "Sequence reset", map[string]interface{}{
			"session_id": session.id,
			"seq":        dg.Seq,
		})
	}

	if res.Lost > 0 {
		l.collector.RecordLoss(res.Lost)
		metrics.RecordLost(res.Lost)
		l.packetLog.DebugWithCategory(logger.CategoryLoss, "Sequence gap", map[string]interface{}{
			"session_id": session.id,
			"seq":        dg.Seq,
			"lost":       res.Lost,
		})
	}
	if res.Recovered {
		l.collector.RecordRecovered(1)
		metrics.RecordRecovered()
	}

	l.collector.RecordRecv(len(b))
	metrics.RecordReceived(len(b))

	latency := wire.Latency(dg.SendTimeUS, recvUS)
	if latency < 0 {
		session.recordClockSkew()
		l.recordError(session.id, "clock_skew", fmt.Sprintf("seq %d latency %s", dg.Seq, latency))
		l.packetLog.WarnWithCategory(logger.CategoryClockSkew, "Negative latency, sender clock ahead", map[string]interface{}{
			"session_id": session.id,
			"seq":        dg.Seq,
			"latency_us": latency.Microseconds(),
		})
	} else {
		l.collector.RecordLatency(latency, session.id)
		metrics.ObserveLatency(latency)
	}

	session.observe(len(b), dg.SendTimeUS, recvUS, latency, now)
	metrics.SetSessionJitter(session.id, session.Jitter())

	if l.recvLog != nil {
		if err := l.recvLog.Write(dg.Seq, latency); err != nil {
			l.logger.WithError(err).Error("Failed to write recv log")
		}
	}

	if l.config.Echo {
		if _, err := l.conn.WriteToUDP(b, addr); err != nil {
			l.recordError(session.id, "send_error", err.Error())
			l.packetLog.WarnWithCategory(logger.CategorySend, "Echo failed", map[string]interface{}{
				"session_id": session.id,
				"error":      err.Error(),
			})
		}
	}
}

func (l *Listener) recordError(sessionID, errType, msg string) {
	if sessionID != "" {
		l.collector.RecordClientError(sessionID, errType, msg)
	} else {
		l.collector.RecordError(errType, msg)
	}
	metrics.IncrementError(errType)
}

// session returns the session for addr, creating it if the limit allows.
func (l *Listener) session(addr *net.UDPAddr, now time.Time) (*Session, error) {
	key := addr.String()

	l.mu.RLock()
	s, ok := l.sessions[key]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Check again in case the cleanup loop raced us
	if s, ok := l.sessions[key]; ok {
		return s, nil
	}
	if l.config.MaxSessions > 0 && len(l.sessions) >= l.config.MaxSessions {
		return nil, fmt.Errorf("%w: %d", ErrSessionLimit, l.config.MaxSessions)
	}

	// The address is reused by the read loop, keep a copy
	a := &net.UDPAddr{IP: append(net.IP(nil), addr.IP...), Port: addr.Port, Zone: addr.Zone}
	s = newSession(a, l.config.MaxSequenceGap, l.config.ReorderWindow, l.sessionTimeout, now)
	l.sessions[key] = s
	metrics.SetActiveSessions(len(l.sessions))

	l.packetLog.InfoWithCategory(logger.CategorySession, "New session", map[string]interface{}{
		"session_id": key,
	})
	return s, nil
}

func (l *Listener) cleanupSessions() {
	defer l.wg.Done()
	metrics.IncrementGoroutineCreated("receiver_cleanup")
	defer metrics.IncrementGoroutineDestroyed("receiver_cleanup")

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *Listener) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, s := range l.sessions {
		if s.IsActive(now) {
			continue
		}
		info := s.Snapshot(now)
		l.logger.WithFields(map[string]interface{}{
			"session_id": key,
			"packets":    info.Packets,
			"lost":       info.Loss.Lost,
		}).Info("Session timed out")
		delete(l.sessions, key)
		metrics.RemoveSession(key)
		evicted++
	}
	metrics.SetActiveSessions(len(l.sessions))
	return evicted
}

// ActiveSessions returns the number of tracked sessions.
func (l *Listener) ActiveSessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Sessions returns snapshots of all tracked sessions ordered by id.
func (l *Listener) Sessions() []SessionInfo {
	l.mu.RLock()
	list := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		list = append(list, s)
	}
	l.mu.RUnlock()

	now := time.Now()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns a snapshot of one session.
func (l *Listener) Session(id string) (SessionInfo, bool) {
	l.mu.RLock()
	s, ok := l.sessions[id]
	l.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.Snapshot(time.Now()), true
}

// Summary returns the run summary collected so far.
func (l *Listener) Summary() stats.Summary {
	return l.collector.Summary()
}

// FlushRecvLog forces buffered recv.log lines to disk.
func (l *Listener) FlushRecvLog() error {
	if l.recvLog == nil {
		return nil
	}
	return l.recvLog.Flush()
}
