// Package sender transmits stamped datagrams from concurrent paced clients.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/ratelimit"
	"github.com/zsiec/stgen/internal/stats"
	"github.com/zsiec/stgen/internal/wire"
)

// Payload fill patterns.
const (
	PatternZero     = "zero"
	PatternRandom   = "random"
	PatternSequence = "sequence"
)

// echoPollInterval is how often the drain checks for outstanding echoes.
const echoPollInterval = 10 * time.Millisecond

// DropFunc decides whether a datagram is skipped instead of transmitted.
type DropFunc func(client int, seq uint32) bool

// Sender runs the configured number of clients against one target.
type Sender struct {
	config    *config.SenderConfig
	codec     *wire.Codec
	clock     wire.Clock
	collector *stats.Collector
	logger    logger.Logger
	packetLog *logger.SampledLogger
	drop      DropFunc

	running atomic.Bool
	started time.Time
	sent    atomic.Uint64
	dropped atomic.Uint64
	faults  faultCounters
}

// New creates a sender. Run starts the clients.
func New(cfg *config.SenderConfig, codec *wire.Codec, collector *stats.Collector, log logger.Logger) *Sender {
	s := &Sender{
		config:    cfg,
		codec:     codec,
		clock:     wire.SystemClock{},
		collector: collector,
		logger:    log.WithField("component", "sender"),
	}
	s.packetLog = logger.NewPacketLogger(s.logger)
	return s
}

// SetClock replaces the send-time clock. Must be called before Run.
func (s *Sender) SetClock(c wire.Clock) {
	s.clock = c
}

// SetDropFunc replaces the probabilistic drop decision. Must be called before Run.
func (s *Sender) SetDropFunc(fn DropFunc) {
	s.drop = fn
}

// Running reports whether clients are active.
func (s *Sender) Running() bool {
	return s.running.Load()
}

// Sent returns the number of datagrams written so far across clients.
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}

// Dropped returns the number of sequence numbers consumed without
// transmitting so far across clients, for any injected reason.
func (s *Sender) Dropped() uint64 {
	return s.dropped.Load()
}

// Faults returns the injected failures so far by kind.
func (s *Sender) Faults() FaultStats {
	return s.faults.snapshot()
}

// Summary returns the run summary collected so far.
func (s *Sender) Summary() stats.Summary {
	return s.collector.Summary()
}

// Run dials every client and sends until the duration elapses, every client
// reached its count, or ctx is cancelled. Per-datagram failures are counted,
// not returned.
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sender already running")
	}
	defer s.running.Store(false)

	var cancel context.CancelFunc
	if s.config.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.Duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	clients := make([]*client, 0, s.config.Clients)
	for i := 0; i < s.config.Clients; i++ {
		c, err := s.newClient(i)
		if err != nil {
			for _, c := range clients {
				c.conn.Close()
			}
			return err
		}
		clients = append(clients, c)
	}

	s.logger.WithFields(map[string]interface{}{
		"target":       s.config.TargetAddr,
		"clients":      s.config.Clients,
		"rate":         s.config.Rate,
		"bandwidth":    s.config.Bandwidth,
		"duration":     s.config.Duration.String(),
		"count":        s.config.Count,
		"payload_size": s.config.PayloadSize,
		"expect_echo":  s.config.ExpectEcho,
	}).Info("Sender started")

	s.started = time.Now()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.run(ctx)
		}(c)
	}
	wg.Wait()

	s.collector.Finalize()
	faults := s.faults.snapshot()
	s.logger.WithFields(map[string]interface{}{
		"sent":            s.sent.Load(),
		"dropped":         s.dropped.Load(),
		"partition_drops": faults.PartitionDrops,
		"crash_drops":     faults.CrashDrops,
		"corrupted":       faults.Corrupted,
		"latency_spikes":  faults.Spikes,
	}).Info("Sender stopped")
	return nil
}

func (s *Sender) newClient(index int) (*client, error) {
	raddr, err := net.ResolveUDPAddr("udp", s.config.TargetAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target address: %w", err)
	}

	var laddr *net.UDPAddr
	if s.config.LocalAddr != "" {
		laddr, err = net.ResolveUDPAddr("udp", s.config.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local address: %w", err)
		}
		// Clients beyond the first need their own port
		if index > 0 && laddr.Port != 0 {
			laddr = &net.UDPAddr{IP: laddr.IP, Port: laddr.Port + index, Zone: laddr.Zone}
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", raddr, err)
	}

	c := &client{
		sender:    s,
		index:     index,
		id:        fmt.Sprintf("client-%d", index),
		conn:      conn,
		bandwidth: ratelimit.New(s.config.Bandwidth),
		seq:       s.config.StartSeq,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(index))),
	}
	c.log = s.logger.WithField("client_id", c.id)

	limit := rate.Limit(s.config.Rate)
	if s.config.Rate <= 0 {
		limit = rate.Inf
	}
	burst := s.config.Burst
	if burst <= 0 {
		burst = 1
	}
	c.pacer = rate.NewLimiter(limit, burst)

	if s.config.BufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.BufferSize); err != nil {
			c.log.WithError(err).Warn("Failed to set write buffer size")
		}
		if s.config.ExpectEcho {
			if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
				c.log.WithError(err).Warn("Failed to set read buffer size")
			}
		}
	}

	if s.config.TOS > 0 {
		if err := setTOS(conn, raddr, s.config.TOS); err != nil {
			c.log.WithError(err).Warn("Failed to set TOS")
		}
	}

	c.buf = make([]byte, wire.HeaderSize+s.config.PayloadSize)
	fillPayload(c.buf[wire.HeaderSize:], s.config.PayloadPattern, index)

	return c, nil
}

// setTOS marks outgoing datagrams with the IPv4 TOS byte or IPv6 traffic class.
func setTOS(conn *net.UDPConn, raddr *net.UDPAddr, tos int) error {
	if raddr.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTOS(tos)
	}
	return ipv6.NewConn(conn).SetTrafficClass(tos)
}

// fillPayload writes the configured pattern into p.
func fillPayload(p []byte, pattern string, seed int) {
	switch pattern {
	case PatternRandom:
		var key [32]byte
		key[0] = byte(seed)
		key[1] = byte(seed >> 8)
		now := uint64(time.Now().UnixNano())
		for i := 0; i < 8; i++ {
			key[8+i] = byte(now >> (8 * i))
		}
		rand.NewChaCha8(key).Read(p)
	case PatternSequence:
		for i := range p {
			p[i] = byte(i % 256)
		}
	default:
		clear(p)
	}
}
