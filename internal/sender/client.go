package sender

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/metrics"
	"github.com/zsiec/stgen/internal/ratelimit"
	"github.com/zsiec/stgen/internal/wire"
)

// client owns one connected socket and one sequence space.
type client struct {
	sender    *Sender
	index     int
	id        string
	conn      *net.UDPConn
	log       logger.Logger
	pacer     *rate.Limiter
	bandwidth ratelimit.Limiter
	rng       *rand.Rand

	buf       []byte // header followed by the fixed payload
	scratch   []byte // corrupted copy of buf
	seq       uint32
	attempted uint64
	down      bool

	outstanding atomic.Int64
	echoes      atomic.Uint64
}

func (c *client) run(ctx context.Context) {
	metrics.IncrementActiveClients()
	defer metrics.DecrementActiveClients()
	metrics.IncrementGoroutineCreated("sender_client")
	defer metrics.IncrementGoroutineDestroyed("sender_client")

	var readerWG sync.WaitGroup
	if c.sender.config.ExpectEcho {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			c.readEchoes()
		}()
	}

	c.sendLoop(ctx)

	if c.sender.config.ExpectEcho {
		c.drainEchoes(c.sender.config.EchoTimeout)
	}
	c.conn.Close()
	readerWG.Wait()

	c.log.WithFields(map[string]interface{}{
		"attempted": c.attempted,
		"echoes":    c.echoes.Load(),
		"next_seq":  c.seq,
	}).Debug("Client finished")
}

func (c *client) sendLoop(ctx context.Context) {
	cfg := c.sender.config
	size := len(c.buf)

	for cfg.Count == 0 || c.attempted < cfg.Count {
		if err := c.pacer.Wait(ctx); err != nil {
			return
		}
		if err := c.bandwidth.Wait(ctx, size); err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Error("Bandwidth limiter rejected datagram")
			}
			return
		}

		seq := c.seq
		c.seq++
		c.attempted++

		if fault := c.dropFault(seq); fault != "" {
			c.sender.dropped.Add(1)
			c.recordFault(fault)
			c.sender.collector.RecordDrop(1)
			continue
		}

		if c.sender.config.ExpectEcho {
			c.outstanding.Add(1)
		}

		// Stamp as late as possible
		h := wire.Header{Seq: seq, SendTimeUS: c.sender.clock.NowMicros()}
		if err := c.sender.codec.PutHeader(c.buf, h); err != nil {
			c.log.WithError(err).Error("Failed to encode header")
			return
		}

		out := c.buf
		if c.shouldCorrupt() {
			out = c.corrupt(c.buf)
			c.recordFault(FaultCorrupt)
		}
		// A spike delays the datagram after stamping so the receiver sees it.
		if c.shouldSpike() {
			c.recordFault(FaultSpike)
			if err := sleepCtx(ctx, cfg.Faults.SpikeDelay); err != nil {
				if c.sender.config.ExpectEcho {
					c.outstanding.Add(-1)
				}
				return
			}
		}

		if _, err := c.conn.Write(out); err != nil {
			if c.sender.config.ExpectEcho {
				c.outstanding.Add(-1)
			}
			c.sender.collector.RecordClientError(c.id, "send_error", err.Error())
			metrics.IncrementError("send_error")
			c.sender.packetLog.WarnWithCategory(logger.CategorySend, "Send failed", map[string]interface{}{
				"client_id": c.id,
				"seq":       seq,
				"error":     err.Error(),
			})
			continue
		}

		c.sender.sent.Add(1)
		c.sender.collector.RecordSend(size)
		metrics.RecordSent(c.id, size)
	}
}

func (c *client) recordFault(kind string) {
	c.sender.faults.add(kind)
	metrics.RecordInjectedFault(c.id, kind)
}

func (c *client) shouldDrop(seq uint32) bool {
	if c.sender.drop != nil {
		return c.sender.drop(c.index, seq)
	}
	p := c.sender.config.DropProbability
	return p > 0 && c.rng.Float64() < p
}

// readEchoes records round-trip times until the socket is closed.
func (c *client) readEchoes() {
	metrics.IncrementGoroutineCreated("sender_echo")
	defer metrics.IncrementGoroutineDestroyed("sender_echo")

	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP unreachable surfaces here on connected sockets
			c.sender.collector.RecordClientError(c.id, "read_error", err.Error())
			metrics.IncrementError("read_error")
			c.sender.packetLog.WarnWithCategory(logger.CategoryDatagram, "Echo read failed", map[string]interface{}{
				"client_id": c.id,
				"error":     err.Error(),
			})
			continue
		}
		c.handleEcho(buf[:n])
	}
}

func (c *client) handleEcho(b []byte) {
	recvUS := c.sender.clock.NowMicros()

	h, err := c.sender.codec.ParseHeader(b)
	if err != nil {
		c.sender.collector.RecordClientError(c.id, "short_datagram", err.Error())
		metrics.IncrementError("short_datagram")
		return
	}

	c.outstanding.Add(-1)
	c.echoes.Add(1)
	c.sender.collector.RecordRecv(len(b))
	metrics.RecordReceived(len(b))

	rtt := wire.Latency(h.SendTimeUS, recvUS)
	if rtt < 0 {
		c.sender.collector.RecordClientError(c.id, "clock_skew", "negative round trip")
		metrics.IncrementError("clock_skew")
		return
	}
	c.sender.collector.RecordLatency(rtt, c.id)
	metrics.ObserveRTT(rtt)
}

// drainEchoes waits until every transmitted datagram came back or timeout elapses.
func (c *client) drainEchoes(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(echoPollInterval)
	defer ticker.Stop()

	for c.outstanding.Load() > 0 {
		select {
		case <-deadline.C:
			c.log.WithField("outstanding", c.outstanding.Load()).Debug("Echo wait timed out")
			return
		case <-ticker.C:
		}
	}
}
