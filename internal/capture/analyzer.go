// Package capture computes stgen statistics offline from packet captures.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/stats"
	"github.com/zsiec/stgen/internal/wire"
)

// pcapngMagic is the section header block type that opens a pcapng file.
const pcapngMagic = 0x0A0D0D0A

// SourceStats is the loss accounting for one sending ip:port.
type SourceStats struct {
	Source    string             `json:"source"`
	Packets   uint64             `json:"packets"`
	Bytes     uint64             `json:"bytes"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	Loss      receiver.LossStats `json:"loss"`
}

// Result is the outcome of analyzing one capture.
type Result struct {
	Summary stats.Summary `json:"summary"`
	Sources []SourceStats `json:"sources"`
	// Packets that were not stgen datagrams to the analyzed port
	Skipped uint64 `json:"skipped"`
}

type source struct {
	tracker   *receiver.LossTracker
	packets   uint64
	bytes     uint64
	firstSeen time.Time
	lastSeen  time.Time
}

// Analyzer replays a capture through the same accounting as the live receiver,
// using capture timestamps as receive times.
type Analyzer struct {
	codec          *wire.Codec
	port           uint16
	maxSequenceGap int
	reorderWindow  int
	logger         logger.Logger
}

// NewAnalyzer creates an analyzer for datagrams addressed to port. Port 0
// accepts every UDP datagram.
func NewAnalyzer(codec *wire.Codec, port int, log logger.Logger) *Analyzer {
	return &Analyzer{
		codec:  codec,
		port:   uint16(port),
		logger: log.WithField("component", "capture"),
	}
}

// SetTrackerLimits configures the per-source loss trackers.
func (a *Analyzer) SetTrackerLimits(maxSequenceGap, reorderWindow int) {
	a.maxSequenceGap = maxSequenceGap
	a.reorderWindow = reorderWindow
}

// AnalyzeFile opens a pcap or pcapng file and analyzes it.
func (a *Analyzer) AnalyzeFile(path string, collector *stats.Collector) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	a.logger.WithField("path", path).Info("Analyzing capture")
	return a.Analyze(f, collector)
}

// Analyze reads a pcap or pcapng stream and feeds collector.
func (a *Analyzer) Analyze(r io.Reader, collector *stats.Collector) (*Result, error) {
	src, err := openSource(r)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]*source)
	res := &Result{}
	var first, last time.Time

	for {
		packet, err := src.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A truncated final record ends the capture
			if errors.Is(err, io.ErrUnexpectedEOF) {
				a.logger.WithError(err).Warn("Capture ends with a truncated record")
				break
			}
			collector.RecordError("decode_error", err.Error())
			continue
		}

		ts := packet.Metadata().CaptureInfo.Timestamp
		if !a.handlePacket(packet, ts, sources, collector) {
			res.Skipped++
			continue
		}
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}

	if !first.IsZero() {
		collector.SetWindow(first, last)
	} else {
		collector.Finalize()
	}

	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := sources[k]
		res.Sources = append(res.Sources, SourceStats{
			Source:    k,
			Packets:   s.packets,
			Bytes:     s.bytes,
			FirstSeen: s.firstSeen,
			LastSeen:  s.lastSeen,
			Loss:      s.tracker.GetStats(),
		})
	}
	res.Summary = collector.Summary()

	a.logger.WithFields(map[string]interface{}{
		"sources":  len(res.Sources),
		"received": res.Summary.Received,
		"lost":     res.Summary.Lost,
		"skipped":  res.Skipped,
	}).Info("Capture analyzed")
	return res, nil
}

// handlePacket accounts for one captured packet and reports whether it was
// an stgen datagram.
func (a *Analyzer) handlePacket(packet gopacket.Packet, ts time.Time, sources map[string]*source, c *stats.Collector) bool {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return false
	}
	udp, _ := udpLayer.(*layers.UDP)
	if a.port != 0 && uint16(udp.DstPort) != a.port {
		return false
	}

	var srcIP net.IP
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		// Fragments are not reassembled; a first fragment carries a truncated payload.
		if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
			return false
		}
		srcIP = ip.SrcIP
	case *layers.IPv6:
		srcIP = ip.SrcIP
	default:
		return false
	}
	key := net.JoinHostPort(srcIP.String(), strconv.Itoa(int(udp.SrcPort)))

	if packet.Metadata().Truncated {
		c.RecordClientError(key, "truncated", fmt.Sprintf("captured %d of %d bytes", packet.Metadata().CaptureLength, packet.Metadata().Length))
		return true
	}

	dg, err := a.codec.Parse(udp.Payload)
	if err != nil {
		c.RecordError("short_datagram", fmt.Sprintf("%d bytes from %s", len(udp.Payload), key))
		return true
	}

	s, ok := sources[key]
	if !ok {
		s = &source{
			tracker:   receiver.NewLossTracker(a.maxSequenceGap, a.reorderWindow),
			firstSeen: ts,
		}
		sources[key] = s
	}
	s.lastSeen = ts

	seqRes, err := s.tracker.ProcessSequence(dg.Seq)
	switch {
	case errors.Is(err, receiver.ErrDuplicate):
		c.RecordDuplicate()
		c.RecordClientError(key, "duplicate", err.Error())
		return true
	case errors.Is(err, receiver.ErrLateDatagram):
		c.RecordClientError(key, "late", err.Error())
		return true
	case errors.Is(err, receiver.ErrSequenceReset):
		c.RecordClientError(key, "sequence_reset", err.Error())
	}
	if seqRes.Lost > 0 {
		c.RecordLoss(seqRes.Lost)
	}
	if seqRes.Recovered {
		c.RecordRecovered(1)
	}

	size := len(udp.Payload)
	s.packets++
	s.bytes += uint64(size)
	c.RecordRecv(size)

	latency := wire.Latency(dg.SendTimeUS, uint64(ts.UnixMicro()))
	if latency < 0 {
		c.RecordClientError(key, "clock_skew", fmt.Sprintf("seq %d latency %s", dg.Seq, latency))
	} else {
		c.RecordLatency(latency, key)
	}
	return true
}

// openSource picks the pcap or pcapng reader from the file magic.
func openSource(r io.Reader) (*gopacket.PacketSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng: %w", err)
		}
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap: %w", err)
	}
	return gopacket.NewPacketSource(pr, pr.LinkType()), nil
}
