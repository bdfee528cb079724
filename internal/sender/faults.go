package sender

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/wire"
)

// Injected fault kinds, also used as metric labels.
const (
	FaultDrop      = "drop"
	FaultPartition = "partition"
	FaultCrash     = "crash"
	FaultCorrupt   = "corrupt"
	FaultSpike     = "latency_spike"
)

// maxSeqShift bounds how far a corrupted sequence number moves.
const maxSeqShift = 100

// FaultStats counts injected failures across clients.
type FaultStats struct {
	Drops          uint64 `json:"drops"`
	PartitionDrops uint64 `json:"partition_drops"`
	CrashDrops     uint64 `json:"crash_drops"`
	Corrupted      uint64 `json:"corrupted"`
	Spikes         uint64 `json:"latency_spikes"`
}

type faultCounters struct {
	drops, partition, crash, corrupt, spike atomic.Uint64
}

func (f *faultCounters) add(kind string) {
	switch kind {
	case FaultDrop:
		f.drops.Add(1)
	case FaultPartition:
		f.partition.Add(1)
	case FaultCrash:
		f.crash.Add(1)
	case FaultCorrupt:
		f.corrupt.Add(1)
	case FaultSpike:
		f.spike.Add(1)
	}
}

func (f *faultCounters) snapshot() FaultStats {
	return FaultStats{
		Drops:          f.drops.Load(),
		PartitionDrops: f.partition.Load(),
		CrashDrops:     f.crash.Load(),
		Corrupted:      f.corrupt.Load(),
		Spikes:         f.spike.Load(),
	}
}

// partitioned reports whether client index is cut off at elapsed. A partition
// isolates the even-numbered clients.
func partitioned(f *config.FaultConfig, index int, elapsed time.Duration) bool {
	if f.PartitionDuration <= 0 || index%2 != 0 {
		return false
	}
	return elapsed >= f.PartitionStart && elapsed < f.PartitionStart+f.PartitionDuration
}

// crashed reports whether client index is down at elapsed. The i-th crash
// time takes down client i modulo the client count.
func crashed(f *config.FaultConfig, index, clients int, elapsed time.Duration) bool {
	if clients <= 0 {
		return false
	}
	for i, at := range f.CrashAt {
		if i%clients != index || elapsed < at {
			continue
		}
		if f.CrashDowntime == 0 || elapsed < at+f.CrashDowntime {
			return true
		}
	}
	return false
}

// dropFault returns the fault that suppresses seq, or "" when it is sent.
func (c *client) dropFault(seq uint32) string {
	s := c.sender
	elapsed := time.Since(s.started)

	down := crashed(&s.config.Faults, c.index, s.config.Clients, elapsed)
	if down != c.down {
		c.down = down
		if down {
			c.log.WithField("seq", seq).Warn("Client crashed")
		} else {
			c.log.WithField("seq", seq).Warn("Client revived")
		}
	}

	switch {
	case down:
		return FaultCrash
	case partitioned(&s.config.Faults, c.index, elapsed):
		return FaultPartition
	case c.shouldDrop(seq):
		return FaultDrop
	}
	return ""
}

func (c *client) shouldCorrupt() bool {
	p := c.sender.config.Faults.CorruptProbability
	return p > 0 && c.rng.Float64() < p
}

func (c *client) shouldSpike() bool {
	p := c.sender.config.Faults.SpikeProbability
	return p > 0 && c.rng.Float64() < p
}

// corrupt returns a damaged copy of the stamped datagram b. Half the time the
// sequence number moves by up to maxSeqShift in either direction; otherwise
// one bit flips in the payload, or in the send time when there is no payload.
func (c *client) corrupt(b []byte) []byte {
	c.scratch = append(c.scratch[:0], b...)
	out := c.scratch

	if c.rng.IntN(2) == 0 {
		h, err := c.sender.codec.ParseHeader(out)
		if err == nil {
			shift := int32(c.rng.IntN(2*maxSeqShift)) - maxSeqShift
			if shift >= 0 {
				shift++
			}
			h.Seq += uint32(shift)
			if err := c.sender.codec.PutHeader(out, h); err == nil {
				return out
			}
		}
	}

	i := 4 + c.rng.IntN(8)
	if len(out) > wire.HeaderSize {
		i = wire.HeaderSize + c.rng.IntN(len(out)-wire.HeaderSize)
	}
	out[i] ^= 1 << c.rng.IntN(8)
	return out
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
