package receiver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/stgen/internal/wire"
)

var (
	// ErrDuplicate is returned for a sequence number that was already received
	ErrDuplicate = errors.New("duplicate datagram")
	// ErrLateDatagram is returned for a sequence number older than the reorder
	// window but within the maximum gap
	ErrLateDatagram = errors.New("late datagram")
	// ErrSequenceReset is returned when a sequence jump is too large to be loss or reordering
	ErrSequenceReset = errors.New("sequence reset detected")
)

// Tracker defaults.
const (
	DefaultMaxSequenceGap = 1 << 16
	DefaultReorderWindow  = 1024
)

// SeqResult describes what a sequence number meant to the tracker.
type SeqResult struct {
	Lost      uint64 // datagrams newly detected as lost
	Recovered bool   // datagram arrived late after being counted lost
	Reset     bool   // tracker restarted at this sequence
}

// LossTracker tracks loss, reordering and duplicates on a 32-bit
// sequence space using serial number arithmetic.
type LossTracker struct {
	mu sync.Mutex

	// Sequence tracking
	initialized bool
	baseSeq     uint32
	highestSeq  uint32
	cycles      uint32 // wraparounds of the 32-bit space
	expected    uint64
	received    uint64

	// Loss tracking
	lost               uint64
	lossEvents         uint64
	maxConsecutiveLoss uint64
	recovered          uint64
	duplicates         uint64
	late               uint64
	resets             uint64

	// Lost sequences still inside the reorder window, oldest first
	pending      map[uint32]struct{}
	pendingOrder []uint32

	// Time-based tracking
	lastPacketTime     time.Time
	lossWindowStart    time.Time
	lossWindowPackets  uint64
	lossWindowLosses   uint64
	lossWindowDuration time.Duration

	// Configuration
	maxGap        int64
	reorderWindow int64
}

// LossStats is a snapshot of tracker counters.
type LossStats struct {
	Expected           uint64  `json:"expected"`
	Received           uint64  `json:"received"`
	Lost               uint64  `json:"lost"`
	Recovered          uint64  `json:"recovered"`
	Duplicates         uint64  `json:"duplicates"`
	Late               uint64  `json:"late"`
	Resets             uint64  `json:"resets"`
	LossEvents         uint64  `json:"loss_events"`
	MaxConsecutiveLoss uint64  `json:"max_consecutive_loss"`
	CurrentLossRate    float64 `json:"current_loss_rate"`
	AverageLossRate    float64 `json:"average_loss_rate"`
	HighestSeq         uint32  `json:"highest_seq"`
	ExtendedSeq        uint64  `json:"extended_seq"`
}

// NewLossTracker creates a tracker. Non-positive arguments select the defaults.
func NewLossTracker(maxGap, reorderWindow int) *LossTracker {
	if maxGap <= 0 {
		maxGap = DefaultMaxSequenceGap
	}
	if reorderWindow <= 0 {
		reorderWindow = DefaultReorderWindow
	}
	return &LossTracker{
		pending:            make(map[uint32]struct{}),
		lossWindowDuration: 10 * time.Second,
		lossWindowStart:    time.Now(),
		maxGap:             int64(maxGap),
		reorderWindow:      int64(reorderWindow),
	}
}

// ProcessSequence accounts for a received sequence number.
func (lt *LossTracker) ProcessSequence(seq uint32) (SeqResult, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	var res SeqResult
	now := time.Now()

	if !lt.initialized {
		lt.start(seq, now)
		lt.expected++
		lt.received++
		lt.updateLossWindow(now)
		return res, nil
	}

	lt.lastPacketTime = now
	distance := wire.SeqDistance(seq, lt.highestSeq)

	switch {
	case distance == 0:
		lt.duplicates++
		return res, fmt.Errorf("%w: sequence %d", ErrDuplicate, seq)

	case distance > 0 && distance <= lt.maxGap:
		if distance > 1 {
			res.Lost = uint64(distance - 1)
			lt.recordLoss(seq, res.Lost)
		}
		if seq < lt.highestSeq {
			lt.cycles++
		}
		lt.highestSeq = seq
		lt.expected += uint64(distance)
		lt.received++
		lt.prunePending()

	case distance < 0 && -distance <= lt.reorderWindow:
		if _, ok := lt.pending[seq]; !ok {
			lt.duplicates++
			return res, fmt.Errorf("%w: late sequence %d", ErrDuplicate, seq)
		}
		delete(lt.pending, seq)
		lt.recovered++
		lt.lost--
		lt.received++
		res.Recovered = true

	case distance < 0 && -distance <= lt.maxGap:
		// Too old to tell a lost datagram from a duplicate; highestSeq stays.
		lt.late++
		return res, fmt.Errorf("%w: sequence %d is %d behind %d", ErrLateDatagram, seq, -distance, lt.highestSeq)

	default:
		from := lt.highestSeq
		lt.resets++
		lt.start(seq, now)
		lt.expected++
		lt.received++
		lt.updateLossWindow(now)
		res.Reset = true
		return res, fmt.Errorf("%w: from %d to %d (distance %d)", ErrSequenceReset, from, seq, distance)
	}

	lt.updateLossWindow(now)
	return res, nil
}

func (lt *LossTracker) start(seq uint32, now time.Time) {
	lt.initialized = true
	lt.baseSeq = seq
	lt.highestSeq = seq
	lt.cycles = 0
	lt.lastPacketTime = now
	lt.pending = make(map[uint32]struct{})
	lt.pendingOrder = lt.pendingOrder[:0]
}

// recordLoss counts count datagrams lost immediately before seq and remembers
// the ones that could still arrive within the reorder window.
func (lt *LossTracker) recordLoss(seq uint32, count uint64) {
	lt.lost += count
	lt.lossEvents++
	lt.lossWindowLosses += count

	if count > lt.maxConsecutiveLoss {
		lt.maxConsecutiveLoss = count
	}

	track := count
	if track > uint64(lt.reorderWindow) {
		track = uint64(lt.reorderWindow)
	}
	for i := track; i >= 1; i-- {
		s := seq - uint32(i)
		lt.pending[s] = struct{}{}
		lt.pendingOrder = append(lt.pendingOrder, s)
	}
}

// prunePending drops lost sequences that fell out of the reorder window.
func (lt *LossTracker) prunePending() {
	drop := 0
	for _, s := range lt.pendingOrder {
		_, stillLost := lt.pending[s]
		if stillLost && wire.SeqDistance(lt.highestSeq, s) <= lt.reorderWindow {
			break
		}
		delete(lt.pending, s)
		drop++
	}
	if drop > 0 {
		lt.pendingOrder = append(lt.pendingOrder[:0], lt.pendingOrder[drop:]...)
	}
}

func (lt *LossTracker) updateLossWindow(now time.Time) {
	if now.Sub(lt.lossWindowStart) > lt.lossWindowDuration {
		lt.lossWindowStart = now
		lt.lossWindowPackets = 0
		lt.lossWindowLosses = 0
	}
	lt.lossWindowPackets++
}

// GetStats returns current statistics.
func (lt *LossTracker) GetStats() LossStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := LossStats{
		Expected:           lt.expected,
		Received:           lt.received,
		Lost:               lt.lost,
		Recovered:          lt.recovered,
		Duplicates:         lt.duplicates,
		Late:               lt.late,
		Resets:             lt.resets,
		LossEvents:         lt.lossEvents,
		MaxConsecutiveLoss: lt.maxConsecutiveLoss,
		HighestSeq:         lt.highestSeq,
		ExtendedSeq:        uint64(lt.cycles)<<32 | uint64(lt.highestSeq),
	}

	if lt.expected > 0 {
		stats.AverageLossRate = float64(lt.lost) / float64(lt.expected)
	}
	if total := lt.lossWindowPackets + lt.lossWindowLosses; total > 0 {
		stats.CurrentLossRate = float64(lt.lossWindowLosses) / float64(total)
	}

	return stats
}

// GetLostPackets returns up to maxCount sequence numbers still considered
// lost, most recent first.
func (lt *LossTracker) GetLostPackets(maxCount int) []uint32 {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	var lost []uint32
	for i := len(lt.pendingOrder) - 1; i >= 0 && len(lost) < maxCount; i-- {
		s := lt.pendingOrder[i]
		if _, ok := lt.pending[s]; ok {
			lost = append(lost, s)
		}
	}
	return lost
}

// LastPacketTime returns when the last datagram was processed.
func (lt *LossTracker) LastPacketTime() time.Time {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.lastPacketTime
}

// Reset returns the tracker to its initial state.
func (lt *LossTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.initialized = false
	lt.baseSeq = 0
	lt.highestSeq = 0
	lt.cycles = 0
	lt.expected = 0
	lt.received = 0
	lt.lost = 0
	lt.lossEvents = 0
	lt.maxConsecutiveLoss = 0
	lt.recovered = 0
	lt.duplicates = 0
	lt.late = 0
	lt.resets = 0
	lt.pending = make(map[uint32]struct{})
	lt.pendingOrder = nil
	lt.lossWindowStart = time.Now()
	lt.lossWindowPackets = 0
	lt.lossWindowLosses = 0
}
