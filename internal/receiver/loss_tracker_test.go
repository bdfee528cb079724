package receiver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossTracker_NormalSequence(t *testing.T) {
	lt := NewLossTracker(0, 0)

	for i := uint32(100); i < 110; i++ {
		res, err := lt.ProcessSequence(i)
		require.NoError(t, err)
		assert.Zero(t, res.Lost)
	}

	stats := lt.GetStats()
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint64(10), stats.Received)
	assert.Equal(t, uint64(10), stats.Expected)
	assert.Equal(t, float64(0), stats.AverageLossRate)
}

func TestLossTracker_PacketLoss(t *testing.T) {
	lt := NewLossTracker(0, 0)

	var lost uint64
	for _, seq := range []uint32{100, 101, 105, 106, 110} {
		res, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
		lost += res.Lost
	}

	stats := lt.GetStats()
	assert.Equal(t, uint64(6), lost)
	assert.Equal(t, uint64(6), stats.Lost) // 102,103,104,107,108,109
	assert.Equal(t, uint64(2), stats.LossEvents)
	assert.Equal(t, uint64(3), stats.MaxConsecutiveLoss)
	assert.Equal(t, uint64(11), stats.Expected)
	assert.InDelta(t, 6.0/11.0, stats.AverageLossRate, 1e-9)

	missing := lt.GetLostPackets(10)
	assert.Equal(t, []uint32{109, 108, 107, 104, 103, 102}, missing)
}

func TestLossTracker_SequenceWrapAround(t *testing.T) {
	lt := NewLossTracker(0, 0)

	for _, seq := range []uint32{math.MaxUint32 - 2, math.MaxUint32 - 1, math.MaxUint32, 0, 1, 2} {
		_, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
	}

	stats := lt.GetStats()
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint32(1), lt.cycles)
	assert.Equal(t, uint64(1)<<32|2, stats.ExtendedSeq)
}

func TestLossTracker_LossAcrossWrapAround(t *testing.T) {
	lt := NewLossTracker(0, 0)

	_, err := lt.ProcessSequence(math.MaxUint32 - 1)
	require.NoError(t, err)

	res, err := lt.ProcessSequence(2) // skips MaxUint32, 0, 1
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Lost)

	lost := lt.GetLostPackets(5)
	assert.ElementsMatch(t, []uint32{math.MaxUint32, 0, 1}, lost)
}

func TestLossTracker_Reordering(t *testing.T) {
	lt := NewLossTracker(0, 0)

	for _, seq := range []uint32{1, 2, 4} {
		_, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), lt.GetStats().Lost)

	res, err := lt.ProcessSequence(3)
	require.NoError(t, err)
	assert.True(t, res.Recovered)

	stats := lt.GetStats()
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint64(1), stats.Recovered)
	assert.Equal(t, uint64(4), stats.Received)
	assert.Empty(t, lt.GetLostPackets(10))
}

func TestLossTracker_Duplicates(t *testing.T) {
	lt := NewLossTracker(0, 0)

	for _, seq := range []uint32{1, 2, 3} {
		_, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
	}

	_, err := lt.ProcessSequence(3)
	assert.ErrorIs(t, err, ErrDuplicate)

	// Behind the highest sequence but never lost
	_, err = lt.ProcessSequence(2)
	assert.ErrorIs(t, err, ErrDuplicate)

	stats := lt.GetStats()
	assert.Equal(t, uint64(2), stats.Duplicates)
	assert.Equal(t, uint64(3), stats.Received)
}

func TestLossTracker_SequenceReset(t *testing.T) {
	lt := NewLossTracker(100, 10)

	_, err := lt.ProcessSequence(5)
	require.NoError(t, err)

	res, err := lt.ProcessSequence(5000)
	assert.ErrorIs(t, err, ErrSequenceReset)
	assert.True(t, res.Reset)

	// Tracking continues from the new base
	res, err = lt.ProcessSequence(5002)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Lost)

	// A backward jump beyond the max gap is also a reset
	_, err = lt.ProcessSequence(4000)
	assert.ErrorIs(t, err, ErrSequenceReset)

	stats := lt.GetStats()
	assert.Equal(t, uint64(2), stats.Resets)
	assert.Equal(t, uint32(4000), stats.HighestSeq)
}

func TestLossTracker_LateDatagramKeepsPosition(t *testing.T) {
	lt := NewLossTracker(0, 0)

	for seq := uint32(0); seq <= 3000; seq++ {
		_, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
	}

	// Older than the reorder window but within the max gap
	res, err := lt.ProcessSequence(1000)
	assert.ErrorIs(t, err, ErrLateDatagram)
	assert.False(t, res.Reset)
	assert.Zero(t, res.Lost)

	res, err = lt.ProcessSequence(3001)
	require.NoError(t, err)
	assert.Zero(t, res.Lost)

	stats := lt.GetStats()
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint64(0), stats.Resets)
	assert.Equal(t, uint64(1), stats.Late)
	assert.Equal(t, uint32(3001), stats.HighestSeq)
	assert.Equal(t, uint64(3002), stats.Received)
	assert.Equal(t, float64(0), stats.AverageLossRate)
}

func TestLossTracker_ReorderWindowPruning(t *testing.T) {
	lt := NewLossTracker(0, 4)

	_, err := lt.ProcessSequence(1)
	require.NoError(t, err)
	_, err = lt.ProcessSequence(3) // 2 lost
	require.NoError(t, err)

	for seq := uint32(4); seq <= 10; seq++ {
		_, err = lt.ProcessSequence(seq)
		require.NoError(t, err)
	}

	// 2 fell out of the reorder window, it can no longer be recovered
	assert.Empty(t, lt.GetLostPackets(10))
	_, err = lt.ProcessSequence(2)
	assert.ErrorIs(t, err, ErrLateDatagram)
	assert.Equal(t, uint64(1), lt.GetStats().Lost)
}

func TestLossTracker_LargeGapTracksWindowOnly(t *testing.T) {
	lt := NewLossTracker(0, 8)

	_, err := lt.ProcessSequence(0)
	require.NoError(t, err)
	res, err := lt.ProcessSequence(1001)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), res.Lost)
	assert.Len(t, lt.GetLostPackets(100), 8)
}

func TestLossTracker_Reset(t *testing.T) {
	lt := NewLossTracker(0, 0)
	for _, seq := range []uint32{1, 5} {
		_, err := lt.ProcessSequence(seq)
		require.NoError(t, err)
	}

	lt.Reset()
	stats := lt.GetStats()
	assert.Equal(t, LossStats{}, stats)

	_, err := lt.ProcessSequence(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), lt.GetStats().HighestSeq)
}
