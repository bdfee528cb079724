package receiver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/stgen/internal/stats"
)

// RecvLog appends "<seq> <latency_us>" lines for accepted datagrams.
type RecvLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenRecvLog creates or truncates path.
func OpenRecvLog(path string) (*RecvLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recv log: %w", err)
	}
	return &RecvLog{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Write appends one line.
func (r *RecvLog) Write(seq uint32, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var line [32]byte
	b := strconv.AppendUint(line[:0], uint64(seq), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, latency.Microseconds(), 10)
	b = append(b, '\n')
	_, err := r.w.Write(b)
	return err
}

// Flush writes buffered lines to the file.
func (r *RecvLog) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Close flushes and closes the file.
func (r *RecvLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.w.Flush(), r.f.Close())
}

// ParseRecvLog replays recv.log lines into c. Sequence numbers drive a loss
// tracker so gaps, reordering and duplicates are accounted as in the live
// receiver. Malformed lines are recorded as parse_error and skipped.
func ParseRecvLog(r io.Reader, c *stats.Collector) (LossStats, error) {
	tracker := NewLossTracker(0, 0)
	scanner := bufio.NewScanner(r)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		seq, latUS, err := parseRecvLine(line)
		if err != nil {
			c.RecordError("parse_error", fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}

		res, err := tracker.ProcessSequence(seq)
		switch {
		case errors.Is(err, ErrDuplicate):
			c.RecordDuplicate()
			c.RecordError("duplicate", fmt.Sprintf("line %d: seq %d", lineNo, seq))
			continue
		case errors.Is(err, ErrLateDatagram):
			c.RecordError("late", fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		case errors.Is(err, ErrSequenceReset):
			c.RecordError("sequence_reset", err.Error())
		}
		if res.Lost > 0 {
			c.RecordLoss(res.Lost)
		}
		if res.Recovered {
			c.RecordRecovered(1)
		}

		c.RecordRecv(0)
		if latUS < 0 {
			c.RecordError("clock_skew", fmt.Sprintf("line %d: latency %dus", lineNo, latUS))
			continue
		}
		c.RecordLatency(time.Duration(latUS)*time.Microsecond, "")
	}
	if err := scanner.Err(); err != nil {
		return tracker.GetStats(), fmt.Errorf("failed to read recv log: %w", err)
	}

	return tracker.GetStats(), nil
}

func parseRecvLine(line string) (uint32, int64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected 2 fields, got %d", len(fields))
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid sequence %q", fields[0])
	}
	lat, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latency %q", fields[1])
	}
	return uint32(seq), lat, nil
}
