package logger

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLine struct {
	level  logrus.Level
	fields map[string]interface{}
	args   []interface{}
}

// recordingLogger keeps every line it is asked to emit.
type recordingLogger struct {
	NullLogger
	mu     *sync.Mutex
	lines  *[]recordedLine
	fields map[string]interface{}
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, lines: &[]recordedLine{}}
}

func (r *recordingLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, lines: r.lines, fields: merged}
}

func (r *recordingLogger) WithField(key string, value interface{}) Logger {
	return r.WithFields(map[string]interface{}{key: value})
}

func (r *recordingLogger) Log(level logrus.Level, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.lines = append(*r.lines, recordedLine{level: level, fields: r.fields, args: args})
}

func (r *recordingLogger) Error(args ...interface{}) {
	r.Log(logrus.ErrorLevel, args...)
}

func (r *recordingLogger) recorded() []recordedLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedLine, len(*r.lines))
	copy(out, *r.lines)
	return out
}

func TestSampledLogger_BurstThenDrop(t *testing.T) {
	base := newRecordingLogger()
	s := NewSampledLogger(base).WithSampler("loss", time.Hour, 2, 0)

	for i := 0; i < 10; i++ {
		s.WarnWithCategory("loss", "datagrams lost", map[string]interface{}{"i": i})
	}

	lines := base.recorded()
	require.Len(t, lines, 2)
	assert.Equal(t, logrus.WarnLevel, lines[0].level)
	assert.Equal(t, "loss", lines[0].fields["category"])
	assert.Equal(t, 1, lines[1].fields["i"])

	st := s.Stats()["loss"]
	assert.Equal(t, int64(10), st.Seen)
	assert.Equal(t, int64(2), st.Logged)
	assert.Equal(t, int64(8), st.Suppressed)
	assert.InDelta(t, 0.2, st.Rate, 1e-9)
}

func TestSampledLogger_SampleRate(t *testing.T) {
	base := newRecordingLogger()
	s := NewSampledLogger(base).WithSampler("datagram", time.Hour, 2, 0.5)

	for i := 0; i < 10; i++ {
		s.DebugWithCategory("datagram", "received", nil)
	}

	// 2 from the burst, then every second suppressed line
	assert.Len(t, base.recorded(), 6)
}

func TestSampledLogger_UnsampledCategories(t *testing.T) {
	base := newRecordingLogger()
	s := NewPacketLogger(base)

	for i := 0; i < 20; i++ {
		s.InfoWithCategory(CategorySession, "session opened", nil)
	}
	s.ErrorWithCategory(CategoryClockSkew, "failed", nil)

	lines := base.recorded()
	assert.Len(t, lines, 21)
	assert.Equal(t, logrus.ErrorLevel, lines[20].level)
	_, tracked := s.Stats()[CategorySession]
	assert.False(t, tracked)
}

func TestSampledLogger_DoesNotMutateFields(t *testing.T) {
	s := NewSampledLogger(newRecordingLogger())
	fields := map[string]interface{}{"seq": 1}
	s.InfoWithCategory("x", "msg", fields)
	assert.NotContains(t, fields, "category")
}

func TestSampledLogger_DerivedSharesSamplers(t *testing.T) {
	base := newRecordingLogger()
	s := NewSampledLogger(base).WithSampler("dup", time.Hour, 1, 0)

	child := s.WithField("session_id", "a").(*SampledLogger)
	child.WarnWithCategory("dup", "duplicate", nil)
	s.WarnWithCategory("dup", "duplicate", nil)

	lines := base.recorded()
	require.Len(t, lines, 1)
	assert.Equal(t, "a", lines[0].fields["session_id"])
	assert.Equal(t, int64(2), s.Stats()["dup"].Seen)
}

func TestSampledLogger_Concurrent(t *testing.T) {
	s := NewPacketLogger(NewNullLogger())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.DebugWithCategory(CategoryDatagram, "rx", nil)
			}
		}()
	}
	wg.Wait()

	st := s.Stats()[CategoryDatagram]
	assert.Equal(t, int64(8000), st.Seen)
	assert.Equal(t, st.Seen, st.Logged+st.Suppressed)
}
