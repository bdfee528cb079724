package logger

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Per-datagram log categories.
const (
	CategoryDatagram      = "datagram"
	CategoryShortDatagram = "short_datagram"
	CategoryLoss          = "loss"
	CategoryDuplicate     = "duplicate"
	CategoryLate          = "late"
	CategoryReset         = "sequence_reset"
	CategoryClockSkew     = "clock_skew"
	CategorySend          = "send"
	CategorySession       = "session"
)

// SampledLogger rate limits log lines per category so the packet paths can
// log per datagram without flooding the output.
type SampledLogger struct {
	base     Logger
	mu       *sync.RWMutex
	samplers map[string]*sampler
}

type sampler struct {
	limiter *rate.Limiter
	every   int64 // log one in every N suppressed messages, 0 = never

	seen       atomic.Int64
	logged     atomic.Int64
	suppressed atomic.Int64
}

// SamplerStats holds counters for one category.
type SamplerStats struct {
	Category   string  `json:"category"`
	Seen       int64   `json:"seen"`
	Logged     int64   `json:"logged"`
	Suppressed int64   `json:"suppressed"`
	Rate       float64 `json:"rate"`
}

func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		mu:       &sync.RWMutex{},
		samplers: make(map[string]*sampler),
	}
}

// WithSampler allows burst lines per interval for category. Beyond that a
// sampleRate fraction (0..1) of the excess is still logged.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int, sampleRate float64) *SampledLogger {
	var every int64
	if sampleRate > 0 {
		every = int64(math.Round(1 / math.Min(sampleRate, 1)))
	}

	s.mu.Lock()
	s.samplers[category] = &sampler{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		every:   every,
	}
	s.mu.Unlock()
	return s
}

// NewPacketLogger returns a sampled logger configured for the sender and receiver loops.
func NewPacketLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryDatagram, 100*time.Millisecond, 5, 0.01).
		WithSampler(CategoryShortDatagram, time.Second, 5, 0.1).
		WithSampler(CategoryLoss, 200*time.Millisecond, 10, 0.1).
		WithSampler(CategoryDuplicate, 500*time.Millisecond, 5, 0.1).
		WithSampler(CategoryLate, 500*time.Millisecond, 5, 0.1).
		WithSampler(CategoryClockSkew, time.Second, 3, 0.05).
		WithSampler(CategorySend, time.Second, 3, 0.05)
	// CategoryReset and CategorySession are rare and always logged.
}

func (s *SampledLogger) allow(category string) bool {
	s.mu.RLock()
	sm, ok := s.samplers[category]
	s.mu.RUnlock()
	if !ok {
		return true
	}

	sm.seen.Add(1)
	if sm.limiter.Allow() {
		sm.logged.Add(1)
		return true
	}
	n := sm.suppressed.Add(1)
	if sm.every > 0 && n%sm.every == 0 {
		sm.logged.Add(1)
		return true
	}
	return false
}

// Sampled logs msg at level if the category sampler lets it through.
func (s *SampledLogger) Sampled(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.allow(category) {
		return
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	s.base.WithFields(out).Log(level, msg)
}

func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.DebugLevel, category, msg, fields)
}

func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.InfoLevel, category, msg, fields)
}

func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.WarnLevel, category, msg, fields)
}

// ErrorWithCategory is never sampled.
func (s *SampledLogger) ErrorWithCategory(category, msg string, fields map[string]interface{}) {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	s.base.WithFields(out).Error(msg)
}

// Stats returns per-category counters.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]SamplerStats, len(s.samplers))
	for name, sm := range s.samplers {
		st := SamplerStats{
			Category:   name,
			Seen:       sm.seen.Load(),
			Logged:     sm.logged.Load(),
			Suppressed: sm.seen.Load() - sm.logged.Load(),
		}
		if st.Seen > 0 {
			st.Rate = float64(st.Logged) / float64(st.Seen)
		}
		out[name] = st
	}
	return out
}

func (s *SampledLogger) derive(base Logger) *SampledLogger {
	return &SampledLogger{base: base, mu: s.mu, samplers: s.samplers}
}

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{})                 { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})                  { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})                  { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{})                 { s.base.Error(args...) }
func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) { s.base.Log(level, args...) }
func (s *SampledLogger) Debugf(format string, args ...interface{}) { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})  { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})  { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{}) { s.base.Errorf(format, args...) }
