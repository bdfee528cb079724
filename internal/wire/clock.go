package wire

import "time"

// Clock supplies microsecond timestamps for stamping and latency computation.
type Clock interface {
	NowMicros() uint64
}

// SystemClock reads the real-time clock.
type SystemClock struct{}

// NowMicros implements Clock
func (SystemClock) NowMicros() uint64 {
	return NowMicros()
}

// NowMicros returns microseconds since the Unix epoch from the wall clock.
// It is not monotonic: a stepped system clock moves it backwards.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Latency returns recvUS - sendUS. The result is negative when the sender's
// clock is ahead of the receiver's.
func Latency(sendUS, recvUS uint64) time.Duration {
	return time.Duration(int64(recvUS-sendUS)) * time.Microsecond
}

// FromMicros converts an epoch microsecond value to time.Time.
func FromMicros(us uint64) time.Time {
	return time.UnixMicro(int64(us))
}
