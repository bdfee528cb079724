package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string { return "redis" }

func (r *RedisChecker) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Pinger is satisfied by database handles such as the Postgres results store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports down when Ping fails.
type PingChecker struct {
	name   string
	pinger Pinger
}

func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) error {
	if err := p.pinger.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", p.name, err)
	}
	return nil
}

// ReceiverState is the part of the receiver the checker needs.
type ReceiverState interface {
	Running() bool
	ActiveSessions() int
}

// ReceiverChecker is down when the receiver socket is closed and degraded
// when the session table is full, since new sources are then dropped.
type ReceiverChecker struct {
	receiver    ReceiverState
	maxSessions int
}

func NewReceiverChecker(r ReceiverState, maxSessions int) *ReceiverChecker {
	return &ReceiverChecker{receiver: r, maxSessions: maxSessions}
}

func (c *ReceiverChecker) Name() string { return "receiver" }

func (c *ReceiverChecker) Check(ctx context.Context) error {
	if !c.receiver.Running() {
		return fmt.Errorf("receiver is not running")
	}
	if c.maxSessions > 0 {
		if n := c.receiver.ActiveSessions(); n >= c.maxSessions {
			return Degraded(fmt.Errorf("session limit reached: %d/%d", n, c.maxSessions))
		}
	}
	return nil
}

// MemoryChecker is degraded when the Go heap exceeds maxHeapBytes.
type MemoryChecker struct {
	maxHeapBytes uint64
	readStats    func(*runtime.MemStats)
}

func NewMemoryChecker(maxHeapBytes uint64) *MemoryChecker {
	return &MemoryChecker{maxHeapBytes: maxHeapBytes, readStats: runtime.ReadMemStats}
}

func (m *MemoryChecker) Name() string { return "memory" }

func (m *MemoryChecker) Check(ctx context.Context) error {
	if m.maxHeapBytes == 0 {
		return nil
	}
	var ms runtime.MemStats
	m.readStats(&ms)
	if ms.HeapAlloc > m.maxHeapBytes {
		return Degraded(fmt.Errorf("heap %d MB exceeds %d MB", ms.HeapAlloc>>20, m.maxHeapBytes>>20))
	}
	return nil
}
