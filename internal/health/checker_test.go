package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/stgen/internal/logger"
)

type mockChecker struct {
	name  string
	err   error
	delay time.Duration
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func TestManager_RunChecks(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	manager.Register(&mockChecker{name: "ok"})
	manager.Register(&mockChecker{name: "down", err: errors.New("connection refused")})
	manager.Register(&mockChecker{name: "degraded", err: Degraded(errors.New("session limit reached"))})

	results := manager.RunChecks(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, StatusOK, results["ok"].Status)
	assert.Empty(t, results["ok"].Message)
	assert.Equal(t, StatusDown, results["down"].Status)
	assert.Equal(t, "connection refused", results["down"].Message)
	assert.Equal(t, StatusDegraded, results["degraded"].Status)
	assert.Equal(t, "session limit reached", results["degraded"].Message)

	assert.Equal(t, StatusDown, manager.GetOverallStatus())
}

func TestManager_OverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		expected Status
	}{
		{"all ok", []error{nil, nil}, StatusOK},
		{"one degraded", []error{nil, Degraded(errors.New("x"))}, StatusDegraded},
		{"down wins", []error{Degraded(errors.New("x")), errors.New("y")}, StatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(logger.NewNullLogger())
			for i, err := range tt.errs {
				manager.Register(&mockChecker{name: fmt.Sprintf("c%d", i), err: err})
			}
			manager.RunChecks(context.Background())
			assert.Equal(t, tt.expected, manager.GetOverallStatus())
		})
	}
}

func TestManager_NoResultsIsDown(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	assert.Equal(t, StatusDown, manager.GetOverallStatus())
	assert.Empty(t, manager.GetResults())
}

func TestManager_Timeout(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	manager.SetCheckTimeout(20 * time.Millisecond)
	manager.Register(&mockChecker{name: "slow", delay: time.Second})

	start := time.Now()
	results := manager.RunChecks(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, StatusDown, results["slow"].Status)
	assert.Equal(t, "Health check timed out", results["slow"].Message)
}

func TestManager_GetResultsReturnsCopies(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	manager.Register(&mockChecker{name: "test"})
	manager.RunChecks(context.Background())

	results := manager.GetResults()
	results["test"].Status = StatusDown

	assert.Equal(t, StatusOK, manager.GetResults()["test"].Status)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	manager.Register(&mockChecker{name: "a", delay: time.Millisecond})
	manager.Register(&mockChecker{name: "b"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			manager.RunChecks(context.Background())
		}()
		go func() {
			defer wg.Done()
			manager.GetResults()
			manager.GetOverallStatus()
		}()
	}
	wg.Wait()

	assert.Equal(t, StatusOK, manager.GetOverallStatus())
}

func TestManager_StartPeriodicChecks(t *testing.T) {
	manager := NewManager(logger.NewNullLogger())
	manager.Register(&mockChecker{name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.StartPeriodicChecks(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(manager.GetResults()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic checks did not stop")
	}
}

func TestDegraded(t *testing.T) {
	assert.NoError(t, Degraded(nil))

	cause := errors.New("near limit")
	err := Degraded(cause)
	assert.True(t, IsDegraded(err))
	assert.True(t, IsDegraded(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsDegraded(cause))
}
