package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Circuit Breaker Tests

func TestCircuitBreaker_NewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("test")

	assert.Equal(t, "test", cb.name)
	assert.Equal(t, uint32(100), cb.maxRequests)
	assert.Equal(t, 60*time.Second, cb.interval)
	assert.Equal(t, 60*time.Second, cb.timeout)
	assert.Equal(t, 0.6, cb.failureRatio)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Options(t *testing.T) {
	cb := NewCircuitBreaker("ledger", WithTripThreshold(5, 0.5), WithOpenTimeout(time.Second))

	assert.Equal(t, uint32(5), cb.maxRequests)
	assert.Equal(t, 0.5, cb.failureRatio)
	assert.Equal(t, time.Second, cb.timeout)
}

func TestCircuitBreaker_ExecuteSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx := context.Background()

	result, err := cb.Execute(ctx, func() (any, error) {
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.counts.Requests)
	assert.Equal(t, uint32(1), cb.counts.TotalSuccesses)
	assert.Equal(t, uint32(0), cb.counts.TotalFailures)
}

func TestCircuitBreaker_ExecuteFailure(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx := context.Background()

	expectedError := errors.New("test error")
	result, err := cb.Execute(ctx, func() (any, error) {
		return nil, expectedError
	})

	assert.Equal(t, expectedError, err)
	assert.Nil(t, result)
	assert.Equal(t, uint32(1), cb.counts.Requests)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_ExecuteCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, func() (any, error) {
		t.Fatal("request must not run with a cancelled context")
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), cb.counts.Requests)
}

func TestCircuitBreaker_StateTransition_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", WithTripThreshold(5, 0.6))
	ctx := context.Background()

	for range 2 {
		_, err := cb.Execute(ctx, func() (any, error) { return "success", nil })
		assert.NoError(t, err)
	}
	for range 4 {
		_, err := cb.Execute(ctx, func() (any, error) { return nil, errors.New("failure") })
		assert.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(ctx, func() (any, error) {
		t.Fatal("This should not be executed when circuit is open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
}

func TestCircuitBreaker_StateTransition_OpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", WithTripThreshold(5, 0.6), WithOpenTimeout(100*time.Millisecond))
	ctx := context.Background()

	for range 5 {
		cb.Execute(ctx, func() (any, error) { return nil, errors.New("failure") })
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(ctx, func() (any, error) { return "success", nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", WithTripThreshold(2, 0.5), WithOpenTimeout(100*time.Millisecond))
	ctx := context.Background()

	for range 2 {
		cb.Execute(ctx, func() (any, error) { return nil, errors.New("failure") })
	}
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(ctx, func() (any, error) { return nil, errors.New("still failing") })
	assert.EqualError(t, err, "still failing")
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", WithTripThreshold(1, 1))
	ctx := context.Background()

	cb.mutex.Lock()
	cb.setState(StateHalfOpen, time.Now())
	cb.counts.Requests = 1
	cb.mutex.Unlock()

	_, err := cb.Execute(ctx, func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCircuitBreaker_StaleGenerationIgnored(t *testing.T) {
	cb := NewCircuitBreaker("test", WithTripThreshold(1, 1))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb.Execute(ctx, func() (any, error) {
			close(started)
			<-release
			return nil, errors.New("late failure")
		})
	}()
	<-started

	// a new generation begins while the first call is in flight
	cb.mutex.Lock()
	cb.toNewGeneration(time.Now())
	cb.mutex.Unlock()
	close(release)
	<-done

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.counts.TotalFailures)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("concurrent-test")
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successCount int
	)
	numGoroutines := 100

	for i := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cb.Execute(ctx, func() (any, error) {
				if i%10 == 0 {
					return nil, errors.New("failure")
				}
				return "success", nil
			})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 90, successCount)
	assert.Equal(t, uint32(numGoroutines), cb.counts.Requests)
}

func TestCircuitBreaker_PanicRecovery(t *testing.T) {
	cb := NewCircuitBreaker("panic-test")
	ctx := context.Background()

	assert.Panics(t, func() {
		cb.Execute(ctx, func() (any, error) {
			panic("test panic")
		})
	})

	result, err := cb.Execute(ctx, func() (any, error) {
		return "recovery", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "recovery", result)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_ReadyToTrip(t *testing.T) {
	cb := NewCircuitBreaker("trip-test")

	tests := []struct {
		name           string
		requests       uint32
		failures       uint32
		maxRequests    uint32
		failureRatio   float64
		expectedResult bool
	}{
		{"Not enough requests", 5, 5, 10, 0.5, false},
		{"High failure ratio", 10, 8, 10, 0.6, true},
		{"Low failure ratio", 10, 3, 10, 0.6, false},
		{"Exact failure ratio threshold", 10, 6, 10, 0.6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb.maxRequests = tt.maxRequests
			cb.failureRatio = tt.failureRatio
			cb.counts.Requests = tt.requests
			cb.counts.TotalFailures = tt.failures

			assert.Equal(t, tt.expectedResult, cb.readyToTrip())
		})
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

// Redis Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(context.Background(), db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(errors.New("connection failed"))

	err := RedisHealthCheck(context.Background(), db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLease_AcquireRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease, err := NewRedisLease(db, "ticket-engine:sweeper", 30*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectSetNX("ticket-engine:sweeper", lease.token, 30*time.Second).SetVal(true)
	ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectEval(releaseScript, []string{"ticket-engine:sweeper"}, lease.token).SetVal(int64(1))
	require.NoError(t, lease.Release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLease_HeldElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease, err := NewRedisLease(db, "ticket-engine:sweeper", time.Minute)
	require.NoError(t, err)

	mock.ExpectSetNX("ticket-engine:sweeper", lease.token, time.Minute).SetVal(false)
	ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLease_AcquireError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease, err := NewRedisLease(db, "k", time.Minute)
	require.NoError(t, err)

	mock.ExpectSetNX("k", lease.token, time.Minute).SetErr(errors.New("READONLY"))
	_, err = lease.Acquire(context.Background())
	assert.ErrorContains(t, err, "READONLY")
}

func TestRedisLease_TokensDiffer(t *testing.T) {
	db, _ := redismock.NewClientMock()
	a, err := NewRedisLease(db, "k", time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLease(db, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a.token, b.token)
	assert.Len(t, a.token, 32)
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 16)
	assert.Regexp(t, "^[0-9A-F]+$", code)
}

// Benchmark Tests

func BenchmarkCircuitBreaker_Execute_Success(b *testing.B) {
	cb := NewCircuitBreaker("benchmark")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Execute(ctx, func() (any, error) {
			return "success", nil
		})
	}
}

func BenchmarkCircuitBreaker_Execute_Concurrent(b *testing.B) {
	cb := NewCircuitBreaker("benchmark-concurrent")
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cb.Execute(ctx, func() (any, error) {
				return "success", nil
			})
		}
	})
}
