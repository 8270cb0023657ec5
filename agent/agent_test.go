package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feldboy/roncrm1-sub000/logging"
)

// Interface compliance.
var _ Agent = (*BaseAgent)(nil)

func newTestAgent(t *testing.T, cfg AgentConfig) *BaseAgent {
	t.Helper()
	if cfg.AgentID == "" {
		cfg.AgentID = "test-agent"
	}
	if cfg.AgentType == "" {
		cfg.AgentType = TypeEmailService
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = time.Hour
	}
	a, err := NewBaseAgent(cfg, logging.Discard())
	require.NoError(t, err)
	a.drainGrace = time.Second
	a.drainPoll = 5 * time.Millisecond
	return a
}

func startAgent(t *testing.T, a *BaseAgent) {
	t.Helper()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		if a.IsRunning() {
			_ = a.Stop(context.Background())
		}
	})
}

func echoHandler(ctx context.Context, task *Task) (*AgentResponse, error) {
	return &AgentResponse{
		Success: true,
		Data:    map[string]interface{}{"echo": task.Payload},
	}, nil
}

func waitForStatus(t *testing.T, task *Task, want TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return task.Status() == want
	}, 5*time.Second, 5*time.Millisecond, "task never reached %s, last status %s", want, task.Status())
}

func TestTaskLifecycleCompleted(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	a.RegisterHandler("echo", echoHandler)
	startAgent(t, a)

	task := NewTask(TypeEmailService, "echo", map[string]interface{}{"to": "x@y.z"})
	require.Equal(t, StatusPending, task.Status())
	require.NoError(t, a.Submit(task))

	waitForStatus(t, task, StatusCompleted)

	resp := task.Response()
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, task.ID, resp.TaskID)
	assert.Equal(t, a.ID(), resp.AgentID)
	assert.Equal(t, TypeEmailService, resp.AgentType)

	snap := task.Snapshot()
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)
	assert.False(t, snap.CompletedAt.Before(*snap.StartedAt))
}

func TestSubmitValidation(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	a.RegisterHandler("echo", echoHandler)

	// Not running yet.
	err := a.Submit(NewTask(TypeEmailService, "echo", nil))
	assert.Equal(t, ErrAgentNotRunning, CodeOf(err))

	startAgent(t, a)

	err = a.Submit(NewTask(TypeSMSService, "echo", nil))
	assert.Equal(t, ErrTypeMismatch, CodeOf(err))

	err = a.Submit(NewTask(TypeEmailService, "nope", nil))
	assert.Equal(t, ErrUnknownOperation, CodeOf(err))

	err = a.Submit(NewTask(TypeEmailService, "", nil))
	assert.Equal(t, ErrInvalidTask, CodeOf(err))

	cancelled := NewTask(TypeEmailService, "echo", nil)
	require.True(t, cancelled.Cancel())
	err = a.Submit(cancelled)
	assert.Equal(t, ErrInvalidTask, CodeOf(err))
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	var attempts int64
	a.RegisterHandler("flaky", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, assert.AnError
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "flaky", nil, WithMaxRetries(2))
	require.NoError(t, a.Submit(task))

	waitForStatus(t, task, StatusFailed)

	// Initial attempt plus two retries.
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Equal(t, 2, task.RetryCount())
	assert.NotEmpty(t, task.ErrorMessage())
}

func TestRetryBackoffDoubles(t *testing.T) {
	base := 40 * time.Millisecond
	a := newTestAgent(t, AgentConfig{RetryDelay: base})

	var mu sync.Mutex
	var attempts []time.Time
	a.RegisterHandler("flaky", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, assert.AnError
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "flaky", nil, WithMaxRetries(2))
	require.NoError(t, a.Submit(task))
	waitForStatus(t, task, StatusFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)

	// Delay before retry k is base * 2^(k-1): base, then double.
	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	assert.GreaterOrEqual(t, first, base)
	assert.GreaterOrEqual(t, second, 2*base)
	assert.Greater(t, second, first)
}

func TestRetrySucceedsAfterFailure(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	var attempts int64
	a.RegisterHandler("flaky", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return nil, assert.AnError
		}
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "flaky", nil)
	require.NoError(t, a.Submit(task))

	waitForStatus(t, task, StatusCompleted)
	assert.Equal(t, 1, task.RetryCount())
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

func TestConcurrencyCapHolds(t *testing.T) {
	const workers = 5
	const total = 15

	a := newTestAgent(t, AgentConfig{MaxConcurrentTasks: workers})
	var current, peak int64
	a.RegisterHandler("work", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	tasks := make([]*Task, total)
	for i := range tasks {
		tasks[i] = NewTask(TypeEmailService, "work", nil)
		require.NoError(t, a.Submit(tasks[i]))
	}
	for _, task := range tasks {
		waitForStatus(t, task, StatusCompleted)
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(workers))
	assert.Equal(t, int64(total), a.Metrics().TasksSuccessful)
}

func TestPriorityOrdering(t *testing.T) {
	a := newTestAgent(t, AgentConfig{MaxConcurrentTasks: 1})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []TaskPriority

	a.RegisterHandler("gate", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		<-gate
		return &AgentResponse{Success: true}, nil
	})
	a.RegisterHandler("work", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		mu.Lock()
		order = append(order, task.Priority)
		mu.Unlock()
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	blocker := NewTask(TypeEmailService, "gate", nil)
	require.NoError(t, a.Submit(blocker))
	require.Eventually(t, func() bool { return a.InFlight() == 1 }, time.Second, time.Millisecond)

	low := NewTask(TypeEmailService, "work", nil, WithPriority(PriorityLow))
	urgent := NewTask(TypeEmailService, "work", nil, WithPriority(PriorityUrgent))
	normal := NewTask(TypeEmailService, "work", nil)
	require.NoError(t, a.Submit(low))
	require.NoError(t, a.Submit(urgent))
	require.NoError(t, a.Submit(normal))

	close(gate)
	waitForStatus(t, low, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskPriority{PriorityUrgent, PriorityNormal, PriorityLow}, order)
}

func TestCancelQueuedTask(t *testing.T) {
	a := newTestAgent(t, AgentConfig{MaxConcurrentTasks: 1})
	gate := make(chan struct{})
	var executed int64
	a.RegisterHandler("gate", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		<-gate
		return &AgentResponse{Success: true}, nil
	})
	a.RegisterHandler("work", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		atomic.AddInt64(&executed, 1)
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	blocker := NewTask(TypeEmailService, "gate", nil)
	require.NoError(t, a.Submit(blocker))
	require.Eventually(t, func() bool { return a.InFlight() == 1 }, time.Second, time.Millisecond)

	queued := NewTask(TypeEmailService, "work", nil)
	require.NoError(t, a.Submit(queued))
	require.True(t, queued.Cancel())
	assert.False(t, queued.Cancel())

	close(gate)
	waitForStatus(t, blocker, StatusCompleted)

	assert.Equal(t, StatusCancelled, queued.Status())
	assert.Equal(t, int64(0), atomic.LoadInt64(&executed))
}

func TestAttemptTimeout(t *testing.T) {
	a := newTestAgent(t, AgentConfig{TaskTimeout: 30 * time.Millisecond})
	a.RegisterHandler("slow", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &AgentResponse{Success: true}, nil
		}
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "slow", nil, WithMaxRetries(0), WithTimeout(0))
	require.NoError(t, a.Submit(task))

	waitForStatus(t, task, StatusFailed)
	assert.Contains(t, task.ErrorMessage(), "attempt exceeded")
}

func TestHandlerPanicIsFailure(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	a.RegisterHandler("boom", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		panic("kaboom")
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "boom", nil, WithMaxRetries(0))
	require.NoError(t, a.Submit(task))

	waitForStatus(t, task, StatusFailed)
	assert.Contains(t, task.ErrorMessage(), "kaboom")
	assert.True(t, a.IsRunning())
}

func TestHealthDerivation(t *testing.T) {
	a := newTestAgent(t, AgentConfig{MaxConcurrentTasks: 1})
	var fail int32
	a.RegisterHandler("maybe", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, assert.AnError
		}
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	runOne := func(wantStatus TaskStatus) {
		task := NewTask(TypeEmailService, "maybe", nil, WithMaxRetries(0))
		require.NoError(t, a.Submit(task))
		waitForStatus(t, task, wantStatus)
	}

	assert.Equal(t, HealthHealthy, a.Health())

	atomic.StoreInt32(&fail, 1)
	runOne(StatusFailed)
	runOne(StatusFailed)
	assert.Equal(t, HealthHealthy, a.Health())
	runOne(StatusFailed)
	assert.Equal(t, HealthDegraded, a.Health())
	runOne(StatusFailed)
	runOne(StatusFailed)
	assert.Equal(t, HealthUnhealthy, a.Health())

	// A single success clears the streak.
	atomic.StoreInt32(&fail, 0)
	runOne(StatusCompleted)
	assert.Equal(t, HealthHealthy, a.Health())
}

func TestStopDrainsInFlight(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	a.RegisterHandler("slowish", func(ctx context.Context, task *Task) (*AgentResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return &AgentResponse{Success: true}, nil
	})
	startAgent(t, a)

	task := NewTask(TypeEmailService, "slowish", nil)
	require.NoError(t, a.Submit(task))
	require.Eventually(t, func() bool { return a.InFlight() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, StatusCompleted, task.Status())
	assert.False(t, a.IsRunning())
	assert.Equal(t, HealthOffline, a.Health())

	err := a.Submit(NewTask(TypeEmailService, "slowish", nil))
	assert.Equal(t, ErrAgentNotRunning, CodeOf(err))
}

func TestDoubleStartAndStop(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	a.RegisterHandler("echo", echoHandler)
	startAgent(t, a)

	assert.Equal(t, ErrAgentRunning, CodeOf(a.Start(context.Background())))
	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, ErrAgentNotRunning, CodeOf(a.Stop(context.Background())))
}

func TestNewBaseAgentValidation(t *testing.T) {
	_, err := NewBaseAgent(AgentConfig{AgentType: TypeEmailService}, nil)
	assert.Equal(t, ErrInvalidConfig, CodeOf(err))

	_, err = NewBaseAgent(AgentConfig{AgentID: "x"}, nil)
	assert.Equal(t, ErrInvalidConfig, CodeOf(err))

	a, err := NewBaseAgent(AgentConfig{AgentID: "x", AgentType: TypeEmailService}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, a.Config().MaxConcurrentTasks)
	assert.Equal(t, DefaultTaskTimeout, a.Config().TaskTimeout)
	assert.Equal(t, DefaultRetryDelay, a.Config().RetryDelay)
}
