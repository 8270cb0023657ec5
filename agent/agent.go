package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feldboy/roncrm1-sub000/logging"
)

// HandlerFunc executes one task operation. The context carries the attempt
// deadline and is cancelled on shutdown; handlers must honor it.
type HandlerFunc func(ctx context.Context, task *Task) (*AgentResponse, error)

// Agent is the contract the registry and the communication bus program
// against. BaseAgent satisfies it; concrete agents embed BaseAgent and
// register operation handlers.
type Agent interface {
	ID() string
	Type() AgentType
	Config() AgentConfig

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool

	Submit(task *Task) error

	Health() HealthStatus
	HealthSnapshot() HealthSnapshot
	InFlight() int
	QueueDepth() int
	Metrics() MetricsSnapshot
}

// BaseAgent provides the full execution machinery: a priority task queue
// drained by a bounded worker pool, per-attempt timeouts, scheduled retries
// with exponential backoff, and a periodic health check.
//
// Two contexts govern shutdown. loopCtx stops the workers from picking up
// new tasks the moment Stop is called; taskCtx keeps in-flight handlers
// alive through the drain grace period and is cancelled only when the
// grace expires.
type BaseAgent struct {
	config AgentConfig
	log    *logging.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	queue    *taskQueue
	inFlight int64
	running  int32

	loopCtx    context.Context
	loopCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
	wg         sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	metrics performanceMetrics

	// Shortened by tests.
	drainGrace time.Duration
	drainPoll  time.Duration
}

// NewBaseAgent constructs a stopped agent from the given configuration.
func NewBaseAgent(config AgentConfig, log *logging.Logger) (*BaseAgent, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.normalize()

	if log == nil {
		log = logging.Default("agent")
	}
	return &BaseAgent{
		config: config,
		log: log.WithFields(logging.Fields{
			"agent_id":   config.AgentID,
			"agent_type": string(config.AgentType),
		}),
		handlers:   make(map[string]HandlerFunc),
		queue:      newTaskQueue(),
		timers:     make(map[string]*time.Timer),
		drainGrace: 30 * time.Second,
		drainPoll:  50 * time.Millisecond,
	}, nil
}

// ID returns the agent's unique identifier.
func (a *BaseAgent) ID() string { return a.config.AgentID }

// Type returns the agent's worker family.
func (a *BaseAgent) Type() AgentType { return a.config.AgentType }

// Config returns a copy of the agent's configuration.
func (a *BaseAgent) Config() AgentConfig { return a.config }

// IsRunning reports whether the agent accepts tasks.
func (a *BaseAgent) IsRunning() bool { return atomic.LoadInt32(&a.running) == 1 }

// InFlight returns the number of attempts currently holding a worker slot.
func (a *BaseAgent) InFlight() int { return int(atomic.LoadInt64(&a.inFlight)) }

// QueueDepth returns the number of tasks waiting for a worker.
func (a *BaseAgent) QueueDepth() int { return a.queue.Len() }

// Metrics returns a point-in-time copy of the agent's counters.
func (a *BaseAgent) Metrics() MetricsSnapshot { return a.metrics.snapshot() }

// RegisterHandler binds an operation name to its handler. Registration
// after Start is allowed; submissions for unknown operations fail fast.
func (a *BaseAgent) RegisterHandler(operation string, handler HandlerFunc) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.handlers[operation] = handler
}

// Operations lists the operation names the agent can execute.
func (a *BaseAgent) Operations() []string {
	a.handlersMu.RLock()
	defer a.handlersMu.RUnlock()
	ops := make([]string, 0, len(a.handlers))
	for op := range a.handlers {
		ops = append(ops, op)
	}
	return ops
}

func (a *BaseAgent) handler(operation string) (HandlerFunc, bool) {
	a.handlersMu.RLock()
	defer a.handlersMu.RUnlock()
	h, ok := a.handlers[operation]
	return h, ok
}

// Start launches the worker pool and health monitor.
func (a *BaseAgent) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.running, 0, 1) {
		return NewAgentError(ErrAgentRunning, "agent already running").WithContext("agent_id", a.ID())
	}

	a.loopCtx, a.loopCancel = context.WithCancel(ctx)
	a.taskCtx, a.taskCancel = context.WithCancel(context.Background())
	a.metrics.start(time.Now().UTC())

	for i := 0; i < a.config.MaxConcurrentTasks; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	a.wg.Add(1)
	go a.healthLoop()

	a.log.WithField("workers", a.config.MaxConcurrentTasks).Info("agent started")
	return nil
}

// Stop drains the agent. New submissions are rejected immediately; tasks
// already in flight get the drain grace period to finish before their
// contexts are cancelled. Queued tasks stay pending.
func (a *BaseAgent) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.running, 1, 0) {
		return NewAgentError(ErrAgentNotRunning, "agent not running").WithContext("agent_id", a.ID())
	}

	a.cancelTimers()
	a.loopCancel()

	deadline := time.NewTimer(a.drainGrace)
	defer deadline.Stop()
	poll := time.NewTicker(a.drainPoll)
	defer poll.Stop()

drain:
	for atomic.LoadInt64(&a.inFlight) > 0 {
		select {
		case <-poll.C:
		case <-deadline.C:
			a.log.WithField("in_flight", a.InFlight()).Warn("drain grace expired, cancelling in-flight tasks")
			break drain
		case <-ctx.Done():
			break drain
		}
	}

	a.taskCancel()
	a.wg.Wait()

	a.log.Info("agent stopped")
	return nil
}

// Submit enqueues a task for execution. Validation happens here, before
// the task is accepted: wrong agent type, empty operation, unregistered
// operation, and non-pending status are all rejected synchronously.
func (a *BaseAgent) Submit(task *Task) error {
	if !a.IsRunning() {
		return NewAgentError(ErrAgentNotRunning, "agent not running").WithContext("agent_id", a.ID())
	}
	if task == nil || task.ID == "" {
		return NewAgentError(ErrInvalidTask, "task is nil or has no id")
	}
	if task.AgentType != a.config.AgentType {
		return NewAgentError(ErrTypeMismatch,
			fmt.Sprintf("task targets %s, agent is %s", task.AgentType, a.config.AgentType)).
			WithContext("task_id", task.ID)
	}
	if task.Operation == "" {
		return NewAgentError(ErrInvalidTask, "task has no operation").WithContext("task_id", task.ID)
	}
	if _, ok := a.handler(task.Operation); !ok {
		return NewAgentError(ErrUnknownOperation,
			fmt.Sprintf("no handler for operation %q", task.Operation)).
			WithContext("task_id", task.ID)
	}
	if status := task.Status(); status != StatusPending {
		return NewAgentError(ErrInvalidTask,
			fmt.Sprintf("task is %s, expected pending", status)).
			WithContext("task_id", task.ID)
	}

	a.queue.Push(task)
	a.metrics.touch()
	a.log.WithFields(logging.Fields{
		"task_id":   task.ID,
		"operation": task.Operation,
		"priority":  string(task.Priority),
	}).Debug("task queued")
	return nil
}

func (a *BaseAgent) worker() {
	defer a.wg.Done()
	for {
		task, ok := a.queue.Pop(a.loopCtx)
		if !ok {
			return
		}
		a.execute(task)
	}
}

type attemptResult struct {
	resp *AgentResponse
	err  error
}

// execute runs one attempt. The worker slot is held until the handler
// returns or the attempt deadline fires, whichever comes first; a handler
// that outlives its deadline keeps running against a cancelled context
// but no longer occupies a slot.
func (a *BaseAgent) execute(task *Task) {
	// A cancellation may have raced the dequeue.
	if task.Status() == StatusCancelled {
		return
	}

	atomic.AddInt64(&a.inFlight, 1)
	defer atomic.AddInt64(&a.inFlight, -1)

	handler, ok := a.handler(task.Operation)
	if !ok {
		task.markFailed(fmt.Sprintf("no handler for operation %q", task.Operation))
		a.metrics.recordFailure(0, task.ErrorMessage())
		return
	}

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = a.config.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(a.taskCtx, timeout)
	defer cancel()

	task.markInProgress()
	started := time.Now()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := handler(ctx, task)
		done <- attemptResult{resp: resp, err: err}
	}()

	var result attemptResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = attemptResult{err: NewAgentErrorWithCause(ErrTimeout,
			fmt.Sprintf("attempt exceeded %s", timeout), ctx.Err())}
	}
	elapsed := time.Since(started)

	if result.err != nil {
		a.failAttempt(task, elapsed, result.err.Error())
		return
	}
	resp := result.resp
	if resp == nil {
		resp = &AgentResponse{Success: true}
	}
	if !resp.Success {
		reason := "handler reported failure"
		if len(resp.Errors) > 0 {
			reason = resp.Errors[0]
		}
		a.failAttempt(task, elapsed, reason)
		return
	}

	resp.TaskID = task.ID
	resp.AgentID = a.ID()
	resp.AgentType = a.Type()
	resp.ExecutionTimeMS = elapsed.Milliseconds()
	resp.Timestamp = time.Now().UTC()

	task.markCompleted(resp)
	a.metrics.recordSuccess(elapsed)
	a.log.WithFields(logging.Fields{
		"task_id":     task.ID,
		"operation":   task.Operation,
		"duration_ms": resp.ExecutionTimeMS,
	}).Info("task completed")
}

// failAttempt records the failure and schedules a retry while budget
// remains. The nth retry waits RetryDelay * 2^(n-1) before the task
// re-enters the queue.
func (a *BaseAgent) failAttempt(task *Task, elapsed time.Duration, reason string) {
	a.metrics.recordFailure(elapsed, reason)

	if !task.markRetry(reason) {
		task.markFailed(reason)
		a.log.WithFields(logging.Fields{
			"task_id": task.ID,
			"retries": task.RetryCount(),
			"error":   reason,
		}).Error("task failed, retries exhausted")
		return
	}

	attempt := task.RetryCount()
	delay := a.config.RetryDelay * (1 << (attempt - 1))
	scheduled := time.Now().UTC().Add(delay)

	a.log.WithFields(logging.Fields{
		"task_id": task.ID,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   reason,
	}).Warn("task failed, retry scheduled")

	a.timersMu.Lock()
	a.timers[task.ID] = time.AfterFunc(delay, func() {
		a.timersMu.Lock()
		delete(a.timers, task.ID)
		a.timersMu.Unlock()
		if !a.IsRunning() {
			return
		}
		task.markPending(scheduled)
		if task.Status() == StatusPending {
			a.queue.Push(task)
		}
	})
	a.timersMu.Unlock()
}

func (a *BaseAgent) cancelTimers() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for id, timer := range a.timers {
		timer.Stop()
		delete(a.timers, id)
	}
}

// Health derives the agent's status from its failure streak and backlog.
// A stopped agent is offline. The streak thresholds take precedence over
// queue depth.
func (a *BaseAgent) Health() HealthStatus {
	if !a.IsRunning() {
		return HealthOffline
	}
	streak := a.metrics.failureStreak()
	switch {
	case streak >= unhealthyFailureStreak:
		return HealthUnhealthy
	case streak >= degradedFailureStreak:
		return HealthDegraded
	case a.QueueDepth() > degradedQueueDepth:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// HealthSnapshot returns the agent's full health report.
func (a *BaseAgent) HealthSnapshot() HealthSnapshot {
	return HealthSnapshot{
		AgentID:    a.ID(),
		AgentType:  a.Type(),
		Status:     a.Health(),
		Running:    a.IsRunning(),
		InFlight:   a.InFlight(),
		QueueDepth: a.QueueDepth(),
		Metrics:    a.metrics.snapshot(),
		CheckedAt:  time.Now().UTC(),
	}
}

func (a *BaseAgent) healthLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.loopCtx.Done():
			return
		case <-ticker.C:
			status := a.Health()
			if status != HealthHealthy {
				a.log.WithFields(logging.Fields{
					"status":      string(status),
					"queue_depth": a.QueueDepth(),
					"failures":    a.metrics.failureStreak(),
				}).Warn("health check")
			}
		}
	}
}
