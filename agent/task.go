package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentType selects which worker family must process a task.
type AgentType string

// Worker families known to the system. The runtime treats these values as
// opaque routing keys; only the registered factories give them meaning.
const (
	TypeLeadIntake           AgentType = "lead_intake"
	TypeDocumentIntelligence AgentType = "document_intelligence"
	TypeRiskAssessment       AgentType = "risk_assessment"
	TypeEmailService         AgentType = "email_service"
	TypeSMSService           AgentType = "sms_service"
	TypePipedriveSync        AgentType = "pipedrive_sync"
	TypeOperationsSupervisor AgentType = "operations_supervisor"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusRetry      TaskStatus = "retry"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskPriority orders dequeue between tasks of one agent. Within a priority
// band tasks are processed FIFO.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// band maps a priority to its dequeue band, highest first.
func (p TaskPriority) band() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

const priorityBands = 4

// Defaults for task and agent construction.
const (
	DefaultMaxRetries     = 3
	DefaultTaskTimeout    = 300 * time.Second
	DefaultRetryDelay     = 30 * time.Second
	DefaultMaxConcurrent  = 10
	DefaultHealthInterval = 30 * time.Second
)

// Task is one unit of work addressed to an agent type and operation. The
// identity and routing fields are fixed at creation; the lifecycle fields
// (status, retry count, timestamps, error, response) are owned by the agent
// processing the task and guarded by the task's own mutex so the bus can
// observe status concurrently.
type Task struct {
	ID             string
	AgentType      AgentType
	Operation      string
	Payload        map[string]interface{}
	Priority       TaskPriority
	MaxRetries     int
	TimeoutSeconds int
	CreatedAt      time.Time

	// Tracing passthrough, never interpreted by the runtime.
	CorrelationID string
	ParentTaskID  string
	UserID        string
	SessionID     string

	mu           sync.Mutex
	status       TaskStatus
	retryCount   int
	errorMessage string
	scheduledAt  time.Time
	startedAt    time.Time
	completedAt  time.Time
	response     *AgentResponse
}

// TaskOption customizes a task at construction.
type TaskOption func(*Task)

// WithPriority sets the task priority.
func WithPriority(p TaskPriority) TaskOption {
	return func(t *Task) { t.Priority = p }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

// WithTimeout overrides the per-attempt execution timeout, in seconds.
func WithTimeout(seconds int) TaskOption {
	return func(t *Task) { t.TimeoutSeconds = seconds }
}

// WithCorrelationID attaches a correlation id for request tracing.
func WithCorrelationID(id string) TaskOption {
	return func(t *Task) { t.CorrelationID = id }
}

// WithParentTask links the task to the task that spawned it.
func WithParentTask(id string) TaskOption {
	return func(t *Task) { t.ParentTaskID = id }
}

// WithUser attaches the acting user for observability.
func WithUser(userID string) TaskOption {
	return func(t *Task) { t.UserID = userID }
}

// WithSession attaches the originating session for observability.
func WithSession(sessionID string) TaskOption {
	return func(t *Task) { t.SessionID = sessionID }
}

// NewTask creates a pending task for the given worker family and operation.
func NewTask(agentType AgentType, operation string, payload map[string]interface{}, opts ...TaskOption) *Task {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	t := &Task{
		ID:             uuid.New().String(),
		AgentType:      agentType,
		Operation:      operation,
		Payload:        payload,
		Priority:       PriorityNormal,
		MaxRetries:     DefaultMaxRetries,
		TimeoutSeconds: int(DefaultTaskTimeout / time.Second),
		CreatedAt:      time.Now().UTC(),
		status:         StatusPending,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RetryCount returns how many retries have been scheduled so far.
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// ErrorMessage returns the last recorded failure reason, if any.
func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMessage
}

// Response returns the response recorded by the last completed attempt.
func (t *Task) Response() *AgentResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// Timeout returns the per-attempt execution deadline as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Cancel moves a still-pending task to cancelled. It reports false if the
// task already left the pending state; a task in flight is never interrupted.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending && t.status != StatusRetry {
		return false
	}
	t.status = StatusCancelled
	t.completedAt = time.Now().UTC()
	return true
}

func (t *Task) markInProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusInProgress
	t.startedAt = time.Now().UTC()
}

func (t *Task) markCompleted(resp *AgentResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.completedAt = time.Now().UTC()
	t.response = resp
}

func (t *Task) markFailed(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailed
	t.errorMessage = reason
	t.completedAt = time.Now().UTC()
}

// markRetry consumes one unit of the retry budget and transitions the task
// to retry, recording the failure that triggered it. It reports false when
// the budget is exhausted. retryCount never exceeds MaxRetries.
func (t *Task) markRetry(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retryCount >= t.MaxRetries {
		return false
	}
	t.retryCount++
	t.status = StatusRetry
	t.errorMessage = reason
	return true
}

func (t *Task) markPending(scheduled time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A cancellation that raced the retry timer wins.
	if t.status == StatusCancelled {
		return
	}
	t.status = StatusPending
	t.scheduledAt = scheduled
}

// TaskSnapshot is a read-only view of a task suitable for serialization.
type TaskSnapshot struct {
	ID             string                 `json:"id"`
	AgentType      AgentType              `json:"agent_type"`
	Operation      string                 `json:"operation"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       TaskPriority           `json:"priority"`
	Status         TaskStatus             `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	ParentTaskID   string                 `json:"parent_task_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Snapshot captures the task's current state.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TaskSnapshot{
		ID:             t.ID,
		AgentType:      t.AgentType,
		Operation:      t.Operation,
		Payload:        t.Payload,
		Priority:       t.Priority,
		Status:         t.status,
		RetryCount:     t.retryCount,
		MaxRetries:     t.MaxRetries,
		TimeoutSeconds: t.TimeoutSeconds,
		ErrorMessage:   t.errorMessage,
		CorrelationID:  t.CorrelationID,
		ParentTaskID:   t.ParentTaskID,
		UserID:         t.UserID,
		SessionID:      t.SessionID,
		CreatedAt:      t.CreatedAt,
	}
	if !t.scheduledAt.IsZero() {
		at := t.scheduledAt
		snap.ScheduledAt = &at
	}
	if !t.startedAt.IsZero() {
		at := t.startedAt
		snap.StartedAt = &at
	}
	if !t.completedAt.IsZero() {
		at := t.completedAt
		snap.CompletedAt = &at
	}
	return snap
}

// AgentResponse is the result of one terminal task execution attempt.
// It is never mutated after construction.
type AgentResponse struct {
	TaskID          string                 `json:"task_id"`
	AgentID         string                 `json:"agent_id"`
	AgentType       AgentType              `json:"agent_type"`
	Success         bool                   `json:"success"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Errors          []string               `json:"errors,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`

	// Optional resource usage counters reported by the handler.
	DatabaseQueries int     `json:"database_queries,omitempty"`
	MemoryUsageMB   float64 `json:"memory_usage_mb,omitempty"`
	CPUUsagePercent float64 `json:"cpu_usage_percent,omitempty"`
}
