package agent

import (
	"sync"
	"time"
)

// HealthStatus summarizes an agent's recent reliability.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
)

// Failure streaks at which health degrades.
const (
	degradedFailureStreak  = 3
	unhealthyFailureStreak = 5
	degradedQueueDepth     = 100
)

// performanceMetrics accumulates per-agent execution counters. All access
// goes through its methods; the zero value is ready to use after start().
type performanceMetrics struct {
	mu sync.Mutex

	tasksProcessed  int64
	tasksSuccessful int64
	tasksFailed     int64

	totalExecutionMS int64
	lastExecutionMS  int64

	consecutiveFailures int
	lastError           string
	lastErrorAt         time.Time

	startedAt    time.Time
	lastActivity time.Time
}

func (m *performanceMetrics) start(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = now
	m.lastActivity = now
}

// recordSuccess counts a completed attempt. A single success resets the
// consecutive failure streak.
func (m *performanceMetrics) recordSuccess(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksProcessed++
	m.tasksSuccessful++
	m.lastExecutionMS = elapsed.Milliseconds()
	m.totalExecutionMS += m.lastExecutionMS
	m.consecutiveFailures = 0
	m.lastActivity = time.Now().UTC()
}

func (m *performanceMetrics) recordFailure(elapsed time.Duration, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksProcessed++
	m.tasksFailed++
	m.lastExecutionMS = elapsed.Milliseconds()
	m.totalExecutionMS += m.lastExecutionMS
	m.consecutiveFailures++
	m.lastError = reason
	m.lastErrorAt = time.Now().UTC()
	m.lastActivity = m.lastErrorAt
}

func (m *performanceMetrics) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now().UTC()
}

func (m *performanceMetrics) failureStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

func (m *performanceMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TasksProcessed:      m.tasksProcessed,
		TasksSuccessful:     m.tasksSuccessful,
		TasksFailed:         m.tasksFailed,
		LastExecutionMS:     m.lastExecutionMS,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		StartedAt:           m.startedAt,
		LastActivity:        m.lastActivity,
	}
	if m.tasksProcessed > 0 {
		snap.AverageExecutionMS = float64(m.totalExecutionMS) / float64(m.tasksProcessed)
	}
	if !m.lastErrorAt.IsZero() {
		at := m.lastErrorAt
		snap.LastErrorAt = &at
	}
	if !m.startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	return snap
}

// MetricsSnapshot is a point-in-time copy of an agent's counters.
type MetricsSnapshot struct {
	TasksProcessed      int64      `json:"tasks_processed"`
	TasksSuccessful     int64      `json:"tasks_successful"`
	TasksFailed         int64      `json:"tasks_failed"`
	AverageExecutionMS  float64    `json:"average_execution_ms"`
	LastExecutionMS     int64      `json:"last_execution_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	LastActivity        time.Time  `json:"last_activity"`
	UptimeSeconds       float64    `json:"uptime_seconds"`
}

// HealthSnapshot is the full health report an agent publishes.
type HealthSnapshot struct {
	AgentID    string          `json:"agent_id"`
	AgentType  AgentType       `json:"agent_type"`
	Status     HealthStatus    `json:"status"`
	Running    bool            `json:"running"`
	InFlight   int             `json:"in_flight"`
	QueueDepth int             `json:"queue_depth"`
	Metrics    MetricsSnapshot `json:"metrics"`
	CheckedAt  time.Time       `json:"checked_at"`
}
