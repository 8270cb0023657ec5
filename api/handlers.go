// Package api exposes the runtime's control surface over HTTP: agent
// discovery and health, task submission, scaling, and bus statistics.
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feldboy/roncrm1-sub000/agent"
	"github.com/feldboy/roncrm1-sub000/logging"
)

// API wires HTTP handlers to the registry and bus.
type API struct {
	registry *agent.Registry
	bus      *agent.Bus
	log      *logging.Logger
}

// New creates the API facade.
func New(registry *agent.Registry, bus *agent.Bus, log *logging.Logger) *API {
	if log == nil {
		log = logging.Default("api")
	}
	return &API{registry: registry, bus: bus, log: log}
}

type agentSummary struct {
	ID         string             `json:"id"`
	Type       agent.AgentType    `json:"type"`
	Running    bool               `json:"running"`
	Health     agent.HealthStatus `json:"health"`
	InFlight   int                `json:"in_flight"`
	QueueDepth int                `json:"queue_depth"`
}

// ListAgents returns a summary of every registered agent, sorted by id.
func (a *API) ListAgents(c *gin.Context) {
	agents := a.registry.Agents()
	out := make([]agentSummary, 0, len(agents))
	for _, ag := range agents {
		out = append(out, agentSummary{
			ID:         ag.ID(),
			Type:       ag.Type(),
			Running:    ag.IsRunning(),
			Health:     ag.Health(),
			InFlight:   ag.InFlight(),
			QueueDepth: ag.QueueDepth(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

// GetAgentHealth returns the full health report of one agent.
func (a *API) GetAgentHealth(c *gin.Context) {
	ag, err := a.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ag.HealthSnapshot())
}

// RestartAgent replaces an agent with a fresh instance.
func (a *API) RestartAgent(c *gin.Context) {
	id := c.Param("id")
	if err := a.registry.RestartAgent(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if agent.CodeOf(err) == agent.ErrAgentNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "restarted": true})
}

type scaleRequest struct {
	AgentType string `json:"agent_type" binding:"required"`
	Count     *int   `json:"count" binding:"required"`
}

// ScaleAgents adjusts the population of one agent type.
func (a *API) ScaleAgents(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agentType := agent.AgentType(req.AgentType)
	err := a.registry.ScaleAgents(c.Request.Context(), agentType, *req.Count, agent.AgentConfig{AgentType: agentType})
	if err != nil {
		status := http.StatusInternalServerError
		switch agent.CodeOf(err) {
		case agent.ErrInvalidConfig:
			status = http.StatusBadRequest
		case agent.ErrTypeNotRegistered:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_type": req.AgentType,
		"count":      len(a.registry.AgentsByType(agentType)),
	})
}

type taskRequest struct {
	AgentType      string                 `json:"agent_type" binding:"required"`
	Operation      string                 `json:"operation" binding:"required"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       string                 `json:"priority"`
	MaxRetries     *int                   `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	RecipientID    string                 `json:"recipient_id"`
	Wait           bool                   `json:"wait"`
	WaitSeconds    int                    `json:"wait_seconds"`
}

// SubmitTask dispatches a task through the bus. With wait=true the call
// blocks until the task settles or the wait window expires.
func (a *API) SubmitTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := []agent.TaskOption{}
	if req.Priority != "" {
		opts = append(opts, agent.WithPriority(agent.TaskPriority(req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, agent.WithMaxRetries(*req.MaxRetries))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, agent.WithTimeout(req.TimeoutSeconds))
	}
	task := agent.NewTask(agent.AgentType(req.AgentType), req.Operation, req.Payload, opts...)

	if !req.Wait {
		if err := a.bus.DispatchTask(task, req.RecipientID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": task.Status()})
		return
	}

	wait := 30 * time.Second
	if req.WaitSeconds > 0 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	resp, err := a.bus.SendTask(ctx, task, req.RecipientID)
	if err != nil {
		status := http.StatusBadGateway
		if agent.CodeOf(err) == agent.ErrTimeout {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"task_id": task.ID, "status": task.Status(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": task.Status(), "response": resp})
}

// GetStats returns aggregate registry counters.
func (a *API) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.Stats())
}

// GetBusStats returns the bus delivery counters.
func (a *API) GetBusStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.bus.Stats())
}

// GetSystemStatus returns the health report of every agent.
func (a *API) GetSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents":    a.registry.SystemStatus(),
		"bus":       a.bus.Stats(),
		"timestamp": time.Now().UTC(),
	})
}

// Healthz is the liveness probe.
func (a *API) Healthz(c *gin.Context) {
	status := http.StatusOK
	if !a.bus.IsRunning() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status)})
}
