package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feldboy/roncrm1-sub000/logging"
)

// AgentFactory builds an agent instance from its configuration. Factories
// are registered per agent type and used for startup, scaling, and
// restarts.
type AgentFactory func(config AgentConfig) (Agent, error)

// RegistryEvent identifies a lifecycle notification fired by the registry.
type RegistryEvent string

const (
	EventRegistered   RegistryEvent = "registered"
	EventDeregistered RegistryEvent = "deregistered"
	EventRestarted    RegistryEvent = "restarted"
)

// RegistryHook observes registry lifecycle events. Hooks run synchronously
// under no lock; they must not call back into the registry.
type RegistryHook func(event RegistryEvent, agent Agent)

// Registry tracks every live agent, routes discovery queries, and runs a
// periodic health sweep that restarts agents gone silent or stuck failing.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	factories map[AgentType]AgentFactory
	hooks     []RegistryHook

	log *logging.Logger

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
	sweeping    bool

	// Shortened by tests.
	sweepInterval   time.Duration
	inactivityLimit time.Duration
	failureLimit    int
}

// NewRegistry creates an empty registry. The health sweep does not run
// until Start is called.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default("registry")
	}
	return &Registry{
		agents:          make(map[string]Agent),
		factories:       make(map[AgentType]AgentFactory),
		log:             log,
		sweepInterval:   30 * time.Second,
		inactivityLimit: 5 * time.Minute,
		failureLimit:    10,
	}
}

// RegisterAgentType binds a factory to an agent type. Later registrations
// for the same type replace earlier ones.
func (r *Registry) RegisterAgentType(agentType AgentType, factory AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

// AddHook subscribes to registry lifecycle events.
func (r *Registry) AddHook(hook RegistryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) notify(event RegistryEvent, agent Agent) {
	r.mu.RLock()
	hooks := make([]RegistryHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(event, agent)
	}
}

// Register adds a pre-built agent to the registry. The agent id must be
// unique across the registry.
func (r *Registry) Register(agent Agent) error {
	if agent == nil || agent.ID() == "" {
		return NewAgentError(ErrInvalidConfig, "agent is nil or has no id")
	}
	r.mu.Lock()
	if _, exists := r.agents[agent.ID()]; exists {
		r.mu.Unlock()
		return NewAgentError(ErrAgentExists,
			fmt.Sprintf("agent %s already registered", agent.ID()))
	}
	r.agents[agent.ID()] = agent
	r.mu.Unlock()

	r.log.WithFields(logging.Fields{
		"agent_id":   agent.ID(),
		"agent_type": string(agent.Type()),
	}).Info("agent registered")
	r.notify(EventRegistered, agent)
	return nil
}

// StartAgent builds an agent through its type factory, starts it, and
// registers it. An empty AgentID gets a generated one.
func (r *Registry) StartAgent(ctx context.Context, config AgentConfig) (Agent, error) {
	r.mu.RLock()
	factory, ok := r.factories[config.AgentType]
	r.mu.RUnlock()
	if !ok {
		return nil, NewAgentError(ErrTypeNotRegistered,
			fmt.Sprintf("no factory for agent type %s", config.AgentType))
	}

	if config.AgentID == "" {
		config.AgentID = fmt.Sprintf("%s-%s", config.AgentType, uuid.New().String()[:8])
	}

	instance, err := factory(config)
	if err != nil {
		return nil, NewAgentErrorWithCause(ErrInvalidConfig,
			fmt.Sprintf("factory for %s failed", config.AgentType), err)
	}
	if err := instance.Start(ctx); err != nil {
		return nil, err
	}
	if err := r.Register(instance); err != nil {
		_ = instance.Stop(ctx)
		return nil, err
	}
	return instance, nil
}

// StopAgent stops an agent but keeps it registered, so it still shows up
// in discovery as not running.
func (r *Registry) StopAgent(ctx context.Context, agentID string) error {
	agent, err := r.Get(agentID)
	if err != nil {
		return err
	}
	return agent.Stop(ctx)
}

// Deregister removes an agent, stopping it first if it is still running.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return NewAgentError(ErrAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	if agent.IsRunning() {
		if err := agent.Stop(ctx); err != nil {
			r.log.WithError(err).WithField("agent_id", agentID).Warn("stop during deregister failed")
		}
	}
	r.log.WithField("agent_id", agentID).Info("agent deregistered")
	r.notify(EventDeregistered, agent)
	return nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return nil, NewAgentError(ErrAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	return agent, nil
}

// Agents returns all registered agents in unspecified order.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	return out
}

// AgentsByType returns all agents of one worker family.
func (r *Registry) AgentsByType(agentType AgentType) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, agent := range r.agents {
		if agent.Type() == agentType {
			out = append(out, agent)
		}
	}
	return out
}

// LeastLoadedAgent picks the running, healthy agent of the given type with
// the fewest tasks currently in flight. Ties break to the lexicographically
// lowest agent id so selection is deterministic.
func (r *Registry) LeastLoadedAgent(agentType AgentType) (Agent, error) {
	candidates := r.AgentsByType(agentType)

	var best Agent
	bestLoad := 0
	for _, candidate := range candidates {
		if !candidate.IsRunning() || candidate.Health() != HealthHealthy {
			continue
		}
		load := candidate.InFlight()
		switch {
		case best == nil,
			load < bestLoad,
			load == bestLoad && candidate.ID() < best.ID():
			best = candidate
			bestLoad = load
		}
	}
	if best == nil {
		return nil, NewAgentError(ErrNoAgentAvailable,
			fmt.Sprintf("no healthy agent of type %s", agentType))
	}
	return best, nil
}

// ScaleAgents adjusts the population of one agent type to target. Scaling
// up starts new instances through the type factory with the template
// config; scaling down stops and deregisters the agents with the fewest
// in-flight tasks first.
func (r *Registry) ScaleAgents(ctx context.Context, agentType AgentType, target int, template AgentConfig) error {
	if target < 0 {
		return NewAgentError(ErrInvalidConfig, "scale target must be non-negative")
	}
	current := r.AgentsByType(agentType)

	if len(current) < target {
		template.AgentType = agentType
		for i := len(current); i < target; i++ {
			cfg := template
			cfg.AgentID = ""
			if _, err := r.StartAgent(ctx, cfg); err != nil {
				return err
			}
		}
		return nil
	}

	if len(current) > target {
		sort.Slice(current, func(i, j int) bool {
			li, lj := current[i].InFlight(), current[j].InFlight()
			if li != lj {
				return li < lj
			}
			return current[i].ID() < current[j].ID()
		})
		for _, victim := range current[:len(current)-target] {
			if err := r.Deregister(ctx, victim.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestartAgent replaces an agent with a fresh instance built from the same
// configuration. The replacement starts with clean metrics, which is what
// clears a failure streak.
func (r *Registry) RestartAgent(ctx context.Context, agentID string) error {
	r.mu.RLock()
	agent, exists := r.agents[agentID]
	var factory AgentFactory
	if exists {
		factory = r.factories[agent.Type()]
	}
	r.mu.RUnlock()

	if !exists {
		return NewAgentError(ErrAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	if factory == nil {
		return NewAgentError(ErrTypeNotRegistered,
			fmt.Sprintf("no factory for agent type %s", agent.Type()))
	}

	if agent.IsRunning() {
		if err := agent.Stop(ctx); err != nil {
			r.log.WithError(err).WithField("agent_id", agentID).Warn("stop during restart failed")
		}
	}

	replacement, err := factory(agent.Config())
	if err != nil {
		return NewAgentErrorWithCause(ErrInvalidConfig, "restart factory failed", err)
	}
	if err := replacement.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.agents[agentID] = replacement
	r.mu.Unlock()

	r.log.WithField("agent_id", agentID).Info("agent restarted")
	r.notify(EventRestarted, replacement)
	return nil
}

// Start launches the periodic health sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sweeping {
		r.mu.Unlock()
		return NewAgentError(ErrAgentRunning, "registry already started")
	}
	r.sweeping = true
	r.sweepCtx, r.sweepCancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.sweepWG.Add(1)
	go r.sweepLoop()
	r.log.Info("registry started")
	return nil
}

// Stop halts the health sweep and shuts down every agent in parallel.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.sweeping {
		r.mu.Unlock()
		return NewAgentError(ErrAgentNotRunning, "registry not started")
	}
	r.sweeping = false
	r.sweepCancel()
	r.mu.Unlock()
	r.sweepWG.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range r.Agents() {
		if !agent.IsRunning() {
			continue
		}
		agent := agent
		g.Go(func() error { return agent.Stop(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.log.Info("registry stopped")
	return nil
}

func (r *Registry) sweepLoop() {
	defer r.sweepWG.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepCtx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(r.sweepCtx)
		}
	}
}

// sweepOnce restarts agents that have been inactive past the inactivity
// limit or have accumulated too many consecutive failures.
func (r *Registry) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, agent := range r.Agents() {
		if !agent.IsRunning() {
			continue
		}
		metrics := agent.Metrics()

		idle := now.Sub(metrics.LastActivity)
		stuck := metrics.ConsecutiveFailures >= r.failureLimit
		if idle < r.inactivityLimit && !stuck {
			continue
		}

		r.log.WithFields(logging.Fields{
			"agent_id":             agent.ID(),
			"idle":                 idle.String(),
			"consecutive_failures": metrics.ConsecutiveFailures,
		}).Warn("health sweep restarting agent")
		if err := r.RestartAgent(ctx, agent.ID()); err != nil {
			r.log.WithError(err).WithField("agent_id", agent.ID()).Error("sweep restart failed")
		}
	}
}

// RegistryStats aggregates counts across the registry.
type RegistryStats struct {
	TotalAgents int                  `json:"total_agents"`
	Running     int                  `json:"running"`
	ByType      map[AgentType]int    `json:"by_type"`
	ByHealth    map[HealthStatus]int `json:"by_health"`
}

// Stats returns aggregate counts by type and health.
func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{
		ByType:   make(map[AgentType]int),
		ByHealth: make(map[HealthStatus]int),
	}
	for _, agent := range r.Agents() {
		stats.TotalAgents++
		if agent.IsRunning() {
			stats.Running++
		}
		stats.ByType[agent.Type()]++
		stats.ByHealth[agent.Health()]++
	}
	return stats
}

// SystemStatus returns the health report of every agent, keyed by id.
func (r *Registry) SystemStatus() map[string]HealthSnapshot {
	out := make(map[string]HealthSnapshot)
	for _, agent := range r.Agents() {
		out[agent.ID()] = agent.HealthSnapshot()
	}
	return out
}
