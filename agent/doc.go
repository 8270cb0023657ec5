/*
Package agent provides an in-process agent runtime: bounded-concurrency
task execution, agent discovery and supervision, and a message bus for
inter-agent communication.

# Overview

The package is built from three cooperating pieces:

  - Agent / BaseAgent: a worker that drains a priority task queue with a
    bounded pool, applies per-attempt timeouts, and retries failed tasks
    with exponential backoff
  - Registry: tracks live agents, answers discovery queries, scales agent
    populations, and restarts agents that go silent or keep failing
  - Bus: moves messages between agents with point-to-point task dispatch,
    topic-based publish/subscribe, and correlated request/response

# Tasks

A Task addresses an agent type and an operation. It moves through a fixed
lifecycle: pending, in_progress, then completed or failed, with a retry
state in between while backoff delay elapses. Cancellation is only
possible before execution starts.

# Agents

Concrete agents embed BaseAgent and register a handler per operation:

	cfg := agent.AgentConfig{AgentID: "email-1", AgentType: agent.TypeEmailService}
	a, err := agent.NewBaseAgent(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	a.RegisterHandler("send_email", func(ctx context.Context, t *agent.Task) (*agent.AgentResponse, error) {
		// ...
		return &agent.AgentResponse{Success: true}, nil
	})

Health is derived from the consecutive failure streak and queue depth; a
single success resets the streak, and a stopped agent reports offline.

# Registry and Bus

The registry owns agent lifecycles through per-type factories. The bus
resolves recipients through the registry, so a task sent without an
explicit recipient routes to the least loaded healthy agent of its type.
*/
package agent
