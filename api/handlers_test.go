package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feldboy/roncrm1-sub000/agent"
	"github.com/feldboy/roncrm1-sub000/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	registry *agent.Registry
	bus      *agent.Bus
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := agent.NewRegistry(logging.Discard())
	registry.RegisterAgentType(agent.TypeEmailService, func(cfg agent.AgentConfig) (agent.Agent, error) {
		cfg.RetryDelay = 10 * time.Millisecond
		cfg.HealthCheckInterval = time.Hour
		a, err := agent.NewBaseAgent(cfg, logging.Discard())
		if err != nil {
			return nil, err
		}
		a.RegisterHandler("send_email", func(ctx context.Context, task *agent.Task) (*agent.AgentResponse, error) {
			return &agent.AgentResponse{Success: true, Data: map[string]interface{}{"sent": true}}, nil
		})
		return a, nil
	})

	bus := agent.NewBus(registry, logging.Discard())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		_ = bus.Stop(context.Background())
		for _, a := range registry.Agents() {
			if a.IsRunning() {
				_ = a.Stop(context.Background())
			}
		}
	})

	return &fixture{
		registry: registry,
		bus:      bus,
		router:   NewRouter(New(registry, bus, logging.Discard())),
	}
}

func (f *fixture) startAgent(t *testing.T, id string) agent.Agent {
	t.Helper()
	a, err := f.registry.StartAgent(context.Background(), agent.AgentConfig{
		AgentID:   id,
		AgentType: agent.TypeEmailService,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-2")
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	agents := body["agents"].([]interface{})
	first := agents[0].(map[string]interface{})
	assert.Equal(t, "mail-1", first["id"])
	assert.Equal(t, "healthy", first["health"])
}

func TestGetAgentHealth(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodGet, "/api/v1/agents/mail-1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "mail-1", body["agent_id"])
	assert.Equal(t, true, body["running"])

	w = f.request(t, http.MethodGet, "/api/v1/agents/nope/health", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestartAgent(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodPost, "/api/v1/agents/mail-1/restart", nil)
	require.Equal(t, http.StatusOK, w.Code)

	restarted, err := f.registry.Get("mail-1")
	require.NoError(t, err)
	assert.True(t, restarted.IsRunning())

	w = f.request(t, http.MethodPost, "/api/v1/agents/ghost/restart", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScaleAgents(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/scale", map[string]interface{}{
		"agent_type": "email_service",
		"count":      3,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.registry.AgentsByType(agent.TypeEmailService), 3)

	w = f.request(t, http.MethodPost, "/api/v1/scale", map[string]interface{}{
		"agent_type": "email_service",
		"count":      1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.registry.AgentsByType(agent.TypeEmailService), 1)

	w = f.request(t, http.MethodPost, "/api/v1/scale", map[string]interface{}{"count": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitTaskAsync(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"agent_type": "email_service",
		"operation":  "send_email",
		"payload":    map[string]interface{}{"to": "a@b.c"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["task_id"])
}

func TestSubmitTaskAndWait(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"agent_type": "email_service",
		"operation":  "send_email",
		"wait":       true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(agent.StatusCompleted), body["status"])
	resp := body["response"].(map[string]interface{})
	assert.Equal(t, true, resp["success"])
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"operation": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsAndStatus(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "mail-1")

	w := f.request(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total_agents"])

	w = f.request(t, http.MethodGet, "/api/v1/bus/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	agents := body["agents"].(map[string]interface{})
	assert.Contains(t, agents, "mail-1")
}
