package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feldboy/roncrm1-sub000/config"
	"github.com/feldboy/roncrm1-sub000/logging"
)

func newTestClient(url string, maxRetries int) *WebhookClient {
	c := NewWebhookClient(config.WebhookConfig{
		URL:            url,
		TimeoutSeconds: 2,
		MaxRetries:     maxRetries,
	}, logging.Discard())
	c.initialInterval = 5 * time.Millisecond
	return c
}

func TestNotifyDeliversEnvelope(t *testing.T) {
	var got webhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	err := c.Notify(context.Background(), "lead.created", "intake-1", map[string]interface{}{"lead_id": "L-9"})
	require.NoError(t, err)

	assert.Equal(t, "lead.created", got.Event)
	assert.Equal(t, "intake-1", got.SenderID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	require.NoError(t, c.Notify(context.Background(), "task.completed", "", nil))
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	err := c.Notify(context.Background(), "task.completed", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook rejected")
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	// No backoff retries, so every Notify is one breaker failure.
	c := newTestClient(srv.URL, 0)
	for i := 0; i < 5; i++ {
		require.Error(t, c.Notify(context.Background(), "x", "", nil))
	}

	err := c.Notify(context.Background(), "x", "", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "circuit breaker is open")
}
