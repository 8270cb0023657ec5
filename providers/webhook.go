// Package providers holds clients for external collaborators. The runtime
// itself is in-process; everything that leaves the process goes through
// here, wrapped with retry and circuit breaking.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/feldboy/roncrm1-sub000/agent"
	"github.com/feldboy/roncrm1-sub000/config"
	"github.com/feldboy/roncrm1-sub000/logging"
)

// WebhookClient POSTs runtime events to an external endpoint. Transient
// failures are retried with exponential backoff; a failing endpoint trips
// the circuit breaker so the runtime stops hammering it.
type WebhookClient struct {
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logging.Logger
	maxRetries uint64

	// Shortened by tests.
	initialInterval time.Duration
}

// NewWebhookClient builds a client from the webhook configuration.
func NewWebhookClient(cfg config.WebhookConfig, log *logging.Logger) *WebhookClient {
	if log == nil {
		log = logging.Default("webhook")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logging.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	})

	return &WebhookClient{
		url:             cfg.URL,
		httpClient:      &http.Client{Timeout: timeout},
		breaker:         breaker,
		log:             log,
		maxRetries:      uint64(maxRetries),
		initialInterval: 500 * time.Millisecond,
	}
}

// webhookEnvelope is the wire format of one notification.
type webhookEnvelope struct {
	Event     string      `json:"event"`
	SenderID  string      `json:"sender_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notify delivers one event, retrying transient failures. Client errors
// (4xx) are not retried; an open breaker fails immediately.
func (c *WebhookClient) Notify(ctx context.Context, event, senderID string, payload interface{}) error {
	body, err := json.Marshal(webhookEnvelope{
		Event:     event,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = c.initialInterval
		return nil, backoff.Retry(func() error {
			return c.post(ctx, body)
		}, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event, err)
	}
	return nil
}

func (c *WebhookClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("webhook rejected: %s", resp.Status))
	default:
		return fmt.Errorf("webhook failed: %s", resp.Status)
	}
}

// Forward subscribes the client to bus topics and relays each event to
// the endpoint. It returns the subscriptions so the caller can detach.
func (c *WebhookClient) Forward(bus *agent.Bus, topics ...string) []*agent.Subscription {
	subs := make([]*agent.Subscription, 0, len(topics))
	for _, topic := range topics {
		topic := topic
		subs = append(subs, bus.Subscribe(topic, func(msg *agent.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
			defer cancel()
			if err := c.Notify(ctx, topic, msg.SenderID, msg.Payload); err != nil {
				c.log.WithError(err).WithField("topic", topic).Warn("event forward failed")
			}
		}))
	}
	return subs
}
