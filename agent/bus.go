package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/feldboy/roncrm1-sub000/logging"
)

// EventHandler consumes a published event message.
type EventHandler func(msg *Message)

// Subscription identifies one event registration so it can be removed.
type Subscription struct {
	id    string
	topic string
}

// Topic returns the topic the subscription is bound to.
func (s *Subscription) Topic() string { return s.topic }

// BusStats aggregates the bus's delivery counters.
type BusStats struct {
	Sent            int64 `json:"sent"`
	Delivered       int64 `json:"delivered"`
	Redelivered     int64 `json:"redelivered"`
	Failed          int64 `json:"failed"`
	Expired         int64 `json:"expired"`
	Published       int64 `json:"published"`
	QueueDepth      int   `json:"queue_depth"`
	PendingRequests int   `json:"pending_requests"`
	Subscriptions   int   `json:"subscriptions"`
}

// Bus moves messages between agents: point-to-point task dispatch,
// topic-based publish/subscribe, and correlated request/response. A single
// dispatcher goroutine drains the queue, so per-message delivery state
// needs no locking.
type Bus struct {
	registry *Registry
	log      *logging.Logger

	queue   *messageQueue
	running int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subsMu sync.RWMutex
	subs   map[string]map[string]EventHandler

	pendingMu sync.Mutex
	pending   map[string]chan *AgentResponse

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	sent        int64
	delivered   int64
	redelivered int64
	failed      int64
	expired     int64
	published   int64

	// Shortened by tests.
	pollInterval      time.Duration
	resolveRetryDelay time.Duration
	redeliveryBase    time.Duration
}

// NewBus creates a bus bound to a registry for recipient resolution.
func NewBus(registry *Registry, log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default("bus")
	}
	return &Bus{
		registry:          registry,
		log:               log,
		queue:             newMessageQueue(),
		subs:              make(map[string]map[string]EventHandler),
		pending:           make(map[string]chan *AgentResponse),
		timers:            make(map[string]*time.Timer),
		pollInterval:      50 * time.Millisecond,
		resolveRetryDelay: time.Second,
		redeliveryBase:    time.Second,
	}
}

// Start launches the dispatcher.
func (b *Bus) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return NewAgentError(ErrAgentRunning, "bus already running")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.dispatchLoop()
	b.log.Info("bus started")
	return nil
}

// Stop halts the dispatcher, cancels scheduled redeliveries, and fails
// every pending request so no caller blocks forever.
func (b *Bus) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.running, 1, 0) {
		return NewAgentError(ErrAgentNotRunning, "bus not running")
	}
	b.cancel()
	b.wg.Wait()

	b.timersMu.Lock()
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	b.timersMu.Unlock()

	b.pendingMu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.log.Info("bus stopped")
	return nil
}

// IsRunning reports whether the dispatcher is active.
func (b *Bus) IsRunning() bool { return atomic.LoadInt32(&b.running) == 1 }

// Send validates and enqueues a message. Structural problems are rejected
// here; delivery problems are handled asynchronously with redelivery.
func (b *Bus) Send(msg *Message) error {
	if !b.IsRunning() {
		return NewAgentError(ErrBusNotRunning, "bus not running")
	}
	if msg == nil || msg.ID == "" {
		return NewAgentError(ErrInvalidMessage, "message is nil or unbuilt")
	}
	switch msg.Kind {
	case KindTask, KindRequest:
		if msg.Task == nil {
			return NewAgentError(ErrInvalidMessage, "task message carries no task")
		}
	case KindResponse:
		if msg.CorrelationID == "" && msg.RecipientID == "" {
			return NewAgentError(ErrInvalidMessage, "response message has no correlation or recipient")
		}
	case KindEvent:
		if msg.Topic == "" {
			return NewAgentError(ErrInvalidMessage, "event message has no topic")
		}
	case "":
		return NewAgentError(ErrInvalidMessage, "message has no kind")
	}

	b.queue.Push(msg)
	atomic.AddInt64(&b.sent, 1)
	return nil
}

// DispatchTask sends a task to an agent without waiting for completion.
// With an empty recipient the task routes to the least loaded healthy
// agent of its type at delivery time.
func (b *Bus) DispatchTask(task *Task, recipientID string) error {
	if task == nil {
		return NewAgentError(ErrInvalidTask, "task is nil")
	}
	msg := NewMessage(KindTask).
		To(recipientID).
		WithTask(task).
		WithCorrelationID(task.CorrelationID).
		Build()
	return b.Send(msg)
}

// SendTask dispatches a task and blocks until it reaches a terminal state
// or the context expires. The task's own retry budget applies; SendTask
// observes the final outcome.
func (b *Bus) SendTask(ctx context.Context, task *Task, recipientID string) (*AgentResponse, error) {
	if err := b.DispatchTask(task, recipientID); err != nil {
		return nil, err
	}
	return b.awaitTask(ctx, task)
}

func (b *Bus) awaitTask(ctx context.Context, task *Task) (*AgentResponse, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		switch task.Status() {
		case StatusCompleted:
			return task.Response(), nil
		case StatusFailed:
			return nil, NewAgentError(ErrUnknown, task.ErrorMessage()).WithContext("task_id", task.ID)
		case StatusCancelled:
			return nil, NewAgentError(ErrTaskCancelled, "task cancelled").WithContext("task_id", task.ID)
		}
		select {
		case <-ctx.Done():
			return nil, NewAgentErrorWithCause(ErrTimeout, "timed out waiting for task", ctx.Err()).
				WithContext("task_id", task.ID)
		case <-ticker.C:
		}
	}
}

// Request sends a task as a correlated request and waits for the matching
// response message. The pending entry is removed on every exit path, so a
// timed-out correlation id can never leak.
func (b *Bus) Request(ctx context.Context, task *Task, recipientID string, timeout time.Duration) (*AgentResponse, error) {
	if !b.IsRunning() {
		return nil, NewAgentError(ErrBusNotRunning, "bus not running")
	}
	if task == nil {
		return nil, NewAgentError(ErrInvalidTask, "task is nil")
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
		task.CorrelationID = correlationID
	}

	future := make(chan *AgentResponse, 1)
	b.pendingMu.Lock()
	b.pending[correlationID] = future
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, correlationID)
		b.pendingMu.Unlock()
	}()

	msg := NewMessage(KindRequest).
		To(recipientID).
		WithTask(task).
		WithCorrelationID(correlationID).
		Build()
	if err := b.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-future:
		if !ok {
			return nil, NewAgentError(ErrBusNotRunning, "bus stopped while waiting for response")
		}
		return resp, nil
	case <-timer.C:
		return nil, NewAgentError(ErrTimeout,
			fmt.Sprintf("no response within %s", timeout)).
			WithContext("correlation_id", correlationID)
	case <-ctx.Done():
		return nil, NewAgentErrorWithCause(ErrTimeout, "request cancelled", ctx.Err())
	}
}

// Publish fans an event out to every subscriber of its topic. Delivery is
// direct, not through the routing queue, so a published event is never
// subject to TTL expiry or redelivery.
func (b *Bus) Publish(topic string, senderID string, payload map[string]interface{}) error {
	if !b.IsRunning() {
		return NewAgentError(ErrBusNotRunning, "bus not running")
	}
	if topic == "" {
		return NewAgentError(ErrInvalidMessage, "event has no topic")
	}
	msg := NewMessage(KindEvent).
		From(senderID).
		WithTopic(topic).
		WithPayload(payload).
		Build()
	atomic.AddInt64(&b.published, 1)
	b.fanOut(msg)
	return nil
}

// Subscribe registers a handler for a topic and returns the token needed
// to unsubscribe.
func (b *Bus) Subscribe(topic string, handler EventHandler) *Subscription {
	sub := &Subscription{id: uuid.New().String(), topic: topic}
	b.subsMu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]EventHandler)
	}
	b.subs[topic][sub.id] = handler
	b.subsMu.Unlock()
	return sub
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subsMu.Lock()
	if handlers := b.subs[sub.topic]; handlers != nil {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.subsMu.Unlock()
}

// Stats returns a point-in-time copy of the bus counters.
func (b *Bus) Stats() BusStats {
	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()
	b.subsMu.RLock()
	subs := 0
	for _, handlers := range b.subs {
		subs += len(handlers)
	}
	b.subsMu.RUnlock()
	return BusStats{
		Sent:            atomic.LoadInt64(&b.sent),
		Delivered:       atomic.LoadInt64(&b.delivered),
		Redelivered:     atomic.LoadInt64(&b.redelivered),
		Failed:          atomic.LoadInt64(&b.failed),
		Expired:         atomic.LoadInt64(&b.expired),
		Published:       atomic.LoadInt64(&b.published),
		QueueDepth:      b.queue.Len(),
		PendingRequests: pending,
		Subscriptions:   subs,
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		msg, ok := b.queue.Pop(b.ctx)
		if !ok {
			return
		}
		b.dispatch(msg)
	}
}

func (b *Bus) dispatch(msg *Message) {
	if msg.IsExpired(time.Now().UTC()) {
		atomic.AddInt64(&b.expired, 1)
		b.log.WithFields(logging.Fields{
			"message_id": msg.ID,
			"kind":       string(msg.Kind),
		}).Warn("message expired, dropping")
		return
	}

	var err error
	switch msg.Kind {
	case KindEvent:
		// Routed event messages are observability only; subscriber
		// fan-out happens in Publish.
		b.log.WithFields(logging.Fields{
			"message_id": msg.ID,
			"topic":      msg.Topic,
			"sender_id":  msg.SenderID,
		}).Info("event message")
		atomic.AddInt64(&b.delivered, 1)
		return
	case KindResponse:
		b.deliverResponse(msg)
		return
	case KindTask:
		err = b.deliverTask(msg, false)
	case KindRequest:
		err = b.deliverTask(msg, true)
	default:
		// Application-defined kinds carry no routing semantics.
		b.log.WithFields(logging.Fields{
			"message_id": msg.ID,
			"kind":       string(msg.Kind),
			"sender_id":  msg.SenderID,
		}).Info("application message")
		atomic.AddInt64(&b.delivered, 1)
		return
	}

	if err == nil {
		atomic.AddInt64(&b.delivered, 1)
		return
	}
	b.redeliver(msg, err)
}

// redeliver requeues a failed delivery at the tail after an exponential
// delay, or drops the message once the retry budget is spent.
func (b *Bus) redeliver(msg *Message, cause error) {
	msg.recordAttempt()
	if !msg.canRetry() {
		atomic.AddInt64(&b.failed, 1)
		b.log.WithError(cause).WithFields(logging.Fields{
			"message_id": msg.ID,
			"attempts":   msg.Attempts(),
		}).Error("delivery failed, dropping message")
		return
	}

	delay := b.redeliveryBase * (1 << msg.Attempts())
	b.log.WithError(cause).WithFields(logging.Fields{
		"message_id": msg.ID,
		"attempt":    msg.Attempts(),
		"delay":      delay.String(),
	}).Warn("delivery failed, redelivery scheduled")

	b.timersMu.Lock()
	b.timers[msg.ID] = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		delete(b.timers, msg.ID)
		b.timersMu.Unlock()
		if !b.IsRunning() {
			return
		}
		atomic.AddInt64(&b.redelivered, 1)
		b.queue.Push(msg)
	})
	b.timersMu.Unlock()
}

// deliverTask resolves the recipient and submits the carried task. When
// asResponse is set, task completion additionally produces a correlated
// response message back onto the bus.
func (b *Bus) deliverTask(msg *Message, asResponse bool) error {
	recipient, err := b.resolveRecipient(msg)
	if err != nil {
		return err
	}
	if err := recipient.Submit(msg.Task); err != nil {
		return err
	}
	if asResponse {
		b.wg.Add(1)
		go b.respondOnCompletion(msg, recipient.ID())
	}
	return nil
}

// resolveRecipient finds the target agent, retrying once after a short
// delay so a recipient mid-restart is not immediately a failure.
func (b *Bus) resolveRecipient(msg *Message) (Agent, error) {
	lookup := func() (Agent, error) {
		if msg.RecipientID != "" {
			return b.registry.Get(msg.RecipientID)
		}
		return b.registry.LeastLoadedAgent(msg.Task.AgentType)
	}

	recipient, err := lookup()
	if err == nil {
		return recipient, nil
	}

	select {
	case <-b.ctx.Done():
		return nil, err
	case <-time.After(b.resolveRetryDelay):
	}
	return lookup()
}

// respondOnCompletion waits for the request's task to settle and feeds the
// outcome back through the bus as a correlated response.
func (b *Bus) respondOnCompletion(msg *Message, agentID string) {
	defer b.wg.Done()

	resp, err := b.awaitTask(b.ctx, msg.Task)
	if err != nil {
		resp = &AgentResponse{
			TaskID:    msg.Task.ID,
			AgentID:   agentID,
			AgentType: msg.Task.AgentType,
			Success:   false,
			Errors:    []string{err.Error()},
			Timestamp: time.Now().UTC(),
		}
	}

	response := NewMessage(KindResponse).
		From(agentID).
		To(msg.SenderID).
		WithResponse(resp).
		WithCorrelationID(msg.CorrelationID).
		Build()
	if sendErr := b.Send(response); sendErr != nil {
		b.log.WithError(sendErr).WithField("correlation_id", msg.CorrelationID).
			Warn("could not send response message")
	}
}

// deliverResponse resolves the waiting request future, if any. A response
// whose requester already gave up is dropped quietly.
func (b *Bus) deliverResponse(msg *Message) {
	b.pendingMu.Lock()
	future, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.pendingMu.Unlock()

	if !ok {
		b.log.WithField("correlation_id", msg.CorrelationID).
			Debug("response with no pending request, dropping")
		return
	}
	future <- msg.Response
	atomic.AddInt64(&b.delivered, 1)
}

// fanOut invokes every subscriber of the topic, each in its own goroutine.
// A panicking subscriber is isolated; the others still run.
func (b *Bus) fanOut(msg *Message) {
	b.subsMu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[msg.Topic]))
	for _, h := range b.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.subsMu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logging.Fields{
						"topic": msg.Topic,
						"panic": fmt.Sprint(r),
					}).Error("event subscriber panicked")
				}
			}()
			handler(msg)
		}()
	}
}
