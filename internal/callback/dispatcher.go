// Package callback delivers terminal-state notifications: in-process handlers
// and outbound webhooks. Dispatch is exactly-once per task, ordered by
// registration, and handler failures never propagate back into the engine.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/moltq/moltq/internal/model"
)

// Events a webhook may subscribe to.
const (
	EventComplete = "on_complete"
	EventError    = "on_error"
	EventCancel   = "on_cancel"
)

// Handler reacts to a task reaching a terminal state. A non-nil error is
// logged by the dispatcher and does not affect other handlers or the task.
type Handler interface {
	Handle(ctx context.Context, t *model.Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *model.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t *model.Task) error {
	return f(ctx, t)
}

// Doer issues webhook HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookTarget is a registered outbound delivery target for one event kind.
type WebhookTarget struct {
	Event   string            `json:"event"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// webhookPayload is the JSON body POSTed to webhook targets.
type webhookPayload struct {
	Event     string    `json:"event"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans terminal transitions out to handlers and webhooks.
type Dispatcher struct {
	mu         sync.Mutex
	logger     *slog.Logger
	client     Doer
	onComplete []Handler
	onError    []Handler
	webhooks   []WebhookTarget
}

// NewDispatcher creates a dispatcher. A nil doer falls back to a client with
// a 30 second delivery timeout.
func NewDispatcher(logger *slog.Logger, doer Doer) *Dispatcher {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{logger: logger, client: doer}
}

// OnComplete registers a handler invoked when a task succeeds.
func (d *Dispatcher) OnComplete(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onComplete = append(d.onComplete, h)
}

// OnError registers a handler invoked when a task fails.
func (d *Dispatcher) OnError(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = append(d.onError, h)
}

// Webhook registers an outbound delivery target for the given event.
func (d *Dispatcher) Webhook(event, url string, headers map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks = append(d.webhooks, WebhookTarget{Event: event, URL: url, Headers: headers})
	d.logger.Info("webhook registered", "event", event, "url", url)
}

// Webhooks returns a snapshot of registered targets.
func (d *Dispatcher) Webhooks() []WebhookTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WebhookTarget, len(d.webhooks))
	copy(out, d.webhooks)
	return out
}

// Dispatch delivers the task's terminal state to the matching handler list
// and webhooks. The engine calls it exactly once per task, after the terminal
// state is recorded and before the task's lock is released.
func (d *Dispatcher) Dispatch(ctx context.Context, t *model.Task) {
	var event string
	var handlers []Handler

	d.mu.Lock()
	switch t.Status {
	case model.StatusSucceeded:
		event = EventComplete
		handlers = append(handlers, d.onComplete...)
	case model.StatusFailed:
		event = EventError
		handlers = append(handlers, d.onError...)
	case model.StatusCancelled:
		event = EventCancel
	default:
		d.mu.Unlock()
		d.logger.Error("dispatch called for non-terminal task", "task_id", t.ID, "status", t.Status)
		return
	}
	targets := d.matchingTargets(event)
	d.mu.Unlock()

	for _, h := range handlers {
		d.invoke(ctx, h, t, event)
	}
	for _, target := range targets {
		if err := d.deliver(ctx, target, event, t); err != nil {
			d.logger.Error("webhook delivery failed",
				"event", event, "url", target.URL, "task_id", t.ID, "error", err)
			d.reportDeliveryFailure(ctx, t)
		}
	}
}

// matchingTargets returns targets for the event. Callers hold d.mu.
func (d *Dispatcher) matchingTargets(event string) []WebhookTarget {
	var out []WebhookTarget
	for _, w := range d.webhooks {
		if w.Event == event {
			out = append(out, w)
		}
	}
	return out
}

// invoke runs one handler, containing panics and logging errors so a broken
// handler cannot corrupt task state or starve later handlers.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, t *model.Task, event string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback handler panicked", "event", event, "task_id", t.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := h.Handle(ctx, t); err != nil {
		d.logger.Error("callback handler failed", "event", event, "task_id", t.ID, "error", err)
	}
}

// deliver POSTs the terminal payload to one webhook target. Delivery is
// single-shot; retry, if wanted, belongs to the receiving transport.
func (d *Dispatcher) deliver(ctx context.Context, target WebhookTarget, event string, t *model.Task) error {
	body, err := json.Marshal(webhookPayload{
		Event:     event,
		TaskID:    t.ID,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// reportDeliveryFailure surfaces a failed webhook delivery through the
// error-handler channel, per the dispatch contract.
func (d *Dispatcher) reportDeliveryFailure(ctx context.Context, t *model.Task) {
	d.mu.Lock()
	handlers := append([]Handler(nil), d.onError...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(ctx, h, t, EventError)
	}
}
