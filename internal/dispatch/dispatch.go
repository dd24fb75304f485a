// Package dispatch wires the scheduler, provider registry, coordinator,
// callback dispatcher, and engine into one framework instance. Instances own
// all of their state, so several can coexist in one process.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/moltq/moltq/internal/callback"
	"github.com/moltq/moltq/internal/config"
	"github.com/moltq/moltq/internal/coordinator"
	"github.com/moltq/moltq/internal/engine"
	"github.com/moltq/moltq/internal/model"
	"github.com/moltq/moltq/internal/provider"
	"github.com/moltq/moltq/internal/scheduler"
	"github.com/moltq/moltq/internal/store"
)

// Status is the framework-level status snapshot served by GET /v1/status.
type Status struct {
	Started bool         `json:"started"`
	Engine  engine.Stats `json:"engine"`
	Models  int          `json:"models"`
}

// Framework is the task-execution framework facade: submission, waiting,
// cancellation, model and webhook registration.
type Framework struct {
	cfg        config.Config
	logger     *slog.Logger
	sched      *scheduler.Scheduler
	registry   *provider.Registry
	coord      coordinator.Coordinator
	dispatcher *callback.Dispatcher
	engine     *engine.Engine
	store      store.Store
	started    bool
}

// New assembles a framework instance. st may be nil for fully in-memory use
// (tests, embedded); coord selects standalone or clustered coordination.
func New(cfg config.Config, st store.Store, coord coordinator.Coordinator, logger *slog.Logger) (*Framework, error) {
	strategy, err := provider.ParseStrategy(cfg.Providers.SelectionStrategy)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(cfg.Engine.MaxConcurrentTasks, logger)
	registry := provider.NewRegistry(strategy, cfg.Providers.FailureThreshold, cfg.Providers.CooldownBase, logger)
	dispatcher := callback.NewDispatcher(logger, nil)
	eng := engine.New(engine.Config{
		MaxWorkers:  cfg.Engine.MaxWorkers,
		TaskTimeout: cfg.Engine.TaskTimeout,
		BackoffBase: cfg.Engine.BackoffBase,
		BackoffMax:  cfg.Engine.BackoffMax,
		LockLease:   cfg.Engine.LockLease,
	}, sched, registry, coord, dispatcher, logger)

	return &Framework{
		cfg:        cfg,
		logger:     logger,
		sched:      sched,
		registry:   registry,
		coord:      coord,
		dispatcher: dispatcher,
		engine:     eng,
		store:      st,
	}, nil
}

// Start restores persisted registrations and launches the worker pool.
func (f *Framework) Start(ctx context.Context) error {
	if f.started {
		return nil
	}
	if f.store != nil {
		if err := f.restore(ctx); err != nil {
			return err
		}
	}
	f.engine.Start()
	f.started = true
	return nil
}

// Stop shuts the worker pool down and closes the coordinator.
func (f *Framework) Stop() {
	if !f.started {
		return
	}
	f.engine.Stop()
	if err := f.coord.Close(); err != nil {
		f.logger.Error("coordinator close failed", "error", err)
	}
	f.started = false
}

// restore re-registers providers and webhooks saved by earlier runs.
func (f *Framework) restore(ctx context.Context) error {
	providers, err := f.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("restore providers: %w", err)
	}
	for _, p := range providers {
		f.registry.Register(*p, provider.NewOpenAIClient(*p, nil))
	}

	webhooks, err := f.store.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("restore webhooks: %w", err)
	}
	for _, w := range webhooks {
		f.dispatcher.Webhook(w.Event, w.URL, w.Headers)
	}

	f.logger.Info("registrations restored", "providers", len(providers), "webhooks", len(webhooks))
	return nil
}

// Submit creates and enqueues a task for the given prompt. An empty mdl uses
// the configured default model; a zero priority becomes PriorityNormal.
func (f *Framework) Submit(prompt, mdl string, priority int) (string, error) {
	t := f.newTask(prompt, mdl, priority)
	if err := f.engine.Submit(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// SubmitBatch enqueues all prompts with a batch-level concurrency sub-ceiling
// and returns the task ids immediately.
func (f *Framework) SubmitBatch(prompts []string, mdl string, priority, concurrency int) ([]string, error) {
	tasks := make([]*model.Task, 0, len(prompts))
	for _, p := range prompts {
		tasks = append(tasks, f.newTask(p, mdl, priority))
	}
	return f.engine.SubmitBatch(tasks, concurrency)
}

// GetResult returns the task's last known state.
func (f *Framework) GetResult(id string) (*model.Task, error) {
	return f.engine.GetResult(id)
}

// Wait blocks until the task is terminal or the timeout elapses.
func (f *Framework) Wait(ctx context.Context, id string, timeout time.Duration) (*model.Task, error) {
	return f.engine.Wait(ctx, id, timeout)
}

// Cancel requests cancellation; returns false for unknown or terminal tasks.
func (f *Framework) Cancel(id string) bool {
	return f.engine.Cancel(id)
}

// ListTasks returns tasks, optionally filtered by status.
func (f *Framework) ListTasks(status string) []*model.Task {
	return f.sched.List(status)
}

// RegisterModel registers (or updates) a provider and persists the
// registration. An empty capability defaults to the provider name, matching
// the convention that a model's name is its capability tag.
func (f *Framework) RegisterModel(ctx context.Context, p model.Provider) error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Capability == "" {
		p.Capability = p.Name
	}
	if p.Weight <= 0 {
		p.Weight = 10
	}

	f.registry.Register(p, provider.NewOpenAIClient(p, nil))
	if f.store != nil {
		if err := f.store.SaveProvider(ctx, &p); err != nil {
			return err
		}
	}
	return nil
}

// ListModels returns all registered providers.
func (f *Framework) ListModels() []model.Provider {
	return f.registry.List()
}

// OnComplete registers a success handler.
func (f *Framework) OnComplete(h callback.Handler) {
	f.dispatcher.OnComplete(h)
}

// OnError registers a failure handler.
func (f *Framework) OnError(h callback.Handler) {
	f.dispatcher.OnError(h)
}

// Webhook registers and persists an outbound delivery target.
func (f *Framework) Webhook(ctx context.Context, event, url string, headers map[string]string) error {
	switch event {
	case callback.EventComplete, callback.EventError, callback.EventCancel:
	default:
		return fmt.Errorf("unknown webhook event %q", event)
	}
	f.dispatcher.Webhook(event, url, headers)
	if f.store != nil {
		return f.store.SaveWebhook(ctx, callback.WebhookTarget{Event: event, URL: url, Headers: headers})
	}
	return nil
}

// Status reports the framework's live state.
func (f *Framework) Status() Status {
	return Status{
		Started: f.started,
		Engine:  f.engine.Stats(),
		Models:  len(f.registry.List()),
	}
}

func (f *Framework) newTask(prompt, mdl string, priority int) *model.Task {
	if mdl == "" {
		mdl = f.cfg.Providers.DefaultModel
	}
	if priority == 0 {
		priority = model.PriorityNormal
	}
	attempts := f.cfg.Engine.RetryTimes
	if attempts <= 0 {
		attempts = 1
	}
	return &model.Task{
		ID:          model.NewID(),
		Prompt:      prompt,
		Model:       mdl,
		Priority:    priority,
		MaxAttempts: attempts,
		CreatedAt:   time.Now().UTC(),
	}
}
