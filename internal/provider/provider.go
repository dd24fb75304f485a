// Package provider holds the registry of execution backends and the policy
// for picking one per attempt.
package provider

import (
	"context"
	"errors"
)

// ErrNoProviderAvailable is returned by Select when no healthy provider
// matches the requested capability.
var ErrNoProviderAvailable = errors.New("no provider available")

// InvokeRequest carries one task attempt to a provider.
type InvokeRequest struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// InvokeResult holds the provider's answer for a successful invocation.
type InvokeResult struct {
	Output string `json:"output"`
	// TokensUsed is reported when the backend exposes usage accounting.
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Invoker is the capability a concrete backend adapter presents to the
// engine. The context carries the attempt deadline and cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (InvokeResult, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	return f(ctx, req)
}
