// Package store persists provider and webhook registrations so they survive
// daemon restarts. Task results are deliberately not stored; the active task
// set lives in the scheduler.
package store

import (
	"context"
	"errors"

	"github.com/moltq/moltq/internal/callback"
	"github.com/moltq/moltq/internal/model"
)

// ErrNotFound is returned when a registration is not found.
var ErrNotFound = errors.New("registration not found")

// Store defines the persistence operations for registrations.
type Store interface {
	SaveProvider(ctx context.Context, p *model.Provider) error
	GetProvider(ctx context.Context, name string) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]*model.Provider, error)
	DeleteProvider(ctx context.Context, name string) error

	SaveWebhook(ctx context.Context, w callback.WebhookTarget) error
	ListWebhooks(ctx context.Context) ([]callback.WebhookTarget, error)

	Close() error
}
