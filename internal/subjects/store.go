// Package subjects persists the monitored subject registry.
package subjects

import (
	"context"
	"time"

	"codeguard/pkg/models"
)

// Store persists subjects. Monitors own last-scan writes and the response
// actor owns pause writes; each touches only its own fields.
type Store interface {
	Upsert(ctx context.Context, s models.Subject) (models.Subject, error)
	Get(ctx context.Context, address string) (models.Subject, bool, error)
	List(ctx context.Context, chain string) ([]models.Subject, error)
	MarkScanned(ctx context.Context, address string, at time.Time) error
	SetPaused(ctx context.Context, address string, paused bool, at time.Time) error
	Close() error
}
