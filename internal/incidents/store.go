// Package incidents persists the append-only incident log.
package incidents

import (
	"context"
	"fmt"
	"time"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// Listing limits.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Query filters a listing. An empty Subject lists every subject.
type Query struct {
	Subject string
	Limit   int
}

// Store is the durable incident log.
type Store interface {
	Append(ctx context.Context, inc *models.Incident) error
	List(ctx context.Context, q Query) ([]models.Incident, error)
	Resolve(ctx context.Context, id string, at time.Time) (*models.Incident, error)
	Close() error
}

// Writer receives best-effort copies of appended incidents.
type Writer interface {
	WriteIncidents(incidents []*models.Incident) error
	Close() error
}

// NormalizeQuery validates the subject filter and bounds the limit.
func NormalizeQuery(q Query) (Query, error) {
	if q.Subject != "" {
		addr, err := models.NormalizeAddress(q.Subject)
		if err != nil {
			return q, err
		}
		q.Subject = addr
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q, nil
}

func validateIncident(inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("%w: incident id is required", models.ErrValidation)
	}
	if inc.SubjectAddress == "" {
		return fmt.Errorf("%w: incident subject is required", models.ErrValidation)
	}
	if inc.Timestamp.IsZero() {
		return fmt.Errorf("%w: incident timestamp is required", models.ErrValidation)
	}
	return nil
}

// Mirrored appends to a primary store and copies each incident to the writers.
type Mirrored struct {
	Store
	writers []Writer
}

// NewMirrored wraps primary with best-effort mirrors.
func NewMirrored(primary Store, writers ...Writer) *Mirrored {
	return &Mirrored{Store: primary, writers: writers}
}

// Append writes the primary first. Mirror failures are logged and do not fail the append.
func (m *Mirrored) Append(ctx context.Context, inc *models.Incident) error {
	if err := m.Store.Append(ctx, inc); err != nil {
		return err
	}
	for _, w := range m.writers {
		if err := w.WriteIncidents([]*models.Incident{inc}); err != nil {
			logger.Warnf("Failed to mirror incident %s: %v", inc.ID, err)
		}
	}
	return nil
}

// Close closes mirrors and then the primary.
func (m *Mirrored) Close() error {
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			logger.Errorf("Failed to close incident mirror: %v", err)
		}
	}
	return m.Store.Close()
}
